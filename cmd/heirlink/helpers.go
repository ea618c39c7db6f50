package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

// session bundles an App with the storage it was opened over.
type session struct {
	app     *heirlink.App
	storage *heirlink.SQLiteStorage
	logger  *slog.Logger
}

// Close stops the app and closes the database.
func (s *session) Close() {
	if err := s.app.Close(); err != nil {
		s.logger.Debug("app close", slog.Any("error", err))
	}
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("storage close failed", slog.Any("error", err))
	}
}

// openSession loads the config, opens the local database and builds the App.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	path, err := expandHome(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cannot create storage directory: %w", err)
	}
	storage, err := heirlink.OpenSQLiteStorage(path)
	if err != nil {
		return nil, err
	}

	clientOpts := []heirlink.ClientOption{
		heirlink.WithBaseURL(cfg.Default.BaseURL),
		heirlink.WithOnUnauthorized(func() {
			fmt.Fprintln(os.Stderr, "Session expired. Run 'heirlink login' again.")
		}),
		heirlink.WithOnError(func(message string) {
			fmt.Fprintln(os.Stderr, message)
		}),
	}
	if cfg.Default.Timeout != "" {
		timeout, err := time.ParseDuration(cfg.Default.Timeout)
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("invalid default.timeout %q: %w", cfg.Default.Timeout, err)
		}
		clientOpts = append(clientOpts, heirlink.WithTimeout(timeout))
	}

	app := heirlink.NewApp(storage,
		heirlink.WithClient(clientOpts...),
		heirlink.WithAppLogger(logger),
	)
	return &session{app: app, storage: storage, logger: logger}, nil
}

// requireSession opens the app and resumes the stored session.
func requireSession(ctx context.Context) (*session, error) {
	s, err := openSession()
	if err != nil {
		return nil, err
	}
	ok, err := s.app.Session.Restore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if !ok {
		s.Close()
		return nil, errors.New("not signed in; run 'heirlink login <email> <password>' first")
	}
	return s, nil
}
