package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

var statusLive bool

func init() {
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "Fetch the account from the server")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and queue status",
	Long:  "Display the current configuration, check whether the access token has expired, and count queued offline actions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:  %s\n", cfg.Default.BaseURL)
		fmt.Fprintf(out, "  Storage:   %s\n", cfg.Storage.Path)
		fmt.Fprintf(out, "  Log level: %s\n", cfg.Log.Level)

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		pair, err := s.app.Tokens.Get(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Session:")
		if user, _ := s.app.Tokens.CachedUser(ctx); user != nil {
			fmt.Fprintf(out, "  User:    %s (%s)\n", user.Username, user.ID)
		} else {
			fmt.Fprintln(out, "  User:    (not signed in)")
		}
		fmt.Fprintf(out, "  Access:  %s\n", tokenStatus(pair.AccessToken, time.Now()))
		if pair.RefreshToken != "" {
			fmt.Fprintf(out, "  Refresh: %s\n", maskToken(pair.RefreshToken))
		}

		size, err := s.app.Queue.Size(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Offline queue: %d item(s)\n", size)

		if statusLive && pair.AccessToken != "" {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Live status:")
			me, err := s.app.Client.Auth.Me(ctx)
			if err != nil {
				fmt.Fprintf(out, "  Error fetching account info: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "  Username: %s\n", me.Username)
			fmt.Fprintf(out, "  Email:    %s\n", valueOrDefault(me.Email, "(hidden)"))
		}
		return nil
	},
}

// tokenStatus describes an access token's expiry relative to now.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, ok := heirlink.TokenExpiry(token)
	if !ok {
		return fmt.Sprintf("present (no expiry, %s)", maskToken(token))
	}
	if now.Before(exp) {
		return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s, refreshed on next request)", exp.Format(time.RFC3339))
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
