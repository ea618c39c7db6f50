package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.heirlink/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" mapstructure:"default"`
	Storage ConfigStorage `toml:"storage" mapstructure:"storage"`
	Log     ConfigLog     `toml:"log" mapstructure:"log"`
}

// ConfigDefault holds the server settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url" mapstructure:"base_url"`
	Timeout string `toml:"timeout" mapstructure:"timeout"`
}

// ConfigStorage points at the local session and queue database.
type ConfigStorage struct {
	Path string `toml:"path" mapstructure:"path"`
}

// ConfigLog controls diagnostic output on stderr.
type ConfigLog struct {
	Level string `toml:"level" mapstructure:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

var (
	cfgFile string
	verbose bool
)

// configDir returns the path to ~/.heirlink, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".heirlink")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file, honoring --config.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig layers defaults, the config file and HEIRLINK_* environment
// variables. A missing file is not an error.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("default.base_url", heirlink.DefaultBaseURL)
	v.SetDefault("default.timeout", heirlink.DefaultTimeout.String())
	v.SetDefault("storage.path", filepath.Join("~", ".heirlink", "state.db"))
	v.SetDefault("log.level", "warn")

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("HEIRLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "timeout":
			cfg.Default.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "storage":
		switch field {
		case "path":
			cfg.Storage.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, storage, log)", section)
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
	return level, nil
}

func newLogger(cfg *Config) *slog.Logger {
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelWarn
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "heirlink",
	Short:        "HeirLink client CLI",
	Long:         "Command-line client for HeirLink.\nSign in, chat in real time, and publish posts, queueing them while offline.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.heirlink/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
