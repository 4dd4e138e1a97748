// Package config loads server settings from flags, RUNOTEPAD_* environment
// variables and the JSON config file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. RUNOTEPAD_TOKEN.
const EnvPrefix = "RUNOTEPAD"

// Config holds the server settings.
type Config struct {
	// Addr is the listen address.
	Addr string `mapstructure:"addr"`
	// Token is the shared access token. When empty one is generated and
	// saved to ConfigFile.
	Token string `mapstructure:"token"`
	// ConfigFile is the JSON file holding the token and any other keys.
	ConfigFile string `mapstructure:"config_file"`
	// Shell is spawned for every session, split into words like a shell
	// would, e.g. "bash --login". Empty means $SHELL.
	Shell string `mapstructure:"shell"`
	// StaticDir holds the web UI.
	StaticDir string `mapstructure:"static_dir"`
	// DBPath enables the session history store when set.
	DBPath string `mapstructure:"db_path"`
	// RecordDir enables asciicast recordings when set.
	RecordDir string `mapstructure:"record_dir"`
	LogLevel  string `mapstructure:"log_level"`
	// MaxSessions limits sessions per connection; 0 means no limit.
	MaxSessions int `mapstructure:"max_sessions"`
	// KillGrace is how long a hung-up shell may linger before SIGKILL.
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Addr:       "0.0.0.0:8080",
		ConfigFile: filepath.Join(Dir(), "config.json"),
		StaticDir:  "./static",
		LogLevel:   "debug",
		KillGrace:  2 * time.Second,
	}
}

// Dir returns ~/.runotepad.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runotepad"
	}
	return filepath.Join(home, ".runotepad")
}

// SetDefaults registers default values and environment overrides with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("token", defaults.Token)
	v.SetDefault("config_file", defaults.ConfigFile)
	v.SetDefault("shell", defaults.Shell)
	v.SetDefault("static_dir", defaults.StaticDir)
	v.SetDefault("db_path", defaults.DBPath)
	v.SetDefault("record_dir", defaults.RecordDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("max_sessions", defaults.MaxSessions)
	v.SetDefault("kill_grace", defaults.KillGrace)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile merges the config file into v. A missing file is not an error.
func ReadFile(v *viper.Viper) error {
	path := v.GetString("config_file")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from v and validates it. When no token is
// configured one is generated and written to the config file.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	if cfg.Token == "" {
		token, err := EnsureToken(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}

	return &cfg, nil
}

// ShellCommand splits Shell into the program and its arguments. An empty
// Shell yields an empty program.
func (c *Config) ShellCommand() (string, []string, error) {
	words, err := shellquote.Split(c.Shell)
	if err != nil {
		return "", nil, fmt.Errorf("invalid shell %q: %w", c.Shell, err)
	}
	if len(words) == 0 {
		return "", nil, nil
	}
	return words[0], words[1:], nil
}

// GenerateToken returns 16 random bytes as 32 hex characters.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EnsureToken returns the token stored in path, generating and saving a new
// one when the file has none. Other keys in the file are kept.
func EnsureToken(path string) (string, error) {
	if path == "" {
		return "", errors.New("config_file is required to store the token")
	}

	fv := viper.New()
	fv.SetConfigFile(path)
	fv.SetConfigType("json")
	if err := fv.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if token := fv.GetString("token"); token != "" {
		return token, nil
	}

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	fv.Set("token", token)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := fv.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("failed to protect config file %s: %w", path, err)
	}
	return token, nil
}
