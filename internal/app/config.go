package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs can say "24h" or "90m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig defines how the HTTP backend should run. Values merge in
// order: defaults, yaml file, WISPCHAT_* environment.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	DBPath         string        `yaml:"db_path"`
	BlobDir        string        `yaml:"blob_dir"`
	MaxBlobBytes   int64         `yaml:"max_blob_bytes"`
	MessageTTL     Duration      `yaml:"message_ttl"`
	EmptyRoomGrace Duration      `yaml:"empty_room_grace"`
	PruneCron      string        `yaml:"prune_cron"`
	AdminKeyHash   string        `yaml:"admin_key_hash"`
	LogLevel       string        `yaml:"log_level"`
	RateRPS        float64       `yaml:"rate_rps"`
	RateBurst      int           `yaml:"rate_burst"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Nickname  string
	RoomKey   string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "127.0.0.1:8080",
		DBPath:       DefaultDBPath(),
		BlobDir:      DefaultBlobDir(),
		MaxBlobBytes: 10 << 20,
		MessageTTL:   Duration(24 * time.Hour),
		PruneCron:    "0 * * * *",
		LogLevel:     "info",
	}
}

// LoadServerConfig reads an optional yaml file and applies environment
// overrides on top of the defaults. An empty path skips the file.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("WISPCHAT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("WISPCHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WISPCHAT_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("WISPCHAT_MESSAGE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MessageTTL = Duration(d)
		}
	}
	if v := os.Getenv("WISPCHAT_EMPTY_ROOM_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.EmptyRoomGrace = Duration(d)
		}
	}
	if v := os.Getenv("WISPCHAT_PRUNE_CRON"); v != "" {
		cfg.PruneCron = v
	}
	if v := os.Getenv("WISPCHAT_ADMIN_KEY_HASH"); v != "" {
		cfg.AdminKeyHash = v
	}
	if v := os.Getenv("WISPCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WISPCHAT_MAX_BLOB_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBlobBytes = n
		}
	}
	if v := os.Getenv("WISPCHAT_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateRPS = f
		}
	}
	if v := os.Getenv("WISPCHAT_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateBurst = n
		}
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	return filepath.Join(dataDir(), "wispchat.db")
}

// DefaultBlobDir returns a per-user directory for uploaded media.
func DefaultBlobDir() string {
	return filepath.Join(dataDir(), "blobs")
}

func dataDir() string {
	if env := os.Getenv("WISPCHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "wispchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "WispChat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "WispChat")
		}
		return filepath.Join(home, ".local", "share", "wispchat")
	}
	return filepath.Join(".", ".wispchat")
}
