package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendSheets = "sheets"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// DefaultMaxCellWidth keeps every chunk one below the Sheets cell limit.
const DefaultMaxCellWidth = 49999

type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Store     *StoreConfig     `json:"store"`
	Router    *RouterConfig    `json:"router"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type WebSocketConfig struct {
	ReadLimit    int64         `json:"read_limit"`
	PingInterval time.Duration `json:"ping_interval"`
	PongWait     time.Duration `json:"pong_wait"`
	SendBuffer   int           `json:"send_buffer"`
	QueueSize    int           `json:"queue_size"`
}

type StoreConfig struct {
	Backend      string        `json:"backend"`
	MaxCellWidth int           `json:"max_cell_width"`
	Timeout      time.Duration `json:"timeout"`
	SQLite       *SQLiteConfig `json:"sqlite"`
	Sheets       *SheetsConfig `json:"sheets"`
	Memory       *MemoryConfig `json:"memory"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type SheetsConfig struct {
	SpreadsheetID   string `json:"spreadsheet_id"`
	CredentialsFile string `json:"credentials_file"`
}

// MemoryConfig sizes the in-process store; a zero cell limit selects the
// store default.
type MemoryConfig struct {
	CellLimit int `json:"cell_limit"`
}

type RouterConfig struct {
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			ReadLimit:    8 << 20,
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			SendBuffer:   100,
			QueueSize:    1000,
		},
		Store: &StoreConfig{
			Backend:      BackendSQLite,
			MaxCellWidth: DefaultMaxCellWidth,
			Timeout:      30 * time.Second,
			SQLite:       &SQLiteConfig{Path: "./classsync.db"},
			Sheets:       &SheetsConfig{},
			Memory:       &MemoryConfig{CellLimit: 50000},
		},
		Router: &RouterConfig{
			RateLimitPerMinute: 600,
		},
	}
}

func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must exceed the ping interval")
	}
	if c.WebSocket.SendBuffer <= 0 || c.WebSocket.QueueSize <= 0 {
		return fmt.Errorf("WebSocket buffer sizes must be positive")
	}

	if c.Store == nil {
		return fmt.Errorf("store configuration is required")
	}
	if c.Store.MaxCellWidth < 2 {
		return fmt.Errorf("store max cell width must be at least 2")
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	switch c.Store.Backend {
	case BackendSheets:
		if c.Store.Sheets == nil || c.Store.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sheets backend requires a spreadsheet id")
		}
	case BackendSQLite:
		if c.Store.SQLite == nil || c.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite backend requires a database path")
		}
	case BackendMemory:
		if c.Store.Memory == nil || c.Store.Memory.CellLimit < 0 {
			return fmt.Errorf("memory cell limit cannot be negative")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Router == nil {
		return fmt.Errorf("router configuration is required")
	}
	if c.Router.RateLimitPerMinute <= 0 {
		return fmt.Errorf("router rate limit must be positive")
	}

	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// LoadFromEnv overlays CLASSSYNC_* variables on the defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envInt("CLASSSYNC_HTTP_PORT", &config.HTTP.Port)
	envString("CLASSSYNC_HTTP_HOST", &config.HTTP.Host)
	envDuration("CLASSSYNC_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("CLASSSYNC_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("CLASSSYNC_HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)

	if v := os.Getenv("CLASSSYNC_WEBSOCKET_READ_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.WebSocket.ReadLimit = n
		}
	}
	envDuration("CLASSSYNC_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("CLASSSYNC_WEBSOCKET_PONG_WAIT", &config.WebSocket.PongWait)
	envInt("CLASSSYNC_WEBSOCKET_SEND_BUFFER", &config.WebSocket.SendBuffer)
	envInt("CLASSSYNC_WEBSOCKET_QUEUE_SIZE", &config.WebSocket.QueueSize)

	envString("CLASSSYNC_STORE_BACKEND", &config.Store.Backend)
	envInt("CLASSSYNC_STORE_MAX_CELL_WIDTH", &config.Store.MaxCellWidth)
	envDuration("CLASSSYNC_STORE_TIMEOUT", &config.Store.Timeout)
	envString("CLASSSYNC_SQLITE_PATH", &config.Store.SQLite.Path)
	envString("CLASSSYNC_SHEETS_SPREADSHEET_ID", &config.Store.Sheets.SpreadsheetID)
	envString("CLASSSYNC_SHEETS_CREDENTIALS_FILE", &config.Store.Sheets.CredentialsFile)
	envInt("CLASSSYNC_MEMORY_CELL_LIMIT", &config.Store.Memory.CellLimit)

	envInt("CLASSSYNC_RATE_LIMIT_PER_MINUTE", &config.Router.RateLimitPerMinute)

	return config
}

// ConfigFile is the on-disk shape, with durations as strings like "30s".
type ConfigFile struct {
	HTTP      *HTTPConfigFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket" yaml:"websocket"`
	Store     *StoreConfigFile     `json:"store" yaml:"store"`
	Router    *RouterConfig        `json:"router" yaml:"router"`
}

type HTTPConfigFile struct {
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type WebSocketConfigFile struct {
	ReadLimit    int64  `json:"read_limit" yaml:"read_limit"`
	PingInterval string `json:"ping_interval" yaml:"ping_interval"`
	PongWait     string `json:"pong_wait" yaml:"pong_wait"`
	SendBuffer   int    `json:"send_buffer" yaml:"send_buffer"`
	QueueSize    int    `json:"queue_size" yaml:"queue_size"`
}

type StoreConfigFile struct {
	Backend      string `json:"backend" yaml:"backend"`
	MaxCellWidth int    `json:"max_cell_width" yaml:"max_cell_width"`
	Timeout      string `json:"timeout" yaml:"timeout"`
	SQLite       *struct {
		Path string `json:"path" yaml:"path"`
	} `json:"sqlite" yaml:"sqlite"`
	Sheets *struct {
		SpreadsheetID   string `json:"spreadsheet_id" yaml:"spreadsheet_id"`
		CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	} `json:"sheets" yaml:"sheets"`
	Memory *struct {
		CellLimit *int `json:"cell_limit" yaml:"cell_limit"`
	} `json:"memory" yaml:"memory"`
}

func parseDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	*dst = d
	return nil
}

// LoadFromFile reads a .json, .yaml or .yml file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config, err := file.apply(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func (f *ConfigFile) apply(config *Config) (*Config, error) {
	if h := f.HTTP; h != nil {
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		if err := parseDuration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout); err != nil {
			return nil, err
		}
		if err := parseDuration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout); err != nil {
			return nil, err
		}
		if err := parseDuration("http.shutdown_timeout", h.ShutdownTimeout, &config.HTTP.ShutdownTimeout); err != nil {
			return nil, err
		}
	}

	if ws := f.WebSocket; ws != nil {
		if ws.ReadLimit > 0 {
			config.WebSocket.ReadLimit = ws.ReadLimit
		}
		if ws.SendBuffer > 0 {
			config.WebSocket.SendBuffer = ws.SendBuffer
		}
		if ws.QueueSize > 0 {
			config.WebSocket.QueueSize = ws.QueueSize
		}
		if err := parseDuration("websocket.ping_interval", ws.PingInterval, &config.WebSocket.PingInterval); err != nil {
			return nil, err
		}
		if err := parseDuration("websocket.pong_wait", ws.PongWait, &config.WebSocket.PongWait); err != nil {
			return nil, err
		}
	}

	if s := f.Store; s != nil {
		if s.Backend != "" {
			config.Store.Backend = s.Backend
		}
		if s.MaxCellWidth != 0 {
			config.Store.MaxCellWidth = s.MaxCellWidth
		}
		if err := parseDuration("store.timeout", s.Timeout, &config.Store.Timeout); err != nil {
			return nil, err
		}
		if s.SQLite != nil && s.SQLite.Path != "" {
			config.Store.SQLite.Path = s.SQLite.Path
		}
		if s.Sheets != nil {
			if s.Sheets.SpreadsheetID != "" {
				config.Store.Sheets.SpreadsheetID = s.Sheets.SpreadsheetID
			}
			if s.Sheets.CredentialsFile != "" {
				config.Store.Sheets.CredentialsFile = s.Sheets.CredentialsFile
			}
		}
		if s.Memory != nil && s.Memory.CellLimit != nil {
			config.Store.Memory.CellLimit = *s.Memory.CellLimit
		}
	}

	if f.Router != nil && f.Router.RateLimitPerMinute > 0 {
		config.Router.RateLimitPerMinute = f.Router.RateLimitPerMinute
	}

	return config, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. A file
// that does not exist falls back to the environment; a file that exists but
// does not parse or validate is an error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err == nil {
			return fileConfig, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	config := LoadFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return config, nil
}
