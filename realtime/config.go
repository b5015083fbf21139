package realtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Durations are written as go duration strings, e.g. `30s`, in both toml and yaml.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" yaml:"heartbeat"`
	Presence  PresenceConfig  `toml:"presence" yaml:"presence"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
}

type ServerConfig struct {
	ListenAddress  string        `toml:"listen_address" yaml:"listen_address"`
	AllowedOrigins []string      `toml:"allowed_origins" yaml:"allowed_origins"`
	SendBufferSize int           `toml:"send_buffer_size" yaml:"send_buffer_size"`
	WriteTimeout   time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	MaxMessageSize int64         `toml:"max_message_size" yaml:"max_message_size"`
}

type AuthConfig struct {
	// verifies end user tokens on `/ws`
	JwtSecret string `toml:"jwt_secret" yaml:"jwt_secret"`
	// verifies service tokens on `/api`. Empty disables the call-in api.
	ApiSecret string `toml:"api_secret" yaml:"api_secret"`
}

type HeartbeatConfig struct {
	Interval        time.Duration `toml:"interval" yaml:"interval"`
	PingTimeout     time.Duration `toml:"ping_timeout" yaml:"ping_timeout"`
	LivenessTimeout time.Duration `toml:"liveness_timeout" yaml:"liveness_timeout"`
}

type PresenceConfig struct {
	ViewerTimeout   time.Duration `toml:"viewer_timeout" yaml:"viewer_timeout"`
	EditorTimeout   time.Duration `toml:"editor_timeout" yaml:"editor_timeout"`
	CleanupInterval time.Duration `toml:"cleanup_interval" yaml:"cleanup_interval"`
}

type StoreConfig struct {
	Kind CellStoreKind `toml:"kind" yaml:"kind"`
	Url  string        `toml:"url" yaml:"url"`
}

func DefaultConfig() *Config {
	serverSettings := DefaultServerSettings()
	heartbeatSettings := DefaultHeartbeatSettings()
	presenceSettings := DefaultPresenceSettings()
	cellStoreSettings := DefaultCellStoreSettings()
	return &Config{
		Server: ServerConfig{
			ListenAddress:  serverSettings.ListenAddress,
			AllowedOrigins: serverSettings.AllowedOrigins,
			SendBufferSize: serverSettings.WsTransportSettings.SendBufferSize,
			WriteTimeout:   serverSettings.WsTransportSettings.WriteTimeout,
			MaxMessageSize: serverSettings.WsTransportSettings.MaxMessageSize,
		},
		Heartbeat: HeartbeatConfig{
			Interval:        heartbeatSettings.Interval,
			PingTimeout:     heartbeatSettings.PingTimeout,
			LivenessTimeout: heartbeatSettings.LivenessTimeout,
		},
		Presence: PresenceConfig{
			ViewerTimeout:   presenceSettings.ViewerTimeout,
			EditorTimeout:   presenceSettings.EditorTimeout,
			CleanupInterval: presenceSettings.CleanupInterval,
		},
		Store: StoreConfig{
			Kind: cellStoreSettings.Kind,
			Url:  cellStoreSettings.Url,
		},
	}
}

// Reads the file over the defaults, then applies env overrides.
// An empty path loads the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), config); err != nil {
				return nil, fmt.Errorf("Decode toml: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("Decode yaml: %w", err)
			}
		default:
			return nil, fmt.Errorf("Unknown config format: %s", path)
		}
	}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// env overrides are prefixed with `BOARDHUB_`
func (self *Config) ApplyEnv() {
	if v := os.Getenv("BOARDHUB_JWT_SECRET"); v != "" {
		self.Auth.JwtSecret = v
	}
	if v := os.Getenv("BOARDHUB_API_SECRET"); v != "" {
		self.Auth.ApiSecret = v
	}
	if v := os.Getenv("BOARDHUB_PORT"); v != "" {
		self.Server.ListenAddress = ":" + v
	}
	if v := os.Getenv("BOARDHUB_STORE_KIND"); v != "" {
		self.Store.Kind = CellStoreKind(v)
	}
	if v := os.Getenv("BOARDHUB_STORE_URL"); v != "" {
		self.Store.Url = v
	}
}

func (self *Config) Validate() error {
	errs := []error{}
	if self.Auth.JwtSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if self.Auth.ApiSecret != "" && self.Auth.ApiSecret == self.Auth.JwtSecret {
		errs = append(errs, errors.New("auth.api_secret must differ from auth.jwt_secret"))
	}
	if self.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if self.Heartbeat.LivenessTimeout < self.Heartbeat.PingTimeout {
		errs = append(errs, errors.New("heartbeat.liveness_timeout must not be less than heartbeat.ping_timeout"))
	}
	if self.Presence.CleanupInterval <= 0 {
		errs = append(errs, errors.New("presence.cleanup_interval must be positive"))
	}
	switch self.Store.Kind {
	case CellStoreKindMemory, CellStoreKindSqlite, CellStoreKindPostgres, CellStoreKindRedis:
	default:
		errs = append(errs, fmt.Errorf("store.kind %q is not one of memory, sqlite, postgres, redis", self.Store.Kind))
	}
	if 0 < len(errs) {
		return fmt.Errorf("Invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// nil when the call-in api is disabled
func (self *Config) ApiVerifier() TokenVerifier {
	if self.Auth.ApiSecret == "" {
		return nil
	}
	return NewJwtVerifier(self.Auth.ApiSecret)
}

func (self *Config) ServerSettings() *ServerSettings {
	settings := DefaultServerSettings()
	settings.ListenAddress = self.Server.ListenAddress
	if self.Server.AllowedOrigins != nil {
		settings.AllowedOrigins = self.Server.AllowedOrigins
	}
	if 0 < self.Server.SendBufferSize {
		settings.WsTransportSettings.SendBufferSize = self.Server.SendBufferSize
	}
	if 0 < self.Server.WriteTimeout {
		settings.WsTransportSettings.WriteTimeout = self.Server.WriteTimeout
	}
	if 0 < self.Server.MaxMessageSize {
		settings.WsTransportSettings.MaxMessageSize = self.Server.MaxMessageSize
	}
	return settings
}

func (self *Config) HeartbeatSettings() *HeartbeatSettings {
	settings := DefaultHeartbeatSettings()
	settings.Interval = self.Heartbeat.Interval
	settings.PingTimeout = self.Heartbeat.PingTimeout
	settings.LivenessTimeout = self.Heartbeat.LivenessTimeout
	return settings
}

func (self *Config) PresenceSettings() *PresenceSettings {
	settings := DefaultPresenceSettings()
	settings.ViewerTimeout = self.Presence.ViewerTimeout
	settings.EditorTimeout = self.Presence.EditorTimeout
	settings.CleanupInterval = self.Presence.CleanupInterval
	return settings
}

func (self *Config) CellStoreSettings() *CellStoreSettings {
	return &CellStoreSettings{
		Kind: self.Store.Kind,
		Url:  self.Store.Url,
	}
}
