package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Binding      string `yaml:"binding" validate:"required"`
	Secret       string `yaml:"secret" validate:"required,min=16"`
	ClientDomain string `yaml:"clientDomain,omitempty"`
	TLS          TLS    `yaml:"tls"`
}

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type SessionsConfig struct {
	SendChannelSize          int `yaml:"sendChannelSize" validate:"gt=0"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize" validate:"gt=0"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize" validate:"gt=0"`
	MaxConnections           int `yaml:"maxConnections" validate:"gt=0"`
}

type Liveness struct {
	HeartbeatGrace time.Duration `yaml:"heartbeatGrace" validate:"required"`
	SweepInterval  time.Duration `yaml:"sweepInterval" validate:"required"`
}

type Backlog struct {
	MaxLimit     int `yaml:"maxLimit" validate:"gt=0"`
	DefaultLimit int `yaml:"defaultLimit" validate:"gt=0"`
}

type StoreConfig struct {
	Directory       string        `yaml:"directory" validate:"required"`
	SubjectCacheTTL time.Duration `yaml:"subjectCacheTTL"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Register RateLimiterConfig `yaml:"register"`
	Backlog  RateLimiterConfig `yaml:"backlog"`
	Relay    RateLimiterConfig `yaml:"relay"`
	Default  RateLimiterConfig `yaml:"default"`
}

type Relay struct {
	Server       Server         `yaml:"server"`
	Sessions     SessionsConfig `yaml:"sessions"`
	Liveness     Liveness       `yaml:"liveness"`
	Backlog      Backlog        `yaml:"backlog"`
	Store        StoreConfig    `yaml:"store"`
	RateLimiters RateLimiters   `yaml:"rateLimiters"`
	LogLevel     string         `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
}

var (
	ErrConfigFileUnreadable             = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable         = errors.New("config file is unmarshallable")
	ErrTLSMissing                       = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrBacklogDefaultExceedsMax         = errors.New("backlog.defaultLimit must not exceed backlog.maxLimit")
	ErrRateLimitersRegisterLimitMissing = errors.New("rateLimiters.register.limit is missing in config")
	ErrRateLimitersBacklogLimitMissing  = errors.New("rateLimiters.backlog.limit is missing in config")
	ErrRateLimitersRelayLimitMissing    = errors.New("rateLimiters.relay.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing  = errors.New("rateLimiters.default.limit is missing in config")
)

func LoadConfig(configFile string) (*Relay, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Relay
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	if cfg.Server.TLS.Cert != "" && cfg.Server.TLS.Key == "" ||
		cfg.Server.TLS.Cert == "" && cfg.Server.TLS.Key != "" {
		return nil, ErrTLSMissing
	}

	if cfg.Backlog.DefaultLimit > cfg.Backlog.MaxLimit {
		return nil, ErrBacklogDefaultExceedsMax
	}

	if cfg.RateLimiters.Register.Limit == 0 {
		return nil, ErrRateLimitersRegisterLimitMissing
	}
	if cfg.RateLimiters.Backlog.Limit == 0 {
		return nil, ErrRateLimitersBacklogLimitMissing
	}
	if cfg.RateLimiters.Relay.Limit == 0 {
		return nil, ErrRateLimitersRelayLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return nil, ErrRateLimitersDefaultLimitMissing
	}

	return &cfg, nil
}

func GenerateConfig() *Relay {
	return &Relay{
		Server: Server{
			Binding:      "127.0.0.1:8087",
			Secret:       "please_change_this_secret_in_production_!!!",
			ClientDomain: "localhost",
		},
		Sessions: SessionsConfig{
			SendChannelSize:          256,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
		Liveness: Liveness{
			HeartbeatGrace: 30 * time.Second,
			SweepInterval:  5 * time.Second,
		},
		Backlog: Backlog{
			MaxLimit:     200,
			DefaultLimit: 50,
		},
		Store: StoreConfig{
			Directory:       "data/tether",
			SubjectCacheTTL: 30 * time.Second,
		},
		RateLimiters: RateLimiters{
			Register: RateLimiterConfig{Limit: 10.0, Burst: 20},
			Backlog:  RateLimiterConfig{Limit: 50.0, Burst: 100},
			Relay:    RateLimiterConfig{Limit: 20.0, Burst: 40},
			Default:  RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
		LogLevel: "info",
	}
}
