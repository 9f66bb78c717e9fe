// Package config centralises runtime configuration for the DriftDB server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftlab/driftdb/errs"
)

// ServerSettings configures the listener and the externally visible URLs.
type ServerSettings struct {
	// Addr is the bind address, host:port.
	Addr string `yaml:"addr"`
	// ExternalHost is the host clients dial, used when building
	// socket_url/http_url in room results. Defaults to Addr.
	ExternalHost string `yaml:"externalHost"`
	// UseHTTPS selects wss/https schemes in room results.
	UseHTTPS bool `yaml:"useHttps"`
	// ReadLimit caps inbound websocket frames, bytes.
	ReadLimit int64 `yaml:"readLimit"`
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// OutboundBuffer is the per-connection outbound queue length; a
	// connection that overflows it is dropped.
	OutboundBuffer int `yaml:"outboundBuffer"`
}

// RateLimitSettings throttles inbound messages per connection.
// PerSecond <= 0 disables the limiter.
type RateLimitSettings struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// RoomSettings configures room lifecycle.
type RoomSettings struct {
	// IdleTTL evicts rooms with no messages for this long; 0 disables.
	IdleTTL time.Duration `yaml:"idleTtl"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings is the configuration tree loaded from defaults, the optional
// YAML file, and DRIFTDB_* environment overrides, in that order.
type Settings struct {
	Server    ServerSettings    `yaml:"server"`
	RateLimit RateLimitSettings `yaml:"rateLimit"`
	Room      RoomSettings      `yaml:"room"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Verbose   bool              `yaml:"verbose"`
}

// Default returns the baseline configuration.
func Default() Settings {
	return Settings{
		Server: ServerSettings{
			Addr:           ":8080",
			ExternalHost:   "",
			UseHTTPS:       false,
			ReadLimit:      1 << 20,
			WriteTimeout:   5 * time.Second,
			OutboundBuffer: 256,
		},
		RateLimit: RateLimitSettings{PerSecond: 0, Burst: 0},
		Room:      RoomSettings{IdleTTL: 0},
		Telemetry: TelemetrySettings{OTLPEndpoint: "", ServiceName: "driftdb"},
		Verbose:   false,
	}
}

// LoadOrDefault reads the YAML file at path over the defaults, then applies
// environment overrides. The boolean reports whether the file existed.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Settings{}, false, errs.New("config/load", errs.CodeInvalid,
					errs.WithMessage("parse "+path), errs.WithCause(err))
			}
			loaded = true
		case os.IsNotExist(err):
		default:
			return Settings{}, false, errs.New("config/load", errs.CodeUnavailable,
				errs.WithMessage("read "+path), errs.WithCause(err))
		}
	}
	cfg = fromEnv(cfg)
	if err := cfg.validate(); err != nil {
		return Settings{}, false, err
	}
	return cfg, loaded, nil
}

func fromEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("DRIFTDB_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTDB_EXTERNAL_HOST")); v != "" {
		cfg.Server.ExternalHost = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTDB_USE_HTTPS")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.UseHTTPS = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTDB_ROOM_IDLE_TTL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Room.IdleTTL = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTDB_RATE_PER_SECOND")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.PerSecond = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTDB_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTDB_VERBOSE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Verbose = b
		}
	}
	return cfg
}

func (s Settings) validate() error {
	if strings.TrimSpace(s.Server.Addr) == "" {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("server addr required"))
	}
	if s.Server.OutboundBuffer <= 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("outbound buffer must be positive"))
	}
	if s.Server.ReadLimit <= 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("read limit must be positive"))
	}
	if s.Room.IdleTTL < 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("room idle ttl must not be negative"))
	}
	return nil
}

// ExternalHost returns the configured external host, falling back to the
// bind address.
func (s Settings) ExternalHost() string {
	if s.Server.ExternalHost != "" {
		return s.Server.ExternalHost
	}
	host := s.Server.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return host
}
