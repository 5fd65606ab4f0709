// Package config loads the settings shared by the usp binaries.
//
// Settings come from three layers, later ones winning:
//
//  1. Default()
//  2. a TOML (.toml) or YAML (.yaml, .yml) file passed to Load
//  3. USP_* environment variables
//
// Durations in files and environment use time.ParseDuration syntax
// ("5s", "1m30s").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-uspcore/coap"
	"github.com/smnsjas/go-uspcore/idgen"
	"github.com/smnsjas/go-uspcore/internal/logging"
)

const (
	EnvEndpointID    = "USP_ENDPOINT_ID"
	EnvAgentID       = "USP_AGENT_ID"
	EnvAgentAddress  = "USP_AGENT_ADDRESS"
	EnvTimeout       = "USP_TIMEOUT"
	EnvWorkers       = "USP_WORKERS"
	EnvListenAddress = "USP_LISTEN_ADDRESS"
	EnvAdvertise     = "USP_ADVERTISE"
	EnvMetricsAddr   = "USP_METRICS_ADDRESS"
)

// ErrUnsupportedFormat is returned by Load for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config holds every setting of a controller or agent process.
type Config struct {
	// EndpointID is the local USP endpoint id.
	EndpointID string
	// IDGenerator names the msg_id generator: uuid, xid or sequential.
	IDGenerator string
	// Timeout bounds one request/response exchange.
	Timeout time.Duration
	// Workers bounds the number of in-flight exchanges.
	Workers int
	// QueueTTL is how long a received Record waits to be processed.
	QueueTTL time.Duration

	Agent     Agent
	Listen    Listen
	RateLimit RateLimit
	Log       Log
	Metrics   Metrics
}

// Agent is the peer a controller talks to, or the local agent's settings.
type Agent struct {
	ID      string
	Address string
	// DataModel is an optional YAML file seeding the agent's parameters.
	DataModel string
}

// Listen configures the local CoAP listener.
type Listen struct {
	// Address is the UDP bind address.
	Address string
	// Advertise is the local coap:// address sent as reply-to.
	Advertise string
}

// RateLimit caps accepted Records per sender. Zero disables it.
type RateLimit struct {
	RPS   float64
	Burst int
}

// Log configures the process logger.
type Log struct {
	Level   string
	Format  string
	NoColor bool
}

// Metrics configures the Prometheus endpoint. An empty Address disables it.
type Metrics struct {
	Address string
}

// Default returns a controller configuration for a local agent.
func Default() Config {
	return Config{
		EndpointID:  "self::usp-controller",
		IDGenerator: "uuid",
		Timeout:     5 * time.Second,
		Workers:     16,
		QueueTTL:    60 * time.Second,
		Agent: Agent{
			ID:      "proto::usp-agent",
			Address: "coap://127.0.0.1:5683/usp",
		},
		Listen: Listen{
			Address:   "0.0.0.0:15683",
			Advertise: "coap://127.0.0.1:15683/usp",
		},
		Log: Log{
			Level:  "info",
			Format: string(logging.FormatConsole),
		},
	}
}

// Logging returns the logger configuration for app.
func (c Config) Logging(app string) logging.Config {
	lc := logging.DefaultConfig(app)
	lc.Level = c.Log.Level
	if f, ok := logging.ParseFormat(c.Log.Format); ok {
		lc.Format = f
	}
	lc.NoColor = c.Log.NoColor
	return lc
}

// Generator returns the configured msg_id generator.
func (c Config) Generator() idgen.Generator {
	return idgen.ByName(c.IDGenerator)
}

// Load builds a Config from defaults, the optional file at path and the
// environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var raw fileConfig
		if err := decodeFile(path, &raw); err != nil {
			return Config{}, err
		}
		if err := merge(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type fileConfig struct {
	EndpointID  string `toml:"endpoint_id" yaml:"endpoint_id"`
	IDGenerator string `toml:"id_generator" yaml:"id_generator"`
	Timeout     string `toml:"timeout" yaml:"timeout"`
	Workers     int    `toml:"workers" yaml:"workers"`
	QueueTTL    string `toml:"queue_ttl" yaml:"queue_ttl"`

	Agent struct {
		ID        string `toml:"id" yaml:"id"`
		Address   string `toml:"address" yaml:"address"`
		DataModel string `toml:"data_model" yaml:"data_model"`
	} `toml:"agent" yaml:"agent"`

	Listen struct {
		Address   string `toml:"address" yaml:"address"`
		Advertise string `toml:"advertise" yaml:"advertise"`
	} `toml:"listen" yaml:"listen"`

	RateLimit struct {
		RPS   float64 `toml:"rps" yaml:"rps"`
		Burst int     `toml:"burst" yaml:"burst"`
	} `toml:"rate_limit" yaml:"rate_limit"`

	Log struct {
		Level   string `toml:"level" yaml:"level"`
		Format  string `toml:"format" yaml:"format"`
		NoColor *bool  `toml:"no_color" yaml:"no_color"`
	} `toml:"log" yaml:"log"`

	Metrics struct {
		Address string `toml:"address" yaml:"address"`
	} `toml:"metrics" yaml:"metrics"`
}

func decodeFile(path string, raw *fileConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, raw); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// merge copies every set field of raw onto cfg.
func merge(cfg *Config, raw fileConfig) error {
	setString(&cfg.EndpointID, raw.EndpointID)
	setString(&cfg.IDGenerator, raw.IDGenerator)
	if err := setDuration(&cfg.Timeout, raw.Timeout, "timeout"); err != nil {
		return err
	}
	if raw.Workers != 0 {
		cfg.Workers = raw.Workers
	}
	if err := setDuration(&cfg.QueueTTL, raw.QueueTTL, "queue_ttl"); err != nil {
		return err
	}

	setString(&cfg.Agent.ID, raw.Agent.ID)
	setString(&cfg.Agent.Address, raw.Agent.Address)
	setString(&cfg.Agent.DataModel, raw.Agent.DataModel)
	setString(&cfg.Listen.Address, raw.Listen.Address)
	setString(&cfg.Listen.Advertise, raw.Listen.Advertise)

	if raw.RateLimit.RPS != 0 {
		cfg.RateLimit.RPS = raw.RateLimit.RPS
	}
	if raw.RateLimit.Burst != 0 {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}

	setString(&cfg.Log.Level, raw.Log.Level)
	setString(&cfg.Log.Format, raw.Log.Format)
	if raw.Log.NoColor != nil {
		cfg.Log.NoColor = *raw.Log.NoColor
	}
	setString(&cfg.Metrics.Address, raw.Metrics.Address)
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw, name string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

// ApplyEnvOverrides replaces fields of cfg with the USP_* variables that
// are set.
func ApplyEnvOverrides(cfg *Config) error {
	setString(&cfg.EndpointID, os.Getenv(EnvEndpointID))
	setString(&cfg.Agent.ID, os.Getenv(EnvAgentID))
	setString(&cfg.Agent.Address, os.Getenv(EnvAgentAddress))
	setString(&cfg.Listen.Address, os.Getenv(EnvListenAddress))
	setString(&cfg.Listen.Advertise, os.Getenv(EnvAdvertise))
	setString(&cfg.Metrics.Address, os.Getenv(EnvMetricsAddr))

	if err := setDuration(&cfg.Timeout, os.Getenv(EnvTimeout), EnvTimeout); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv(EnvWorkers)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvWorkers, err)
		}
		cfg.Workers = n
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errList []error
	if c.EndpointID == "" {
		errList = append(errList, errors.New("endpoint_id is required"))
	}
	if c.Timeout <= 0 {
		errList = append(errList, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Workers <= 0 {
		errList = append(errList, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueTTL <= 0 {
		errList = append(errList, fmt.Errorf("queue_ttl must be positive, got %s", c.QueueTTL))
	}
	if c.Generator() == nil {
		errList = append(errList, fmt.Errorf("unknown id_generator %q", c.IDGenerator))
	}
	if c.Agent.Address != "" {
		if _, err := coap.ParseAddress(c.Agent.Address); err != nil {
			errList = append(errList, fmt.Errorf("agent.address: %w", err))
		}
	}
	if c.Listen.Advertise != "" {
		if _, err := coap.ParseAddress(c.Listen.Advertise); err != nil {
			errList = append(errList, fmt.Errorf("listen.advertise: %w", err))
		}
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errList = append(errList, errors.New("rate_limit values must not be negative"))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errList = append(errList, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if _, ok := logging.ParseFormat(c.Log.Format); !ok {
		errList = append(errList, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errList...)
}
