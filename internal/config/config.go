// Package config loads node configuration.
//
// Sources are applied in order, later ones overriding earlier ones: built-in
// defaults, a YAML file, then GOCLUST_ environment variables. In variable
// names a double underscore separates levels, so GOCLUST_SLAVE__MAX_CONNS
// sets slave.max_conns.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

const EnvPrefix = "GOCLUST_"

type Config struct {
	Log      LogConfig      `koanf:"log"`
	Protocol ProtocolConfig `koanf:"protocol"`
	TLS      TLSConfig      `koanf:"tls"`
	Slave    SlaveConfig    `koanf:"slave"`
	Master   MasterConfig   `koanf:"master"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // console or json
}

type ProtocolConfig struct {
	MagicLength int    `koanf:"magic_length"`
	Resync      string `koanf:"resync"` // echo or reread
}

type TLSConfig struct {
	Enabled            bool   `koanf:"enabled"`
	CertFile           string `koanf:"cert_file"`
	KeyFile            string `koanf:"key_file"`
	CAFile             string `koanf:"ca_file"`
	ServerName         string `koanf:"server_name"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
	WatchCerts         bool   `koanf:"watch_certs"`
}

type SlaveConfig struct {
	Listen         string        `koanf:"listen"`
	Root           string        `koanf:"root"`
	MaxConns       int           `koanf:"max_conns"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	AllowExec      bool          `koanf:"allow_exec"`
	ExecTimeout    time.Duration `koanf:"exec_timeout"`
	MaxRateBytes   int           `koanf:"max_rate_bytes"` // per connection, 0 disables
	ServeFiles     bool          `koanf:"serve_files"`
	ShutdownPeriod time.Duration `koanf:"shutdown_period"`
}

type MasterConfig struct {
	Nodes        []string      `koanf:"nodes"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	MaxRateBytes int           `koanf:"max_rate_bytes"`
}

type MetricsConfig struct {
	Listen   string `koanf:"listen"`   // empty disables the endpoint
	Textfile string `koanf:"textfile"` // master writes its counters here on exit, empty disables
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Protocol: ProtocolConfig{
			MagicLength: protocol.MagicLength,
			Resync:      protocol.ResyncEcho.String(),
		},
		Slave: SlaveConfig{
			Listen:         ":7480",
			Root:           "./data",
			MaxConns:       16,
			ExecTimeout:    30 * time.Second,
			ServeFiles:     true,
			ShutdownPeriod: 5 * time.Second,
		},
		Master: MasterConfig{
			DialTimeout: 3 * time.Second,
		},
	}
}

// Load reads path (if not empty) and the environment on top of the defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported %q", c.Log.Format))
	}

	if err := protocol.ValidateMagicLength(c.Protocol.MagicLength); err != nil {
		errs = append(errs, fmt.Errorf("protocol.magic_length: %w", err))
	}
	if _, err := protocol.ParseResyncMode(c.Protocol.Resync); err != nil {
		errs = append(errs, fmt.Errorf("protocol.resync: %w", err))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: cert_file and key_file must be set together"))
	}

	if c.Slave.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("slave.max_conns: must be positive, got %d", c.Slave.MaxConns))
	}
	if c.Slave.MaxRateBytes < 0 || c.Master.MaxRateBytes < 0 {
		errs = append(errs, errors.New("max_rate_bytes: must not be negative"))
	}

	return errors.Join(errs...)
}

// ResyncMode returns the parsed protocol.resync value
func (c Config) ResyncMode() protocol.ResyncMode {
	mode, _ := protocol.ParseResyncMode(c.Protocol.Resync)
	return mode
}
