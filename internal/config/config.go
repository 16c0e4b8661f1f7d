package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/extmgr/internal/env"
	"github.com/loykin/extmgr/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. EXTMGR_SERVER_LISTEN.
const EnvPrefix = "EXTMGR"

// Config represents the top-level TOML structure.
type Config struct {
	ExtensionsDir string   `mapstructure:"extensions_dir"`
	Env           []string `mapstructure:"env"`
	EnvFiles      []string `mapstructure:"env_files"`
	UseOSEnv      bool     `mapstructure:"use_os_env"`

	Log     logger.Config       `mapstructure:"log"`
	Output  logger.OutputConfig `mapstructure:"output"`
	Server  ServerConfig        `mapstructure:"server"`
	Metrics MetricsConfig       `mapstructure:"metrics"`
	History HistoryConfig       `mapstructure:"history"`
	Watch   WatchConfig         `mapstructure:"watch"`

	// path of the file this config was read from; empty for defaults
	source string
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      *TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version"`
	MaxVersion   string      `mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	ProcessMetrics bool          `mapstructure:"process_metrics"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxHistory     int           `mapstructure:"max_history"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type WatchConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// DefaultExtensionsDir is <user config dir>/extmgr/Extensions, or
// ./Extensions when the user config dir is unknown.
func DefaultExtensionsDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return "Extensions"
	}
	return filepath.Join(base, "extmgr", "Extensions")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("extensions_dir", DefaultExtensionsDir())
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("output.dir", "")
	v.SetDefault("output.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("output.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("output.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("output.compress", false)

	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.process_metrics", true)
	v.SetDefault("metrics.interval", 5*time.Second)
	v.SetDefault("metrics.max_history", 60)

	v.SetDefault("history.sinks", []string{})
	v.SetDefault("watch.schedule", "@every 5s")
}

// Load reads the TOML file at path over the defaults. An empty path yields
// the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.source = path
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize cleans paths and validates values that have a fixed domain.
func (c *Config) normalize() error {
	if strings.TrimSpace(c.ExtensionsDir) == "" {
		return errors.New("extensions_dir must not be empty")
	}
	c.ExtensionsDir = c.resolve(c.ExtensionsDir)
	if c.Output.Dir != "" {
		c.Output.Dir = c.resolve(c.Output.Dir)
	}
	for i, p := range c.EnvFiles {
		c.EnvFiles[i] = c.resolve(p)
	}

	bp := strings.TrimRight(strings.TrimSpace(c.Server.BasePath), "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	c.Server.BasePath = bp

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("log.format: unsupported value %q", c.Log.Format)
	}
	if c.Server.TLS != nil && c.Server.TLS.Enabled {
		t := c.Server.TLS
		for _, f := range []*string{&t.CertFile, &t.KeyFile, &t.Dir} {
			if *f != "" {
				*f = c.resolve(*f)
			}
		}
		if (t.CertFile == "") != (t.KeyFile == "") {
			return errors.New("server.tls: cert_file and key_file must be set together")
		}
		if t.CertFile == "" && t.Dir == "" {
			return errors.New("server.tls: enabled without cert_file/key_file or dir")
		}
	}
	return nil
}

// resolve makes relative paths relative to the config file's directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.source == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(filepath.Dir(c.source), p)
}

// Source returns the file the config was loaded from.
func (c *Config) Source() string { return c.source }

// GlobalEnv composes the environment for extension processes.
// Precedence: OS env (when use_os_env) < env_files in order < env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e, err := env.New(c.UseOSEnv).WithFiles(c.EnvFiles...)
	if err != nil {
		return nil, err
	}
	return e.With(c.Env...), nil
}
