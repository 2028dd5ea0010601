// Package config provides configuration management for mcphub using Viper.
package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// AppName is the application name used for config file naming.
const AppName = "mcphub"

// EnvPrefix prefixes every environment override, as in MCPHUB_LOG_LEVEL.
const EnvPrefix = "MCPHUB"

// Config represents the top-level configuration structure.
type Config struct {
	LogLevel            string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat           string        `mapstructure:"log_format" yaml:"log_format"`
	DataDir             string        `mapstructure:"data_dir" yaml:"data_dir"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	TrustPrompt         string        `mapstructure:"trust_prompt" yaml:"trust_prompt"`
	MaxRedirects        int           `mapstructure:"max_redirects" yaml:"max_redirects"`
	BackchannelMaxDelay time.Duration `mapstructure:"backchannel_max_delay" yaml:"backchannel_max_delay"`
	Sources             []Source      `mapstructure:"sources" yaml:"sources"`
	MetricsAddr         string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// Source is one server list file to discover servers from.
type Source struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Format is json, yaml or toml. Empty means guess from the extension.
	Format     string   `mapstructure:"format" yaml:"format"`
	Collection string   `mapstructure:"collection" yaml:"collection"`
	Label      string   `mapstructure:"label" yaml:"label"`
	Trust      string   `mapstructure:"trust" yaml:"trust"`
	Lazy       bool     `mapstructure:"lazy" yaml:"lazy"`
	Scope      string   `mapstructure:"scope" yaml:"scope"`
	Roots      []string `mapstructure:"roots" yaml:"roots"`
}

// DefaultDataDir is where persisted state lives unless data_dir says
// otherwise.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// New returns a Viper instance with the search paths, environment binding
// and defaults of mcphub.
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("handshake_timeout", 30*time.Second)
	v.SetDefault("trust_prompt", "only-new")
	v.SetDefault("max_redirects", 5)
	v.SetDefault("backchannel_max_delay", 30*time.Second)
	v.SetDefault("metrics_addr", "127.0.0.1:9464")

	return v
}

// Load reads the configuration file into a Config. An explicit path must
// exist; without one, a missing file means defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
		if path != "" {
			return nil, errors.Wrapf(err, "config file not found at %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	return &cfg, nil
}

// StatePath is the SQLite database inside the data directory.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}
