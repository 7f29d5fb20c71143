// Package config loads the stepstream process configuration.
//
// Values are resolved by viper in the usual order: command line flags bound
// by the caller, STEPSTREAM_* environment variables (a .env file in the
// working directory is loaded first if present), an optional config file, and
// finally the defaults below.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables, e.g. STEPSTREAM_SERVE_PORT.
const EnvPrefix = "STEPSTREAM"

// Config holds all process configuration.
type Config struct {
	Serve Listen `mapstructure:"serve"`
	Relay Relay  `mapstructure:"relay"`
	Log   Log    `mapstructure:"log"`
}

// Listen is an address to bind.
type Listen struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Relay configures the relay server.
type Relay struct {
	Listen      `mapstructure:",squash"`
	Upstream    string `mapstructure:"upstream"`
	AllowOrigin string `mapstructure:"allow_origin"`
}

// Log configures logging.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Serve: Listen{Host: "0.0.0.0", Port: 8000},
		Relay: Relay{
			Listen:      Listen{Host: "0.0.0.0", Port: 8080},
			Upstream:    "http://localhost:8000/stream",
			AllowOrigin: "http://localhost:3000",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// SetDefaults registers DefaultConfig values on v, so environment variables
// are picked up for every key by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("serve.host", d.Serve.Host)
	v.SetDefault("serve.port", d.Serve.Port)
	v.SetDefault("relay.host", d.Relay.Host)
	v.SetDefault("relay.port", d.Relay.Port)
	v.SetDefault("relay.upstream", d.Relay.Upstream)
	v.SetDefault("relay.allow_origin", d.Relay.AllowOrigin)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load resolves configuration from v. cfgFile is optional; a missing .env file
// is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	conf := DefaultConfig()
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks values that would otherwise fail late, at bind time.
func (c *Config) Validate() error {
	for name, l := range map[string]Listen{"serve": c.Serve, "relay": c.Relay.Listen} {
		if l.Port <= 0 || l.Port > 65535 {
			return fmt.Errorf("%s.port %d out of range", name, l.Port)
		}
	}
	if c.Relay.Upstream == "" {
		return errors.New("relay.upstream must be set")
	}
	return nil
}
