// Package config loads service configuration from a YAML file, OBD2RELAY_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Poll     PollConfig     `mapstructure:"poll"`
	Readings ReadingsConfig `mapstructure:"readings"`
	Adapter  AdapterConfig  `mapstructure:"adapter"`
	Relay    RelayConfig    `mapstructure:"relay"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Location LocationConfig `mapstructure:"location"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type PollConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

type ReadingsConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type AdapterConfig struct {
	Kind string `mapstructure:"kind"`
}

// RelayConfig is disabled while URL is empty.
type RelayConfig struct {
	URL         string        `mapstructure:"url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ValueSuffix string        `mapstructure:"value_suffix"`
}

// MQTTConfig is disabled while Broker is empty.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
}

// LocationConfig is a fixed position fix; nil fields mean no fix.
type LocationConfig struct {
	Latitude  *float64 `mapstructure:"latitude"`
	Longitude *float64 `mapstructure:"longitude"`
	Elevation *float64 `mapstructure:"elevation"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Adapter kinds
const (
	AdapterSim = "sim"
)

// SetDefaults registers every known key so environment variables can
// override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.path", "obd2relay.db")
	v.SetDefault("poll.interval", "300ms")
	v.SetDefault("poll.fetch_timeout", "2s")
	v.SetDefault("readings.window", "5m")
	v.SetDefault("adapter.kind", AdapterSim)
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.username", "")
	v.SetDefault("relay.password", "")
	v.SetDefault("relay.interval", "30s")
	v.SetDefault("relay.timeout", "10s")
	v.SetDefault("relay.value_suffix", " Liter")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "obd2relay")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "obd2relay")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration into a Config. configFile may be empty, in which
// case obd2relay.yaml is searched for in the usual places and its absence is
// not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("OBD2RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// No defaults for these, so bind explicitly.
	for _, key := range []string{"location.latitude", "location.longitude", "location.elevation"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("obd2relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".obd2relay"))
		}
		v.AddConfigPath("/etc/obd2relay/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Poll.FetchTimeout <= 0 {
		errs = append(errs, errors.New("poll.fetch_timeout must be positive"))
	}
	if c.Readings.Window <= 0 {
		errs = append(errs, errors.New("readings.window must be positive"))
	}
	if c.Adapter.Kind != AdapterSim {
		errs = append(errs, fmt.Errorf("adapter.kind %q is not supported", c.Adapter.Kind))
	}
	if c.Relay.URL != "" {
		if u, err := url.Parse(c.Relay.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("relay.url %q is not an absolute URL", c.Relay.URL))
		}
		if c.Relay.Interval <= 0 || c.Relay.Timeout <= 0 {
			errs = append(errs, errors.New("relay.interval and relay.timeout must be positive"))
		}
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required when mqtt.broker is set"))
	}
	if (c.Location.Latitude == nil) != (c.Location.Longitude == nil) {
		errs = append(errs, errors.New("location.latitude and location.longitude must be set together"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}
