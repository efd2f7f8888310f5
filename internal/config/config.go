// Package config loads the service configuration from a YAML file, with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration tree.
type Config struct {
	AMI      AMIConfig      `yaml:"ami"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Log      LogConfig      `yaml:"log"`
}

// AMIConfig configures the Asterisk Manager Interface transport.
type AMIConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Secret            string `yaml:"secret"`
	ReconnectInterval int    `yaml:"reconnect_interval"`
	HeartbeatSeconds  int    `yaml:"heartbeat_seconds"`
	ActionTimeoutMS   int    `yaml:"action_timeout_ms"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// DatabaseConfig configures the MySQL-backed Store.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// SweeperConfig configures the stale-order/call sweeper.
type SweeperConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

// LogConfig configures the bracketed-component logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML configuration file at path and applies environment
// overrides for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Config{
		AMI: AMIConfig{
			Port:              5038,
			ReconnectInterval: 5,
			HeartbeatSeconds:  30,
			ActionTimeoutMS:   5000,
		},
		Sweeper: SweeperConfig{
			IntervalSeconds:   30,
			StaleAfterSeconds: 300,
		},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	overrideWithEnv(&cfg)

	return &cfg, nil
}

// overrideWithEnv allows overriding secrets via environment variables,
// kept separate from the Username/Secret/Password fields in the YAML file
// itself so operators can keep config files out of version control clean.
// Both the MASKEDCALL_-prefixed names (this repo's own convention) and the
// bare DB_*/ASTERISK_* names are recognised; the prefixed form wins when
// both are set.
func overrideWithEnv(cfg *Config) {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				*dst = v
			}
		}
	}
	num := func(dst *int, names ...string) {
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
				}
			}
		}
	}

	str(&cfg.AMI.Host, "ASTERISK_HOST")
	num(&cfg.AMI.Port, "ASTERISK_PORT")
	str(&cfg.AMI.Username, "ASTERISK_USERNAME", "MASKEDCALL_AMI_USERNAME")
	str(&cfg.AMI.Secret, "ASTERISK_SECRET", "MASKEDCALL_AMI_SECRET")

	str(&cfg.Database.Host, "DB_HOST", "MASKEDCALL_DB_HOST")
	num(&cfg.Database.Port, "DB_PORT")
	str(&cfg.Database.Database, "DB_NAME", "MASKEDCALL_DB_DATABASE")
	str(&cfg.Database.Username, "DB_USER", "MASKEDCALL_DB_USERNAME")
	str(&cfg.Database.Password, "DB_PASSWORD", "MASKEDCALL_DB_PASSWORD")
}

// Address returns the host:port for the API server.
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Address returns the host:port for the AMI server.
func (a AMIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DSN returns the MySQL data source name.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}
