// Package config loads gpuq settings from a YAML file, GPUQ_* environment
// variables and built-in defaults, in that order of precedence (env wins).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultPath system-wide config file
const DefaultPath = "/etc/gpuq/config.yaml"

// EnvPrefix prefix of environment overrides, e.g. GPUQ_TABLE_PATH
const EnvPrefix = "GPUQ"

// Config complete gpuq configuration
type Config struct {
	Table struct {
		Path        string        `mapstructure:"path"`
		LockTimeout time.Duration `mapstructure:"lock_timeout"`
	} `mapstructure:"table"`

	Worker struct {
		PollInterval    time.Duration `mapstructure:"poll_interval"`
		Count           int           `mapstructure:"count"`
		DeviceFlag      string        `mapstructure:"device_flag"`
		MultiDeviceFlag string        `mapstructure:"multi_device_flag"`
		PythonToken     string        `mapstructure:"python_token"`
		HealthAddr      string        `mapstructure:"health_addr"`
	} `mapstructure:"worker"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	GPU struct {
		Command string `mapstructure:"command"`
	} `mapstructure:"gpu"`

	Settings struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"settings"`

	Admins []string `mapstructure:"admins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("table.path", "/var/lib/gpuq/jobs.csv")
	v.SetDefault("table.lock_timeout", 30*time.Second)

	v.SetDefault("worker.poll_interval", 60*time.Second)
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.device_flag", "cuda:%d")
	v.SetDefault("worker.multi_device_flag", "")
	v.SetDefault("worker.python_token", "python")
	v.SetDefault("worker.health_addr", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("gpu.command", "nvidia-smi")

	// empty means "next to the table"
	v.SetDefault("settings.path", "")

	v.SetDefault("admins", []string{"root"})
}

// Load reads path. A missing file at DefaultPath is not an error; a missing
// file given explicitly is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !(path == DefaultPath && errors.Is(err, os.ErrNotExist)) {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Settings.Path == "" {
		cfg.Settings.Path = filepath.Join(filepath.Dir(cfg.Table.Path), "user_settings.yaml")
	}
	return &cfg, nil
}

// Default configuration with no file and no environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	cfg.Settings.Path = filepath.Join(filepath.Dir(cfg.Table.Path), "user_settings.yaml")
	return &cfg
}

func (c *Config) validate() error {
	if c.Table.Path == "" {
		return errors.New("config: table.path must be set")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.Errorf("config: worker.poll_interval must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Worker.Count < 1 {
		return errors.Errorf("config: worker.count must be at least 1, got %d", c.Worker.Count)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.Errorf("config: metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}
