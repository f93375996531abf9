// Package config loads engine settings from defaults, an optional YAML file,
// NOVASTORE_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/lock"
	"github.com/tuannm99/novastore/internal/logger"
	"github.com/tuannm99/novastore/internal/storage"
)

const envPrefix = "NOVASTORE"

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Storage struct {
		PageSize int    `mapstructure:"page_size"`
		Format   string `mapstructure:"format"`
	} `mapstructure:"storage"`

	BufferPool struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"bufferpool"`

	Lock struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"lock"`

	Log logger.Config `mapstructure:"log"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"data-dir":     "data_dir",
	"page-size":    "storage.page_size",
	"format":       "storage.format",
	"capacity":     "bufferpool.capacity",
	"lock-timeout": "lock.timeout",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-output":   "log.output",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("storage.page_size", storage.DefaultPageSize)
	v.SetDefault("storage.format", storage.FormatSlotted.String())
	v.SetDefault("bufferpool.capacity", bufferpool.DefaultCapacity)
	v.SetDefault("lock.timeout", lock.DefaultTimeout)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
}

// RegisterFlags adds the config flags to fs. Values only override the other
// sources when set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("data-dir", "./data", "directory holding table files")
	fs.Int("page-size", storage.DefaultPageSize, "page size in bytes for new tables")
	fs.String("format", storage.FormatSlotted.String(), "page format for new tables (slotted|fixed)")
	fs.Int("capacity", bufferpool.DefaultCapacity, "buffer pool capacity in pages")
	fs.Duration("lock-timeout", lock.DefaultTimeout, "max wait for a single page lock")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "console", "log format (json|console)")
	fs.String("log-output", "stderr", "log destination (stderr|stdout|path)")
}

// Load resolves the configuration. path may be empty; when flags carries a
// non-empty --config it wins over path.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	}
	if err := storage.ValidatePageSize(c.Storage.PageSize); err != nil {
		return fmt.Errorf("%w: storage.page_size: %w", ErrInvalidConfig, err)
	}
	if _, err := c.PageFormat(); err != nil {
		return fmt.Errorf("%w: storage.format: %w", ErrInvalidConfig, err)
	}
	if c.BufferPool.Capacity < 1 {
		return fmt.Errorf("%w: bufferpool.capacity must be >= 1, got %d", ErrInvalidConfig, c.BufferPool.Capacity)
	}
	return nil
}

func (c *Config) PageFormat() (storage.Format, error) {
	return storage.ParseFormat(c.Storage.Format)
}
