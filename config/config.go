// Package config loads votingd settings from defaults, an optional YAML file
// and VOTING_* environment variables, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "VOTING"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Election   ElectionConfig   `mapstructure:"election"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	PrintQueue PrintQueueConfig `mapstructure:"print_queue"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RegistryConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

type ElectionConfig struct {
	// KeyFile holds the election key pair; empty means an ephemeral key.
	KeyFile string `mapstructure:"key_file"`
}

type LedgerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Dir        string        `mapstructure:"dir"`
	Difficulty uint8         `mapstructure:"difficulty"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type PrintQueueConfig struct {
	MaxAttempts     int  `mapstructure:"max_attempts"`
	AutoEnqueue     bool `mapstructure:"auto_enqueue"`
	DefaultPriority int  `mapstructure:"default_priority"`
}

type ReconcileConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold time.Duration `mapstructure:"threshold"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Storage:  StorageConfig{Driver: "sqlite", DSN: "data/voting.db"},
		Registry: RegistryConfig{SeedFile: "data/seed.json"},
		Election: ElectionConfig{KeyFile: "data/election_key.json"},
		Ledger: LedgerConfig{
			Enabled:    true,
			Dir:        "data/ledger",
			Difficulty: 1,
			Timeout:    2 * time.Second,
		},
		PrintQueue: PrintQueueConfig{MaxAttempts: 3, AutoEnqueue: true},
		Reconcile:  ReconcileConfig{Interval: time.Hour, Threshold: 5 * time.Minute},
		Log:        LogConfig{Level: "info", Format: "json"},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("registry.seed_file", d.Registry.SeedFile)
	v.SetDefault("election.key_file", d.Election.KeyFile)
	v.SetDefault("ledger.enabled", d.Ledger.Enabled)
	v.SetDefault("ledger.dir", d.Ledger.Dir)
	v.SetDefault("ledger.difficulty", d.Ledger.Difficulty)
	v.SetDefault("ledger.timeout", d.Ledger.Timeout)
	v.SetDefault("print_queue.max_attempts", d.PrintQueue.MaxAttempts)
	v.SetDefault("print_queue.auto_enqueue", d.PrintQueue.AutoEnqueue)
	v.SetDefault("print_queue.default_priority", d.PrintQueue.DefaultPriority)
	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.threshold", d.Reconcile.Threshold)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the config file at path (optional) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to load configuration from file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		return errors.New("storage.dsn is required for sqlite")
	}
	if c.PrintQueue.MaxAttempts < 1 {
		return errors.New("print_queue.max_attempts must be at least 1")
	}
	if c.PrintQueue.DefaultPriority < 0 || c.PrintQueue.DefaultPriority > 100 {
		return errors.New("print_queue.default_priority must be between 0 and 100")
	}
	if c.Reconcile.Interval <= 0 || c.Reconcile.Threshold <= 0 {
		return errors.New("reconcile.interval and reconcile.threshold must be positive")
	}
	if c.Ledger.Enabled && c.Ledger.Timeout <= 0 {
		return errors.New("ledger.timeout must be positive")
	}
	if c.Ledger.Difficulty > 3 {
		return errors.New("ledger.difficulty above 3 is impractical for an in-process chain")
	}
	return nil
}
