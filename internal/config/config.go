package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"schemamigrator/internal/infrastructure/database"
)

type LockMode string

const (
	LockBlock    LockMode = "block"
	LockFailFast LockMode = "fail-fast"
)

type Config struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrations_dir"`

	LedgerTable      string        `yaml:"ledger_table"`
	LockTable        string        `yaml:"lock_table"`
	LockName         string        `yaml:"lock_name"`
	LockMode         LockMode      `yaml:"lock_mode"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	LockPollInterval time.Duration `yaml:"lock_poll_interval"`

	ConnectRetries int    `yaml:"connect_retries"`
	PushgatewayURL string `yaml:"pushgateway_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Driver:           database.DriverPostgres,
		MigrationsDir:    "migrations",
		LedgerTable:      database.DefaultLedgerTable,
		LockTable:        database.DefaultLockTable,
		LockName:         "schemamigrator",
		LockMode:         LockBlock,
		LockTimeout:      30 * time.Second,
		LockPollInterval: 500 * time.Millisecond,
		ConnectRetries:   5,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err = yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// LoadEnvFiles exports variables from .env files that exist. Variables
// already set in the environment win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// Merge copies the non-zero fields of o over c.
func (c *Config) Merge(o Config) {
	setString(&c.Driver, o.Driver)
	setString(&c.DSN, o.DSN)
	setString(&c.MigrationsDir, o.MigrationsDir)
	setString(&c.LedgerTable, o.LedgerTable)
	setString(&c.LockTable, o.LockTable)
	setString(&c.LockName, o.LockName)
	if o.LockMode != "" {
		c.LockMode = o.LockMode
	}
	if o.LockTimeout != 0 {
		c.LockTimeout = o.LockTimeout
	}
	if o.LockPollInterval != 0 {
		c.LockPollInterval = o.LockPollInterval
	}
	if o.ConnectRetries != 0 {
		c.ConnectRetries = o.ConnectRetries
	}
	setString(&c.PushgatewayURL, o.PushgatewayURL)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.LogFormat, o.LogFormat)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the settings needed to reach the database. Commands that
// only touch the migrations directory call ValidateSource instead.
func (c Config) Validate() error {
	if err := c.ValidateSource(); err != nil {
		return err
	}
	if _, err := database.DialectFor(c.Driver); err != nil {
		return err
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if !database.ValidTableName(c.LedgerTable) {
		return errors.Errorf("invalid ledger_table %q", c.LedgerTable)
	}
	if !database.ValidTableName(c.LockTable) {
		return errors.Errorf("invalid lock_table %q", c.LockTable)
	}
	if c.LockName == "" {
		return errors.New("lock_name is required")
	}
	switch c.LockMode {
	case LockBlock, LockFailFast:
	default:
		return errors.Errorf("invalid lock_mode %q", c.LockMode)
	}
	if c.LockTimeout <= 0 {
		return errors.New("lock_timeout must be positive")
	}
	if c.LockPollInterval <= 0 {
		return errors.New("lock_poll_interval must be positive")
	}
	if c.ConnectRetries < 0 {
		return errors.New("connect_retries must not be negative")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return errors.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

func (c Config) ValidateSource() error {
	if c.MigrationsDir == "" {
		return errors.New("migrations_dir is required")
	}
	return nil
}
