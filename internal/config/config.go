package config

import (
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/errors"
	"codeberg.org/mutker/modmon/internal/logger"
	"codeberg.org/mutker/modmon/internal/store"
)

const (
	// EnvConfigPath overrides the config file search path.
	EnvConfigPath = "MODMON_CONFIG"

	DefaultLogLevel         = "info"
	DefaultFailureThreshold = 3
	DefaultMetricsListen    = ":9090"
	DefaultBroadcastPeriod  = 5 // seconds
	DefaultBroadcastQueue   = 4

	configName = "modmon"
)

// Config is the full daemon configuration, loaded from TOML with flag
// overrides.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// Monitor logs snapshots to stdout instead of staying quiet; useful when
	// run interactively.
	Monitor bool `mapstructure:"monitor"`

	// FailureThreshold is the consecutive-failure count that marks a device
	// as errored and raises a notification.
	FailureThreshold int `mapstructure:"failure_threshold"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`

	Devices []device.Config `mapstructure:"devices"`

	v *viper.Viper
}

type DatabaseConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Path         string `mapstructure:"path"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout int    `mapstructure:"batch_timeout"` // seconds
}

// Store converts the database section into the sink's own config type.
func (c DatabaseConfig) Store() store.Config {
	return store.Config{
		DBPath:       c.Path,
		BatchSize:    c.BatchSize,
		BatchTimeout: c.BatchTimeout,
		Enabled:      c.Enabled,
	}
}

type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

type BroadcastConfig struct {
	Interval  int `mapstructure:"interval"` // seconds
	QueueSize int `mapstructure:"queue_size"`
}

// Load reads configuration from flags, the environment, and a TOML file.
// The file is taken from --config, then MODMON_CONFIG, then the search
// paths /etc/modmon and the working directory. A missing file is fine;
// an unreadable or invalid one is not.
func Load() (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	configFile := fs.String("config", "", "Path to config file")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warning, error)")
	monitor := fs.Bool("monitor", false, "Log device snapshots to stdout")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	path := *configFile
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath("/etc/modmon")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("monitor") {
		cfg.Monitor = *monitor
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	storeDefaults := store.DefaultConfig()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("failure_threshold", DefaultFailureThreshold)
	v.SetDefault("database.enabled", storeDefaults.Enabled)
	v.SetDefault("database.path", storeDefaults.DBPath)
	v.SetDefault("database.batch_size", storeDefaults.BatchSize)
	v.SetDefault("database.batch_timeout", storeDefaults.BatchTimeout)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_address", DefaultMetricsListen)
	v.SetDefault("broadcast.interval", DefaultBroadcastPeriod)
	v.SetDefault("broadcast.queue_size", DefaultBroadcastQueue)
}

// Validate checks daemon-level settings. Device entries are validated at
// reconcile time so one bad device never blocks the rest.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.FailureThreshold < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "failure_threshold must be >= 1")
	}
	if c.Broadcast.Interval < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "broadcast.interval must be >= 1 second")
	}
	if c.Broadcast.QueueSize < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "broadcast.queue_size must be >= 1")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "metrics.listen_address is required")
	}

	return c.Database.Store().Validate()
}

// ApplyLogLevel sets the global log level from the config.
func (c *Config) ApplyLogLevel() {
	switch LogLevel(strings.ToLower(c.LogLevel)) {
	case LogLevelDebug:
		logger.SetLogLevel(logger.DebugLevel)
	case LogLevelInfo:
		logger.SetLogLevel(logger.InfoLevel)
	case LogLevelWarning:
		logger.SetLogLevel(logger.WarnLevel)
	case LogLevelError:
		logger.SetLogLevel(logger.ErrorLevel)
	}
}

// Watch re-reads the config file on change and hands the fresh config to
// onChange. Invalid updates are logged and skipped, keeping the last good
// config in effect. No-op when no config file was found at load time.
func (c *Config) Watch(log logger.Logger, onChange func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(_ fsnotify.Event) {
		fresh := &Config{v: c.v}
		if err := c.v.Unmarshal(fresh); err != nil {
			log.Warn().Err(err).Msg("Ignoring config update that failed to parse")
			return
		}
		fresh.LogLevel = c.LogLevel
		fresh.Monitor = c.Monitor
		if err := fresh.Validate(); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid config update")
			return
		}

		log.Info().
			Str("config_file", c.v.ConfigFileUsed()).
			Int("devices", len(fresh.Devices)).
			Msg("Configuration reloaded")
		onChange(fresh)
	})
	c.v.WatchConfig()
}
