// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cast"
)

// Config specifies the registry's delivery and processing behavior.
//
// The zero value is usable; every field documents the value used when unset.
type Config struct {
	// Partitions is the number of delay channels per topic.
	//
	// If unset, zero or a negative value, 5 partitions are used.
	Partitions int

	// CorePoolSize is the number of long-lived workers per consumer.
	//
	// If unset, zero or a negative value, 4 workers are used.
	CorePoolSize int

	// MaxPoolSize is the maximum number of workers per consumer. Workers above
	// CorePoolSize are started only while the backlog is full.
	//
	// If lower than CorePoolSize, CorePoolSize is used.
	MaxPoolSize int

	// KeepAlive is how long a worker above CorePoolSize stays idle before exiting.
	//
	// If unset or zero, 30 seconds is used.
	KeepAlive time.Duration

	// BacklogSize is the capacity of the queue between a listener and its workers.
	// Once full and all workers are busy, the listener stops taking.
	//
	// If unset, zero or a negative value, 256 is used.
	BacklogSize int

	// MaxRetryAttempts is the number of retries after the first failed attempt.
	//
	// If unset or zero, 3 retries are used. A negative value disables retries.
	MaxRetryAttempts int

	// RetryInterval is the base of the exponential backoff between attempts.
	// The n-th retry waits RetryInterval * 2^(n-1), capped at MaxBackoff.
	//
	// If unset or zero, 5 seconds is used.
	RetryInterval time.Duration

	// MaxBackoff caps the backoff between attempts.
	//
	// If unset or zero, 60 seconds is used.
	MaxBackoff time.Duration

	// DeadLetterMaxSize bounds the number of dead letters kept per topic.
	//
	// If unset, zero or a negative value, 10000 is used.
	DeadLetterMaxSize int

	// DeadLetterEvictBatch is the minimum number of oldest entries removed
	// when the bound is reached.
	//
	// If unset, zero or a negative value, 10 is used.
	DeadLetterEvictBatch int

	// DeadLetterCleanInterval specifies the interval between retention sweeps.
	//
	// If unset or zero, 24 hours is used.
	DeadLetterCleanInterval time.Duration

	// DeadLetterRetention is the age after which dead letters are removed.
	//
	// If unset or zero, 168 hours is used.
	DeadLetterRetention time.Duration

	// MaskDeadLetterContent stores "[CONTENT_LENGTH:n]" in dead letters
	// instead of the message content.
	MaskDeadLetterContent bool

	// Mode selects the consumer created by Start.
	//
	// If unset, ModeReliable is used.
	Mode Mode

	// BaseContext optionally specifies a function that returns the base context
	// for Handler invocations.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// ShutdownTimeout specifies the duration to wait to let workers finish
	// their messages before forcing them to abort when stopping a consumer.
	//
	// If unset or zero, default timeout of 30 seconds is used.
	ShutdownTimeout time.Duration

	// TakeErrorBackoff is the pause after a failed take before the listener
	// tries again.
	//
	// If unset or zero, 1 second is used.
	TakeErrorBackoff time.Duration

	// HealthCheckFunc is called periodically with any errors encountered
	// during ping to the broker.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// Logger specifies the logger used by the registry instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// MetricsRegisterer receives the registry's Prometheus collectors.
	//
	// If nil, metrics are collected but not registered anywhere.
	MetricsRegisterer prometheus.Registerer

	// StateDir, if set, keeps leases and dead letters in a local Pebble
	// database in this directory instead of the broker. Delay channels
	// stay in the broker.
	StateDir string
}

const (
	defaultCorePoolSize            = 4
	defaultKeepAlive               = 30 * time.Second
	defaultBacklogSize             = 256
	defaultMaxRetryAttempts        = 3
	defaultRetryInterval           = 5 * time.Second
	defaultMaxBackoff              = 60 * time.Second
	defaultDeadLetterMaxSize       = 10000
	defaultDeadLetterEvictBatch    = 10
	defaultDeadLetterCleanInterval = 24 * time.Hour
	defaultDeadLetterRetention     = 168 * time.Hour
	defaultShutdownTimeout         = 30 * time.Second
	defaultTakeErrorBackoff        = time.Second
	defaultHealthCheckInterval     = 15 * time.Second
)

// Mode selects between the reliable and the standard consumer.
type Mode int

const (
	// Note: reserving value zero to differentiate unspecified case.
	mode_unspecified Mode = iota

	// ModeReliable records a lease for every taken message and recovers
	// leases left behind by a crashed process on start.
	ModeReliable

	// ModeStandard dispatches taken messages without leases. A crash loses
	// messages that were taken but not finished.
	ModeStandard
)

// String is part of the flag.Value interface.
func (m *Mode) String() string {
	switch *m {
	case mode_unspecified, ModeReliable:
		return "reliable"
	case ModeStandard:
		return "standard"
	}
	panic(fmt.Sprintf("titandelay: unexpected mode: %d", *m))
}

// Set is part of the flag.Value interface.
func (m *Mode) Set(val string) error {
	switch strings.ToLower(val) {
	case "reliable":
		*m = ModeReliable
	case "standard":
		*m = ModeStandard
	default:
		return fmt.Errorf("titandelay: unsupported mode %q", val)
	}
	return nil
}

// Logger supports logging at various log levels.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(args ...interface{})

	// Info logs a message at Info level.
	Info(args ...interface{})

	// Warn logs a message at Warning level.
	Warn(args ...interface{})

	// Error logs a message at Error level.
	Error(args ...interface{})

	// Fatal logs a message at Fatal level
	// and process will exit with status set to 1.
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
//
// It satisfies flag.Value interface.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota

	// DebugLevel is the lowest level of logging.
	// Debug logs are intended for debugging and development purposes.
	DebugLevel

	// InfoLevel is used for general informational log messages.
	InfoLevel

	// WarnLevel is used for undesired but relatively expected events,
	// which may indicate a problem.
	WarnLevel

	// ErrorLevel is used for undesired and unexpected events that
	// the program can recover from.
	ErrorLevel

	// FatalLevel is used for undesired and unexpected events that
	// the program cannot recover from.
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("titandelay: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("titandelay: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("titandelay: unexpected log level: %v", l))
}

// options is a Config with every default applied.
type options struct {
	partitions        int
	corePoolSize      int
	maxPoolSize       int
	keepAlive         time.Duration
	backlogSize       int
	maxRetryAttempts  int
	retryInterval     time.Duration
	maxBackoff        time.Duration
	dlMaxSize         int
	dlEvictBatch      int
	dlCleanInterval   time.Duration
	dlRetention       time.Duration
	maskContent       bool
	mode              Mode
	baseCtxFn         func() context.Context
	shutdownTimeout   time.Duration
	takeErrorBackoff  time.Duration
	healthCheckFunc   func(error)
	healthCheckPeriod time.Duration
	logger            *log.Logger
	registerer        prometheus.Registerer
	stateDir          string
}

func newOptions(cfg Config) options {
	opts := options{
		partitions:        cfg.Partitions,
		corePoolSize:      cfg.CorePoolSize,
		maxPoolSize:       cfg.MaxPoolSize,
		keepAlive:         cfg.KeepAlive,
		backlogSize:       cfg.BacklogSize,
		maxRetryAttempts:  cfg.MaxRetryAttempts,
		retryInterval:     cfg.RetryInterval,
		maxBackoff:        cfg.MaxBackoff,
		dlMaxSize:         cfg.DeadLetterMaxSize,
		dlEvictBatch:      cfg.DeadLetterEvictBatch,
		dlCleanInterval:   cfg.DeadLetterCleanInterval,
		dlRetention:       cfg.DeadLetterRetention,
		maskContent:       cfg.MaskDeadLetterContent,
		mode:              cfg.Mode,
		baseCtxFn:         cfg.BaseContext,
		shutdownTimeout:   cfg.ShutdownTimeout,
		takeErrorBackoff:  cfg.TakeErrorBackoff,
		healthCheckFunc:   cfg.HealthCheckFunc,
		healthCheckPeriod: cfg.HealthCheckInterval,
		registerer:        cfg.MetricsRegisterer,
		stateDir:          cfg.StateDir,
	}
	if opts.partitions < 1 {
		opts.partitions = base.DefaultPartitions
	}
	if opts.corePoolSize < 1 {
		opts.corePoolSize = defaultCorePoolSize
	}
	if opts.maxPoolSize < opts.corePoolSize {
		opts.maxPoolSize = opts.corePoolSize
	}
	if opts.keepAlive <= 0 {
		opts.keepAlive = defaultKeepAlive
	}
	if opts.backlogSize < 1 {
		opts.backlogSize = defaultBacklogSize
	}
	switch {
	case opts.maxRetryAttempts == 0:
		opts.maxRetryAttempts = defaultMaxRetryAttempts
	case opts.maxRetryAttempts < 0:
		opts.maxRetryAttempts = 0
	}
	if opts.retryInterval <= 0 {
		opts.retryInterval = defaultRetryInterval
	}
	if opts.maxBackoff <= 0 {
		opts.maxBackoff = defaultMaxBackoff
	}
	if opts.dlMaxSize < 1 {
		opts.dlMaxSize = defaultDeadLetterMaxSize
	}
	if opts.dlEvictBatch < 1 {
		opts.dlEvictBatch = defaultDeadLetterEvictBatch
	}
	if opts.dlCleanInterval <= 0 {
		opts.dlCleanInterval = defaultDeadLetterCleanInterval
	}
	if opts.dlRetention <= 0 {
		opts.dlRetention = defaultDeadLetterRetention
	}
	if opts.mode == mode_unspecified {
		opts.mode = ModeReliable
	}
	if opts.baseCtxFn == nil {
		opts.baseCtxFn = context.Background
	}
	if opts.shutdownTimeout <= 0 {
		opts.shutdownTimeout = defaultShutdownTimeout
	}
	if opts.takeErrorBackoff <= 0 {
		opts.takeErrorBackoff = defaultTakeErrorBackoff
	}
	if opts.healthCheckPeriod <= 0 {
		opts.healthCheckPeriod = defaultHealthCheckInterval
	}
	opts.logger = log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	opts.logger.SetLevel(toInternalLogLevel(loglevel))
	return opts
}

// configSetters maps normalized keys to the Config field they set.
// Keys are matched case-insensitively with '_', '-' and '.' removed, so
// "core_pool_size", "core-pool-size" and "corePoolSize" are equivalent.
var configSetters = map[string]func(*Config, interface{}) error{
	"partitions":                      setInt(func(c *Config, v int) { c.Partitions = v }),
	"isolationregioncount":            setInt(func(c *Config, v int) { c.Partitions = v }),
	"corepoolsize":                    setInt(func(c *Config, v int) { c.CorePoolSize = v }),
	"maxpoolsize":                     setInt(func(c *Config, v int) { c.MaxPoolSize = v }),
	"maximumpoolsize":                 setInt(func(c *Config, v int) { c.MaxPoolSize = v }),
	"keepalive":                       setDuration(func(c *Config, v time.Duration) { c.KeepAlive = v }),
	"keepalivetime":                   setScaled(time.Second, func(c *Config, v time.Duration) { c.KeepAlive = v }),
	"backlogsize":                     setInt(func(c *Config, v int) { c.BacklogSize = v }),
	"workqueuesize":                   setInt(func(c *Config, v int) { c.BacklogSize = v }),
	"maxretryattempts":                setInt(func(c *Config, v int) { c.MaxRetryAttempts = v }),
	"retryinterval":                   setDuration(func(c *Config, v time.Duration) { c.RetryInterval = v }),
	"retryintervalmillis":             setScaled(time.Millisecond, func(c *Config, v time.Duration) { c.RetryInterval = v }),
	"maxbackoff":                      setDuration(func(c *Config, v time.Duration) { c.MaxBackoff = v }),
	"deadlettermaxsize":               setInt(func(c *Config, v int) { c.DeadLetterMaxSize = v }),
	"maxdeadletterqueuesize":          setInt(func(c *Config, v int) { c.DeadLetterMaxSize = v }),
	"deadletterevictbatch":            setInt(func(c *Config, v int) { c.DeadLetterEvictBatch = v }),
	"deadlettercleaninterval":         setDuration(func(c *Config, v time.Duration) { c.DeadLetterCleanInterval = v }),
	"deadlettercleanintervalhours":    setScaled(time.Hour, func(c *Config, v time.Duration) { c.DeadLetterCleanInterval = v }),
	"deadletterretention":             setDuration(func(c *Config, v time.Duration) { c.DeadLetterRetention = v }),
	"deadlettermessageretentionhours": setScaled(time.Hour, func(c *Config, v time.Duration) { c.DeadLetterRetention = v }),
	"maskdeadlettercontent":           setBool(func(c *Config, v bool) { c.MaskDeadLetterContent = v }),
	"mode": func(c *Config, v interface{}) error {
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		return c.Mode.Set(s)
	},
	"usereliablequeue": setBool(func(c *Config, v bool) {
		if v {
			c.Mode = ModeReliable
		} else {
			c.Mode = ModeStandard
		}
	}),
	"shutdowntimeout":     setDuration(func(c *Config, v time.Duration) { c.ShutdownTimeout = v }),
	"takeerrorbackoff":    setDuration(func(c *Config, v time.Duration) { c.TakeErrorBackoff = v }),
	"healthcheckinterval": setDuration(func(c *Config, v time.Duration) { c.HealthCheckInterval = v }),
	"loglevel": func(c *Config, v interface{}) error {
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		return c.LogLevel.Set(s)
	},
	"statedir": func(c *Config, v interface{}) error {
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		c.StateDir = s
		return nil
	},
}

func setInt(fn func(*Config, int)) func(*Config, interface{}) error {
	return func(c *Config, v interface{}) error {
		n, err := cast.ToIntE(v)
		if err != nil {
			return err
		}
		fn(c, n)
		return nil
	}
}

func setBool(fn func(*Config, bool)) func(*Config, interface{}) error {
	return func(c *Config, v interface{}) error {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		fn(c, b)
		return nil
	}
}

// setDuration accepts duration strings such as "1m30s". Bare numbers are nanoseconds.
func setDuration(fn func(*Config, time.Duration)) func(*Config, interface{}) error {
	return func(c *Config, v interface{}) error {
		d, err := cast.ToDurationE(v)
		if err != nil {
			return err
		}
		fn(c, d)
		return nil
	}
}

// setScaled accepts a number of units.
func setScaled(unit time.Duration, fn func(*Config, time.Duration)) func(*Config, interface{}) error {
	return func(c *Config, v interface{}) error {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return err
		}
		fn(c, time.Duration(n)*unit)
		return nil
	}
}

func normalizeConfigKey(k string) string {
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(strings.ToLower(k))
}

// ParseConfig builds a Config from loosely typed values, as decoded from
// YAML or collected from the environment.
//
// Durations accept Go duration strings ("5s"). Keys carrying a unit in their
// name ("retryIntervalMillis", "keepAliveTime" in seconds,
// "deadLetterCleanIntervalHours", "deadLetterMessageRetentionHours") accept
// plain numbers. Unknown keys are rejected.
func ParseConfig(m map[string]interface{}) (Config, error) {
	var cfg Config
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set, ok := configSetters[normalizeConfigKey(k)]
		if !ok {
			return Config{}, fmt.Errorf("titandelay: unknown config key %q", k)
		}
		if err := set(&cfg, m[k]); err != nil {
			return Config{}, fmt.Errorf("titandelay: invalid value for config key %q: %v", k, err)
		}
	}
	return cfg, nil
}
