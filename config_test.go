// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := newOptions(Config{})

	assert.Equal(t, 5, opts.partitions)
	assert.Equal(t, 4, opts.corePoolSize)
	assert.Equal(t, 4, opts.maxPoolSize)
	assert.Equal(t, 30*time.Second, opts.keepAlive)
	assert.Equal(t, 256, opts.backlogSize)
	assert.Equal(t, 3, opts.maxRetryAttempts)
	assert.Equal(t, 5*time.Second, opts.retryInterval)
	assert.Equal(t, time.Minute, opts.maxBackoff)
	assert.Equal(t, 10000, opts.dlMaxSize)
	assert.Equal(t, 10, opts.dlEvictBatch)
	assert.Equal(t, 24*time.Hour, opts.dlCleanInterval)
	assert.Equal(t, 168*time.Hour, opts.dlRetention)
	assert.Equal(t, ModeReliable, opts.mode)
	assert.Equal(t, 30*time.Second, opts.shutdownTimeout)
	assert.Equal(t, time.Second, opts.takeErrorBackoff)
	assert.Equal(t, 15*time.Second, opts.healthCheckPeriod)
	assert.NotNil(t, opts.baseCtxFn)
	assert.NotNil(t, opts.logger)
}

func TestNewOptionsOverrides(t *testing.T) {
	opts := newOptions(Config{
		Partitions:       2,
		CorePoolSize:     8,
		MaxPoolSize:      3,
		MaxRetryAttempts: -1,
		Mode:             ModeStandard,
	})
	assert.Equal(t, 2, opts.partitions)
	assert.Equal(t, 8, opts.maxPoolSize, "max pool size is at least the core size")
	assert.Equal(t, 0, opts.maxRetryAttempts, "negative disables retries")
	assert.Equal(t, ModeStandard, opts.mode)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(map[string]interface{}{
		"partitions":            4,
		"core_pool_size":        "2",
		"max-pool-size":         6,
		"keepAlive":             "45s",
		"backlogSize":           64,
		"maxRetryAttempts":      5,
		"retryInterval":         "250ms",
		"maxBackoff":            "10s",
		"deadLetterMaxSize":     500,
		"deadLetterRetention":   "72h",
		"mode":                  "standard",
		"logLevel":              "warn",
		"stateDir":              "/var/lib/titandelay",
		"maskDeadLetterContent": "true",
	})
	require.NoError(t, err)
	assert.Equal(t, Config{
		Partitions:            4,
		CorePoolSize:          2,
		MaxPoolSize:           6,
		KeepAlive:             45 * time.Second,
		BacklogSize:           64,
		MaxRetryAttempts:      5,
		RetryInterval:         250 * time.Millisecond,
		MaxBackoff:            10 * time.Second,
		DeadLetterMaxSize:     500,
		DeadLetterRetention:   72 * time.Hour,
		MaskDeadLetterContent: true,
		Mode:                  ModeStandard,
		LogLevel:              WarnLevel,
		StateDir:              "/var/lib/titandelay",
	}, cfg)
}

func TestParseConfigLegacyKeys(t *testing.T) {
	cfg, err := ParseConfig(map[string]interface{}{
		"isolationRegionCount":            3,
		"maximumPoolSize":                 10,
		"keepAliveTime":                   60,
		"workQueueSize":                   128,
		"retryIntervalMillis":             1500,
		"maxDeadLetterQueueSize":          2000,
		"deadLetterCleanIntervalHours":    12,
		"deadLetterMessageRetentionHours": 48,
		"useReliableQueue":                false,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Partitions)
	assert.Equal(t, 10, cfg.MaxPoolSize)
	assert.Equal(t, time.Minute, cfg.KeepAlive)
	assert.Equal(t, 128, cfg.BacklogSize)
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, 2000, cfg.DeadLetterMaxSize)
	assert.Equal(t, 12*time.Hour, cfg.DeadLetterCleanInterval)
	assert.Equal(t, 48*time.Hour, cfg.DeadLetterRetention)
	assert.Equal(t, ModeStandard, cfg.Mode)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		desc string
		in   map[string]interface{}
	}{
		{"unknown key", map[string]interface{}{"concurrency": 10}},
		{"bad int", map[string]interface{}{"partitions": "many"}},
		{"bad duration", map[string]interface{}{"maxBackoff": "soon"}},
		{"bad mode", map[string]interface{}{"mode": "fast"}},
		{"bad log level", map[string]interface{}{"logLevel": "loud"}},
	}
	for _, tc := range tests {
		_, err := ParseConfig(tc.in)
		assert.Error(t, err, tc.desc)
	}
}

func TestModeFlag(t *testing.T) {
	var m Mode
	assert.Equal(t, "reliable", m.String())
	require.NoError(t, m.Set("STANDARD"))
	assert.Equal(t, ModeStandard, m)
	assert.Equal(t, "standard", m.String())
	assert.Error(t, m.Set("other"))
}

func TestLogLevelFlag(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"Info", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"fatal", FatalLevel},
	}
	for _, tc := range tests {
		var l LogLevel
		require.NoError(t, l.Set(tc.in))
		assert.Equal(t, tc.want, l)
	}
	var l LogLevel
	assert.Error(t, l.Set("trace"))
}
