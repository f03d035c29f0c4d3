// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hemant/titandelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "titandelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings("", nil, "")
	require.NoError(t, err)
	assert.Equal(t, defaultRedisURL, s.redisURL)
	assert.Equal(t, titandelay.Config{}, s.config)
}

func TestLoadSettingsPrecedence(t *testing.T) {
	path := writeConfig(t, `
redis: redis://cache:6379/1
registry:
  partitions: 4
  maxRetryAttempts: 5
  retryInterval: 2s
  mode: standard
`)
	environ := []string{
		"HOME=/root",
		"TITANDELAY_MAX_RETRY_ATTEMPTS=7",
		"TITANDELAY_CORE_POOL_SIZE=8",
	}

	s, err := loadSettings(path, environ, "")
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/1", s.redisURL)
	assert.Equal(t, 4, s.config.Partitions)
	assert.Equal(t, 7, s.config.MaxRetryAttempts, "environment overrides the file")
	assert.Equal(t, 8, s.config.CorePoolSize)
	assert.Equal(t, 2*time.Second, s.config.RetryInterval)
	assert.Equal(t, titandelay.ModeStandard, s.config.Mode)

	s, err = loadSettings(path, []string{"TITANDELAY_REDIS_URL=redis://env:6379"}, "")
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379", s.redisURL)

	s, err = loadSettings(path, []string{"TITANDELAY_REDIS_URL=redis://env:6379"}, "redis://flag:6379")
	require.NoError(t, err)
	assert.Equal(t, "redis://flag:6379", s.redisURL, "the flag wins")
}

func TestLoadSettingsErrors(t *testing.T) {
	_, err := loadSettings(filepath.Join(t.TempDir(), "missing.yaml"), nil, "")
	assert.Error(t, err)

	_, err = loadSettings(writeConfig(t, "registry: [1, 2"), nil, "")
	assert.Error(t, err)

	_, err = loadSettings("", []string{"TITANDELAY_CONCURRENCY=10"}, "")
	assert.Error(t, err, "unknown keys are rejected")
}

func TestPrinterFormats(t *testing.T) {
	dls := []*titandelay.DeadLetter{{
		ID:         "00000001",
		Content:    `{"id":1}`,
		Error:      "boom",
		RetryCount: 4,
	}}

	var buf bytes.Buffer
	p := &printer{format: outputTable, w: &buf}
	require.NoError(t, p.deadLetters(dls))
	assert.Contains(t, buf.String(), "ATTEMPTS")
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	p.format = outputJSON
	require.NoError(t, p.deadLetters(dls))
	assert.Contains(t, buf.String(), `"retry_count": 4`)

	buf.Reset()
	p.format = outputYAML
	require.NoError(t, p.deadLetters(dls))
	assert.Contains(t, buf.String(), "retry_count: 4")

	_, err := parseOutputFormat("xml")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}
