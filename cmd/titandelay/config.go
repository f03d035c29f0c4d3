// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hemant/titandelay"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix   = "TITANDELAY_"
	envRedisURL = envPrefix + "REDIS_URL"

	defaultRedisURL = "redis://localhost:6379/0"
)

// fileConfig is the layout of the YAML config file:
//
//	redis: redis://localhost:6379/0
//	registry:
//	  partitions: 4
//	  maxRetryAttempts: 5
//	  retryInterval: 2s
//	  mode: reliable
type fileConfig struct {
	Redis    string                 `yaml:"redis"`
	Registry map[string]interface{} `yaml:"registry"`
}

// settings is the resolved connection and registry configuration.
type settings struct {
	redisURL string
	config   titandelay.Config
}

// loadSettings merges, from lowest to highest precedence, the defaults,
// the YAML file at path (if any), TITANDELAY_* entries of environ and the
// redis URL flag. Every TITANDELAY_<KEY> other than TITANDELAY_REDIS_URL
// is a registry config key, e.g. TITANDELAY_CORE_POOL_SIZE=8.
func loadSettings(path string, environ []string, redisFlag string) (*settings, error) {
	fc := fileConfig{Redis: defaultRedisURL, Registry: map[string]interface{}{}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if fc.Redis == "" {
			fc.Redis = defaultRedisURL
		}
	}

	values := make(map[string]interface{}, len(fc.Registry))
	for k, v := range fc.Registry {
		values[normalizeKey(k)] = v
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, envPrefix) {
			continue
		}
		if k == envRedisURL {
			fc.Redis = v
			continue
		}
		values[normalizeKey(strings.TrimPrefix(k, envPrefix))] = v
	}
	if redisFlag != "" {
		fc.Redis = redisFlag
	}

	cfg, err := titandelay.ParseConfig(values)
	if err != nil {
		return nil, err
	}
	return &settings{redisURL: fc.Redis, config: cfg}, nil
}

// normalizeKey folds the spellings ParseConfig treats as equal so that a
// later source overrides an earlier one.
func normalizeKey(k string) string {
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(strings.ToLower(k))
}
