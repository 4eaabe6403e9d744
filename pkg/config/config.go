/*
Copyright 2025 GuardAnt Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the monitoring core configuration from YAML
// with environment-variable overrides and optional hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the monitoring core.
// Durations are YAML strings ("30s", "5m") parsed at load time.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Backend    BackendConfig    `yaml:"backend"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Failover   FailoverConfig   `yaml:"failover"`
	Storage    StorageConfig    `yaml:"storage"`
	DLQ        DLQConfig        `yaml:"dlq"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// RedisConfig configures the shared Redis client used by the cache,
// the rate limiter storage and the DLQ transport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig configures the PostgreSQL archive.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
}

// BackendConfig configures the content-addressed backend client.
type BackendConfig struct {
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
	Disabled  bool          `yaml:"disabled"` // cache-only operation
}

// MonitoringConfig is the engine's tuning surface.
type MonitoringConfig struct {
	MaxRetries       int           `yaml:"maxRetries"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	CheckTimeout     time.Duration `yaml:"checkTimeout"`
	ConcurrentChecks int           `yaml:"concurrentChecks"`
	StartupJitter    time.Duration `yaml:"startupJitter"`
	// ReferenceURLs are probed by the network-connectivity guard
	// before a wave of failures is trusted.
	ReferenceURLs []string `yaml:"referenceURLs"`
	// GuardSuppression bounds how long the guard may mute
	// status-change alerts; hard-capped at 5 minutes.
	GuardSuppression time.Duration `yaml:"guardSuppression"`
}

// FailoverConfig is the controller's tuning surface.
type FailoverConfig struct {
	HealthCheckInterval    time.Duration `yaml:"healthCheckInterval"`
	HealthCheckTimeout     time.Duration `yaml:"healthCheckTimeout"`
	DetectionInterval      time.Duration `yaml:"detectionInterval"`
	MetricsRetention       time.Duration `yaml:"metricsRetention"`
	MaxConcurrentFailovers int           `yaml:"maxConcurrentFailovers"`
}

// StorageConfig is the tenant storage adapter's tuning surface.
type StorageConfig struct {
	BatchSize         int           `yaml:"batchSize"`
	BatchThrottle     time.Duration `yaml:"batchThrottle"`
	SyncInterval      time.Duration `yaml:"syncInterval"`
	CompressThreshold int           `yaml:"compressThreshold"`
	EncryptionKey     string        `yaml:"encryptionKey"`
	DataRetentionDays int           `yaml:"dataRetentionDays"`
	// TTLs keys are data types (SERVICE_STATUS, SLA_DATA, ...).
	TTLs map[string]time.Duration `yaml:"ttls"`
}

// DLQConfig is the dead-letter queue tuning surface.
type DLQConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	BaseDelay      time.Duration `yaml:"baseDelay"`
	Factor         float64       `yaml:"factor"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	MessageTTL     time.Duration `yaml:"messageTTL"`
	AlertThreshold int           `yaml:"alertThreshold"`
}

// AnalyticsConfig is the batched event sink tuning surface.
type AnalyticsConfig struct {
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	SamplingRate  float64       `yaml:"samplingRate"`
}

// AlertsConfig configures outbound alert forwarding.
type AlertsConfig struct {
	SlackToken   string `yaml:"slackToken"`
	SlackChannel string `yaml:"slackChannel"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Backend: BackendConfig{Timeout: 10 * time.Second},
		Monitoring: MonitoringConfig{
			MaxRetries:       2,
			RetryDelay:       2 * time.Second,
			CheckTimeout:     10 * time.Second,
			ConcurrentChecks: 32,
			StartupJitter:    5 * time.Second,
			ReferenceURLs: []string{
				"https://www.google.com/generate_204",
				"https://one.one.one.one",
			},
			GuardSuppression: 5 * time.Minute,
		},
		Failover: FailoverConfig{
			HealthCheckInterval:    30 * time.Second,
			HealthCheckTimeout:     5 * time.Second,
			DetectionInterval:      15 * time.Second,
			MetricsRetention:       time.Hour,
			MaxConcurrentFailovers: 3,
		},
		Storage: StorageConfig{
			BatchSize:         25,
			BatchThrottle:     100 * time.Millisecond,
			SyncInterval:      time.Minute,
			CompressThreshold: 1024,
			DataRetentionDays: 90,
			TTLs: map[string]time.Duration{
				"SERVICE_STATUS":  time.Hour,
				"MONITORING_DATA": 24 * time.Hour,
				"SLA_DATA":        365 * 24 * time.Hour,
				"FAILOVER_CONFIG": 24 * time.Hour,
				"ANALYTICS":       30 * 24 * time.Hour,
				"DLQ_FAILURES":    7 * 24 * time.Hour,
			},
		},
		DLQ: DLQConfig{
			MaxRetries:     3,
			BaseDelay:      time.Second,
			Factor:         2,
			MaxDelay:       time.Minute,
			MessageTTL:     24 * time.Hour,
			AlertThreshold: 50,
		},
		Analytics: AnalyticsConfig{BatchSize: 100, FlushInterval: 10 * time.Second, SamplingRate: 1.0},
	}
}

// Load reads path (optional), applies env overrides, validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the secrets and endpoints that are injected via
// environment in deployments.
func (c *Config) applyEnv() {
	if v := os.Getenv("GUARDANT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("GUARDANT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("GUARDANT_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("GUARDANT_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("GUARDANT_BACKEND_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("GUARDANT_STORAGE_KEY"); v != "" {
		c.Storage.EncryptionKey = v
	}
	if v := os.Getenv("GUARDANT_SLACK_TOKEN"); v != "" {
		c.Alerts.SlackToken = v
	}
	if v := os.Getenv("GUARDANT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate rejects configurations that would violate engine
// invariants rather than letting them surface at runtime.
func (c *Config) Validate() error {
	if c.Monitoring.ConcurrentChecks <= 0 {
		return fmt.Errorf("monitoring.concurrentChecks must be positive, got %d", c.Monitoring.ConcurrentChecks)
	}
	if c.Monitoring.CheckTimeout <= 0 {
		return fmt.Errorf("monitoring.checkTimeout must be positive")
	}
	if c.Failover.MaxConcurrentFailovers <= 0 {
		return fmt.Errorf("failover.maxConcurrentFailovers must be positive")
	}
	if c.DLQ.Factor < 1 {
		return fmt.Errorf("dlq.factor must be >= 1, got %v", c.DLQ.Factor)
	}
	if c.Storage.BatchSize <= 0 {
		return fmt.Errorf("storage.batchSize must be positive")
	}
	if c.Monitoring.GuardSuppression > 5*time.Minute {
		c.Monitoring.GuardSuppression = 5 * time.Minute
	}
	return nil
}

// Watcher re-reads the config file on change and hands the parsed
// result to subscribers. Reload failures keep the previous config.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)
}

// NewWatcher starts watching path. The initial load must already have
// succeeded; cfg is the currently active configuration.
func NewWatcher(path string, cfg *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w := &Watcher{path: path, logger: logger, watcher: fw, current: cfg}
	go w.run()
	return w, nil
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers fn to be called with each successfully reloaded
// configuration.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous",
					zap.String("path", w.path),
					zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.current = cfg
			listeners := append([]func(*Config){}, w.listeners...)
			w.mu.Unlock()
			w.logger.Info("config reloaded", zap.String("path", w.path))
			for _, fn := range listeners {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }
