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

// The monitoring service: probe engine, failover controller, tenant
// storage, DLQ maintenance and the HTTP API, wired from one config
// file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/alerts"
	"github.com/m00npl/guardant-sub002/pkg/analytics"
	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/dlq"
	"github.com/m00npl/guardant-sub002/pkg/failover"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/monitoring"
	"github.com/m00npl/guardant-sub002/pkg/monitoring/probes"
	"github.com/m00npl/guardant-sub002/pkg/registry"
	"github.com/m00npl/guardant-sub002/pkg/resilience"
	"github.com/m00npl/guardant-sub002/pkg/server"
	"github.com/m00npl/guardant-sub002/pkg/storage"
	"github.com/m00npl/guardant-sub002/pkg/storage/archive"
)

const metricsNamespace = "guardant"

// checkQueue is the protected queue whose retry scheduler this process
// runs.
const checkQueue = "check-results"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	kubeconfig := flag.String("kubeconfig", "", "kubeconfig path for kubernetes probes (optional)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfg, logger)
		if err != nil {
			logger.Warn("config watch unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
			watcher.OnReload(func(next *config.Config) {
				logger.Info("configuration reloaded; scheduler changes apply to new services")
			})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(metricsNamespace)
	eventBus := bus.New(logger)
	defer eventBus.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Archive is optional; without a DSN permanent failures and
	// failover events stay in Redis/cache only.
	var repo *archive.Repository
	if cfg.Database.DSN != "" {
		repo, err = archive.Open(cfg.Database.DSN,
			cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer repo.Close()
	}

	var backend storage.Backend
	if !cfg.Backend.Disabled && cfg.Backend.URL != "" {
		backend = storage.NewHTTPBackend(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Timeout, logger)
	}
	adapter, err := storage.NewAdapter(storage.AdapterConfig{
		BatchSize:         cfg.Storage.BatchSize,
		BatchThrottle:     cfg.Storage.BatchThrottle,
		SyncInterval:      cfg.Storage.SyncInterval,
		CompressThreshold: cfg.Storage.CompressThreshold,
		TTLs:              cfg.Storage.TTLs,
		Encrypt:           cfg.Storage.EncryptionKey != "",
	}, backend, storage.NewRedisCache(rdb, logger), storage.StaticKey(cfg.Storage.EncryptionKey), eventBus, m, logger)
	if err != nil {
		return fmt.Errorf("build storage adapter: %w", err)
	}
	defer adapter.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(), m, logger)
	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		Algorithm:   resilience.SlidingWindow,
		MaxRequests: 300,
		Window:      time.Minute,
	}, resilience.NewRedisLimiterStore(rdb), m, logger)

	reg := registry.New(registry.Config{MaxServicesPerNest: 500}, adapter, eventBus, logger)

	heartbeats := probes.NewMemoryHeartbeats()
	probeSet := probes.DefaultSet(heartbeats, probes.NewKubeClient(*kubeconfig))
	guard := monitoring.NewGuard(cfg.Monitoring.ReferenceURLs, cfg.Monitoring.GuardSuppression, eventBus, logger)
	engine := monitoring.New(cfg.Monitoring, reg, probeSet, adapter, eventBus, breakers, limiter, guard, m, logger)

	var controller *failover.Controller
	var archiver failover.EventArchiver
	if repo != nil {
		archiver = repo
	}
	controller = failover.New(cfg.Failover, adapter, archiver, nil, eventBus, m, logger)

	var dlqArchiver dlq.FailureArchiver
	if repo != nil {
		dlqArchiver = repo
	}
	dlqClient, err := dlq.NewClient(rdb, dlq.Config{
		MaxRetries:     cfg.DLQ.MaxRetries,
		BaseDelay:      cfg.DLQ.BaseDelay,
		Factor:         cfg.DLQ.Factor,
		MaxDelay:       cfg.DLQ.MaxDelay,
		MessageTTL:     cfg.DLQ.MessageTTL,
		AlertThreshold: cfg.DLQ.AlertThreshold,
	}, m, eventBus, dlqArchiver, logger)
	if err != nil {
		return fmt.Errorf("build dlq client: %w", err)
	}

	sink := analytics.New(cfg.Analytics, adapter, eventBus, logger)
	forwarder := alerts.New(cfg.Alerts, eventBus, logger)

	engine.Start(ctx)
	defer engine.Stop()
	controller.Start(ctx)
	defer controller.Stop()
	sink.Start(ctx)
	defer sink.Stop()
	if forwarder != nil {
		forwarder.Start(ctx)
		defer forwarder.Stop()
	}
	go func() {
		if err := dlqClient.RunRetryScheduler(ctx, checkQueue, 0); err != nil && ctx.Err() == nil {
			logger.Error("dlq retry scheduler exited", zap.Error(err))
		}
	}()

	checkers := map[string]server.HealthChecker{
		"storage":  adapter,
		"registry": reg,
		"failover": controller,
	}
	srv := server.New(cfg.Server, reg, engine, controller, heartbeats, limiter, m, logger, checkers)

	logger.Info("guardant monitoring service starting",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrentChecks", cfg.Monitoring.ConcurrentChecks))
	return srv.Run(ctx)
}
