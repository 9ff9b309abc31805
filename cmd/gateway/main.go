// Copyright 2025 Agentgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the Agentgate action-validation
// gateway.
//
// The gateway sits between autonomous agents and the systems they act on:
// - Validates intended actions against per-project policies
// - Enforces rate and aggregate limits over sliding windows
// - Records every decision in an asynchronous audit trail
// - Notifies project webhooks about blocked actions
//
// Usage:
//
//	./gateway [-config path/to/config.yaml]
//
// Environment Variables:
//
//	LISTEN_ADDR - HTTP listen address (default: :8080)
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_URL - Redis connection string (required for counter_backend=redis)
//	ADMIN_TOKEN_SECRET - HS256 secret for the administrative API
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgate/platform/audit"
	"agentgate/platform/config"
	"agentgate/platform/gateway"
	"agentgate/platform/quota"
	"agentgate/platform/server"
	"agentgate/platform/shared/logger"
	"agentgate/platform/store"
	"agentgate/platform/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := logger.New("gateway")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("", "", "failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		log.Error("", "", "DATABASE_URL is required", nil)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("", "", "failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureSchema(ctx, db); err != nil {
		log.Error("", "", "failed to ensure schema", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	var counters quota.CounterStore
	switch cfg.CounterBackend {
	case config.CounterBackendRedis:
		counters, err = quota.NewRedisStore(cfg.RedisURL, "agentgate")
		if err != nil {
			log.Error("", "", "failed to connect to redis", map[string]interface{}{
				"error": err.Error(),
			})
			os.Exit(1)
		}
	default:
		counters = quota.NewMemoryStore()
	}

	auditStore := store.NewAuditStore(db)
	auditQueue, err := audit.NewQueue(auditStore, cfg.AuditBufferSize, cfg.AuditWorkers, cfg.AuditFallbackPath, log)
	if err != nil {
		log.Error("", "", "failed to start audit queue", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	if cfg.AuditFallbackPath != "" {
		if recovered, err := auditQueue.Recover(ctx); err != nil {
			log.Warn("", "", "audit fallback recovery failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if recovered > 0 {
			log.Info("", "", "recovered spilled audit entries", map[string]interface{}{
				"count": recovered,
			})
		}
	}

	gw := gateway.New(
		store.NewPolicyStore(db),
		quota.NewEngine(counters),
		auditQueue,
		nil,
		gateway.Config{
			PolicyCacheTTL:   cfg.PolicyCacheTTL,
			FailClosed:       cfg.FailClosed,
			FailClosedReason: cfg.FailClosedReason,
		},
		log,
	)

	srv := server.New(
		cfg,
		gw,
		auditStore,
		store.NewProjectStore(db),
		webhook.NewNotifier(cfg.WebhookTimeout, log),
		log,
	)

	if err := srv.Run(ctx, cfg.ListenAddr); err != nil {
		log.Error("", "", "server exited with error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Give in-flight audit writes a bounded window to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := auditQueue.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "", "audit queue did not drain before deadline", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("", "", "gateway stopped", nil)
}
