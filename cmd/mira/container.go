package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"mira/internal/assistant"
	"mira/internal/config"
	errs "mira/internal/errors"
	"mira/internal/observability"
	"mira/internal/queue"
	"mira/internal/redaction"
	"mira/internal/session"
	"mira/internal/storage/sqlitestore"
	"mira/internal/token"
)

// container wires configuration into the running components and owns their
// teardown order.
type container struct {
	Config  config.Config
	Service *assistant.Service
	Gate    *session.Gate
	Store   *sqlitestore.Store
	Queue   *queue.Queue
	Metrics *observability.Metrics
}

func buildContainer(ctx context.Context, configPath string) (*container, error) {
	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlitestore.Open(ctx, cfg.SessionDBPath(), fileKeyProvider{path: cfg.KeyPath()})
	if err != nil {
		return nil, err
	}

	offlineQueue, err := queue.Open(ctx, cfg.QueueDBPath(), queue.Config{
		MaxSize:    cfg.Queue.MaxSize,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	monitor := session.NewMonitor(session.MonitorConfig{
		SessionLimitBytes: cfg.Monitor.SessionLimitBytes,
		WarnFraction:      cfg.Monitor.WarnFraction,
		CritFraction:      cfg.Monitor.CritFraction,
	})
	gate := session.NewGate(session.NewStore(), store, monitor)

	metrics := observability.MustNewMetrics(prometheus.DefaultRegisterer)
	monitor.Subscribe(metrics.AlertObserver())

	breaker := errs.NewCircuitBreaker("provider", errs.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})

	provider := newHTTPProvider(cfg.Provider)

	estimator := token.NewEstimator(token.DefaultProfile(), cfg.Token.CacheSize)
	budgeter := token.NewBudgeter(estimator, token.DefaultProfile().PerMessageOverhead)

	sanitizer := redaction.New()
	if cfg.Redaction.Strict {
		sanitizer = redaction.NewStrict()
	}

	service := assistant.New(assistant.Deps{
		Gate:      gate,
		Sanitizer: sanitizer,
		Budgeter:  budgeter,
		Breaker:   breaker,
		Queue:     offlineQueue,
		Provider:  provider,
		Probe:     provider,
		Metrics:   metrics,
	}, assistant.Config{
		SystemPrompt:       "You are a helpful assistant.",
		SystemPromptTokens: cfg.Token.SystemPromptTokens,
		TokenBudget:        cfg.Token.Budget,
	})

	return &container{
		Config:  cfg,
		Service: service,
		Gate:    gate,
		Store:   store,
		Queue:   offlineQueue,
		Metrics: metrics,
	}, nil
}

func (c *container) Close() error {
	qErr := c.Queue.Close()
	if err := c.Store.Close(); err != nil {
		return err
	}
	return qErr
}
