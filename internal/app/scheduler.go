// Package app wires the polling engine together: the scheduler that fans out
// one worker task per enabled connection, and the ops HTTP endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/config"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/usecase"
)

// storeRetryInterval is how long the scheduler backs off when the store is
// wholly unavailable.
const storeRetryInterval = 10 * time.Second

// CycleRunner runs one poll cycle; implemented by usecase.PollWorker.
type CycleRunner interface {
	RunCycle(ctx context.Context, api domain.OdooAPI, sender domain.WebhookSender, conn *domain.Connection) (usecase.CycleStats, error)
}

// Factories let the scheduler build per-connection clients without knowing
// the adapters. Each task calls NewHTTPClient once and owns the result: the
// bulkhead that keeps one stuck connection from starving the others.
type Factories struct {
	NewHTTPClient func() *http.Client
	NewOdoo       func(hc *http.Client, conn domain.Connection) domain.OdooAPI
	NewSender     func(hc *http.Client) domain.WebhookSender
}

// Scheduler supervises one long-lived worker task per enabled connection,
// re-reading the connection list on a coarse interval to pick up adds,
// removals and interval changes.
type Scheduler struct {
	cfg       config.Config
	conns     domain.ConnectionRepository
	retries   domain.RetryRepository
	worker    CycleRunner
	factories Factories

	mu    sync.Mutex
	tasks map[int64]context.CancelFunc
	wg    sync.WaitGroup
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg config.Config, conns domain.ConnectionRepository, retries domain.RetryRepository, worker CycleRunner, f Factories) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		conns:     conns,
		retries:   retries,
		worker:    worker,
		factories: f,
		tasks:     map[int64]context.CancelFunc{},
	}
}

// Run blocks until ctx is cancelled, then waits for all worker tasks up to
// the shutdown grace before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting",
		slog.Duration("reconfig_interval", s.cfg.ReconfigInterval()),
		slog.Duration("min_interval", s.cfg.MinInterval()))

	s.reconcile(ctx)
	ticker := time.NewTicker(s.cfg.ReconfigInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile diffs the enabled connection set against running tasks: new
// connections get tasks, vanished or disabled ones get cancelled. Interval
// and credential changes take effect inside the task on its next cycle.
func (s *Scheduler) reconcile(ctx context.Context) {
	conns, err := s.listEnabled(ctx)
	if err != nil {
		return // ctx cancelled while backing off
	}

	desired := make(map[int64]domain.Connection, len(conns))
	for _, c := range conns {
		desired[c.ID] = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.tasks {
		if _, ok := desired[id]; !ok {
			slog.Info("stopping worker task: connection removed or disabled", slog.Int64("connection_id", id))
			cancel()
			delete(s.tasks, id)
		}
	}
	for id, c := range desired {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		s.tasks[id] = cancel
		s.wg.Add(1)
		go s.runTask(taskCtx, id, c.Name)
		slog.Info("started worker task",
			slog.Int64("connection_id", id),
			slog.String("connection", c.Name))
	}
}

// listEnabled reads the connection list, backing off while the store is
// unavailable.
func (s *Scheduler) listEnabled(ctx context.Context) ([]domain.Connection, error) {
	var conns []domain.Connection
	op := func() error {
		var err error
		conns, err = s.conns.ListEnabled(ctx)
		if err != nil {
			slog.Error("connection list unavailable, backing off",
				slog.Duration("retry_in", storeRetryInterval),
				slog.Any("error", err))
		}
		return err
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(storeRetryInterval), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=scheduler.list_enabled: %w", err)
	}
	return conns, nil
}

// runTask is the per-connection loop: fresh snapshot, one cycle, sleep.
// It never exits on an unexpected error; it exits only when cancelled or
// when its connection disappears or is disabled.
func (s *Scheduler) runTask(ctx context.Context, id int64, name string) {
	defer s.wg.Done()
	defer s.forget(id)

	hc := s.factories.NewHTTPClient()
	defer hc.CloseIdleConnections()
	sender := s.factories.NewSender(hc)

	var api domain.OdooAPI
	var credSig string

	log := slog.With(slog.Int64("connection_id", id), slog.String("connection", name))
	for {
		conn, err := s.conns.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.Info("worker task exiting: connection deleted")
			return
		case err != nil:
			log.Error("connection snapshot unavailable", slog.Any("error", err))
			if !sleepCtx(ctx, storeRetryInterval) {
				return
			}
			continue
		case !conn.Enabled:
			log.Info("worker task exiting: connection disabled")
			return
		}

		// Rebuild the Odoo client when target coordinates or credentials
		// change, keeping the authenticated session otherwise.
		if sig := conn.BaseURL + "\x00" + conn.Database + "\x00" + conn.Login + "\x00" + conn.APIKey; api == nil || sig != credSig {
			api = s.factories.NewOdoo(hc, conn)
			credSig = sig
		}

		timer := prometheus.NewTimer(observability.CycleDuration.WithLabelValues(conn.Name))
		stats, cycleErr := s.worker.RunCycle(ctx, api, sender, &conn)
		timer.ObserveDuration()
		s.observe(ctx, conn, stats, cycleErr)

		if !sleepCtx(ctx, conn.PollInterval(s.cfg.MinInterval())) {
			log.Info("worker task stopped")
			return
		}
	}
}

func (s *Scheduler) observe(ctx context.Context, conn domain.Connection, stats usecase.CycleStats, cycleErr error) {
	outcome := "success"
	if cycleErr != nil {
		outcome = "failure"
	}
	observability.CyclesTotal.WithLabelValues(conn.Name, outcome).Inc()
	observability.OrdersDeliveredTotal.WithLabelValues(conn.Name).Add(float64(stats.Sent))
	observability.OrdersFailedTotal.WithLabelValues(conn.Name).Add(float64(stats.Failed))
	observability.CircuitBreakerState.WithLabelValues(conn.Name).
		Set(observability.BreakerStateValue(string(conn.Breaker.State)))
	if depth, err := s.retries.CountPending(ctx, conn.ID); err == nil {
		observability.RetryQueueDepth.WithLabelValues(conn.Name).Set(float64(depth))
	}
}

func (s *Scheduler) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.tasks[id]; ok {
		cancel()
		delete(s.tasks, id)
	}
}

// drain cancels every task and waits up to the shutdown grace.
func (s *Scheduler) drain() error {
	slog.Info("scheduler shutting down", slog.Duration("grace", s.cfg.ShutdownGrace()))
	s.mu.Lock()
	for _, cancel := range s.tasks {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all worker tasks stopped")
		return nil
	case <-time.After(s.cfg.ShutdownGrace()):
		slog.Warn("shutdown grace exceeded, forcing exit")
		return fmt.Errorf("op=scheduler.drain: shutdown grace of %s exceeded", s.cfg.ShutdownGrace())
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
