// Package main provides the bridge entry point: the polling scheduler plus
// the small operator commands that act on engine state.
//
// Usage:
//
//	bridge run                  start the scheduler (default)
//	bridge test <conn_id>       run one dry-run cycle for a connection
//	bridge reset-circuit <id>   force a connection's breaker closed
//	bridge retry <item_id>      requeue a retry item for immediate delivery
//	bridge discard <item_id>    drop a retry item
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/fieldcrypt"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/odoo"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/webhook"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/app"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/config"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	crypt, err := fieldcrypt.New(cfg.EncryptionKey)
	if err != nil {
		slog.Error("encryption key invalid", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("database open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	deps := dependencies{
		cfg:     cfg,
		conns:   sqlite.NewConnectionRepo(db, crypt),
		sent:    sqlite.NewSentOrderRepo(db),
		retries: sqlite.NewRetryRepo(db),
		logs:    sqlite.NewSyncLogRepo(db),
		ping: func(ctx context.Context) error {
			return sqlite.Ping(ctx, db)
		},
	}

	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		runScheduler(deps)
	case "test":
		runTestCycle(deps, requireID(2))
	case "reset-circuit":
		ctx := context.Background()
		if err := deps.conns.ResetBreaker(ctx, requireID(2)); err != nil {
			slog.Error("reset-circuit failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("circuit breaker reset")
	case "retry":
		ctx := context.Background()
		if err := deps.retries.MarkPending(ctx, requireID(2), time.Now().UTC()); err != nil {
			slog.Error("retry failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("retry item requeued")
	case "discard":
		ctx := context.Background()
		if err := deps.retries.MarkDiscarded(ctx, requireID(2)); err != nil {
			slog.Error("discard failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("retry item discarded")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: bridge [run|test <id>|reset-circuit <id>|retry <id>|discard <id>]\n", cmd)
		os.Exit(2)
	}
}

type dependencies struct {
	cfg     config.Config
	conns   *sqlite.ConnectionRepo
	sent    *sqlite.SentOrderRepo
	retries *sqlite.RetryRepo
	logs    *sqlite.SyncLogRepo
	ping    func(ctx context.Context) error
}

func (d dependencies) newWorker(dryRun bool) *usecase.PollWorker {
	return &usecase.PollWorker{
		Connections: d.conns,
		Sent:        d.sent,
		Retries:     d.retries,
		Logs:        d.logs,
		Breaker:     domain.NewCircuitBreaker(d.cfg.BreakerConfig()),
		Mapper:      usecase.NewMapper(d.sent),
		MaxAttempts: d.cfg.RetryMaxAttempts,
		DryRun:      dryRun,
	}
}

func (d dependencies) factories() app.Factories {
	return app.Factories{
		NewHTTPClient: func() *http.Client {
			return webhook.NewHTTPClient(d.cfg.HTTPTimeout())
		},
		NewOdoo: func(hc *http.Client, conn domain.Connection) domain.OdooAPI {
			return odoo.NewClient(hc, conn.BaseURL, conn.Database, conn.Login, conn.APIKey)
		},
		NewSender: func(hc *http.Client) domain.WebhookSender {
			return webhook.NewSender(hc)
		},
	}
}

func runScheduler(deps dependencies) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracer, err := observability.SetupTracing(deps.cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	observability.InitMetrics()
	go app.ServeOps(ctx, deps.cfg.MetricsAddr, app.NewOpsRouter(deps.ping))

	slog.Info("starting polling bridge", slog.String("env", deps.cfg.AppEnv))
	sched := app.NewScheduler(deps.cfg, deps.conns, deps.retries, deps.newWorker(false), deps.factories())
	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("bridge stopped")
}

// runTestCycle executes one side-effect-free cycle: the dedup ledger, retry
// queue and sync cursor are left untouched; only a sync log row is written.
func runTestCycle(deps dependencies, id int64) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	conn, err := deps.conns.Get(ctx, id)
	if err != nil {
		slog.Error("connection lookup failed", slog.Int64("connection_id", id), slog.Any("error", err))
		os.Exit(1)
	}

	observability.InitMetrics()
	f := deps.factories()
	hc := f.NewHTTPClient()
	defer hc.CloseIdleConnections()

	worker := deps.newWorker(true)
	stats, cycleErr := worker.RunCycle(ctx, f.NewOdoo(hc, conn), f.NewSender(hc), &conn)
	if cycleErr != nil {
		slog.Error("test cycle failed",
			slog.String("connection", conn.Name),
			slog.Any("error", cycleErr))
	}
	slog.Info("test cycle finished",
		slog.String("connection", conn.Name),
		slog.Int("orders_found", stats.Found),
		slog.Int("orders_sent", stats.Sent),
		slog.Int("orders_failed", stats.Failed),
		slog.Int("orders_retried", stats.Retried))

	if logs, err := deps.logs.Recent(ctx, id, 5); err == nil {
		for _, l := range logs {
			slog.Info("recent cycle",
				slog.Time("started_at", l.StartedAt),
				slog.Int("found", l.OrdersFound),
				slog.Int("sent", l.OrdersSent),
				slog.Int("failed", l.OrdersFailed),
				slog.String("message", l.ErrorMessage))
		}
	}
	if cycleErr != nil {
		os.Exit(1)
	}
}

func requireID(argIndex int) int64 {
	if len(os.Args) <= argIndex {
		fmt.Fprintln(os.Stderr, "missing id argument")
		os.Exit(2)
	}
	id, err := strconv.ParseInt(os.Args[argIndex], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid id %q\n", os.Args[argIndex])
		os.Exit(2)
	}
	return id
}
