package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/config"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/usecase"
)

type memConns struct {
	mu      sync.Mutex
	conns   map[int64]domain.Connection
	listErr error
}

func newMemConns(conns ...domain.Connection) *memConns {
	m := &memConns{conns: map[int64]domain.Connection{}}
	for _, c := range conns {
		m.conns[c.ID] = c
	}
	return m
}

func (m *memConns) set(c domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
}

func (m *memConns) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

func (m *memConns) ListEnabled(context.Context) ([]domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Connection
	for _, c := range m.conns {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memConns) Get(_ context.Context, id int64) (domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return domain.Connection{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memConns) UpdateSyncState(_ context.Context, id int64, _, _ *time.Time, br domain.BreakerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[id]
	c.Breaker = br
	m.conns[id] = c
	return nil
}

func (m *memConns) ResetBreaker(context.Context, int64) error { return nil }

type noRetries struct{}

func (noRetries) Create(context.Context, domain.RetryItem) (int64, error) { return 0, nil }
func (noRetries) ListDue(context.Context, int64, time.Time) ([]domain.RetryItem, error) {
	return nil, nil
}
func (noRetries) Update(context.Context, domain.RetryItem) error         { return nil }
func (noRetries) Delete(context.Context, int64) error                    { return nil }
func (noRetries) MarkPending(context.Context, int64, time.Time) error    { return nil }
func (noRetries) MarkDiscarded(context.Context, int64) error             { return nil }
func (noRetries) CountPending(context.Context, int64) (int64, error)     { return 0, nil }

// countingRunner records cycles per connection; hook lets a test stall or
// fail specific connections.
type countingRunner struct {
	mu     sync.Mutex
	cycles map[int64]int
	hook   func(ctx context.Context, conn *domain.Connection)
}

func newCountingRunner() *countingRunner {
	return &countingRunner{cycles: map[int64]int{}}
}

func (r *countingRunner) RunCycle(ctx context.Context, _ domain.OdooAPI, _ domain.WebhookSender, conn *domain.Connection) (usecase.CycleStats, error) {
	r.mu.Lock()
	r.cycles[conn.ID]++
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(ctx, conn)
	}
	return usecase.CycleStats{}, nil
}

func (r *countingRunner) count(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles[id]
}

type nopAPI struct{}

func (nopAPI) Authenticate(context.Context) error { return nil }
func (nopAPI) SearchRead(context.Context, string, []any, []string, int, string) ([]map[string]any, error) {
	return nil, nil
}
func (nopAPI) Read(context.Context, string, []int64, []string) ([]map[string]any, error) {
	return nil, nil
}

type nopSender struct{}

func (nopSender) Send(context.Context, domain.Connection, domain.OrderPayload) domain.DeliveryResult {
	return domain.DeliveryResult{Status: domain.Delivered, StatusCode: 200}
}
func (nopSender) SendRaw(context.Context, domain.Connection, string, []byte) domain.DeliveryResult {
	return domain.DeliveryResult{Status: domain.Delivered, StatusCode: 200}
}

func testFactories() Factories {
	return Factories{
		NewHTTPClient: func() *http.Client { return &http.Client{} },
		NewOdoo:       func(*http.Client, domain.Connection) domain.OdooAPI { return nopAPI{} },
		NewSender:     func(*http.Client) domain.WebhookSender { return nopSender{} },
	}
}

func testSchedulerConfig() config.Config {
	return config.Config{
		MinIntervalSeconds:      0, // no sleep between cycles, tests count fast
		ShutdownGraceSeconds:    5,
		ReconfigIntervalSeconds: 1,
	}
}

func enabledConn(id int64, name string) domain.Connection {
	return domain.Connection{ID: id, Name: name, Enabled: true}
}

func TestScheduler_RunsOneTaskPerConnection(t *testing.T) {
	conns := newMemConns(enabledConn(1, "a"), enabledConn(2, "b"))
	runner := newCountingRunner()
	s := NewScheduler(testSchedulerConfig(), conns, noRetries{}, runner, testFactories())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runner.count(1) >= 3 && runner.count(2) >= 3
	}, 5*time.Second, 10*time.Millisecond, "both connections must cycle independently")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not drain")
	}
}

func TestScheduler_SlowConnectionDoesNotStarveOthers(t *testing.T) {
	conns := newMemConns(enabledConn(1, "slow"), enabledConn(2, "fast"))
	runner := newCountingRunner()
	runner.hook = func(ctx context.Context, conn *domain.Connection) {
		if conn.ID == 1 {
			// Simulates a stalled Odoo instance holding its cycle open.
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Second):
			}
		}
	}
	s := NewScheduler(testSchedulerConfig(), conns, noRetries{}, runner, testFactories())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runner.count(2) >= 5
	}, 5*time.Second, 10*time.Millisecond, "fast connection must keep cycling while the slow one is stuck")
	require.LessOrEqual(t, runner.count(1), 1)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_TaskExitsWhenConnectionDisabled(t *testing.T) {
	conns := newMemConns(enabledConn(1, "a"))
	runner := newCountingRunner()
	s := NewScheduler(testSchedulerConfig(), conns, noRetries{}, runner, testFactories())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.count(1) >= 1 }, 5*time.Second, 10*time.Millisecond)

	c := enabledConn(1, "a")
	c.Enabled = false
	conns.set(c)

	// The task re-reads its row each cycle and exits on its own.
	require.Eventually(t, func() bool {
		n := runner.count(1)
		time.Sleep(50 * time.Millisecond)
		return runner.count(1) == n
	}, 5*time.Second, 50*time.Millisecond, "cycles must stop after the connection is disabled")

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_TaskExitsWhenConnectionDeleted(t *testing.T) {
	conns := newMemConns(enabledConn(1, "a"))
	runner := newCountingRunner()
	s := NewScheduler(testSchedulerConfig(), conns, noRetries{}, runner, testFactories())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.count(1) >= 1 }, 5*time.Second, 10*time.Millisecond)
	conns.remove(1)

	require.Eventually(t, func() bool {
		n := runner.count(1)
		time.Sleep(50 * time.Millisecond)
		return runner.count(1) == n
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_PicksUpAddedConnection(t *testing.T) {
	conns := newMemConns(enabledConn(1, "a"))
	runner := newCountingRunner()
	s := NewScheduler(testSchedulerConfig(), conns, noRetries{}, runner, testFactories())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.count(1) >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, runner.count(2))

	conns.set(enabledConn(2, "b"))

	// The next reconcile tick starts a task for it.
	require.Eventually(t, func() bool { return runner.count(2) >= 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_DrainTimesOutOnStuckTask(t *testing.T) {
	conns := newMemConns(enabledConn(1, "stuck"))
	runner := newCountingRunner()
	runner.hook = func(context.Context, *domain.Connection) {
		time.Sleep(3 * time.Second) // ignores cancellation entirely
	}
	cfg := testSchedulerConfig()
	cfg.ShutdownGraceSeconds = 1
	s := NewScheduler(cfg, conns, noRetries{}, runner, testFactories())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.count(1) >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err, "exceeding the shutdown grace must surface")
	case <-time.After(4 * time.Second):
		t.Fatal("scheduler hung past the grace period")
	}
}

func TestScheduler_SurvivesTransientListFailure(t *testing.T) {
	conns := newMemConns(enabledConn(1, "a"))
	runner := newCountingRunner()
	s := NewScheduler(testSchedulerConfig(), conns, noRetries{}, runner, testFactories())

	// Store down at startup: Run must keep retrying the list instead of
	// crashing, and still shut down cleanly while backing off.
	conns.mu.Lock()
	conns.listErr = errors.New("database is locked")
	conns.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, runner.count(1))

	cancel()
	require.NoError(t, <-done)
}
