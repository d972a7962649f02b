package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/notify"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/realtime"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/store"
)

var (
	quiet = log.New(io.Discard, "", 0)
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeBackend struct {
	mu          sync.Mutex
	snapshot    models.Snapshot
	snapshotErr error
	actionErr   error
	fetches     int
	actions     []string
	bulkIDs     []string
	created     []models.EnvironmentConfig
	cancelled   []string
}

func (f *fakeBackend) GetSnapshot(ctx context.Context) (models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.snapshotErr != nil {
		return models.Snapshot{}, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) PerformAction(ctx context.Context, id string, action models.EnvironmentAction) (models.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, id+":"+string(action))
	if f.actionErr != nil {
		return models.ActionResult{}, f.actionErr
	}
	return models.ActionResult{EnvironmentID: id, Success: true}, nil
}

func (f *fakeBackend) BulkAction(ctx context.Context, ids []string, action models.EnvironmentAction) ([]models.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkIDs = append([]string(nil), ids...)
	out := make([]models.ActionResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.ActionResult{EnvironmentID: id, Success: id != "e2"})
	}
	return out, nil
}

func (f *fakeBackend) CreateEnvironment(ctx context.Context, cfg models.EnvironmentConfig) (models.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	return models.Environment{ID: "e9", Kind: cfg.Kind, Status: models.StatusAllocating, UpdatedAt: t0}, nil
}

func (f *fakeBackend) UpdatePriority(ctx context.Context, id string, priority int) (models.AllocationRequest, error) {
	return models.AllocationRequest{ID: id, Priority: priority, Status: models.AllocationQueued, SubmittedAt: t0, UpdatedAt: t0.Add(time.Hour)}, nil
}

func (f *fakeBackend) BulkCancel(ctx context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ids...)
	return ids[:1], nil
}

type fakeTransport struct {
	mu         sync.Mutex
	health     realtime.Health
	subs       map[realtime.EventKind][]func(realtime.Event)
	watchers   []func(from, to realtime.Health)
	startErr   error
	closed     bool
	reconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{health: realtime.HealthDegraded, subs: map[realtime.EventKind][]func(realtime.Event){}}
}

func (f *fakeTransport) Start(ctx context.Context) error { return f.startErr }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(kind realtime.EventKind, fn func(realtime.Event)) *realtime.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[kind] = append(f.subs[kind], fn)
	return nil
}

func (f *fakeTransport) OnHealthChange(fn func(from, to realtime.Health)) *realtime.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, fn)
	return nil
}

func (f *fakeTransport) Health() realtime.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeTransport) Stats() []realtime.ChannelStats { return nil }

func (f *fakeTransport) ReconnectAll() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) emit(ev realtime.Event) {
	f.mu.Lock()
	subs := append(([]func(realtime.Event))(nil), f.subs[ev.Kind]...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeTransport) setHealth(to realtime.Health) {
	f.mu.Lock()
	from := f.health
	f.health = to
	watchers := append(([]func(from, to realtime.Health))(nil), f.watchers...)
	f.mu.Unlock()
	for _, fn := range watchers {
		fn(from, to)
	}
}

func baseSnapshot() models.Snapshot {
	return models.Snapshot{
		Environments: []models.Environment{
			{ID: "e1", Kind: models.KindContainerized, Status: models.StatusReady, Health: models.HealthHealthy, UpdatedAt: t0},
			{ID: "e2", Kind: models.KindPhysical, Status: models.StatusRunning, Health: models.HealthDegraded, AssignedTests: []string{"smoke-42"}, UpdatedAt: t0},
		},
		Queue: []models.AllocationRequest{
			{ID: "r1", Priority: 2, Status: models.AllocationQueued, SubmittedAt: t0},
			{ID: "r2", Priority: 1, Status: models.AllocationQueued, SubmittedAt: t0},
		},
		History: []models.AllocationEvent{
			{ID: "h1", Type: models.EventAllocated, TestID: "t1", EnvironmentID: "e1", Timestamp: t0},
		},
	}
}

type harness struct {
	o         *Orchestrator
	backend   *fakeBackend
	transport *fakeTransport
	errors    *failures.Handler
	events    *store.MemoryStore
}

func newHarness(t *testing.T, autoRefresh bool) *harness {
	t.Helper()
	h := &harness{
		backend:   &fakeBackend{snapshot: baseSnapshot()},
		transport: newFakeTransport(),
		errors: failures.NewHandler(failures.Options{
			Policy: failures.DefaultPolicy(),
			Logger: quiet,
			Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
		}),
		events: store.NewMemoryStore(),
	}
	o, err := New(Options{
		PollInterval: 10 * time.Millisecond,
		AutoRefresh:  autoRefresh,
		Retry:        failures.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Logger:       quiet,
	}, Deps{Backend: h.backend, Transport: h.transport, Errors: h.errors, Events: h.events})
	require.NoError(t, err)
	h.o = o
	t.Cleanup(func() { o.Close() })
	return h
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{Transport: newFakeTransport()})
	assert.Error(t, err)
	_, err = New(Options{}, Deps{Backend: &fakeBackend{}})
	assert.Error(t, err)
}

func TestStartLoadsSnapshotAndPersistsHistory(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	view := h.o.View()
	require.Len(t, view.Environments, 2)
	assert.Equal(t, "e1", view.Environments[0].ID)
	require.Len(t, view.Queue, 2)
	assert.Equal(t, "r2", view.Queue[0].ID, "lower priority value is served first")
	assert.Equal(t, realtime.HealthDegraded, view.Health)

	require.Eventually(t, func() bool {
		got, _ := h.o.History(context.Background(), store.ListOptions{})
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartSurvivesFailedFetchAndMissingChannels(t *testing.T) {
	h := newHarness(t, false)
	h.backend.snapshotErr = errors.New("connection refused")
	h.transport.startErr = errors.New("no push channel configured")

	require.NoError(t, h.o.Start(context.Background()))
	assert.Empty(t, h.o.View().Environments)
	assert.Equal(t, 2, h.backend.fetchCount(), "fetch retried once")
	require.Equal(t, 1, h.errors.History().Len(), "only the terminal failure is recorded")
	assert.Equal(t, failures.KindNetwork, h.errors.History().All()[0].Kind)
	require.NotEmpty(t, h.o.Notifications(), "high severity failures notify")
	assert.Equal(t, notify.SourceError, h.o.Notifications()[0].Source)
}

func TestPollingFollowsHealthAndAutoRefresh(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.o.Start(context.Background()))

	require.Eventually(t, func() bool { return h.backend.fetchCount() >= 3 }, 2*time.Second, 5*time.Millisecond,
		"degraded health polls on the interval")

	h.transport.setHealth(realtime.HealthHealthy)
	time.Sleep(30 * time.Millisecond)
	settled := h.backend.fetchCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, h.backend.fetchCount(), "healthy push stops polling")
	assert.False(t, h.o.Connection().Polling.Active)

	h.transport.setHealth(realtime.HealthDisconnected)
	assert.True(t, h.o.Connection().Polling.Active)
	h.o.SetAutoRefresh(false)
	assert.False(t, h.o.Connection().Polling.Active)
	assert.False(t, h.o.AutoRefresh())

	notes := h.o.Notifications()
	require.GreaterOrEqual(t, len(notes), 2)
	assert.Equal(t, notify.SourceConnection, notes[0].Source)
	assert.Equal(t, notify.LevelError, notes[0].Level)
}

func TestPushEventsUpdateView(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	status := models.StatusCleanup
	h.transport.emit(realtime.Event{Kind: realtime.KindEnvironmentUpdate, Environment: &models.EnvironmentPatch{
		ID: "e1", Status: &status, UpdatedAt: t0.Add(time.Minute),
	}})
	h.transport.emit(realtime.Event{Kind: realtime.KindAllocationUpdate, Allocation: &models.AllocationRequest{
		ID: "r2", Status: models.AllocationAllocated, EnvironmentID: "e1", UpdatedAt: t0.Add(time.Minute),
	}})
	fact := models.AllocationEvent{ID: "h2", Type: models.EventFailed, TestID: "t7", EnvironmentID: "e2", Timestamp: t0.Add(time.Minute)}
	h.transport.emit(realtime.Event{Kind: realtime.KindAllocationEvent, AllocationEvent: &fact})
	h.transport.emit(realtime.Event{Kind: realtime.KindAllocationEvent, AllocationEvent: &fact})

	env, ok := h.o.Environment("e1")
	require.True(t, ok)
	assert.Equal(t, models.StatusCleanup, env.Status)

	view := h.o.View()
	require.Len(t, view.Queue, 1)
	assert.Equal(t, "r1", view.Queue[0].ID)
	require.Len(t, view.History, 2)
	assert.Equal(t, "h2", view.History[0].ID)

	notes := h.o.Notifications()
	require.Len(t, notes, 1, "duplicate facts notify once")
	assert.Equal(t, notify.SourceAllocation, notes[0].Source)

	require.Eventually(t, func() bool {
		got, _ := h.o.History(context.Background(), store.ListOptions{EnvironmentID: "e2"})
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFiltersApplyToView(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	h.o.SetFilters(Filters{Health: []models.Health{models.HealthDegraded}})
	view := h.o.View()
	require.Len(t, view.Environments, 1)
	assert.Equal(t, "e2", view.Environments[0].ID)
	assert.Equal(t, 2, view.Total)

	h.o.SetFilters(Filters{Search: "SMOKE"})
	require.Len(t, h.o.View().Environments, 1)

	h.o.SetFilters(Filters{Kind: []models.EnvironmentKind{models.KindVirtualARM}})
	assert.Empty(t, h.o.View().Environments)
	assert.Equal(t, []models.EnvironmentKind{models.KindVirtualARM}, h.o.Filters().Kind)
}

func TestSelectionIsClearedWhenEnvironmentDisappears(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	require.NoError(t, h.o.Select("e1"))
	var verr *failures.ValidationError
	assert.ErrorAs(t, h.o.Select("ghost"), &verr)

	h.backend.mu.Lock()
	h.backend.snapshot.Environments = h.backend.snapshot.Environments[1:]
	h.backend.mu.Unlock()
	require.NoError(t, h.o.Refresh(context.Background()))
	assert.Empty(t, h.o.View().Selected)
}

func TestPerformActionValidatesInput(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	_, err := h.o.PerformAction(context.Background(), "e1", "explode")
	var verr *failures.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = h.o.PerformAction(context.Background(), "ghost", models.ActionStart)
	require.ErrorAs(t, err, &verr)

	recorded := h.errors.History().ByKind(failures.KindUserInput)
	assert.Len(t, recorded, 2)
	assert.Equal(t, failures.KindUserInput, h.o.Classify(err).Kind)
	assert.Empty(t, h.backend.actions)
}

func TestPerformActionReconcilesAndClearsPending(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))
	before := h.backend.fetchCount()

	res, err := h.o.PerformAction(context.Background(), "e1", models.ActionRestart)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"e1:restart"}, h.backend.actions)
	assert.Equal(t, before+1, h.backend.fetchCount(), "a successful action triggers one refresh")
	env, _ := h.o.Environment("e1")
	assert.False(t, env.Pending)
}

func TestPerformActionFailureIsRetriedAndRecordedOnce(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))
	h.backend.actionErr = errors.New("connection reset by peer")

	_, err := h.o.PerformAction(context.Background(), "e1", models.ActionStop)
	assert.EqualError(t, err, "connection reset by peer")
	assert.Len(t, h.backend.actions, 2)
	assert.Equal(t, 1, h.errors.History().Len())
	assert.Equal(t, "e1", h.errors.History().All()[0].Diagnostics.EnvironmentID)
	env, _ := h.o.Environment("e1")
	assert.False(t, env.Pending, "pending flag rolled back")
}

func TestBulkActionDefaultsToMultiSelection(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	_, err := h.o.BulkAction(context.Background(), nil, models.ActionCleanup)
	var verr *failures.ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Equal(t, []string{"e1", "e2"}, h.o.SetMultiSelection([]string{"e1", "ghost", "e2"}))
	results, err := h.o.BulkAction(context.Background(), nil, models.ActionCleanup)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"e1", "e2"}, h.backend.bulkIDs)
}

func TestCreateEnvironmentAppliesResult(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	_, err := h.o.CreateEnvironment(context.Background(), models.EnvironmentConfig{Kind: "mainframe"})
	var verr *failures.ValidationError
	require.ErrorAs(t, err, &verr)

	h.backend.mu.Lock()
	h.backend.snapshot.Environments = append(h.backend.snapshot.Environments, models.Environment{ID: "e9", Kind: models.KindVirtualARM, Status: models.StatusReady, UpdatedAt: t0.Add(time.Minute)})
	h.backend.mu.Unlock()

	env, err := h.o.CreateEnvironment(context.Background(), models.EnvironmentConfig{Kind: models.KindVirtualARM, CPUCores: 4})
	require.NoError(t, err)
	assert.Equal(t, "e9", env.ID)
	got, ok := h.o.Environment("e9")
	require.True(t, ok)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestQueueMutations(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	_, err := h.o.UpdatePriority(context.Background(), "r1", -1)
	var verr *failures.ValidationError
	require.ErrorAs(t, err, &verr)

	req, err := h.o.UpdatePriority(context.Background(), "r1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, req.Priority)
	assert.Equal(t, "r1", h.o.View().Queue[0].ID)

	_, err = h.o.BulkCancel(context.Background(), nil)
	require.ErrorAs(t, err, &verr)

	cancelled, err := h.o.BulkCancel(context.Background(), []string{"r2", "r1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, cancelled)
	queue := h.o.View().Queue
	require.Len(t, queue, 1)
	assert.Equal(t, "r1", queue[0].ID)
}

func TestRefreshRedialsDisconnectedSession(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))

	require.NoError(t, h.o.Refresh(context.Background()))
	assert.Zero(t, h.transport.reconnects)

	h.transport.setHealth(realtime.HealthDisconnected)
	require.NoError(t, h.o.Refresh(context.Background()))
	assert.Equal(t, 1, h.transport.reconnects)
	h.o.ReconnectAll()
	assert.Equal(t, 2, h.transport.reconnects)
}

func TestNothingMutatesAfterClose(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))
	require.NoError(t, h.o.Close())
	assert.True(t, h.transport.closed)

	version := h.o.State().Version()
	status := models.StatusOffline
	h.transport.emit(realtime.Event{Kind: realtime.KindEnvironmentUpdate, Environment: &models.EnvironmentPatch{ID: "e1", Status: &status, UpdatedAt: t0.Add(time.Hour)}})
	assert.Equal(t, version, h.o.State().Version())

	_, err := h.o.PerformAction(context.Background(), "e1", models.ActionStart)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.o.Refresh(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.o.Start(context.Background()), ErrClosed)
	assert.NoError(t, h.o.Close())
}

func TestNotificationsCanBeDismissed(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.o.Start(context.Background()))
	h.transport.setHealth(realtime.HealthHealthy)

	notes := h.o.Notifications()
	require.Len(t, notes, 1)
	assert.True(t, h.o.DismissNotification(notes[0].ID))
	assert.False(t, h.o.DismissNotification(notes[0].ID))
	assert.Empty(t, h.o.Notifications())
}
