// Package orchestrator composes the push session, polling fallback and state store into one
// dashboard view and issues user mutations against the backend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/archive"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/notify"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/poller"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/realtime"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/state"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/store"
)

var ErrClosed = errors.New("orchestrator closed")

// Backend is the REST surface used by the orchestrator. *backend.Client implements it.
type Backend interface {
	GetSnapshot(ctx context.Context) (models.Snapshot, error)
	PerformAction(ctx context.Context, environmentID string, action models.EnvironmentAction) (models.ActionResult, error)
	BulkAction(ctx context.Context, environmentIDs []string, action models.EnvironmentAction) ([]models.ActionResult, error)
	CreateEnvironment(ctx context.Context, cfg models.EnvironmentConfig) (models.Environment, error)
	UpdatePriority(ctx context.Context, requestID string, priority int) (models.AllocationRequest, error)
	BulkCancel(ctx context.Context, requestIDs []string) ([]string, error)
}

// Transport is the push session. *realtime.Session implements it.
type Transport interface {
	Start(ctx context.Context) error
	Close() error
	Subscribe(kind realtime.EventKind, fn func(realtime.Event)) *realtime.Subscription
	OnHealthChange(fn func(from, to realtime.Health)) *realtime.Subscription
	Health() realtime.Health
	Stats() []realtime.ChannelStats
	ReconnectAll()
}

type Options struct {
	PollInterval      time.Duration
	AutoRefresh       bool
	Retry             failures.RetryPolicy
	UtilizationWindow time.Duration
	HistoryLimit      int
	ArchiveInterval   time.Duration
	// NotificationCapacity bounds the transient notification list. Defaults to 20.
	NotificationCapacity int
	Logger               *log.Logger
	Now                  func() time.Time
}

// Deps are the collaborators. Backend and Transport are required; Events defaults to an in-memory
// store; Publisher and Archiver are optional.
type Deps struct {
	Backend   Backend
	Transport Transport
	Errors    *failures.Handler
	Events    store.EventStore
	Publisher *notify.Publisher
	Archiver  archive.Archiver
}

const (
	persistQueueSize = 64
	persistedIDLimit = 10000
)

type Orchestrator struct {
	opts      Options
	backend   Backend
	transport Transport
	errors    *failures.Handler
	events    store.EventStore
	publisher *notify.Publisher
	archiver  archive.Archiver
	logger    *log.Logger
	now       func() time.Time

	state  *state.Store
	poller *poller.Poller
	feed   *notify.Feed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	filters     Filters
	autoRefresh bool
	started     bool
	subs        []*realtime.Subscription

	closed    atomic.Bool
	closeOnce sync.Once

	persistMu     sync.Mutex
	persistClosed bool
	persistCh     chan []models.AllocationEvent
	persisted     map[string]struct{}
}

func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("backend required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Errors == nil {
		deps.Errors = failures.NewHandler(failures.Options{Policy: failures.DefaultPolicy(), Logger: opts.Logger})
	}
	if deps.Events == nil {
		deps.Events = store.NewMemoryStore()
	}

	o := &Orchestrator{
		opts:        opts,
		backend:     deps.Backend,
		transport:   deps.Transport,
		errors:      deps.Errors,
		events:      deps.Events,
		publisher:   deps.Publisher,
		archiver:    deps.Archiver,
		logger:      opts.Logger,
		now:         opts.Now,
		state:       state.New(state.Options{UtilizationWindow: opts.UtilizationWindow, HistoryLimit: opts.HistoryLimit, Now: opts.Now}),
		feed:        notify.NewFeed(opts.NotificationCapacity),
		autoRefresh: opts.AutoRefresh,
		persistCh:   make(chan []models.AllocationEvent, persistQueueSize),
		persisted:   map[string]struct{}{},
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.poller = poller.New(poller.Config{
		Interval:   opts.PollInterval,
		OnSnapshot: func(snap models.Snapshot) { o.persist(snap.History) },
		Logger:     opts.Logger,
	}, sourceFunc(o.fetchSnapshot), o.state)
	o.errors.OnRecord(o.onHandledError)
	return o, nil
}

type sourceFunc func(ctx context.Context) (models.Snapshot, error)

func (f sourceFunc) GetSnapshot(ctx context.Context) (models.Snapshot, error) { return f(ctx) }

func (o *Orchestrator) fetchSnapshot(ctx context.Context) (models.Snapshot, error) {
	ec := failures.ErrorContext{Component: "poller", Operation: "snapshot.fetch"}
	return failures.RetryWith(ctx, o.errors, ec, o.opts.Retry, o.backend.GetSnapshot)
}

// Start fetches the first snapshot, opens the push session and starts the background loops. A
// failed first fetch or a session without channels is logged, not fatal: polling keeps running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.subs = append(o.subs,
		o.transport.Subscribe(realtime.KindEnvironmentUpdate, o.onEnvironmentUpdate),
		o.transport.Subscribe(realtime.KindAllocationUpdate, o.onAllocationUpdate),
		o.transport.Subscribe(realtime.KindAllocationEvent, o.onAllocationEvent),
		o.transport.OnHealthChange(o.onHealthChange),
	)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.persistLoop()

	if err := o.poller.Start(o.ctx); err != nil {
		o.logger.Printf("[orchestrator] initial snapshot failed: %v", err)
	}
	if err := o.transport.Start(o.ctx); err != nil {
		o.logger.Printf("[orchestrator] live updates unavailable, polling only: %v", err)
	}
	o.mu.Lock()
	o.applyPollingLocked(o.transport.Health())
	o.mu.Unlock()

	if o.archiver != nil {
		runner := archive.NewRunner(o.archiver, o.state, o.opts.ArchiveInterval, o.logger)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			runner.Run(o.ctx)
		}()
	}
	o.logger.Printf("[orchestrator] started (health=%s, autoRefresh=%t)", o.transport.Health(), o.AutoRefresh())
	return nil
}

// Close stops every loop and timer and waits for them. Nothing resolving after Close mutates the
// view.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		o.mu.Lock()
		subs := o.subs
		o.subs = nil
		o.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if cerr := o.transport.Close(); cerr != nil {
			err = cerr
		}
		o.poller.Close()

		o.persistMu.Lock()
		o.persistClosed = true
		close(o.persistCh)
		o.persistMu.Unlock()

		o.cancel()
		o.wg.Wait()
		if o.publisher != nil {
			if cerr := o.publisher.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (o *Orchestrator) onEnvironmentUpdate(ev realtime.Event) {
	if o.closed.Load() || ev.Environment == nil {
		return
	}
	if _, err := o.state.UpsertEnvironment(*ev.Environment); err != nil {
		o.logger.Printf("[orchestrator] dropping %s update from %s: %v", ev.Kind, ev.Channel, err)
	}
}

func (o *Orchestrator) onAllocationUpdate(ev realtime.Event) {
	if o.closed.Load() || ev.Allocation == nil {
		return
	}
	if _, err := o.state.UpsertAllocation(*ev.Allocation); err != nil {
		o.logger.Printf("[orchestrator] dropping %s update from %s: %v", ev.Kind, ev.Channel, err)
	}
}

func (o *Orchestrator) onAllocationEvent(ev realtime.Event) {
	if o.closed.Load() || ev.AllocationEvent == nil {
		return
	}
	fact := *ev.AllocationEvent
	if !o.state.AppendEvent(fact) {
		return
	}
	o.persist([]models.AllocationEvent{fact})
	if n, ok := notify.FromAllocationEvent(fact); ok {
		o.notify(n)
	}
}

// onHealthChange runs inside the session's evaluation and must not call back into it beyond
// reading state.
func (o *Orchestrator) onHealthChange(from, to realtime.Health) {
	if o.closed.Load() {
		return
	}
	o.mu.Lock()
	o.applyPollingLocked(to)
	o.mu.Unlock()
	o.logger.Printf("[orchestrator] live updates %s -> %s", from, to)
	o.notify(notify.FromHealthChange(string(from), string(to), o.now()))
}

func (o *Orchestrator) onHandledError(h failures.HandledError) {
	if n, ok := notify.FromHandledError(h); ok {
		o.notify(n)
	}
}

func (o *Orchestrator) applyPollingLocked(health realtime.Health) {
	o.poller.SetActive(o.autoRefresh && health != realtime.HealthHealthy)
}

func (o *Orchestrator) notify(n notify.Notification) {
	o.feed.Push(n)
	if o.publisher != nil {
		o.publisher.Publish(n)
	}
}

// persist queues events that have not been handed to the event store yet. Re-delivery is
// harmless because the store ignores known ids.
func (o *Orchestrator) persist(events []models.AllocationEvent) {
	if len(events) == 0 {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	if o.persistClosed {
		return
	}
	batch := make([]models.AllocationEvent, 0, len(events))
	for _, ev := range events {
		ev.ID = store.EventID(ev)
		if _, ok := o.persisted[ev.ID]; ok {
			continue
		}
		batch = append(batch, ev)
	}
	if len(batch) == 0 {
		return
	}
	select {
	case o.persistCh <- batch:
		if len(o.persisted)+len(batch) > persistedIDLimit {
			o.persisted = map[string]struct{}{}
		}
		for _, ev := range batch {
			o.persisted[ev.ID] = struct{}{}
		}
	default:
		o.logger.Printf("[orchestrator] history queue full, dropping %d events", len(batch))
	}
}

func (o *Orchestrator) persistLoop() {
	defer o.wg.Done()
	for batch := range o.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := o.events.AppendEvents(ctx, batch)
		cancel()
		if err != nil {
			o.errors.Handle(err, failures.ErrorContext{Component: "orchestrator", Operation: "history.persist"})
		}
	}
}

// Refresh fetches a snapshot now. When the push session has given up it is also redialed.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if o.transport.Health() == realtime.HealthDisconnected {
		o.transport.ReconnectAll()
	}
	return o.poller.Refresh(ctx)
}

func (o *Orchestrator) ReconnectAll() {
	if o.closed.Load() {
		return
	}
	o.transport.ReconnectAll()
}

func (o *Orchestrator) SetAutoRefresh(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.autoRefresh = enabled
	o.applyPollingLocked(o.transport.Health())
}

func (o *Orchestrator) AutoRefresh() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.autoRefresh
}

func (o *Orchestrator) SetFilters(f Filters) {
	o.mu.Lock()
	o.filters = f
	o.mu.Unlock()
}

func (o *Orchestrator) Filters() Filters {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filters
}

func (o *Orchestrator) Select(id string) error {
	if err := o.state.Select(id); err != nil {
		return &failures.ValidationError{Field: "id", Message: fmt.Sprintf("%q is not listed", id)}
	}
	return nil
}

func (o *Orchestrator) SetMultiSelection(ids []string) []string {
	return o.state.SetMultiSelection(ids)
}

func (o *Orchestrator) Environment(id string) (models.Environment, bool) {
	return o.state.Environment(id)
}

func (o *Orchestrator) State() *state.Store { return o.state }

func (o *Orchestrator) Errors() *failures.History { return o.errors.History() }

// Classify describes err the way the handler would, without recording it again.
func (o *Orchestrator) Classify(err error) failures.HandledError {
	return o.errors.Classify(err, failures.ErrorContext{Component: "orchestrator"})
}

func (o *Orchestrator) Notifications() []notify.Notification { return o.feed.List() }

func (o *Orchestrator) DismissNotification(id string) bool { return o.feed.Dismiss(id) }

// ConnectionStatus is the consolidated push health with per-channel detail.
type ConnectionStatus struct {
	Health   realtime.Health         `json:"health"`
	Channels []realtime.ChannelStats `json:"channels"`
	Polling  poller.Stats            `json:"polling"`
}

func (o *Orchestrator) Connection() ConnectionStatus {
	return ConnectionStatus{
		Health:   o.transport.Health(),
		Channels: o.transport.Stats(),
		Polling:  o.poller.Stats(),
	}
}

// View is the filtered dashboard state served to the presentational layer.
type View struct {
	Environments  []models.Environment       `json:"environments"`
	Total         int                        `json:"total"`
	Queue         []models.AllocationRequest `json:"queue"`
	Utilization   []models.UtilizationSample `json:"resourceUtilization"`
	History       []models.AllocationEvent   `json:"history"`
	Selected      string                     `json:"selectedEnvironmentId,omitempty"`
	MultiSelected []string                   `json:"selectedEnvironmentIds"`
	Filters       Filters                    `json:"filters"`
	Health        realtime.Health            `json:"health"`
	AutoRefresh   bool                       `json:"autoRefresh"`
	Version       uint64                     `json:"version"`
}

func (o *Orchestrator) View() View {
	o.mu.RLock()
	filters, auto := o.filters, o.autoRefresh
	o.mu.RUnlock()

	all := o.state.Environments()
	selected, _ := o.state.Selected()
	return View{
		Environments:  filters.Apply(all),
		Total:         len(all),
		Queue:         o.state.Queue(),
		Utilization:   o.state.Utilization(""),
		History:       o.state.History(),
		Selected:      selected,
		MultiSelected: o.state.MultiSelected(),
		Filters:       filters,
		Health:        o.transport.Health(),
		AutoRefresh:   auto,
		Version:       o.state.Version(),
	}
}

// History pages through persisted allocation events, newest first.
func (o *Orchestrator) History(ctx context.Context, opts store.ListOptions) ([]models.AllocationEvent, error) {
	return o.events.ListEvents(ctx, opts)
}
