// Package poller runs full snapshot fetches while push updates cannot be trusted.
package poller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

var ErrClosed = errors.New("poller closed")

const DefaultInterval = 2 * time.Second

var fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dashboard_poll_fetches_total",
	Help: "Snapshot fetches issued by the polling fallback, by trigger and result.",
}, []string{"trigger", "result"})

type SnapshotSource interface {
	GetSnapshot(ctx context.Context) (models.Snapshot, error)
}

type SnapshotSink interface {
	ReplaceSnapshot(models.Snapshot)
}

type Config struct {
	Interval time.Duration
	// OnSnapshot runs after each applied snapshot.
	OnSnapshot func(models.Snapshot)
	Logger     *log.Logger
}

type Stats struct {
	Active    bool      `json:"active"`
	Fetches   int       `json:"fetches"`
	Failures  int       `json:"failures"`
	LastFetch time.Time `json:"lastFetch"`
	LastError string    `json:"lastError,omitempty"`
}

// Poller fetches on Interval while active, once at Start, and on every Refresh. Concurrent
// fetches are collapsed into one.
type Poller struct {
	cfg    Config
	source SnapshotSource
	sink   SnapshotSink
	logger *log.Logger
	group  singleflight.Group
	kick   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	active    bool
	closed    bool
	started   bool
	fetches   int
	failures  int
	lastFetch time.Time
	lastErr   string
}

func New(cfg Config, source SnapshotSource, sink SnapshotSink) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	p := &Poller{
		cfg:    cfg,
		source: source,
		sink:   sink,
		logger: cfg.Logger,
		kick:   make(chan struct{}, 1),
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start performs the initial fetch and launches the interval loop. The initial fetch runs
// whether or not the poller is active; its error is returned but the loop still starts.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.cancel()
		case <-p.ctx.Done():
		}
	}()

	err := p.fetch(ctx, "initial")
	p.wg.Add(1)
	go p.loop()
	return err
}

// SetActive turns interval fetching on or off. Turning it on schedules the next fetch one
// interval later; turning it off cancels the pending tick.
func (p *Poller) SetActive(active bool) {
	p.mu.Lock()
	changed := p.active != active
	p.active = active
	p.mu.Unlock()
	if !changed {
		return
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Refresh fetches now. A fetch already in flight is joined rather than repeated, and the interval
// timer is left alone.
func (p *Poller) Refresh(ctx context.Context) error {
	return p.fetch(ctx, "manual")
}

// Close stops the loop and waits for it. A fetch that resolves after Close is discarded.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    p.active,
		Fetches:   p.fetches,
		Failures:  p.failures,
		LastFetch: p.lastFetch,
		LastError: p.lastErr,
	}
}

func (p *Poller) loop() {
	defer p.wg.Done()
	var (
		timer *time.Timer
		tick  <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
			timer, tick = nil, nil
		}
	}
	defer stop()

	for {
		if p.Active() && timer == nil {
			timer = time.NewTimer(p.cfg.Interval)
			tick = timer.C
		} else if !p.Active() {
			stop()
		}
		select {
		case <-p.ctx.Done():
			return
		case <-p.kick:
		case <-tick:
			timer, tick = nil, nil
			if p.Active() {
				_ = p.fetch(p.ctx, "interval")
			}
		}
	}
}

func (p *Poller) fetch(ctx context.Context, trigger string) error {
	ch := p.group.DoChan("snapshot", func() (interface{}, error) {
		return nil, p.fetchOnce(trigger)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (p *Poller) fetchOnce(trigger string) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	snap, err := p.source.GetSnapshot(p.ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.fetches++
	p.lastFetch = time.Now().UTC()
	if err != nil {
		p.failures++
		p.lastErr = err.Error()
		p.mu.Unlock()
		fetchesTotal.WithLabelValues(trigger, "error").Inc()
		p.logger.Printf("[poller] %s fetch failed: %v", trigger, err)
		return err
	}
	p.lastErr = ""
	p.sink.ReplaceSnapshot(snap)
	p.mu.Unlock()

	fetchesTotal.WithLabelValues(trigger, "ok").Inc()
	if p.cfg.OnSnapshot != nil {
		p.cfg.OnSnapshot(snap)
	}
	return nil
}
