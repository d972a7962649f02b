// Package notify turns handled errors, allocation events and health transitions into user
// notifications, keeps a short list of them and forwards them to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

const DefaultFeedCapacity = 20

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dashboard_notifications_published_total",
	Help: "Notifications forwarded to the message bus, by result.",
}, []string{"result"})

type Source string

const (
	SourceError      Source = "error"
	SourceAllocation Source = "allocation"
	SourceConnection Source = "connection"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	ID        string    `json:"id"`
	Source    Source    `json:"source"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	EntityID  string    `json:"entityId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FromHandledError builds a notification for high and critical failures only.
func FromHandledError(h failures.HandledError) (Notification, bool) {
	if h.Severity != failures.SeverityHigh && h.Severity != failures.SeverityCritical {
		return Notification{}, false
	}
	entity := h.Diagnostics.EnvironmentID
	if entity == "" {
		entity = h.Diagnostics.TestID
	}
	return Notification{
		ID:        uuid.NewString(),
		Source:    SourceError,
		Level:     LevelError,
		Title:     fmt.Sprintf("%s error", h.Kind),
		Message:   h.Message,
		EntityID:  entity,
		CreatedAt: h.CreatedAt,
	}, true
}

// FromAllocationEvent builds a notification for allocated, failed and released events.
func FromAllocationEvent(ev models.AllocationEvent) (Notification, bool) {
	n := Notification{
		ID:        uuid.NewString(),
		Source:    SourceAllocation,
		EntityID:  ev.EnvironmentID,
		CreatedAt: ev.Timestamp,
	}
	switch ev.Type {
	case models.EventAllocated:
		n.Level, n.Title = LevelInfo, "Test allocated"
		n.Message = fmt.Sprintf("test %s allocated to %s", ev.TestID, ev.EnvironmentID)
	case models.EventFailed:
		n.Level, n.Title = LevelError, "Allocation failed"
		n.Message = fmt.Sprintf("test %s could not be allocated", ev.TestID)
	case models.EventReleased:
		n.Level, n.Title = LevelInfo, "Environment released"
		n.Message = fmt.Sprintf("%s released by test %s", ev.EnvironmentID, ev.TestID)
	default:
		return Notification{}, false
	}
	if ev.Message != "" {
		n.Message = ev.Message
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n, true
}

// FromHealthChange describes a consolidated health transition.
func FromHealthChange(from, to string, at time.Time) Notification {
	level := LevelWarning
	switch to {
	case "healthy":
		level = LevelInfo
	case "disconnected":
		level = LevelError
	}
	return Notification{
		ID:        uuid.NewString(),
		Source:    SourceConnection,
		Level:     level,
		Title:     "Live updates " + to,
		Message:   fmt.Sprintf("connection health changed from %s to %s", from, to),
		CreatedAt: at,
	}
}

// Feed is a bounded newest-first list of notifications.
type Feed struct {
	mu       sync.RWMutex
	capacity int
	items    []Notification
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{capacity: capacity}
}

func (f *Feed) Push(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append([]Notification{n}, f.items...)
	if len(f.items) > f.capacity {
		f.items = f.items[:f.capacity]
	}
}

func (f *Feed) List() []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Notification(nil), f.items...)
}

func (f *Feed) Dismiss(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.items {
		if n.ID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Feed) Clear() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()
}

// Publisher forwards notifications to a Producer from a background worker so callers on the
// event path never wait on the bus. When the queue is full the notification is dropped.
type Publisher struct {
	producer Producer
	logger   *log.Logger
	queue    chan Notification

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPublisher(producer Producer, queueSize int, logger *log.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		producer: producer,
		logger:   logger,
		queue:    make(chan Notification, queueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Publish enqueues n. It reports false when the queue is full or the publisher is closed.
func (p *Publisher) Publish(n Notification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- n:
		return true
	default:
		publishedTotal.WithLabelValues("dropped").Inc()
		p.logger.Printf("[notify] queue full, dropping notification %s", n.ID)
		return false
	}
}

// Close drains what is already queued, then closes the producer.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			p.cancel()
			<-p.done
		}
		p.cancel()
		err = p.producer.Close()
	})
	return err
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for n := range p.queue {
		value, err := json.Marshal(n)
		if err != nil {
			continue
		}
		key := n.EntityID
		if key == "" {
			key = n.ID
		}
		if err := p.producer.Produce(ctx, []byte(key), value); err != nil {
			publishedTotal.WithLabelValues("error").Inc()
			p.logger.Printf("[notify] publish %s failed: %v", n.ID, err)
			continue
		}
		publishedTotal.WithLabelValues("ok").Inc()
	}
}
