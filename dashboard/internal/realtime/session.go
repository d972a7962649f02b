// Package realtime owns the WebSocket and SSE push channels to the dashboard backend. A Session
// parses frames into typed events, delivers them to subscribers and reduces the state of both
// channels to a single connection health signal.
package realtime

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/auth"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
)

type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthDegraded     Health = "degraded"
	HealthDisconnected Health = "disconnected"
)

type ChannelName string

const (
	ChannelWebSocket ChannelName = "websocket"
	ChannelSSE       ChannelName = "sse"
)

type ChannelState string

const (
	StateConnecting ChannelState = "connecting"
	StateOpen       ChannelState = "open"
	StateClosed     ChannelState = "closed"
	StateErrored    ChannelState = "errored"
)

const DefaultStalenessWindow = 10 * time.Second

type Config struct {
	// WebSocketURL and SSEURL are each optional; an empty URL disables that channel.
	WebSocketURL string
	SSEURL       string

	Tokens     auth.TokenSource
	Dialer     *websocket.Dialer
	HTTPClient *http.Client

	StalenessWindow time.Duration
	// RequireAll reports degraded while any configured channel is down.
	RequireAll bool
	// Reconnect paces reconnects; MaxAttempts bounds consecutive failures before a channel gives
	// up until ReconnectAll.
	Reconnect failures.RetryPolicy
	// EvaluateEvery is how often staleness is re-checked without traffic.
	EvaluateEvery time.Duration

	Errors *failures.Handler
	Logger *log.Logger
	Now    func() time.Time
}

// Session is one pair of push channels with an explicit Start/Close lifecycle.
type Session struct {
	cfg      Config
	channels []*channel
	logger   *log.Logger
	now      func() time.Time

	subMu      sync.RWMutex
	nextSubID  uint64
	subs       map[uint64]eventSub
	healthSubs map[uint64]func(from, to Health)

	evalMu    sync.Mutex
	healthMu  sync.RWMutex
	health    Health
	startOnce sync.Once
	closeOnce sync.Once
	closing   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type eventSub struct {
	kind EventKind
	fn   func(Event)
}

func New(cfg Config) (*Session, error) {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = 5
	}
	if cfg.EvaluateEvery <= 0 {
		cfg.EvaluateEvery = cfg.StalenessWindow / 4
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.HTTPClient == nil {
		// Streaming responses must not be cut off by a client timeout.
		cfg.HTTPClient = &http.Client{}
	}
	s := &Session{
		cfg:        cfg,
		logger:     cfg.Logger,
		now:        cfg.Now,
		subs:       map[uint64]eventSub{},
		healthSubs: map[uint64]func(from, to Health){},
		health:     HealthDegraded,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.WebSocketURL != "" {
		s.channels = append(s.channels, s.newChannel(ChannelWebSocket, websocketDialer(cfg.WebSocketURL, cfg.Dialer, cfg.Tokens)))
	}
	if cfg.SSEURL != "" {
		s.channels = append(s.channels, s.newChannel(ChannelSSE, sseDialer(cfg.SSEURL, cfg.HTTPClient, cfg.Tokens)))
	}
	if len(s.channels) == 0 {
		s.health = HealthDisconnected
	}
	setHealthGauge(s.health)
	return s, nil
}

// Start opens every configured channel. Calling it more than once has no effect.
func (s *Session) Start(ctx context.Context) error {
	if len(s.channels) == 0 {
		return errors.New("no push channel configured")
	}
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		for _, ch := range s.channels {
			s.wg.Add(1)
			go ch.run(ctx)
		}
		s.wg.Add(1)
		go s.monitor(ctx)
	})
	return nil
}

// Close stops every channel and waits for their goroutines. Subscribers receive nothing after
// Close returns.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		// Prevent a later Start from launching goroutines.
		s.startOnce.Do(func() {})
		s.closing.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.subMu.Lock()
		s.subs = map[uint64]eventSub{}
		s.healthSubs = map[uint64]func(from, to Health){}
		s.subMu.Unlock()
	})
	return nil
}

// Subscription cancels a registration made with Subscribe or OnHealthChange.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers fn for events of one kind. Events from one channel arrive in order;
// there is no ordering between channels.
func (s *Session) Subscribe(kind EventKind, fn func(Event)) *Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = eventSub{kind: kind, fn: fn}
	return &Subscription{cancel: func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}}
}

// OnHealthChange registers fn for consolidated health transitions. It is called once per change.
func (s *Session) OnHealthChange(fn func(from, to Health)) *Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.healthSubs[id] = fn
	return &Subscription{cancel: func() {
		s.subMu.Lock()
		delete(s.healthSubs, id)
		s.subMu.Unlock()
	}}
}

func (s *Session) Health() Health {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.health
}

func (s *Session) Stats() []ChannelStats {
	out := make([]ChannelStats, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.stats())
	}
	return out
}

// ReconnectAll drops current connections, resets the reconnect budget and dials again at once.
func (s *Session) ReconnectAll() {
	for _, ch := range s.channels {
		ch.reconnectNow()
	}
}

// Evaluate recomputes consolidated health and notifies watchers if it changed. Watchers run
// synchronously and must not call Evaluate.
func (s *Session) Evaluate() Health {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	stats := s.Stats()
	next := deriveHealth(stats, s.now(), s.cfg.StalenessWindow, s.cfg.RequireAll)

	s.healthMu.Lock()
	prev := s.health
	s.health = next
	s.healthMu.Unlock()
	if prev == next {
		return next
	}

	setHealthGauge(next)
	healthTransitions.WithLabelValues(string(next)).Inc()
	s.logger.Printf("[realtime] connection health %s -> %s", prev, next)
	if s.closing.Load() {
		return next
	}

	s.subMu.RLock()
	watchers := make([]func(from, to Health), 0, len(s.healthSubs))
	for _, fn := range s.healthSubs {
		watchers = append(watchers, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range watchers {
		fn(prev, next)
	}
	return next
}

// deriveHealth reduces channel stats to one signal:
// healthy when an open channel has traffic within window, degraded while any channel is open or
// still reconnecting, disconnected once every channel has exhausted its reconnect budget.
func deriveHealth(stats []ChannelStats, now time.Time, window time.Duration, requireAll bool) Health {
	if len(stats) == 0 {
		return HealthDisconnected
	}
	anyOpen, anyFresh, allOpen, allExhausted := false, false, true, true
	for _, st := range stats {
		if st.Open {
			anyOpen = true
			if !st.LastMessage.IsZero() && now.Sub(st.LastMessage) <= window {
				anyFresh = true
			}
		} else {
			allOpen = false
		}
		if !st.Exhausted {
			allExhausted = false
		}
	}
	switch {
	case anyFresh && (allOpen || !requireAll):
		return HealthHealthy
	case anyOpen:
		return HealthDegraded
	case allExhausted:
		return HealthDisconnected
	}
	return HealthDegraded
}

func (s *Session) monitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.EvaluateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate()
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev Event) {
	s.subMu.RLock()
	var targets []func(Event)
	for _, sub := range s.subs {
		if sub.kind == ev.Kind {
			targets = append(targets, sub.fn)
		}
	}
	s.subMu.RUnlock()
	for _, fn := range targets {
		if ctx.Err() != nil {
			return
		}
		fn(ev)
	}
}

func (s *Session) recordFailure(name ChannelName, op string, err error) {
	s.logger.Printf("[realtime.%s] %s: %v", name, op, err)
	if s.cfg.Errors != nil {
		s.cfg.Errors.Handle(err, failures.ErrorContext{
			Component: "realtime." + string(name),
			Operation: op,
		})
	}
}

type ChannelStats struct {
	Name        ChannelName  `json:"name"`
	State       ChannelState `json:"state"`
	Open        bool         `json:"open"`
	LastMessage time.Time    `json:"lastMessage"`
	Errors      int          `json:"errorCount"`
	Messages    int          `json:"messageCount"`
	Reconnects  int          `json:"reconnects"`
	Exhausted   bool         `json:"exhausted"`
}

type channel struct {
	name    ChannelName
	dial    dialFunc
	session *Session
	wake    chan struct{}

	mu         sync.Mutex
	state      ChannelState
	lastMsg    time.Time
	errors     int
	messages   int
	reconnects int
	attempt    int
	exhausted  bool
	dropConn   context.CancelFunc
}

func (s *Session) newChannel(name ChannelName, dial dialFunc) *channel {
	return &channel{
		name:    name,
		dial:    dial,
		session: s,
		wake:    make(chan struct{}, 1),
		state:   StateConnecting,
	}
}

func (c *channel) stats() ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStats{
		Name:        c.name,
		State:       c.state,
		Open:        c.state == StateOpen,
		LastMessage: c.lastMsg,
		Errors:      c.errors,
		Messages:    c.messages,
		Reconnects:  c.reconnects,
		Exhausted:   c.exhausted,
	}
}

// setState leaves the reconnect budget alone. A handshake alone does not restore it; the first
// valid frame does (see handle).
func (c *channel) setState(st ChannelState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.session.Evaluate()
}

func (c *channel) run(ctx context.Context) {
	defer c.session.wg.Done()
	defer c.setState(StateClosed)
	for {
		if ctx.Err() != nil {
			return
		}
		connCtx, drop := context.WithCancel(ctx)
		c.mu.Lock()
		c.dropConn = drop
		c.mu.Unlock()
		c.setState(StateConnecting)

		st, err := c.dial(connCtx)
		if err != nil {
			dropped := connCtx.Err() != nil
			drop()
			if ctx.Err() != nil {
				return
			}
			if !dropped {
				c.fail("connect", err)
			}
		} else {
			c.setState(StateOpen)
			err = c.read(connCtx, st)
			dropped := connCtx.Err() != nil
			st.Close()
			drop()
			if ctx.Err() != nil {
				return
			}
			if err != nil && !dropped {
				c.fail("receive", err)
			} else {
				c.setState(StateClosed)
			}
		}
		if !c.backoff(ctx) {
			return
		}
	}
}

func (c *channel) read(ctx context.Context, st stream) error {
	for {
		raw, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		c.handle(ctx, raw)
	}
}

// handle counts the frame, then delivers it. Malformed frames only bump the error count.
func (c *channel) handle(ctx context.Context, raw []byte) {
	now := c.session.now()
	ev, heartbeat, err := parseFrame(raw)
	c.mu.Lock()
	if err != nil {
		c.errors++
	} else {
		c.messages++
		c.lastMsg = now
		c.attempt = 0
		c.exhausted = false
	}
	c.mu.Unlock()

	if err != nil {
		frameErrors.WithLabelValues(string(c.name)).Inc()
		c.session.logger.Printf("[realtime.%s] dropped frame: %v", c.name, err)
		return
	}
	messagesTotal.WithLabelValues(string(c.name)).Inc()
	c.session.Evaluate()
	if heartbeat {
		return
	}
	ev.Channel = c.name
	ev.Received = now
	c.session.dispatch(ctx, ev)
}

func (c *channel) fail(op string, err error) {
	c.mu.Lock()
	c.errors++
	c.state = StateErrored
	c.mu.Unlock()
	c.session.recordFailure(c.name, op, err)
	c.session.Evaluate()
}

// backoff waits before the next dial. It returns false when ctx ends.
func (c *channel) backoff(ctx context.Context) bool {
	policy := c.session.cfg.Reconnect
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.exhausted = attempt > policy.MaxAttempts
	exhausted := c.exhausted
	c.mu.Unlock()

	if exhausted {
		c.session.Evaluate()
		c.session.logger.Printf("[realtime.%s] giving up after %d reconnect attempts", c.name, policy.MaxAttempts)
		select {
		case <-ctx.Done():
			return false
		case <-c.wake:
			return true
		}
	}

	timer := time.NewTimer(policy.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
	case <-timer.C:
	}
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
	reconnectsTotal.WithLabelValues(string(c.name)).Inc()
	return true
}

func (c *channel) reconnectNow() {
	c.mu.Lock()
	c.attempt = 0
	c.exhausted = false
	drop := c.dropConn
	c.mu.Unlock()
	if drop != nil {
		drop()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
