package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cordkit/internal/eventbus"
	"cordkit/internal/runtime/supervisor"
	"cordkit/pkg/logx"
)

// ManagerConfig holds settings shared by every shard.
type ManagerConfig struct {
	Token          string
	URL            string
	Intents        Intents
	Properties     IdentifyProperties
	Presence       *PresenceUpdate
	LargeThreshold int

	IdentifyWindow      time.Duration
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	HealthInterval      time.Duration
	HelloTimeout        time.Duration
	StopAckTimeout      time.Duration
	InvalidSessionDelay time.Duration
	CommandsPerMinute   int
	EventBuffer         int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.IdentifyWindow <= 0 {
		c.IdentifyWindow = DefaultIdentifyWindow
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = c.ReconnectBase
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	return c
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerLogger(log logx.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithManagerBus(bus eventbus.Bus) ManagerOption {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

func WithManagerSessions(st SessionStore) ManagerOption {
	return func(m *Manager) { m.store = st }
}

// Manager owns a fleet of shards and the identify throttle they share.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	store  SessionStore
	log    logx.Logger
	bus    eventbus.Bus

	mu          sync.Mutex
	started     bool
	sup         *supervisor.Supervisor
	throttle    *IdentifyThrottle
	shards      []*Shard
	everReady   map[int]bool
	fatal       map[int]error
	allReady    chan struct{}
	allReadySet bool

	events      chan Event
	transitions chan Transition
	stopOnce    sync.Once
}

func NewManager(dialer Dialer, cfg ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("gateway: nil dialer")
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		dialer:      dialer,
		log:         logx.Nop(),
		bus:         eventbus.Nop(),
		everReady:   map[int]bool{},
		fatal:       map[int]error{},
		allReady:    make(chan struct{}),
		events:      make(chan Event, cfg.EventBuffer),
		transitions: make(chan Transition, 256),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logx.String("comp", "gateway"))
	return m, nil
}

// Events is the fan-in of every shard's events. Order is preserved per
// shard. It is closed after Stop.
func (m *Manager) Events() <-chan Event { return m.events }

// Transitions carries shard state changes. Slow readers miss transitions.
func (m *Manager) Transitions() <-chan Transition { return m.transitions }

// AllReady is closed once every shard has reached Ready at least once.
func (m *Manager) AllReady() <-chan struct{} { return m.allReady }

// Throttle returns the identify throttle, nil before Start.
func (m *Manager) Throttle() *IdentifyThrottle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttle
}

// Shard returns shard id, or nil.
func (m *Manager) Shard(id int) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.shards) {
		return nil
	}
	return m.shards[id]
}

// Snapshot returns every shard's health view.
func (m *Manager) Snapshot() []ShardSnapshot {
	m.mu.Lock()
	shards := append([]*Shard(nil), m.shards...)
	m.mu.Unlock()
	out := make([]ShardSnapshot, 0, len(shards))
	for _, s := range shards {
		out = append(out, s.Snapshot())
	}
	return out
}

// FatalErrors returns the error that permanently stopped each failed shard.
func (m *Manager) FatalErrors() map[int]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]error, len(m.fatal))
	for k, v := range m.fatal {
		out[k] = v
	}
	return out
}

// Start spawns shards 0..totalShards-1. Each identifies through a shared
// throttle allowing maxConcurrency identifies per window. Shards with a
// stored session for the same shard count resume it instead.
func (m *Manager) Start(ctx context.Context, totalShards, maxConcurrency int) error {
	if totalShards <= 0 {
		return fmt.Errorf("gateway: invalid shard count %d", totalShards)
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("gateway: manager already started")
	}
	m.started = true
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.throttle = NewIdentifyThrottle(maxConcurrency, m.cfg.IdentifyWindow)
	m.mu.Unlock()

	shards := make([]*Shard, totalShards)
	for id := range shards {
		shards[id] = m.newShard(id, totalShards)
	}
	m.seed(ctx, shards)

	m.mu.Lock()
	m.shards = shards
	m.mu.Unlock()

	m.log.Info("starting shards", logx.Int("total", totalShards), logx.Int("max_concurrency", m.throttle.MaxConcurrency()))
	for _, s := range shards {
		s := s
		m.sup.Go(fmt.Sprintf("shard.%d", s.ID()), func(ctx context.Context) error { return m.runShard(ctx, s) })
		m.sup.Go0(fmt.Sprintf("shard.%d.events", s.ID()), func(ctx context.Context) { m.forward(ctx, s) })
	}
	m.sup.Go0("gateway.health", m.monitor)
	return nil
}

func (m *Manager) newShard(id, total int) *Shard {
	cfg := ShardConfig{
		ID:                  id,
		Total:               total,
		Token:               m.cfg.Token,
		URL:                 m.cfg.URL,
		Intents:             m.cfg.Intents,
		Properties:          m.cfg.Properties,
		Presence:            m.cfg.Presence,
		LargeThreshold:      m.cfg.LargeThreshold,
		HelloTimeout:        m.cfg.HelloTimeout,
		StopAckTimeout:      m.cfg.StopAckTimeout,
		InvalidSessionDelay: m.cfg.InvalidSessionDelay,
		CommandsPerMinute:   m.cfg.CommandsPerMinute,
	}
	opts := []ShardOption{
		WithShardLogger(m.log),
		WithIdentifyGate(m.acquireIdentify(id)),
		WithObserver(m.observe),
	}
	if m.store != nil {
		opts = append(opts, WithSessionStore(m.store))
	}
	return NewShard(cfg, m.dialer, opts...)
}

func (m *Manager) seed(ctx context.Context, shards []*Shard) {
	if m.store == nil {
		return
	}
	for _, s := range shards {
		lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		sess, ok, err := m.store.GetSession(lctx, s.ID())
		cancel()
		switch {
		case err != nil:
			m.log.Warn("session load failed", logx.Int("shard", s.ID()), logx.Err(err))
		case !ok:
		case sess.ShardCount != len(shards) || sess.SessionID == "":
			m.log.Debug("stored session ignored", logx.Int("shard", s.ID()), logx.Int("stored_count", sess.ShardCount))
		default:
			s.Seed(sess)
			m.log.Info("session restored", logx.Int("shard", s.ID()), logx.Int64("seq", sess.Seq))
		}
	}
}

func (m *Manager) acquireIdentify(id int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		at, err := m.throttle.Acquire(ctx)
		if err != nil {
			return err
		}
		m.bus.Publish(eventbus.Event{Kind: eventbus.IdentifyGranted, Time: at, Data: id})
		m.log.Debug("identify granted", logx.Int("shard", id))
		return nil
	}
}

func (m *Manager) observe(t Transition) {
	m.bus.Publish(eventbus.Event{Kind: eventbus.ShardState, Time: t.At, Data: t})
	select {
	case m.transitions <- t:
	default:
	}
	if t.To == StateReady {
		m.mu.Lock()
		m.everReady[t.ShardID] = true
		m.checkAllReadyLocked()
		m.mu.Unlock()
	}
}

func (m *Manager) checkAllReadyLocked() {
	if m.allReadySet || len(m.shards) == 0 || len(m.everReady) < len(m.shards) {
		return
	}
	m.allReadySet = true
	close(m.allReady)
}

// runShard keeps one shard connected until it is stopped or fails fatally.
// After a disconnect the shard resumes when it still holds a session and
// sequence, otherwise it identifies again.
func (m *Manager) runShard(ctx context.Context, s *Shard) error {
	log := m.log.With(logx.Int("shard", s.ID()))
	backoff := m.cfg.ReconnectBase
	for {
		mode := ModeIdentify
		if s.CanResume() {
			mode = ModeResume
		}
		err := s.Open(ctx, mode)

		var fatal *FatalError
		switch {
		case ctx.Err() != nil, errors.Is(err, ErrStopped):
			return nil
		case errors.As(err, &fatal):
			log.Error("shard stopped permanently", logx.Err(err))
			m.mu.Lock()
			m.fatal[s.ID()] = err
			m.mu.Unlock()
			m.bus.Publish(eventbus.Event{Kind: eventbus.ShardFatal, Data: fatal})
			return nil
		}

		if s.reachedReady() {
			backoff = m.cfg.ReconnectBase
		}
		delay := supervisor.Jitter(backoff, 0.2)
		log.Warn("shard disconnected", logx.Err(err), logx.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, m.cfg.ReconnectMax)
	}
}

// forward copies a shard's events into the shared channel.
func (m *Manager) forward(ctx context.Context, s *Shard) {
	in := s.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			select {
			case m.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// monitor forces a reconnect on any Ready shard that missed two consecutive
// heartbeat acks.
func (m *Manager) monitor(ctx context.Context) {
	t := time.NewTicker(m.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		m.mu.Lock()
		shards := append([]*Shard(nil), m.shards...)
		m.mu.Unlock()
		for _, s := range shards {
			snap := s.Snapshot()
			if snap.State != StateReady {
				continue
			}
			if snap.MissedAcks >= 2 {
				m.log.Warn("heartbeat acks missed, reconnecting",
					logx.Int("shard", snap.ID),
					logx.Int("missed", snap.MissedAcks),
					logx.Time("last_ack", snap.LastAck))
				s.requestReconnect("missed heartbeat acks", ErrZombie)
			}
		}
	}
}

// UpdatePresence sends a presence update on every Ready shard.
func (m *Manager) UpdatePresence(ctx context.Context, u PresenceUpdate) error {
	m.mu.Lock()
	shards := append([]*Shard(nil), m.shards...)
	m.mu.Unlock()
	var errs []error
	for _, s := range shards {
		if err := s.UpdatePresence(ctx, u); err != nil && !errors.Is(err, ErrNotReady) {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop closes every shard concurrently, then waits for supervised loops.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		shards := append([]*Shard(nil), m.shards...)
		sup := m.sup
		m.mu.Unlock()
		if sup == nil {
			close(m.events)
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, s := range shards {
			s := s
			g.Go(func() error { return s.Stop(gctx) })
		}
		if serr := g.Wait(); serr != nil {
			m.log.Warn("shard stop incomplete", logx.Err(serr))
		}
		err = sup.Stop(ctx)
		if ctx.Err() == nil {
			close(m.events)
		}
		m.log.Info("shards stopped", logx.Int("total", len(shards)))
	})
	return err
}
