package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cordkit/internal/storage"
	"cordkit/pkg/logx"
)

// State is a shard connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var allowed = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateIdentifying, StateResuming, StateReconnecting, StateDisconnected},
	StateIdentifying:  {StateReady, StateReconnecting, StateDisconnected},
	StateResuming:     {StateReady, StateIdentifying, StateReconnecting, StateDisconnected},
	StateReady:        {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mode selects the handshake Open performs.
type Mode int

const (
	ModeIdentify Mode = iota
	ModeResume
)

func (m Mode) String() string {
	if m == ModeResume {
		return "resume"
	}
	return "identify"
}

// Transition is reported for every state change.
type Transition struct {
	ShardID int
	From    State
	To      State
	At      time.Time
}

// Event is one dispatched gateway event.
type Event struct {
	ShardID    int
	Seq        int64
	Type       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// SessionStore persists resumable sessions.
type SessionStore interface {
	PutSession(ctx context.Context, s storage.Session) error
	GetSession(ctx context.Context, shardID int) (storage.Session, bool, error)
	DeleteSession(ctx context.Context, shardID int) error
}

// ShardConfig describes one shard.
type ShardConfig struct {
	ID             int
	Total          int
	Token          string
	URL            string
	Intents        Intents
	Properties     IdentifyProperties
	Presence       *PresenceUpdate
	LargeThreshold int

	HelloTimeout time.Duration
	// StopAckTimeout bounds how long Stop waits for a pending heartbeat ack.
	StopAckTimeout time.Duration
	// InvalidSessionDelay is the upper bound of the random pause before
	// re-identifying after an invalid session.
	InvalidSessionDelay time.Duration
	// CommandsPerMinute limits outbound presence and member requests.
	CommandsPerMinute int
	EventBuffer       int
}

func (c ShardConfig) withDefaults() ShardConfig {
	if c.Total <= 0 {
		c.Total = 1
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 20 * time.Second
	}
	if c.StopAckTimeout <= 0 {
		c.StopAckTimeout = 5 * time.Second
	}
	if c.InvalidSessionDelay <= 0 {
		c.InvalidSessionDelay = 5 * time.Second
	}
	if c.CommandsPerMinute <= 0 {
		c.CommandsPerMinute = 120
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Properties.Browser == "" {
		c.Properties = IdentifyProperties{OS: "linux", Browser: "cordkit", Device: "cordkit"}
	}
	return c
}

// ShardSnapshot is a read-only view of a shard's health.
type ShardSnapshot struct {
	ID                int           `json:"id"`
	State             State         `json:"state"`
	Seq               int64         `json:"seq"`
	SessionID         string        `json:"session_id,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LastHeartbeatSent time.Time     `json:"last_heartbeat_sent"`
	LastAck           time.Time     `json:"last_ack"`
	MissedAcks        int           `json:"missed_acks"`
	Latency           time.Duration `json:"latency"`
}

type commandKind int

const (
	cmdReconnect commandKind = iota
)

type command struct {
	kind   commandKind
	reason string
	err    error
}

// ShardOption configures a Shard.
type ShardOption func(*Shard)

func WithShardLogger(log logx.Logger) ShardOption {
	return func(s *Shard) { s.log = log }
}

// WithSessionStore persists sessions on READY, RESUMED and disconnect.
func WithSessionStore(st SessionStore) ShardOption {
	return func(s *Shard) { s.store = st }
}

// WithIdentifyGate sets the function called before every Identify.
func WithIdentifyGate(gate func(ctx context.Context) error) ShardOption {
	return func(s *Shard) { s.identify = gate }
}

// WithObserver receives every state transition. It must not block.
func WithObserver(fn func(Transition)) ShardOption {
	return func(s *Shard) { s.observer = fn }
}

// Shard manages one gateway connection at a time.
type Shard struct {
	cfg      ShardConfig
	dialer   Dialer
	identify func(ctx context.Context) error
	store    SessionStore
	observer func(Transition)
	log      logx.Logger
	limiter  *rate.Limiter
	events   chan Event
	cmds     chan command

	// stopCtx is canceled by Stop and interrupts permit and dial waits.
	stopCtx    context.Context
	stopCancel context.CancelFunc

	// pending holds events read but not yet handed to events. Only the
	// goroutine inside Open touches it.
	pending []Event

	mu          sync.Mutex
	state       State
	conn        Conn
	running     bool
	stopped     bool
	done        chan struct{}
	sessionID   string
	resumeURL   string
	seq         int64
	queued      int64 // highest seq accepted into pending
	delivered   int64 // highest seq handed to events
	interval    time.Duration
	lastSent    time.Time
	lastAck     time.Time
	awaitingAck bool
	missed      int
	latency     time.Duration
	wasReady    bool
}

func NewShard(cfg ShardConfig, dialer Dialer, opts ...ShardOption) *Shard {
	cfg = cfg.withDefaults()
	s := &Shard{
		cfg:    cfg,
		dialer: dialer,
		log:    logx.Nop(),
		events: make(chan Event, cfg.EventBuffer),
		cmds:   make(chan command, 4),
	}
	s.stopCtx, s.stopCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logx.Int("shard", cfg.ID))
	perCommand := time.Minute / time.Duration(cfg.CommandsPerMinute)
	s.limiter = rate.NewLimiter(rate.Every(perCommand), cfg.CommandsPerMinute)
	return s
}

func (s *Shard) ID() int { return s.cfg.ID }

// Events delivers dispatched events in receive order. A slow reader holds
// events in a bounded per-connection queue; once that fills, reads pause
// while heartbeats and commands keep running.
func (s *Shard) Events() <-chan Event { return s.events }

func (s *Shard) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanResume reports whether a session id and sequence are retained.
func (s *Shard) CanResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != "" && s.seq > 0
}

func (s *Shard) Snapshot() ShardSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShardSnapshot{
		ID:                s.cfg.ID,
		State:             s.state,
		Seq:               s.seq,
		SessionID:         s.sessionID,
		HeartbeatInterval: s.interval,
		LastHeartbeatSent: s.lastSent,
		LastAck:           s.lastAck,
		MissedAcks:        s.missed,
		Latency:           s.latency,
	}
}

// Seed restores a persisted session so the next Open can resume it.
func (s *Shard) Seed(sess storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sess.SessionID
	s.resumeURL = sess.ResumeURL
	s.seq = sess.Seq
	s.queued = sess.Seq
	s.delivered = sess.Seq
}

// Reconnect asks the running connection to close and return a resumable
// disconnect. It is a no-op when the shard is not connected.
func (s *Shard) Reconnect(reason string) { s.requestReconnect(reason, nil) }

func (s *Shard) requestReconnect(reason string, cause error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	select {
	case s.cmds <- command{kind: cmdReconnect, reason: reason, err: cause}:
	default:
	}
}

// Stop closes the connection cooperatively: a pending heartbeat ack is
// awaited (bounded by StopAckTimeout) before the socket closes. The session
// is kept so a later process can resume it. A stopped shard cannot reopen.
func (s *Shard) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	running, done := s.running, s.done
	s.mu.Unlock()
	s.stopCancel()
	if !running {
		s.transition(StateDisconnected)
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open runs one connection until it ends. The returned error says how:
// ErrStopped, *FatalError, *DisconnectError, or the context's error.
func (s *Shard) Open(ctx context.Context, mode Mode) (err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("gateway: shard already open")
	}
	s.drainCommands()
	s.running = true
	s.wasReady = false
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer func() { s.finish(err) }()

	// Permit and dial waits end early on Stop; the connection itself is
	// closed cooperatively by run.
	setupCtx, cancelSetup := context.WithCancelCause(ctx)
	defer cancelSetup(nil)
	unhook := context.AfterFunc(s.stopCtx, func() { cancelSetup(ErrStopped) })
	defer unhook()

	if !s.transition(StateConnecting) {
		return fmt.Errorf("gateway: shard %d cannot connect from %s", s.cfg.ID, s.State())
	}
	if mode == ModeResume && !s.CanResume() {
		mode = ModeIdentify
	}
	if mode == ModeIdentify {
		if err := s.acquireIdentify(setupCtx); err != nil {
			return stopCause(setupCtx, err)
		}
	}

	s.mu.Lock()
	target := s.cfg.URL
	if mode == ModeResume && s.resumeURL != "" {
		target = s.resumeURL
	}
	s.mu.Unlock()

	conn, err := s.dialer.Dial(setupCtx, target)
	if err != nil {
		if setupCtx.Err() != nil {
			return stopCause(setupCtx, err)
		}
		return &DisconnectError{ShardID: s.cfg.ID, Reason: "dial", Resumable: mode == ModeResume, Err: err}
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.stopCtx.Err() != nil {
		_ = conn.Close(CloseUnknownError, "stopping")
		return ErrStopped
	}

	s.log.Debug("connected", logx.String("mode", mode.String()), logx.String("url", target))
	return s.run(ctx, conn, mode)
}

type readResult struct {
	p   *Payload
	err error
}

func (s *Shard) readLoop(conn Conn, out chan<- readResult, quit <-chan struct{}) {
	for {
		p, err := conn.ReadPayload()
		select {
		case out <- readResult{p: p, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Shard) run(ctx context.Context, conn Conn, mode Mode) error {
	reads := make(chan readResult)
	quit := make(chan struct{})
	defer close(quit)
	go s.readLoop(conn, reads, quit)
	defer s.flushPending(ctx)

	interval, err := s.awaitHello(ctx, conn, reads, mode)
	if err != nil {
		return err
	}
	hb := time.NewTimer(rand.N(interval))
	defer hb.Stop()

	if mode == ModeResume {
		s.transition(StateResuming)
		err = s.sendResume(conn)
	} else {
		s.transition(StateIdentifying)
		err = s.sendIdentify(conn)
	}
	if err != nil {
		_ = conn.Close(CloseUnknownError, "write failed")
		return &DisconnectError{ShardID: s.cfg.ID, Reason: "handshake write", Resumable: s.CanResume(), Err: err}
	}

	for {
		var (
			out  chan<- Event
			head Event
		)
		if len(s.pending) > 0 {
			out, head = s.events, s.pending[0]
		}
		in := reads
		if len(s.pending) >= s.cfg.EventBuffer {
			in = nil
		}

		select {
		case <-ctx.Done():
			_ = conn.Close(CloseUnknownError, "shutting down")
			return ctx.Err()

		case <-s.stopCtx.Done():
			return s.closeGracefully(ctx, conn, reads)

		case out <- head:
			s.popPending()

		case cmd := <-s.cmds:
			s.log.Info("reconnect requested", logx.String("reason", cmd.reason))
			_ = conn.Close(CloseUnknownError, "reconnect")
			return &DisconnectError{ShardID: s.cfg.ID, Reason: cmd.reason, Resumable: s.CanResume(), Err: cmd.err}

		case <-hb.C:
			if err := s.heartbeat(conn, true); err != nil {
				_ = conn.Close(CloseUnknownError, "heartbeat failed")
				return &DisconnectError{ShardID: s.cfg.ID, Reason: "heartbeat write", Resumable: s.CanResume(), Err: err}
			}
			hb.Reset(interval)

		case r := <-in:
			if r.err != nil {
				return s.readFailure(r.err)
			}
			if err := s.handle(ctx, conn, r.p); err != nil {
				return err
			}
		}
	}
}

func (s *Shard) popPending() {
	ev := s.pending[0]
	s.pending[0] = Event{}
	s.pending = s.pending[1:]
	s.mu.Lock()
	// Events queued before an Identify carry the old session's numbering.
	if ev.Seq > s.delivered && ev.Seq <= s.queued {
		s.delivered = ev.Seq
	}
	s.mu.Unlock()
}

// flushPending hands queued events to the reader until the queue empties,
// the shard is stopped or ctx ends. Events left over are dropped and the
// sequence is rolled back to the last delivered one, so a resume replays
// them.
func (s *Shard) flushPending(ctx context.Context) {
	for len(s.pending) > 0 {
		select {
		case s.events <- s.pending[0]:
			s.popPending()
			continue
		default:
		}
		select {
		case s.events <- s.pending[0]:
			s.popPending()
		case <-ctx.Done():
		case <-s.stopCtx.Done():
		}
		if ctx.Err() != nil || s.stopCtx.Err() != nil {
			break
		}
	}
	if len(s.pending) == 0 {
		return
	}
	dropped := len(s.pending)
	s.pending = nil
	s.mu.Lock()
	if s.seq > s.delivered {
		s.seq = s.delivered
	}
	s.queued = s.delivered
	seq := s.seq
	s.mu.Unlock()
	s.log.Warn("undelivered events dropped; resume will replay them", logx.Int("dropped", dropped), logx.Int64("seq", seq))
}

func (s *Shard) awaitHello(ctx context.Context, conn Conn, reads <-chan readResult, mode Mode) (time.Duration, error) {
	timer := time.NewTimer(s.cfg.HelloTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(CloseUnknownError, "shutting down")
			return 0, ctx.Err()
		case <-s.stopCtx.Done():
			_ = conn.Close(CloseUnknownError, "closing before hello")
			return 0, ErrStopped
		case cmd := <-s.cmds:
			_ = conn.Close(CloseUnknownError, "closing before hello")
			return 0, &DisconnectError{ShardID: s.cfg.ID, Reason: cmd.reason, Resumable: mode == ModeResume, Err: cmd.err}
		case <-timer.C:
			_ = conn.Close(CloseUnknownError, "hello timeout")
			return 0, &DisconnectError{ShardID: s.cfg.ID, Reason: "hello timeout", Resumable: mode == ModeResume, Err: ErrHelloTimeout}
		case r := <-reads:
			if r.err != nil {
				return 0, s.readFailure(r.err)
			}
			if r.p.Op != OpHello {
				s.log.Debug("ignoring payload before hello", logx.String("op", r.p.Op.String()))
				continue
			}
			var h helloData
			if err := json.Unmarshal(r.p.D, &h); err != nil || h.HeartbeatInterval <= 0 {
				_ = conn.Close(CloseUnknownError, "bad hello")
				return 0, &DisconnectError{ShardID: s.cfg.ID, Reason: "bad hello", Resumable: mode == ModeResume, Err: err}
			}
			interval := time.Duration(h.HeartbeatInterval) * time.Millisecond
			s.mu.Lock()
			s.interval = interval
			s.awaitingAck = false
			s.missed = 0
			s.lastAck = time.Now()
			s.mu.Unlock()
			return interval, nil
		}
	}
}

func (s *Shard) handle(ctx context.Context, conn Conn, p *Payload) error {
	switch p.Op {
	case OpDispatch:
		return s.dispatch(ctx, p)

	case OpHeartbeat:
		if err := s.heartbeat(conn, false); err != nil {
			return &DisconnectError{ShardID: s.cfg.ID, Reason: "heartbeat write", Resumable: s.CanResume(), Err: err}
		}

	case OpHeartbeatAck:
		now := time.Now()
		s.mu.Lock()
		s.lastAck = now
		if s.awaitingAck {
			s.latency = now.Sub(s.lastSent)
		}
		s.awaitingAck = false
		s.missed = 0
		s.mu.Unlock()

	case OpReconnect:
		s.log.Info("server requested reconnect")
		_ = conn.Close(CloseUnknownError, "reconnect requested")
		return &DisconnectError{ShardID: s.cfg.ID, Reason: "server requested reconnect", Resumable: s.CanResume()}

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(p.D, &resumable)
		return s.invalidSession(ctx, conn, resumable)

	case OpHello:
	default:
		s.log.Debug("unhandled opcode", logx.String("op", p.Op.String()))
	}
	return nil
}

func (s *Shard) dispatch(ctx context.Context, p *Payload) error {
	var seq int64
	s.mu.Lock()
	if p.S != nil {
		seq = *p.S
		if seq > s.seq {
			s.seq = seq
		}
	}
	duplicate := p.S != nil && seq <= s.queued
	if !duplicate && p.S != nil {
		s.queued = seq
	}
	s.mu.Unlock()

	switch p.T {
	case "READY":
		var r readyData
		if err := json.Unmarshal(p.D, &r); err != nil {
			return &DisconnectError{ShardID: s.cfg.ID, Reason: "bad ready", Err: err}
		}
		s.mu.Lock()
		s.sessionID = r.SessionID
		s.resumeURL = r.ResumeGatewayURL
		s.mu.Unlock()
		s.transition(StateReady)
		s.persist()
		s.log.Info("ready", logx.String("session", r.SessionID), logx.String("user", r.User.Username))
	case "RESUMED":
		s.transition(StateReady)
		s.persist()
		s.log.Info("resumed", logx.Int64("seq", s.Snapshot().Seq))
	}

	if duplicate {
		s.log.Trace("duplicate event skipped", logx.Int64("seq", seq), logx.String("type", p.T))
		return nil
	}
	s.pending = append(s.pending, Event{ShardID: s.cfg.ID, Seq: seq, Type: p.T, Data: p.D, ReceivedAt: time.Now()})
	return nil
}

func (s *Shard) invalidSession(ctx context.Context, conn Conn, resumable bool) error {
	state := s.State()
	s.log.Warn("session invalidated", logx.Bool("resumable", resumable), logx.String("state", state.String()), logx.Err(ErrSessionInvalidated))
	if resumable && s.CanResume() {
		_ = conn.Close(CloseUnknownError, "session invalidated")
		return &DisconnectError{ShardID: s.cfg.ID, Reason: "invalid session", Resumable: true, Err: ErrSessionInvalidated}
	}
	s.clearSession()
	if state == StateReady {
		_ = conn.Close(CloseUnknownError, "session invalidated")
		return &DisconnectError{ShardID: s.cfg.ID, Reason: "invalid session", Resumable: false, Err: ErrSessionInvalidated}
	}

	// Fall back to a fresh Identify on the same connection.
	t := time.NewTimer(time.Duration(rand.Int64N(int64(s.cfg.InvalidSessionDelay))) + time.Millisecond)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-s.stopCtx.Done():
		t.Stop()
		_ = conn.Close(CloseUnknownError, "stopping")
		return ErrStopped
	case <-t.C:
	}
	gateCtx, cancelGate := context.WithCancelCause(ctx)
	defer cancelGate(nil)
	unhook := context.AfterFunc(s.stopCtx, func() { cancelGate(ErrStopped) })
	defer unhook()
	if err := s.acquireIdentify(gateCtx); err != nil {
		_ = conn.Close(CloseUnknownError, "stopping")
		return stopCause(gateCtx, err)
	}
	if state == StateResuming {
		s.transition(StateIdentifying)
	}
	if err := s.sendIdentify(conn); err != nil {
		return &DisconnectError{ShardID: s.cfg.ID, Reason: "identify write", Err: err}
	}
	return nil
}

func (s *Shard) readFailure(err error) error {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return &DisconnectError{ShardID: s.cfg.ID, Reason: "read", Resumable: s.CanResume(), Err: err}
	}
	switch ClassifyClose(ce.Code) {
	case CloseFatal:
		snap := s.Snapshot()
		s.clearSession()
		return &FatalError{ShardID: s.cfg.ID, Code: ce.Code, Reason: ce.Reason, State: snap.State, SessionID: snap.SessionID}
	case CloseReidentify:
		s.clearSession()
		return &DisconnectError{ShardID: s.cfg.ID, Code: ce.Code, Reason: ce.Reason, Resumable: false, Err: ce}
	default:
		return &DisconnectError{ShardID: s.cfg.ID, Code: ce.Code, Reason: ce.Reason, Resumable: s.CanResume(), Err: ce}
	}
}

// closeGracefully lets an outstanding heartbeat ack arrive before closing.
func (s *Shard) closeGracefully(ctx context.Context, conn Conn, reads <-chan readResult) error {
	deadline := time.NewTimer(s.cfg.StopAckTimeout)
	defer deadline.Stop()
wait:
	for s.pendingAck() {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case r := <-reads:
			if r.err != nil || s.handle(ctx, conn, r.p) != nil {
				break wait
			}
		}
	}
	_ = conn.Close(CloseUnknownError, "stopping")
	return ErrStopped
}

func (s *Shard) pendingAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingAck
}

func (s *Shard) heartbeat(conn Conn, scheduled bool) error {
	s.mu.Lock()
	if scheduled {
		if s.awaitingAck {
			s.missed++
		}
		s.awaitingAck = true
		s.lastSent = time.Now()
	}
	seq, missed := s.seq, s.missed
	s.mu.Unlock()

	if missed > 0 && scheduled {
		s.log.Warn("heartbeat ack missed", logx.Int("missed", missed))
	}
	var d any
	if seq > 0 {
		d = seq
	}
	p, err := newPayload(OpHeartbeat, d)
	if err != nil {
		return err
	}
	return conn.WritePayload(p)
}

func (s *Shard) sendIdentify(conn Conn) error {
	s.mu.Lock()
	s.seq = 0
	s.queued = 0
	s.delivered = 0
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()

	p, err := newPayload(OpIdentify, identifyData{
		Token:          s.cfg.Token,
		Intents:        s.cfg.Intents,
		Shard:          [2]int{s.cfg.ID, s.cfg.Total},
		Properties:     s.cfg.Properties,
		LargeThreshold: s.cfg.LargeThreshold,
		Presence:       s.cfg.Presence,
	})
	if err != nil {
		return err
	}
	return conn.WritePayload(p)
}

func (s *Shard) sendResume(conn Conn) error {
	s.mu.Lock()
	d := resumeData{Token: s.cfg.Token, SessionID: s.sessionID, Seq: s.seq}
	s.mu.Unlock()
	p, err := newPayload(OpResume, d)
	if err != nil {
		return err
	}
	return conn.WritePayload(p)
}

// UpdatePresence sends a presence update. Outbound commands share a
// per-connection rate limit.
func (s *Shard) UpdatePresence(ctx context.Context, u PresenceUpdate) error {
	return s.command(ctx, OpPresenceUpdate, u)
}

// RequestGuildMembers asks the server to stream GUILD_MEMBERS_CHUNK events.
func (s *Shard) RequestGuildMembers(ctx context.Context, req GuildMembersRequest) error {
	return s.command(ctx, OpRequestGuildMembers, req)
}

func (s *Shard) command(ctx context.Context, op Opcode, d any) error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	p, err := newPayload(op, d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}
	return conn.WritePayload(p)
}

// stopCause maps a setup failure caused by Stop to ErrStopped.
func stopCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrStopped) {
		return ErrStopped
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Shard) acquireIdentify(ctx context.Context) error {
	if s.identify == nil {
		return nil
	}
	return s.identify(ctx)
}

func (s *Shard) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.queued = 0
	s.delivered = 0
	s.mu.Unlock()
}

func (s *Shard) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	sess := storage.Session{
		ShardID:    s.cfg.ID,
		ShardCount: s.cfg.Total,
		SessionID:  s.sessionID,
		Seq:        s.seq,
		ResumeURL:  s.resumeURL,
		UpdatedAt:  time.Now(),
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	if sess.SessionID == "" {
		err = s.store.DeleteSession(ctx, sess.ShardID)
	} else {
		err = s.store.PutSession(ctx, sess)
	}
	if err != nil {
		s.log.Warn("session persist failed", logx.Err(err))
	}
}

func (s *Shard) drainCommands() {
	for {
		select {
		case <-s.cmds:
		default:
			return
		}
	}
}

// transition moves to next if the state machine allows it.
func (s *Shard) transition(next State) bool {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return true
	}
	if !canTransition(prev, next) {
		s.mu.Unlock()
		s.log.Debug("transition rejected", logx.String("from", prev.String()), logx.String("to", next.String()))
		return false
	}
	s.state = next
	if next == StateReady {
		s.wasReady = true
	}
	s.mu.Unlock()

	s.log.Debug("state", logx.String("from", prev.String()), logx.String("to", next.String()))
	if s.observer != nil {
		s.observer(Transition{ShardID: s.cfg.ID, From: prev, To: next, At: time.Now()})
	}
	return true
}

// reachedReady reports whether the last Open got to Ready.
func (s *Shard) reachedReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasReady
}

func (s *Shard) finish(err error) {
	var fatal *FatalError
	final := StateReconnecting
	if errors.Is(err, ErrStopped) || errors.As(err, &fatal) || errors.Is(err, context.Canceled) {
		final = StateDisconnected
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.awaitingAck = false
	s.missed = 0
	if s.stopped {
		final = StateDisconnected
	}
	done := s.done
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(CloseUnknownError, "connection finished")
	}

	s.transition(final)
	s.persist()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	close(done)
}
