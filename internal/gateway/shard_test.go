package gateway

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cordkit/internal/storage"
	"cordkit/pkg/logx"
)

func openShard(s *Shard, mode Mode) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Open(context.Background(), mode) }()
	return errc
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func recvErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Open did not return")
		return nil
	}
}

func testShardConfig() ShardConfig {
	return ShardConfig{
		ID:                  0,
		Total:               1,
		Token:               "tok",
		URL:                 "wss://gw.test",
		Intents:             IntentGuilds | IntentGuildMessages,
		StopAckTimeout:      time.Second,
		InvalidSessionDelay: 5 * time.Millisecond,
	}
}

func TestShardIdentifyReadyAndHeartbeat(t *testing.T) {
	d := newFakeDialer()
	cfg := testShardConfig()
	cfg.ID, cfg.Total = 1, 2
	s := NewShard(cfg, d)
	errc := openShard(s, ModeIdentify)

	c := d.next(t)
	assert.Equal(t, "wss://gw.test", c.url)
	c.hello(t, 60*time.Millisecond)

	id := decode[identifyData](t, c.expect(t, OpIdentify))
	assert.Equal(t, "tok", id.Token)
	assert.Equal(t, [2]int{1, 2}, id.Shard)
	assert.Equal(t, IntentGuilds|IntentGuildMessages, id.Intents)
	assert.Equal(t, "cordkit", id.Properties.Browser)

	c.ready(t, 1, "sess-1")
	ev := recvEvent(t, s.Events())
	assert.Equal(t, "READY", ev.Type)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, 1, ev.ShardID)
	require.Eventually(t, func() bool { return s.State() == StateReady }, time.Second, 5*time.Millisecond)

	// The jittered first beat may precede READY and carry a null sequence.
	hb := c.expect(t, OpHeartbeat)
	for string(hb.D) == "null" {
		hb = c.expect(t, OpHeartbeat)
	}
	assert.JSONEq(t, "1", string(hb.D))
	c.send(t, OpHeartbeatAck, 0, "", nil)
	require.Eventually(t, func() bool { return s.Snapshot().Latency > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, recvErr(t, errc), ErrStopped)
	assert.Equal(t, StateDisconnected, s.State())
	assert.True(t, s.CanResume(), "stop keeps the session")
	assert.Equal(t, CloseUnknownError, c.closeCode)

	assert.ErrorIs(t, s.Open(context.Background(), ModeResume), ErrStopped)
}

func TestShardAnswersHeartbeatRequest(t *testing.T) {
	d := newFakeDialer()
	s := NewShard(testShardConfig(), d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 3, "sess-1")
	recvEvent(t, s.Events())

	c.send(t, OpHeartbeat, 0, "", nil)
	hb := c.expect(t, OpHeartbeat)
	assert.JSONEq(t, "3", string(hb.D))

	require.NoError(t, s.Stop(context.Background()))
	recvErr(t, errc)
}

func TestShardCountsMissedAcks(t *testing.T) {
	d := newFakeDialer()
	s := NewShard(testShardConfig(), d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 20*time.Millisecond)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, s.Events())

	require.Eventually(t, func() bool { return s.Snapshot().MissedAcks >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.requestReconnect("test", ErrZombie)
	err := recvErr(t, errc)
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Resumable)
	assert.ErrorIs(t, err, ErrZombie)
	assert.Equal(t, StateReconnecting, s.State())
	assert.Zero(t, s.Snapshot().MissedAcks)
}

func TestShardStopWaitsForPendingAck(t *testing.T) {
	d := newFakeDialer()
	cfg := testShardConfig()
	cfg.StopAckTimeout = 2 * time.Second
	s := NewShard(cfg, d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 40*time.Millisecond)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, s.Events())
	c.expect(t, OpHeartbeat)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.isClosed(), "closed before the ack arrived")

	c.send(t, OpHeartbeatAck, 0, "", nil)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the ack")
	}
	assert.True(t, c.isClosed())
	assert.ErrorIs(t, recvErr(t, errc), ErrStopped)
}

func TestShardResumeSkipsDuplicates(t *testing.T) {
	d := newFakeDialer()
	s := NewShard(testShardConfig(), d)
	s.Seed(storage.Session{SessionID: "sess-1", Seq: 5, ResumeURL: "wss://resume.test"})
	require.True(t, s.CanResume())

	errc := openShard(s, ModeResume)
	c := d.next(t)
	assert.Equal(t, "wss://resume.test", c.url)
	c.hello(t, 30*time.Second)

	r := decode[resumeData](t, c.expect(t, OpResume))
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, int64(5), r.Seq)
	assert.Equal(t, StateResuming, s.State())

	c.send(t, OpDispatch, 4, "MESSAGE_CREATE", map[string]string{"id": "a"})
	c.send(t, OpDispatch, 5, "MESSAGE_CREATE", map[string]string{"id": "b"})
	c.send(t, OpDispatch, 6, "MESSAGE_CREATE", map[string]string{"id": "c"})
	c.send(t, OpDispatch, 7, "RESUMED", nil)

	first := recvEvent(t, s.Events())
	assert.Equal(t, int64(6), first.Seq)
	assert.JSONEq(t, `{"id":"c"}`, string(first.Data))
	second := recvEvent(t, s.Events())
	assert.Equal(t, "RESUMED", second.Type)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, int64(7), s.Snapshot().Seq)

	require.NoError(t, s.Stop(context.Background()))
	recvErr(t, errc)
}

func TestShardInvalidSessionFallsBackToIdentify(t *testing.T) {
	d := newFakeDialer()
	var gates atomic.Int32
	s := NewShard(testShardConfig(), d, WithIdentifyGate(func(context.Context) error {
		gates.Add(1)
		return nil
	}))
	s.Seed(storage.Session{SessionID: "old", Seq: 9})

	errc := openShard(s, ModeResume)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpResume)
	assert.Zero(t, gates.Load(), "resume needs no identify permit")

	c.send(t, OpInvalidSession, 0, "", false)
	id := decode[identifyData](t, c.expect(t, OpIdentify))
	assert.Equal(t, "tok", id.Token)
	assert.Equal(t, int32(1), gates.Load())
	assert.Equal(t, StateIdentifying, s.State())
	assert.False(t, c.isClosed(), "identify reuses the connection")

	c.ready(t, 1, "new")
	ev := recvEvent(t, s.Events())
	assert.Equal(t, "READY", ev.Type)
	assert.Equal(t, "new", s.Snapshot().SessionID)

	require.NoError(t, s.Stop(context.Background()))
	recvErr(t, errc)
}

func TestShardInvalidSessionWhileReadyDisconnects(t *testing.T) {
	d := newFakeDialer()
	s := NewShard(testShardConfig(), d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, s.Events())

	c.send(t, OpInvalidSession, 0, "", false)
	err := recvErr(t, errc)
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Resumable)
	assert.ErrorIs(t, err, ErrSessionInvalidated)
	assert.False(t, s.CanResume())
}

func TestShardCloseCodes(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		fatal     bool
		resumable bool
	}{
		{name: "authentication failed", code: CloseAuthenticationFailed, fatal: true},
		{name: "disallowed intents", code: CloseDisallowedIntents, fatal: true},
		{name: "session timed out", code: CloseSessionTimedOut},
		{name: "invalid seq", code: CloseInvalidSeq},
		{name: "abnormal", code: 1006, resumable: true},
		{name: "unknown error", code: CloseUnknownError, resumable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newFakeDialer()
			s := NewShard(testShardConfig(), d)
			errc := openShard(s, ModeIdentify)
			c := d.next(t)
			c.hello(t, 30*time.Second)
			c.expect(t, OpIdentify)
			c.ready(t, 1, "sess-1")
			recvEvent(t, s.Events())

			c.closeWith(tc.code, "bye")
			err := recvErr(t, errc)
			if tc.fatal {
				var fe *FatalError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, tc.code, fe.Code)
				assert.Equal(t, StateReady, fe.State)
				assert.Equal(t, "sess-1", fe.SessionID)
				assert.Equal(t, StateDisconnected, s.State())
				assert.False(t, s.CanResume())
				return
			}
			var de *DisconnectError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.code, de.Code)
			assert.Equal(t, tc.resumable, de.Resumable)
			assert.Equal(t, tc.resumable, s.CanResume())
			assert.Equal(t, StateReconnecting, s.State())
		})
	}
}

func TestShardServerReconnectRequest(t *testing.T) {
	d := newFakeDialer()
	s := NewShard(testShardConfig(), d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, s.Events())

	c.send(t, OpReconnect, 0, "", nil)
	var de *DisconnectError
	require.ErrorAs(t, recvErr(t, errc), &de)
	assert.True(t, de.Resumable)
	assert.True(t, c.isClosed())
}

func TestShardHelloTimeout(t *testing.T) {
	d := newFakeDialer()
	cfg := testShardConfig()
	cfg.HelloTimeout = 30 * time.Millisecond
	s := NewShard(cfg, d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)

	err := recvErr(t, errc)
	assert.ErrorIs(t, err, ErrHelloTimeout)
	assert.True(t, c.isClosed())
}

func TestShardCommandsRequireReady(t *testing.T) {
	d := newFakeDialer()
	s := NewShard(testShardConfig(), d)
	assert.ErrorIs(t, s.UpdatePresence(context.Background(), PresenceUpdate{Status: "idle"}), ErrNotReady)

	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, s.Events())

	require.NoError(t, s.UpdatePresence(context.Background(), PresenceUpdate{Status: "idle", Activities: []Activity{{Name: "tests"}}}))
	pu := decode[PresenceUpdate](t, c.expect(t, OpPresenceUpdate))
	assert.Equal(t, "idle", pu.Status)

	require.NoError(t, s.RequestGuildMembers(context.Background(), GuildMembersRequest{GuildID: "42", Limit: 10}))
	gm := decode[GuildMembersRequest](t, c.expect(t, OpRequestGuildMembers))
	assert.Equal(t, "42", gm.GuildID)

	require.NoError(t, s.Stop(context.Background()))
	recvErr(t, errc)
}

func TestShardReportsTransitions(t *testing.T) {
	d := newFakeDialer()
	var (
		mu   sync.Mutex
		seen []State
	)
	s := NewShard(testShardConfig(), d, WithObserver(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr.To)
		mu.Unlock()
	}))
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, s.Events())
	require.NoError(t, s.Stop(context.Background()))
	recvErr(t, errc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateIdentifying, StateReady, StateDisconnected}, seen)
}

func TestShardPersistsSession(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "cordkit.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	d := newFakeDialer()
	s := NewShard(testShardConfig(), d, WithSessionStore(st))
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, s.Events())

	sess, ok, err := st.GetSession(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", sess.SessionID)
	assert.Equal(t, "wss://resume.test", sess.ResumeURL)

	c.send(t, OpDispatch, 2, "MESSAGE_CREATE", map[string]string{"id": "a"})
	recvEvent(t, s.Events())
	c.closeWith(CloseAuthenticationFailed, "bad token")
	recvErr(t, errc)

	_, ok, err = st.GetSession(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok, "fatal close drops the session")
}

func TestShardHeartbeatsWhileEventsUnread(t *testing.T) {
	d := newFakeDialer()
	cfg := testShardConfig()
	cfg.EventBuffer = 1
	cfg.StopAckTimeout = 100 * time.Millisecond
	s := NewShard(cfg, d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 50*time.Millisecond)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	for seq := int64(2); seq <= 5; seq++ {
		c.send(t, OpDispatch, seq, "MESSAGE_CREATE", map[string]int64{"n": seq})
	}

	beats := 0
	deadline := time.After(500 * time.Millisecond)
count:
	for {
		select {
		case p := <-c.out:
			if p.Op == OpHeartbeat {
				beats++
				c.send(t, OpHeartbeatAck, 0, "", nil)
			}
		case <-deadline:
			break count
		}
	}
	assert.GreaterOrEqual(t, beats, 3, "heartbeats stalled behind an unread events channel")

	for want := int64(1); want <= 5; want++ {
		assert.Equal(t, want, recvEvent(t, s.Events()).Seq)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.ErrorIs(t, recvErr(t, errc), ErrStopped)
}

func TestShardStopRewindsUndeliveredEvents(t *testing.T) {
	d := newFakeDialer()
	cfg := testShardConfig()
	cfg.EventBuffer = 1
	s := NewShard(cfg, d)
	errc := openShard(s, ModeIdentify)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	c.send(t, OpDispatch, 2, "MESSAGE_CREATE", map[string]string{"id": "a"})
	c.send(t, OpDispatch, 3, "MESSAGE_CREATE", map[string]string{"id": "b"})
	require.Eventually(t, func() bool { return s.Snapshot().Seq == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, recvErr(t, errc), ErrStopped)

	// READY reached the channel; seq 2 was still queued when the socket closed.
	assert.Equal(t, "READY", recvEvent(t, s.Events()).Type)
	assert.Equal(t, int64(1), s.Snapshot().Seq)
	assert.True(t, s.CanResume())
}

func TestShardStopWhileWaitingForIdentifyPermit(t *testing.T) {
	d := newFakeDialer()
	waiting := make(chan struct{})
	s := NewShard(testShardConfig(), d, WithIdentifyGate(func(ctx context.Context) error {
		close(waiting)
		<-ctx.Done()
		return ctx.Err()
	}))
	errc := openShard(s, ModeIdentify)
	select {
	case <-waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("shard never asked for a permit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, recvErr(t, errc), ErrStopped)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, d.conns, "no dial after stop")
}

func TestShardStopRacingOpen(t *testing.T) {
	for range 50 {
		d := newFakeDialer()
		s := NewShard(testShardConfig(), d)
		errc := openShard(s, ModeIdentify)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := s.Stop(ctx)
		cancel()
		require.NoError(t, err, "stop lost while open was starting")
		assert.ErrorIs(t, recvErr(t, errc), ErrStopped)
		assert.Equal(t, StateDisconnected, s.State())
	}
}
