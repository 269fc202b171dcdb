package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cordkit/internal/eventbus"
	"cordkit/internal/storage"
	"cordkit/pkg/logx"
)

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Token:               "tok",
		URL:                 "wss://gw.test",
		Intents:             IntentGuilds,
		IdentifyWindow:      40 * time.Millisecond,
		ReconnectBase:       5 * time.Millisecond,
		ReconnectMax:        20 * time.Millisecond,
		HealthInterval:      5 * time.Millisecond,
		StopAckTimeout:      50 * time.Millisecond,
		InvalidSessionDelay: 5 * time.Millisecond,
	}
}

func startManager(t *testing.T, d Dialer, cfg ManagerConfig, total, maxConcurrency int, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(d, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), total, maxConcurrency))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, m.Stop(ctx))
	})
	return m
}

func TestManagerStartValidates(t *testing.T) {
	_, err := NewManager(nil, ManagerConfig{})
	assert.Error(t, err)

	m, err := NewManager(newFakeDialer(), testManagerConfig())
	require.NoError(t, err)
	assert.Error(t, m.Start(context.Background(), 0, 1))
}

func TestManagerReconnectsZombieShardWithResume(t *testing.T) {
	d := newFakeDialer()
	m := startManager(t, d, testManagerConfig(), 1, 1)

	c1 := d.next(t)
	c1.hello(t, 20*time.Millisecond)
	c1.expect(t, OpIdentify)
	c1.ready(t, 1, "sess-1")
	ev := recvEvent(t, m.Events())
	assert.Equal(t, "READY", ev.Type)

	// No acks: the health monitor forces a reconnect after two misses.
	c2 := d.next(t)
	assert.True(t, c1.isClosed())
	assert.Equal(t, "wss://resume.test", c2.url)

	c2.hello(t, 30*time.Second)
	r := decode[resumeData](t, c2.expect(t, OpResume))
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, int64(1), r.Seq)

	c2.send(t, OpDispatch, 2, "RESUMED", nil)
	ev = recvEvent(t, m.Events())
	assert.Equal(t, "RESUMED", ev.Type)
	assert.Len(t, m.Throttle().Grants(), 1, "resume takes no identify permit")
}

func TestManagerDoesNotRestartFatalShard(t *testing.T) {
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	d := newFakeDialer()
	m := startManager(t, d, testManagerConfig(), 1, 1, WithManagerBus(bus))

	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.closeWith(CloseDisallowedIntents, "disallowed intents")

	require.Eventually(t, func() bool { return len(m.FatalErrors()) == 1 }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-d.conns:
		t.Fatal("fatal shard was redialed")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateDisconnected, m.Shard(0).State())

	var kinds []eventbus.Kind
	timeout := time.After(time.Second)
	for !containsKind(kinds, eventbus.ShardFatal) {
		select {
		case e := <-sub:
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("no fatal event, saw %v", kinds)
		}
	}
	assert.Contains(t, kinds, eventbus.IdentifyGranted)
	assert.Contains(t, kinds, eventbus.ShardState)
}

func containsKind(kinds []eventbus.Kind, k eventbus.Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func TestManagerSpacesIdentifiesAndFansIn(t *testing.T) {
	d := newFakeDialer()
	m := startManager(t, d, testManagerConfig(), 3, 1)

	shards := map[int]*fakeConn{}
	for range 3 {
		c := d.next(t)
		c.hello(t, 30*time.Second)
		id := decode[identifyData](t, c.expect(t, OpIdentify))
		assert.Equal(t, 3, id.Shard[1])
		shards[id.Shard[0]] = c
	}
	require.Len(t, shards, 3)

	grants := m.Throttle().Grants()
	require.Len(t, grants, 3)
	for i := 1; i < len(grants); i++ {
		assert.Greater(t, grants[i].Sub(grants[i-1]), 40*time.Millisecond)
	}

	for id, c := range shards {
		c.ready(t, 1, "sess-"+string(rune('a'+id)))
	}
	select {
	case <-m.AllReady():
	case <-time.After(2 * time.Second):
		t.Fatal("AllReady not closed")
	}

	seen := map[int]bool{}
	for range 3 {
		ev := recvEvent(t, m.Events())
		assert.Equal(t, "READY", ev.Type)
		seen[ev.ShardID] = true
	}
	assert.Len(t, seen, 3)

	for _, snap := range m.Snapshot() {
		assert.Equal(t, StateReady, snap.State, "shard %d", snap.ID)
	}

	require.NoError(t, m.UpdatePresence(context.Background(), PresenceUpdate{Status: "dnd"}))
	for _, c := range shards {
		pu := decode[PresenceUpdate](t, c.expect(t, OpPresenceUpdate))
		assert.Equal(t, "dnd", pu.Status)
	}
}

func TestManagerPreservesPerShardOrder(t *testing.T) {
	d := newFakeDialer()
	m := startManager(t, d, testManagerConfig(), 1, 1)
	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	for seq := int64(2); seq <= 20; seq++ {
		c.send(t, OpDispatch, seq, "MESSAGE_CREATE", map[string]int64{"n": seq})
	}
	for want := int64(1); want <= 20; want++ {
		assert.Equal(t, want, recvEvent(t, m.Events()).Seq)
	}
}

func TestManagerResumesStoredSessions(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cordkit.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.PutSession(ctx, storage.Session{ShardID: 0, ShardCount: 2, SessionID: "stored", Seq: 12, ResumeURL: "wss://resume.test"}))
	require.NoError(t, st.PutSession(ctx, storage.Session{ShardID: 1, ShardCount: 4, SessionID: "stale", Seq: 3}))

	d := newFakeDialer()
	m := startManager(t, d, testManagerConfig(), 2, 1, WithManagerSessions(st))

	for range 2 {
		c := d.next(t)
		c.hello(t, 30*time.Second)
		if c.url == "wss://resume.test" {
			r := decode[resumeData](t, c.expect(t, OpResume))
			assert.Equal(t, "stored", r.SessionID)
			assert.Equal(t, int64(12), r.Seq)
			continue
		}
		id := decode[identifyData](t, c.expect(t, OpIdentify))
		assert.Equal(t, [2]int{1, 2}, id.Shard, "session for another shard count is ignored")
	}
	assert.Len(t, m.Throttle().Grants(), 1)
}

func TestManagerTransitionsAndStop(t *testing.T) {
	d := newFakeDialer()
	m, err := NewManager(d, testManagerConfig())
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), 1, 1))
	assert.Error(t, m.Start(context.Background(), 1, 1), "second start")

	c := d.next(t)
	c.hello(t, 30*time.Second)
	c.expect(t, OpIdentify)
	c.ready(t, 1, "sess-1")
	recvEvent(t, m.Events())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	assert.True(t, c.isClosed())
	_, open := <-m.Events()
	assert.False(t, open, "events closed after stop")

	var states []State
	for len(m.Transitions()) > 0 {
		states = append(states, (<-m.Transitions()).To)
	}
	assert.Equal(t, []State{StateConnecting, StateIdentifying, StateReady, StateDisconnected}, states)
}

func TestManagerStopWhileShardWaitsForPermit(t *testing.T) {
	d := newFakeDialer()
	cfg := testManagerConfig()
	cfg.IdentifyWindow = 5 * time.Second
	m, err := NewManager(d, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), 2, 1))

	c := d.next(t)
	c.hello(t, 30*time.Second)
	id := decode[identifyData](t, c.expect(t, OpIdentify))
	c.ready(t, 1, "sess-1")
	assert.Equal(t, "READY", recvEvent(t, m.Events()).Type)

	waiting := m.Shard(1 - id.Shard[0])
	require.Eventually(t, func() bool { return waiting.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDisconnected, waiting.State())
	assert.Empty(t, d.conns, "waiting shard never dialed")

	_, open := <-m.Events()
	assert.False(t, open, "events closed after stop")
}
