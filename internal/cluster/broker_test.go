package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvaspix/internal/protocol"
)

// memHub is an in-memory Transport delivering synchronously to every
// subscriber of a channel.
type memHub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func([]byte)
}

func newMemHub() *memHub {
	return &memHub{subs: make(map[string]map[int]func([]byte))}
}

func (h *memHub) Publish(_ context.Context, channel string, payload []byte) error {
	h.mu.Lock()
	var handlers []func([]byte)
	for _, f := range h.subs[channel] {
		handlers = append(handlers, f)
	}
	h.mu.Unlock()
	for _, f := range handlers {
		f(append([]byte(nil), payload...))
	}
	return nil
}

func (h *memHub) Subscribe(_ context.Context, channel string, handler func([]byte)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]func([]byte))
	}
	h.subs[channel][h.next] = handler
	return &memSub{hub: h, channel: channel, id: h.next}, nil
}

func (h *memHub) Close() error { return nil }

// drop silently breaks every subscription of channel.
func (h *memHub) drop(channel string) {
	h.mu.Lock()
	delete(h.subs, channel)
	h.mu.Unlock()
}

func (h *memHub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

type memSub struct {
	hub     *memHub
	channel string
	id      int
}

func (s *memSub) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs[s.channel], s.id)
	s.hub.mu.Unlock()
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBroker(t *testing.T, hub *memHub, clock *testClock, name string, load float64) *Broker {
	t.Helper()
	b, err := New(hub, Options{
		Name:              name,
		HeartbeatInterval: 10 * time.Second,
		ShardTimeout:      30 * time.Second,
		RequestTimeout:    time.Second,
		RequestAllTimeout: 150 * time.Millisecond,
		Load:              func() float64 { return load },
		Now:               clock.Now,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func fakeHeartbeat(t *testing.T, hub *memHub, name, nonce string, load float64) {
	t.Helper()
	require.NoError(t, hub.Publish(context.Background(), broadcastChannel,
		broadcastFrame(name, heartbeatKey, encodeHeartbeat(nonce, load))))
}

func shardState(b *Broker, name string) (ShardState, bool) {
	for _, s := range b.Shards() {
		if s.Name == name {
			return s.State, true
		}
	}
	return "", false
}

func TestShardRemovedOnlyPastTimeout(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)

	fakeHeartbeat(t, hub, "ghost", "n1", 0)
	state, ok := shardState(a, "ghost")
	require.True(t, ok)
	assert.Equal(t, Announcing, state)

	fakeHeartbeat(t, hub, "ghost", "n1", 0)
	state, _ = shardState(a, "ghost")
	assert.Equal(t, Active, state)

	clock.Advance(20 * time.Second)
	a.heartbeat()
	a.checkHealth()
	state, ok = shardState(a, "ghost")
	require.True(t, ok)
	assert.Equal(t, Suspected, state)

	clock.Advance(10 * time.Second)
	a.heartbeat()
	a.checkHealth()
	_, ok = shardState(a, "ghost")
	assert.True(t, ok, "age equal to the timeout is not past it")

	clock.Advance(time.Millisecond)
	a.checkHealth()
	_, ok = shardState(a, "ghost")
	assert.False(t, ok)
}

func TestHeartbeatKeepsShardAlive(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)
	b := newBroker(t, hub, clock, "shard-b", 0)

	for i := 0; i < 10; i++ {
		clock.Advance(10 * time.Second)
		a.heartbeat()
		b.heartbeat()
		a.checkHealth()
		b.checkHealth()
	}
	state, ok := shardState(a, "shard-b")
	require.True(t, ok)
	assert.Equal(t, Active, state)
	state, ok = shardState(b, "shard-a")
	require.True(t, ok)
	assert.Equal(t, Active, state)
}

func TestLeaderIsFirstName(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	b := newBroker(t, hub, clock, "shard-b", 0)
	assert.True(t, b.IsMain())

	fakeHeartbeat(t, hub, "shard-a", "n", 0)
	assert.False(t, b.IsMain())
	assert.Equal(t, "shard-a", b.Leader())

	clock.Advance(31 * time.Second)
	b.heartbeat()
	b.checkHealth()
	assert.True(t, b.IsMain())
}

func TestEmitReachesEveryShardOnce(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)
	b := newBroker(t, hub, clock, "shard-b", 0)

	var onA, onB atomic.Int32
	a.On("ping", func(p json.RawMessage) {
		assert.JSONEq(t, `{"n":1}`, string(p))
		onA.Add(1)
	})
	b.On("ping", func(json.RawMessage) { onB.Add(1) })

	require.NoError(t, b.Emit("ping", map[string]int{"n": 1}))
	assert.Equal(t, int32(1), onA.Load())
	assert.Equal(t, int32(1), onB.Load())
}

func TestPixelsCrossShards(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)
	b := newBroker(t, hub, clock, "shard-b", 0)

	var got atomic.Value
	a.OnPixels(func(canvasID uint8, chunk protocol.ChunkID, frame []byte) {
		if canvasID == 2 && chunk == protocol.NewChunkID(3, 4) {
			got.Store(frame)
		}
	})
	frame := protocol.EncodePixelUpdate(3, 4, []protocol.Pixel{{Offset: 1, Color: 2}})
	require.Eventually(t, func() bool {
		b.BroadcastPixels(2, protocol.NewChunkID(3, 4), frame)
		return got.Load() != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, got.Load())
}

func TestOnlineCountedOncePerIdentity(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)
	b := newBroker(t, hub, clock, "shard-b", 0)
	a.heartbeat()

	a.UpdateOnline(map[uint8][]string{0: {"y", "z"}})
	require.Eventually(t, func() bool {
		b.UpdateOnline(map[uint8][]string{0: {"x", "y"}, 1: {"x"}})
		return a.Online().Total == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, map[uint8]int{0: 3, 1: 1}, a.Online().Canvases)

	clock.Advance(31 * time.Second)
	a.heartbeat()
	a.checkHealth()
	assert.Equal(t, 2, a.Online().Total, "removed shard's identities are purged")
}

func TestRequestGoesToLeastLoaded(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 10)
	b := newBroker(t, hub, clock, "shard-b", 1)

	a.OnRequest("whoami", func(context.Context, json.RawMessage) (any, error) { return "a", nil })
	b.OnRequest("whoami", func(_ context.Context, args json.RawMessage) (any, error) {
		return "b:" + string(args), nil
	})

	res, err := a.Request(context.Background(), "whoami", 7)
	require.NoError(t, err)
	assert.JSONEq(t, `"b:7"`, string(res))

	b.OnRequest("fail", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("boom") })
	_, err = a.Request(context.Background(), "fail", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "shard-b", remote.Shard)
}

func TestRequestTimesOut(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 10)
	fakeHeartbeat(t, hub, "ghost", "n", 0)

	_, err := a.Request(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestAllPartialMerge(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)
	b := newBroker(t, hub, clock, "shard-b", 0)
	a.heartbeat()
	fakeHeartbeat(t, hub, "ghost", "n", 0)

	a.OnRequest("conn.count", func(context.Context, json.RawMessage) (any, error) { return 4, nil })
	b.OnRequest("conn.count", func(context.Context, json.RawMessage) (any, error) { return 6, nil })

	start := time.Now()
	res, err := a.RequestAll(context.Background(), "conn.count", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `10`, string(res))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "waits for the silent shard until timeout")
}

func TestRequestAllCompletesWhenAllReply(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)
	b := newBroker(t, hub, clock, "shard-b", 0)
	a.heartbeat()

	a.OnRequest("online.ips", func(context.Context, json.RawMessage) (any, error) { return []string{"1"}, nil })
	b.OnRequest("online.ips", func(context.Context, json.RawMessage) (any, error) { return []string{"2"}, nil })

	res, err := b.RequestAll(context.Background(), "online.ips", nil)
	require.NoError(t, err)
	var ips []string
	require.NoError(t, json.Unmarshal(res, &ips))
	assert.ElementsMatch(t, []string{"1", "2"}, ips)
}

func TestRequestAllFailsWithZeroReplies(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)
	fakeHeartbeat(t, hub, "ghost", "n", 0)

	_, err := a.RequestAll(context.Background(), "conn.count", nil)
	assert.ErrorIs(t, err, ErrNoReplies)
}

func TestNameCollisionRenames(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard", 0)

	fakeHeartbeat(t, hub, "shard", "someone-else", 0)
	require.Eventually(t, func() bool { return a.Name() != "shard" }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(a.Name(), "shard-"))
	require.Eventually(t, func() bool { return hub.count(a.Name()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, hub.count("shard"))
}

func TestStaleSubscriptionsResubscribeIndependently(t *testing.T) {
	hub := newMemHub()
	clock := &testClock{t: time.Unix(1000, 0)}
	a := newBroker(t, hub, clock, "shard-a", 0)

	hub.drop("shard-a")
	for i := 0; i < 3; i++ {
		clock.Advance(11 * time.Second)
		a.heartbeat()
	}
	require.Equal(t, 0, hub.count("shard-a"))
	a.checkHealth()
	assert.Equal(t, 1, hub.count("shard-a"), "self channel resubscribed")
	assert.Equal(t, 1, hub.count(broadcastChannel), "broadcast channel left alone")

	hub.drop(broadcastChannel)
	for i := 0; i < 3; i++ {
		clock.Advance(11 * time.Second)
		a.heartbeat()
	}
	a.checkHealth()
	assert.Equal(t, 1, hub.count(broadcastChannel))
	assert.Equal(t, 1, hub.count("shard-a"))
}
