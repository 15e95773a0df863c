// Package cluster turns the in-process event bus into one shared by every
// shard, using nothing but publish/subscribe channels.
//
// Channels:
//
//	bc           every shard: "<shard>:<key>,<json>" events and heartbeats
//	<shard>      unicast: RPC requests and replies, self keep-alive pings
//	<shard>.bin  binary: pixel frames and online identity lists
//
// The broadcast and unicast subscriptions are opened at start; the binary
// channel of a peer is subscribed the first time the peer is heard from.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"canvaspix/internal/events"
	"canvaspix/internal/protocol"
)

const (
	broadcastChannel = "bc"
	heartbeatKey     = "hb"
	requestAllKey    = "__req"
	binarySuffix     = ".bin"

	binaryPixels byte = 1
	binaryOnline byte = 2
)

var (
	ErrTimeout   = errors.New("cluster request timed out")
	ErrNoReplies = errors.New("no shard replied")
)

type Options struct {
	// Name is the configured shard name; it gets a random suffix if it ever
	// collides with another shard.
	Name              string
	HeartbeatInterval time.Duration
	ShardTimeout      time.Duration
	RequestTimeout    time.Duration
	RequestAllTimeout time.Duration
	// Load is announced with every heartbeat; Request picks the shard with
	// the lowest value.
	Load func() float64
	Now  func() time.Time
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.ShardTimeout <= 0 {
		o.ShardTimeout = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 45 * time.Second
	}
	if o.RequestAllTimeout <= 0 {
		o.RequestAllTimeout = 20 * time.Second
	}
	if o.Load == nil {
		o.Load = func() float64 { return 0 }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Broker is the clustered events.Bus. Listener registration and local
// dispatch are inherited from events.Local.
type Broker struct {
	*events.Local

	transport Transport
	opts      Options
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	name     string
	nonce    string
	shards   map[string]*Shard
	pending  map[string]chan reply
	bcSub    Subscription
	selfSub  Subscription
	bcSeen   time.Time
	selfSeen time.Time
}

var _ events.Bus = (*Broker)(nil)

// New subscribes the broadcast and unicast channels and announces the shard.
// Call Start to run the heartbeat loop.
func New(transport Transport, opts Options, logger zerolog.Logger) (*Broker, error) {
	opts.setDefaults()
	if opts.Name == "" {
		return nil, errors.New("cluster: shard name required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		Local:     events.NewLocal(logger),
		transport: transport,
		opts:      opts,
		logger:    logger.With().Str("component", "cluster").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		name:      opts.Name,
		nonce:     uuid.NewString(),
		shards:    make(map[string]*Shard),
		pending:   make(map[string]chan reply),
	}

	now := opts.Now()
	bcSub, err := transport.Subscribe(ctx, broadcastChannel, b.onBroadcast)
	if err != nil {
		cancel()
		return nil, err
	}
	selfSub, err := transport.Subscribe(ctx, opts.Name, b.onUnicast)
	if err != nil {
		bcSub.Close()
		cancel()
		return nil, err
	}
	b.bcSub, b.selfSub = bcSub, selfSub
	b.bcSeen, b.selfSeen = now, now

	b.heartbeat()
	return b, nil
}

// Start runs heartbeat and health check on the configured interval.
func (b *Broker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.heartbeat()
				b.checkHealth()
			}
		}
	}()
}

// Name is the current shard name.
func (b *Broker) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *Broker) identity() (name, nonce string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name, b.nonce
}

func (b *Broker) publish(channel string, payload []byte) {
	if err := b.transport.Publish(b.ctx, channel, payload); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("publish failed")
	}
}

func broadcastFrame(shard, key string, body []byte) []byte {
	out := make([]byte, 0, len(shard)+len(key)+2+len(body))
	out = append(out, shard...)
	out = append(out, ':')
	out = append(out, key...)
	out = append(out, ',')
	return append(out, body...)
}

// Emit runs local listeners and republishes the event to every other shard.
func (b *Broker) Emit(key string, payload any) error {
	raw, err := events.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", key, err)
	}
	b.Local.Dispatch(key, raw)
	name, _ := b.identity()
	if err := b.transport.Publish(b.ctx, broadcastChannel, broadcastFrame(name, key, raw)); err != nil {
		return fmt.Errorf("emit %s: %w", key, err)
	}
	return nil
}

// BroadcastPixels runs local pixel listeners and pushes the frame on this
// shard's binary channel.
func (b *Broker) BroadcastPixels(canvasID uint8, chunk protocol.ChunkID, frame []byte) {
	b.Local.DispatchPixels(canvasID, chunk, frame)
	name, _ := b.identity()
	msg := make([]byte, 0, 2+len(frame))
	msg = append(msg, binaryPixels, canvasID)
	b.publish(name+binarySuffix, append(msg, frame...))
}

// UpdateOnline stores this shard's identity hashes and pushes them to peers.
func (b *Broker) UpdateOnline(hashes map[uint8][]string) {
	b.Local.UpdateOnline(hashes)
	body, err := json.Marshal(hashes)
	if err != nil {
		b.logger.Error().Err(err).Msg("encode online list")
		return
	}
	name, _ := b.identity()
	b.publish(name+binarySuffix, append([]byte{binaryOnline}, body...))
}

// Online counts distinct identities over this shard and every live peer.
func (b *Broker) Online() events.OnlineCounts {
	lists := []map[uint8][]string{b.Local.LocalOnline()}
	b.mu.Lock()
	for _, sh := range b.shards {
		lists = append(lists, sh.online)
	}
	b.mu.Unlock()
	return events.CountOnline(lists...)
}

// IsMain reports whether this shard's name sorts first among known shards.
func (b *Broker) IsMain() bool {
	return b.Leader() == b.Name()
}

// Leader is the first known shard name in lexical order.
func (b *Broker) Leader() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	leader := b.name
	for name := range b.shards {
		if name < leader {
			leader = name
		}
	}
	return leader
}

// Shards returns a snapshot of the peer table ordered by name.
func (b *Broker) Shards() []ShardInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ShardInfo, 0, len(b.shards))
	for _, sh := range b.shards {
		out = append(out, sh.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Broker) onBroadcast(payload []byte) {
	now := b.opts.Now()
	b.mu.Lock()
	b.bcSeen = now
	self, nonce := b.name, b.nonce
	b.mu.Unlock()

	shard, rest, ok := strings.Cut(string(payload), ":")
	if !ok {
		b.logger.Debug().Msg("broadcast without shard prefix dropped")
		return
	}
	key, body, ok := strings.Cut(rest, ",")
	if !ok {
		b.logger.Debug().Str("shard", shard).Msg("broadcast without key dropped")
		return
	}

	if shard == self {
		if key == heartbeatKey {
			if hb, err := decodeHeartbeat(body); err == nil && hb.nonce != nonce {
				go b.rename(self)
			}
		}
		return
	}

	switch key {
	case heartbeatKey:
		hb, err := decodeHeartbeat(body)
		if err != nil {
			b.logger.Debug().Err(err).Str("shard", shard).Msg("bad heartbeat")
			return
		}
		b.observe(shard, hb, now)
	case requestAllKey:
		go b.answer(shard, []byte(body))
	default:
		b.Local.Dispatch(key, json.RawMessage(body))
	}
}

func (b *Broker) onBinary(from string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case binaryPixels:
		// canvas id, then a pixel-update frame: op, i, j, pixels
		if len(payload) < 5 {
			return
		}
		frame := payload[2:]
		b.Local.DispatchPixels(payload[1], protocol.NewChunkID(frame[1], frame[2]), frame)
	case binaryOnline:
		var hashes map[uint8][]string
		if err := json.Unmarshal(payload[1:], &hashes); err != nil {
			b.logger.Debug().Err(err).Str("shard", from).Msg("bad online list")
			return
		}
		b.mu.Lock()
		if sh, ok := b.shards[from]; ok {
			sh.online = hashes
		}
		b.mu.Unlock()
	}
}

// Close stops the loop and drops every subscription.
func (b *Broker) Close() error {
	b.cancel()
	b.wg.Wait()
	b.mu.Lock()
	subs := []Subscription{b.bcSub, b.selfSub}
	for _, sh := range b.shards {
		subs = append(subs, sh.bin)
	}
	b.shards = make(map[string]*Shard)
	b.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			s.Close()
		}
	}
	return nil
}
