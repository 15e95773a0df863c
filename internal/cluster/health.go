package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
)

type ShardState string

const (
	Announcing ShardState = "announcing"
	Active     ShardState = "active"
	Suspected  ShardState = "suspected"
	Removed    ShardState = "removed"
)

// Shard is a peer as seen from this process. Its lifecycle is advisory.
type Shard struct {
	Name          string
	Nonce         string
	State         ShardState
	FirstSeen     time.Time
	LastHeartbeat time.Time
	Load          float64

	online map[uint8][]string
	bin    Subscription
}

type ShardInfo struct {
	Name          string     `json:"name"`
	State         ShardState `json:"state"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	Load          float64    `json:"load"`
	Online        int        `json:"online"`
}

func (s *Shard) info() ShardInfo {
	online := 0
	for _, list := range s.online {
		online += len(list)
	}
	return ShardInfo{
		Name:          s.Name,
		State:         s.State,
		LastHeartbeat: s.LastHeartbeat,
		Load:          s.Load,
		Online:        online,
	}
}

type heartbeatMsg struct {
	nonce string
	load  float64
}

func encodeHeartbeat(nonce string, load float64) []byte {
	body, _ := json.Marshal([]any{nonce, load})
	return body
}

func decodeHeartbeat(body string) (heartbeatMsg, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return heartbeatMsg{}, err
	}
	if len(raw) != 2 {
		return heartbeatMsg{}, fmt.Errorf("heartbeat has %d fields", len(raw))
	}
	var hb heartbeatMsg
	if err := json.Unmarshal(raw[0], &hb.nonce); err != nil {
		return heartbeatMsg{}, err
	}
	if err := json.Unmarshal(raw[1], &hb.load); err != nil {
		return heartbeatMsg{}, err
	}
	return hb, nil
}

// heartbeat announces the shard on the broadcast channel and pings its own
// unicast channel so both subscriptions see traffic every interval.
func (b *Broker) heartbeat() {
	name, nonce := b.identity()
	b.publish(broadcastChannel, broadcastFrame(name, heartbeatKey, encodeHeartbeat(nonce, b.opts.Load())))
	b.publish(name, []byte("ping,"+nonce))
}

// observe records a heartbeat from a peer and opens its binary channel the
// first time it is seen.
func (b *Broker) observe(name string, hb heartbeatMsg, now time.Time) {
	b.mu.Lock()
	sh, ok := b.shards[name]
	if !ok {
		sh = &Shard{Name: name, State: Announcing, FirstSeen: now}
		b.shards[name] = sh
		b.logger.Info().Str("shard", name).Msg("shard joined")
	} else {
		if sh.Nonce != hb.nonce {
			// restarted process or a name collision the peers will heal
			sh.online = nil
		}
		sh.State = Active
	}
	sh.Nonce = hb.nonce
	sh.Load = hb.load
	sh.LastHeartbeat = now
	b.mu.Unlock()

	if !ok {
		go b.subscribeBinary(name)
	}
}

func (b *Broker) subscribeBinary(name string) {
	sub, err := b.transport.Subscribe(b.ctx, name+binarySuffix, func(p []byte) { b.onBinary(name, p) })
	b.mu.Lock()
	sh, ok := b.shards[name]
	if err != nil {
		b.mu.Unlock()
		b.logger.Warn().Err(err).Str("shard", name).Msg("binary subscribe failed")
		return
	}
	if !ok || sh.bin != nil {
		b.mu.Unlock()
		sub.Close()
		return
	}
	sh.bin = sub
	b.mu.Unlock()
}

// checkHealth removes every peer whose last heartbeat is older than the
// shard timeout, marks late ones suspected, and re-subscribes any of our own
// channels that went quiet.
func (b *Broker) checkHealth() {
	now := b.opts.Now()
	suspectAfter := b.opts.HeartbeatInterval + b.opts.HeartbeatInterval/2

	b.mu.Lock()
	var closing []Subscription
	var removed []string
	for name, sh := range b.shards {
		age := now.Sub(sh.LastHeartbeat)
		switch {
		case age > b.opts.ShardTimeout:
			sh.State = Removed
			if sh.bin != nil {
				closing = append(closing, sh.bin)
			}
			delete(b.shards, name)
			removed = append(removed, name)
		case age > suspectAfter:
			sh.State = Suspected
		}
	}
	bcStale := now.Sub(b.bcSeen) > b.opts.ShardTimeout
	selfStale := now.Sub(b.selfSeen) > b.opts.ShardTimeout
	b.mu.Unlock()

	for _, s := range closing {
		s.Close()
	}
	for _, name := range removed {
		b.logger.Warn().Str("shard", name).Msg("shard timed out")
	}
	if bcStale {
		b.resubscribe(broadcastChannel)
	}
	if selfStale {
		b.resubscribe("")
	}
}

// resubscribe replaces the broadcast subscription, or the unicast one when
// channel is empty, retrying with exponential backoff until the next tick.
func (b *Broker) resubscribe(channel string) {
	self := channel == ""
	op := func() error {
		b.mu.Lock()
		target := channel
		if self {
			target = b.name
		}
		var old Subscription
		if self {
			old, b.selfSub = b.selfSub, nil
		} else {
			old, b.bcSub = b.bcSub, nil
		}
		b.mu.Unlock()
		if old != nil {
			old.Close()
		}

		handler := b.onBroadcast
		if self {
			handler = b.onUnicast
		}
		sub, err := b.transport.Subscribe(b.ctx, target, handler)
		if err != nil {
			return err
		}
		now := b.opts.Now()
		b.mu.Lock()
		if self {
			b.selfSub, b.selfSeen = sub, now
		} else {
			b.bcSub, b.bcSeen = sub, now
		}
		b.mu.Unlock()
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = b.opts.HeartbeatInterval
	name := channel
	if self {
		name = "self"
	}
	b.logger.Warn().Str("subscription", name).Msg("subscription stale, resubscribing")
	err := backoff.RetryNotify(op, backoff.WithContext(policy, b.ctx), func(err error, wait time.Duration) {
		b.logger.Warn().Err(err).Str("subscription", name).Dur("retry_in", wait).Msg("resubscribe failed")
	})
	if err != nil {
		b.logger.Error().Err(err).Str("subscription", name).Msg("resubscribe gave up until next health check")
	}
}

// rename picks a new shard name after seeing our own name announced with a
// foreign nonce, then re-announces. seen is the name the collision was
// detected on; a rename that already happened makes this a no-op.
func (b *Broker) rename(seen string) {
	b.mu.Lock()
	if b.name != seen {
		b.mu.Unlock()
		return
	}
	old := b.name
	b.name = fmt.Sprintf("%s-%s", b.opts.Name, uuid.NewString()[:8])
	b.nonce = uuid.NewString()
	newName := b.name
	b.mu.Unlock()

	b.logger.Warn().Str("old", old).Str("new", newName).Msg("shard name collision, renamed")
	b.resubscribe("")
	b.heartbeat()
}
