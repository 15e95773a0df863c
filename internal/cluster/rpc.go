package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"canvaspix/internal/events"
)

type requestMsg struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
}

type reply struct {
	ID     string          `json:"id"`
	Shard  string          `json:"shard"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteError is a failure reported by the shard that ran a request.
type RemoteError struct {
	Shard   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("shard %s: %s", e.Shard, e.Message)
}

func (b *Broker) onUnicast(payload []byte) {
	now := b.opts.Now()
	b.mu.Lock()
	b.selfSeen = now
	b.mu.Unlock()

	tag, body, ok := strings.Cut(string(payload), ",")
	if !ok {
		return
	}
	switch {
	case tag == "ping":
	case tag == "res":
		var r reply
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			b.logger.Debug().Err(err).Msg("bad reply")
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[r.ID]
		b.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- r:
		default:
		}
	case strings.HasPrefix(tag, "req:"):
		go b.answer(strings.TrimPrefix(tag, "req:"), []byte(body))
	}
}

// answer runs a request from another shard and sends the reply to its
// unicast channel.
func (b *Broker) answer(from string, body []byte) {
	var rq requestMsg
	if err := json.Unmarshal(body, &rq); err != nil {
		b.logger.Debug().Err(err).Str("shard", from).Msg("bad request")
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.RequestTimeout)
	defer cancel()

	name, _ := b.identity()
	r := reply{ID: rq.ID, Shard: name}
	res, err := b.Local.Answer(ctx, rq.Type, rq.Args)
	if err != nil {
		r.Error = err.Error()
	} else {
		r.Result = res
	}
	out, err := json.Marshal(r)
	if err != nil {
		b.logger.Error().Err(err).Str("type", rq.Type).Msg("encode reply")
		return
	}
	b.publish(from, append([]byte("res,"), out...))
}

func (b *Broker) register(id string, size int) chan reply {
	ch := make(chan reply, size)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *Broker) unregister(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// leastLoaded picks the live shard, this one included, with the lowest load.
func (b *Broker) leastLoaded() string {
	ownLoad := b.opts.Load()
	b.mu.Lock()
	defer b.mu.Unlock()
	best, bestLoad := b.name, ownLoad
	for name, sh := range b.shards {
		if sh.State == Suspected {
			continue
		}
		if sh.Load < bestLoad || (sh.Load == bestLoad && name < best) {
			best, bestLoad = name, sh.Load
		}
	}
	return best
}

// Request runs typ on the least loaded shard and returns its result.
func (b *Broker) Request(ctx context.Context, typ string, args any) (json.RawMessage, error) {
	raw, err := events.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", typ, err)
	}
	target := b.leastLoaded()
	name, _ := b.identity()
	if target == name {
		return b.Local.Answer(ctx, typ, raw)
	}

	id := uuid.NewString()
	ch := b.register(id, 1)
	defer b.unregister(id)

	body, err := json.Marshal(requestMsg{ID: id, Type: typ, Args: raw})
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", typ, err)
	}
	msg := append([]byte("req:"+name+","), body...)
	if err := b.transport.Publish(ctx, target, msg); err != nil {
		return nil, fmt.Errorf("request %s: %w", typ, err)
	}

	timer := time.NewTimer(b.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.Error != "" {
			return nil, &RemoteError{Shard: r.Shard, Message: r.Error}
		}
		return r.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s to %s: %w", typ, target, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestAll runs typ on every shard and merges the results. It waits for
// every known peer or the request-all timeout, whichever comes first, and
// fails only if no shard produced a result.
func (b *Broker) RequestAll(ctx context.Context, typ string, args any) (json.RawMessage, error) {
	raw, err := events.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("request all %s: %w", typ, err)
	}

	b.mu.Lock()
	expected := len(b.shards)
	name := b.name
	b.mu.Unlock()

	id := uuid.NewString()
	ch := b.register(id, expected+1)
	defer b.unregister(id)

	if expected > 0 {
		body, err := json.Marshal(requestMsg{ID: id, Type: typ, Args: raw})
		if err != nil {
			return nil, fmt.Errorf("request all %s: %w", typ, err)
		}
		if err := b.transport.Publish(ctx, broadcastChannel, broadcastFrame(name, requestAllKey, body)); err != nil {
			b.logger.Warn().Err(err).Str("type", typ).Msg("request all publish failed")
			expected = 0
		}
	}

	var merged json.RawMessage
	results := 0
	local, err := b.Local.Answer(ctx, typ, raw)
	switch {
	case err == nil:
		merged = local
		results++
	case !errors.Is(err, events.ErrNoHandler):
		b.logger.Warn().Err(err).Str("type", typ).Msg("local request failed")
	}

	timer := time.NewTimer(b.opts.RequestAllTimeout)
	defer timer.Stop()
wait:
	for received := 0; received < expected; received++ {
		select {
		case r := <-ch:
			if r.Error != "" {
				b.logger.Debug().Str("shard", r.Shard).Str("error", r.Error).Msg("request all reply failed")
				continue
			}
			m, err := events.MergeJSON(merged, r.Result)
			if err != nil {
				b.logger.Warn().Err(err).Str("shard", r.Shard).Msg("unmergeable reply")
				continue
			}
			merged = m
			results++
		case <-timer.C:
			b.logger.Debug().Str("type", typ).Int("received", received).Int("expected", expected).Msg("request all timed out")
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if results == 0 {
		return nil, fmt.Errorf("request all %s: %w", typ, ErrNoReplies)
	}
	return merged, nil
}
