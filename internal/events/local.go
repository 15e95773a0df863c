package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"canvaspix/internal/protocol"
)

// Local is the standalone bus: every call is served in-process.
type Local struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	pixels   []PixelHandler
	requests map[string]RequestHandler
	online   map[uint8][]string
}

var _ Bus = (*Local)(nil)

func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		logger:   logger.With().Str("component", "events").Logger(),
		handlers: make(map[string][]Handler),
		requests: make(map[string]RequestHandler),
	}
}

func (l *Local) Emit(key string, payload any) error {
	raw, err := Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", key, err)
	}
	l.Dispatch(key, raw)
	return nil
}

// Dispatch runs the local listeners of key with an already encoded payload.
func (l *Local) Dispatch(key string, raw json.RawMessage) {
	l.mu.RLock()
	hs := append([]Handler(nil), l.handlers[key]...)
	l.mu.RUnlock()
	for _, h := range hs {
		h(raw)
	}
}

func (l *Local) On(key string, h Handler) {
	l.mu.Lock()
	l.handlers[key] = append(l.handlers[key], h)
	l.mu.Unlock()
}

func (l *Local) BroadcastPixels(canvasID uint8, chunk protocol.ChunkID, frame []byte) {
	l.DispatchPixels(canvasID, chunk, frame)
}

// DispatchPixels runs the local pixel listeners.
func (l *Local) DispatchPixels(canvasID uint8, chunk protocol.ChunkID, frame []byte) {
	l.mu.RLock()
	hs := append([]PixelHandler(nil), l.pixels...)
	l.mu.RUnlock()
	for _, h := range hs {
		h(canvasID, chunk, frame)
	}
}

func (l *Local) OnPixels(h PixelHandler) {
	l.mu.Lock()
	l.pixels = append(l.pixels, h)
	l.mu.Unlock()
}

func (l *Local) UpdateOnline(hashes map[uint8][]string) {
	l.mu.Lock()
	l.online = hashes
	l.mu.Unlock()
}

// LocalOnline returns the hashes last handed to UpdateOnline.
func (l *Local) LocalOnline() map[uint8][]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.online
}

func (l *Local) Online() OnlineCounts {
	return CountOnline(l.LocalOnline())
}

func (l *Local) OnRequest(typ string, h RequestHandler) {
	l.mu.Lock()
	l.requests[typ] = h
	l.mu.Unlock()
}

// Answer runs the local handler of typ and encodes its result.
func (l *Local) Answer(ctx context.Context, typ string, args json.RawMessage) (json.RawMessage, error) {
	l.mu.RLock()
	h, ok := l.requests[typ]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, typ)
	}
	res, err := h(ctx, args)
	if err != nil {
		return nil, err
	}
	return Marshal(res)
}

func (l *Local) Request(ctx context.Context, typ string, args any) (json.RawMessage, error) {
	raw, err := Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", typ, err)
	}
	return l.Answer(ctx, typ, raw)
}

func (l *Local) RequestAll(ctx context.Context, typ string, args any) (json.RawMessage, error) {
	return l.Request(ctx, typ, args)
}

func (l *Local) IsMain() bool { return true }

func (l *Local) Close() error { return nil }

// Marshal encodes v, passing raw JSON through untouched.
func Marshal(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return t, nil
	default:
		return json.Marshal(v)
	}
}
