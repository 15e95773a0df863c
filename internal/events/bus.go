// Package events defines the event bus every component publishes to and
// listens on. The same interface is served in-process by Local and across
// shards by cluster.Broker, so callers never check which one they hold.
package events

import (
	"context"
	"encoding/json"
	"errors"

	"canvaspix/internal/protocol"
)

// Event keys shared across packages.
const (
	RateLimitTrigger  = "rateLimitTrigger"
	RecvChatMessage   = "recvChatMessage"
	ChatMessage       = "chatMessage"
	AddChatChannel    = "addChatChannel"
	RemoveChatChannel = "removeChatChannel"
	CountryFactor     = "cooldownFactor.country"
	IPFactor          = "cooldownFactor.ip"
	SharedConfig      = "sharedConfig"
	FishCaught        = "fish.caught"
)

var ErrNoHandler = errors.New("no request handler")

// Handler receives the JSON payload of an emitted event.
type Handler func(payload json.RawMessage)

// PixelHandler receives a pre-encoded pixel-update frame for one chunk.
type PixelHandler func(canvasID uint8, chunk protocol.ChunkID, frame []byte)

// RequestHandler answers a request; the result is JSON encoded.
type RequestHandler func(ctx context.Context, args json.RawMessage) (any, error)

// OnlineCounts are distinct online identities, cluster wide when clustered.
type OnlineCounts struct {
	Total    int
	Canvases map[uint8]int
}

// Counter converts counts into the online-counter frame form.
func (o OnlineCounts) Counter() protocol.OnlineCounter {
	c := protocol.OnlineCounter{
		Total:    protocol.ClampUint16(o.Total),
		Canvases: make(map[uint8]uint16, len(o.Canvases)),
	}
	for id, n := range o.Canvases {
		c.Canvases[id] = protocol.ClampUint16(n)
	}
	return c
}

type Bus interface {
	// Emit runs local listeners of key and, when clustered, every other
	// shard's listeners.
	Emit(key string, payload any) error
	On(key string, h Handler)

	// BroadcastPixels hands a committed pixel frame to every pixel listener
	// of every shard.
	BroadcastPixels(canvasID uint8, chunk protocol.ChunkID, frame []byte)
	OnPixels(h PixelHandler)

	// UpdateOnline replaces this shard's per-canvas set of online identity
	// hashes; Online returns the distinct counts over all shards.
	UpdateOnline(hashes map[uint8][]string)
	Online() OnlineCounts

	// Request asks one shard, RequestAll asks every shard and merges the
	// answers with MergeJSON.
	Request(ctx context.Context, typ string, args any) (json.RawMessage, error)
	RequestAll(ctx context.Context, typ string, args any) (json.RawMessage, error)
	OnRequest(typ string, h RequestHandler)

	// IsMain reports whether this process runs the singleton duties.
	IsMain() bool
	Close() error
}

// CountOnline computes distinct identity counts from per-shard hash lists.
func CountOnline(lists ...map[uint8][]string) OnlineCounts {
	perCanvas := make(map[uint8]map[string]struct{})
	all := make(map[string]struct{})
	for _, hashes := range lists {
		for canvasID, list := range hashes {
			set, ok := perCanvas[canvasID]
			if !ok {
				set = make(map[string]struct{}, len(list))
				perCanvas[canvasID] = set
			}
			for _, h := range list {
				set[h] = struct{}{}
				all[h] = struct{}{}
			}
		}
	}
	out := OnlineCounts{Total: len(all), Canvases: make(map[uint8]int, len(perCanvas))}
	for id, set := range perCanvas {
		out.Canvases[id] = len(set)
	}
	return out
}
