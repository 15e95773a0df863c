package server

import (
	"sync"

	"canvaspix/internal/protocol"
)

type chunkKey struct {
	canvas uint8
	chunk  protocol.ChunkID
}

// Hub indexes the live clients by ip and by subscribed chunk. Clients never
// touch the indexes directly.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byIP    map[string]map[*Client]struct{}
	chunks  map[chunkKey]map[*Client]struct{}
}

func newHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		byIP:    make(map[string]map[*Client]struct{}),
		chunks:  make(map[chunkKey]map[*Client]struct{}),
	}
}

// register adds c unless its ip already holds limit connections.
func (h *Hub) register(c *Client, limit int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byIP[c.ip]
	if limit > 0 && len(set) >= limit {
		return false
	}
	if set == nil {
		set = make(map[*Client]struct{})
		h.byIP[c.ip] = set
	}
	set[c] = struct{}{}
	h.clients[c] = struct{}{}
	return true
}

// unregister drops c and every chunk subscription it held.
func (h *Hub) unregister(c *Client, chunks []chunkKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if set := h.byIP[c.ip]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byIP, c.ip)
		}
	}
	for _, k := range chunks {
		h.removeLocked(k, c)
	}
}

// subscribe ignores clients that are no longer registered, so a subscribe
// racing with close never leaves a stale entry behind.
func (h *Hub) subscribe(k chunkKey, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	set := h.chunks[k]
	if set == nil {
		set = make(map[*Client]struct{})
		h.chunks[k] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(k chunkKey, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(k, c)
}

func (h *Hub) removeLocked(k chunkKey, c *Client) {
	set := h.chunks[k]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.chunks, k)
	}
}

func (h *Hub) subscribers(k chunkKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chunks[k])
}

// snapshot copies a client set so sends happen outside the lock.
func snapshot(set map[*Client]struct{}) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// broadcastChunk sends one pre-encoded frame to every subscriber of k.
func (h *Hub) broadcastChunk(k chunkKey, frame []byte) {
	h.mu.RLock()
	targets := snapshot(h.chunks[k])
	h.mu.RUnlock()
	for _, c := range targets {
		c.sendBinary(frame)
	}
}

func (h *Hub) sendToIP(ip string, msg outbound) int {
	h.mu.RLock()
	targets := snapshot(h.byIP[ip])
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
	return len(targets)
}

func (h *Hub) forEach(f func(c *Client)) {
	h.mu.RLock()
	targets := snapshot(h.clients)
	h.mu.RUnlock()
	for _, c := range targets {
		f(c)
	}
}

func (h *Hub) broadcast(msg outbound) {
	h.forEach(func(c *Client) { c.enqueue(msg) })
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ipCount(ip string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byIP[ip])
}

func (h *Hub) ips() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byIP))
	for ip := range h.byIP {
		out = append(out, ip)
	}
	return out
}

func (h *Hub) clientsOf(ip string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.byIP[ip])
}
