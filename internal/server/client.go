package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"canvaspix/internal/events"
	"canvaspix/internal/identity"
	"canvaspix/internal/placement"
	"canvaspix/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 10
)

// State is the lifecycle of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateCanvasBound
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateCanvasBound:
		return "canvas_bound"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type outbound struct {
	text bool
	data []byte
}

// Client is one websocket connection. Its state is owned by the Server and
// the Hub; only the pumps of this client mutate it.
type Client struct {
	server      *Server
	conn        *websocket.Conn
	ip          string
	ident       identity.Identity
	connectedAt time.Time
	logger      zerolog.Logger

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	state       atomic.Int32
	lastMessage atomic.Int64

	mu       sync.Mutex
	canvasID uint8
	bound    bool
	chunks   map[protocol.ChunkID]struct{}
}

func newClient(s *Server, conn *websocket.Conn, ip string, ident identity.Identity) *Client {
	now := s.now()
	c := &Client{
		server:      s,
		conn:        conn,
		ip:          ip,
		ident:       ident,
		connectedAt: now,
		logger:      s.logger.With().Str("ip", ip).Logger(),
		send:        make(chan outbound, s.cfg.SendBuffer),
		done:        make(chan struct{}),
		chunks:      make(map[protocol.ChunkID]struct{}),
	}
	c.lastMessage.Store(now.UnixNano())
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

func (c *Client) touch() { c.lastMessage.Store(c.server.now().UnixNano()) }

func (c *Client) idleSince() time.Time { return time.Unix(0, c.lastMessage.Load()) }

// enqueue hands msg to the write pump. A client whose buffer is full is
// closed so it cannot hold up anyone else.
func (c *Client) enqueue(msg outbound) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn().Msg("send buffer full, closing slow client")
		c.close()
	}
}

func (c *Client) sendBinary(frame []byte) { c.enqueue(outbound{data: frame}) }

func (c *Client) sendText(frame []byte) { c.enqueue(outbound{text: true, data: frame}) }

// close moves the client to Closing, releases its hub entries and stops the
// write pump, which closes the socket.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.mu.Lock()
		keys := c.chunkKeysLocked()
		c.chunks = make(map[protocol.ChunkID]struct{})
		c.bound = false
		c.mu.Unlock()
		c.server.hub.unregister(c, keys)
		close(c.done)
	})
}

func (c *Client) chunkKeysLocked() []chunkKey {
	keys := make([]chunkKey, 0, len(c.chunks))
	for id := range c.chunks {
		keys = append(keys, chunkKey{canvas: c.canvasID, chunk: id})
	}
	return keys
}

func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.touch()
		if !c.server.messageLimiter.Allow(c.ip, 1) {
			c.logger.Info().Msg("message rate exceeded")
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			c.onBinary(msg)
		case websocket.TextMessage:
			c.onText(string(msg))
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
		c.setState(StateClosed)
	}()
	for {
		select {
		case msg := <-c.send:
			typ := websocket.BinaryMessage
			if msg.text {
				typ = websocket.TextMessage
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(typ, msg.data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) onBinary(frame []byte) {
	op, err := protocol.Opcode(frame)
	if err != nil {
		return
	}
	switch op {
	case protocol.OpRegisterCanvas:
		var id uint8
		if id, err = protocol.DecodeRegisterCanvas(frame); err == nil {
			c.bindCanvas(id)
		}
	case protocol.OpRegisterChunk, protocol.OpDeregisterChunk:
		var id protocol.ChunkID
		if id, err = protocol.DecodeChunk(frame); err == nil {
			if op == protocol.OpRegisterChunk {
				c.subscribe([]protocol.ChunkID{id})
			} else {
				c.unsubscribe([]protocol.ChunkID{id})
			}
		}
	case protocol.OpRegisterChunks, protocol.OpDeregisterChunks:
		var ids []protocol.ChunkID
		if ids, err = protocol.DecodeChunks(frame); err == nil {
			if op == protocol.OpRegisterChunks {
				c.subscribe(ids)
			} else {
				c.unsubscribe(ids)
			}
		}
	case protocol.OpPixelUpdate:
		var update protocol.PixelUpdate
		if update, err = protocol.DecodePixelUpdate(frame); err == nil {
			c.place(update)
		}
	case protocol.OpLegacyPixelUpdate:
		if _, err = protocol.DecodeLegacyPixelUpdate(frame); err == nil {
			c.sendBinary(protocol.EncodeChangedMe())
			c.sendBinary(placement.Result{Code: protocol.LegacyClient}.Frame())
		}
	case protocol.OpPing:
	case protocol.OpFishCaught:
		if f := c.server.fishing(); f != nil {
			if err := f.Catch(c.ip); err != nil {
				c.logger.Error().Err(err).Msg("fish catch")
			}
		}
	default:
		c.logger.Debug().Stringer("op", op).Msg("unhandled frame")
	}
	if err != nil {
		c.logger.Debug().Err(err).Stringer("op", op).Msg("malformed frame")
	}
}

func (c *Client) bindCanvas(id uint8) {
	cv, ok := c.server.canvases.Get(id)
	if !ok {
		c.logger.Debug().Uint8("canvas", id).Msg("unknown canvas")
		return
	}
	c.mu.Lock()
	var stale []chunkKey
	if c.bound && c.canvasID != id {
		stale = c.chunkKeysLocked()
		c.chunks = make(map[protocol.ChunkID]struct{})
	}
	c.canvasID = id
	c.bound = true
	c.mu.Unlock()
	for _, k := range stale {
		c.server.hub.unsubscribe(k, c)
	}
	c.setState(StateCanvasBound)

	if c.server.cooldown == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.server.ctx, c.server.cfg.PlaceTimeout)
		defer cancel()
		wait, err := c.server.cooldown(ctx, cv.CooldownCanvas(), c.ip, c.ident.UserID())
		if err != nil {
			c.logger.Warn().Err(err).Msg("cooldown lookup")
			return
		}
		if wait > 0 {
			c.sendBinary(protocol.EncodeCooldown(uint32(min(wait, int64(^uint32(0))))))
		}
	}()
}

func (c *Client) canvas() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canvasID, c.bound
}

// subscribe adds chunks of the bound canvas. Going over the per-client cap
// refuses the whole frame and trips the chunk limiter.
func (c *Client) subscribe(ids []protocol.ChunkID) {
	if !c.server.chunkLimiter.Allow(c.ip, len(ids)) {
		return
	}
	c.mu.Lock()
	if !c.bound {
		c.mu.Unlock()
		return
	}
	fresh := make([]protocol.ChunkID, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.chunks[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(c.chunks)+len(fresh) > c.server.cfg.MaxChunksPerClient {
		c.mu.Unlock()
		c.logger.Info().Int("chunks", len(c.chunks)).Msg("chunk subscription cap exceeded")
		c.server.chunkLimiter.Trigger(c.ip)
		return
	}
	for _, id := range fresh {
		c.chunks[id] = struct{}{}
	}
	canvasID := c.canvasID
	c.mu.Unlock()
	for _, id := range fresh {
		c.server.hub.subscribe(chunkKey{canvas: canvasID, chunk: id}, c)
	}
}

func (c *Client) unsubscribe(ids []protocol.ChunkID) {
	c.mu.Lock()
	canvasID := c.canvasID
	gone := make([]protocol.ChunkID, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.chunks[id]; ok {
			delete(c.chunks, id)
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()
	for _, id := range gone {
		c.server.hub.unsubscribe(chunkKey{canvas: canvasID, chunk: id}, c)
	}
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// place runs the placement in its own goroutine so the read loop keeps
// serving; the result is answered with a pixel-return frame.
func (c *Client) place(update protocol.PixelUpdate) {
	canvasID, ok := c.canvas()
	if !ok {
		c.sendBinary(placement.Result{Code: protocol.InvalidCanvas}.Frame())
		return
	}
	req := placement.Request{
		CanvasID:    canvasID,
		I:           update.I,
		J:           update.J,
		Pixels:      update.Pixels,
		Identity:    c.ident,
		ConnectedAt: c.connectedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.server.ctx, c.server.cfg.PlaceTimeout)
		defer cancel()
		res, err := c.server.placer.Place(ctx, req)
		if err != nil {
			var se *placement.StoreError
			if errors.As(err, &se) {
				c.logger.Error().Err(err).Str("op", se.Op).Msg("placement store failure")
			} else {
				c.logger.Error().Err(err).Msg("placement failed")
			}
			return
		}
		c.sendBinary(res.Frame())
	}()
}

func (c *Client) onText(msg string) {
	frame, err := protocol.DecodeText(msg)
	if err != nil {
		c.logger.Debug().Err(err).Msg("bad text frame")
		return
	}
	switch {
	case frame.Chat != nil:
		go c.chat(*frame.Chat)
	case frame.Captcha != nil:
		go c.solveCaptcha(*frame.Captcha)
	}
}

// RecvChat is the recvChatMessage event payload.
type RecvChat struct {
	IP        string `json:"ip"`
	UserID    int64  `json:"userId"`
	Name      string `json:"name,omitempty"`
	Country   string `json:"country"`
	Message   string `json:"message"`
	ChannelID int64  `json:"channelId"`
}

func (c *Client) chat(m protocol.ChatMessage) {
	ctx, cancel := context.WithTimeout(c.server.ctx, c.server.cfg.PlaceTimeout)
	defer cancel()
	al, err := c.ident.Allowance(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("chat allowance")
		return
	}
	if al.Banned || al.Muted {
		return
	}
	err = c.server.bus.Emit(events.RecvChatMessage, RecvChat{
		IP:        c.ip,
		UserID:    c.ident.UserID(),
		Name:      c.ident.Name(),
		Country:   c.ident.Country(),
		Message:   m.Message,
		ChannelID: m.ChannelID,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("emit chat")
	}
}

func (c *Client) solveCaptcha(s protocol.CaptchaSolution) {
	if c.server.captcha == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.server.ctx, c.server.cfg.PlaceTimeout)
	defer cancel()
	code, err := c.server.captcha.Verify(ctx, c.ip, s.CaptchaID, s.Solution)
	if err != nil {
		c.logger.Error().Err(err).Msg("captcha verify")
		return
	}
	c.sendBinary(protocol.EncodeCaptchaReturn(code))
}
