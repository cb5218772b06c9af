package ws

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/engine"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
	"github.com/manpreetbhatti/bubbles/internal/ratelimit"
)

var ErrHubStopped = errors.New("ws: hub stopped")

type Config struct {
	// Messages buffered per connection before sends start failing.
	SendBuffer        int
	EventsPerSecond   float64
	EventBurst        int
	ConnectsPerMinute int
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:        512,
		EventsPerSecond:   200,
		EventBurst:        400,
		ConnectsPerMinute: 60,
	}
}

// Hub owns the relay engine and is its transport. Every engine call happens
// on the Run goroutine.
type Hub struct {
	cfg    Config
	log    logrus.FieldLogger
	engine *engine.Engine

	// Owned by the Run goroutine.
	clients map[domain.ConnID]*Client

	register    chan *Client
	unregister  chan *Client
	inbound     chan inbound
	completions chan completion
	calls       chan func()
	done        chan struct{}

	connects *ratelimit.ClientLimiters
}

type inbound struct {
	id  domain.ConnID
	msg protocol.Message
}

type completion struct {
	id  domain.ConnID
	msg protocol.Message
	err error
}

func NewHub(cfg Config, engineCfg engine.Config, log logrus.FieldLogger, observers ...engine.Observer) (*Hub, error) {
	h := &Hub{
		cfg:         cfg,
		log:         log,
		clients:     make(map[domain.ConnID]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan inbound, 256),
		completions: make(chan completion, 1024),
		calls:       make(chan func()),
		done:        make(chan struct{}),
		connects:    ratelimit.NewClientLimiters(float64(cfg.ConnectsPerMinute)/60, cfg.ConnectsPerMinute),
	}
	e, err := engine.New(engineCfg, h, log, observers...)
	if err != nil {
		h.connects.Stop()
		return nil, err
	}
	h.engine = e
	return h, nil
}

// Run serves the engine until ctx is cancelled, then drops every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.connects.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.engine.OnConnectionStart(c.id)
			h.log.WithFields(logrus.Fields{"conn": c.id, "remote": c.remote}).Debug("Client connected")

		case c := <-h.unregister:
			h.drop(c)

		case in := <-h.inbound:
			if _, ok := h.clients[in.id]; ok {
				h.engine.OnMessage(in.id, in.msg)
			}

		case cp := <-h.completions:
			h.engine.OnSendComplete(cp.id, cp.msg, cp.err)

		case fn := <-h.calls:
			fn()
		}
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	h.engine.OnConnectionStop(c.id)
	// The write pump completes whatever is still buffered, then exits.
	close(c.send)
	h.log.WithField("conn", c.id).Debug("Client disconnected")
}

func (h *Hub) shutdown() {
	for _, c := range h.clients {
		c.conn.Close()
		h.drop(c)
	}
}

// Send queues msg behind everything already queued for id. Per-connection
// FIFO already orders synchronous messages, so flags need no extra handling.
func (h *Hub) Send(id domain.ConnID, msg protocol.Message, _ domain.Flags) error {
	c, ok := h.clients[id]
	if !ok {
		return domain.ErrUnknownConn
	}
	if c.closing {
		return domain.ErrClosing
	}
	select {
	case c.send <- outbound{msg: msg}:
		return nil
	default:
		return domain.ErrBacklogFull
	}
}

func (h *Hub) IsValid(id domain.ConnID) bool {
	c, ok := h.clients[id]
	return ok && !c.closing
}

func (h *Hub) CloseAfterFlush(id domain.ConnID) {
	c, ok := h.clients[id]
	if !ok || c.closing {
		return
	}
	c.closing = true
	select {
	case c.send <- outbound{close: true}:
	default:
		c.conn.Close()
	}
}

func (h *Hub) Close(id domain.ConnID) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	c.closing = true
	c.conn.Close()
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(id domain.ConnID, msg protocol.Message) {
	select {
	case h.inbound <- inbound{id: id, msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) complete(id domain.ConnID, msg protocol.Message, err error) {
	select {
	case h.completions <- completion{id: id, msg: msg, err: err}:
	case <-h.done:
	}
}

// do runs fn on the Run goroutine and waits for it.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	call := func() {
		fn()
		close(finished)
	}

	select {
	case h.calls <- call:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Stats(ctx context.Context) (engine.Stats, error) {
	var st engine.Stats
	err := h.do(ctx, func() { st = h.engine.Stats() })
	return st, err
}

func (h *Hub) Rooms(ctx context.Context) ([]engine.RoomInfo, error) {
	var rooms []engine.RoomInfo
	err := h.do(ctx, func() { rooms = h.engine.Rooms() })
	return rooms, err
}

func (h *Hub) Room(ctx context.Context, name string) (engine.RoomInfo, bool, error) {
	var (
		info engine.RoomInfo
		ok   bool
	)
	err := h.do(ctx, func() { info, ok = h.engine.Room(name) })
	return info, ok, err
}

func (h *Hub) PlotStatistics(ctx context.Context, w io.Writer) error {
	var plotErr error
	if err := h.do(ctx, func() { plotErr = h.engine.PlotStatistics(w) }); err != nil {
		return err
	}
	return plotErr
}
