package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
	"github.com/manpreetbhatti/bubbles/internal/room"
)

var (
	ErrAlreadyRegistered = errors.New("engine: connection already registered")
	ErrNotRegistered     = errors.New("engine: connection not registered")
)

// connData correlates a transport connection with its room membership.
type connData struct {
	room int
	slot int

	// Reused for every catch-up batch of this connection.
	batch *protocol.EventsNotification
}

func (c *connData) registered() bool {
	return c.room != room.InvalidIndex
}

// Engine relays events between the members of each room.
//
// An Engine is not safe for concurrent use. The host must call every method,
// including OnSendComplete, from one serialized execution context.
type Engine struct {
	cfg       Config
	transport domain.Transport
	observer  Observer
	log       logrus.FieldLogger
	now       func() time.Time

	rooms *room.Directory
	conns map[domain.ConnID]*connData

	maxDropped int
	relayed    uint64
	dropped    uint64
}

func New(cfg Config, transport domain.Transport, log logrus.FieldLogger, observers ...Observer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("engine: nil transport")
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		observer:  Observers(observers),
		log:       log,
		now:       time.Now,
		rooms:     room.NewDirectory(cfg.Colors),
		conns:     make(map[domain.ConnID]*connData),
	}, nil
}

func (e *Engine) OnConnectionStart(id domain.ConnID) {
	if _, ok := e.conns[id]; ok {
		return
	}
	e.conns[id] = &connData{room: room.InvalidIndex, slot: room.InvalidIndex}
}

// OnConnectionStop unregisters the connection and forgets it. Completions
// that arrive for it afterwards are ignored.
func (e *Engine) OnConnectionStop(id domain.ConnID) {
	cd, ok := e.conns[id]
	if !ok {
		return
	}
	e.unregister(id, cd)
	delete(e.conns, id)
}

// OnMessage dispatches an inbound client message.
func (e *Engine) OnMessage(id domain.ConnID, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RegisterRequest:
		e.OnRegister(id, m)
	case *protocol.EventsNotification:
		e.OnEvents(id, m)
	case *protocol.EventsNotificationRequest:
		e.OnEventsRequest(id, m)
	default:
		e.log.WithFields(logrus.Fields{
			"conn": id,
			"type": msg.Type(),
		}).Warn("Ignoring unexpected message from client")
	}
}

func (e *Engine) OnRegister(id domain.ConnID, req *protocol.RegisterRequest) {
	cd, ok := e.conns[id]
	if !ok {
		e.log.WithField("conn", id).Debug("Register from unknown connection")
		return
	}

	name := room.Normalize(req.RoomName)
	c, err := e.join(cd, id, name, req.Color)
	if err != nil {
		code := protocol.ErrorNoColor
		if errors.Is(err, ErrAlreadyRegistered) {
			code = protocol.ErrorAlreadyRegistered
		}
		e.reject(id, name, code)
		return
	}

	r, _ := e.membership(cd)
	log := e.log.WithFields(logrus.Fields{"conn": id, "room": name, "color": fmt.Sprintf("%06x", c)})
	log.WithField("members", r.Occupied()).Info("Connection registered")
	e.observer.Registered(name, id, c)

	if err := e.transport.Send(id, &protocol.RegisterResponse{Color: c}, domain.Synchronous); err != nil {
		log.WithError(err).Debug("Register response not sent")
		return
	}
	e.fetchCatchUp(cd)
}

// join places a connection in the named room under a free color. A room
// created for a join that fails is destroyed again.
func (e *Engine) join(cd *connData, id domain.ConnID, name string, requested uint32) (uint32, error) {
	if cd.registered() {
		return 0, ErrAlreadyRegistered
	}

	ri, r, created := e.rooms.FindOrCreate(name)
	if created {
		e.observer.RoomOpened(name, e.now())
	}

	c, err := r.Palette().Acquire(requested)
	if err != nil {
		if e.rooms.DestroyIfEmpty(ri) {
			e.observer.RoomClosed(name, e.now())
		}
		return 0, err
	}

	cd.room = ri
	cd.slot = r.Acquire(&room.Slot{
		Conn:     id,
		Color:    c,
		JoinedAt: e.now(),
		Cursor:   0,
	})
	return c, nil
}

func (e *Engine) reject(id domain.ConnID, roomName string, code protocol.ErrorCode) {
	e.log.WithFields(logrus.Fields{
		"conn": id,
		"room": roomName,
	}).Warn("Registration rejected: ", code)
	e.observer.RegistrationFailed(roomName, code)

	resp := &protocol.RegisterResponse{Error: code, Message: code.String()}
	if err := e.transport.Send(id, resp, domain.Synchronous); err != nil {
		e.log.WithError(err).WithField("conn", id).Debug("Register error response not sent")
	}
	e.transport.CloseAfterFlush(id)
}

// OnEvents relays a client notification. Unregistered senders are closed.
func (e *Engine) OnEvents(id domain.ConnID, n *protocol.EventsNotification) {
	if _, _, err := e.fanOut(id, n); err != nil {
		e.log.WithField("conn", id).Debug("Events from unregistered connection, closing")
		e.transport.Close(id)
	}
}

// OnEventsRequest relays like OnEvents and reports the delivery counts back
// to the sender.
func (e *Engine) OnEventsRequest(id domain.ConnID, req *protocol.EventsNotificationRequest) {
	delivered, dropped, err := e.fanOut(id, &req.EventsNotification)
	if err != nil {
		resp := &protocol.EventsNotificationResponse{
			Error:   protocol.ErrorNotRegistered,
			Message: protocol.ErrorNotRegistered.String(),
		}
		if err := e.transport.Send(id, resp, domain.Synchronous); err != nil {
			e.log.WithError(err).WithField("conn", id).Debug("Events response not sent")
		}
		e.transport.CloseAfterFlush(id)
		return
	}

	resp := &protocol.EventsNotificationResponse{
		SuccessCount: uint32(delivered),
		FailCount:    uint32(dropped),
	}
	if err := e.transport.Send(id, resp, 0); err != nil {
		e.log.WithError(err).WithField("conn", id).Debug("Events response not sent")
	}
}

// fanOut stamps the sender's color on n, records it for catch-up and sends
// the same frozen message to every eligible peer.
func (e *Engine) fanOut(id domain.ConnID, n *protocol.EventsNotification) (delivered, dropped int, err error) {
	cd, ok := e.conns[id]
	if !ok || !cd.registered() {
		return 0, 0, ErrNotRegistered
	}
	r, s := e.membership(cd)

	// Clients only speak for themselves.
	n.Overflow = nil
	// An idle peer must always fit one notification.
	if n.KeepNewest(e.cfg.MaxPending) {
		e.log.WithField("conn", id).Debug("Trimmed notification to the pending limit")
	}
	n.Primary.SenderColor = s.Color
	n.Origin = protocol.OriginLive
	s.Record(n)

	weight := n.Weight()
	r.Each(func(i int, peer *room.Slot) {
		if i == cd.slot || !peer.IntroducedTo(cd.slot) {
			return
		}
		if !e.transport.IsValid(peer.Conn) || !peer.CanAccept(weight, e.cfg.MaxPending) {
			peer.Dropped++
			dropped++
			return
		}
		peer.Pending += weight
		if err := e.transport.Send(peer.Conn, n, 0); err != nil {
			peer.Pending -= weight
			peer.Dropped++
			dropped++
			return
		}
		delivered++
	})

	e.relayed += uint64(delivered)
	e.dropped += uint64(dropped)
	e.observer.Relayed(r.Name(), delivered, dropped)
	return delivered, dropped, nil
}

// fetchCatchUp sends the next batch of peer state to a joining connection.
// At most one batch is in flight; its completion drives the next one.
func (e *Engine) fetchCatchUp(cd *connData) {
	if !cd.registered() {
		return
	}
	r, s := e.membership(cd)
	if !s.CatchingUp() || s.CatchUpInFlight {
		return
	}

	limit := min(e.cfg.ContainerLimit, e.cfg.MaxPending-s.Pending)
	if limit <= 0 {
		return
	}

	if cd.batch == nil {
		cd.batch = &protocol.EventsNotification{}
	}
	batch := cd.batch
	batch.Reset()
	batch.Origin = protocol.OriginCatchUp

	start := s.Cursor
	for s.Cursor < r.Len() && batch.Stubs() < limit {
		i := s.Cursor
		s.Cursor++
		if i == cd.slot {
			continue
		}
		peer, ok := r.Slot(i)
		if !ok || !peer.HasLastEvent() {
			continue
		}
		batch.Append(protocol.EventStub{
			Event:       peer.LastEvent,
			SenderColor: peer.Color,
			Text:        peer.LastText,
		})
	}
	if s.Cursor >= r.Len() {
		s.Cursor = room.InvalidIndex
	}
	if batch.Stubs() == 0 {
		return
	}

	weight := batch.Weight()
	s.Pending += weight
	s.CatchUpInFlight = true
	if err := e.transport.Send(s.Conn, batch, domain.Synchronous); err != nil {
		s.Pending -= weight
		s.CatchUpInFlight = false
		// Rewind so the peers in this batch stay unintroduced and are
		// offered again on the next completion.
		s.Cursor = start
		e.log.WithError(err).WithField("conn", s.Conn).Debug("Catch-up batch not sent")
	}
}

// OnSendComplete is the transport's completion callback. It must be called
// exactly once for every Send that returned nil.
func (e *Engine) OnSendComplete(id domain.ConnID, msg protocol.Message, sendErr error) {
	cd, ok := e.conns[id]
	if !ok || !cd.registered() {
		e.log.WithField("conn", id).Debug("Ignoring send completion for unregistered connection")
		return
	}

	if n, ok := msg.(*protocol.EventsNotification); ok && n.Origin != protocol.OriginDeparture {
		_, s := e.membership(cd)
		weight := n.Weight()
		if s.Pending < weight {
			e.log.WithFields(logrus.Fields{
				"conn":    id,
				"pending": s.Pending,
				"weight":  weight,
			}).Error("Pending count underflow")
			s.Pending = 0
		} else {
			s.Pending -= weight
		}
		if n.Origin == protocol.OriginCatchUp {
			s.CatchUpInFlight = false
		}
	}

	if sendErr != nil {
		e.log.WithError(sendErr).WithField("conn", id).Debug("Send failed")
	}
	// Any completion resumes a catch-up, including one whose last batch
	// could not be queued.
	e.fetchCatchUp(cd)
}

func (e *Engine) unregister(id domain.ConnID, cd *connData) {
	if !cd.registered() {
		return
	}
	r, s := e.membership(cd)
	e.maxDropped = max(e.maxDropped, s.Dropped)

	departure := &protocol.EventsNotification{
		Primary: protocol.EventStub{SenderColor: s.Color},
		Origin:  protocol.OriginDeparture,
	}
	r.Each(func(i int, peer *room.Slot) {
		if i == cd.slot || !e.transport.IsValid(peer.Conn) {
			return
		}
		if err := e.transport.Send(peer.Conn, departure, domain.Synchronous); err != nil {
			e.log.WithError(err).WithField("conn", peer.Conn).Debug("Departure not sent")
		}
	})

	r.Palette().Release(s.Color)
	r.Release(cd.slot)
	now := e.now()
	e.observer.Unregistered(Departure{
		Room:     r.Name(),
		Conn:     id,
		Color:    s.Color,
		JoinedAt: s.JoinedAt,
		LeftAt:   now,
		Dropped:  s.Dropped,
	})
	e.log.WithFields(logrus.Fields{
		"conn":    id,
		"room":    r.Name(),
		"members": r.Occupied(),
	}).Info("Connection unregistered")

	if e.rooms.DestroyIfEmpty(cd.room) {
		e.log.WithField("room", r.Name()).Info("Room closed (empty)")
		e.observer.RoomClosed(r.Name(), now)
	}
	cd.room, cd.slot = room.InvalidIndex, room.InvalidIndex
}

// membership resolves a registered connection. A miss means the room or
// slot tables are corrupt.
func (e *Engine) membership(cd *connData) (*room.Room, *room.Slot) {
	r, ok := e.rooms.Room(cd.room)
	if !ok {
		panic(fmt.Sprintf("engine: registered connection points at free room %d", cd.room))
	}
	s, ok := r.Slot(cd.slot)
	if !ok {
		panic(fmt.Sprintf("engine: registered connection points at free slot %d of room %q", cd.slot, r.Name()))
	}
	return r, s
}

// PlotStatistics writes a summary of the engine statistics to w.
func (e *Engine) PlotStatistics(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Max per connection dropped messages: %d\n", e.MaxDropped())
	return err
}

// MaxDropped is the largest dropped-message count of any connection, live or
// departed.
func (e *Engine) MaxDropped() int {
	m := e.maxDropped
	e.rooms.Each(func(_ int, r *room.Room) {
		r.Each(func(_ int, s *room.Slot) {
			m = max(m, s.Dropped)
		})
	})
	return m
}
