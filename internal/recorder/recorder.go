package recorder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/bubbles/internal/db"
	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/engine"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
)

// Store is where finished sessions end up.
type Store interface {
	SaveSessions(rooms []db.RoomSession, conns []db.ConnectionSession) error
	DeleteSessionsBefore(t time.Time) (int64, error)
}

type Config struct {
	FlushInterval time.Duration
	// Sessions older than this are pruned on every flush. Zero keeps everything.
	Retention time.Duration
	// Events buffered between the engine and the recorder.
	Buffer int
	// Unsaved rows kept per table while the store keeps failing; the oldest
	// are discarded first. Zero keeps everything.
	MaxPendingRows int
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:  30 * time.Second,
		Retention:      7 * 24 * time.Hour,
		Buffer:         4096,
		MaxPendingRows: 10000,
	}
}

type eventKind int

const (
	roomOpened eventKind = iota
	roomClosed
	registered
	unregistered
	relayed
)

type event struct {
	kind      eventKind
	room      string
	at        time.Time
	departure engine.Departure
	delivered int
	dropped   int
}

// Service is an engine.Observer that turns room and connection lifecycles
// into session history rows. Observer calls never block; when the buffer is
// full the event is counted and discarded.
type Service struct {
	store  Store
	config Config
	log    logrus.FieldLogger
	now    func() time.Time

	events chan event
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	lost atomic.Uint64

	// Owned by the run goroutine.
	open         map[string]*openRoom
	pendingRooms []db.RoomSession
	pendingConns []db.ConnectionSession
}

type openRoom struct {
	session db.RoomSession
	members int
}

var _ engine.Observer = (*Service)(nil)

func New(store Store, config Config, log logrus.FieldLogger) *Service {
	return &Service{
		store:  store,
		config: config,
		log:    log,
		now:    time.Now,
		events: make(chan event, config.Buffer),
		stop:   make(chan struct{}),
		open:   make(map[string]*openRoom),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithFields(logrus.Fields{
		"interval":  s.config.FlushInterval,
		"retention": s.config.Retention,
	}).Info("Session recorder started")
}

// Stop records everything still buffered and flushes it.
func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.log.Info("Session recorder stopped")
	})
}

// Lost returns how many events were discarded because the buffer was full,
// plus unsaved rows discarded over MaxPendingRows.
func (s *Service) Lost() uint64 {
	return s.lost.Load()
}

func (s *Service) RoomOpened(name string, at time.Time) {
	s.push(event{kind: roomOpened, room: name, at: at})
}

func (s *Service) RoomClosed(name string, at time.Time) {
	s.push(event{kind: roomClosed, room: name, at: at})
}

func (s *Service) Registered(room string, _ domain.ConnID, _ uint32) {
	s.push(event{kind: registered, room: room})
}

func (s *Service) RegistrationFailed(string, protocol.ErrorCode) {}

func (s *Service) Unregistered(d engine.Departure) {
	s.push(event{kind: unregistered, room: d.Room, departure: d})
}

func (s *Service) Relayed(room string, delivered, dropped int) {
	s.push(event{kind: relayed, room: room, delivered: delivered, dropped: dropped})
}

func (s *Service) push(ev event) {
	select {
	case s.events <- ev:
	default:
		s.lost.Add(1)
	}
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.drain()
			s.flush()
			return
		case ev := <-s.events:
			s.apply(ev)
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Service) drain() {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		default:
			return
		}
	}
}

func (s *Service) apply(ev event) {
	switch ev.kind {
	case roomOpened:
		s.open[ev.room] = &openRoom{session: db.RoomSession{Room: ev.room, OpenedAt: ev.at}}

	case roomClosed:
		r, ok := s.open[ev.room]
		if !ok {
			return
		}
		delete(s.open, ev.room)
		r.session.ClosedAt = ev.at
		s.pendingRooms = append(s.pendingRooms, r.session)

	case registered:
		if r, ok := s.open[ev.room]; ok {
			r.members++
			r.session.Registrations++
			r.session.PeakMembers = max(r.session.PeakMembers, r.members)
		}

	case unregistered:
		if r, ok := s.open[ev.room]; ok {
			r.members--
		}
		d := ev.departure
		s.pendingConns = append(s.pendingConns, db.ConnectionSession{
			Room:     d.Room,
			ConnID:   d.Conn.String(),
			Color:    d.Color,
			JoinedAt: d.JoinedAt,
			LeftAt:   d.LeftAt,
			Dropped:  d.Dropped,
		})

	case relayed:
		if r, ok := s.open[ev.room]; ok {
			r.session.Relayed += int64(ev.delivered)
			r.session.Dropped += int64(ev.dropped)
		}
	}
}

func (s *Service) flush() {
	if len(s.pendingRooms) > 0 || len(s.pendingConns) > 0 {
		if err := s.store.SaveSessions(s.pendingRooms, s.pendingConns); err != nil {
			// Kept for the next tick.
			s.log.WithError(err).Error("Failed to save sessions")
			s.trimPending()
			return
		}
		s.log.WithFields(logrus.Fields{
			"rooms":       len(s.pendingRooms),
			"connections": len(s.pendingConns),
		}).Debug("Saved sessions")
		s.pendingRooms = s.pendingRooms[:0]
		s.pendingConns = s.pendingConns[:0]
	}

	if s.config.Retention <= 0 {
		return
	}
	n, err := s.store.DeleteSessionsBefore(s.now().Add(-s.config.Retention))
	if err != nil {
		s.log.WithError(err).Error("Failed to prune sessions")
		return
	}
	if n > 0 {
		s.log.WithField("rows", n).Info("Pruned old sessions")
	}
}

func (s *Service) trimPending() {
	limit := s.config.MaxPendingRows
	if limit <= 0 {
		return
	}

	var discarded int
	if over := len(s.pendingRooms) - limit; over > 0 {
		s.pendingRooms = append(s.pendingRooms[:0], s.pendingRooms[over:]...)
		discarded += over
	}
	if over := len(s.pendingConns) - limit; over > 0 {
		s.pendingConns = append(s.pendingConns[:0], s.pendingConns[over:]...)
		discarded += over
	}
	if discarded > 0 {
		s.lost.Add(uint64(discarded))
		s.log.WithField("rows", discarded).Warn("Discarded oldest unsaved sessions")
	}
}
