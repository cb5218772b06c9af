package room

import (
	"time"

	"github.com/manpreetbhatti/bubbles/internal/color"
	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
)

// InvalidIndex marks an unset room/slot index and a finished catch-up cursor.
const InvalidIndex = -1

// Slot is one occupied membership of a room.
type Slot struct {
	Conn     domain.ConnID
	Color    uint32
	JoinedAt time.Time

	// Events sent to this member that the transport has not completed yet.
	Pending int

	// Next slot index to report during catch-up, InvalidIndex once caught up.
	Cursor          int
	CatchUpInFlight bool

	LastEvent protocol.Event
	LastText  string

	Dropped int
}

func (s *Slot) HasLastEvent() bool {
	return s.LastEvent.Type != protocol.EventUnknown
}

func (s *Slot) CatchingUp() bool {
	return s.Cursor != InvalidIndex
}

// IntroducedTo reports whether catch-up already went past the slot at index,
// so live events from that slot may be delivered.
func (s *Slot) IntroducedTo(index int) bool {
	return s.Cursor == InvalidIndex || s.Cursor > index
}

func (s *Slot) CanAccept(weight, maxPending int) bool {
	return s.Pending+weight <= maxPending
}

// Record keeps the latest event and text of a notification for catch-up.
func (s *Slot) Record(n *protocol.EventsNotification) {
	s.LastEvent = n.LastEvent()
	if n.Primary.Text != "" {
		s.LastText = n.Primary.Text
	}
}

// A named group of connections that see each other's events.
//
// Slot indices are stable: released slots are cleared in place and recycled,
// never compacted, because catch-up cursors of other members point into the
// slot array.
type Room struct {
	name    string
	slots   []*Slot
	free    []int
	palette *color.Palette
}

func New(name string, colors color.Config) *Room {
	return &Room{
		name:    name,
		palette: color.NewPalette(colors),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) Palette() *color.Palette { return r.palette }

// Len returns the size of the slot array, free slots included.
func (r *Room) Len() int { return len(r.slots) }

func (r *Room) Occupied() int { return len(r.slots) - len(r.free) }

func (r *Room) Empty() bool { return len(r.slots) == len(r.free) }

// Slot returns the occupied slot at i.
func (r *Room) Slot(i int) (*Slot, bool) {
	if i < 0 || i >= len(r.slots) || r.slots[i] == nil {
		return nil, false
	}
	return r.slots[i], true
}

// Acquire stores s in a recycled slot if one is free, else appends it.
func (r *Room) Acquire(s *Slot) int {
	if n := len(r.free); n > 0 {
		i := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[i] = s
		return i
	}
	r.slots = append(r.slots, s)
	return len(r.slots) - 1
}

// Release clears the slot at i and returns what it held.
func (r *Room) Release(i int) (*Slot, bool) {
	s, ok := r.Slot(i)
	if !ok {
		return nil, false
	}
	r.slots[i] = nil
	r.free = append(r.free, i)
	return s, true
}

// Each calls fn for every occupied slot in index order.
func (r *Room) Each(fn func(i int, s *Slot)) {
	for i, s := range r.slots {
		if s != nil {
			fn(i, s)
		}
	}
}
