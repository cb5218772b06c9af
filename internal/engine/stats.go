package engine

import (
	"time"

	"github.com/manpreetbhatti/bubbles/internal/room"
)

type Stats struct {
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
	Registered  int    `json:"registered"`
	Relayed     uint64 `json:"relayed"`
	Dropped     uint64 `json:"dropped"`
	MaxDropped  int    `json:"max_dropped"`
}

type MemberInfo struct {
	Color      uint32    `json:"color"`
	JoinedAt   time.Time `json:"joined_at"`
	Pending    int       `json:"pending"`
	CatchingUp bool      `json:"catching_up"`
	Dropped    int       `json:"dropped"`
	LastX      int32     `json:"last_x"`
	LastY      int32     `json:"last_y"`
	LastText   string    `json:"last_text,omitempty"`
}

type RoomInfo struct {
	Name    string       `json:"name"`
	Members []MemberInfo `json:"members"`
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Rooms:       e.rooms.Len(),
		Connections: len(e.conns),
		Relayed:     e.relayed,
		Dropped:     e.dropped,
		MaxDropped:  e.MaxDropped(),
	}
	for _, cd := range e.conns {
		if cd.registered() {
			st.Registered++
		}
	}
	return st
}

// Rooms returns a snapshot of every live room.
func (e *Engine) Rooms() []RoomInfo {
	infos := make([]RoomInfo, 0, e.rooms.Len())
	e.rooms.Each(func(_ int, r *room.Room) {
		infos = append(infos, roomInfo(r))
	})
	return infos
}

// Room returns a snapshot of the named room.
func (e *Engine) Room(name string) (RoomInfo, bool) {
	i, ok := e.rooms.Find(name)
	if !ok {
		return RoomInfo{}, false
	}
	r, _ := e.rooms.Room(i)
	return roomInfo(r), true
}

func roomInfo(r *room.Room) RoomInfo {
	info := RoomInfo{Name: r.Name(), Members: make([]MemberInfo, 0, r.Occupied())}
	r.Each(func(_ int, s *room.Slot) {
		info.Members = append(info.Members, MemberInfo{
			Color:      s.Color,
			JoinedAt:   s.JoinedAt,
			Pending:    s.Pending,
			CatchingUp: s.CatchingUp(),
			Dropped:    s.Dropped,
			LastX:      s.LastEvent.X,
			LastY:      s.LastEvent.Y,
			LastText:   s.LastText,
		})
	})
	return info
}
