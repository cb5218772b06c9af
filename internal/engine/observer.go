package engine

import (
	"time"

	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
)

// Departure describes a membership that just ended.
type Departure struct {
	Room     string
	Conn     domain.ConnID
	Color    uint32
	JoinedAt time.Time
	LeftAt   time.Time
	Dropped  int
}

// Observer receives engine lifecycle notifications. Calls are made from the
// engine's execution context and must not block.
type Observer interface {
	RoomOpened(name string, at time.Time)
	RoomClosed(name string, at time.Time)
	Registered(room string, id domain.ConnID, color uint32)
	RegistrationFailed(room string, code protocol.ErrorCode)
	Unregistered(d Departure)
	Relayed(room string, delivered, dropped int)
}

// NopObserver ignores everything. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) RoomOpened(string, time.Time) {}
func (NopObserver) RoomClosed(string, time.Time) {}
func (NopObserver) Registered(string, domain.ConnID, uint32) {}
func (NopObserver) RegistrationFailed(string, protocol.ErrorCode) {}
func (NopObserver) Unregistered(Departure) {}
func (NopObserver) Relayed(string, int, int) {}

// Observers fans every notification out to each element in order.
type Observers []Observer

func (o Observers) RoomOpened(name string, at time.Time) {
	for _, obs := range o {
		obs.RoomOpened(name, at)
	}
}

func (o Observers) RoomClosed(name string, at time.Time) {
	for _, obs := range o {
		obs.RoomClosed(name, at)
	}
}

func (o Observers) Registered(room string, id domain.ConnID, color uint32) {
	for _, obs := range o {
		obs.Registered(room, id, color)
	}
}

func (o Observers) RegistrationFailed(room string, code protocol.ErrorCode) {
	for _, obs := range o {
		obs.RegistrationFailed(room, code)
	}
}

func (o Observers) Unregistered(d Departure) {
	for _, obs := range o {
		obs.Unregistered(d)
	}
}

func (o Observers) Relayed(room string, delivered, dropped int) {
	for _, obs := range o {
		obs.Relayed(room, delivered, dropped)
	}
}
