package protocol

// Message is any frame exchanged between a bubbles client and the server.
type Message interface {
	Type() MessageType
}

// ErrorCode is carried in responses; zero means success.
type ErrorCode uint32

const (
	ErrorNone ErrorCode = iota
	ErrorAlreadyRegistered
	ErrorNoColor
	ErrorNotRegistered
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "No error"
	case ErrorAlreadyRegistered:
		return "Already registered - closing connection"
	case ErrorNoColor:
		return "No color available - closing connection"
	case ErrorNotRegistered:
		return "Not registered - closing connection"
	default:
		return "Unknown error"
	}
}

// Joins a room, optionally asking to keep a previously assigned color.
type RegisterRequest struct {
	RoomName string `json:"room_name"`
	Color    uint32 `json:"rgb_color"`
}

func (*RegisterRequest) Type() MessageType { return TypeRegisterRequest }

type RegisterResponse struct {
	Error   ErrorCode `json:"error"`
	Color   uint32    `json:"rgb_color"`
	Message string    `json:"message,omitempty"`
}

func (*RegisterResponse) Type() MessageType { return TypeRegisterResponse }

func (r *RegisterResponse) Success() bool { return r.Error == ErrorNone }

type EventType uint16

const (
	EventUnknown EventType = iota
	EventPointerMove
)

type Event struct {
	Type      EventType `json:"type"`
	Flags     uint16    `json:"flags,omitempty"`
	X         int32     `json:"x"`
	Y         int32     `json:"y"`
	Data      uint64    `json:"data,omitempty"`
	ElapsedMs uint32    `json:"elapsed_ms,omitempty"`
}

// EventStub is one sender's contribution to a notification.
type EventStub struct {
	Event       Event   `json:"event"`
	SenderColor uint32  `json:"sender_color"`
	Text        string  `json:"text,omitempty"`
	ExtraEvents []Event `json:"extra_events,omitempty"`
}

// Origin tells the server why a notification was sent. It is never serialized.
type Origin uint8

const (
	OriginLive Origin = iota
	OriginCatchUp
	OriginDeparture
)

// EventsNotification is a fire-and-forget batch of events. Clients fill the
// primary stub; the server uses the overflow stubs to batch catch-up state.
type EventsNotification struct {
	Primary  EventStub   `json:"primary_stub"`
	Overflow []EventStub `json:"overflow_stubs,omitempty"`

	Origin Origin `json:"-"`
}

func (*EventsNotification) Type() MessageType { return TypeEventsNotification }

// Reset empties the notification so it can be refilled, keeping the
// overflow backing array.
func (n *EventsNotification) Reset() {
	overflow := n.Overflow[:0]
	*n = EventsNotification{Overflow: overflow}
}

// Append adds a stub, filling the primary slot first. Stubs must carry a
// non-zero sender color.
func (n *EventsNotification) Append(s EventStub) {
	if n.Primary.SenderColor == 0 {
		n.Primary = s
		return
	}
	n.Overflow = append(n.Overflow, s)
}

// Stubs returns the number of stubs added with Append.
func (n *EventsNotification) Stubs() int {
	if n.Primary.SenderColor == 0 {
		return 0
	}
	return 1 + len(n.Overflow)
}

// Weight is the number of events carried, counting every stub and every
// extra event.
func (n *EventsNotification) Weight() int {
	w := 1 + len(n.Primary.ExtraEvents)
	for i := range n.Overflow {
		w += 1 + len(n.Overflow[i].ExtraEvents)
	}
	return w
}

// LastEvent is the most recent event of the primary stub.
func (n *EventsNotification) LastEvent() Event {
	if k := len(n.Primary.ExtraEvents); k > 0 {
		return n.Primary.ExtraEvents[k-1]
	}
	return n.Primary.Event
}

// KeepNewest trims the primary stub to its newest limit events. The oldest
// survivor becomes the stub's Event. It reports whether anything was cut.
func (n *EventsNotification) KeepNewest(limit int) bool {
	extra := n.Primary.ExtraEvents
	if limit < 1 || 1+len(extra) <= limit {
		return false
	}
	keep := extra[len(extra)-limit:]
	n.Primary.Event = keep[0]
	n.Primary.ExtraEvents = keep[1:]
	return true
}

// EventsNotificationRequest is an EventsNotification the sender wants a
// delivery report for.
type EventsNotificationRequest struct {
	EventsNotification
}

func (*EventsNotificationRequest) Type() MessageType { return TypeEventsNotificationRequest }

type EventsNotificationResponse struct {
	Error        ErrorCode `json:"error"`
	SuccessCount uint32    `json:"success_count"`
	FailCount    uint32    `json:"fail_count"`
	Message      string    `json:"message,omitempty"`
}

func (*EventsNotificationResponse) Type() MessageType { return TypeEventsNotificationResponse }
