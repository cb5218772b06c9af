package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// The first byte of every frame; the rest is the JSON payload.
type MessageType byte

const (
	TypeRegisterRequest MessageType = iota
	TypeRegisterResponse
	TypeEventsNotification
	TypeEventsNotificationRequest
	TypeEventsNotificationResponse
)

const (
	StringLimit    = 1024
	ContainerLimit = 1024
)

var (
	ErrInvalidFrame = errors.New("protocol: invalid frame")
	ErrUnknownType  = errors.New("protocol: unknown message type")
)

// Extracts the message type from the first byte
func ParseMessageType(data []byte) (MessageType, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	t := MessageType(data[0])
	if t > TypeEventsNotificationResponse {
		return 0, fmt.Errorf("%w: %d", ErrUnknownType, data[0])
	}
	return t, nil
}

func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(m.Type()))
	return append(frame, payload...), nil
}

// Decode parses and validates a frame.
func Decode(data []byte) (Message, error) {
	t, err := ParseMessageType(data)
	if err != nil {
		return nil, err
	}

	var m Message
	switch t {
	case TypeRegisterRequest:
		m = &RegisterRequest{}
	case TypeRegisterResponse:
		m = &RegisterResponse{}
	case TypeEventsNotification:
		m = &EventsNotification{}
	case TypeEventsNotificationRequest:
		m = &EventsNotificationRequest{}
	case TypeEventsNotificationResponse:
		m = &EventsNotificationResponse{}
	}

	if err := json.Unmarshal(data[1:], m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate enforces the string and container limits of the wire format.
func Validate(m Message) error {
	switch v := m.(type) {
	case *RegisterRequest:
		if len(v.RoomName) > StringLimit {
			return fmt.Errorf("%w: room name too long", ErrInvalidFrame)
		}
	case *RegisterResponse:
		if len(v.Message) > StringLimit {
			return fmt.Errorf("%w: message too long", ErrInvalidFrame)
		}
	case *EventsNotification:
		return validateNotification(v)
	case *EventsNotificationRequest:
		return validateNotification(&v.EventsNotification)
	}
	return nil
}

func validateNotification(n *EventsNotification) error {
	if len(n.Overflow) > ContainerLimit {
		return fmt.Errorf("%w: %d overflow stubs", ErrInvalidFrame, len(n.Overflow))
	}
	if err := validateStub(&n.Primary); err != nil {
		return err
	}
	for i := range n.Overflow {
		if err := validateStub(&n.Overflow[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStub(s *EventStub) error {
	if len(s.Text) > StringLimit {
		return fmt.Errorf("%w: text too long", ErrInvalidFrame)
	}
	if len(s.ExtraEvents) > ContainerLimit {
		return fmt.Errorf("%w: %d extra events", ErrInvalidFrame, len(s.ExtraEvents))
	}
	if s.Event.Type > EventPointerMove {
		return fmt.Errorf("%w: event type %d", ErrInvalidFrame, s.Event.Type)
	}
	for _, e := range s.ExtraEvents {
		if e.Type > EventPointerMove {
			return fmt.Errorf("%w: event type %d", ErrInvalidFrame, e.Type)
		}
	}
	return nil
}
