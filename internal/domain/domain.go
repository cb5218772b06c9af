package domain

import (
	"errors"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/bubbles/internal/protocol"
)

var (
	ErrBacklogFull      = errors.New("transport: send backlog full")
	ErrClosing          = errors.New("transport: connection closing")
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrUnknownConn      = errors.New("transport: unknown connection")
)

// ConnID addresses a transport connection. IDs are never reused, so a
// stale ID simply stops being valid.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

func (id ConnID) String() string { return string(id) }

type Flags uint8

const (
	// Synchronous messages are delivered before anything queued after them.
	Synchronous Flags = 1 << iota
)

// Transport is what the relay engine needs from the connection layer.
//
// Every Send that returns nil must be followed, later and never from inside
// Send itself, by exactly one call to the engine's OnSendComplete for the
// same connection and message. A Send that returns an error produces no
// completion.
type Transport interface {
	Send(id ConnID, msg protocol.Message, flags Flags) error
	IsValid(id ConnID) bool
	// CloseAfterFlush closes the connection once everything already queued
	// has been written.
	CloseAfterFlush(id ConnID)
	Close(id ConnID)
}
