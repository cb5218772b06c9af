package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageType(t *testing.T) {
	typ, err := ParseMessageType([]byte{byte(TypeEventsNotification), '{', '}'})
	require.NoError(t, err)
	assert.Equal(t, TypeEventsNotification, typ)

	_, err = ParseMessageType(nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = ParseMessageType([]byte{42})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestEncodeDecode_EventsNotification(t *testing.T) {
	in := &EventsNotification{
		Primary: EventStub{
			Event:       Event{Type: EventPointerMove, X: 10, Y: 20},
			SenderColor: 0xff0000,
			Text:        "hi",
			ExtraEvents: []Event{{Type: EventPointerMove, X: 11, Y: 21}},
		},
		Origin: OriginCatchUp,
	}

	frame, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeEventsNotification), frame[0])
	assert.NotContains(t, string(frame), "Origin", "origin must stay off the wire")

	out, err := Decode(frame)
	require.NoError(t, err)

	n, ok := out.(*EventsNotification)
	require.True(t, ok)
	assert.Equal(t, in.Primary, n.Primary)
	assert.Equal(t, OriginLive, n.Origin)
}

func TestDecode_RequestKeepsNotificationShape(t *testing.T) {
	frame := append([]byte{byte(TypeEventsNotificationRequest)},
		[]byte(`{"primary_stub":{"event":{"type":1,"x":3,"y":4},"sender_color":0}}`)...)

	m, err := Decode(frame)
	require.NoError(t, err)

	req, ok := m.(*EventsNotificationRequest)
	require.True(t, ok)
	assert.Equal(t, int32(3), req.Primary.Event.X)
	assert.Equal(t, TypeEventsNotificationRequest, req.Type())
}

func TestDecode_Rejects(t *testing.T) {
	tooManyEvents := make([]Event, ContainerLimit+1)

	tests := []struct {
		name string
		msg  Message
	}{
		{name: "long room name", msg: &RegisterRequest{RoomName: strings.Repeat("a", StringLimit+1)}},
		{name: "long text", msg: &EventsNotification{Primary: EventStub{Text: strings.Repeat("x", StringLimit+1)}}},
		{name: "too many extra events", msg: &EventsNotification{Primary: EventStub{ExtraEvents: tooManyEvents}}},
		{name: "too many overflow stubs", msg: &EventsNotification{Overflow: make([]EventStub, ContainerLimit+1)}},
		{name: "unknown event type", msg: &EventsNotification{Primary: EventStub{Event: Event{Type: 7}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)

			_, err = Decode(frame)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestDecode_BadJSON(t *testing.T) {
	_, err := Decode([]byte{byte(TypeRegisterRequest), '{'})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEventsNotification_AppendAndWeight(t *testing.T) {
	n := &EventsNotification{}
	assert.Equal(t, 0, n.Stubs())

	n.Append(EventStub{SenderColor: 1})
	n.Append(EventStub{SenderColor: 2})
	n.Append(EventStub{SenderColor: 3, ExtraEvents: []Event{{}, {}}})

	assert.Equal(t, 3, n.Stubs())
	assert.Equal(t, uint32(1), n.Primary.SenderColor)
	assert.Equal(t, 1+1+3, n.Weight())

	n.Reset()
	assert.Equal(t, 0, n.Stubs())
	assert.Empty(t, n.Overflow)
	assert.Equal(t, OriginLive, n.Origin)
}

func TestEventsNotification_LastEvent(t *testing.T) {
	n := &EventsNotification{Primary: EventStub{Event: Event{Type: EventPointerMove, X: 1}}}
	assert.Equal(t, int32(1), n.LastEvent().X)

	n.Primary.ExtraEvents = []Event{{Type: EventPointerMove, X: 2}, {Type: EventPointerMove, X: 3}}
	assert.Equal(t, int32(3), n.LastEvent().X)
}

func TestEventsNotification_KeepNewest(t *testing.T) {
	moves := func(xs ...int32) []Event {
		var out []Event
		for _, x := range xs {
			out = append(out, Event{Type: EventPointerMove, X: x})
		}
		return out
	}

	tests := []struct {
		name      string
		limit     int
		cut       bool
		wantFirst int32
		wantExtra int
	}{
		{name: "fits", limit: 4, cut: false, wantFirst: 1, wantExtra: 3},
		{name: "trims oldest", limit: 2, cut: true, wantFirst: 3, wantExtra: 1},
		{name: "single event", limit: 1, cut: true, wantFirst: 4, wantExtra: 0},
		{name: "no limit", limit: 0, cut: false, wantFirst: 1, wantExtra: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &EventsNotification{Primary: EventStub{
				SenderColor: 0xff0000,
				Event:       Event{Type: EventPointerMove, X: 1},
				ExtraEvents: moves(2, 3, 4),
			}}
			assert.Equal(t, tt.cut, n.KeepNewest(tt.limit))
			assert.Equal(t, tt.wantFirst, n.Primary.Event.X)
			assert.Len(t, n.Primary.ExtraEvents, tt.wantExtra)
			assert.Equal(t, int32(4), n.LastEvent().X)
		})
	}
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "No color available - closing connection", ErrorNoColor.String())
	assert.Equal(t, "Unknown error", ErrorCode(99).String())
}
