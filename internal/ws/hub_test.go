package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/engine"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	hub, err := NewHub(cfg, engine.DefaultConfig(), quietLogger())
	require.NoError(t, err)
	return hub
}

func startServer(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub := newTestHub(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func registerConn(t *testing.T, conn *websocket.Conn, room string, color uint32) uint32 {
	t.Helper()
	writeMsg(t, conn, &protocol.RegisterRequest{RoomName: room, Color: color})
	resp, ok := readMsg(t, conn).(*protocol.RegisterResponse)
	require.True(t, ok)
	require.True(t, resp.Success(), resp.Message)
	return resp.Color
}

func TestHub_SendSemantics(t *testing.T) {
	hub := newTestHub(t, DefaultConfig())
	defer hub.connects.Stop()

	c := &Client{id: "c", send: make(chan outbound, 2)}
	hub.clients[c.id] = c

	assert.ErrorIs(t, hub.Send("nobody", &protocol.RegisterResponse{}, 0), domain.ErrUnknownConn)
	assert.False(t, hub.IsValid("nobody"))

	require.NoError(t, hub.Send("c", &protocol.RegisterResponse{}, domain.Synchronous))
	assert.True(t, hub.IsValid("c"))

	hub.CloseAfterFlush("c")
	assert.False(t, hub.IsValid("c"))
	assert.ErrorIs(t, hub.Send("c", &protocol.RegisterResponse{}, 0), domain.ErrClosing)

	first := <-c.send
	assert.False(t, first.close)
	marker := <-c.send
	assert.True(t, marker.close, "close marker queued behind pending messages")
}

func TestHub_SendBacklogFull(t *testing.T) {
	hub := newTestHub(t, DefaultConfig())
	defer hub.connects.Stop()

	hub.clients["c"] = &Client{id: "c", send: make(chan outbound, 1)}
	require.NoError(t, hub.Send("c", &protocol.RegisterResponse{}, 0))
	assert.ErrorIs(t, hub.Send("c", &protocol.RegisterResponse{}, 0), domain.ErrBacklogFull)
}

func TestHub_CallsAfterStop(t *testing.T) {
	hub := newTestHub(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	st, err := hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Rooms)

	cancel()
	<-stopped
	_, err = hub.Stats(context.Background())
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestEndToEnd_Scenario(t *testing.T) {
	hub, url := startServer(t, DefaultConfig())
	ctx := context.Background()

	a := dial(t, url)
	r1 := registerConn(t, a, "alpha", 0)
	assert.NotZero(t, r1)

	b := dial(t, url)
	r2 := registerConn(t, b, "Alpha", r1)
	assert.NotZero(t, r2)
	assert.NotEqual(t, r1, r2)

	writeMsg(t, a, &protocol.EventsNotification{Primary: protocol.EventStub{
		Event: protocol.Event{Type: protocol.EventPointerMove, X: 10, Y: 20},
	}})
	live, ok := readMsg(t, b).(*protocol.EventsNotification)
	require.True(t, ok)
	assert.Equal(t, r1, live.Primary.SenderColor)
	assert.Equal(t, int32(10), live.Primary.Event.X)
	assert.Equal(t, int32(20), live.Primary.Event.Y)

	a.Close()
	dep, ok := readMsg(t, b).(*protocol.EventsNotification)
	require.True(t, ok)
	assert.Equal(t, r1, dep.Primary.SenderColor)
	assert.Equal(t, protocol.EventUnknown, dep.Primary.Event.Type)

	info, found, err := hub.Room(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, info.Members, 1)

	b.Close()
	assert.Eventually(t, func() bool {
		_, found, err := hub.Room(ctx, "alpha")
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_CatchUp(t *testing.T) {
	hub, url := startServer(t, DefaultConfig())

	a := dial(t, url)
	r1 := registerConn(t, a, "beta", 0)
	writeMsg(t, a, &protocol.EventsNotification{Primary: protocol.EventStub{
		Event: protocol.Event{Type: protocol.EventPointerMove, X: 3, Y: 4},
		Text:  "hello",
	}})

	// The move must be recorded before b joins.
	require.Eventually(t, func() bool {
		info, found, err := hub.Room(context.Background(), "beta")
		return err == nil && found && len(info.Members) == 1 && info.Members[0].LastX == 3
	}, 2*time.Second, 10*time.Millisecond)

	b := dial(t, url)
	registerConn(t, b, "beta", 0)

	n, ok := readMsg(t, b).(*protocol.EventsNotification)
	require.True(t, ok)
	assert.Equal(t, r1, n.Primary.SenderColor)
	assert.Equal(t, int32(3), n.Primary.Event.X)
	assert.Equal(t, "hello", n.Primary.Text)
}

func TestEndToEnd_AlreadyRegisteredCloses(t *testing.T) {
	_, url := startServer(t, DefaultConfig())

	a := dial(t, url)
	registerConn(t, a, "gamma", 0)
	writeMsg(t, a, &protocol.RegisterRequest{RoomName: "gamma"})

	resp, ok := readMsg(t, a).(*protocol.RegisterResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorAlreadyRegistered, resp.Error)
	assert.Equal(t, "Already registered - closing connection", resp.Message)

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "connection closes after the error response")
}

func TestEndToEnd_EventsRequestReportsDelivery(t *testing.T) {
	_, url := startServer(t, DefaultConfig())

	a := dial(t, url)
	registerConn(t, a, "delta", 0)
	b := dial(t, url)
	registerConn(t, b, "delta", 0)

	writeMsg(t, a, &protocol.EventsNotificationRequest{EventsNotification: protocol.EventsNotification{
		Primary: protocol.EventStub{Event: protocol.Event{Type: protocol.EventPointerMove, X: 1}},
	}})

	resp, ok := readMsg(t, a).(*protocol.EventsNotificationResponse)
	require.True(t, ok)
	assert.Equal(t, uint32(1), resp.SuccessCount)
	assert.Zero(t, resp.FailCount)

	_, ok = readMsg(t, b).(*protocol.EventsNotification)
	assert.True(t, ok)
}

func TestServeWs_ConnectionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectsPerMinute = 1
	_, url := startServer(t, cfg)

	dial(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
