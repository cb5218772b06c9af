package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/bubbles/internal/db"
	"github.com/manpreetbhatti/bubbles/internal/engine"
	"github.com/manpreetbhatti/bubbles/internal/ws"
)

type fakeRelay struct {
	stats engine.Stats
	rooms []engine.RoomInfo
	err   error
}

func (f *fakeRelay) Stats(context.Context) (engine.Stats, error) { return f.stats, f.err }

func (f *fakeRelay) Rooms(context.Context) ([]engine.RoomInfo, error) { return f.rooms, f.err }

func (f *fakeRelay) Room(_ context.Context, name string) (engine.RoomInfo, bool, error) {
	for _, r := range f.rooms {
		if r.Name == name {
			return r, true, f.err
		}
	}
	return engine.RoomInfo{}, false, f.err
}

func setupTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestHealthHandler(t *testing.T) {
	api := New(&fakeRelay{}, nil)

	w := httptest.NewRecorder()
	api.HealthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestStatsHandler(t *testing.T) {
	database := setupTestDB(t)
	now := time.Now()
	require.NoError(t, database.SaveSessions(
		[]db.RoomSession{{Room: "lobby", OpenedAt: now, ClosedAt: now, Relayed: 7, Dropped: 1}},
		[]db.ConnectionSession{{Room: "lobby", ConnID: "a", JoinedAt: now, LeftAt: now}},
	))

	relay := &fakeRelay{stats: engine.Stats{Rooms: 2, Connections: 3, Registered: 2, Relayed: 10, MaxDropped: 4}}
	api := New(relay, database)

	w := httptest.NewRecorder()
	api.StatsHandler(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, float64(2), resp["active_rooms"])
	assert.Equal(t, float64(3), resp["active_connections"])
	assert.Equal(t, float64(4), resp["max_dropped_per_conn"])
	assert.Equal(t, float64(1), resp["total_room_sessions"])
	assert.Equal(t, float64(7), resp["total_relayed"])
}

func TestStatsHandler_RelayUnavailable(t *testing.T) {
	api := New(&fakeRelay{err: errors.New("stopped")}, nil)

	w := httptest.NewRecorder()
	api.StatsHandler(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoomsRouter(t *testing.T) {
	relay := &fakeRelay{rooms: []engine.RoomInfo{
		{Name: "lobby", Members: []engine.MemberInfo{{Color: 0xff0000}, {Color: 0x00ff00}}},
		{Name: "den", Members: []engine.MemberInfo{{Color: 0xff0000}}},
	}}
	api := New(relay, nil)

	t.Run("list", func(t *testing.T) {
		w := httptest.NewRecorder()
		api.RoomsRouter(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode(t, w)
		assert.Equal(t, float64(2), resp["count"])
		rooms := resp["rooms"].([]any)
		assert.Equal(t, "lobby", rooms[0].(map[string]any)["name"])
		assert.Equal(t, float64(2), rooms[0].(map[string]any)["members"])
	})

	t.Run("detail", func(t *testing.T) {
		w := httptest.NewRecorder()
		api.RoomsRouter(w, httptest.NewRequest(http.MethodGet, "/api/rooms/den/", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var info engine.RoomInfo
		require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
		assert.Equal(t, "den", info.Name)
		assert.Len(t, info.Members, 1)
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		api.RoomsRouter(w, httptest.NewRequest(http.MethodGet, "/api/rooms/attic", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Room not found", decode(t, w)["error"])
	})

	t.Run("method", func(t *testing.T) {
		w := httptest.NewRecorder()
		api.RoomsRouter(w, httptest.NewRequest(http.MethodDelete, "/api/rooms/den", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestSessionsHandler(t *testing.T) {
	database := setupTestDB(t)
	now := time.Now()
	require.NoError(t, database.SaveSessions(
		[]db.RoomSession{
			{Room: "lobby", OpenedAt: now.Add(-time.Minute), ClosedAt: now},
			{Room: "den", OpenedAt: now.Add(-time.Minute), ClosedAt: now},
		},
		[]db.ConnectionSession{
			{Room: "lobby", ConnID: "a", Color: 0xff0000, JoinedAt: now, LeftAt: now},
			{Room: "lobby", ConnID: "b", Color: 0x00ff00, JoinedAt: now, LeftAt: now},
			{Room: "den", ConnID: "c", Color: 0xff0000, JoinedAt: now, LeftAt: now},
		},
	))
	api := New(&fakeRelay{}, database)

	tests := []struct {
		name   string
		url    string
		status int
		count  int
	}{
		{name: "rooms default", url: "/api/sessions", status: http.StatusOK, count: 2},
		{name: "rooms filtered", url: "/api/sessions?room=LOBBY", status: http.StatusOK, count: 1},
		{name: "connections", url: "/api/sessions?kind=connections", status: http.StatusOK, count: 3},
		{name: "connections paged", url: "/api/sessions?kind=connections&room=lobby&limit=1&offset=1", status: http.StatusOK, count: 1},
		{name: "bad kind", url: "/api/sessions?kind=users", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.SessionsHandler(w, httptest.NewRequest(http.MethodGet, tt.url, nil))
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}
			resp := decode(t, w)
			assert.Len(t, resp["sessions"], tt.count)
		})
	}
}

func TestSessionsHandler_NoHistory(t *testing.T) {
	api := New(&fakeRelay{}, nil)

	w := httptest.NewRecorder()
	api.SessionsHandler(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoomsRouter_LiveHub(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	hub, err := ws.NewHub(ws.DefaultConfig(), engine.DefaultConfig(), log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	api := New(hub, nil)

	w := httptest.NewRecorder()
	api.RoomsRouter(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = httptest.NewRecorder()
	api.StatsHandler(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["active_connections"])
}
