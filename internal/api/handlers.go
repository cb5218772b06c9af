package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/bubbles/internal/db"
	"github.com/manpreetbhatti/bubbles/internal/engine"
	"github.com/manpreetbhatti/bubbles/internal/logger"
)

// Relay is the live view of the relay engine.
type Relay interface {
	Stats(ctx context.Context) (engine.Stats, error)
	Rooms(ctx context.Context) ([]engine.RoomInfo, error)
	Room(ctx context.Context, name string) (engine.RoomInfo, bool, error)
}

// History is the persisted session log.
type History interface {
	GetStats() (map[string]interface{}, error)
	ListRoomSessions(room string, limit, offset int) ([]db.RoomSession, error)
	ListConnectionSessions(room string, limit, offset int) ([]db.ConnectionSession, error)
}

type API struct {
	relay   Relay
	history History
}

// New builds the HTTP API. history may be nil, in which case the session
// endpoints report 503.
func New(relay Relay, history History) *API {
	return &API{
		relay:   relay,
		history: history,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Log.WithError(err).Error("Error encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	live, err := a.relay.Stats(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Relay unavailable")
		return
	}

	stats := map[string]interface{}{
		"active_rooms":         live.Rooms,
		"active_connections":   live.Connections,
		"registered":           live.Registered,
		"relayed":              live.Relayed,
		"dropped":              live.Dropped,
		"max_dropped_per_conn": live.MaxDropped,
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
	}

	if a.history != nil {
		dbStats, err := a.history.GetStats()
		if err != nil {
			logger.Log.WithError(err).Warn("Failed to read session stats")
		} else {
			stats["total_room_sessions"] = dbStats["room_session_count"]
			stats["total_connection_sessions"] = dbStats["connection_session_count"]
			stats["total_relayed"] = dbStats["total_relayed"]
			stats["total_dropped"] = dbStats["total_dropped"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// RoomsRouter serves /api/rooms and /api/rooms/{name}.
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")
	if name == "" {
		a.listRooms(w, r)
		return
	}
	a.getRoom(w, r, name)
}

func (a *API) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.relay.Rooms(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Relay unavailable")
		return
	}

	type roomSummary struct {
		Name    string `json:"name"`
		Members int    `json:"members"`
	}
	response := make([]roomSummary, len(rooms))
	for i, room := range rooms {
		response[i] = roomSummary{Name: room.Name, Members: len(room.Members)}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
		"count": len(response),
	})
}

func (a *API) getRoom(w http.ResponseWriter, r *http.Request, name string) {
	room, ok, err := a.relay.Room(r.Context(), name)
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Relay unavailable")
		return
	}
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	jsonResponse(w, http.StatusOK, room)
}

// SessionsHandler lists finished sessions, newest first.
// Query: kind=rooms|connections, room, limit, offset.
func (a *API) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if a.history == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Session history disabled")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	room := strings.ToLower(q.Get("room"))

	var (
		sessions interface{}
		err      error
	)
	kind := q.Get("kind")
	switch kind {
	case "", "rooms":
		kind = "rooms"
		sessions, err = a.history.ListRoomSessions(room, limit, offset)
	case "connections":
		sessions, err = a.history.ListConnectionSessions(room, limit, offset)
	default:
		errorResponse(w, http.StatusBadRequest, "kind must be rooms or connections")
		return
	}
	if err != nil {
		logger.Log.WithError(err).WithField("kind", kind).Error("Failed to list sessions")
		errorResponse(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"kind":     kind,
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}
