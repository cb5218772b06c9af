package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database keeps the history of finished room and connection sessions.
// Live room state is never persisted.
type Database struct {
	db *sql.DB
}

type RoomSession struct {
	ID            int64     `json:"id"`
	Room          string    `json:"room"`
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at"`
	PeakMembers   int       `json:"peak_members"`
	Registrations int       `json:"registrations"`
	Relayed       int64     `json:"relayed"`
	Dropped       int64     `json:"dropped"`
}

type ConnectionSession struct {
	ID       int64     `json:"id"`
	Room     string    `json:"room"`
	ConnID   string    `json:"conn_id"`
	Color    uint32    `json:"color"`
	JoinedAt time.Time `json:"joined_at"`
	LeftAt   time.Time `json:"left_at"`
	Dropped  int       `json:"dropped"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME NOT NULL,
		peak_members INTEGER NOT NULL DEFAULT 0,
		registrations INTEGER NOT NULL DEFAULT 0,
		relayed INTEGER NOT NULL DEFAULT 0,
		dropped INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_room_sessions_room ON room_sessions(room, closed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_room_sessions_closed_at ON room_sessions(closed_at);

	CREATE TABLE IF NOT EXISTS connection_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		conn_id TEXT NOT NULL,
		color INTEGER NOT NULL,
		joined_at DATETIME NOT NULL,
		left_at DATETIME NOT NULL,
		dropped INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_connection_sessions_room ON connection_sessions(room, left_at DESC);
	CREATE INDEX IF NOT EXISTS idx_connection_sessions_left_at ON connection_sessions(left_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveSessions inserts a batch of finished sessions in one transaction.
func (d *Database) SaveSessions(rooms []RoomSession, conns []ConnectionSession) error {
	if len(rooms) == 0 && len(conns) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range rooms {
		if _, err := tx.Exec(`
			INSERT INTO room_sessions (room, opened_at, closed_at, peak_members, registrations, relayed, dropped)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, s.Room, s.OpenedAt.UTC(), s.ClosedAt.UTC(), s.PeakMembers, s.Registrations, s.Relayed, s.Dropped); err != nil {
			return fmt.Errorf("db: insert room session: %w", err)
		}
	}

	for _, s := range conns {
		if _, err := tx.Exec(`
			INSERT INTO connection_sessions (room, conn_id, color, joined_at, left_at, dropped)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.Room, s.ConnID, s.Color, s.JoinedAt.UTC(), s.LeftAt.UTC(), s.Dropped); err != nil {
			return fmt.Errorf("db: insert connection session: %w", err)
		}
	}

	return tx.Commit()
}

// ListRoomSessions returns closed room sessions, newest first. An empty room
// name lists every room.
func (d *Database) ListRoomSessions(room string, limit, offset int) ([]RoomSession, error) {
	rows, err := d.db.Query(`
		SELECT id, room, opened_at, closed_at, peak_members, registrations, relayed, dropped
		FROM room_sessions
		WHERE ? = '' OR room = ?
		ORDER BY closed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, room, room, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []RoomSession
	for rows.Next() {
		var s RoomSession
		if err := rows.Scan(&s.ID, &s.Room, &s.OpenedAt, &s.ClosedAt, &s.PeakMembers, &s.Registrations, &s.Relayed, &s.Dropped); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListConnectionSessions returns departed connections, newest first.
func (d *Database) ListConnectionSessions(room string, limit, offset int) ([]ConnectionSession, error) {
	rows, err := d.db.Query(`
		SELECT id, room, conn_id, color, joined_at, left_at, dropped
		FROM connection_sessions
		WHERE ? = '' OR room = ?
		ORDER BY left_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, room, room, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []ConnectionSession
	for rows.Next() {
		var s ConnectionSession
		if err := rows.Scan(&s.ID, &s.Room, &s.ConnID, &s.Color, &s.JoinedAt, &s.LeftAt, &s.Dropped); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSessionsBefore removes sessions that ended before t and returns how
// many rows went.
func (d *Database) DeleteSessionsBefore(t time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		"DELETE FROM room_sessions WHERE closed_at < ?",
		"DELETE FROM connection_sessions WHERE left_at < ?",
	} {
		res, err := tx.Exec(q, t.UTC())
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, tx.Commit()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomSessions int
	var relayed, dropped int64
	if err := d.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(relayed), 0), COALESCE(SUM(dropped), 0) FROM room_sessions",
	).Scan(&roomSessions, &relayed, &dropped); err != nil {
		return nil, err
	}
	stats["room_session_count"] = roomSessions
	stats["total_relayed"] = relayed
	stats["total_dropped"] = dropped

	var connSessions int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM connection_sessions").Scan(&connSessions); err != nil {
		return nil, err
	}
	stats["connection_session_count"] = connSessions

	return stats, nil
}
