package netsync

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// A SessionRecorder is told about the life of every session
type SessionRecorder interface {
	Joined(rec SessionRecord) error
	Welcomed(session uuid.UUID, at time.Time) error
	Left(session uuid.UUID, at time.Time, reason string) error
}

// SessionRecord is one row of the session history
type SessionRecord struct {
	Session     uuid.UUID `json:"session"`
	ClientID    ClientID  `json:"client_id"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
	WelcomedAt  time.Time `json:"welcomed_at"`
	LeftAt      time.Time `json:"left_at"`
	Reason      string    `json:"reason"`
}

// History stores sessions and plugin data in SQLite3 or PostgreSQL
type History struct {
	db     *sql.DB
	driver string
}

const historySchema = `CREATE TABLE IF NOT EXISTS sessions (
	session VARCHAR(36) NOT NULL PRIMARY KEY,
	client_id BIGINT NOT NULL,
	addr VARCHAR(128) NOT NULL,
	connected_at BIGINT NOT NULL,
	welcomed_at BIGINT NOT NULL DEFAULT 0,
	left_at BIGINT NOT NULL DEFAULT 0,
	reason VARCHAR(64) NOT NULL DEFAULT ''
);`

// OpenHistory opens the database cfg names and creates the table
// if it doesn't exist. It returns nil if cfg.Driver is empty.
func OpenHistory(cfg HistoryConfig) (*History, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite3":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0775); err != nil {
				return nil, err
			}
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	for _, schema := range []string{historySchema, pluginStorageSchema} {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &History{db: db, driver: cfg.Driver}, nil
}

// rebind rewrites ? placeholders for drivers that number them
func (h *History) rebind(query string) string {
	if h.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (h *History) Joined(rec SessionRecord) error {
	_, err := h.db.Exec(h.rebind(`INSERT INTO sessions (
		session,
		client_id,
		addr,
		connected_at
	) VALUES (
		?,
		?,
		?,
		?
	);`), rec.Session.String(), int64(rec.ClientID), rec.Addr, unixMilli(rec.ConnectedAt))
	return err
}

func (h *History) Welcomed(session uuid.UUID, at time.Time) error {
	_, err := h.db.Exec(h.rebind(`UPDATE sessions SET welcomed_at = ? WHERE session = ?;`),
		unixMilli(at), session.String())
	return err
}

func (h *History) Left(session uuid.UUID, at time.Time, reason string) error {
	_, err := h.db.Exec(h.rebind(`UPDATE sessions SET left_at = ?, reason = ? WHERE session = ?;`),
		unixMilli(at), reason, session.String())
	return err
}

// Recent returns up to limit sessions, newest first
func (h *History) Recent(limit int) ([]SessionRecord, error) {
	rows, err := h.db.Query(h.rebind(`SELECT session, client_id, addr, connected_at, welcomed_at, left_at, reason
		FROM sessions ORDER BY connected_at DESC, client_id DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var r []SessionRecord
	for rows.Next() {
		var (
			session                   string
			id                        int64
			rec                       SessionRecord
			connected, welcomed, left int64
		)

		if err := rows.Scan(&session, &id, &rec.Addr, &connected, &welcomed, &left, &rec.Reason); err != nil {
			return nil, err
		}

		if rec.Session, err = uuid.Parse(session); err != nil {
			return nil, err
		}
		rec.ClientID = ClientID(id)
		rec.ConnectedAt = fromUnixMilli(connected)
		rec.WelcomedAt = fromUnixMilli(welcomed)
		rec.LeftAt = fromUnixMilli(left)

		r = append(r, rec)
	}

	return r, rows.Err()
}

func (h *History) Close() error {
	return h.db.Close()
}
