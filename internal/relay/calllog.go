package relay

import (
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/goopcall/internal/proto"
)

// LogEntry is one relayed signaling event as recorded in the call log.
// Session descriptions and candidates are never stored.
type LogEntry struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Kind   proto.Kind   `json:"kind,omitempty"`
	Reason proto.Reason `json:"reason,omitempty"`
	TS     int64        `json:"ts"`
}

// callLog is the optional SQLite record of relayed events, shared safely by
// relay instances pointed at the same file.
type callLog struct {
	db *sql.DB
	mu sync.Mutex
}

func openCallLog(path string) (*callLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS call_events (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		from_party TEXT NOT NULL,
		to_party   TEXT NOT NULL,
		kind       TEXT DEFAULT '',
		reason     TEXT DEFAULT '',
		ts         INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS call_events_ts ON call_events(ts)`); err != nil {
		db.Close()
		return nil, err
	}
	return &callLog{db: db}, nil
}

// record stores ev. Redelivered ids are ignored.
func (c *callLog) record(ev proto.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`INSERT OR IGNORE INTO call_events (id, type, from_party, to_party, kind, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.From, ev.To, string(ev.Kind), string(ev.Reason), ev.TS)
	if err != nil {
		log.Warnf("calllog: record %s: %v", ev.ID, err)
	}
}

// recent returns up to limit entries, newest first.
func (c *callLog) recent(limit int) ([]LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT id, type, from_party, to_party, kind, reason, ts
		FROM call_events ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var (
			e            LogEntry
			kind, reason string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.From, &e.To, &kind, &reason, &e.TS); err != nil {
			return nil, err
		}
		e.Kind, e.Reason = proto.Kind(kind), proto.Reason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// prune deletes entries older than the given unix millis.
func (c *callLog) prune(beforeMillis int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`DELETE FROM call_events WHERE ts < ?`, beforeMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *callLog) close() error {
	return c.db.Close()
}
