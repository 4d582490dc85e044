package queue

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT    NOT NULL UNIQUE,
	event_type      TEXT    NOT NULL,
	source_app      TEXT    NOT NULL,
	payload         TEXT    NOT NULL,
	payload_version INTEGER NOT NULL DEFAULT 1,
	required_scope  TEXT    NOT NULL,
	consent_version TEXT    NOT NULL,
	captured_at     INTEGER NOT NULL,
	state           TEXT    NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT '',
	enqueued_at     INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_state_order ON events (state, captured_at, seq);
`

// connPragmas are applied to every pooled connection. WAL lets the
// control API read counts while a flush is writing.
var connPragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

func openPool(path string, size int) (*sqlitex.Pool, error) {
	if size <= 0 {
		size = 4
	}
	return sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range connPragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("queue: create schema: %w", err)
	}
	return nil
}
