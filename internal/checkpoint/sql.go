package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Dialect names a SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"   // Local file via modernc.org/sqlite
	LibSQL   Dialect = "libsql"   // Turso / libsql server
	Postgres Dialect = "postgres" // Postgres via pgx
)

var drivers = map[Dialect]string{
	SQLite:   "sqlite",
	LibSQL:   "libsql",
	Postgres: "pgx",
}

const table = "conclave_checkpoints"

// SQLStore keeps checkpoints in one table keyed by session and name.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects to dsn and creates the checkpoint table if needed. For
// SQLite the dsn is a file path.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	driver, ok := drivers[dialect]
	if !ok {
		return nil, fmt.Errorf("unknown checkpoint dialect %q", dialect)
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s checkpoint store needs a dsn", dialect)
	}

	if dialect == SQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == SQLite {
		// One writer at a time; concurrent writers would hit "database is locked".
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	blob, ts := "BLOB", "TEXT"
	if s.dialect == Postgres {
		blob, ts = "BYTEA", "TIMESTAMPTZ"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		session_id TEXT NOT NULL,
		name       TEXT NOT NULL,
		payload    %s NOT NULL,
		updated_at %s NOT NULL,
		PRIMARY KEY (session_id, name)
	)`, table, blob, ts))
	if err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save upserts the payload.
func (s *SQLStore) Save(ctx context.Context, sessionID, name string, payload []byte) (string, error) {
	if err := validate(sessionID, name); err != nil {
		return "", err
	}
	var updated any = time.Now().UTC().Format(time.RFC3339Nano)
	if s.dialect == Postgres {
		updated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO `+table+` (session_id, name, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`),
		sessionID, name, payload, updated)
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return fmt.Sprintf("%s:%s/%s", s.dialect, sessionID, name), nil
}

// Load reads a payload.
func (s *SQLStore) Load(ctx context.Context, sessionID, name string) ([]byte, error) {
	if err := validate(sessionID, name); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM `+table+` WHERE session_id = ? AND name = ?`),
		sessionID, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return payload, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
