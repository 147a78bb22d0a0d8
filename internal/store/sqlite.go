package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite stores one row per credential: its position, the key and the
// health record as JSON text.
type SQLite struct {
	db    *sql.DB
	table string
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path, table string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	st, err := NewSQLite(ctx, db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// NewSQLite wraps an open database and ensures the schema exists.
func NewSQLite(ctx context.Context, db *sql.DB, table string) (*SQLite, error) {
	st := &SQLite{db: db, table: tableOrDefault(table)}
	if err := st.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store: failed to initialize sqlite schema: %w", err)
	}
	return st, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			position INTEGER PRIMARY KEY,
			api_key TEXT NOT NULL,
			health TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`, s.table)
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLite) Load(ctx context.Context) (Snapshot, error) {
	query := fmt.Sprintf(`SELECT position, api_key, health FROM %s ORDER BY position`, s.table)
	rs, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: query snapshot: %w", err)
	}
	defer rs.Close()

	var rows []row
	for rs.Next() {
		var (
			r      row
			health sql.NullString
		)
		if err := rs.Scan(&r.Position, &r.APIKey, &health); err != nil {
			return Snapshot{}, fmt.Errorf("store: scan snapshot: %w", err)
		}
		if health.Valid {
			r.Health = []byte(health.String)
		}
		rows = append(rows, r)
	}
	if err := rs.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("store: iterate snapshot: %w", err)
	}
	if len(rows) == 0 {
		return Snapshot{}, nil
	}
	return fromRows(rows)
}

func (s *SQLite) Save(ctx context.Context, snap Snapshot) error {
	rows, err := toRows(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("store: clear snapshot: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (position, api_key, health) VALUES (?, ?, ?)`, s.table)
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, insert, r.Position, r.APIKey, string(r.Health)); err != nil {
			return fmt.Errorf("store: insert credential %d: %w", r.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
