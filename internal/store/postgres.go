package store

import (
	"context"
	"fmt"

	"github.com/mixaill76/keypool/internal/database"
)

// Postgres stores one row per credential with the health record as JSONB.
type Postgres struct {
	pool     *database.ConnectionPool
	table    string
	ownsPool bool
}

// NewPostgres ensures the schema exists on pool. The caller keeps ownership
// of pool unless the store was created by Open.
func NewPostgres(ctx context.Context, pool *database.ConnectionPool, table string) (*Postgres, error) {
	st := &Postgres{pool: pool, table: tableOrDefault(table)}
	if err := st.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store: failed to initialize postgres schema: %w", err)
	}
	return st, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	conn, err := p.pool.Pool()
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			position INTEGER PRIMARY KEY,
			api_key TEXT NOT NULL,
			health JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, p.table))
	return err
}

func (p *Postgres) Load(ctx context.Context) (Snapshot, error) {
	conn, err := p.pool.Pool()
	if err != nil {
		return Snapshot{}, err
	}

	rs, err := conn.Query(ctx, fmt.Sprintf(`SELECT position, api_key, health FROM %s ORDER BY position`, p.table))
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: query snapshot: %w", err)
	}
	defer rs.Close()

	var rows []row
	for rs.Next() {
		var r row
		if err := rs.Scan(&r.Position, &r.APIKey, &r.Health); err != nil {
			return Snapshot{}, fmt.Errorf("store: scan snapshot: %w", err)
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

func (p *Postgres) Save(ctx context.Context, snap Snapshot) error {
	rows, err := toRows(snap)
	if err != nil {
		return err
	}

	conn, err := p.pool.Pool()
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op if tx is already committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, p.table)); err != nil {
		return fmt.Errorf("store: clear snapshot: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (position, api_key, health) VALUES ($1, $2, $3::jsonb)`, p.table)
	for _, r := range rows {
		if _, err := tx.Exec(ctx, insert, r.Position, r.APIKey, string(r.Health)); err != nil {
			return fmt.Errorf("store: insert credential %d: %w", r.Position, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
