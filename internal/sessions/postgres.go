package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/mixaill76/keypool/internal/database"
)

// Postgres lists live sessions with a configured query returning one text
// column of session ids, e.g.
//
//	SELECT id FROM chat_sessions WHERE closed_at IS NULL
type Postgres struct {
	pool    *database.ConnectionPool
	query   string
	timeout time.Duration
}

func NewPostgres(pool *database.ConnectionPool, query string, timeout time.Duration) *Postgres {
	return &Postgres{pool: pool, query: query, timeout: timeout}
}

func (p *Postgres) ListActiveSessionIDs(ctx context.Context) (map[string]struct{}, error) {
	conn, err := p.pool.Pool()
	if err != nil {
		return nil, err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	rows, err := conn.Query(ctx, p.query)
	if err != nil {
		return nil, fmt.Errorf("sessions: query active sessions: %w", err)
	}
	defer rows.Close()

	live := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sessions: scan session id: %w", err)
		}
		live[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: iterate sessions: %w", err)
	}
	return live, nil
}
