// Package sessions reports which client sessions are still alive, so the
// affinity table can forget bindings of sessions that ended.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixaill76/keypool/internal/config"
	"github.com/mixaill76/keypool/internal/database"
	"github.com/mixaill76/keypool/internal/utils"
)

var ErrUnknownSession = errors.New("sessions: unknown session")

// Registry lists live session ids.
type Registry interface {
	ListActiveSessionIDs(ctx context.Context) (map[string]struct{}, error)
}

// Open builds the registry selected by cfg.Driver. It returns a nil
// Registry for the "none" driver; the caller then skips session pruning.
// The returned close function releases any connection the registry holds.
func Open(ctx context.Context, cfg config.SessionsConfig, log *slog.Logger, clock utils.Clock) (Registry, func(), error) {
	noop := func() {}

	switch cfg.Driver {
	case config.SessionsNone:
		return nil, noop, nil
	case "", config.SessionsMemory:
		return NewMemory(cfg.IdleTTL, clock), noop, nil
	case config.SessionsPostgres:
		pool, err := database.Connect(ctx, database.Config{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    2,
			Logger:      log,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("sessions: %w", err)
		}
		return NewPostgres(pool, cfg.Query, 10*time.Second), pool.Close, nil
	default:
		return nil, noop, fmt.Errorf("sessions: unsupported driver %q", cfg.Driver)
	}
}
