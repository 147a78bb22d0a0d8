// Package store persists the credential list and its health records so the
// pool survives restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixaill76/keypool/internal/config"
	"github.com/mixaill76/keypool/internal/database"
	"github.com/mixaill76/keypool/internal/health"
	"github.com/mixaill76/keypool/internal/logger"
)

var ErrUnsupportedDriver = errors.New("store: unsupported driver")

// Snapshot is the persisted state of a pool. Health is keyed by credential
// index; indices without a record restore as fresh.
type Snapshot struct {
	Credentials []string              `json:"credentials"`
	Health      map[int]health.Record `json:"health"`
	SavedAt     time.Time             `json:"saved_at"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{SavedAt: s.SavedAt}
	if s.Credentials != nil {
		out.Credentials = append([]string(nil), s.Credentials...)
	}
	if s.Health != nil {
		out.Health = make(map[int]health.Record, len(s.Health))
		for i, rec := range s.Health {
			out.Health[i] = rec.Clone()
		}
	}
	return out
}

// Store loads and saves pool snapshots.
type Store interface {
	// Load returns the last saved snapshot, or an empty one when nothing was saved.
	Load(ctx context.Context) (Snapshot, error)
	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	if log == nil {
		log = logger.Discard()
	}

	switch cfg.Driver {
	case "", config.StoreMemory:
		return NewMemory(), nil
	case config.StoreFile:
		return NewFile(cfg.Path)
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.Path, tableOrDefault(cfg.Table))
	case config.StorePostgres:
		pool, err := database.Connect(ctx, database.Config{
			DatabaseURL:    cfg.DatabaseURL,
			MaxConns:       cfg.MaxConns,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		st, err := NewPostgres(ctx, pool, tableOrDefault(cfg.Table))
		if err != nil {
			pool.Close()
			return nil, err
		}
		st.ownsPool = true
		return st, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

func tableOrDefault(table string) string {
	if table == "" {
		return config.DefaultStoreTable
	}
	return table
}

// row is one persisted credential: its position, key and JSON health record.
// The SQL stores share this layout.
type row struct {
	Position int
	APIKey   string
	Health   []byte
}

func toRows(snap Snapshot) ([]row, error) {
	rows := make([]row, 0, len(snap.Credentials))
	for i, key := range snap.Credentials {
		rec, ok := snap.Health[i]
		if !ok {
			rec = health.NewRecord()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("store: marshal health %d: %w", i, err)
		}
		rows = append(rows, row{Position: i, APIKey: key, Health: data})
	}
	return rows, nil
}

func fromRows(rows []row) (Snapshot, error) {
	snap := Snapshot{
		Credentials: make([]string, 0, len(rows)),
		Health:      make(map[int]health.Record, len(rows)),
	}
	for i, r := range rows {
		if r.Position != i {
			return Snapshot{}, fmt.Errorf("store: credential positions are not contiguous at %d", i)
		}
		snap.Credentials = append(snap.Credentials, r.APIKey)
		if len(r.Health) == 0 {
			continue
		}
		var rec health.Record
		if err := json.Unmarshal(r.Health, &rec); err != nil {
			return Snapshot{}, fmt.Errorf("store: unmarshal health %d: %w", i, err)
		}
		snap.Health[i] = rec
	}
	return snap, nil
}
