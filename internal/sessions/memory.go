package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mixaill76/keypool/internal/utils"
)

// DefaultIdleTTL is how long a session stays live without a Touch.
const DefaultIdleTTL = time.Hour

// Memory is an in-process registry. Sessions are opened explicitly, kept
// alive by Touch and end on Close or after IdleTTL without activity.
type Memory struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	idleTTL  time.Duration
	now      utils.Clock
}

func NewMemory(idleTTL time.Duration, clock utils.Clock) *Memory {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Memory{
		lastSeen: make(map[string]time.Time),
		idleTTL:  idleTTL,
		now:      clock.OrDefault(),
	}
}

// Open registers a new session and returns its id.
func (m *Memory) Open() string {
	id := uuid.NewString()
	m.mu.Lock()
	m.lastSeen[id] = m.now()
	m.mu.Unlock()
	return id
}

// Touch marks id as active. Expired or unknown ids return ErrUnknownSession.
func (m *Memory) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	seen, ok := m.lastSeen[id]
	if !ok || m.expired(seen, now) {
		delete(m.lastSeen, id)
		return ErrUnknownSession
	}
	m.lastSeen[id] = now
	return nil
}

// Close ends the session. Closing an unknown id is a no-op.
func (m *Memory) Close(id string) {
	m.mu.Lock()
	delete(m.lastSeen, id)
	m.mu.Unlock()
}

// ListActiveSessionIDs returns the sessions seen within the idle TTL and
// forgets the rest.
func (m *Memory) ListActiveSessionIDs(_ context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	live := make(map[string]struct{}, len(m.lastSeen))
	for id, seen := range m.lastSeen {
		if m.expired(seen, now) {
			delete(m.lastSeen, id)
			continue
		}
		live[id] = struct{}{}
	}
	return live, nil
}

// Len returns the number of tracked sessions, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen)
}

func (m *Memory) expired(seen, now time.Time) bool {
	return now.Sub(seen) > m.idleTTL
}
