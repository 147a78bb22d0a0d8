package testhelpers

import (
	"context"
	"sync"
)

// FakeRegistry is a session registry with a fixed answer.
type FakeRegistry struct {
	mu    sync.Mutex
	live  map[string]struct{}
	err   error
	calls int
}

func NewFakeRegistry(ids ...string) *FakeRegistry {
	r := &FakeRegistry{}
	r.SetLive(ids...)
	return r
}

func (r *FakeRegistry) SetLive(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r.live[id] = struct{}{}
	}
}

// SetError makes subsequent listings fail with err (nil clears it).
func (r *FakeRegistry) SetError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *FakeRegistry) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *FakeRegistry) ListActiveSessionIDs(_ context.Context) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]struct{}, len(r.live))
	for id := range r.live {
		out[id] = struct{}{}
	}
	return out, nil
}
