package health

import (
	"time"
)

// Store holds one Record per credential index in a dense slice.
// Not safe for concurrent use; pool.Manager serializes access.
type Store struct {
	records          []Record
	failureThreshold uint
}

// NewStore creates an empty store. A non-positive threshold falls back to
// DefaultFailureThreshold.
func NewStore(failureThreshold int) *Store {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	return &Store{failureThreshold: uint(failureThreshold)}
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// Reset drops every record and creates n fresh ones.
func (s *Store) Reset(n int) {
	s.records = make([]Record, n)
	for i := range s.records {
		s.records[i] = NewRecord()
	}
}

// Extend appends n fresh records, leaving existing ones untouched.
func (s *Store) Extend(n int) {
	for i := 0; i < n; i++ {
		s.records = append(s.records, NewRecord())
	}
}

// Get returns a copy of the record at index.
func (s *Store) Get(index int) (Record, bool) {
	if !s.valid(index) {
		return Record{}, false
	}
	return s.records[index], true
}

// Eligible reports whether the record at index is healthy and not quota exhausted.
func (s *Store) Eligible(index int) bool {
	return s.valid(index) && s.records[index].Eligible()
}

// MarkUsed stamps LastUsed.
func (s *Store) MarkUsed(index int, now time.Time) {
	if !s.valid(index) {
		return
	}
	s.records[index].LastUsed = &now
}

// RecordSuccess applies a successful call. The error counter is decremented,
// not reset, so a credential that failed repeatedly needs as many successes
// to become healthy again. Returns true when the credential flipped back to healthy.
func (s *Store) RecordSuccess(index int, now time.Time) bool {
	if !s.valid(index) {
		return false
	}
	r := &s.records[index]
	r.SuccessCount++
	r.TotalRequests++
	r.LastUsed = &now
	if r.ErrorCount > 0 {
		r.ErrorCount--
	}
	if r.ErrorCount == 0 && !r.IsHealthy {
		r.IsHealthy = true
		return true
	}
	return false
}

// FailureOutcome describes what a recorded failure changed.
type FailureOutcome struct {
	QuotaExhausted  bool // failure was classified as quota exhaustion
	BecameUnhealthy bool // this failure crossed the threshold
	BecameExhausted bool // quota flag was newly raised
}

// RecordFailure applies a failed call with the given message. quota is the
// result of quota classification made by the caller.
func (s *Store) RecordFailure(index int, message string, quota bool, now time.Time) FailureOutcome {
	var out FailureOutcome
	if !s.valid(index) {
		return out
	}
	r := &s.records[index]
	r.ErrorCount++
	r.TotalRequests++
	r.LastError = &ErrorInfo{Message: message, Timestamp: now}

	if quota {
		out.QuotaExhausted = true
		out.BecameExhausted = !r.QuotaExhausted
		r.QuotaExhausted = true
		r.QuotaExhaustedAt = &now
	}
	if r.ErrorCount >= s.failureThreshold && r.IsHealthy {
		r.IsHealthy = false
		out.BecameUnhealthy = true
	}
	return out
}

// RecoverQuota clears the quota flag of every record exhausted for strictly
// longer than cooldown, zeroes its error counter and marks it healthy.
// Returns the recovered indices.
func (s *Store) RecoverQuota(now time.Time, cooldown time.Duration) []int {
	var recovered []int
	for i := range s.records {
		r := &s.records[i]
		if !r.QuotaExhausted {
			continue
		}
		// A flag without a timestamp can only come from a hand-edited snapshot;
		// treat it as already expired.
		if r.QuotaExhaustedAt != nil && now.Sub(*r.QuotaExhaustedAt) <= cooldown {
			continue
		}
		r.QuotaExhausted = false
		r.QuotaExhaustedAt = nil
		r.ErrorCount = 0
		r.IsHealthy = true
		recovered = append(recovered, i)
	}
	return recovered
}

// Snapshot returns a copy of all records keyed by index.
func (s *Store) Snapshot() map[int]Record {
	out := make(map[int]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Restore replaces the store content with n records taken from snapshot.
// Missing indices get fresh records; indices >= n are ignored. The
// IsHealthy flag is re-derived from ErrorCount where the two disagree.
func (s *Store) Restore(snapshot map[int]Record, n int) {
	s.records = make([]Record, n)
	for i := range s.records {
		r, ok := snapshot[i]
		if !ok {
			r = NewRecord()
		}
		if r.ErrorCount >= s.failureThreshold {
			r.IsHealthy = false
		} else if r.ErrorCount == 0 {
			r.IsHealthy = true
		}
		s.records[i] = r
	}
}

func (s *Store) valid(index int) bool {
	return index >= 0 && index < len(s.records)
}
