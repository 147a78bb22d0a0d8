package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewStore_DefaultThreshold(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, 0, s.Len())

	s.Reset(1)
	for i := 1; i < DefaultFailureThreshold; i++ {
		assert.False(t, s.RecordFailure(0, "boom", false, t0).BecameUnhealthy)
	}
	assert.True(t, s.RecordFailure(0, "boom", false, t0).BecameUnhealthy)
}

func TestReset(t *testing.T) {
	s := NewStore(3)
	s.Reset(3)
	s.RecordFailure(1, "boom", false, t0)

	s.Reset(2)
	require.Equal(t, 2, s.Len())
	for i := 0; i < 2; i++ {
		r, ok := s.Get(i)
		require.True(t, ok)
		assert.Equal(t, NewRecord(), r)
	}
}

func TestExtend_KeepsExistingRecords(t *testing.T) {
	s := NewStore(3)
	s.Reset(2)
	s.RecordFailure(0, "boom", false, t0)

	s.Extend(2)
	assert.Equal(t, 4, s.Len())

	r0, _ := s.Get(0)
	assert.Equal(t, uint(1), r0.ErrorCount)
	r3, _ := s.Get(3)
	assert.Equal(t, NewRecord(), r3)
}

func TestGet_OutOfRange(t *testing.T) {
	s := NewStore(3)
	s.Reset(1)
	_, ok := s.Get(-1)
	assert.False(t, ok)
	_, ok = s.Get(1)
	assert.False(t, ok)
	assert.False(t, s.Eligible(5))
}

func TestRecordFailure_ThresholdMarksUnhealthy(t *testing.T) {
	s := NewStore(3)
	s.Reset(1)

	out := s.RecordFailure(0, "500 internal", false, t0)
	assert.False(t, out.BecameUnhealthy)
	out = s.RecordFailure(0, "500 internal", false, t0)
	assert.False(t, out.BecameUnhealthy)
	assert.True(t, s.Eligible(0))

	out = s.RecordFailure(0, "500 internal", false, t0)
	assert.True(t, out.BecameUnhealthy)
	assert.False(t, s.Eligible(0))

	r, _ := s.Get(0)
	assert.Equal(t, uint(3), r.ErrorCount)
	assert.Equal(t, uint(3), r.TotalRequests)
	require.NotNil(t, r.LastError)
	assert.Equal(t, "500 internal", r.LastError.Message)
	assert.Equal(t, t0, r.LastError.Timestamp)

	// Already unhealthy: further failures do not report the transition again
	out = s.RecordFailure(0, "500 internal", false, t0)
	assert.False(t, out.BecameUnhealthy)
}

func TestRecordFailure_Quota(t *testing.T) {
	s := NewStore(3)
	s.Reset(1)

	out := s.RecordFailure(0, "429", true, t0)
	assert.True(t, out.QuotaExhausted)
	assert.True(t, out.BecameExhausted)

	r, _ := s.Get(0)
	assert.True(t, r.IsHealthy)
	assert.True(t, r.QuotaExhausted)
	require.NotNil(t, r.QuotaExhaustedAt)
	assert.Equal(t, t0, *r.QuotaExhaustedAt)
	assert.False(t, s.Eligible(0))

	out = s.RecordFailure(0, "429", true, t0.Add(time.Minute))
	assert.False(t, out.BecameExhausted)
	r, _ = s.Get(0)
	assert.Equal(t, t0.Add(time.Minute), *r.QuotaExhaustedAt)
}

func TestRecordSuccess_DecrementsNotResets(t *testing.T) {
	s := NewStore(3)
	s.Reset(1)
	for i := 0; i < 3; i++ {
		s.RecordFailure(0, "err", false, t0)
	}

	recovered := s.RecordSuccess(0, t0)
	assert.False(t, recovered)
	r, _ := s.Get(0)
	assert.Equal(t, uint(2), r.ErrorCount)
	assert.False(t, r.IsHealthy)

	assert.False(t, s.RecordSuccess(0, t0))
	assert.True(t, s.RecordSuccess(0, t0))

	r, _ = s.Get(0)
	assert.Equal(t, uint(0), r.ErrorCount)
	assert.True(t, r.IsHealthy)
	assert.Equal(t, uint(3), r.SuccessCount)
	assert.Equal(t, uint(6), r.TotalRequests)
	require.NotNil(t, r.LastUsed)
}

func TestRecordSuccess_FloorZero(t *testing.T) {
	s := NewStore(3)
	s.Reset(1)
	s.RecordSuccess(0, t0)
	r, _ := s.Get(0)
	assert.Equal(t, uint(0), r.ErrorCount)
	assert.True(t, r.IsHealthy)
}

func TestRecoverQuota_StrictCooldown(t *testing.T) {
	s := NewStore(3)
	s.Reset(2)
	s.RecordFailure(0, "quota exceeded", true, t0)
	s.RecordFailure(0, "quota exceeded", true, t0)
	s.RecordFailure(0, "quota exceeded", true, t0)

	cooldown := 24 * time.Hour

	assert.Empty(t, s.RecoverQuota(t0.Add(cooldown-time.Second), cooldown))
	assert.Empty(t, s.RecoverQuota(t0.Add(cooldown), cooldown))

	recovered := s.RecoverQuota(t0.Add(cooldown+time.Second), cooldown)
	assert.Equal(t, []int{0}, recovered)

	r, _ := s.Get(0)
	assert.False(t, r.QuotaExhausted)
	assert.Nil(t, r.QuotaExhaustedAt)
	assert.Equal(t, uint(0), r.ErrorCount)
	assert.True(t, r.IsHealthy)
}

func TestRecoverQuota_MissingTimestamp(t *testing.T) {
	s := NewStore(3)
	s.Restore(map[int]Record{0: {IsHealthy: true, QuotaExhausted: true}}, 1)
	assert.Equal(t, []int{0}, s.RecoverQuota(t0, time.Hour))
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore(3)
	s.Reset(3)
	s.RecordFailure(1, "x", true, t0)
	s.MarkUsed(2, t0)

	snap := s.Snapshot()
	require.Len(t, snap, 3)

	other := NewStore(3)
	other.Restore(snap, 4)
	assert.Equal(t, 4, other.Len())
	r1, _ := other.Get(1)
	assert.True(t, r1.QuotaExhausted)
	r3, _ := other.Get(3)
	assert.Equal(t, NewRecord(), r3)
}

func TestRestore_RederivesHealth(t *testing.T) {
	s := NewStore(3)
	s.Restore(map[int]Record{
		0: {IsHealthy: true, ErrorCount: 5},
		1: {IsHealthy: false, ErrorCount: 0},
		2: {IsHealthy: false, ErrorCount: 1},
	}, 3)

	r0, _ := s.Get(0)
	assert.False(t, r0.IsHealthy)
	r1, _ := s.Get(1)
	assert.True(t, r1.IsHealthy)
	r2, _ := s.Get(2)
	assert.False(t, r2.IsHealthy, "recovering credential keeps its state")
}

func TestIsQuotaError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"429 rate limit exceeded", true},
		{"Quota exceeded for quota metric", true},
		{"RESOURCE_EXHAUSTED: Too Many Requests", true},
		{"daily LIMIT reached", true},
		{"internal server error", false},
		{"invalid api key", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, IsQuotaError(tt.msg, nil))
		})
	}
}

func TestIsQuotaError_CustomKeywords(t *testing.T) {
	assert.True(t, IsQuotaError("RESOURCE_EXHAUSTED", []string{"resource_exhausted"}))
	assert.False(t, IsQuotaError("429", []string{"resource_exhausted"}))
	assert.True(t, IsQuotaError("429 too many requests", []string{}), "empty list falls back to the defaults")
	assert.False(t, IsQuotaError("internal server error", []string{}))
}

func TestRecordClone_Independent(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Record{
		IsHealthy:        true,
		QuotaExhaustedAt: &now,
		LastError:        &ErrorInfo{Message: "boom", Timestamp: now},
	}

	c := r.Clone()
	c.LastError.Message = "changed"
	*c.QuotaExhaustedAt = now.Add(time.Hour)

	assert.Equal(t, "boom", r.LastError.Message)
	assert.Equal(t, now, *r.QuotaExhaustedAt)
	assert.Nil(t, c.LastUsed)
}
