package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0}, {0, 0}, {0.42, 0.42}, {1, 1}, {7, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clamp01(tt.in))
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" b", "a", "", "b", "a "})
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Nil(t, NormalizeTags(nil))
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.True(t, (&Record{ExpiresAt: &past}).Expired(now))
	assert.True(t, (&Record{ExpiresAt: &now}).Expired(now))
	assert.False(t, (&Record{ExpiresAt: &future}).Expired(now))
	assert.False(t, (&Record{}).Expired(now))
}

func TestKindDefaultsCoverEveryTier(t *testing.T) {
	seen := map[Tier]bool{}
	for _, tier := range ValidKinds {
		seen[tier] = true
	}
	for _, tier := range Tiers {
		assert.True(t, seen[tier], "no kind defaults to %s", tier)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(NewValidationError("kind", "unknown"), ErrValidation))
	assert.True(t, errors.Is(&DeniedError{Op: "delete", Reason: "creator mismatch"}, ErrAuthorizationDenied))

	cause := errors.New("disk I/O error")
	err := NewStoreError("insert", cause)
	assert.True(t, errors.Is(err, ErrStore))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsRetryable(err))

	assert.Equal(t, ErrNotFound, NewStoreError("get", ErrNotFound))
	assert.False(t, IsRetryable(ErrConflict))

	invalid := NewValidationError("scope", "record has no project")
	wrapped := NewStoreError("persist", invalid)
	assert.Same(t, invalid, wrapped)
	assert.False(t, IsRetryable(wrapped))
}
