package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyFormat(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	assert.Len(t, key, 32)
	assert.True(t, ValidKey(key), "key %q should match the external format", key)
}

func TestNewKeyUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key, err := NewKey()
		require.NoError(t, err)
		assert.False(t, seen[key], "duplicate key generated: %s", key)
		seen[key] = true
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"valid lowercase hex", "0123456789abcdef0123456789abcdef", true},
		{"too short", "0123456789abcdef", false},
		{"too long", "0123456789abcdef0123456789abcdef00", false},
		{"uppercase rejected", "0123456789ABCDEF0123456789ABCDEF", false},
		{"non-hex characters", "0123456789abcdefg123456789abcdef", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidKey(tt.key))
		})
	}
}

func TestRecordState(t *testing.T) {
	now := time.Now()

	var missing *Record
	assert.Equal(t, StateUnissued, missing.State())

	preIssued := &Record{Key: "k", CreatedAt: now}
	assert.Equal(t, StateInactive, preIssued.State())

	issued := &Record{Key: "k", Active: true, CreatedAt: now}
	assert.Equal(t, StateActive, issued.State())
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "0123abcd...", MaskKey("0123abcd0123abcd0123abcd0123abcd"))
	assert.Equal(t, "***", MaskKey("short"))
	assert.Equal(t, "***", MaskKey(""))
}
