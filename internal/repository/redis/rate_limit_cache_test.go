package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlidingWindowReplyAllowed(t *testing.T) {
	allowed, count, retryAfter, err := parseSlidingWindowReply([]interface{}{int64(1), int64(3), int64(0)})
	require.NoError(t, err)

	assert.True(t, allowed)
	assert.Equal(t, 3, count)
	assert.Equal(t, time.Duration(0), retryAfter)
}

func TestParseSlidingWindowReplyDeniedWithRetry(t *testing.T) {
	allowed, count, retryAfter, err := parseSlidingWindowReply([]interface{}{int64(0), int64(5), int64(42500)})
	require.NoError(t, err)

	assert.False(t, allowed)
	assert.Equal(t, 5, count)
	assert.Equal(t, 42500*time.Millisecond, retryAfter)
}

func TestParseSlidingWindowReplyMalformed(t *testing.T) {
	tests := []struct {
		name  string
		reply interface{}
	}{
		{"not a slice", "OK"},
		{"nil reply", nil},
		{"wrong length", []interface{}{int64(1), int64(3)}},
		{"string element", []interface{}{"1", int64(3), int64(0)}},
		{"nil element", []interface{}{int64(1), nil, int64(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := parseSlidingWindowReply(tt.reply)
			assert.Error(t, err, "malformed reply must surface as an error, never a panic")
		})
	}
}
