package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("join failed: %w", apperrors.ErrRoomFull.WithDetails("room_1"))

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrRoomFull))
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrRoomNotFound))
	assert.True(t, apperrors.IsRoomFull(wrapped))
	assert.Equal(t, apperrors.ErrCodeRoomFull, apperrors.CodeOf(wrapped))
}

func TestAppError_WithDetailsDoesNotMutateSentinel(t *testing.T) {
	detailed := apperrors.ErrRoomNotFound.WithDetails("room_x")

	assert.Equal(t, "room_x", detailed.Details)
	assert.Empty(t, apperrors.ErrRoomNotFound.Details)
	assert.Contains(t, detailed.Error(), "room_x")
}

func TestAppError_Wrap(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := apperrors.Wrap(cause, apperrors.ErrCodeConnection, "connect failed")

	assert.True(t, apperrors.IsConnection(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestRateLimited(t *testing.T) {
	resetAt := time.Now().Add(time.Second)
	err := apperrors.RateLimited("chat", 0, resetAt)

	require.True(t, apperrors.IsRateLimited(err))
	assert.Equal(t, 0, err.Remaining)
	assert.Equal(t, resetAt, err.ResetAt)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection", apperrors.ErrConnection, true},
		{"rate limited", apperrors.ErrRateLimited, true},
		{"room full", apperrors.ErrRoomFull, false},
		{"room in progress", apperrors.ErrRoomInProgress, false},
		{"plain error", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.IsRetryable(tt.err))
		})
	}
}
