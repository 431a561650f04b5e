package gwerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRateLimited))
	assert.True(t, IsRetryable(ErrPlatformTransient))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrRateLimited)))
	assert.False(t, IsRetryable(ErrForbidden))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("something else")))
}

func TestIsTerminal(t *testing.T) {
	terminal := []error{
		ErrUnauthenticated, ErrForbidden, ErrInvalidInput,
		ErrUnknownUser, ErrUnknownConversation, ErrUnknownApproval,
	}
	for _, err := range terminal {
		assert.True(t, IsTerminal(err), "%v should be terminal", err)
	}
	assert.False(t, IsTerminal(ErrRateLimited))
	assert.False(t, IsTerminal(ErrPlatformTransient))
	assert.False(t, IsTerminal(nil))
}

func TestRetryableAndTerminalAreDisjoint(t *testing.T) {
	all := []error{
		ErrUnauthenticated, ErrForbidden, ErrInvalidInput, ErrUnknownUser,
		ErrUnknownConversation, ErrUnknownApproval, ErrRateLimited,
		ErrPlatformTransient, ErrUpstreamAbort, ErrCancelled, ErrAlreadyResolved,
	}
	for _, err := range all {
		if IsRetryable(err) && IsTerminal(err) {
			t.Fatalf("%v classified as both retryable and terminal", err)
		}
	}
}
