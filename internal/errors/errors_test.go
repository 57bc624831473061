// Package errors tests for error code definitions and error handling.
package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrNotFound, "operation missing")
	assert.Equal(t, "[NOT_FOUND] operation missing", err.Error())

	wrapped := Wrap(ErrTransport, "upload batch 2", context.DeadlineExceeded)
	assert.Equal(t, "[TRANSPORT_ERROR] upload batch 2: context deadline exceeded", wrapped.Error())
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}

func TestIs_wrappedChain(t *testing.T) {
	inner := Serialization("payload is not an object", errors.New("bad json"))
	outer := fmt.Errorf("record change med-1: %w", inner)

	assert.True(t, Is(outer, ErrSerialization))
	assert.False(t, Is(outer, ErrTransport))
	assert.False(t, Is(errors.New("plain"), ErrSerialization))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", Transport("timeout", context.DeadlineExceeded), true},
		{"storage", Wrap(ErrStorage, "write", errors.New("disk")), true},
		{"plain error", errors.New("boom"), true},
		{"serialization", Serialization("bad", nil), false},
		{"config", InvalidConfig("batch size", nil), false},
		{"not found", NotFound("entity", "x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrQueueExhausted, CodeOf(New(ErrQueueExhausted, "x")))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("x")))
	assert.Equal(t, "[NOT_FOUND] conflict med-9 not found", NotFound("conflict", "med-9").Error())
}
