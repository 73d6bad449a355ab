package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", ErrRoomNotFound, http.StatusNotFound},
		{"room full", ErrRoomFull, http.StatusConflict},
		{"already joined", ErrAlreadyJoined, http.StatusConflict},
		{"invalid capacity", ErrInvalidCapacity, http.StatusBadRequest},
		{"room not open", ErrRoomNotOpen, http.StatusGone},
		{"too many rooms", ErrTooManyRooms, http.StatusTooManyRequests},
		{"registry unavailable", ErrRegistryUnavailable, http.StatusServiceUnavailable},
		{"allocation exhausted", ErrAllocationExhausted, http.StatusServiceUnavailable},
		{"wrapped app error", fmt.Errorf("admit: %w", ErrRoomFull), http.StatusConflict},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsByCode(t *testing.T) {
	// WithDetails 產生的副本仍然等同於原錯誤
	detailed := ErrRoomFull.WithDetails("ABCD")
	if !errors.Is(detailed, ErrRoomFull) {
		t.Error("detailed copy should match ErrRoomFull")
	}
	if errors.Is(detailed, ErrRoomNotFound) {
		t.Error("detailed copy should not match ErrRoomNotFound")
	}
	if ErrRoomFull.Details != "" {
		t.Error("WithDetails must not modify the shared error")
	}

	wrapped := Wrap(errors.New("dial tcp: refused"), ErrCodeUnavailable, "redis sadd failed")
	if !errors.Is(wrapped, ErrRegistryUnavailable) {
		t.Error("wrapped unavailable error should match ErrRegistryUnavailable")
	}
	if !IsUnavailable(fmt.Errorf("allocate: %w", wrapped)) {
		t.Error("IsUnavailable should see through fmt wrapping")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := Wrap(cause, ErrCodeUnavailable, "redis smembers failed")

	if !errors.Is(err, cause) {
		t.Error("Wrap should keep the cause")
	}
	if got, want := err.Error(), "[SERVICE_UNAVAILABLE] redis smembers failed: i/o timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got, want := ErrRoomFull.Error(), "[ROOM_FULL] room is full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCode(t *testing.T) {
	if got := Code(nil); got != ErrCodeInternal {
		t.Errorf("Code(nil) = %s, want %s", got, ErrCodeInternal)
	}
	if IsNotFound(nil) || IsRoomFull(nil) || IsAlreadyExists(nil) || IsUnavailable(nil) {
		t.Error("nil error should not match any code")
	}
	if !IsAlreadyExists(ErrAlreadyJoined) {
		t.Error("ErrAlreadyJoined should be ALREADY_EXISTS")
	}
	if !IsRoomFull(ErrRoomFull.WithDetails("ABCD")) {
		t.Error("IsRoomFull should match detailed copy")
	}
}
