package command

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the command registry and future (spec §7).
var (
	// ErrTimeout is returned when a future's TTL elapses with no reply.
	// Callers needing the specific command id should use errors.As against
	// *TimeoutError instead of comparing against this sentinel directly;
	// it exists for errors.Is compatibility with code that only cares that
	// a timeout occurred.
	ErrTimeout = errors.New("command: timed out waiting for reply")

	// ErrCapacityExhausted is returned when the TTL tracker is at its
	// 65536-entry capacity and cannot accept another pending command.
	ErrCapacityExhausted = errors.New("command: pending command capacity exhausted")

	// ErrNotFound is returned when a reply or cancellation names a command
	// id that the registry has no record of.
	ErrNotFound = errors.New("command: no such pending command")

	// ErrClosed is returned by operations attempted after the registry has
	// been shut down.
	ErrClosed = errors.New("command: registry is closed")

	// ErrDuplicateID is returned when a command is submitted under an id
	// already pending.
	ErrDuplicateID = errors.New("command: duplicate command id")
)

// TimeoutError is the error a Future fails with when its command's TTL
// elapses before a reply arrives; it names the command so a caller or log
// line can identify exactly which in-flight request was lost.
type TimeoutError struct {
	ID     string
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command: %s (id %s) timed out waiting for reply", e.Method, e.ID)
}

// Unwrap lets errors.Is(err, ErrTimeout) keep working against a TimeoutError.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
