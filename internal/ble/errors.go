package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrCharacteristicMissing means the peripheral's GATT layout lacks a
	// required characteristic, usually firmware version skew.
	ErrCharacteristicMissing = errors.New("ble: characteristic missing")
	// ErrNotConnected is returned when no session is streaming.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrQueueFull is returned when the pump cannot accept another command.
	ErrQueueFull = errors.New("ble: command queue full")
)

// TransportError wraps an adapter or radio failure.
type TransportError struct {
	Op  string // e.g. "connect", "subscribe"
	ID  string // peripheral ID, empty for adapter-level failures
	Err error
}

func (e *TransportError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ble: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
