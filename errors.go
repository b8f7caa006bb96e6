package goelm

import (
	"errors"
	"fmt"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrNoResponse       = errors.New("no response from adapter")
	ErrChannelClosed    = errors.New("command channel closed")
	ErrAdapterError     = errors.New("adapter reported an error")
	ErrConnectionFailed = errors.New("connection attempt failed")
	ErrNotConnected     = errors.New("session not connected")
)

// DetectionError is the terminal failure of protocol detection. It keeps the
// last raw adapter response so the user sees what the bus actually said
// instead of a generic message.
type DetectionError struct {
	LastResponse string
	Err          error
}

func (e *DetectionError) Error() string {
	if e.LastResponse == "" {
		return fmt.Sprintf("protocol detection failed: %v", e.Err)
	}
	return fmt.Sprintf("protocol detection failed: %v (last response %q)", e.Err, e.LastResponse)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// NegativeResponseError is an OBD 7F reply. Not retried: the ECU understood
// the request and refused it.
type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response to service %02X: %s (NRC %02X)",
		e.Service, TranslateNRC(e.Code), e.Code)
}

// TranslateNRC translates a negative response code to text.
func TranslateNRC(p byte) string {
	switch p {
	case 0x10:
		return "General reject"
	case 0x11:
		return "Service not supported"
	case 0x12:
		return "Sub-function not supported - invalid format"
	case 0x21:
		return "Busy, repeat request"
	case 0x22:
		return "Conditions not correct or request sequence error"
	case 0x31:
		return "Request out of range"
	case 0x33:
		return "Security access denied"
	case 0x35:
		return "Invalid key supplied"
	case 0x78:
		return "Request correctly received, response pending"
	default:
		return "Unknown negative response"
	}
}
