package stream

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("socket not connected")
	ErrControlNotAllowed = errors.New("control frame not allowed")
	ErrQueueOverflow     = errors.New("send queue overflow")
	ErrSuperseded        = errors.New("connection attempt superseded by a newer attempt")
	ErrCancelled         = errors.New("connection attempt cancelled")
	ErrReadinessTimeout  = errors.New("socket readiness timeout")
	errMalformedResponse = errors.New("malformed server response")
)

// ServerError is an error object returned in-band by the recognizer.
// Code is kept as a string because the server sends both numbers and strings.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// IsTimeout reports whether the server closed the session for lack of audio.
func (e *ServerError) IsTimeout() bool { return e.Code == "408" }

// IsInvalidType reports a rejected control frame.
func (e *ServerError) IsInvalidType() bool {
	return e.Code == "400" && containsFold(e.Message, "invalid type")
}
