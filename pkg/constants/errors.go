package constants

import "errors"

// Errors
var (
	ErrNotFound      = errors.New("document not found")
	ErrIDInUse       = errors.New("id already in use")
	ErrTimeout       = errors.New("timeout")
	ErrNoBaseURL     = errors.New("base url not set")
	ErrNoMarshaler   = errors.New("marshaler is not set")
	ErrNoUnmarshaler = errors.New("unmarshaler is not set")
	ErrClosed        = errors.New("connection closed")
	ErrOffline       = errors.New("remote store is unreachable")
)
