package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned when a required argument is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedEventType is returned for event types outside the closed payload set.
	ErrUnsupportedEventType = errors.New("unsupported event type")
)
