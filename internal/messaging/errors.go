package messaging

import "errors"

// Protocol validation and delivery errors. Validation errors are recovered
// locally (the message is dropped, an observer event fires) and never
// surface to a Send caller; only TimeoutError does.
var (
	ErrInvalidMessage  = errors.New("messaging: invalid message")
	ErrVersionMismatch = errors.New("messaging: version mismatch")
	ErrExpiredMessage  = errors.New("messaging: expired message")
	ErrChecksumFailed  = errors.New("messaging: checksum failed")
	ErrTimeout         = errors.New("messaging: send timed out after max retries")
	ErrPayloadTooLarge = errors.New("messaging: payload exceeds MAX_MESSAGE_SIZE")
	ErrUnknownHandler  = errors.New("messaging: no handler registered for type")
)
