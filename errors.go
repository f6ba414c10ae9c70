package firemoo

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrMissingAPIKey   = errors.New("api key is required")
	ErrInvalidPosition = errors.New("position must be bottom-left or bottom-right")
	ErrClosed          = errors.New("firemoo: closed")
)

// TransportError is a network or decoding failure: the request never
// produced a usable response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error in %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is a non-2xx response. Message comes from the body's error
// field when present.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ConfigError represents configuration-related errors
type ConfigError struct {
	Field string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field %s (value: %v): %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StaleConversationError reports that a restored conversation could not be
// loaded and was discarded.
type StaleConversationError struct {
	ConversationID string
	Err            error
}

func (e *StaleConversationError) Error() string {
	return fmt.Sprintf("conversation %s is no longer available: %v", e.ConversationID, e.Err)
}

func (e *StaleConversationError) Unwrap() error {
	return e.Err
}

// IsRemote reports whether err is a RemoteError, optionally with one of the
// given status codes.
func IsRemote(err error, codes ...int) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if re.StatusCode == c {
			return true
		}
	}
	return false
}
