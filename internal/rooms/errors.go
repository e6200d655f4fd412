package rooms

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is matched by every request validation error
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRoomIDRequired is returned when an event has no room id
	ErrRoomIDRequired = &requestError{msg: "room id required"}
	// ErrUnknownEvent is returned for an unrecognized event kind
	ErrUnknownEvent = &requestError{msg: "unknown event type"}
	// ErrUserIDRequired is returned when a join carries no identity
	ErrUserIDRequired = &requestError{msg: "user id required"}
)

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Is(target error) bool { return target == ErrInvalidRequest }

// DeliveryError reports a failed publish after the room mutation committed.
// The mutation is not rolled back.
type DeliveryError struct {
	Channel string
	Event   string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("publish %s on %s: %v", e.Event, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
