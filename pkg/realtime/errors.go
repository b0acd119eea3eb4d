package realtime

import "errors"

var (
	ErrNotConnected    = errors.New("not connected")
	ErrDisconnected    = errors.New("connection lost before acknowledgement")
	ErrClosed          = errors.New("connection closed")
	ErrAckTimeout      = errors.New("acknowledgement timed out")
	ErrIdentityChanged = errors.New("identity already set to a different user")
	ErrEmptyIdentity   = errors.New("user id cannot be empty")
	ErrEmptyMessage    = errors.New("message content cannot be empty")
	ErrSendInFlight    = errors.New("a message is already being sent")
	ErrNoSession       = errors.New("session is not active")
	ErrJoinRejected    = errors.New("join rejected")
)

// AckError is a negative acknowledgement reported by the server.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return e.Event + " rejected by server"
	}
	return e.Event + " rejected by server: " + e.Message
}
