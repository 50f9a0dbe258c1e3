package signal

import (
	"github.com/pkg/errors"
)

// ErrDisconnected is returned by Send when the channel has no authenticated
// connection to the relay. Callers decide what that means for their call.
var ErrDisconnected = errors.New("signaling channel disconnected")

// ErrUnreachable is returned by Connect once every dial attempt has failed.
var ErrUnreachable = errors.New("signaling relay unreachable")

// ErrAuthRejected is returned when the relay answers the handshake with anything
// other than an authenticated event.
var ErrAuthRejected = errors.New("signaling relay rejected identity")

var ErrClosed = errors.New("signaling channel closed")
