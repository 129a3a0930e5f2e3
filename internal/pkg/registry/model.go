package registry

import "github.com/vreid/trix/internal/pkg/protocol"

// Conn is one live player channel.
type Conn interface {
	ID() string
	Send(env protocol.Envelope) error
	Close(reason string)
}
