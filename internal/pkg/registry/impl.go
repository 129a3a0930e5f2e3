package registry

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/trix/internal/pkg/protocol"
)

const DisplacedReason = "New connection detected"

var ErrNotConnected = errors.New("player is not connected")

// RegistryService maps a player identity to its single authoritative
// connection.
type RegistryService struct {
	Logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistryService(i do.Injector) (*RegistryService, error) {
	logger := do.MustInvoke[zerolog.Logger](i)

	return New(logger), nil
}

func New(logger zerolog.Logger) *RegistryService {
	return &RegistryService{
		Logger: logger,
		conns:  map[string]Conn{},
	}
}

// Register makes conn the connection of identity. A previous live connection
// is told it was displaced and closed; it is returned, or nil.
func (s *RegistryService) Register(identity string, conn Conn) Conn {
	s.mu.Lock()
	previous, ok := s.conns[identity]
	s.conns[identity] = conn
	s.mu.Unlock()

	if !ok || previous.ID() == conn.ID() {
		return nil
	}

	s.Logger.Info().
		Str("player", identity).
		Str("previous_conn", previous.ID()).
		Str("conn", conn.ID()).
		Msg("displacing previous connection")

	_ = previous.Send(protocol.MustNew(protocol.TypeError, protocol.Error{Reason: DisplacedReason}))
	previous.Close(DisplacedReason)

	return previous
}

// Unregister drops identity only if conn is still its current connection, so
// a displaced connection going away never removes its successor.
func (s *RegistryService) Unregister(identity string, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.conns[identity]
	if !ok || current.ID() != conn.ID() {
		return false
	}

	delete(s.conns, identity)

	return true
}

func (s *RegistryService) Lookup(identity string) (Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[identity]

	return conn, ok
}

// Send pushes env to the current connection of identity.
func (s *RegistryService) Send(identity string, env protocol.Envelope) error {
	conn, ok := s.Lookup(identity)
	if !ok {
		return ErrNotConnected
	}

	//nolint:wrapcheck
	return conn.Send(env)
}

func (s *RegistryService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.conns)
}
