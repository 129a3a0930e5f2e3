package matchmaker

import (
	"fmt"
	"sync"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type State int

const (
	StateCreated State = iota
	StateAwaitingStakes
	StateReady
	StateCompleted
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingStakes:
		return "awaiting_stakes"
	case StateReady:
		return "ready"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

type Player struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	Staked   bool   `json:"staked"`

	verifying bool
}

// Match is owned by the coordinator. Everything below mu is guarded by it;
// the fields above are immutable after creation.
type Match struct {
	ID        string
	Key       gethcommon.Hash
	Tier      string
	Stake     decimal.Decimal
	CreatedAt time.Time

	mu       sync.Mutex
	state    State
	players  [2]Player
	settling bool
}

// MatchView is a point-in-time copy of a Match.
type MatchView struct {
	ID        string          `json:"matchId"`
	Tier      string          `json:"tier"`
	Stake     decimal.Decimal `json:"stake"`
	State     State           `json:"state"`
	Players   [2]Player       `json:"players"`
	CreatedAt time.Time       `json:"createdAt"`
}

type JoinResult struct {
	Status  string
	MatchID string
}

// indexOf must be called with m.mu held or on immutable identities.
func (m *Match) indexOf(identity string) (int, bool) {
	for i, p := range m.players {
		if p.Identity == identity {
			return i, true
		}
	}

	return -1, false
}

func (m *Match) identities() (string, string) {
	return m.players[0].Identity, m.players[1].Identity
}

func (m *Match) view() MatchView {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MatchView{
		ID:        m.ID,
		Tier:      m.Tier,
		Stake:     m.Stake,
		State:     m.state,
		Players:   m.players,
		CreatedAt: m.CreatedAt,
	}
}
