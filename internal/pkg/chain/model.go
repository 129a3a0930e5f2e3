package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the number of decimals of the staking token.
const TokenDecimals = 18

var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrInvalidStake   = errors.New("invalid stake amount")
	ErrMatchExists    = errors.New("match already exists on chain")
	ErrUnknownMatch   = errors.New("match does not exist on chain")
	ErrNotSettleable  = errors.New("match is not fully staked")
	ErrNotParticipant = errors.New("address is not a match participant")
	ErrAlreadyStaked  = errors.New("player already staked")
	ErrReverted       = errors.New("transaction reverted")
)

type Status uint8

const (
	StatusNone Status = iota
	StatusCreated
	StatusStaked
	StatusSettled
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusCreated:
		return "created"
	case StatusStaked:
		return "staked"
	case StatusSettled:
		return "settled"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type MatchRecord struct {
	PlayerA       string
	PlayerB       string
	Stake         decimal.Decimal
	Status        Status
	PlayerAStaked bool
	PlayerBStaked bool
	StartTime     time.Time
}

// Staked reports whether the ledger holds the stake of player.
func (r *MatchRecord) Staked(player string) bool {
	switch player {
	case r.PlayerA:
		return r.PlayerAStaked
	case r.PlayerB:
		return r.PlayerBStaked
	default:
		return false
	}
}

type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

type EventKind string

const (
	EventStaked   EventKind = "Staked"
	EventSettled  EventKind = "Settled"
	EventRefunded EventKind = "Refunded"
)

type Event struct {
	Kind     EventKind
	MatchKey common.Hash
	Player   string
	Prize    decimal.Decimal
}

// Gateway is the capability the coordinator needs from the ledger.
type Gateway interface {
	CreateMatch(ctx context.Context, matchID, playerA, playerB string, stake decimal.Decimal) (*Receipt, error)
	ReadMatch(ctx context.Context, matchID string) (*MatchRecord, error)
	CommitResult(ctx context.Context, matchID, winner string) (*Receipt, error)
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// MatchKey is the bytes32 the contract stores a match under.
func MatchKey(matchID string) common.Hash {
	return crypto.Keccak256Hash([]byte(matchID))
}

// NormalizeAddress validates a wallet address and returns its lower-case
// 0x-prefixed form.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// ParseStake parses a positive token amount with at most TokenDecimals
// decimals.
func ParseStake(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidStake, s)
	}

	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %q must be positive", ErrInvalidStake, s)
	}

	if !d.Shift(TokenDecimals).IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidStake, s, TokenDecimals)
	}

	return d, nil
}

func ToWei(d decimal.Decimal) *big.Int {
	return d.Shift(TokenDecimals).BigInt()
}

func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(wei, -TokenDecimals)
}
