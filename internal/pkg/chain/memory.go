package chain

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

type Op string

const (
	OpCreateMatch  Op = "createMatch"
	OpReadMatch    Op = "readMatch"
	OpCommitResult Op = "commitResult"
)

const subscriberBufferSize = 256

// MemoryGateway is an in-process ledger with the same rules as the PlayGame
// contract. It backs --simulate mode and the tests.
type MemoryGateway struct {
	mu          sync.Mutex
	records     map[common.Hash]*MatchRecord
	faults      map[Op]error
	subscribers map[chan Event]struct{}
	clock       func() time.Time
	block       uint64
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		records:     map[common.Hash]*MatchRecord{},
		faults:      map[Op]error{},
		subscribers: map[chan Event]struct{}{},
		clock:       time.Now,
	}
}

// SetClock replaces the time source used for match start times.
func (g *MemoryGateway) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.clock = clock
}

// SetFault makes every subsequent call of op fail with err. A nil err clears
// the fault.
func (g *MemoryGateway) SetFault(op Op, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		delete(g.faults, op)

		return
	}

	g.faults[op] = err
}

func (g *MemoryGateway) CreateMatch(
	_ context.Context,
	matchID, playerA, playerB string,
	stake decimal.Decimal,
) (*Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.faults[OpCreateMatch]; err != nil {
		return nil, err
	}

	key := MatchKey(matchID)
	if _, ok := g.records[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMatchExists, matchID)
	}

	if playerA == playerB {
		return nil, fmt.Errorf("%w: players must differ", ErrInvalidAddress)
	}

	g.records[key] = &MatchRecord{
		PlayerA:   playerA,
		PlayerB:   playerB,
		Stake:     stake,
		Status:    StatusCreated,
		StartTime: g.clock(),
	}

	return g.receipt(matchID, OpCreateMatch), nil
}

func (g *MemoryGateway) ReadMatch(_ context.Context, matchID string) (*MatchRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.faults[OpReadMatch]; err != nil {
		return nil, err
	}

	record, ok := g.records[MatchKey(matchID)]
	if !ok {
		// the contract returns a zero struct for unknown ids
		return &MatchRecord{}, nil
	}

	clone := *record

	return &clone, nil
}

// Stake records the deposit of player, as the player's wallet would.
func (g *MemoryGateway) Stake(_ context.Context, matchID, player string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := MatchKey(matchID)

	record, ok := g.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}

	if record.Status != StatusCreated {
		return fmt.Errorf("%w: match is %s", ErrAlreadyStaked, record.Status)
	}

	switch player {
	case record.PlayerA:
		if record.PlayerAStaked {
			return ErrAlreadyStaked
		}

		record.PlayerAStaked = true
	case record.PlayerB:
		if record.PlayerBStaked {
			return ErrAlreadyStaked
		}

		record.PlayerBStaked = true
	default:
		return fmt.Errorf("%w: %s", ErrNotParticipant, player)
	}

	if record.PlayerAStaked && record.PlayerBStaked {
		record.Status = StatusStaked
	}

	g.publish(Event{Kind: EventStaked, MatchKey: key, Player: player})

	return nil
}

func (g *MemoryGateway) CommitResult(_ context.Context, matchID, winner string) (*Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.faults[OpCommitResult]; err != nil {
		return nil, err
	}

	key := MatchKey(matchID)

	record, ok := g.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}

	if record.Status != StatusStaked {
		return nil, fmt.Errorf("%w: match is %s", ErrNotSettleable, record.Status)
	}

	if winner != record.PlayerA && winner != record.PlayerB {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, winner)
	}

	record.Status = StatusSettled

	g.publish(Event{
		Kind:     EventSettled,
		MatchKey: key,
		Player:   winner,
		Prize:    record.Stake.Mul(decimal.NewFromInt(2)),
	})

	return g.receipt(matchID, OpCommitResult), nil
}

// Refund returns both deposits of a match that was never settled.
func (g *MemoryGateway) Refund(_ context.Context, matchID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := MatchKey(matchID)

	record, ok := g.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}

	if record.Status == StatusSettled || record.Status == StatusRefunded {
		return fmt.Errorf("%w: match is %s", ErrNotSettleable, record.Status)
	}

	record.Status = StatusRefunded

	g.publish(Event{Kind: EventRefunded, MatchKey: key})

	return nil
}

func (g *MemoryGateway) Subscribe(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, subscriberBufferSize)

	g.mu.Lock()
	g.subscribers[events] = struct{}{}
	g.mu.Unlock()

	go func() {
		<-ctx.Done()

		g.mu.Lock()
		delete(g.subscribers, events)
		close(events)
		g.mu.Unlock()
	}()

	return events, nil
}

// publish must be called with g.mu held. Slow subscribers lose events.
func (g *MemoryGateway) publish(event Event) {
	for subscriber := range g.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

func (g *MemoryGateway) receipt(matchID string, op Op) *Receipt {
	g.block++

	hash := crypto.Keccak256Hash([]byte(matchID), []byte(op), []byte(strconv.FormatUint(g.block, 10)))

	return &Receipt{
		TxHash:      hash.Hex(),
		BlockNumber: g.block,
	}
}
