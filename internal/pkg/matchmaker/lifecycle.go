package matchmaker

import (
	"context"
	"fmt"

	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/protocol"
)

// BeginSettlement claims a Ready match for result submission. Only one
// submission per match may be in flight.
func (s *MatchmakerService) BeginSettlement(matchID, winner string) (MatchView, error) {
	winner, err := chain.NormalizeAddress(winner)
	if err != nil {
		return MatchView{}, fmt.Errorf("%w: %w", ErrInvalidWinner, err)
	}

	m, ok := s.lookup(matchID)
	if !ok {
		return MatchView{}, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady {
		return MatchView{}, fmt.Errorf("%w: match is %s", ErrMatchNotReady, m.state)
	}

	if _, ok := m.indexOf(winner); !ok {
		return MatchView{}, fmt.Errorf("%w: %s", ErrInvalidWinner, winner)
	}

	if m.settling {
		return MatchView{}, ErrSettlementInProgress
	}

	m.settling = true

	return MatchView{
		ID:        m.ID,
		Tier:      m.Tier,
		Stake:     m.Stake,
		State:     m.state,
		Players:   m.players,
		CreatedAt: m.CreatedAt,
	}, nil
}

// AbortSettlement leaves the match Ready so the caller may submit again.
func (s *MatchmakerService) AbortSettlement(matchID string) {
	m, ok := s.lookup(matchID)
	if !ok {
		return
	}

	m.mu.Lock()
	m.settling = false
	m.mu.Unlock()
}

// CompleteSettlement retires a match whose result the ledger accepted.
func (s *MatchmakerService) CompleteSettlement(matchID, winner, txHash string) bool {
	m, ok := s.lookup(matchID)
	if !ok {
		return false
	}

	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()

		return false
	}

	m.state = StateCompleted
	m.settling = false
	m.mu.Unlock()

	s.finish(m, protocol.MustNew(protocol.TypeMatchSettled, protocol.MatchSettled{
		MatchID: m.ID,
		Winner:  winner,
		TxHash:  txHash,
	}))

	s.Logger.Info().Str("match_id", m.ID).Str("winner", winner).Str("tx_hash", txHash).Msg("match settled")

	return true
}

// MarkSettled retires a Ready match the ledger reports settled without this
// process having submitted it, or whose submission response was lost.
func (s *MatchmakerService) MarkSettled(matchID, winner string) bool {
	m, ok := s.lookup(matchID)
	if !ok {
		return false
	}

	m.mu.Lock()
	if m.state != StateReady || m.settling {
		m.mu.Unlock()

		return false
	}

	m.state = StateCompleted
	m.mu.Unlock()

	s.finish(m, protocol.MustNew(protocol.TypeMatchSettled, protocol.MatchSettled{
		MatchID: m.ID,
		Winner:  winner,
	}))

	s.Logger.Info().Str("match_id", m.ID).Str("winner", winner).Msg("match settled on chain")

	return true
}

// Expire reclaims a match stuck in AwaitingStakes or Ready. A match whose
// settlement is in flight is left to the submitter.
func (s *MatchmakerService) Expire(matchID string) bool {
	return s.expire(matchID, "match expired")
}

// MarkRefunded retires a match whose deposits the ledger returned. Players
// are told it expired.
func (s *MatchmakerService) MarkRefunded(matchID string) bool {
	return s.expire(matchID, "match refunded on chain")
}

func (s *MatchmakerService) expire(matchID, msg string) bool {
	m, ok := s.lookup(matchID)
	if !ok {
		return false
	}

	m.mu.Lock()
	if (m.state != StateAwaitingStakes && m.state != StateReady) || m.settling {
		m.mu.Unlock()

		return false
	}

	previous := m.state
	m.state = StateExpired
	m.mu.Unlock()

	s.finish(m, protocol.MustNew(protocol.TypeMatchExpired, protocol.MatchRef{MatchID: m.ID}))

	s.Logger.Warn().Str("match_id", m.ID).Str("previous_state", previous.String()).Msg(msg)

	return true
}

func (s *MatchmakerService) finish(m *Match, env protocol.Envelope) {
	s.retire(m)

	first, second := m.identities()
	s.notify(first, env)
	s.notify(second, env)
}

// WatchLedger follows contract events until ctx ends. A Staked event
// triggers the same on-chain verification as a player's own report. Settled
// and Refunded events retire the match.
func (s *MatchmakerService) WatchLedger(ctx context.Context) error {
	events, err := s.Gateway.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch ledger: %w", err)
	}

	go func() {
		for event := range events {
			s.handleLedgerEvent(ctx, event)
		}
	}()

	return nil
}

func (s *MatchmakerService) handleLedgerEvent(ctx context.Context, event chain.Event) {
	s.mu.Lock()
	m, ok := s.byKey[event.MatchKey]
	s.mu.Unlock()

	if !ok {
		return
	}

	switch event.Kind {
	case chain.EventStaked:
		go func() {
			err := s.ReportStakeComplete(ctx, m.ID, event.Player)
			if err != nil {
				s.Logger.Warn().Err(err).Str("match_id", m.ID).Msg("staked event not confirmed")
			}
		}()
	case chain.EventSettled:
		s.MarkSettled(m.ID, event.Player)
	case chain.EventRefunded:
		s.MarkRefunded(m.ID)
	}
}
