package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/protocol"
)

const maxVerifyWait = 10 * time.Second

const (
	reasonNotConfirmed = "stake was not confirmed on chain"
	reasonWalletFailed = "staking transaction failed"
)

var (
	errStakePending = errors.New("stake not visible on chain yet")
	errMatchClosed  = errors.New("match left the staking phase")
)

// ReportStakeComplete checks the ledger for the stake identity claims to have
// made. Unknown matches, matches past the staking phase and players already
// staked or being verified are ignored. When the ledger never shows the
// stake the match fails.
func (s *MatchmakerService) ReportStakeComplete(ctx context.Context, matchID, identity string) error {
	m, idx, err := s.participant(matchID, identity)
	if errors.Is(err, ErrMatchNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateAwaitingStakes || m.players[idx].Staked || m.players[idx].verifying {
		m.mu.Unlock()

		return nil
	}

	m.players[idx].verifying = true
	m.mu.Unlock()

	err = s.verifyStake(ctx, m, idx)
	if errors.Is(err, errMatchClosed) {
		m.mu.Lock()
		m.players[idx].verifying = false
		m.mu.Unlock()

		return nil
	}

	if err != nil {
		s.Logger.Warn().
			Err(err).
			Str("match_id", m.ID).
			Str("player", m.players[idx].Identity).
			Msg("stake verification exhausted")

		s.failStake(m, idx, reasonNotConfirmed)

		return fmt.Errorf("%w: %w", ErrStakeNotVerified, err)
	}

	s.confirmStake(m, idx)

	return nil
}

// ReportStakeFailed fails the match right away; the player's wallet already
// told it the stake did not go through.
func (s *MatchmakerService) ReportStakeFailed(matchID, identity string) error {
	m, idx, err := s.participant(matchID, identity)
	if errors.Is(err, ErrMatchNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	s.failStake(m, idx, reasonWalletFailed)

	return nil
}

func (s *MatchmakerService) verifyStake(ctx context.Context, m *Match, idx int) error {
	identity := m.players[idx].Identity

	chainCtx, cancel := s.chainContext(ctx)
	defer cancel()

	attempts := max(s.VerifyAttempts, 1)

	interval := s.VerifyInterval
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}

	//nolint:gosec // attempts is at least 1
	backoff := retry.WithMaxRetries(uint64(attempts-1),
		retry.WithCappedDuration(maxVerifyWait, retry.NewExponential(interval)))

	//nolint:wrapcheck
	return retry.Do(chainCtx, backoff, func(ctx context.Context) error {
		m.mu.Lock()
		closed := m.state != StateAwaitingStakes
		m.mu.Unlock()

		if closed {
			return errMatchClosed
		}

		record, err := s.Gateway.ReadMatch(ctx, m.ID)
		if err != nil {
			return retry.RetryableError(err)
		}

		if record.Status == chain.StatusNone {
			return retry.RetryableError(fmt.Errorf("%w: %s", chain.ErrUnknownMatch, m.ID))
		}

		if !record.Staked(identity) {
			return retry.RetryableError(errStakePending)
		}

		return nil
	})
}

// confirmStake sets the staked flag and checks for both flags in the same
// critical section, so exactly one confirmation moves the match to Ready.
func (s *MatchmakerService) confirmStake(m *Match, idx int) {
	m.mu.Lock()

	m.players[idx].verifying = false

	if m.state != StateAwaitingStakes {
		m.mu.Unlock()

		return
	}

	m.players[idx].Staked = true

	ready := m.players[0].Staked && m.players[1].Staked
	if ready {
		m.state = StateReady
	}

	first, second := m.identities()
	m.mu.Unlock()

	s.Logger.Info().
		Str("match_id", m.ID).
		Str("player", m.players[idx].Identity).
		Bool("ready", ready).
		Msg("stake confirmed")

	if !ready {
		return
	}

	env := protocol.MustNew(protocol.TypeGameReady, protocol.MatchRef{MatchID: m.ID})
	s.notify(first, env)
	s.notify(second, env)
}

func (s *MatchmakerService) failStake(m *Match, idx int, reason string) {
	m.mu.Lock()

	m.players[idx].verifying = false

	if m.state != StateAwaitingStakes {
		m.mu.Unlock()

		return
	}

	m.state = StateFailed
	m.mu.Unlock()

	s.retire(m)

	failing := m.players[idx].Identity
	other := m.players[1-idx].Identity

	s.Logger.Warn().
		Str("match_id", m.ID).
		Str("player", failing).
		Str("reason", reason).
		Msg("match failed")

	s.notify(other, protocol.MustNew(protocol.TypeOpponentStakingFailed, protocol.MatchRef{MatchID: m.ID}))
	s.notify(failing, protocol.MustNew(protocol.TypeStakingError, protocol.StakingError{
		MatchID: m.ID,
		Reason:  reason,
	}))
}

func (s *MatchmakerService) participant(matchID, identity string) (*Match, int, error) {
	identity, err := chain.NormalizeAddress(identity)
	if err != nil {
		return nil, -1, fmt.Errorf("%w: %w", ErrNotParticipant, err)
	}

	m, ok := s.lookup(matchID)
	if !ok {
		return nil, -1, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}

	idx, ok := m.indexOf(identity)
	if !ok {
		return nil, -1, fmt.Errorf("%w: %s", ErrNotParticipant, identity)
	}

	return m, idx, nil
}
