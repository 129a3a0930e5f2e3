package matchmaker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/matchmaker"
	"github.com/vreid/trix/internal/pkg/protocol"
)

func (h *harness) stake(t *testing.T, matchID string, players ...string) {
	t.Helper()

	for _, player := range players {
		require.NoError(t, h.ledger.Stake(context.Background(), matchID, player))
	}
}

func TestBothStakesMakeMatchReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)
	h.stake(t, matchID, alice)

	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, alice))

	view, ok := h.service.Match(matchID)
	require.True(t, ok)
	assert.Equal(t, matchmaker.StateAwaitingStakes, view.State)
	assert.True(t, view.Players[0].Staked)
	assert.False(t, view.Players[1].Staked)
	assert.Empty(t, h.conns[alice].received(protocol.TypeGameReady))

	h.stake(t, matchID, bob)

	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, bob))

	view, ok = h.service.Match(matchID)
	require.True(t, ok)
	assert.Equal(t, matchmaker.StateReady, view.State)
	assert.Len(t, h.conns[alice].received(protocol.TypeGameReady), 1)
	assert.Len(t, h.conns[bob].received(protocol.TypeGameReady), 1)

	// repeated reports are no-ops
	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, alice))
	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, bob))

	assert.Len(t, h.conns[alice].received(protocol.TypeGameReady), 1)
	assert.Len(t, h.conns[bob].received(protocol.TypeGameReady), 1)
}

func TestConcurrentStakeReportsSendGameReadyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)
	h.stake(t, matchID, alice, bob)

	var wg sync.WaitGroup

	for range 10 {
		for _, identity := range []string{alice, bob} {
			wg.Add(1)

			go func() {
				defer wg.Done()

				assert.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, identity))
			}()
		}
	}

	wg.Wait()

	view, ok := h.service.Match(matchID)
	require.True(t, ok)
	assert.Equal(t, matchmaker.StateReady, view.State)
	assert.Len(t, h.conns[alice].received(protocol.TypeGameReady), 1)
	assert.Len(t, h.conns[bob].received(protocol.TypeGameReady), 1)
}

func TestUnverifiedStakeFailsMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)

	err := h.service.ReportStakeComplete(context.Background(), matchID, alice)
	require.ErrorIs(t, err, matchmaker.ErrStakeNotVerified)

	_, ok := h.service.Match(matchID)
	assert.False(t, ok)

	assert.Len(t, h.conns[bob].received(protocol.TypeOpponentStakingFailed), 1)

	stakingErrors := h.conns[alice].received(protocol.TypeStakingError)
	require.Len(t, stakingErrors, 1)

	var payload protocol.StakingError
	require.NoError(t, stakingErrors[0].Decode(&payload))
	assert.Equal(t, matchID, payload.MatchID)
	assert.NotEmpty(t, payload.Reason)

	// neither player is requeued, both are free to join again
	assert.Empty(t, h.service.Queue.Snapshot("10"))

	result := h.join(t, alice, "10")
	assert.Equal(t, protocol.StatusWaiting, result.Status)
}

func TestUnreadableLedgerFailsMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)
	h.stake(t, matchID, alice)
	h.ledger.SetFault(chain.OpReadMatch, errLedgerDown)

	err := h.service.ReportStakeComplete(context.Background(), matchID, alice)
	require.ErrorIs(t, err, matchmaker.ErrStakeNotVerified)
	require.ErrorIs(t, err, errLedgerDown)

	assert.Len(t, h.conns[bob].received(protocol.TypeOpponentStakingFailed), 1)
}

func TestReportStakeFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)

	require.NoError(t, h.service.ReportStakeFailed(matchID, bob))

	_, ok := h.service.Match(matchID)
	assert.False(t, ok)
	assert.Len(t, h.conns[alice].received(protocol.TypeOpponentStakingFailed), 1)
	assert.Len(t, h.conns[bob].received(protocol.TypeStakingError), 1)

	// a second report on the retired match changes nothing
	require.NoError(t, h.service.ReportStakeFailed(matchID, bob))
	assert.Len(t, h.conns[alice].received(protocol.TypeOpponentStakingFailed), 1)
}

func TestStakeReportsForUnknownMatchesAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	require.NoError(t, h.service.ReportStakeComplete(context.Background(), "missing", alice))
	require.NoError(t, h.service.ReportStakeFailed("missing", alice))
}

func TestStakeReportsFromOutsidersAreRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)

	err := h.service.ReportStakeComplete(context.Background(), matchID, carol)
	require.ErrorIs(t, err, matchmaker.ErrNotParticipant)

	err = h.service.ReportStakeFailed(matchID, carol)
	require.ErrorIs(t, err, matchmaker.ErrNotParticipant)

	view, ok := h.service.Match(matchID)
	require.True(t, ok)
	assert.Equal(t, matchmaker.StateAwaitingStakes, view.State)
}

func TestStakedEventsDriveVerification(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, h.service.WatchLedger(ctx))

	matchID := h.match(t, alice, bob)
	h.stake(t, matchID, alice, bob)

	assert.Eventually(t, func() bool {
		view, ok := h.service.Match(matchID)

		return ok && view.State == matchmaker.StateReady
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(h.conns[alice].received(protocol.TypeGameReady)) == 1 &&
			len(h.conns[bob].received(protocol.TypeGameReady)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRefundedEventsRetireMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, h.service.WatchLedger(ctx))

	matchID := h.match(t, alice, bob)
	require.NoError(t, h.ledger.Refund(context.Background(), matchID))

	assert.Eventually(t, func() bool {
		_, ok := h.service.Match(matchID)

		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, h.conns[alice].received(protocol.TypeMatchExpired), 1)
	assert.Len(t, h.conns[bob].received(protocol.TypeMatchExpired), 1)

	_, err := h.service.BeginSettlement(matchID, alice)
	require.ErrorIs(t, err, matchmaker.ErrMatchNotFound)
}

func TestMarkRefundedLeavesSettlingMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)
	h.stake(t, matchID, alice, bob)
	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, alice))
	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, bob))

	_, err := h.service.BeginSettlement(matchID, alice)
	require.NoError(t, err)

	assert.False(t, h.service.MarkRefunded(matchID))

	h.service.AbortSettlement(matchID)

	assert.True(t, h.service.MarkRefunded(matchID))
	assert.False(t, h.service.MarkRefunded(matchID))
}

func TestSettlementLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)

	_, err := h.service.BeginSettlement(matchID, alice)
	require.ErrorIs(t, err, matchmaker.ErrMatchNotReady)

	h.stake(t, matchID, alice, bob)
	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, alice))
	require.NoError(t, h.service.ReportStakeComplete(context.Background(), matchID, bob))

	_, err = h.service.BeginSettlement(matchID, carol)
	require.ErrorIs(t, err, matchmaker.ErrInvalidWinner)

	_, err = h.service.BeginSettlement(matchID, "bogus")
	require.ErrorIs(t, err, matchmaker.ErrInvalidWinner)

	_, err = h.service.BeginSettlement("missing", alice)
	require.ErrorIs(t, err, matchmaker.ErrMatchNotFound)

	view, err := h.service.BeginSettlement(matchID, alice)
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StateReady, view.State)

	_, err = h.service.BeginSettlement(matchID, alice)
	require.ErrorIs(t, err, matchmaker.ErrSettlementInProgress)

	assert.False(t, h.service.Expire(matchID))
	assert.False(t, h.service.MarkSettled(matchID, alice))

	h.service.AbortSettlement(matchID)

	_, err = h.service.BeginSettlement(matchID, alice)
	require.NoError(t, err)

	assert.True(t, h.service.CompleteSettlement(matchID, alice, "0xabc"))
	assert.False(t, h.service.CompleteSettlement(matchID, alice, "0xabc"))

	_, ok := h.service.Match(matchID)
	assert.False(t, ok)

	settled := h.conns[bob].received(protocol.TypeMatchSettled)
	require.Len(t, settled, 1)

	var payload protocol.MatchSettled
	require.NoError(t, settled[0].Decode(&payload))
	assert.Equal(t, alice, payload.Winner)
	assert.Equal(t, "0xabc", payload.TxHash)
}

func TestExpireNotifiesBothPlayers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	matchID := h.match(t, alice, bob)

	assert.True(t, h.service.Expire(matchID))
	assert.False(t, h.service.Expire(matchID))

	assert.Len(t, h.conns[alice].received(protocol.TypeMatchExpired), 1)
	assert.Len(t, h.conns[bob].received(protocol.TypeMatchExpired), 1)

	result := h.join(t, alice, "10")
	assert.Equal(t, protocol.StatusWaiting, result.Status)
}
