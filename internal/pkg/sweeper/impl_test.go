package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/matchmaker"
	"github.com/vreid/trix/internal/pkg/protocol"
	"github.com/vreid/trix/internal/pkg/registry"
	"github.com/vreid/trix/internal/pkg/sweeper"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) ID() string { return "conn" }

func (r *recorder) Send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.types = append(r.types, env.Type)

	return nil
}

func (r *recorder) Close(string) {}

func (r *recorder) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, t := range r.types {
		if t == msgType {
			n++
		}
	}

	return n
}

type fixture struct {
	ledger     *chain.MemoryGateway
	matchmaker *matchmaker.MatchmakerService
	sweeper    *sweeper.SweeperService
	alice      *recorder
	bob        *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ledger := chain.NewMemoryGateway()
	registryService := registry.New(zerolog.Nop())

	f := &fixture{
		ledger:     ledger,
		matchmaker: matchmaker.New(ledger, registryService, zerolog.Nop()),
		alice:      &recorder{},
		bob:        &recorder{},
	}

	f.matchmaker.VerifyInterval = time.Millisecond
	f.sweeper = sweeper.New(f.matchmaker, zerolog.Nop())
	f.sweeper.MaxAge = time.Minute

	registryService.Register(alice, f.alice)
	registryService.Register(bob, f.bob)

	return f
}

func (f *fixture) match(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	_, err := f.matchmaker.JoinQueue(ctx, alice, "5", "conn")
	require.NoError(t, err)

	result, err := f.matchmaker.JoinQueue(ctx, bob, "5", "conn")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusMatched, result.Status)

	return result.MatchID
}

func (f *fixture) ready(t *testing.T, matchID string) {
	t.Helper()

	ctx := context.Background()

	for _, player := range []string{alice, bob} {
		require.NoError(t, f.ledger.Stake(ctx, matchID, player))
		require.NoError(t, f.matchmaker.ReportStakeComplete(ctx, matchID, player))
	}
}

func TestSweepKeepsFreshMatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	matchID := f.match(t)

	assert.Equal(t, 0, f.sweeper.Sweep(context.Background()))

	_, ok := f.matchmaker.Match(matchID)
	assert.True(t, ok)
}

func TestSweepExpiresByLedgerStartTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ledger.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })

	matchID := f.match(t)

	assert.Equal(t, 1, f.sweeper.Sweep(context.Background()))

	_, ok := f.matchmaker.Match(matchID)
	assert.False(t, ok)
	assert.Equal(t, 1, f.alice.count(protocol.TypeMatchExpired))
	assert.Equal(t, 1, f.bob.count(protocol.TypeMatchExpired))
}

func TestSweepExpiresReadyMatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ledger.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })

	matchID := f.match(t)
	f.ready(t, matchID)

	assert.Equal(t, 1, f.sweeper.Sweep(context.Background()))
	assert.Equal(t, 1, f.bob.count(protocol.TypeMatchExpired))
}

func TestSweepFallsBackToLocalStartTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	matchID := f.match(t)

	f.ledger.SetFault(chain.OpReadMatch, errors.New("rpc unavailable"))
	f.sweeper.Now = func() time.Time { return time.Now().Add(time.Hour) }

	assert.Equal(t, 1, f.sweeper.Sweep(context.Background()))

	_, ok := f.matchmaker.Match(matchID)
	assert.False(t, ok)
}

func TestSweepRetiresMatchesSettledOnChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	matchID := f.match(t)
	f.ready(t, matchID)

	_, err := f.ledger.CommitResult(context.Background(), matchID, bob)
	require.NoError(t, err)

	assert.Equal(t, 1, f.sweeper.Sweep(context.Background()))
	assert.Equal(t, 1, f.alice.count(protocol.TypeMatchSettled))
	assert.Equal(t, 0, f.alice.count(protocol.TypeMatchExpired))
}

func TestSweepRetiresMatchesRefundedOnChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	matchID := f.match(t)
	f.ready(t, matchID)

	require.NoError(t, f.ledger.Refund(context.Background(), matchID))

	assert.Equal(t, 1, f.sweeper.Sweep(context.Background()))

	_, ok := f.matchmaker.Match(matchID)
	assert.False(t, ok)
	assert.Equal(t, 1, f.alice.count(protocol.TypeMatchExpired))
	assert.Equal(t, 1, f.bob.count(protocol.TypeMatchExpired))
}

func TestSweepLeavesSettlingMatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ledger.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })

	matchID := f.match(t)
	f.ready(t, matchID)

	_, err := f.matchmaker.BeginSettlement(matchID, alice)
	require.NoError(t, err)

	assert.Equal(t, 0, f.sweeper.Sweep(context.Background()))

	view, ok := f.matchmaker.Match(matchID)
	require.True(t, ok)
	assert.Equal(t, matchmaker.StateReady, view.State)
}

func TestStartStopsWithContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sweeper.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- f.sweeper.Start(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
