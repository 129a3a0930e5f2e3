package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/shopspring/decimal"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/common"
	"github.com/vreid/trix/internal/pkg/protocol"
	"github.com/vreid/trix/internal/pkg/queue"
	"github.com/vreid/trix/internal/pkg/registry"
)

const (
	DefaultVerifyAttempts = 6
	DefaultVerifyInterval = 2 * time.Second
	DefaultChainTimeout   = 2 * time.Minute
)

var (
	ErrAlreadyInMatch       = errors.New("player is already in a match")
	ErrCreateMatch          = errors.New("failed to create match on chain")
	ErrMatchNotFound        = errors.New("match not found")
	ErrNotParticipant       = errors.New("player is not part of the match")
	ErrStakeNotVerified     = errors.New("stake could not be verified on chain")
	ErrMatchNotReady        = errors.New("match is not ready")
	ErrInvalidWinner        = errors.New("winner is not part of the match")
	ErrSettlementInProgress = errors.New("match settlement already in progress")
	ErrInvalidVerifyConfig  = errors.New("invalid stake verification settings")
)

// MatchmakerService pairs players by stake tier and drives every match from
// on-chain creation to settlement, failure or expiry.
type MatchmakerService struct {
	Gateway  chain.Gateway
	Registry *registry.RegistryService
	Queue    *queue.Queue
	Logger   zerolog.Logger

	VerifyAttempts int
	VerifyInterval time.Duration
	ChainTimeout   time.Duration

	Now func() time.Time

	joins *common.KeyedMutex

	mu       sync.Mutex
	matches  map[string]*Match
	byKey    map[gethcommon.Hash]*Match
	reserved map[string]string
}

func NewMatchmakerService(i do.Injector) (*MatchmakerService, error) {
	gateway := do.MustInvoke[chain.Gateway](i)
	registryService := do.MustInvoke[*registry.RegistryService](i)
	logger := do.MustInvoke[zerolog.Logger](i)

	result := New(gateway, registryService, logger)

	result.VerifyAttempts = do.MustInvokeNamed[int](i, "stake-verify-attempts")
	result.VerifyInterval = do.MustInvokeNamed[time.Duration](i, "stake-verify-interval")
	result.ChainTimeout = do.MustInvokeNamed[time.Duration](i, "chain-timeout")

	if result.VerifyAttempts < 1 {
		return nil, fmt.Errorf("%w: stake-verify-attempts must be at least 1, got %d",
			ErrInvalidVerifyConfig, result.VerifyAttempts)
	}

	if result.VerifyInterval <= 0 {
		return nil, fmt.Errorf("%w: stake-verify-interval must be positive, got %s",
			ErrInvalidVerifyConfig, result.VerifyInterval)
	}

	return result, nil
}

func New(gateway chain.Gateway, registryService *registry.RegistryService, logger zerolog.Logger) *MatchmakerService {
	return &MatchmakerService{
		Gateway:  gateway,
		Registry: registryService,
		Queue:    queue.New(),
		Logger:   logger,

		VerifyAttempts: DefaultVerifyAttempts,
		VerifyInterval: DefaultVerifyInterval,
		ChainTimeout:   DefaultChainTimeout,

		Now: time.Now,

		joins: common.NewKeyedMutex(),

		matches:  map[string]*Match{},
		byKey:    map[gethcommon.Hash]*Match{},
		reserved: map[string]string{},
	}
}

// JoinQueue puts identity in the tier of stake, or pairs it with the oldest
// player waiting there and creates the match on chain. When creation fails
// both players are back at the head of the tier and the result is waiting.
func (s *MatchmakerService) JoinQueue(ctx context.Context, identity, stake, connID string) (JoinResult, error) {
	identity, err := chain.NormalizeAddress(identity)
	if err != nil {
		//nolint:wrapcheck
		return JoinResult{}, err
	}

	amount, err := chain.ParseStake(stake)
	if err != nil {
		//nolint:wrapcheck
		return JoinResult{}, err
	}

	tier := amount.String()

	unlock := s.joins.Lock(identity)
	defer unlock()

	if matchID, busy := s.reservation(identity); busy {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrAlreadyInMatch, matchID)
	}

	entry := queue.Entry{
		Identity: identity,
		ConnID:   connID,
		JoinedAt: s.Now(),
	}

	for {
		opponent, outcome := s.Queue.Join(tier, entry)
		if outcome != queue.Paired {
			// paired from an older entry while this one was being queued
			if _, busy := s.reservation(identity); busy {
				s.Queue.RemoveAll(identity)
			}

			s.Logger.Info().
				Str("player", identity).
				Str("tier", tier).
				Bool("parked", outcome == queue.Parked).
				Msg("player waiting")

			return JoinResult{Status: protocol.StatusWaiting}, nil
		}

		matchID := uuid.NewString()

		switch s.reserve(matchID, opponent.Identity, identity) {
		case "":
			return s.createMatch(ctx, matchID, tier, amount, opponent, entry)
		case identity:
			s.Queue.PushFront(tier, opponent)

			return JoinResult{}, ErrAlreadyInMatch
		default:
			// stale entry of a player already matched elsewhere
			continue
		}
	}
}

func (s *MatchmakerService) createMatch(
	ctx context.Context,
	matchID, tier string,
	stake decimal.Decimal,
	first, second queue.Entry,
) (JoinResult, error) {
	logger := s.Logger.With().
		Str("match_id", matchID).
		Str("tier", tier).
		Str("first", first.Identity).
		Str("second", second.Identity).
		Logger()

	chainCtx, cancel := s.chainContext(ctx)
	defer cancel()

	receipt, err := s.Gateway.CreateMatch(chainCtx, matchID, first.Identity, second.Identity, stake)
	if err != nil {
		s.rollback(tier, first, second)

		logger.Error().Err(err).Msg("match creation failed, players requeued")

		return JoinResult{Status: protocol.StatusWaiting}, fmt.Errorf("%w: %w", ErrCreateMatch, err)
	}

	m := &Match{
		ID:        matchID,
		Key:       chain.MatchKey(matchID),
		Tier:      tier,
		Stake:     stake,
		CreatedAt: s.Now(),

		state: StateCreated,
		players: [2]Player{
			{Identity: first.Identity, Role: protocol.RoleFirst},
			{Identity: second.Identity, Role: protocol.RoleSecond},
		},
	}

	m.state = StateAwaitingStakes

	s.mu.Lock()
	s.matches[m.ID] = m
	s.byKey[m.Key] = m
	s.mu.Unlock()

	logger.Info().Str("tx_hash", receipt.TxHash).Msg("match created")

	s.notify(first.Identity, protocol.MustNew(protocol.TypeMatchFound, protocol.MatchFound{
		Opponent: second.Identity,
		MatchID:  matchID,
		Role:     protocol.RoleFirst,
		Stake:    tier,
	}))
	s.notify(second.Identity, protocol.MustNew(protocol.TypeMatchFound, protocol.MatchFound{
		Opponent: first.Identity,
		MatchID:  matchID,
		Role:     protocol.RoleSecond,
		Stake:    tier,
	}))

	return JoinResult{Status: protocol.StatusMatched, MatchID: matchID}, nil
}

// Disconnect forgets the queue entries a departing connection made. Matches
// are left alone: the player's stake may still land.
func (s *MatchmakerService) Disconnect(identity, connID string) {
	// serialized with rollback so a requeue cannot outlive the connection
	s.mu.Lock()
	removed := s.Queue.RemoveConn(identity, connID)
	s.mu.Unlock()

	if removed > 0 {
		s.Logger.Info().Str("player", identity).Str("conn", connID).Int("entries", removed).Msg("removed from queue")
	}
}

// Match returns a copy of an active match.
func (s *MatchmakerService) Match(matchID string) (MatchView, bool) {
	m, ok := s.lookup(matchID)
	if !ok {
		return MatchView{}, false
	}

	return m.view(), true
}

// Active returns copies of all active matches.
func (s *MatchmakerService) Active() []MatchView {
	s.mu.Lock()
	matches := make([]*Match, 0, len(s.matches))

	for _, m := range s.matches {
		matches = append(matches, m)
	}
	s.mu.Unlock()

	result := make([]MatchView, 0, len(matches))
	for _, m := range matches {
		result = append(result, m.view())
	}

	return result
}

func (s *MatchmakerService) lookup(matchID string) (*Match, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]

	return m, ok
}

func (s *MatchmakerService) reservation(identity string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matchID, ok := s.reserved[identity]

	return matchID, ok
}

// reserve claims both identities for matchID, or returns the identity that
// is already claimed.
func (s *MatchmakerService) reserve(matchID, first, second string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[first]; ok {
		return first
	}

	if _, ok := s.reserved[second]; ok {
		return second
	}

	s.reserved[first] = matchID
	s.reserved[second] = matchID

	return ""
}

// rollback releases both players and puts the ones still connected back at
// the head of tier in their original order.
func (s *MatchmakerService) rollback(tier string, first, second queue.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeue []queue.Entry

	for _, entry := range []queue.Entry{first, second} {
		delete(s.reserved, entry.Identity)
		s.Queue.RemoveAll(entry.Identity)

		if s.connected(entry) {
			requeue = append(requeue, entry)
		}
	}

	s.Queue.PushFront(tier, requeue...)
}

// connected reports whether the connection that queued entry is still the
// player's live one.
func (s *MatchmakerService) connected(entry queue.Entry) bool {
	conn, ok := s.Registry.Lookup(entry.Identity)

	return ok && conn.ID() == entry.ConnID
}

// retire removes a terminal match from the active set.
func (s *MatchmakerService) retire(m *Match) {
	first, second := m.identities()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.matches, m.ID)
	delete(s.byKey, m.Key)

	for _, identity := range []string{first, second} {
		if s.reserved[identity] == m.ID {
			delete(s.reserved, identity)
		}
	}
}

func (s *MatchmakerService) notify(identity string, env protocol.Envelope) {
	err := s.Registry.Send(identity, env)
	if err != nil {
		s.Logger.Warn().Err(err).Str("player", identity).Str("type", env.Type).Msg("notification not delivered")
	}
}

// chainContext detaches ledger calls from the caller's cancellation so a
// player disconnecting does not abort a transaction in flight.
func (s *MatchmakerService) chainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.ChainTimeout)
}
