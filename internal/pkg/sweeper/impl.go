package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/matchmaker"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultMaxAge   = 10 * time.Minute

	readConcurrency = 8
	readTimeout     = 10 * time.Second
)

// SweeperService reclaims matches that never reached a result.
type SweeperService struct {
	Matchmaker *matchmaker.MatchmakerService
	Gateway    chain.Gateway
	Logger     zerolog.Logger

	Interval time.Duration
	MaxAge   time.Duration

	Now func() time.Time
}

func NewSweeperService(i do.Injector) (*SweeperService, error) {
	matchmakerService := do.MustInvoke[*matchmaker.MatchmakerService](i)
	logger := do.MustInvoke[zerolog.Logger](i)

	result := New(matchmakerService, logger)

	result.Interval = do.MustInvokeNamed[time.Duration](i, "sweep-interval")
	result.MaxAge = do.MustInvokeNamed[time.Duration](i, "match-ttl")

	return result, nil
}

func New(matchmakerService *matchmaker.MatchmakerService, logger zerolog.Logger) *SweeperService {
	return &SweeperService{
		Matchmaker: matchmakerService,
		Gateway:    matchmakerService.Gateway,
		Logger:     logger,

		Interval: DefaultInterval,
		MaxAge:   DefaultMaxAge,

		Now: time.Now,
	}
}

// Start sweeps every Interval until ctx ends.
func (s *SweeperService) Start(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep checks every active match once and returns how many were retired.
func (s *SweeperService) Sweep(ctx context.Context) int {
	active := s.Matchmaker.Active()

	retired := make([]bool, len(active))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)

	for idx, view := range active {
		g.Go(func() error {
			retired[idx] = s.check(gCtx, view)

			return nil
		})
	}

	_ = g.Wait()

	count := 0

	for _, ok := range retired {
		if ok {
			count++
		}
	}

	if count > 0 {
		s.Logger.Info().Int("retired", count).Int("active", len(active)).Msg("sweep finished")
	}

	return count
}

func (s *SweeperService) check(ctx context.Context, view matchmaker.MatchView) bool {
	startedAt := view.CreatedAt

	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	record, err := s.Gateway.ReadMatch(readCtx, view.ID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("match_id", view.ID).Msg("ledger read failed, using local start time")
	} else {
		switch record.Status {
		case chain.StatusSettled:
			return s.Matchmaker.MarkSettled(view.ID, "")
		case chain.StatusRefunded:
			return s.Matchmaker.MarkRefunded(view.ID)
		}

		if !record.StartTime.IsZero() {
			startedAt = record.StartTime
		}
	}

	if s.Now().Sub(startedAt) <= s.MaxAge {
		return false
	}

	return s.Matchmaker.Expire(view.ID)
}
