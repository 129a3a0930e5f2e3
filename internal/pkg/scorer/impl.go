package scorer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/shopspring/decimal"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/common"
	"go.etcd.io/bbolt"
)

const (
	DefaultSize = 10
	MaxSize     = 100
)

var (
	ErrWinsBucketNotFound   = errors.New("wins bucket doesn't exist")
	ErrPlayedBucketNotFound = errors.New("played bucket doesn't exist")
	ErrWonBucketNotFound    = errors.New("won bucket doesn't exist")
)

// Scorecard is the lifetime record of one wallet.
type Scorecard struct {
	Identity string          `json:"identity"`
	Played   int64           `json:"played"`
	Wins     int64           `json:"wins"`
	Won      decimal.Decimal `json:"won"`
}

// ScorerService keeps the leaderboard from the ledger's Staked and Settled
// events.
type ScorerService struct {
	DatabaseService *common.DatabaseService
	Gateway         chain.Gateway
	Logger          zerolog.Logger

	Size int
}

func NewScorerService(i do.Injector) (*ScorerService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	gateway := do.MustInvoke[chain.Gateway](i)
	logger := do.MustInvoke[zerolog.Logger](i)

	result := &ScorerService{
		DatabaseService: databaseService,
		Gateway:         gateway,
		Logger:          logger,

		Size: do.MustInvokeNamed[int](i, "leaderboard-size"),
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		apiGroup.GET("/leaderboard", result.GetLeaderboard)
	})

	return result, nil
}

// Start indexes ledger events until ctx ends.
func (s *ScorerService) Start(ctx context.Context) error {
	events, err := s.Gateway.Subscribe(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("leaderboard indexing disabled, ledger events unavailable")

		return nil
	}

	for event := range events {
		err := s.HandleEvent(event)
		if err != nil {
			s.Logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("failed to record ledger event")
		}
	}

	return nil
}

// HandleEvent counts a stake as a game played and a settlement as a win
// worth the prize.
func (s *ScorerService) HandleEvent(event chain.Event) error {
	if event.Player == "" {
		return nil
	}

	player := []byte(event.Player)

	switch event.Kind {
	case chain.EventStaked:
		//nolint:wrapcheck
		return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
			played := tx.Bucket([]byte(common.LeaderboardPlayedBucket))
			if played == nil {
				return ErrPlayedBucketNotFound
			}

			count := common.BytesToInt64(played.Get(player), 0)

			err := played.Put(player, common.Int64ToBytes(count+1))
			if err != nil {
				return fmt.Errorf("failed to put played count: %w", err)
			}

			return nil
		})
	case chain.EventSettled:
		//nolint:wrapcheck
		return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
			wins := tx.Bucket([]byte(common.LeaderboardWinsBucket))
			if wins == nil {
				return ErrWinsBucketNotFound
			}

			won := tx.Bucket([]byte(common.LeaderboardWonBucket))
			if won == nil {
				return ErrWonBucketNotFound
			}

			count := common.BytesToInt64(wins.Get(player), 0)
			total := common.BytesToDecimal(won.Get(player), decimal.Zero)

			err := wins.Put(player, common.Int64ToBytes(count+1))
			if err != nil {
				return fmt.Errorf("failed to put win count: %w", err)
			}

			err = won.Put(player, common.DecimalToBytes(total.Add(event.Prize)))
			if err != nil {
				return fmt.Errorf("failed to put won total: %w", err)
			}

			return nil
		})
	default:
		return nil
	}
}

// Leaderboard returns the top n wallets by total won, then by wins.
func (s *ScorerService) Leaderboard(n int) ([]Scorecard, error) {
	cards := map[string]*Scorecard{}

	card := func(identity []byte) *Scorecard {
		result, ok := cards[string(identity)]
		if !ok {
			result = &Scorecard{Identity: string(identity)}
			cards[string(identity)] = result
		}

		return result
	}

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		played := tx.Bucket([]byte(common.LeaderboardPlayedBucket))
		if played == nil {
			return ErrPlayedBucketNotFound
		}

		wins := tx.Bucket([]byte(common.LeaderboardWinsBucket))
		if wins == nil {
			return ErrWinsBucketNotFound
		}

		won := tx.Bucket([]byte(common.LeaderboardWonBucket))
		if won == nil {
			return ErrWonBucketNotFound
		}

		_ = played.ForEach(func(k, v []byte) error {
			card(k).Played = common.BytesToInt64(v, 0)

			return nil
		})

		_ = wins.ForEach(func(k, v []byte) error {
			card(k).Wins = common.BytesToInt64(v, 0)

			return nil
		})

		_ = won.ForEach(func(k, v []byte) error {
			card(k).Won = common.BytesToDecimal(v, decimal.Zero)

			return nil
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}

	result := make([]Scorecard, 0, len(cards))
	for _, c := range cards {
		result = append(result, *c)
	}

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Won.Cmp(result[j].Won); c != 0 {
			return c > 0
		}

		if result[i].Wins != result[j].Wins {
			return result[i].Wins > result[j].Wins
		}

		return result[i].Identity < result[j].Identity
	})

	if n < len(result) {
		result = result[:n]
	}

	return result, nil
}

func (s *ScorerService) GetLeaderboard(c echo.Context) error {
	size := s.Size
	if size <= 0 {
		size = DefaultSize
	}

	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}

		size = min(n, MaxSize)
	}

	leaderboard, err := s.Leaderboard(size)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read leaderboard")
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, leaderboard, "  ")
}
