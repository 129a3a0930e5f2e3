package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/common"
	"github.com/vreid/trix/internal/pkg/matchmaker"
)

var ErrCommitResult = errors.New("failed to commit result on chain")

type SettlementService struct {
	Matchmaker *matchmaker.MatchmakerService
	Gateway    chain.Gateway
	Logger     zerolog.Logger

	ChainTimeout time.Duration
}

type resultRequest struct {
	MatchID string `json:"matchId"`
	Winner  string `json:"winner"`
}

type resultResponse struct {
	TxHash string `json:"txHash"`
}

func NewSettlementService(i do.Injector) (*SettlementService, error) {
	matchmakerService := do.MustInvoke[*matchmaker.MatchmakerService](i)
	logger := do.MustInvoke[zerolog.Logger](i)

	result := New(matchmakerService, logger)
	result.ChainTimeout = do.MustInvokeNamed[time.Duration](i, "chain-timeout")

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		matchGroup := apiGroup.Group("/match")

		matchGroup.POST("/result", result.PostResult)
	})

	return result, nil
}

func New(matchmakerService *matchmaker.MatchmakerService, logger zerolog.Logger) *SettlementService {
	return &SettlementService{
		Matchmaker: matchmakerService,
		Gateway:    matchmakerService.Gateway,
		Logger:     logger,

		ChainTimeout: matchmaker.DefaultChainTimeout,
	}
}

// Submit commits the winner of a Ready match to the ledger. On failure the
// match stays Ready and the caller may submit again; nothing is retried here.
func (s *SettlementService) Submit(ctx context.Context, matchID, winner string) (*chain.Receipt, error) {
	_, err := s.Matchmaker.BeginSettlement(matchID, winner)
	if err != nil {
		//nolint:wrapcheck
		return nil, err
	}

	// BeginSettlement already validated the address
	winner, _ = chain.NormalizeAddress(winner)

	chainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ChainTimeout)
	defer cancel()

	receipt, err := s.Gateway.CommitResult(chainCtx, matchID, winner)
	if err != nil {
		s.Matchmaker.AbortSettlement(matchID)

		s.Logger.Error().Err(err).Str("match_id", matchID).Str("winner", winner).Msg("result commit failed")

		return nil, fmt.Errorf("%w: %w", ErrCommitResult, err)
	}

	s.Matchmaker.CompleteSettlement(matchID, winner, receipt.TxHash)

	return receipt, nil
}

func (s *SettlementService) PostResult(c echo.Context) error {
	var request resultRequest

	err := c.Bind(&request)
	if err != nil || request.MatchID == "" || request.Winner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	receipt, err := s.Submit(c.Request().Context(), request.MatchID, request.Winner)
	if err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, resultResponse{TxHash: receipt.TxHash})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, matchmaker.ErrInvalidWinner):
		return http.StatusBadRequest
	case errors.Is(err, matchmaker.ErrMatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, matchmaker.ErrMatchNotReady), errors.Is(err, matchmaker.ErrSettlementInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrCommitResult):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
