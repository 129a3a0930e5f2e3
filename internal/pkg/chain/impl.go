package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/trix/internal/pkg/common"
)

const dialTimeout = 15 * time.Second

var ErrMissingLedgerConfig = errors.New("rpc-url, contract-address and operator-key are required")

// NewGateway returns the in-memory ledger in simulate mode and the Ethereum
// gateway otherwise.
func NewGateway(i do.Injector) (Gateway, error) {
	logger := do.MustInvoke[zerolog.Logger](i)

	if do.MustInvokeNamed[bool](i, "simulate") {
		logger.Warn().Msg("running against the in-memory ledger")

		return NewMemoryGateway(), nil
	}

	rpcURL := do.MustInvokeNamed[string](i, "rpc-url")
	contractAddress := do.MustInvokeNamed[string](i, "contract-address")
	operatorKey := do.MustInvokeNamed[string](i, "operator-key")

	if rpcURL == "" || contractAddress == "" || operatorKey == "" {
		return nil, ErrMissingLedgerConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	return DialEthereum(ctx, rpcURL, contractAddress, operatorKey, logger)
}

// SimulatorService lets a browser stand in for a wallet when the in-memory
// ledger is used.
type SimulatorService struct {
	Ledger *MemoryGateway
}

type stakeRequest struct {
	MatchID string `json:"matchId"`
	Player  string `json:"player"`
}

func NewSimulatorService(i do.Injector) (*SimulatorService, error) {
	gateway := do.MustInvoke[Gateway](i)

	ledger, ok := gateway.(*MemoryGateway)
	if !ok {
		return &SimulatorService{}, nil
	}

	result := &SimulatorService{
		Ledger: ledger,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		simulatorGroup := apiGroup.Group("/simulator")

		simulatorGroup.POST("/stake", result.PostStake)
	})

	return result, nil
}

func (s *SimulatorService) PostStake(c echo.Context) error {
	var request stakeRequest

	err := c.Bind(&request)
	if err != nil || request.MatchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	player, err := NormalizeAddress(request.Player)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid player address")
	}

	err = s.Ledger.Stake(c.Request().Context(), request.MatchID, player)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	return c.NoContent(http.StatusNoContent)
}
