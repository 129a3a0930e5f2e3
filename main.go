package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/trix/internal/pkg/chain"
	"github.com/vreid/trix/internal/pkg/common"
	"github.com/vreid/trix/internal/pkg/lobby"
	"github.com/vreid/trix/internal/pkg/matchmaker"
	"github.com/vreid/trix/internal/pkg/registry"
	"github.com/vreid/trix/internal/pkg/scorer"
	"github.com/vreid/trix/internal/pkg/settlement"
	"github.com/vreid/trix/internal/pkg/sweeper"
	"golang.org/x/sync/errgroup"

	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

type TrixService struct {
	Logger          zerolog.Logger          `do:""`
	EchoService     *common.EchoService     `do:""`
	DatabaseService *common.DatabaseService `do:""`
	Gateway         chain.Gateway           `do:""`

	MatchmakerService *matchmaker.MatchmakerService `do:""`
	SweeperService    *sweeper.SweeperService       `do:""`
	SettlementService *settlement.SettlementService `do:""`
	LobbyService      *lobby.LobbyService           `do:""`
	ScorerService     *scorer.ScorerService         `do:""`
	SimulatorService  *chain.SimulatorService       `do:""`
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "log-level", cmd.String("log-level"))
	do.ProvideNamedValue(i, "allowed-origins", cmd.StringSlice("allowed-origins"))

	do.ProvideNamedValue(i, "rpc-url", cmd.String("rpc-url"))
	do.ProvideNamedValue(i, "contract-address", cmd.String("contract-address"))
	do.ProvideNamedValue(i, "operator-key", cmd.String("operator-key"))
	do.ProvideNamedValue(i, "simulate", cmd.Bool("simulate"))
	do.ProvideNamedValue(i, "chain-timeout", cmd.Duration("chain-timeout"))

	do.ProvideNamedValue(i, "stake-verify-attempts", cmd.Int("stake-verify-attempts"))
	do.ProvideNamedValue(i, "stake-verify-interval", cmd.Duration("stake-verify-interval"))
	do.ProvideNamedValue(i, "match-ttl", cmd.Duration("match-ttl"))
	do.ProvideNamedValue(i, "sweep-interval", cmd.Duration("sweep-interval"))
	do.ProvideNamedValue(i, "leaderboard-size", cmd.Int("leaderboard-size"))

	do.Provide(i, common.NewLogger)
	do.Provide(i, common.NewEchoService)
	do.Provide(i, common.NewDatabaseService)

	do.Provide(i, chain.NewGateway)
	do.Provide(i, chain.NewSimulatorService)

	do.Provide(i, registry.NewRegistryService)
	do.Provide(i, matchmaker.NewMatchmakerService)
	do.Provide(i, sweeper.NewSweeperService)
	do.Provide(i, settlement.NewSettlementService)
	do.Provide(i, lobby.NewLobbyService)
	do.Provide(i, scorer.NewScorerService)

	do.Provide(i, do.InvokeStruct[TrixService])

	trixService, err := do.Invoke[TrixService](i)
	if err != nil {
		return fmt.Errorf("failed to create trix service: %w", err)
	}

	logger := trixService.Logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = trixService.MatchmakerService.WatchLedger(ctx)
	if err != nil {
		// players' own stake reports and the sweeper still cover every match
		logger.Error().Err(err).Msg("ledger events unavailable")
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(trixService.EchoService.Start)

	g.Go(func() error {
		return trixService.SweeperService.Start(gCtx)
	})

	g.Go(func() error {
		return trixService.ScorerService.Start(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()

		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()

		//nolint:wrapcheck
		return trixService.EchoService.Shutdown(shutdownCtx)
	})

	logger.Info().
		Int("port", cmd.Int("port")).
		Bool("simulate", cmd.Bool("simulate")).
		Msg("trix started")

	err = g.Wait()

	closeErr := trixService.DatabaseService.Shutdown()
	if closeErr != nil {
		logger.Warn().Err(closeErr).Msg("failed to close database")
	}

	if closer, ok := trixService.Gateway.(interface{ Shutdown() error }); ok {
		closeErr = closer.Shutdown()
		if closeErr != nil {
			logger.Warn().Err(closeErr).Msg("failed to close ledger connection")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		//nolint:wrapcheck
		return err
	}

	return nil
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	//nolint:exhaustruct
	cmd := &cli.Command{
		Name:  "trix",
		Usage: "tic-tac-toe staking match coordinator",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3001, //nolint:mnd
						Sources: cli.EnvVars("TRIX_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./trix/data",
						Sources: cli.EnvVars("TRIX_DATA_DIR"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Value:   "info",
						Sources: cli.EnvVars("TRIX_LOG_LEVEL"),
					},
					&cli.StringSliceFlag{
						Name:    "allowed-origins",
						Value:   []string{"http://localhost:3000"},
						Sources: cli.EnvVars("TRIX_ALLOWED_ORIGINS"),
					},
					&cli.StringFlag{
						Name:    "rpc-url",
						Sources: cli.EnvVars("TRIX_RPC_URL"),
					},
					&cli.StringFlag{
						Name:    "contract-address",
						Sources: cli.EnvVars("TRIX_CONTRACT_ADDRESS"),
					},
					&cli.StringFlag{
						Name:    "operator-key",
						Sources: cli.EnvVars("TRIX_OPERATOR_KEY"),
					},
					&cli.BoolFlag{
						Name:    "simulate",
						Usage:   "use the in-memory ledger instead of the contract",
						Sources: cli.EnvVars("TRIX_SIMULATE"),
					},
					&cli.DurationFlag{
						Name:    "chain-timeout",
						Value:   matchmaker.DefaultChainTimeout,
						Sources: cli.EnvVars("TRIX_CHAIN_TIMEOUT"),
					},
					&cli.IntFlag{
						Name:    "stake-verify-attempts",
						Value:   matchmaker.DefaultVerifyAttempts,
						Sources: cli.EnvVars("TRIX_STAKE_VERIFY_ATTEMPTS"),
					},
					&cli.DurationFlag{
						Name:    "stake-verify-interval",
						Value:   matchmaker.DefaultVerifyInterval,
						Sources: cli.EnvVars("TRIX_STAKE_VERIFY_INTERVAL"),
					},
					&cli.DurationFlag{
						Name:    "match-ttl",
						Value:   sweeper.DefaultMaxAge,
						Sources: cli.EnvVars("TRIX_MATCH_TTL"),
					},
					&cli.DurationFlag{
						Name:    "sweep-interval",
						Value:   sweeper.DefaultInterval,
						Sources: cli.EnvVars("TRIX_SWEEP_INTERVAL"),
					},
					&cli.IntFlag{
						Name:    "leaderboard-size",
						Value:   scorer.DefaultSize,
						Sources: cli.EnvVars("TRIX_LEADERBOARD_SIZE"),
					},
				},
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
