package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const playGameABI = `[
  {"type":"function","name":"createMatch","stateMutability":"nonpayable",
   "inputs":[{"name":"matchId","type":"bytes32"},{"name":"p1","type":"address"},{"name":"p2","type":"address"},{"name":"stake","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"stake","stateMutability":"nonpayable",
   "inputs":[{"name":"matchId","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"commitResult","stateMutability":"nonpayable",
   "inputs":[{"name":"matchId","type":"bytes32"},{"name":"winner","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"matches","stateMutability":"view",
   "inputs":[{"name":"","type":"bytes32"}],
   "outputs":[{"name":"p1","type":"address"},{"name":"p2","type":"address"},{"name":"stake","type":"uint256"},{"name":"status","type":"uint8"},{"name":"p1Staked","type":"bool"},{"name":"p2Staked","type":"bool"},{"name":"startTime","type":"uint256"}]},
  {"type":"event","name":"Staked","anonymous":false,
   "inputs":[{"name":"matchId","type":"bytes32","indexed":true},{"name":"player","type":"address","indexed":true}]},
  {"type":"event","name":"Settled","anonymous":false,
   "inputs":[{"name":"matchId","type":"bytes32","indexed":true},{"name":"winner","type":"address","indexed":true},{"name":"prize","type":"uint256","indexed":false}]},
  {"type":"event","name":"Refunded","anonymous":false,
   "inputs":[{"name":"matchId","type":"bytes32","indexed":true}]}
]`

const eventBufferSize = 64

// EthereumGateway talks to the PlayGame contract over JSON-RPC. Transactions
// are sent from a single operator account, so submission is serialized and
// the nonce is tracked locally.
type EthereumGateway struct {
	client   *ethclient.Client
	logs     logSource
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	auth     *bind.TransactOpts
	logger   zerolog.Logger

	pollInterval     time.Duration
	resubscribeDelay time.Duration

	txMu  sync.Mutex
	nonce *uint64
}

func DialEthereum(ctx context.Context, rpcURL, contractAddress, operatorKey string, logger zerolog.Logger) (*EthereumGateway, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, contractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(operatorKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(playGameABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	address := common.HexToAddress(contractAddress)

	logger.Info().
		Str("contract", address.Hex()).
		Str("operator", auth.From.Hex()).
		Str("chain_id", chainID.String()).
		Msg("connected to ledger")

	return &EthereumGateway{
		client:   client,
		logs:     client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		abi:      parsed,
		address:  address,
		auth:     auth,
		logger:   logger,

		pollInterval:     DefaultPollInterval,
		resubscribeDelay: defaultResubscribeDelay,
	}, nil
}

func (g *EthereumGateway) Shutdown() error {
	g.client.Close()

	return nil
}

func (g *EthereumGateway) CreateMatch(
	ctx context.Context,
	matchID, playerA, playerB string,
	stake decimal.Decimal,
) (*Receipt, error) {
	return g.transact(ctx, "createMatch",
		[32]byte(MatchKey(matchID)),
		common.HexToAddress(playerA),
		common.HexToAddress(playerB),
		ToWei(stake))
}

func (g *EthereumGateway) CommitResult(ctx context.Context, matchID, winner string) (*Receipt, error) {
	return g.transact(ctx, "commitResult",
		[32]byte(MatchKey(matchID)),
		common.HexToAddress(winner))
}

func (g *EthereumGateway) ReadMatch(ctx context.Context, matchID string) (*MatchRecord, error) {
	var out []interface{}

	err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "matches", [32]byte(MatchKey(matchID)))
	if err != nil {
		return nil, fmt.Errorf("failed to read match %s: %w", matchID, err)
	}

	playerA := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	playerB := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	stake := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	status := *abi.ConvertType(out[3], new(uint8)).(*uint8)
	playerAStaked := *abi.ConvertType(out[4], new(bool)).(*bool)
	playerBStaked := *abi.ConvertType(out[5], new(bool)).(*bool)
	startTime := *abi.ConvertType(out[6], new(*big.Int)).(**big.Int)

	record := &MatchRecord{
		PlayerA:       strings.ToLower(playerA.Hex()),
		PlayerB:       strings.ToLower(playerB.Hex()),
		Stake:         FromWei(stake),
		Status:        Status(status),
		PlayerAStaked: playerAStaked,
		PlayerBStaked: playerBStaked,
	}

	if startTime != nil && startTime.Sign() > 0 {
		record.StartTime = time.Unix(startTime.Int64(), 0)
	}

	return record, nil
}

func (g *EthereumGateway) decodeLog(l types.Log) (Event, bool) {
	if len(l.Topics) < 2 || l.Removed {
		return Event{}, false
	}

	event := Event{MatchKey: l.Topics[1]}

	switch l.Topics[0] {
	case g.abi.Events["Staked"].ID:
		if len(l.Topics) < 3 {
			return Event{}, false
		}

		event.Kind = EventStaked
		event.Player = strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex())
	case g.abi.Events["Settled"].ID:
		if len(l.Topics) < 3 {
			return Event{}, false
		}

		values, err := g.abi.Unpack("Settled", l.Data)
		if err != nil || len(values) != 1 {
			g.logger.Warn().Err(err).Str("tx_hash", l.TxHash.Hex()).Msg("undecodable Settled log")

			return Event{}, false
		}

		prize, _ := values[0].(*big.Int)

		event.Kind = EventSettled
		event.Player = strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex())
		event.Prize = FromWei(prize)
	case g.abi.Events["Refunded"].ID:
		event.Kind = EventRefunded
	default:
		return Event{}, false
	}

	return event, true
}

func (g *EthereumGateway) transact(ctx context.Context, method string, params ...interface{}) (*Receipt, error) {
	tx, err := g.send(ctx, method, params...)
	if err != nil {
		return nil, err
	}

	g.logger.Debug().Str("method", method).Str("tx_hash", tx.Hash().Hex()).Msg("transaction sent")

	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for %s %s: %w", method, tx.Hash().Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), ErrReverted)
	}

	return &Receipt{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (g *EthereumGateway) send(ctx context.Context, method string, params ...interface{}) (*types.Transaction, error) {
	g.txMu.Lock()
	defer g.txMu.Unlock()

	if g.nonce == nil {
		pending, err := g.client.PendingNonceAt(ctx, g.auth.From)
		if err != nil {
			return nil, fmt.Errorf("failed to read operator nonce: %w", err)
		}

		g.nonce = &pending
	}

	opts := *g.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(*g.nonce)

	tx, err := g.contract.Transact(&opts, method, params...)
	if err != nil {
		// the pending nonce is re-read on the next send
		g.nonce = nil

		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	next := *g.nonce + 1
	g.nonce = &next

	return tx, nil
}
