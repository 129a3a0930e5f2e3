package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultPollInterval = 4 * time.Second

	defaultResubscribeDelay = time.Second
	maxResubscribeDelay     = 30 * time.Second

	// many providers refuse eth_getLogs over wider ranges
	maxLogRange = 2000
)

var errSubscriptionClosed = errors.New("log subscription closed")

// logSource is the part of the RPC client the event feed reads from.
type logSource interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
}

// logCursor is the position of the last delivered log. Catching up after a
// reconnect starts from it and skips what was already delivered.
type logCursor struct {
	from    uint64
	block   uint64
	index   uint
	started bool
	seen    bool
}

func (c *logCursor) start(head uint64) {
	c.from = head + 1
	c.started = true
}

// accept reports whether l comes after every log delivered so far and moves
// the cursor onto it.
func (c *logCursor) accept(l types.Log) bool {
	if c.seen && (l.BlockNumber < c.block || (l.BlockNumber == c.block && l.Index <= c.index)) {
		return false
	}

	c.block = l.BlockNumber
	c.index = l.Index
	c.seen = true
	c.from = max(c.from, l.BlockNumber)

	return true
}

// scanned records that every log up to block was delivered.
func (c *logCursor) scanned(block uint64) {
	c.from = max(c.from, block+1)
}

// Subscribe streams contract events until ctx ends. Over a websocket endpoint
// it follows a log subscription, resubscribing with backoff when it drops.
// Over plain HTTP it polls for new logs every pollInterval.
func (g *EthereumGateway) Subscribe(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, eventBufferSize)

	go g.follow(ctx, events)

	return events, nil
}

func (g *EthereumGateway) follow(ctx context.Context, events chan<- Event) {
	defer close(events)

	cursor := &logCursor{}
	backoff := g.resubscribeBackoff()

	for {
		subscribed, err := g.stream(ctx, cursor, events)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			g.logger.Info().Dur("interval", g.pollInterval).Msg("rpc endpoint has no subscriptions, polling contract logs")

			g.poll(ctx, cursor, events)

			return
		}

		if subscribed {
			backoff = g.resubscribeBackoff()
		}

		delay, _ := backoff.Next()

		g.logger.Warn().Err(err).Dur("retry_in", delay).Msg("ledger log subscription lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// stream follows one subscription until it fails. subscribed reports whether
// it was established at all.
func (g *EthereumGateway) stream(ctx context.Context, cursor *logCursor, events chan<- Event) (bool, error) {
	logs := make(chan types.Log, eventBufferSize)

	sub, err := g.logs.SubscribeFilterLogs(ctx, g.query(), logs)
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to contract logs: %w", err)
	}
	defer sub.Unsubscribe()

	err = g.catchUp(ctx, cursor, events)
	if err != nil {
		return true, err
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}

			return true, err
		case l := <-logs:
			if !g.deliver(ctx, cursor, l, events) {
				return true, nil
			}
		}
	}
}

func (g *EthereumGateway) poll(ctx context.Context, cursor *logCursor, events chan<- Event) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		err := g.catchUp(ctx, cursor, events)
		if err != nil && ctx.Err() == nil {
			g.logger.Warn().Err(err).Msg("ledger log poll failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// catchUp delivers the logs emitted between the cursor and the current head.
// The first call only pins the cursor to the head.
func (g *EthereumGateway) catchUp(ctx context.Context, cursor *logCursor, events chan<- Event) error {
	head, err := g.logs.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read block number: %w", err)
	}

	if !cursor.started {
		cursor.start(head)

		return nil
	}

	for cursor.from <= head {
		from := cursor.from
		to := min(head, from+maxLogRange-1)

		query := g.query()
		query.FromBlock = new(big.Int).SetUint64(from)
		query.ToBlock = new(big.Int).SetUint64(to)

		logs, err := g.logs.FilterLogs(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to read contract logs in blocks %d-%d: %w", from, to, err)
		}

		for _, l := range logs {
			if !g.deliver(ctx, cursor, l, events) {
				//nolint:wrapcheck
				return ctx.Err()
			}
		}

		cursor.scanned(to)
	}

	return nil
}

func (g *EthereumGateway) deliver(ctx context.Context, cursor *logCursor, l types.Log, events chan<- Event) bool {
	if l.Removed || !cursor.accept(l) {
		return true
	}

	event, ok := g.decodeLog(l)
	if !ok {
		return true
	}

	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *EthereumGateway) query() ethereum.FilterQuery {
	//nolint:exhaustruct
	return ethereum.FilterQuery{Addresses: []common.Address{g.address}}
}

func (g *EthereumGateway) resubscribeBackoff() retry.Backoff {
	return retry.WithCappedDuration(maxResubscribeDelay, retry.NewExponential(g.resubscribeDelay))
}
