// Package evmrpc is the abortable JSON-RPC adapter the EVM poller and the
// EVM block-height binary search use: eth_blockNumber, eth_getBlockByNumber,
// eth_getLogs.
package evmrpc

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/iskay-labs/usdc-flow-tracker/internal/rpcerr"
)

// Client wraps an ethclient.Client with abort-aware, backoff-retried calls.
type Client struct {
	eth    *ethclient.Client
	logger *log.Logger
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(url string) (*Client, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("evmrpc: dial %s: %w", url, err)
	}
	return &Client{eth: eth, logger: log.New(os.Stderr, "[evmrpc] ", log.LstdFlags)}, nil
}

// NewClient wraps an already-constructed ethclient.Client.
func NewClient(eth *ethclient.Client) *Client {
	return &Client{eth: eth, logger: log.New(os.Stderr, "[evmrpc] ", log.LstdFlags)}
}

// BlockNumber returns the current head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, nil, func(ctx context.Context) error {
		n, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("evmrpc: blockNumber: %w", err)
	}
	return out, nil
}

// HeaderTimestamp returns the unix-seconds timestamp of the header at number.
func (c *Client) HeaderTimestamp(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, nil, func(ctx context.Context) error {
		h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		ts = h.Time
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("evmrpc: headerByNumber(%d): %w", number, err)
	}
	return ts, nil
}

// GenesisTimestamp returns the timestamp of block 0, used as the cached
// genesis reference point for the binary search in internal/blockheight.
func (c *Client) GenesisTimestamp(ctx context.Context) (uint64, error) {
	return c.HeaderTimestamp(ctx, 0)
}

// FilterLogs scans [fromBlock, toBlock] on addr for the given topics. The
// caller is responsible for chunking to maxBlockRange, per spec.md §4.2.
func (c *Client) FilterLogs(ctx context.Context, addr common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{addr},
		Topics:    topics,
	}

	var out []types.Log
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, nil, func(ctx context.Context) error {
		logs, err := c.eth.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		out = logs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evmrpc: filterLogs(%d,%d): %w", fromBlock, toBlock, err)
	}
	return out, nil
}

// ChunkedFilterLogs walks [fromBlock, headBlock] in chunks of at most
// maxBlockRange, invoking onLogs for each chunk's matches, checking ctx
// before and after every network call per spec.md §5. The number of
// FilterLogs calls issued equals ceil(span/maxBlockRange) — spec.md §8
// property 10.
func (c *Client) ChunkedFilterLogs(ctx context.Context, addr common.Address, topics [][]common.Hash, fromBlock, headBlock, maxBlockRange uint64, onLogs func([]types.Log) (stop bool, err error)) error {
	if maxBlockRange == 0 {
		maxBlockRange = 2000
	}
	for from := fromBlock; from <= headBlock; from += maxBlockRange {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := from + maxBlockRange - 1
		if to > headBlock {
			to = headBlock
		}
		logs, err := c.FilterLogs(ctx, addr, topics, from, to)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stop, err := onLogs(logs)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}
