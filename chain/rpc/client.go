// Package rpc reads block headers and Morpho Blue contract state from
// execution nodes over JSON-RPC. Each client serves one chain through an
// ordered list of endpoints and fails over to the next endpoint when a
// call errors.
package rpc

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sentinelwatch/sentinel/chain/params"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "chainrpc")

const defaultCallTimeout = 10 * time.Second

// QueryError marks a read that failed on every configured endpoint of a
// chain. Evaluation treats it as missing data, never as a zero value.
type QueryError struct {
	ChainID uint64
	Op      string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("chain %d: %s: %v", e.ChainID, e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// caller is the slice of ethclient.Client the package uses, split out so
// tests can substitute canned headers and call results.
type caller interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Header carries the two header fields sentinel uses.
type Header struct {
	Number uint64
	Time   uint64 // unix seconds
}

// Client reads one chain. Endpoints are dialed lazily and tried in order.
type Client struct {
	chainID   uint64
	morpho    common.Address
	endpoints []string
	timeout   time.Duration

	mu      sync.Mutex
	clients []caller
}

// NewClient builds a client for the chain described by cfg. A chain with
// no endpoints is allowed; every read on it fails with a QueryError so
// callers can fall back to estimation.
func NewClient(cfg *params.ChainConfig) *Client {
	return &Client{
		chainID:   cfg.ID,
		morpho:    common.HexToAddress(cfg.MorphoAddress),
		endpoints: cfg.Endpoints,
		timeout:   defaultCallTimeout,
		clients:   make([]caller, len(cfg.Endpoints)),
	}
}

// ChainID reports which chain this client reads.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

func (c *Client) clientAt(ctx context.Context, i int) (caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients[i] != nil {
		return c.clients[i], nil
	}
	cl, err := ethclient.DialContext(ctx, c.endpoints[i])
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial %s", c.endpoints[i])
	}
	c.clients[i] = cl
	return cl, nil
}

// forEachEndpoint runs f against each endpoint in order until one
// succeeds. The returned error wraps the last failure.
func (c *Client) forEachEndpoint(ctx context.Context, op string, f func(ctx context.Context, cl caller) error) error {
	if len(c.endpoints) == 0 {
		return &QueryError{ChainID: c.chainID, Op: op, Err: errors.New("no endpoints configured")}
	}
	var lastErr error
	for i := range c.endpoints {
		cl, err := c.clientAt(ctx, i)
		if err != nil {
			lastErr = err
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = f(callCtx, cl)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		log.WithError(err).WithFields(logrus.Fields{
			"chain":    c.chainID,
			"endpoint": i,
			"op":       op,
		}).Debug("Endpoint failed, trying next")
	}
	return &QueryError{ChainID: c.chainID, Op: op, Err: lastErr}
}

// HeaderByNumber fetches the header of a specific block.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*Header, error) {
	var out *Header
	err := c.forEachEndpoint(ctx, fmt.Sprintf("header %d", number), func(ctx context.Context, cl caller) error {
		h, err := cl.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		out = &Header{Number: h.Number.Uint64(), Time: h.Time}
		return nil
	})
	return out, err
}

// LatestHeader fetches the chain head.
func (c *Client) LatestHeader(ctx context.Context) (*Header, error) {
	var out *Header
	err := c.forEachEndpoint(ctx, "latest header", func(ctx context.Context, cl caller) error {
		h, err := cl.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		out = &Header{Number: h.Number.Uint64(), Time: h.Time}
		return nil
	})
	return out, err
}

// MarketAt reads the market struct for a market id, pinned to a block
// when one is given, otherwise at the head.
func (c *Client) MarketAt(ctx context.Context, marketID string, block *uint64) (*MarketState, error) {
	data, err := packMarketCall(marketID)
	if err != nil {
		return nil, &QueryError{ChainID: c.chainID, Op: "market", Err: err}
	}
	ret, err := c.call(ctx, "market", data, block)
	if err != nil {
		return nil, err
	}
	state, err := unpackMarket(ret)
	if err != nil {
		return nil, &QueryError{ChainID: c.chainID, Op: "market", Err: err}
	}
	return state, nil
}

// PositionAt reads one user's position in a market, pinned to a block
// when one is given, otherwise at the head.
func (c *Client) PositionAt(ctx context.Context, marketID, user string, block *uint64) (*PositionState, error) {
	data, err := packPositionCall(marketID, user)
	if err != nil {
		return nil, &QueryError{ChainID: c.chainID, Op: "position", Err: err}
	}
	ret, err := c.call(ctx, "position", data, block)
	if err != nil {
		return nil, err
	}
	state, err := unpackPosition(ret)
	if err != nil {
		return nil, &QueryError{ChainID: c.chainID, Op: "position", Err: err}
	}
	return state, nil
}

func (c *Client) call(ctx context.Context, op string, data []byte, block *uint64) ([]byte, error) {
	var blockNumber *big.Int
	if block != nil {
		blockNumber = new(big.Int).SetUint64(*block)
	}
	msg := ethereum.CallMsg{To: &c.morpho, Data: data}
	var ret []byte
	err := c.forEachEndpoint(ctx, op, func(ctx context.Context, cl caller) error {
		out, err := cl.CallContract(ctx, msg, blockNumber)
		if err != nil {
			return err
		}
		ret = out
		return nil
	})
	return ret, err
}
