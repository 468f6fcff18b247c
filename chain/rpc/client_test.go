package rpc

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sentinelwatch/sentinel/chain/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMarket = "0xb323495f7e4148be5643a4ea4a8221eef163e4bccfdedc2a6f4696baacbc86cc"
	testUser   = "0x9b7c8f2e1d4a6b3c5e8f0a1b2c3d4e5f67890abc"
)

type fakeCaller struct {
	headerFn func(number *big.Int) (*types.Header, error)
	callFn   func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

func (f *fakeCaller) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	return f.headerFn(number)
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return f.callFn(msg, block)
}

func testClient(callers ...caller) *Client {
	endpoints := make([]string, len(callers))
	for i := range endpoints {
		endpoints[i] = "stub"
	}
	return &Client{
		chainID:   1,
		morpho:    common.HexToAddress(params.MorphoBlueAddress),
		endpoints: endpoints,
		timeout:   time.Second,
		clients:   callers,
	}
}

func packedMarket(t *testing.T, vals ...int64) []byte {
	t.Helper()
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = big.NewInt(v)
	}
	out, err := morphoABI.Methods["market"].Outputs.Pack(args...)
	require.NoError(t, err)
	return out
}

func packedPosition(t *testing.T, supplyShares, borrowShares, collateral int64) []byte {
	t.Helper()
	out, err := morphoABI.Methods["position"].Outputs.Pack(
		big.NewInt(supplyShares), big.NewInt(borrowShares), big.NewInt(collateral))
	require.NoError(t, err)
	return out
}

func TestHeaderByNumber(t *testing.T) {
	c := testClient(&fakeCaller{headerFn: func(number *big.Int) (*types.Header, error) {
		require.NotNil(t, number)
		return &types.Header{Number: number, Time: 1700000000}, nil
	}})

	h, err := c.HeaderByNumber(context.Background(), 123456)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), h.Number)
	assert.Equal(t, uint64(1700000000), h.Time)
}

func TestLatestHeader(t *testing.T) {
	c := testClient(&fakeCaller{headerFn: func(number *big.Int) (*types.Header, error) {
		require.Nil(t, number, "latest header request must not pin a number")
		return &types.Header{Number: big.NewInt(19000000), Time: 1700000000}, nil
	}})

	h, err := c.LatestHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(19000000), h.Number)
}

func TestEndpointFailover(t *testing.T) {
	bad := &fakeCaller{headerFn: func(_ *big.Int) (*types.Header, error) {
		return nil, errors.New("connection reset")
	}}
	good := &fakeCaller{headerFn: func(_ *big.Int) (*types.Header, error) {
		return &types.Header{Number: big.NewInt(77), Time: 42}, nil
	}}
	c := testClient(bad, good)

	h, err := c.HeaderByNumber(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), h.Number)
}

func TestAllEndpointsFail(t *testing.T) {
	bad := &fakeCaller{headerFn: func(_ *big.Int) (*types.Header, error) {
		return nil, errors.New("connection reset")
	}}
	c := testClient(bad, bad)

	_, err := c.HeaderByNumber(context.Background(), 1)
	require.Error(t, err)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, uint64(1), qerr.ChainID)
	assert.Contains(t, qerr.Error(), "connection reset")
}

func TestNoEndpoints(t *testing.T) {
	c := NewClient(&params.ChainConfig{ID: 42, MorphoAddress: params.MorphoBlueAddress})

	_, err := c.LatestHeader(context.Background())
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Error(), "no endpoints configured")
}

func TestMarketAt(t *testing.T) {
	var gotBlock *big.Int
	var gotTo common.Address
	c := testClient(&fakeCaller{callFn: func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		gotBlock = block
		gotTo = *msg.To
		return packedMarket(t, 1000, 900, 800, 700, 1700000000, 0), nil
	}})

	block := uint64(19500000)
	state, err := c.MarketAt(context.Background(), testMarket, &block)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(params.MorphoBlueAddress), gotTo)
	require.NotNil(t, gotBlock)
	assert.Equal(t, block, gotBlock.Uint64())

	assert.Equal(t, float64(1000), state.TotalSupplyAssets)
	assert.Equal(t, float64(800), state.TotalBorrowAssets)

	v, err := state.Field("totalBorrowShares")
	require.NoError(t, err)
	assert.Equal(t, float64(700), v)

	_, err = state.Field("nope")
	require.Error(t, err)
}

func TestMarketAt_Latest(t *testing.T) {
	c := testClient(&fakeCaller{callFn: func(_ ethereum.CallMsg, block *big.Int) ([]byte, error) {
		require.Nil(t, block, "current reads must not pin a block")
		return packedMarket(t, 1, 2, 3, 4, 5, 6), nil
	}})

	_, err := c.MarketAt(context.Background(), testMarket, nil)
	require.NoError(t, err)
}

func TestPositionAt(t *testing.T) {
	c := testClient(&fakeCaller{callFn: func(msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		// The call data selects position(bytes32,address) with our args.
		want, err := packPositionCall(testMarket, testUser)
		require.NoError(t, err)
		assert.Equal(t, want, msg.Data)
		return packedPosition(t, 123, 456, 789), nil
	}})

	state, err := c.PositionAt(context.Background(), testMarket, testUser, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(123), state.SupplyShares)
	assert.Equal(t, float64(456), state.BorrowShares)
	assert.Equal(t, float64(789), state.Collateral)

	v, err := state.Field("collateral")
	require.NoError(t, err)
	assert.Equal(t, float64(789), v)
}

func TestMarketAt_BadMarketID(t *testing.T) {
	c := testClient(&fakeCaller{})
	_, err := c.MarketAt(context.Background(), "0x1234", nil)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Error(), "not a bytes32 market id")
}

func TestPositionAt_BadUser(t *testing.T) {
	c := testClient(&fakeCaller{})
	_, err := c.PositionAt(context.Background(), testMarket, "vitalik.eth", nil)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Error(), "not an address")
}
