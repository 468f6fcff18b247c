package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Minimal ABI covering the two Morpho Blue getters sentinel reads.
const morphoABIJSON = `[
  {"inputs":[{"name":"id","type":"bytes32"}],"name":"market","outputs":[{"name":"totalSupplyAssets","type":"uint128"},{"name":"totalSupplyShares","type":"uint128"},{"name":"totalBorrowAssets","type":"uint128"},{"name":"totalBorrowShares","type":"uint128"},{"name":"lastUpdate","type":"uint128"},{"name":"fee","type":"uint128"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"id","type":"bytes32"},{"name":"user","type":"address"}],"name":"position","outputs":[{"name":"supplyShares","type":"uint256"},{"name":"borrowShares","type":"uint128"},{"name":"collateral","type":"uint128"}],"stateMutability":"view","type":"function"}
]`

var morphoABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(morphoABIJSON))
	if err != nil {
		panic(errors.Wrap(err, "could not parse morpho abi"))
	}
	return parsed
}()

// MarketState mirrors the market(bytes32) return tuple.
type MarketState struct {
	TotalSupplyAssets float64
	TotalSupplyShares float64
	TotalBorrowAssets float64
	TotalBorrowShares float64
	LastUpdate        float64
	Fee               float64
}

// Field returns a market field by its metric catalog name.
func (m *MarketState) Field(name string) (float64, error) {
	switch name {
	case "totalSupplyAssets":
		return m.TotalSupplyAssets, nil
	case "totalSupplyShares":
		return m.TotalSupplyShares, nil
	case "totalBorrowAssets":
		return m.TotalBorrowAssets, nil
	case "totalBorrowShares":
		return m.TotalBorrowShares, nil
	case "lastUpdate":
		return m.LastUpdate, nil
	case "fee":
		return m.Fee, nil
	default:
		return 0, fmt.Errorf("market has no field %q", name)
	}
}

// PositionState mirrors the position(bytes32,address) return tuple.
type PositionState struct {
	SupplyShares float64
	BorrowShares float64
	Collateral   float64
}

// Field returns a position field by its metric catalog name.
func (p *PositionState) Field(name string) (float64, error) {
	switch name {
	case "supplyShares":
		return p.SupplyShares, nil
	case "borrowShares":
		return p.BorrowShares, nil
	case "collateral":
		return p.Collateral, nil
	default:
		return 0, fmt.Errorf("position has no field %q", name)
	}
}

func parseMarketID(marketID string) ([32]byte, error) {
	if len(marketID) != 66 || !strings.HasPrefix(marketID, "0x") {
		return [32]byte{}, fmt.Errorf("%q is not a bytes32 market id", marketID)
	}
	return common.HexToHash(marketID), nil
}

func packMarketCall(marketID string) ([]byte, error) {
	id, err := parseMarketID(marketID)
	if err != nil {
		return nil, err
	}
	return morphoABI.Pack("market", id)
}

func packPositionCall(marketID, user string) ([]byte, error) {
	id, err := parseMarketID(marketID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(user) {
		return nil, fmt.Errorf("%q is not an address", user)
	}
	return morphoABI.Pack("position", id, common.HexToAddress(user))
}

func unpackMarket(ret []byte) (*MarketState, error) {
	vals, err := morphoABI.Unpack("market", ret)
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack market return")
	}
	if len(vals) != 6 {
		return nil, fmt.Errorf("market returned %d values, want 6", len(vals))
	}
	nums, err := toFloats(vals)
	if err != nil {
		return nil, err
	}
	return &MarketState{
		TotalSupplyAssets: nums[0],
		TotalSupplyShares: nums[1],
		TotalBorrowAssets: nums[2],
		TotalBorrowShares: nums[3],
		LastUpdate:        nums[4],
		Fee:               nums[5],
	}, nil
}

func unpackPosition(ret []byte) (*PositionState, error) {
	vals, err := morphoABI.Unpack("position", ret)
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack position return")
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("position returned %d values, want 3", len(vals))
	}
	nums, err := toFloats(vals)
	if err != nil {
		return nil, err
	}
	return &PositionState{
		SupplyShares: nums[0],
		BorrowShares: nums[1],
		Collateral:   nums[2],
	}, nil
}

func toFloats(vals []interface{}) ([]float64, error) {
	out := make([]float64, len(vals))
	for i, v := range vals {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("return value %d is %T, want *big.Int", i, v)
		}
		f, _ := new(big.Float).SetInt(b).Float64()
		out[i] = f
	}
	return out, nil
}
