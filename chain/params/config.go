// Package params holds per-chain configuration: RPC endpoints, block time
// characteristics used for block estimation, and protocol deployment
// addresses. Built-in values cover the chains Morpho Blue is deployed on
// and can be overridden from a YAML file.
package params

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// MorphoBlueAddress is the canonical Morpho Blue singleton, deployed at
// the same address on every supported chain.
const MorphoBlueAddress = "0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb"

// ChainConfig describes one supported chain.
type ChainConfig struct {
	ID            uint64   `yaml:"id"`
	Name          string   `yaml:"name"`
	GenesisTime   int64    `yaml:"genesis_time"`   // unix seconds of block 0
	AvgBlockTime  float64  `yaml:"avg_block_time"` // seconds per block, used for estimation
	Endpoints     []string `yaml:"endpoints"`
	MorphoAddress string   `yaml:"morpho_address"`
}

// MainnetConfig returns the Ethereum mainnet defaults.
func MainnetConfig() *ChainConfig {
	return &ChainConfig{
		ID:            1,
		Name:          "mainnet",
		GenesisTime:   1438269973,
		AvgBlockTime:  12,
		MorphoAddress: MorphoBlueAddress,
	}
}

// BaseConfig returns the Base mainnet defaults.
func BaseConfig() *ChainConfig {
	return &ChainConfig{
		ID:            8453,
		Name:          "base",
		GenesisTime:   1686789347,
		AvgBlockTime:  2,
		MorphoAddress: MorphoBlueAddress,
	}
}

// Registry resolves chain ids to their configuration.
type Registry struct {
	chains map[uint64]*ChainConfig
}

// NewRegistry returns a registry preloaded with the built-in chains.
func NewRegistry() *Registry {
	r := &Registry{chains: make(map[uint64]*ChainConfig)}
	r.put(MainnetConfig())
	r.put(BaseConfig())
	return r
}

func (r *Registry) put(cfg *ChainConfig) {
	r.chains[cfg.ID] = cfg
}

// Get looks up a chain by id.
func (r *Registry) Get(chainID uint64) (*ChainConfig, error) {
	cfg, ok := r.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("unsupported chain id %d", chainID)
	}
	return cfg, nil
}

// All returns every known chain ordered by id.
func (r *Registry) All() []*ChainConfig {
	out := make([]*ChainConfig, 0, len(r.chains))
	for _, cfg := range r.chains {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChainIDs returns the ids of every known chain in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// fileConfig is the YAML override document shape.
type fileConfig struct {
	Chains []*ChainConfig `yaml:"chains"`
}

// LoadFile merges a YAML override file into the registry. Entries for
// known chains replace fields that are set; entries for new chains are
// added whole and must carry genesis_time and avg_block_time.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "could not read chain config file")
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return errors.Wrap(err, "could not parse chain config file")
	}
	for _, override := range fc.Chains {
		if override.ID == 0 {
			return errors.New("chain config entry is missing an id")
		}
		existing, ok := r.chains[override.ID]
		if !ok {
			if override.GenesisTime == 0 || override.AvgBlockTime == 0 {
				return fmt.Errorf("chain %d needs genesis_time and avg_block_time", override.ID)
			}
			if override.MorphoAddress == "" {
				override.MorphoAddress = MorphoBlueAddress
			}
			r.put(override)
			continue
		}
		merged := *existing
		if override.Name != "" {
			merged.Name = override.Name
		}
		if override.GenesisTime != 0 {
			merged.GenesisTime = override.GenesisTime
		}
		if override.AvgBlockTime != 0 {
			merged.AvgBlockTime = override.AvgBlockTime
		}
		if len(override.Endpoints) > 0 {
			merged.Endpoints = override.Endpoints
		}
		if override.MorphoAddress != "" {
			merged.MorphoAddress = override.MorphoAddress
		}
		r.put(&merged)
	}
	return nil
}

// SetEndpoints replaces the RPC endpoints of a chain, adding the chain
// from built-in defaults if necessary. Used by CLI flags of the form
// --rpc <chainID>=<url>.
func (r *Registry) SetEndpoints(chainID uint64, endpoints []string) error {
	cfg, err := r.Get(chainID)
	if err != nil {
		return err
	}
	updated := *cfg
	updated.Endpoints = endpoints
	r.put(&updated)
	return nil
}
