package node

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sentinelwatch/sentinel/chain/blocktime"
	"github.com/sentinelwatch/sentinel/chain/params"
	"github.com/sentinelwatch/sentinel/chain/rpc"
	"github.com/sentinelwatch/sentinel/cmd/flags"
	"github.com/sentinelwatch/sentinel/eval"
	"github.com/sentinelwatch/sentinel/fetch"
	"github.com/sentinelwatch/sentinel/index"
	"github.com/urfave/cli/v2"
)

// chainStack is the per-chain read path shared by the evaluation node and
// the API node: configured chains, their RPC clients, the block resolver
// and the live fetcher on top.
type chainStack struct {
	resolver *blocktime.Resolver
	fetcher  *fetch.Live
}

// buildChainStack assembles the chain registry from built-ins, the
// optional config file and --rpc flags, then dials nothing: RPC clients
// connect lazily on first use.
func buildChainStack(cliCtx *cli.Context) (*chainStack, error) {
	registry := params.NewRegistry()
	if path := cliCtx.String(flags.ChainConfigFileFlag.Name); path != "" {
		if err := registry.LoadFile(path); err != nil {
			return nil, err
		}
		log.WithField("path", path).Info("Loaded chain config file")
	}
	endpoints, err := parseRPCFlags(cliCtx.StringSlice(flags.RPCEndpointFlag.Name))
	if err != nil {
		return nil, err
	}
	for chainID, urls := range endpoints {
		if err := registry.SetEndpoints(chainID, urls); err != nil {
			return nil, err
		}
	}

	readers := make(map[uint64]blocktime.HeaderReader)
	chainReaders := make(map[uint64]fetch.ChainReader)
	for _, cfg := range registry.All() {
		if len(cfg.Endpoints) == 0 {
			log.WithField("chain", cfg.Name).Warn("No RPC endpoints configured, historical reads will be estimated")
			continue
		}
		client := rpc.NewClient(cfg)
		readers[cfg.ID] = client
		chainReaders[cfg.ID] = client
	}

	resolver, err := blocktime.NewResolver(registry, readers)
	if err != nil {
		return nil, errors.Wrap(err, "could not build block resolver")
	}
	idx := index.NewClient(cliCtx.String(flags.IndexEndpointFlag.Name), nil)
	return &chainStack{
		resolver: resolver,
		fetcher:  fetch.NewLive(idx, chainReaders, resolver),
	}, nil
}

func (cs *chainStack) evaluator() *eval.Evaluator {
	return eval.New(cs.fetcher)
}

// parseRPCFlags decodes repeated --rpc <chainID>=<url> values into an
// endpoint list per chain, preserving flag order within a chain.
func parseRPCFlags(values []string) (map[uint64][]string, error) {
	out := make(map[uint64][]string)
	for _, v := range values {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, errors.Errorf("malformed --rpc value %q, want <chainID>=<url>", v)
		}
		chainID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed chain id in --rpc value %q", v)
		}
		out[chainID] = append(out[chainID], parts[1])
	}
	return out, nil
}
