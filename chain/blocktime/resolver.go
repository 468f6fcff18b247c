// Package blocktime resolves timestamps to block numbers: the latest
// block whose timestamp is at or before the requested instant. Historical
// state reads depend on this mapping being right, so resolution binary
// searches real headers and only estimates from average block time when a
// chain cannot be queried.
package blocktime

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sentinelwatch/sentinel/chain/params"
	"github.com/sentinelwatch/sentinel/chain/rpc"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "blocktime")

var (
	cacheHitCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocktime_cache_hit",
		Help: "The number of block resolutions served from cache.",
	})
	cacheMissCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocktime_cache_miss",
		Help: "The number of block resolutions that had to search headers.",
	})
	estimatedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocktime_estimated_total",
		Help: "The number of block resolutions that fell back to estimation.",
	})
)

const (
	cacheSize = 1000
	// maxSearchIterations bounds the header probes of one resolution.
	// 2^50 blocks is far beyond any chain, so the search is exact in
	// practice and the cap only guards against pathological headers.
	maxSearchIterations = 50
)

// HeaderReader is the slice of the chain client the resolver needs.
type HeaderReader interface {
	LatestHeader(ctx context.Context) (*rpc.Header, error)
	HeaderByNumber(ctx context.Context, number uint64) (*rpc.Header, error)
}

type cacheKey struct {
	chainID uint64
	ts      int64 // seconds
}

// Resolver maps (chain, timestamp) pairs to block numbers with a small
// LRU in front of the header search.
type Resolver struct {
	params  *params.Registry
	readers map[uint64]HeaderReader
	cache   *lru.Cache[cacheKey, uint64]
}

// NewResolver builds a resolver over the given chain readers. Chains
// present in the registry but absent from readers resolve through the
// estimator only.
func NewResolver(reg *params.Registry, readers map[uint64]HeaderReader) (*Resolver, error) {
	cache, err := lru.New[cacheKey, uint64](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{params: reg, readers: readers, cache: cache}, nil
}

// Resolve returns the number of the latest block at or before the given
// unix millisecond timestamp. Results are cached at second resolution.
func (r *Resolver) Resolve(ctx context.Context, chainID uint64, tsMillis int64) (uint64, error) {
	cfg, err := r.params.Get(chainID)
	if err != nil {
		return 0, err
	}
	tsSec := tsMillis / 1000
	if tsSec <= cfg.GenesisTime {
		return 0, nil
	}

	key := cacheKey{chainID: chainID, ts: tsSec}
	if n, ok := r.cache.Get(key); ok {
		cacheHitCount.Inc()
		return n, nil
	}
	cacheMissCount.Inc()

	n := r.resolveUncached(ctx, chainID, cfg, tsSec)
	r.cache.Add(key, n)
	return n, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, chainID uint64, cfg *params.ChainConfig, tsSec int64) uint64 {
	reader, ok := r.readers[chainID]
	if !ok {
		estimatedCount.Inc()
		return r.estimate(cfg, tsSec)
	}
	latest, err := reader.LatestHeader(ctx)
	if err != nil {
		log.WithError(err).WithField("chain", chainID).Warn("Could not fetch chain head, estimating block")
		estimatedCount.Inc()
		return r.estimate(cfg, tsSec)
	}
	if uint64(tsSec) >= latest.Time {
		return latest.Number
	}
	n, err := r.search(ctx, reader, cfg, uint64(tsSec), latest.Number)
	if err != nil {
		log.WithError(err).WithField("chain", chainID).Warn("Header search failed, estimating block")
		estimatedCount.Inc()
		return r.estimate(cfg, tsSec)
	}
	return n
}

// search binary searches headers for the newest block with Time <= tsSec.
// The first probe is seeded with the estimator, which typically lands
// within a few blocks of the answer and saves most of the iterations.
func (r *Resolver) search(ctx context.Context, reader HeaderReader, cfg *params.ChainConfig, tsSec, latestNumber uint64) (uint64, error) {
	lo, hi := uint64(0), latestNumber
	best := uint64(0)

	probe := r.estimate(cfg, int64(tsSec))
	if probe > hi {
		probe = hi
	}

	for i := 0; i < maxSearchIterations && lo <= hi; i++ {
		if i > 0 {
			probe = lo + (hi-lo)/2
		} else if probe < lo || probe > hi {
			probe = lo + (hi-lo)/2
		}
		h, err := reader.HeaderByNumber(ctx, probe)
		if err != nil {
			return 0, err
		}
		if h.Time <= tsSec {
			best = probe
			lo = probe + 1
		} else {
			if probe == 0 {
				break
			}
			hi = probe - 1
		}
	}
	return best, nil
}

// estimate derives a block number from genesis time and the chain's
// average block time. It is monotone in the timestamp by construction.
func (r *Resolver) estimate(cfg *params.ChainConfig, tsSec int64) uint64 {
	if tsSec <= cfg.GenesisTime || cfg.AvgBlockTime <= 0 {
		return 0
	}
	return uint64(float64(tsSec-cfg.GenesisTime) / cfg.AvgBlockTime)
}
