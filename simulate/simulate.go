// Package simulate replays signal evaluation at arbitrary instants. It
// drives the same evaluator the worker uses with the clock pinned, which
// lets users test a definition against history before arming it: a single
// point, a sweep over a range, or a binary search for the first moment a
// signal would have triggered.
package simulate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sentinelwatch/sentinel/eval"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "simulate")

const (
	// defaultMaxSweepSteps bounds the RPC load of one sweep request.
	defaultMaxSweepSteps = 2000
	defaultPrecision     = time.Minute
)

// BlockResolver warms the block cache for the instants a simulation will
// read, so repeated point evaluations share resolutions.
type BlockResolver interface {
	Resolve(ctx context.Context, chainID uint64, tsMillis int64) (uint64, error)
}

// Result is one simulated evaluation. For single-condition signals the
// compared values are surfaced for diagnostic display.
type Result struct {
	EvaluatedAt time.Time    `json:"evaluated_at"`
	Triggered   bool         `json:"triggered"`
	Conclusive  bool         `json:"conclusive"`
	Error       string       `json:"error,omitempty"`
	LeftValue   *float64     `json:"left_value,omitempty"`
	RightValue  *float64     `json:"right_value,omitempty"`
	Outcome     *eval.Result `json:"-"`
}

// pinnedFetcher redirects current-state reads to the simulated instant.
// Live evaluation serves "current" from the index; when replaying history
// the state as of the pinned clock is the correct reading.
type pinnedFetcher struct {
	inner eval.Fetcher
	at    time.Time
}

func (p *pinnedFetcher) State(ctx context.Context, ref *signal.Expr, at *time.Time) (float64, error) {
	if at == nil {
		pinned := p.at
		return p.inner.State(ctx, ref, &pinned)
	}
	return p.inner.State(ctx, ref, at)
}

func (p *pinnedFetcher) Events(ctx context.Context, ref *signal.Expr, start, end time.Time) (float64, error) {
	return p.inner.Events(ctx, ref, start, end)
}

// Simulator re-evaluates stored definitions at pinned instants.
type Simulator struct {
	fetcher       eval.Fetcher
	resolver      BlockResolver
	maxSweepSteps int
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithResolver enables block-cache warming before point evaluations.
func WithResolver(r BlockResolver) Option {
	return func(s *Simulator) { s.resolver = r }
}

// WithMaxSweepSteps overrides the sweep step cap.
func WithMaxSweepSteps(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.maxSweepSteps = n
		}
	}
}

// New builds a simulator reading through the given fetcher.
func New(fetcher eval.Fetcher, opts ...Option) *Simulator {
	s := &Simulator{fetcher: fetcher, maxSweepSteps: defaultMaxSweepSteps}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// At evaluates the definition as if the wall clock read at.
func (s *Simulator) At(ctx context.Context, signalID string, stored *signal.StoredDefinition, at time.Time) (*Result, error) {
	if stored == nil || stored.AST == nil {
		return nil, errors.New("simulation needs a compiled definition")
	}
	s.warm(ctx, stored, at)
	evaluator := eval.New(&pinnedFetcher{inner: s.fetcher, at: at})
	res := evaluator.Evaluate(ctx, signalID, stored, at)
	out := &Result{
		EvaluatedAt: at,
		Triggered:   res.Triggered,
		Conclusive:  res.Conclusive,
		Error:       res.Err,
		Outcome:     res,
	}
	// Surface the compared values when there is exactly one simple
	// condition, the common case in the definition editor.
	if len(stored.AST.Conditions) == 1 && stored.AST.Conditions[0].Kind == signal.CompiledSimple && len(res.Conditions) == 1 {
		out.LeftValue = res.Conditions[0].Actual
		out.RightValue = res.Conditions[0].Threshold
	}
	return out, nil
}

// warm resolves the blocks a point evaluation will need so the search
// cost is paid once even when the evaluator fans out.
func (s *Simulator) warm(ctx context.Context, stored *signal.StoredDefinition, at time.Time) {
	if s.resolver == nil {
		return
	}
	windowStart := at
	if d, err := signal.WindowDuration(stored.AST.Window); err == nil {
		windowStart = at.Add(-d)
	}
	for _, chainID := range stored.AST.Scope.Chains {
		for _, ts := range []time.Time{at, windowStart} {
			if _, err := s.resolver.Resolve(ctx, chainID, ts.UnixMilli()); err != nil {
				log.WithError(err).WithField("chain", chainID).Debug("Could not warm block cache")
			}
		}
	}
}

// Sweep evaluates the definition at fixed steps across [start, end]. The
// number of steps is capped; a sweep that would exceed the cap fails
// rather than silently coarsening.
func (s *Simulator) Sweep(ctx context.Context, signalID string, stored *signal.StoredDefinition, start, end time.Time, step time.Duration) ([]*Result, error) {
	if step <= 0 {
		return nil, errors.New("sweep step must be positive")
	}
	if end.Before(start) {
		return nil, errors.New("sweep end precedes start")
	}
	steps := int(end.Sub(start)/step) + 1
	if steps > s.maxSweepSteps {
		return nil, errors.Errorf("sweep would take %d steps, the limit is %d", steps, s.maxSweepSteps)
	}
	out := make([]*Result, 0, steps)
	for at := start; !at.After(end); at = at.Add(step) {
		res, err := s.At(ctx, signalID, stored, at)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// FirstTrigger binary searches [start, end] for the earliest instant the
// definition triggers, to the given precision. It returns nil when the
// definition does not trigger at end. The search assumes a single
// transition inside the range, which holds for threshold crossings.
func (s *Simulator) FirstTrigger(ctx context.Context, signalID string, stored *signal.StoredDefinition, start, end time.Time, precision time.Duration) (*Result, error) {
	if precision <= 0 {
		precision = defaultPrecision
	}
	if end.Before(start) {
		return nil, errors.New("search end precedes start")
	}

	endRes, err := s.At(ctx, signalID, stored, end)
	if err != nil {
		return nil, err
	}
	if !endRes.Conclusive {
		return nil, errors.Errorf("evaluation at range end was inconclusive: %s", endRes.Error)
	}
	if !endRes.Triggered {
		return nil, nil
	}

	startRes, err := s.At(ctx, signalID, stored, start)
	if err != nil {
		return nil, err
	}
	if !startRes.Conclusive {
		return nil, errors.Errorf("evaluation at range start was inconclusive: %s", startRes.Error)
	}
	if startRes.Triggered {
		return startRes, nil
	}

	// Invariant: lo does not trigger, hi does.
	lo, hi := start, end
	hiRes := endRes
	for hi.Sub(lo) > precision {
		mid := lo.Add(hi.Sub(lo) / 2)
		midRes, err := s.At(ctx, signalID, stored, mid)
		if err != nil {
			return nil, err
		}
		if !midRes.Conclusive {
			return nil, errors.Errorf("evaluation at %s was inconclusive: %s", mid.Format(time.RFC3339), midRes.Error)
		}
		if midRes.Triggered {
			hi, hiRes = mid, midRes
		} else {
			lo = mid
		}
	}
	return hiRes, nil
}
