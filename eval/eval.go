// Package eval executes compiled signal definitions against metric values
// supplied by a Fetcher. It is pure with respect to time: callers pin the
// evaluation instant, which lets the simulator replay history through the
// same code path the worker uses live.
package eval

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "eval")

// Fetcher supplies metric values to the evaluator. State reads a single
// entity field, either current (at == nil) or as of the block covering at.
// Events aggregates indexed event rows between start and end.
type Fetcher interface {
	State(ctx context.Context, ref *signal.Expr, at *time.Time) (float64, error)
	Events(ctx context.Context, ref *signal.Expr, start, end time.Time) (float64, error)
}

// Context is the time frame of one evaluation pass.
type Context struct {
	Now         time.Time
	WindowStart time.Time
}

// NewContext derives the window start from the evaluation instant and the
// definition's window duration.
func NewContext(now time.Time, window string) (*Context, error) {
	d, err := signal.WindowDuration(window)
	if err != nil {
		return nil, err
	}
	return &Context{Now: now, WindowStart: now.Add(-d)}, nil
}

// withWindow returns a context sharing Now but with the window start moved
// to cover the given duration. Used for per-condition window overrides.
func (c *Context) withWindow(window string) (*Context, error) {
	d, err := signal.WindowDuration(window)
	if err != nil {
		return nil, err
	}
	return &Context{Now: c.Now, WindowStart: c.Now.Add(-d)}, nil
}

// ConditionOutcome reports how one condition fared, for notification
// payloads and simulation diagnostics.
type ConditionOutcome struct {
	Kind      signal.CompiledKind    `json:"kind"`
	Describe  string                 `json:"describe,omitempty"`
	Triggered bool                   `json:"triggered"`
	Actual    *float64               `json:"actual,omitempty"`
	Threshold *float64               `json:"threshold,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of evaluating one signal definition at one instant.
// A result with Conclusive == false must be treated as "did not trigger":
// some input could not be fetched and Err says why.
type Result struct {
	SignalID   string             `json:"signal_id"`
	Triggered  bool               `json:"triggered"`
	Conclusive bool               `json:"conclusive"`
	Timestamp  time.Time          `json:"timestamp"`
	Err        string             `json:"error,omitempty"`
	Conditions []ConditionOutcome `json:"conditions,omitempty"`
}

// Evaluator runs compiled definitions. It holds no per-signal state and is
// safe for concurrent use.
type Evaluator struct {
	fetcher Fetcher
}

// New returns an evaluator reading through the given fetcher.
func New(fetcher Fetcher) *Evaluator {
	return &Evaluator{fetcher: fetcher}
}

// Evaluate runs a stored definition as of now. Fetch failures never
// surface as errors; they mark the result inconclusive so that callers
// cannot mistake missing data for a quiet market.
func (e *Evaluator) Evaluate(ctx context.Context, signalID string, stored *signal.StoredDefinition, now time.Time) *Result {
	res := &Result{SignalID: signalID, Timestamp: now, Conclusive: true}
	if stored == nil || stored.AST == nil {
		res.Conclusive = false
		res.Err = "stored definition has no compiled form"
		return res
	}
	ec, err := NewContext(now, stored.AST.Window)
	if err != nil {
		res.Conclusive = false
		res.Err = err.Error()
		return res
	}
	triggered, outcomes, err := e.evalConditions(ctx, ec, stored.AST.Logic, stored.AST.Conditions)
	res.Conditions = outcomes
	if err != nil {
		res.Conclusive = false
		res.Err = err.Error()
		return res
	}
	res.Triggered = triggered
	return res
}

// evalConditions combines condition results under AND/OR logic with
// short-circuiting. The first fetch error aborts the pass.
func (e *Evaluator) evalConditions(ctx context.Context, ec *Context, logic signal.Logic, conds []signal.CompiledCondition) (bool, []ConditionOutcome, error) {
	outcomes := make([]ConditionOutcome, 0, len(conds))
	for i := range conds {
		ok, out, err := e.evalCondition(ctx, ec, &conds[i])
		if err != nil {
			return false, outcomes, err
		}
		outcomes = append(outcomes, out)
		if logic == signal.LogicOr && ok {
			return true, outcomes, nil
		}
		if logic != signal.LogicOr && !ok {
			return false, outcomes, nil
		}
	}
	return logic != signal.LogicOr, outcomes, nil
}

func (e *Evaluator) evalCondition(ctx context.Context, ec *Context, cc *signal.CompiledCondition) (bool, ConditionOutcome, error) {
	switch cc.Kind {
	case signal.CompiledSimple:
		return e.evalSimple(ctx, ec, cc)
	case signal.CompiledGroup:
		return e.evalGroup(ctx, ec, cc)
	case signal.CompiledAggregate:
		return e.evalAggregate(ctx, ec, cc)
	default:
		return false, ConditionOutcome{}, fmt.Errorf("unknown compiled condition kind %q", cc.Kind)
	}
}

func (e *Evaluator) evalSimple(ctx context.Context, ec *Context, cc *signal.CompiledCondition) (bool, ConditionOutcome, error) {
	sc := ec
	if cc.Window != "" {
		var err error
		if sc, err = ec.withWindow(cc.Window); err != nil {
			return false, ConditionOutcome{}, err
		}
	}
	left, err := e.EvalExpr(ctx, sc, cc.Left)
	if err != nil {
		return false, ConditionOutcome{}, err
	}
	right, err := e.EvalExpr(ctx, sc, cc.Right)
	if err != nil {
		return false, ConditionOutcome{}, err
	}
	ok := Compare(left, cc.Operator, right)
	return ok, ConditionOutcome{
		Kind:      signal.CompiledSimple,
		Describe:  cc.Describe,
		Triggered: ok,
		Actual:    &left,
		Threshold: &right,
	}, nil
}

// evalGroup counts how many member addresses satisfy the inner conditions.
// It stops early once the requirement is met or can no longer be met.
func (e *Evaluator) evalGroup(ctx context.Context, ec *Context, cc *signal.CompiledCondition) (bool, ConditionOutcome, error) {
	sc := ec
	if cc.Window != "" {
		var err error
		if sc, err = ec.withWindow(cc.Window); err != nil {
			return false, ConditionOutcome{}, err
		}
	}
	need := cc.Requirement.Count
	total := len(cc.Addresses)
	satisfied := 0
	evaluated := 0
	members := make([]map[string]interface{}, 0, total)

	for _, addr := range cc.Addresses {
		ok, err := e.evalGroupMember(ctx, sc, cc, addr)
		if err != nil {
			return false, ConditionOutcome{}, err
		}
		evaluated++
		if ok {
			satisfied++
		}
		members = append(members, map[string]interface{}{"address": addr, "satisfied": ok})
		if satisfied >= need {
			break
		}
		if satisfied+(total-evaluated) < need {
			break
		}
	}

	triggered := satisfied >= need
	actual := float64(satisfied)
	threshold := float64(need)
	return triggered, ConditionOutcome{
		Kind:      signal.CompiledGroup,
		Describe:  cc.Describe,
		Triggered: triggered,
		Actual:    &actual,
		Threshold: &threshold,
		Details: map[string]interface{}{
			"satisfied": satisfied,
			"required":  need,
			"of":        total,
			"members":   members,
		},
	}, nil
}

func (e *Evaluator) evalGroupMember(ctx context.Context, ec *Context, cc *signal.CompiledCondition, address string) (bool, error) {
	for i := range cc.Inner {
		inner := &cc.Inner[i]
		sc := ec
		if inner.Window != "" {
			var err error
			if sc, err = ec.withWindow(inner.Window); err != nil {
				return false, err
			}
		}
		left, err := e.EvalExpr(ctx, sc, inner.Left.WithUserFilter(address))
		if err != nil {
			return false, err
		}
		right, err := e.EvalExpr(ctx, sc, inner.Right.WithUserFilter(address))
		if err != nil {
			return false, err
		}
		ok := Compare(left, inner.Operator, right)
		if cc.Logic == signal.LogicOr {
			if ok {
				return true, nil
			}
		} else if !ok {
			return false, nil
		}
	}
	return cc.Logic != signal.LogicOr, nil
}

// aggTarget is one (market, address) pair an aggregate condition reads.
type aggTarget struct {
	market  string
	address string
}

func aggregateTargets(m signal.Metric, cc *signal.CompiledCondition) []aggTarget {
	entity, hasEntity := signal.MetricEntity(m)
	switch {
	case hasEntity && entity == signal.EntityMarket:
		targets := make([]aggTarget, 0, len(cc.Markets))
		for _, market := range cc.Markets {
			targets = append(targets, aggTarget{market: market})
		}
		return targets
	case hasEntity && entity == signal.EntityPosition:
		targets := make([]aggTarget, 0, len(cc.Markets)*len(cc.AddrSet))
		for _, market := range cc.Markets {
			for _, addr := range cc.AddrSet {
				targets = append(targets, aggTarget{market: market, address: addr})
			}
		}
		return targets
	default:
		// Event metrics fall back to a single unconstrained dimension
		// when the scope does not pin markets or addresses.
		markets := cc.Markets
		if len(markets) == 0 {
			markets = []string{""}
		}
		addrs := cc.AddrSet
		if len(addrs) == 0 {
			addrs = []string{""}
		}
		targets := make([]aggTarget, 0, len(markets)*len(addrs))
		for _, market := range markets {
			for _, addr := range addrs {
				targets = append(targets, aggTarget{market: market, address: addr})
			}
		}
		return targets
	}
}

func (e *Evaluator) evalAggregate(ctx context.Context, ec *Context, cc *signal.CompiledCondition) (bool, ConditionOutcome, error) {
	sc := ec
	if cc.Window != "" {
		var err error
		if sc, err = ec.withWindow(cc.Window); err != nil {
			return false, ConditionOutcome{}, err
		}
	}
	m, err := signal.LookupMetric(cc.Metric)
	if err != nil {
		return false, ConditionOutcome{}, err
	}
	targets := aggregateTargets(m, cc)
	values := make([]float64, 0, len(targets))
	for _, tgt := range targets {
		expr, err := signal.BuildMetricExpr(m, cc.ChainID, tgt.market, tgt.address, cc.Filters)
		if err != nil {
			return false, ConditionOutcome{}, err
		}
		v, err := e.EvalExpr(ctx, sc, expr)
		if err != nil {
			return false, ConditionOutcome{}, err
		}
		values = append(values, v)
	}
	agg := Aggregate(cc.Aggregation, values)
	ok := Compare(agg, cc.Operator, cc.Value)
	threshold := cc.Value
	return ok, ConditionOutcome{
		Kind:      signal.CompiledAggregate,
		Describe:  cc.Describe,
		Triggered: ok,
		Actual:    &agg,
		Threshold: &threshold,
		Details: map[string]interface{}{
			"targets": len(targets),
		},
	}, nil
}

// EvalExpr reduces an expression tree to a value. State and event leaves
// go through the fetcher; arithmetic folds the subtrees with division by
// zero yielding zero rather than infinity.
func (e *Evaluator) EvalExpr(ctx context.Context, ec *Context, expr *signal.Expr) (float64, error) {
	if expr == nil {
		return 0, fmt.Errorf("nil expression")
	}
	switch expr.Kind {
	case signal.ExprConstant:
		return expr.Value, nil
	case signal.ExprState:
		switch expr.Snapshot {
		case "", signal.SnapshotCurrent:
			return e.fetcher.State(ctx, expr, nil)
		case signal.SnapshotWindowStart:
			at := ec.WindowStart
			return e.fetcher.State(ctx, expr, &at)
		default:
			d, err := signal.WindowDuration(expr.Snapshot)
			if err != nil {
				return 0, fmt.Errorf("state snapshot: %v", err)
			}
			at := ec.Now.Add(-d)
			return e.fetcher.State(ctx, expr, &at)
		}
	case signal.ExprEvent:
		start, end := ec.WindowStart, ec.Now
		if expr.Window != "" {
			d, err := signal.WindowDuration(expr.Window)
			if err != nil {
				return 0, fmt.Errorf("event window: %v", err)
			}
			start = end.Add(-d)
		}
		return e.fetcher.Events(ctx, expr, start, end)
	case signal.ExprBinary:
		left, err := e.EvalExpr(ctx, ec, expr.Left)
		if err != nil {
			return 0, err
		}
		right, err := e.EvalExpr(ctx, ec, expr.Right)
		if err != nil {
			return 0, err
		}
		switch expr.Op {
		case signal.OpAdd:
			return left + right, nil
		case signal.OpSub:
			return left - right, nil
		case signal.OpMul:
			return left * right, nil
		case signal.OpDiv:
			if right == 0 {
				return 0, nil
			}
			return left / right, nil
		default:
			return 0, fmt.Errorf("unknown arithmetic operator %q", expr.Op)
		}
	default:
		return 0, fmt.Errorf("unknown expression kind %q", expr.Kind)
	}
}

// Compare applies a named comparison operator with IEEE float semantics,
// so NaN operands are neither equal nor ordered. Unknown operators
// evaluate false.
func Compare(left float64, op string, right float64) bool {
	switch op {
	case signal.CmpGT:
		return left > right
	case signal.CmpGTE:
		return left >= right
	case signal.CmpLT:
		return left < right
	case signal.CmpLTE:
		return left <= right
	case signal.CmpEQ:
		return left == right
	case signal.CmpNEQ:
		return left != right
	default:
		log.WithField("operator", op).Warn("Unknown comparison operator")
		return false
	}
}

// Aggregate folds collected target values. An empty slice folds to zero.
func Aggregate(agg string, values []float64) float64 {
	switch agg {
	case signal.AggCount:
		return float64(len(values))
	case signal.AggSum, signal.AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		if agg == signal.AggSum {
			return sum
		}
		if len(values) == 0 {
			return 0
		}
		return sum / float64(len(values))
	case signal.AggMin:
		if len(values) == 0 {
			return 0
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case signal.AggMax:
		if len(values) == 0 {
			return 0
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default:
		log.WithField("aggregation", agg).Warn("Unknown aggregation")
		return 0
	}
}
