// Package fetch serves expression leaves with real data: current entity
// state and event aggregations come from the index, historical state is
// read from the chain at the block covering the requested instant.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelwatch/sentinel/chain/rpc"
	"github.com/sentinelwatch/sentinel/index"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "fetch")

// Index table names for current entity state. Event tables derive from
// the event type with the protocol prefix.
const (
	positionTable    = "Morpho_Position"
	marketTable      = "Morpho_Market"
	eventTablePrefix = "Morpho_"
)

// ConfigError marks a read the fetcher cannot serve regardless of
// availability: a malformed reference, a chain with no client, an unknown
// field. These indicate a catalog or wiring bug, not an outage.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "fetch config: " + e.Msg
}

// IndexReader is the slice of the index client the fetcher uses.
type IndexReader interface {
	Batch(ctx context.Context, queries []index.Query) (map[string][]index.Row, error)
}

// ChainReader reads contract state from one chain.
type ChainReader interface {
	MarketAt(ctx context.Context, marketID string, block *uint64) (*rpc.MarketState, error)
	PositionAt(ctx context.Context, marketID, user string, block *uint64) (*rpc.PositionState, error)
}

// BlockResolver maps timestamps to block numbers.
type BlockResolver interface {
	Resolve(ctx context.Context, chainID uint64, tsMillis int64) (uint64, error)
}

// Live is the production fetcher.
type Live struct {
	index    IndexReader
	chains   map[uint64]ChainReader
	resolver BlockResolver
}

// NewLive wires a fetcher over the index, per-chain RPC clients and the
// block resolver.
func NewLive(idx IndexReader, chains map[uint64]ChainReader, resolver BlockResolver) *Live {
	return &Live{index: idx, chains: chains, resolver: resolver}
}

// refTarget is the placement extracted from a state reference's filters.
type refTarget struct {
	chainID  uint64
	marketID string
	user     string
}

func stateTarget(ref *signal.Expr) (*refTarget, error) {
	t := &refTarget{}
	for _, f := range ref.Filters {
		switch f.Field {
		case "chainId":
			id, err := uintValue(f.Value)
			if err != nil {
				return nil, &ConfigError{Msg: "chainId filter: " + err.Error()}
			}
			t.chainID = id
		case "marketId":
			s, _ := f.Value.(string)
			t.marketID = s
		case "user":
			s, _ := f.Value.(string)
			t.user = s
		}
	}
	if t.chainID == 0 {
		return nil, &ConfigError{Msg: "state reference has no chainId filter"}
	}
	if t.marketID == "" {
		return nil, &ConfigError{Msg: "state reference has no marketId filter"}
	}
	if ref.Entity == signal.EntityPosition && t.user == "" {
		return nil, &ConfigError{Msg: "position reference has no user filter"}
	}
	return t, nil
}

func uintValue(v interface{}) (uint64, error) {
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return 0, fmt.Errorf("negative value %v", val)
		}
		return uint64(val), nil
	case int:
		return uint64(val), nil
	case int64:
		return uint64(val), nil
	case uint64:
		return val, nil
	default:
		return 0, fmt.Errorf("value %v has type %T", v, v)
	}
}

// State reads one entity field. A nil at means current state, served by
// the index; otherwise the value is read from the chain at the block
// covering at.
func (l *Live) State(ctx context.Context, ref *signal.Expr, at *time.Time) (float64, error) {
	vals, err := l.States(ctx, []*signal.Expr{ref}, at)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// States reads several entity fields in one shot. Current reads collapse
// into a single aliased index request; historical reads resolve the block
// once per timestamp and query the chain per reference.
func (l *Live) States(ctx context.Context, refs []*signal.Expr, at *time.Time) ([]float64, error) {
	if at == nil {
		return l.currentStates(ctx, refs)
	}
	out := make([]float64, len(refs))
	for i, ref := range refs {
		v, err := l.stateAt(ctx, ref, *at)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (l *Live) currentStates(ctx context.Context, refs []*signal.Expr) ([]float64, error) {
	queries := make([]index.Query, len(refs))
	for i, ref := range refs {
		if _, err := stateTarget(ref); err != nil {
			return nil, err
		}
		table, err := entityTable(ref.Entity)
		if err != nil {
			return nil, err
		}
		queries[i] = index.Query{
			Alias:   fmt.Sprintf("q%d", i),
			Table:   table,
			Filters: ref.Filters,
			Fields:  []string{ref.Field},
			Limit:   1,
		}
	}
	rows, err := l.index.Batch(ctx, queries)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(refs))
	for i, ref := range refs {
		alias := fmt.Sprintf("q%d", i)
		rs := rows[alias]
		if len(rs) == 0 {
			// An entity the index has never seen carries its zero
			// values on chain as well.
			out[i] = 0
			continue
		}
		v, err := index.FloatField(rs[0], ref.Field)
		if err != nil {
			return nil, &ConfigError{Msg: err.Error()}
		}
		out[i] = v
	}
	return out, nil
}

func entityTable(entity signal.Entity) (string, error) {
	switch entity {
	case signal.EntityPosition:
		return positionTable, nil
	case signal.EntityMarket:
		return marketTable, nil
	default:
		return "", &ConfigError{Msg: fmt.Sprintf("unknown entity %q", entity)}
	}
}

func (l *Live) stateAt(ctx context.Context, ref *signal.Expr, at time.Time) (float64, error) {
	t, err := stateTarget(ref)
	if err != nil {
		return 0, err
	}
	reader, ok := l.chains[t.chainID]
	if !ok {
		return 0, &ConfigError{Msg: fmt.Sprintf("no rpc client for chain %d", t.chainID)}
	}
	block, err := l.resolver.Resolve(ctx, t.chainID, at.UnixMilli())
	if err != nil {
		return 0, err
	}
	switch ref.Entity {
	case signal.EntityPosition:
		state, err := reader.PositionAt(ctx, t.marketID, t.user, &block)
		if err != nil {
			return 0, err
		}
		v, err := state.Field(ref.Field)
		if err != nil {
			return 0, &ConfigError{Msg: err.Error()}
		}
		return v, nil
	case signal.EntityMarket:
		state, err := reader.MarketAt(ctx, t.marketID, &block)
		if err != nil {
			return 0, err
		}
		v, err := state.Field(ref.Field)
		if err != nil {
			return 0, &ConfigError{Msg: err.Error()}
		}
		return v, nil
	default:
		return 0, &ConfigError{Msg: fmt.Sprintf("unknown entity %q", ref.Entity)}
	}
}

// Events aggregates event rows between start and end. The reference's
// filters already carry the scope constraints; the window bounds are
// added here, in seconds, matching the index schema.
func (l *Live) Events(ctx context.Context, ref *signal.Expr, start, end time.Time) (float64, error) {
	if ref.EventType == "" {
		return 0, &ConfigError{Msg: "event reference has no event type"}
	}
	if ref.EventField == "" {
		return 0, &ConfigError{Msg: "event reference has no field"}
	}
	filters := make([]signal.Filter, 0, len(ref.Filters)+2)
	filters = append(filters, ref.Filters...)
	filters = append(filters,
		signal.Filter{Field: "timestamp", Op: "gte", Value: start.Unix()},
		signal.Filter{Field: "timestamp", Op: "lte", Value: end.Unix()},
	)
	q := index.Query{
		Alias:   "q0",
		Table:   eventTablePrefix + ref.EventType,
		Filters: filters,
		Fields:  []string{ref.EventField},
	}
	rows, err := l.index.Batch(ctx, []index.Query{q})
	if err != nil {
		return 0, err
	}
	return foldRows(rows["q0"], ref.EventField, ref.Aggregation)
}

// foldRows aggregates one column over returned rows. Count counts rows;
// the other aggregations fold the column values with an empty set
// yielding zero.
func foldRows(rows []index.Row, field, agg string) (float64, error) {
	if agg == signal.AggCount {
		return float64(len(rows)), nil
	}
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		v, err := index.FloatField(row, field)
		if err != nil {
			return 0, &ConfigError{Msg: err.Error()}
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return 0, nil
	}
	switch agg {
	case signal.AggSum, "":
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case signal.AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case signal.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case signal.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	default:
		return 0, &ConfigError{Msg: fmt.Sprintf("unknown event aggregation %q", agg)}
	}
}
