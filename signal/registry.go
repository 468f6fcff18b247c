package signal

import (
	"sort"
)

// MetricKind describes how a metric's value is produced.
type MetricKind string

const (
	// KindState is a field read directly from an on-chain entity.
	KindState MetricKind = "state"
	// KindComputed combines two state metrics arithmetically.
	KindComputed MetricKind = "computed"
	// KindEvent aggregates a field over indexed event rows in a window.
	KindEvent MetricKind = "event"
	// KindChainedEvent combines two event metrics arithmetically.
	KindChainedEvent MetricKind = "chained_event"
)

// Entity is the on-chain object a state metric is read from.
type Entity string

const (
	EntityPosition Entity = "Position"
	EntityMarket   Entity = "Market"
)

// ArithOp is an arithmetic operator in compiled expressions.
type ArithOp string

const (
	OpAdd ArithOp = "add"
	OpSub ArithOp = "sub"
	OpMul ArithOp = "mul"
	OpDiv ArithOp = "div"
)

// Metric is one entry of the static metric catalog. Exactly the fields
// relevant to its Kind are populated.
type Metric struct {
	Name string
	Kind MetricKind

	// State metrics.
	Entity Entity
	Field  string

	// Computed metrics divide or subtract two state metrics.
	Op       ArithOp
	Operands [2]string

	// Event metrics aggregate one field of one event type.
	EventType   string
	EventField  string
	Aggregation string
}

func stateMetric(name string, entity Entity, field string) Metric {
	return Metric{Name: name, Kind: KindState, Entity: entity, Field: field}
}

func computedMetric(name string, op ArithOp, a, b string) Metric {
	return Metric{Name: name, Kind: KindComputed, Op: op, Operands: [2]string{a, b}}
}

func eventMetric(name, eventType, field, agg string) Metric {
	return Metric{Name: name, Kind: KindEvent, EventType: eventType, EventField: field, Aggregation: agg}
}

func chainedMetric(name string, op ArithOp, a, b string) Metric {
	return Metric{Name: name, Kind: KindChainedEvent, Op: op, Operands: [2]string{a, b}}
}

// catalog is the full set of monitorable metrics. Names are dotted paths
// grouped by protocol and entity.
var catalog = buildCatalog()

func buildCatalog() map[string]Metric {
	metrics := []Metric{
		stateMetric("Morpho.Position.supplyShares", EntityPosition, "supplyShares"),
		stateMetric("Morpho.Position.borrowShares", EntityPosition, "borrowShares"),
		stateMetric("Morpho.Position.collateral", EntityPosition, "collateral"),

		stateMetric("Morpho.Market.totalSupplyAssets", EntityMarket, "totalSupplyAssets"),
		stateMetric("Morpho.Market.totalSupplyShares", EntityMarket, "totalSupplyShares"),
		stateMetric("Morpho.Market.totalBorrowAssets", EntityMarket, "totalBorrowAssets"),
		stateMetric("Morpho.Market.totalBorrowShares", EntityMarket, "totalBorrowShares"),
		stateMetric("Morpho.Market.fee", EntityMarket, "fee"),

		computedMetric("Morpho.Market.utilization", OpDiv,
			"Morpho.Market.totalBorrowAssets", "Morpho.Market.totalSupplyAssets"),

		eventMetric("Morpho.Event.Supply.assets", "Supply", "assets", AggSum),
		eventMetric("Morpho.Event.Withdraw.assets", "Withdraw", "assets", AggSum),
		eventMetric("Morpho.Event.Borrow.assets", "Borrow", "assets", AggSum),
		eventMetric("Morpho.Event.Repay.assets", "Repay", "assets", AggSum),
		eventMetric("Morpho.Event.Liquidate.repaidAssets", "Liquidate", "repaidAssets", AggSum),
		eventMetric("Morpho.Event.Liquidate.count", "Liquidate", "id", AggCount),

		chainedMetric("Morpho.Flow.netSupply", OpSub,
			"Morpho.Event.Supply.assets", "Morpho.Event.Withdraw.assets"),
		chainedMetric("Morpho.Flow.netBorrow", OpSub,
			"Morpho.Event.Borrow.assets", "Morpho.Event.Repay.assets"),
	}
	m := make(map[string]Metric, len(metrics))
	for _, metric := range metrics {
		m[metric.Name] = metric
	}
	return m
}

// LookupMetric resolves a metric name against the catalog.
func LookupMetric(name string) (Metric, error) {
	m, ok := catalog[name]
	if !ok {
		return Metric{}, errf("metric", "unknown metric %q", name)
	}
	return m, nil
}

// MetricNames lists every catalog entry in lexical order.
func MetricNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetricEntity reports the entity a metric is bound to. State metrics
// answer directly, computed metrics answer through their operands, and
// event metrics have no entity.
func MetricEntity(m Metric) (Entity, bool) {
	switch m.Kind {
	case KindState:
		return m.Entity, true
	case KindComputed:
		a, err := LookupMetric(m.Operands[0])
		if err != nil {
			return "", false
		}
		return MetricEntity(a)
	default:
		return "", false
	}
}
