// Package signal defines the alert definition language used by sentinel,
// the metric registry describing what can be monitored, and the compiler
// lowering definitions into the executable condition tree.
package signal

import "encoding/json"

// ConditionType discriminates the condition variants of the definition
// language.
type ConditionType string

const (
	ConditionThreshold ConditionType = "threshold"
	ConditionChange    ConditionType = "change"
	ConditionGroup     ConditionType = "group"
	ConditionAggregate ConditionType = "aggregate"
)

// Logic combines the results of a definition's conditions.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Comparison operators accepted in definitions.
const (
	OpGT  = ">"
	OpGTE = ">="
	OpLT  = "<"
	OpLTE = "<="
	OpEQ  = "=="
	OpNEQ = "!="
)

// Change directions.
const (
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"
	DirectionAny      = "any"
)

// Aggregations accepted by aggregate conditions and event metrics.
const (
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
)

// Scope pins a definition to the chains, markets and addresses it is
// allowed to reference. Conditions may only narrow the scope, never
// escape it.
type Scope struct {
	Chains    []uint64 `json:"chains"`
	Markets   []string `json:"markets,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// Filter is a caller-supplied constraint on indexed event rows.
type Filter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// ChangeBy quantifies a change condition. Exactly one of Percent or
// Absolute must be set.
type ChangeBy struct {
	Percent  *float64 `json:"percent,omitempty"`
	Absolute *float64 `json:"absolute,omitempty"`
}

// Requirement states how many members of a group must satisfy the inner
// conditions for the group to trigger.
type Requirement struct {
	Count int `json:"count"`
	Of    int `json:"of"`
}

// Condition is one clause of a definition. The Type field selects the
// variant; fields not belonging to the variant are left at their zero
// value and omitted from JSON.
type Condition struct {
	Type ConditionType `json:"type"`

	// Threshold, change and aggregate conditions name a registry metric.
	Metric   string  `json:"metric,omitempty"`
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value,omitempty"`

	// Narrowing of the definition scope. Zero values mean "inherit".
	ChainID  uint64 `json:"chain_id,omitempty"`
	MarketID string `json:"market_id,omitempty"`
	Address  string `json:"address,omitempty"`

	// Window overrides the definition window for this condition.
	Window string `json:"window,omitempty"`

	// Filters narrow event metrics beyond the injected scope constraints.
	Filters []Filter `json:"filters,omitempty"`

	// Change condition fields.
	Direction string    `json:"direction,omitempty"`
	By        *ChangeBy `json:"by,omitempty"`

	// Group condition fields.
	Addresses   []string     `json:"addresses,omitempty"`
	Requirement *Requirement `json:"requirement,omitempty"`
	Logic       Logic        `json:"logic,omitempty"`
	Conditions  []Condition  `json:"conditions,omitempty"`

	// Aggregate condition fields.
	Aggregation string `json:"aggregation,omitempty"`
}

// Definition is the user-facing signal definition prior to compilation.
type Definition struct {
	Scope      Scope       `json:"scope"`
	Window     string      `json:"window"`
	Logic      Logic       `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions"`
}

// ParseDefinition decodes a raw definition document.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, &ValidationError{Field: "definition", Msg: "not a valid JSON definition: " + err.Error()}
	}
	return &def, nil
}
