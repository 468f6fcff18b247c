package signal

import "encoding/json"

// StoredVersion is the compiled definition format version written to the
// database. Readers reject other versions.
const StoredVersion = 1

// Snapshot names for state references.
const (
	SnapshotCurrent     = "current"
	SnapshotWindowStart = "window_start"
)

// ExprKind discriminates expression tree nodes.
type ExprKind string

const (
	ExprConstant ExprKind = "constant"
	ExprState    ExprKind = "state"
	ExprEvent    ExprKind = "event"
	ExprBinary   ExprKind = "binary"
)

// Expr is a node of the compiled expression tree. Kind selects the
// variant. The tree serializes to JSON and back without loss.
type Expr struct {
	Kind ExprKind `json:"kind"`

	// Constant.
	Value float64 `json:"value,omitempty"`

	// State reference: one field of one entity at a snapshot in time.
	// Snapshot is "current", "window_start" or a duration string
	// meaning "that long before now".
	Entity   Entity   `json:"entity,omitempty"`
	Field    string   `json:"field,omitempty"`
	Snapshot string   `json:"snapshot,omitempty"`
	Filters  []Filter `json:"filters,omitempty"`

	// Event reference: an aggregation of one event field over the
	// evaluation window. Window, when set, overrides the context window.
	EventType   string `json:"event_type,omitempty"`
	EventField  string `json:"event_field,omitempty"`
	Aggregation string `json:"aggregation,omitempty"`
	Window      string `json:"window,omitempty"`

	// Binary arithmetic over two subtrees.
	Op    ArithOp `json:"op,omitempty"`
	Left  *Expr   `json:"left,omitempty"`
	Right *Expr   `json:"right,omitempty"`
}

// Constant returns a constant expression node.
func Constant(v float64) *Expr {
	return &Expr{Kind: ExprConstant, Value: v}
}

// Binary returns an arithmetic node over two subtrees.
func Binary(op ArithOp, left, right *Expr) *Expr {
	return &Expr{Kind: ExprBinary, Op: op, Left: left, Right: right}
}

// Clone deep-copies an expression tree.
func (e *Expr) Clone() *Expr {
	if e == nil {
		return nil
	}
	out := *e
	if e.Filters != nil {
		out.Filters = make([]Filter, len(e.Filters))
		copy(out.Filters, e.Filters)
	}
	out.Left = e.Left.Clone()
	out.Right = e.Right.Clone()
	return &out
}

// WithSnapshot returns a copy of the tree with every state leaf pinned to
// the given snapshot.
func (e *Expr) WithSnapshot(snapshot string) *Expr {
	out := e.Clone()
	out.eachLeaf(func(leaf *Expr) {
		if leaf.Kind == ExprState {
			leaf.Snapshot = snapshot
		}
	})
	return out
}

// WithUserFilter returns a copy of the tree with a user equality filter
// applied to every state and event leaf. An existing user filter is
// replaced rather than duplicated.
func (e *Expr) WithUserFilter(address string) *Expr {
	out := e.Clone()
	out.eachLeaf(func(leaf *Expr) {
		if leaf.Kind != ExprState && leaf.Kind != ExprEvent {
			return
		}
		for i := range leaf.Filters {
			if leaf.Filters[i].Field == "user" {
				leaf.Filters[i].Value = address
				return
			}
		}
		leaf.Filters = append(leaf.Filters, Filter{Field: "user", Op: "eq", Value: address})
	})
	return out
}

func (e *Expr) eachLeaf(f func(*Expr)) {
	if e == nil {
		return
	}
	if e.Kind == ExprBinary {
		e.Left.eachLeaf(f)
		e.Right.eachLeaf(f)
		return
	}
	f(e)
}

// HasStateLeaf reports whether any leaf of the tree reads entity state.
func (e *Expr) HasStateLeaf() bool {
	found := false
	e.eachLeaf(func(leaf *Expr) {
		if leaf.Kind == ExprState {
			found = true
		}
	})
	return found
}

// CompiledKind discriminates compiled condition variants.
type CompiledKind string

const (
	CompiledSimple    CompiledKind = "simple"
	CompiledGroup     CompiledKind = "group"
	CompiledAggregate CompiledKind = "aggregate"
)

// CompiledCondition is one executable clause of a compiled definition.
type CompiledCondition struct {
	Kind CompiledKind `json:"kind"`

	// Simple: compare two expression trees. Window, when set, overrides
	// the definition window for both sides.
	Left     *Expr  `json:"left,omitempty"`
	Operator string `json:"operator,omitempty"`
	Right    *Expr  `json:"right,omitempty"`
	Window   string `json:"window,omitempty"`

	// Describe keeps the user's reading of the clause for notifications.
	Describe string `json:"describe,omitempty"`

	// Group: evaluate Inner per address and count satisfied members.
	Addresses   []string            `json:"addresses,omitempty"`
	Requirement *Requirement        `json:"requirement,omitempty"`
	Logic       Logic               `json:"logic,omitempty"`
	Inner       []CompiledCondition `json:"inner,omitempty"`

	// Aggregate: aggregate a metric across enumerated targets and
	// compare against Value.
	Aggregation string   `json:"aggregation,omitempty"`
	Metric      string   `json:"metric,omitempty"`
	Value       float64  `json:"value,omitempty"`
	ChainID     uint64   `json:"chain_id,omitempty"`
	Markets     []string `json:"markets,omitempty"`
	AddrSet     []string `json:"addr_set,omitempty"`
	Filters     []Filter `json:"filters,omitempty"`
}

// CompiledDefinition is the executable form of a definition.
type CompiledDefinition struct {
	Scope      Scope               `json:"scope"`
	Window     string              `json:"window"`
	Logic      Logic               `json:"logic"`
	Conditions []CompiledCondition `json:"conditions"`
}

// StoredDefinition is the persisted envelope: the original definition for
// editing and display next to its compiled form for evaluation.
type StoredDefinition struct {
	Version int                 `json:"version"`
	DSL     *Definition         `json:"dsl"`
	AST     *CompiledDefinition `json:"ast"`
}

// NormalizeStored decodes a persisted definition document. It accepts the
// versioned envelope and, for rows written before compilation was
// introduced, a bare definition which is compiled on the fly.
func NormalizeStored(raw []byte) (*StoredDefinition, error) {
	var stored StoredDefinition
	if err := json.Unmarshal(raw, &stored); err == nil && stored.Version != 0 {
		if stored.Version != StoredVersion {
			return nil, errf("version", "unsupported stored definition version %d", stored.Version)
		}
		if stored.AST == nil || stored.DSL == nil {
			return nil, errf("definition", "stored definition missing dsl or ast")
		}
		return &stored, nil
	}
	def, err := ParseDefinition(raw)
	if err != nil {
		return nil, err
	}
	return Compile(def)
}
