package signal

import (
	"fmt"
	"regexp"
	"strings"
)

// Comparison operator names used in compiled conditions. The definition
// language uses the symbolic forms.
const (
	CmpGT  = "gt"
	CmpGTE = "gte"
	CmpLT  = "lt"
	CmpLTE = "lte"
	CmpEQ  = "eq"
	CmpNEQ = "neq"
)

var comparisonOps = map[string]string{
	OpGT:  CmpGT,
	OpGTE: CmpGTE,
	OpLT:  CmpLT,
	OpLTE: CmpLTE,
	OpEQ:  CmpEQ,
	OpNEQ: CmpNEQ,
}

// Reserved event filter fields. The engine injects these from the
// condition's resolved scope; user filters may not name them.
var reservedFilterFields = map[string]bool{
	"chainId":   true,
	"chain_id":  true,
	"marketId":  true,
	"market_id": true,
	"user":      true,
	"onBehalf":  true,
	"timestamp": true,
}

var filterOps = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true,
	"lt": true, "lte": true, "in": true, "contains": true,
}

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	marketPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Compile validates a definition against its scope and the metric catalog
// and lowers it into the stored envelope holding both the original
// definition and the executable condition tree.
func Compile(def *Definition) (*StoredDefinition, error) {
	if def == nil {
		return nil, errf("definition", "definition is required")
	}
	scope, err := normalizeScope(def.Scope)
	if err != nil {
		return nil, err
	}
	if def.Window == "" {
		return nil, errf("window", "a default window is required")
	}
	if _, err := ParseDuration(def.Window); err != nil {
		return nil, errf("window", "%v", err)
	}
	logic, err := normalizeLogic(def.Logic, "logic")
	if err != nil {
		return nil, err
	}
	if len(def.Conditions) == 0 {
		return nil, errf("conditions", "at least one condition is required")
	}

	compiled := &CompiledDefinition{
		Scope:      scope,
		Window:     def.Window,
		Logic:      logic,
		Conditions: make([]CompiledCondition, 0, len(def.Conditions)),
	}
	c := &compiler{scope: scope}
	for i, cond := range def.Conditions {
		path := fmt.Sprintf("conditions[%d]", i)
		cc, err := c.condition(cond, path, false)
		if err != nil {
			return nil, err
		}
		compiled.Conditions = append(compiled.Conditions, *cc)
	}

	return &StoredDefinition{Version: StoredVersion, DSL: def, AST: compiled}, nil
}

type compiler struct {
	scope Scope
}

func normalizeScope(s Scope) (Scope, error) {
	if len(s.Chains) == 0 {
		return Scope{}, errf("scope.chains", "at least one chain is required")
	}
	out := Scope{Chains: s.Chains}
	for i, m := range s.Markets {
		if !marketPattern.MatchString(m) {
			return Scope{}, errf(fmt.Sprintf("scope.markets[%d]", i), "%q is not a valid market id", m)
		}
		out.Markets = append(out.Markets, strings.ToLower(m))
	}
	for i, a := range s.Addresses {
		if !addressPattern.MatchString(a) {
			return Scope{}, errf(fmt.Sprintf("scope.addresses[%d]", i), "%q is not a valid address", a)
		}
		out.Addresses = append(out.Addresses, strings.ToLower(a))
	}
	return out, nil
}

func normalizeLogic(l Logic, path string) (Logic, error) {
	switch l {
	case "":
		return LogicAnd, nil
	case LogicAnd, LogicOr:
		return l, nil
	default:
		return "", errf(path, "logic must be AND or OR, got %q", l)
	}
}

func (c *compiler) condition(cond Condition, path string, groupInner bool) (*CompiledCondition, error) {
	switch cond.Type {
	case ConditionThreshold:
		return c.threshold(cond, path, groupInner)
	case ConditionChange:
		return c.change(cond, path, groupInner)
	case ConditionGroup:
		if groupInner {
			return nil, errf(path+".type", "group conditions cannot be nested")
		}
		return c.group(cond, path)
	case ConditionAggregate:
		if groupInner {
			return nil, errf(path+".type", "aggregate conditions cannot appear inside a group")
		}
		return c.aggregate(cond, path)
	default:
		return nil, errf(path+".type", "unknown condition type %q", cond.Type)
	}
}

// target is a condition's resolved placement: which chain, market and
// address its metric reads refer to.
type target struct {
	chainID  uint64
	marketID string
	address  string
}

func (c *compiler) resolveChain(cond Condition, path string) (uint64, error) {
	if cond.ChainID == 0 {
		if len(c.scope.Chains) == 1 {
			return c.scope.Chains[0], nil
		}
		return 0, errf(path+".chain_id", "chain_id is required when the scope spans multiple chains")
	}
	for _, id := range c.scope.Chains {
		if id == cond.ChainID {
			return cond.ChainID, nil
		}
	}
	return 0, errf(path+".chain_id", "chain %d is outside the definition scope", cond.ChainID)
}

func (c *compiler) resolveTarget(cond Condition, path string, m Metric, groupInner bool) (target, error) {
	var t target
	chainID, err := c.resolveChain(cond, path)
	if err != nil {
		return t, err
	}
	t.chainID = chainID

	entity, hasEntity := MetricEntity(m)
	needsMarket := hasEntity // both Position and Market metrics are market-scoped
	needsAddress := hasEntity && entity == EntityPosition

	marketID := strings.ToLower(cond.MarketID)
	if marketID == "" {
		if needsMarket {
			if len(c.scope.Markets) == 1 {
				marketID = c.scope.Markets[0]
			} else {
				return t, errf(path+".market_id", "market_id is required for metric %s", m.Name)
			}
		}
	} else {
		if !marketPattern.MatchString(marketID) {
			return t, errf(path+".market_id", "%q is not a valid market id", cond.MarketID)
		}
		if len(c.scope.Markets) > 0 && !containsString(c.scope.Markets, marketID) {
			return t, errf(path+".market_id", "market %s is outside the definition scope", marketID)
		}
	}
	t.marketID = marketID

	address := strings.ToLower(cond.Address)
	if address == "" {
		if needsAddress && !groupInner {
			if len(c.scope.Addresses) == 1 {
				address = c.scope.Addresses[0]
			} else {
				return t, errf(path+".address", "address is required for metric %s", m.Name)
			}
		}
	} else {
		if !addressPattern.MatchString(address) {
			return t, errf(path+".address", "%q is not a valid address", cond.Address)
		}
		if len(c.scope.Addresses) > 0 && !containsString(c.scope.Addresses, address) {
			return t, errf(path+".address", "address %s is outside the definition scope", address)
		}
	}
	t.address = address

	return t, nil
}

func (c *compiler) validateFilters(cond Condition, path string, m Metric) error {
	if len(cond.Filters) == 0 {
		return nil
	}
	if m.Kind != KindEvent && m.Kind != KindChainedEvent {
		return errf(path+".filters", "filters are only supported for event metrics")
	}
	seen := make(map[string]bool, len(cond.Filters))
	for i, f := range cond.Filters {
		fpath := fmt.Sprintf("%s.filters[%d]", path, i)
		if f.Field == "" {
			return errf(fpath+".field", "filter field is required")
		}
		if reservedFilterFields[f.Field] {
			return errf(fpath+".field", "filter field %q is reserved", f.Field)
		}
		if seen[f.Field] {
			return errf(fpath+".field", "duplicate filter field %q", f.Field)
		}
		seen[f.Field] = true
		if !filterOps[f.Op] {
			return errf(fpath+".op", "unknown filter operator %q", f.Op)
		}
	}
	return nil
}

func (c *compiler) validateWindow(cond Condition, path string) error {
	if cond.Window == "" {
		return nil
	}
	if _, err := ParseDuration(cond.Window); err != nil {
		return errf(path+".window", "%v", err)
	}
	return nil
}

// BuildMetricExpr lowers a catalog metric into an expression tree pinned
// to a chain, market and address. Empty market or address means the
// corresponding constraint is omitted, which is only meaningful for event
// metrics. User filters apply to event leaves only.
func BuildMetricExpr(m Metric, chainID uint64, marketID, address string, userFilters []Filter) (*Expr, error) {
	// Filter values stay JSON-native so compiled trees survive a
	// marshal/unmarshal round trip unchanged.
	switch m.Kind {
	case KindState:
		filters := []Filter{{Field: "chainId", Op: "eq", Value: float64(chainID)}}
		if marketID != "" {
			filters = append(filters, Filter{Field: "marketId", Op: "eq", Value: marketID})
		}
		if address != "" {
			filters = append(filters, Filter{Field: "user", Op: "eq", Value: address})
		}
		return &Expr{
			Kind:     ExprState,
			Entity:   m.Entity,
			Field:    m.Field,
			Snapshot: SnapshotCurrent,
			Filters:  filters,
		}, nil
	case KindEvent:
		filters := []Filter{{Field: "chainId", Op: "eq", Value: float64(chainID)}}
		if marketID != "" {
			filters = append(filters, Filter{Field: "marketId", Op: "eq", Value: marketID})
		}
		if address != "" {
			filters = append(filters, Filter{Field: "user", Op: "eq", Value: address})
		}
		filters = append(filters, userFilters...)
		return &Expr{
			Kind:        ExprEvent,
			EventType:   m.EventType,
			EventField:  m.EventField,
			Aggregation: m.Aggregation,
			Filters:     filters,
		}, nil
	case KindComputed, KindChainedEvent:
		a, err := LookupMetric(m.Operands[0])
		if err != nil {
			return nil, err
		}
		b, err := LookupMetric(m.Operands[1])
		if err != nil {
			return nil, err
		}
		left, err := BuildMetricExpr(a, chainID, marketID, address, userFilters)
		if err != nil {
			return nil, err
		}
		right, err := BuildMetricExpr(b, chainID, marketID, address, userFilters)
		if err != nil {
			return nil, err
		}
		return Binary(m.Op, left, right), nil
	default:
		return nil, errf("metric", "metric %s has unknown kind %q", m.Name, m.Kind)
	}
}

func (c *compiler) threshold(cond Condition, path string, groupInner bool) (*CompiledCondition, error) {
	op, ok := comparisonOps[cond.Operator]
	if !ok {
		return nil, errf(path+".operator", "unknown operator %q", cond.Operator)
	}
	m, err := LookupMetric(cond.Metric)
	if err != nil {
		return nil, errf(path+".metric", "unknown metric %q", cond.Metric)
	}
	t, err := c.resolveTarget(cond, path, m, groupInner)
	if err != nil {
		return nil, err
	}
	if err := c.validateFilters(cond, path, m); err != nil {
		return nil, err
	}
	if err := c.validateWindow(cond, path); err != nil {
		return nil, err
	}
	left, err := BuildMetricExpr(m, t.chainID, t.marketID, t.address, cond.Filters)
	if err != nil {
		return nil, err
	}
	return &CompiledCondition{
		Kind:     CompiledSimple,
		Left:     left,
		Operator: op,
		Right:    Constant(cond.Value),
		Window:   cond.Window,
		Describe: fmt.Sprintf("%s %s %v", cond.Metric, cond.Operator, cond.Value),
	}, nil
}

func (c *compiler) change(cond Condition, path string, groupInner bool) (*CompiledCondition, error) {
	switch cond.Direction {
	case DirectionIncrease, DirectionDecrease:
	case DirectionAny:
		return nil, errf(path+".direction", `direction "any" is not supported; define two conditions joined with OR`)
	default:
		return nil, errf(path+".direction", "direction must be increase or decrease, got %q", cond.Direction)
	}
	if cond.By == nil {
		return nil, errf(path+".by", "a change amount is required")
	}
	if (cond.By.Percent == nil) == (cond.By.Absolute == nil) {
		return nil, errf(path+".by", "exactly one of percent or absolute must be set")
	}
	if cond.By.Percent != nil && *cond.By.Percent <= 0 {
		return nil, errf(path+".by.percent", "percent must be positive")
	}
	if cond.By.Absolute != nil && *cond.By.Absolute <= 0 {
		return nil, errf(path+".by.absolute", "absolute must be positive")
	}
	m, err := LookupMetric(cond.Metric)
	if err != nil {
		return nil, errf(path+".metric", "unknown metric %q", cond.Metric)
	}
	if m.Kind != KindState && m.Kind != KindComputed {
		return nil, errf(path+".metric", "change conditions require a state metric, %s is %s", m.Name, m.Kind)
	}
	t, err := c.resolveTarget(cond, path, m, groupInner)
	if err != nil {
		return nil, err
	}
	if err := c.validateFilters(cond, path, m); err != nil {
		return nil, err
	}
	if err := c.validateWindow(cond, path); err != nil {
		return nil, err
	}
	base, err := BuildMetricExpr(m, t.chainID, t.marketID, t.address, nil)
	if err != nil {
		return nil, err
	}
	current := base
	past := base.WithSnapshot(SnapshotWindowStart)

	cc := &CompiledCondition{Kind: CompiledSimple, Window: cond.Window}
	switch {
	case cond.By.Percent != nil && cond.Direction == DirectionDecrease:
		p := *cond.By.Percent
		cc.Left = current
		cc.Operator = CmpLT
		cc.Right = Binary(OpMul, past, Constant(1-p/100))
		cc.Describe = fmt.Sprintf("%s decreased by %v%%", cond.Metric, p)
	case cond.By.Percent != nil && cond.Direction == DirectionIncrease:
		p := *cond.By.Percent
		cc.Left = current
		cc.Operator = CmpGT
		cc.Right = Binary(OpMul, past, Constant(1+p/100))
		cc.Describe = fmt.Sprintf("%s increased by %v%%", cond.Metric, p)
	case cond.By.Absolute != nil && cond.Direction == DirectionDecrease:
		a := *cond.By.Absolute
		cc.Left = Binary(OpSub, past, current)
		cc.Operator = CmpGT
		cc.Right = Constant(a)
		cc.Describe = fmt.Sprintf("%s decreased by %v", cond.Metric, a)
	default:
		a := *cond.By.Absolute
		cc.Left = Binary(OpSub, current, past)
		cc.Operator = CmpGT
		cc.Right = Constant(a)
		cc.Describe = fmt.Sprintf("%s increased by %v", cond.Metric, a)
	}
	return cc, nil
}

func (c *compiler) group(cond Condition, path string) (*CompiledCondition, error) {
	if len(cond.Addresses) == 0 {
		return nil, errf(path+".addresses", "a group needs at least one address")
	}
	addresses := make([]string, 0, len(cond.Addresses))
	for i, a := range cond.Addresses {
		if !addressPattern.MatchString(a) {
			return nil, errf(fmt.Sprintf("%s.addresses[%d]", path, i), "%q is not a valid address", a)
		}
		a = strings.ToLower(a)
		if len(c.scope.Addresses) > 0 && !containsString(c.scope.Addresses, a) {
			return nil, errf(fmt.Sprintf("%s.addresses[%d]", path, i), "address %s is outside the definition scope", a)
		}
		addresses = append(addresses, a)
	}
	if cond.Requirement == nil {
		return nil, errf(path+".requirement", "a group requirement is required")
	}
	if cond.Requirement.Of != len(addresses) {
		return nil, errf(path+".requirement.of", "of must equal the number of group addresses (%d)", len(addresses))
	}
	if cond.Requirement.Count < 1 || cond.Requirement.Count > cond.Requirement.Of {
		return nil, errf(path+".requirement.count", "count must be between 1 and %d", cond.Requirement.Of)
	}
	logic, err := normalizeLogic(cond.Logic, path+".logic")
	if err != nil {
		return nil, err
	}
	if len(cond.Conditions) == 0 {
		return nil, errf(path+".conditions", "a group needs at least one condition")
	}
	if err := c.validateWindow(cond, path); err != nil {
		return nil, err
	}

	inner := make([]CompiledCondition, 0, len(cond.Conditions))
	for i, member := range cond.Conditions {
		mpath := fmt.Sprintf("%s.conditions[%d]", path, i)
		if member.Type != ConditionThreshold && member.Type != ConditionChange {
			return nil, errf(mpath+".type", "only threshold and change conditions may appear in a group")
		}
		if member.Address != "" {
			return nil, errf(mpath+".address", "group members may not pin an address; the group supplies it")
		}
		cc, err := c.condition(member, mpath, true)
		if err != nil {
			return nil, err
		}
		inner = append(inner, *cc)
	}

	req := *cond.Requirement
	return &CompiledCondition{
		Kind:        CompiledGroup,
		Addresses:   addresses,
		Requirement: &req,
		Logic:       logic,
		Inner:       inner,
		Window:      cond.Window,
		Describe:    fmt.Sprintf("%d of %d addresses", req.Count, req.Of),
	}, nil
}

func (c *compiler) aggregate(cond Condition, path string) (*CompiledCondition, error) {
	switch cond.Aggregation {
	case AggSum, AggAvg, AggMin, AggMax, AggCount:
	default:
		return nil, errf(path+".aggregation", "unknown aggregation %q", cond.Aggregation)
	}
	op, ok := comparisonOps[cond.Operator]
	if !ok {
		return nil, errf(path+".operator", "unknown operator %q", cond.Operator)
	}
	m, err := LookupMetric(cond.Metric)
	if err != nil {
		return nil, errf(path+".metric", "unknown metric %q", cond.Metric)
	}
	chainID, err := c.resolveChain(cond, path)
	if err != nil {
		return nil, err
	}
	if err := c.validateFilters(cond, path, m); err != nil {
		return nil, err
	}
	if err := c.validateWindow(cond, path); err != nil {
		return nil, err
	}

	markets := c.scope.Markets
	if cond.MarketID != "" {
		marketID := strings.ToLower(cond.MarketID)
		if !marketPattern.MatchString(marketID) {
			return nil, errf(path+".market_id", "%q is not a valid market id", cond.MarketID)
		}
		if len(c.scope.Markets) > 0 && !containsString(c.scope.Markets, marketID) {
			return nil, errf(path+".market_id", "market %s is outside the definition scope", marketID)
		}
		markets = []string{marketID}
	}
	addresses := c.scope.Addresses

	entity, hasEntity := MetricEntity(m)
	if hasEntity {
		if len(markets) == 0 {
			return nil, errf(path+".market_id", "aggregating %s needs at least one market in scope", m.Name)
		}
		if entity == EntityPosition && len(addresses) == 0 {
			return nil, errf(path+".addresses", "aggregating %s needs at least one address in scope", m.Name)
		}
	}

	return &CompiledCondition{
		Kind:        CompiledAggregate,
		Aggregation: cond.Aggregation,
		Metric:      m.Name,
		Operator:    op,
		Value:       cond.Value,
		ChainID:     chainID,
		Markets:     markets,
		AddrSet:     addresses,
		Filters:     cond.Filters,
		Window:      cond.Window,
		Describe:    fmt.Sprintf("%s(%s) %s %v", cond.Aggregation, cond.Metric, cond.Operator, cond.Value),
	}, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
