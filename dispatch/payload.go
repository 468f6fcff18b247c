package dispatch

import (
	"time"

	"github.com/sentinelwatch/sentinel/eval"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sentinelwatch/sentinel/store"
)

// Payload is the canonical webhook document.
type Payload struct {
	SignalID      string         `json:"signal_id"`
	SignalName    string         `json:"signal_name"`
	TriggeredAt   string         `json:"triggered_at"`
	Scope         signal.Scope   `json:"scope"`
	ConditionsMet []ConditionMet `json:"conditions_met"`
	Context       Context        `json:"context"`
}

// ConditionMet describes one condition's outcome in the payload.
type ConditionMet struct {
	Type        string                 `json:"type"`
	Triggered   bool                   `json:"triggered"`
	Description string                 `json:"description"`
	ActualValue *float64               `json:"actual_value,omitempty"`
	Threshold   *float64               `json:"threshold,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Context identifies whose position triggered, to the extent the scope
// pins it down.
type Context struct {
	AppUserID string `json:"app_user_id"`
	Address   string `json:"address,omitempty"`
	MarketID  string `json:"market_id,omitempty"`
	ChainID   uint64 `json:"chain_id,omitempty"`
}

// BuildPayload assembles the webhook document for a triggered evaluation.
func BuildPayload(s *store.Signal, stored *signal.StoredDefinition, res *eval.Result) *Payload {
	p := &Payload{
		SignalID:    s.ID,
		SignalName:  s.Name,
		TriggeredAt: res.Timestamp.UTC().Format(time.RFC3339),
		Context:     Context{AppUserID: s.UserID},
	}
	if stored != nil && stored.AST != nil {
		scope := stored.AST.Scope
		p.Scope = scope
		if len(scope.Chains) == 1 {
			p.Context.ChainID = scope.Chains[0]
		}
		if len(scope.Markets) == 1 {
			p.Context.MarketID = scope.Markets[0]
		}
		if len(scope.Addresses) == 1 {
			p.Context.Address = scope.Addresses[0]
		}
	}
	p.ConditionsMet = make([]ConditionMet, 0, len(res.Conditions))
	for _, c := range res.Conditions {
		p.ConditionsMet = append(p.ConditionsMet, ConditionMet{
			Type:        string(c.Kind),
			Triggered:   c.Triggered,
			Description: c.Describe,
			ActualValue: c.Actual,
			Threshold:   c.Threshold,
			Details:     c.Details,
		})
	}
	return p
}
