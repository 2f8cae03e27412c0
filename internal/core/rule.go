package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operator is a node tag in a rule condition tree.
type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
	OpNot Operator = "NOT"
	OpEq  Operator = "EQ"
	OpGt  Operator = "GT"
	OpLt  Operator = "LT"
	OpGte Operator = "GTE"
	OpLte Operator = "LTE"
)

// Condition is a boolean expression over event fields: interior AND/OR/NOT
// nodes and comparison leaves carrying a field name and a literal.
type Condition struct {
	Operator Operator `json:"operator"`

	// AND / OR children.
	Conditions []Condition `json:"conditions,omitempty"`
	// NOT child.
	Condition *Condition `json:"condition,omitempty"`

	// Comparison leaf.
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Evaluate folds the condition over a flat field map. AND and OR
// short-circuit. Comparisons against an absent field are false. An empty
// condition (no operator) is vacuously true so rules without conditions fire
// on every matching event.
func (c *Condition) Evaluate(fields map[string]any) bool {
	if c == nil || c.Operator == "" {
		return true
	}
	switch c.Operator {
	case OpAnd:
		for i := range c.Conditions {
			if !c.Conditions[i].Evaluate(fields) {
				return false
			}
		}
		return true
	case OpOr:
		for i := range c.Conditions {
			if c.Conditions[i].Evaluate(fields) {
				return true
			}
		}
		return false
	case OpNot:
		if c.Condition == nil {
			return false
		}
		return !c.Condition.Evaluate(fields)
	case OpEq, OpGt, OpLt, OpGte, OpLte:
		have, ok := fields[c.Field]
		if !ok {
			return false
		}
		return compare(c.Operator, have, c.Value)
	}
	return false
}

// compare applies a comparison operator. Numeric values are compared as
// floats regardless of concrete type; EQ additionally supports strings and
// booleans. Incomparable operands evaluate to false.
func compare(op Operator, have, want any) bool {
	hf, hok := toFloat(have)
	wf, wok := toFloat(want)
	if hok && wok {
		switch op {
		case OpEq:
			return hf == wf
		case OpGt:
			return hf > wf
		case OpLt:
			return hf < wf
		case OpGte:
			return hf >= wf
		case OpLte:
			return hf <= wf
		}
		return false
	}
	if op != OpEq {
		return false
	}
	switch h := have.(type) {
	case string:
		w, ok := want.(string)
		return ok && h == w
	case bool:
		w, ok := want.(bool)
		return ok && h == w
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	}
	return 0, false
}

// AlertRule is a user-defined trigger: a condition tree evaluated against
// events of a matching type, optionally scoped to one product.
type AlertRule struct {
	ID     string
	UserID string

	// ProductID empty means the rule applies to every product.
	ProductID string

	RuleType  EventType
	Condition Condition

	// Channels enables notification channels for alerts from this rule.
	Channels map[Channel]bool

	// Priority 1..10 base; elevated by event salience before dispatch.
	Priority int
	Active   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Matches reports whether the rule applies to the event at all (type and
// product scope); the condition tree is evaluated separately.
func (r *AlertRule) Matches(ev *Event) bool {
	if !r.Active || r.RuleType != ev.Type {
		return false
	}
	return r.ProductID == "" || r.ProductID == ev.ProductID
}

// Alert is the materialized result of a rule firing, user-scoped, carrying
// the price delta snapshot at trigger time.
type Alert struct {
	ID        string
	UserID    string
	ProductID string
	RuleID    string

	Type    AlertType
	Message string

	PreviousPrice    *decimal.Decimal
	CurrentPrice     decimal.Decimal
	AbsoluteDrop     *decimal.Decimal
	PercentageDrop   *float64
	Currency         string
	Priority         int
	EnabledChannels  []Channel

	CreatedAt  time.Time
	IsRead     bool
	Notified   bool
	NotifiedAt *time.Time
}
