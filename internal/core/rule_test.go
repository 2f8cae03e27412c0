package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestConditionEvaluate(t *testing.T) {
	fields := map[string]any{
		"current_price":   float64(45),
		"drop_percentage": float64(12.5),
		"in_stock":        true,
		"alert_type":      "price_drop",
	}

	// Test case 1: empty condition is vacuously true
	var empty Condition
	if !empty.Evaluate(fields) {
		t.Error("empty condition should be true")
	}
	var nilCond *Condition
	if !nilCond.Evaluate(fields) {
		t.Error("nil condition should be true")
	}

	// Test case 2: comparison leaves
	lt := Condition{Operator: OpLt, Field: "current_price", Value: float64(50)}
	if !lt.Evaluate(fields) {
		t.Error("45 < 50 should be true")
	}
	gte := Condition{Operator: OpGte, Field: "drop_percentage", Value: float64(12.5)}
	if !gte.Evaluate(fields) {
		t.Error("12.5 >= 12.5 should be true")
	}
	gt := Condition{Operator: OpGt, Field: "current_price", Value: float64(45)}
	if gt.Evaluate(fields) {
		t.Error("45 > 45 should be false")
	}

	// Test case 3: EQ supports strings and booleans
	eqStr := Condition{Operator: OpEq, Field: "alert_type", Value: "price_drop"}
	if !eqStr.Evaluate(fields) {
		t.Error("string equality should match")
	}
	eqBool := Condition{Operator: OpEq, Field: "in_stock", Value: true}
	if !eqBool.Evaluate(fields) {
		t.Error("bool equality should match")
	}

	// Test case 4: absent field is false, even under NOT of NOT
	absent := Condition{Operator: OpGt, Field: "no_such_field", Value: float64(1)}
	if absent.Evaluate(fields) {
		t.Error("comparison on absent field should be false")
	}

	// Test case 5: AND / OR / NOT composition
	tree := Condition{
		Operator: OpAnd,
		Conditions: []Condition{
			{Operator: OpLt, Field: "current_price", Value: float64(50)},
			{
				Operator: OpOr,
				Conditions: []Condition{
					{Operator: OpGte, Field: "drop_percentage", Value: float64(20)},
					{Operator: OpEq, Field: "in_stock", Value: true},
				},
			},
		},
	}
	if !tree.Evaluate(fields) {
		t.Error("AND(lt, OR(gte, eq)) should be true")
	}
	not := Condition{
		Operator:  OpNot,
		Condition: &Condition{Operator: OpGt, Field: "current_price", Value: float64(40)},
	}
	if not.Evaluate(fields) {
		t.Error("NOT(45 > 40) should be false")
	}

	// Test case 6: NOT without a child is false
	badNot := Condition{Operator: OpNot}
	if badNot.Evaluate(fields) {
		t.Error("NOT without child should be false")
	}
}

func TestConditionNumericCoercion(t *testing.T) {
	// Test case 1: int, int64, float32 and decimal all compare numerically
	fields := map[string]any{
		"a": 45,
		"b": int64(45),
		"c": float32(45),
		"d": decimal.NewFromInt(45),
	}
	for _, f := range []string{"a", "b", "c", "d"} {
		cond := Condition{Operator: OpEq, Field: f, Value: float64(45)}
		if !cond.Evaluate(fields) {
			t.Errorf("field %s should equal 45", f)
		}
	}

	// Test case 2: incomparable operands are false
	cond := Condition{Operator: OpGt, Field: "a", Value: "forty"}
	if cond.Evaluate(fields) {
		t.Error("number > string should be false")
	}
}

func TestConditionJSONRoundTrip(t *testing.T) {
	// Condition trees live in a JSON column; the tree must survive decoding.
	raw := `{
		"operator": "AND",
		"conditions": [
			{"operator": "LT", "field": "current_price", "value": 50},
			{"operator": "NOT", "condition": {"operator": "EQ", "field": "in_stock", "value": false}}
		]
	}`
	var cond Condition
	if err := json.Unmarshal([]byte(raw), &cond); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	fields := map[string]any{"current_price": float64(45), "in_stock": true}
	if !cond.Evaluate(fields) {
		t.Error("decoded tree should evaluate true")
	}
}

func TestAlertRuleMatches(t *testing.T) {
	now := time.Now().UTC()
	ev := &Event{Type: EventPriceDropped, ProductID: "prod-1", OccurredAt: now}

	// Test case 1: type and scope match
	rule := &AlertRule{RuleType: EventPriceDropped, ProductID: "prod-1", Active: true}
	if !rule.Matches(ev) {
		t.Error("scoped rule should match its product")
	}

	// Test case 2: global rules match every product
	global := &AlertRule{RuleType: EventPriceDropped, Active: true}
	if !global.Matches(ev) {
		t.Error("global rule should match")
	}

	// Test case 3: wrong type, wrong product, inactive
	wrongType := &AlertRule{RuleType: EventAvailabilityChanged, Active: true}
	if wrongType.Matches(ev) {
		t.Error("rule with different event type should not match")
	}
	wrongProduct := &AlertRule{RuleType: EventPriceDropped, ProductID: "prod-2", Active: true}
	if wrongProduct.Matches(ev) {
		t.Error("rule scoped to another product should not match")
	}
	inactive := &AlertRule{RuleType: EventPriceDropped, Active: false}
	if inactive.Matches(ev) {
		t.Error("inactive rule should not match")
	}
}
