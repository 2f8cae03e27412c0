package core

import "time"

// EventType tags the transient signals the analyzer produces. Events are
// consumed by the rule engine and are not persisted beyond short-term audit.
type EventType string

const (
	EventPriceDropped        EventType = "price_dropped"
	EventPriceIncreased      EventType = "price_increased"
	EventAvailabilityChanged EventType = "availability_changed"
	EventPricePrediction     EventType = "price_prediction"
)

// Event is a tagged value describing a change of interest on one product.
// Fields is the flat key→value view rule conditions are evaluated against.
type Event struct {
	Type       EventType
	ProductID  string
	OccurredAt time.Time
	Fields     map[string]any
}

// Field returns the named field, or nil when absent. Conditions referencing
// an absent field evaluate to false, never to an error.
func (e *Event) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}
