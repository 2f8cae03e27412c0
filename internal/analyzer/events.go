package analyzer

import (
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

// buildEvents maps one observation result onto rule-engine events. Price
// moves produce a dropped or increased event; availability transitions
// produce one availability event. Alert classification rides along in the
// fields so conditions can discriminate on it.
func buildEvents(productID string, obs *core.ObservationResult, at time.Time) []core.Event {
	var events []core.Event

	if obs.PriceChanged && obs.PriceChangeAmount != nil {
		fields := map[string]any{
			"current_price": decimalField(obs.CurrentPrice),
			"is_deal":       obs.IsDeal,
			"in_stock":      obs.CurrentlyAvailable,
		}
		if obs.PreviousPrice != nil {
			fields["previous_price"] = decimalField(*obs.PreviousPrice)
		}
		if obs.PriceChangePercentage != nil {
			fields["change_percentage"] = *obs.PriceChangePercentage
		}
		typ := core.EventPriceIncreased
		if obs.PriceChangeAmount.IsNegative() {
			typ = core.EventPriceDropped
			drop, _ := obs.PriceChangeAmount.Neg().Float64()
			fields["drop_amount"] = drop
			if obs.PriceChangePercentage != nil {
				fields["drop_percentage"] = -*obs.PriceChangePercentage
			}
			if obs.AlertTriggered {
				fields["alert_type"] = string(obs.AlertType)
			}
			fields["lowest_ever"] = obs.AlertType == core.AlertLowestPriceEver
		} else {
			rise, _ := obs.PriceChangeAmount.Float64()
			fields["rise_amount"] = rise
		}
		events = append(events, core.Event{
			Type:       typ,
			ProductID:  productID,
			OccurredAt: at,
			Fields:     fields,
		})
	}

	if obs.AvailabilityChanged {
		events = append(events, core.Event{
			Type:       core.EventAvailabilityChanged,
			ProductID:  productID,
			OccurredAt: at,
			Fields: map[string]any{
				"in_stock":      obs.CurrentlyAvailable,
				"back_in_stock": obs.CurrentlyAvailable,
				"current_price": decimalField(obs.CurrentPrice),
				"alert_type":    string(obs.AlertType),
			},
		})
	}

	return events
}

func decimalField(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}
