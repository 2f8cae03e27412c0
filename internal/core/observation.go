package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ObservationPayload is the normalized output of one extractor call. The core
// never sees retailer markup; extraction is a pluggable leaf (see extract).
type ObservationPayload struct {
	Title       string            `json:"title"`
	Price       decimal.Decimal   `json:"price"`
	Currency    string            `json:"currency"`
	InStock     bool              `json:"in_stock"`
	ImageURL    string            `json:"image_url,omitempty"`
	SKU         string            `json:"sku,omitempty"`
	Description string            `json:"description,omitempty"`
	IsDeal      bool              `json:"is_deal"`
	Screenshots map[string]string `json:"screenshots,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Validate rejects payloads the analyzer cannot use. A negative price is a
// semantic extraction failure: the task is failed without retry and the
// product is left untouched.
func (p *ObservationPayload) Validate() error {
	if p.Price.IsNegative() {
		return Semantic(fmt.Errorf("invalid extracted price %s", p.Price))
	}
	if p.Currency == "" {
		p.Currency = "EUR"
	}
	return nil
}

// AlertType identifies what a single observation triggered.
type AlertType string

const (
	AlertPriceDrop       AlertType = "price_drop"
	AlertLowestPriceEver AlertType = "lowest_price_ever"
	AlertOutOfStock      AlertType = "out_of_stock"
	AlertBackInStock     AlertType = "back_in_stock"
	AlertDeal            AlertType = "deal"
)

// ObservationResult is the analyzed outcome of one completed task. Exactly
// one exists per completed task that produced data.
type ObservationResult struct {
	ID        string
	ProductID string
	TaskID    string

	ObservedAt time.Time

	PreviousPrice         *decimal.Decimal
	CurrentPrice          decimal.Decimal
	PriceChanged          bool
	PriceChangeAmount     *decimal.Decimal
	PriceChangePercentage *float64

	PreviouslyAvailable *bool
	CurrentlyAvailable  bool
	AvailabilityChanged bool

	IsDeal      bool
	Screenshots map[string]string
	Extracted   map[string]any

	AlertTriggered bool
	AlertType      AlertType
	AlertMessage   string
}
