package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Retailer is an e-commerce site whose product pages we monitor.
type Retailer struct {
	ID     int64
	Name   string
	Domain string
	Active bool
}

// Product is one tracked product page. It is created by onboarding (outside
// the core) and mutated only by successful observations.
type Product struct {
	ID           string
	Title        string
	URL          string
	RetailerID   int64
	RetailerName string
	SKU          string
	ImageURL     string
	Description  string
	Currency     string

	CurrentPrice decimal.Decimal
	LowestEver   decimal.Decimal
	HighestEver  decimal.Decimal
	IsAvailable  bool

	// ViewCount feeds the popularity factor of the priority scorer.
	ViewCount int

	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// ApplyObservation folds a successful observation into the product's rolling
// price summary. LowestEver/HighestEver only ever widen.
func (p *Product) ApplyObservation(price decimal.Decimal, available bool, at time.Time) {
	p.CurrentPrice = price
	p.IsAvailable = available
	t := at
	p.LastCheckedAt = &t

	if p.LowestEver.IsZero() || price.LessThan(p.LowestEver) {
		p.LowestEver = price
	}
	if price.GreaterThan(p.HighestEver) {
		p.HighestEver = price
	}
}
