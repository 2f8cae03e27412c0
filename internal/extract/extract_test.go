package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

type fakeExtractor struct{ name string }

func (f *fakeExtractor) Name() string { return f.name }

func (f *fakeExtractor) Extract(_ context.Context, _ string, _ bool) (*core.ObservationPayload, error) {
	return &core.ObservationPayload{Title: f.name, Price: decimal.NewFromInt(10), Currency: "EUR", InStock: true}, nil
}

func TestRegistry_For(t *testing.T) {
	reg := NewRegistry()
	reg.Register("amazon.fr", &fakeExtractor{name: "amazon"})
	reg.Register("fnac.com", &fakeExtractor{name: "fnac"})

	// Test case 1: exact host match
	e, err := reg.For("https://amazon.fr/dp/B0TEST")
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if e.Name() != "amazon" {
		t.Errorf("Expected amazon extractor, got %s", e.Name())
	}

	// Test case 2: subdomain matches the registered suffix
	e, err = reg.For("https://www.amazon.fr/dp/B0TEST")
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if e.Name() != "amazon" {
		t.Errorf("Expected amazon extractor for subdomain, got %s", e.Name())
	}

	// Test case 3: unknown retailer without default fails
	_, err = reg.For("https://cdiscount.com/product/1")
	if !errors.Is(err, core.ErrNoExtractorForRetailer) {
		t.Errorf("Expected ErrNoExtractorForRetailer, got %v", err)
	}
	if core.ClassOf(err) != core.ErrorFatal {
		t.Errorf("Expected fatal class, got %s", core.ClassOf(err))
	}

	// Test case 4: default extractor catches unknown retailers
	reg.SetDefault(&fakeExtractor{name: "generic"})
	e, err = reg.For("https://cdiscount.com/product/1")
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if e.Name() != "generic" {
		t.Errorf("Expected generic extractor, got %s", e.Name())
	}

	// Test case 5: unparseable URL
	_, err = reg.For("::not-a-url")
	if err == nil {
		t.Error("Expected error for unparseable URL")
	}
}
