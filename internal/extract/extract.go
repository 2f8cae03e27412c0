// Package extract routes product URLs to retailer-specific extractors. The
// monitoring core never parses retailer markup itself; extraction is an
// external concern reached through the Extractor interface.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"priceguard/internal/core"
)

// Extractor fetches one product page and returns the normalized payload.
type Extractor interface {
	Extract(ctx context.Context, productURL string, takeScreenshot bool) (*core.ObservationPayload, error)
	// Name identifies the extractor in logs and stats.
	Name() string
}

// Registry maps retailer host suffixes to extractors. Lookup walks the host
// right to left so "smile.amazon.fr" matches a registration for "amazon.fr".
type Registry struct {
	mu         sync.RWMutex
	byHost     map[string]Extractor
	defaultExt Extractor
}

func NewRegistry() *Registry {
	return &Registry{byHost: make(map[string]Extractor)}
}

// Register binds an extractor to a retailer host suffix.
func (r *Registry) Register(hostSuffix string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHost[strings.ToLower(hostSuffix)] = e
}

// SetDefault sets the fallback extractor used when no host suffix matches.
func (r *Registry) SetDefault(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultExt = e
}

// For resolves the extractor for a product URL. A product whose retailer has
// no extractor (and no default) is a configuration error, not a retry case.
func (r *Registry) For(productURL string) (Extractor, error) {
	u, err := url.Parse(productURL)
	if err != nil || u.Host == "" {
		return nil, core.Fatal(fmt.Errorf("unparseable product url %q", productURL))
	}
	host := strings.ToLower(u.Hostname())

	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels)-1; i++ {
		suffix := strings.Join(labels[i:], ".")
		if e, ok := r.byHost[suffix]; ok {
			return e, nil
		}
	}
	if r.defaultExt != nil {
		return r.defaultExt, nil
	}
	return nil, core.Fatal(fmt.Errorf("%w: host %s", core.ErrNoExtractorForRetailer, host))
}
