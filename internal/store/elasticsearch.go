package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"

	"priceguard/internal/core"
)

// ESIndexer ships observations and alerts to Elasticsearch asynchronously so
// the monitoring hot path never waits on the search cluster. Documents are
// dropped rather than blocking when the buffer fills.
type ESIndexer struct {
	client     *elasticsearch.Client
	obsIndex   string
	alertIndex string
	ch         chan esDoc
	done       chan struct{}
	wg         sync.WaitGroup
}

type esDoc struct {
	index string
	body  []byte
}

// NewESIndexer starts the background indexer. Returns nil (no error) when
// addresses are empty so callers can treat indexing as optional.
func NewESIndexer(addresses []string, obsIndex, alertIndex string) (*ESIndexer, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	w := &ESIndexer{
		client:     client,
		obsIndex:   obsIndex,
		alertIndex: alertIndex,
		ch:         make(chan esDoc, 1024),
		done:       make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *ESIndexer) run() {
	defer w.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-w.done:
			return
		case doc, ok := <-w.ch:
			if !ok {
				return
			}
			req := esapi.IndexRequest{
				Index:   doc.index,
				Body:    bytes.NewReader(doc.body),
				Refresh: "false",
			}
			res, err := req.Do(ctx, w.client)
			if err == nil && res != nil && res.Body != nil {
				_ = res.Body.Close()
			}
		}
	}
}

func (w *ESIndexer) enqueue(index string, doc any) {
	if w == nil {
		return
	}
	body, err := json.Marshal(doc)
	if err != nil {
		log.Printf("⚠️ Failed to marshal ES document: %v", err)
		return
	}
	select {
	case w.ch <- esDoc{index: index, body: body}:
	default:
		// Buffer full, drop rather than stall the caller.
	}
}

// observationDoc is the flattened observation the search side needs.
type observationDoc struct {
	Timestamp           string  `json:"@timestamp"`
	ObservationID       string  `json:"observation_id"`
	ProductID           string  `json:"product_id"`
	CurrentPrice        float64 `json:"current_price"`
	PreviousPrice       float64 `json:"previous_price,omitempty"`
	PriceChanged        bool    `json:"price_changed"`
	ChangePct           float64 `json:"change_pct,omitempty"`
	Available           bool    `json:"available"`
	AvailabilityChanged bool    `json:"availability_changed"`
	AlertTriggered      bool    `json:"alert_triggered"`
	AlertType           string  `json:"alert_type,omitempty"`
}

// IndexObservation queues one observation for indexing.
func (w *ESIndexer) IndexObservation(obs *core.ObservationResult) {
	if w == nil {
		return
	}
	doc := observationDoc{
		Timestamp:           obs.ObservedAt.UTC().Format(time.RFC3339Nano),
		ObservationID:       obs.ID,
		ProductID:           obs.ProductID,
		CurrentPrice:        obs.CurrentPrice.InexactFloat64(),
		PriceChanged:        obs.PriceChanged,
		Available:           obs.CurrentlyAvailable,
		AvailabilityChanged: obs.AvailabilityChanged,
		AlertTriggered:      obs.AlertTriggered,
		AlertType:           string(obs.AlertType),
	}
	if obs.PreviousPrice != nil {
		doc.PreviousPrice = obs.PreviousPrice.InexactFloat64()
	}
	if obs.PriceChangePercentage != nil {
		doc.ChangePct = *obs.PriceChangePercentage
	}
	w.enqueue(w.obsIndex, doc)
}

type alertDoc struct {
	Timestamp    string  `json:"@timestamp"`
	AlertID      string  `json:"alert_id"`
	UserID       string  `json:"user_id"`
	ProductID    string  `json:"product_id"`
	RuleID       string  `json:"rule_id"`
	AlertType    string  `json:"alert_type"`
	Message      string  `json:"message"`
	CurrentPrice float64 `json:"current_price"`
	Priority     int     `json:"priority"`
}

// IndexAlert queues one alert for indexing.
func (w *ESIndexer) IndexAlert(a *core.Alert) {
	if w == nil {
		return
	}
	w.enqueue(w.alertIndex, alertDoc{
		Timestamp:    a.CreatedAt.UTC().Format(time.RFC3339Nano),
		AlertID:      a.ID,
		UserID:       a.UserID,
		ProductID:    a.ProductID,
		RuleID:       a.RuleID,
		AlertType:    string(a.Type),
		Message:      a.Message,
		CurrentPrice: a.CurrentPrice.InexactFloat64(),
		Priority:     a.Priority,
	})
}

// Close drains the indexer and releases the client.
func (w *ESIndexer) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	close(w.ch)
	w.wg.Wait()
	if w.client != nil {
		return w.client.Close(context.Background())
	}
	return nil
}

// ESQuery reads the indexes the indexer writes, for the operator API.
type ESQuery struct {
	client *elasticsearch.Client
	index  string
}

// NewESQuery creates a query client for one index. Returns nil when
// addresses are empty.
func NewESQuery(addresses []string, index string) (*ESQuery, error) {
	if len(addresses) == 0 || index == "" {
		return nil, nil
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ESQuery{client: client, index: index}, nil
}

func (c *ESQuery) Close() error {
	if c != nil && c.client != nil {
		return c.client.Close(context.Background())
	}
	return nil
}

// RecentForProduct returns the newest documents for a product, most recent
// first, as raw JSON objects.
func (c *ESQuery) RecentForProduct(ctx context.Context, productID string, size int) ([]json.RawMessage, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	if size <= 0 {
		size = 50
	}
	body := map[string]interface{}{
		"size": size,
		"sort": []map[string]interface{}{{"@timestamp": map[string]string{"order": "desc"}}},
		"query": map[string]interface{}{
			"term": map[string]interface{}{"product_id": productID},
		},
	}
	return c.search(ctx, body)
}

// Search runs a simple full-text query over the message field within a time
// range, oldest first.
func (c *ESQuery) Search(ctx context.Context, q string, from, to time.Time, size int) ([]json.RawMessage, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	if size <= 0 {
		size = 1000
	}
	rangeQ := map[string]interface{}{
		"range": map[string]interface{}{
			"@timestamp": map[string]interface{}{
				"gte": from.UTC().Format(time.RFC3339),
				"lt":  to.UTC().Format(time.RFC3339),
			},
		},
	}
	query := rangeQ
	if q != "" {
		query = map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					rangeQ,
					map[string]interface{}{
						"simple_query_string": map[string]interface{}{
							"query":  q,
							"fields": []string{"message", "alert_type"},
						},
					},
				},
			},
		}
	}
	body := map[string]interface{}{
		"size":  size,
		"sort":  []map[string]interface{}{{"@timestamp": map[string]string{"order": "asc"}}},
		"query": query,
	}
	return c.search(ctx, body)
}

func (c *ESQuery) search(ctx context.Context, body map[string]interface{}) ([]json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	res, err := esapi.SearchRequest{Index: []string{c.index}, Body: &buf}.Do(ctx, c.client)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errFromESResponse(res)
	}
	var out struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	docs := make([]json.RawMessage, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		docs = append(docs, h.Source)
	}
	return docs, nil
}

func errFromESResponse(res *esapi.Response) error {
	var e struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	_ = json.NewDecoder(res.Body).Decode(&e)
	if e.Error.Reason != "" {
		return fmt.Errorf("elasticsearch: status %d: %s", res.StatusCode, e.Error.Reason)
	}
	return fmt.Errorf("elasticsearch: status %d: %s", res.StatusCode, res.String())
}
