package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"
)

// ESConfig enables shipping log lines to Elasticsearch.
type ESConfig struct {
	Enabled   bool
	Addresses []string
	Index     string
}

type logDoc struct {
	Timestamp string `json:"@timestamp"`
	Message   string `json:"message"`
}

// esWriter indexes log lines asynchronously. Lines are dropped when the
// buffer is full so logging never blocks the caller.
type esWriter struct {
	client *elasticsearch.Client
	index  string
	ch     chan logDoc
	done   chan struct{}
	wg     sync.WaitGroup
}

func newESWriter(cfg ESConfig) (*esWriter, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.Addresses})
	if err != nil {
		return nil, err
	}
	index := cfg.Index
	if index == "" {
		index = "priceguard-logs"
	}
	w := &esWriter{
		client: client,
		index:  index,
		ch:     make(chan logDoc, 512),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *esWriter) run() {
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
			body, err := json.Marshal(doc)
			if err != nil {
				continue
			}
			req := esapi.IndexRequest{
				Index:   w.index,
				Body:    bytes.NewReader(body),
				Refresh: "false",
			}
			res, err := req.Do(ctx, w.client)
			if err == nil && res != nil && res.Body != nil {
				_ = res.Body.Close()
			}
		}
	}
}

func (w *esWriter) Write(p []byte) (int, error) {
	doc := logDoc{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Message:   strings.TrimRight(string(p), "\n"),
	}
	select {
	case w.ch <- doc:
	default:
	}
	return len(p), nil
}

func (w *esWriter) Close() {
	close(w.done)
	close(w.ch)
	w.wg.Wait()
}
