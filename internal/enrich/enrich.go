// Package enrich attaches externally produced per-entity documents to
// the store. The producer is an opaque collaborator; its documents are
// stored as-is, never interpreted.
package enrich

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/opendata-ee/ariregister/internal/model"
	"github.com/opendata-ee/ariregister/internal/store"
)

// Producer yields the enrichment document for one entity, or an error
// when none is available.
type Producer interface {
	Produce(ctx context.Context, code int64) (model.Document, error)
}

// DefaultPause is the pacing pause between successive producer calls,
// respecting the third-party service's implicit rate limit.
const DefaultPause = time.Second

// Runner enriches a list of entities one by one. A failure for one
// entity is logged and never affects the others.
type Runner struct {
	Producer Producer
	Stores   []store.Store
	Pause    time.Duration
}

// Run enriches each code in turn and returns how many succeeded.
func (r *Runner) Run(ctx context.Context, codes []int64) int {
	pause := r.Pause
	if pause == 0 {
		pause = DefaultPause
	}

	enriched := 0
	for i, code := range codes {
		if i > 0 {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return enriched
			}
		}

		doc, err := r.Producer.Produce(ctx, code)
		if err != nil {
			log.Printf("enrich %d: %v", code, err)
			continue
		}
		ok := false
		for _, st := range r.Stores {
			if err := st.SetEnrichment(ctx, code, doc); err != nil {
				log.Printf("enrich %d: store: %v", code, err)
				continue
			}
			ok = true
		}
		if ok {
			enriched++
		}
	}
	return enriched
}

// HTTPProducer fetches one JSON document per entity from a URL
// template containing a {code} placeholder.
type HTTPProducer struct {
	URLTemplate string
	Client      *http.Client
}

func (p *HTTPProducer) Produce(ctx context.Context, code int64) (model.Document, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.ReplaceAll(p.URLTemplate, "{code}", strconv.FormatInt(code, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }() // safe to ignore

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	parsed, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	doc, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document is not a JSON object")
	}
	doc["enriched_at"] = time.Now().UTC().Format(time.RFC3339)
	return doc, nil
}
