// Package search is the gateway to the Elasticsearch document store. It runs
// translated queries and aggregations and classifies every failure into an
// apierr kind. It never retries.
package search

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/query"
)

// Gateway is the capability set the processes depend on.
type Gateway interface {
	// Search returns one page of hits. Failures are apierr kinds BadQuery,
	// NotFound, Unavailable or Timeout; a cancelled ctx returns ctx.Err().
	Search(ctx context.Context, indices []string, q query.Doc, page query.Page, sort []query.Sort) (*Hits, error)
	// Aggregate runs aggs over the documents matching q without returning hits.
	Aggregate(ctx context.Context, indices []string, q query.Doc, aggs query.Doc) (*Aggregations, error)
}

// Hit is one raw search hit.
type Hit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
	Sort   []any           `json:"sort,omitempty"`
}

// Hits is one page of a search.
type Hits struct {
	// Total is the number of matching documents. Exact unless TotalIsLowerBound.
	Total             int
	TotalIsLowerBound bool
	Hits              []Hit
}

// Aggregations holds a raw aggregation response.
type Aggregations struct {
	// Total is the number of documents the aggregation ran over.
	Total int
	Raw   json.RawMessage
}

// Get returns the value at a gjson path inside the aggregations object.
func (a *Aggregations) Get(path string) gjson.Result {
	if a == nil || len(a.Raw) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(a.Raw, path)
}

// Body assembles a _search request body.
func Body(q query.Doc, page query.Page, sort []query.Sort) query.Doc {
	body := query.Doc{
		"query":            q,
		"from":             page.From,
		"size":             page.Size,
		"track_total_hits": true,
	}
	if len(sort) > 0 {
		s := make([]query.Doc, len(sort))
		for i, k := range sort {
			s[i] = k.Doc()
		}
		body["sort"] = s
	}
	return body
}

// AggregationBody assembles a size-0 _search request body carrying aggs.
func AggregationBody(q query.Doc, aggs query.Doc) query.Doc {
	return query.Doc{
		"query":            q,
		"size":             0,
		"track_total_hits": true,
		"aggregations":     aggs,
	}
}
