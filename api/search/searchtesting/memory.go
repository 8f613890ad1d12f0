// Package searchtesting provides search.Gateway implementations for tests: an
// in-memory store that evaluates the subset of the query language the
// translator emits, and an Elasticsearch container harness.
package searchtesting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
)

// Call records one gateway invocation.
type Call struct {
	Op      string
	Indices []string
	Query   query.Doc
	Page    query.Page
	Sort    []query.Sort
	Aggs    query.Doc
}

// Memory is an in-memory search.Gateway. Documents are GeoJSON features with
// a "properties" object, matching the layout of the registry indices.
type Memory struct {
	mu    sync.Mutex
	docs  map[string][]doc
	errs  map[string]error
	calls []Call
	delay time.Duration
}

type doc struct {
	id     string
	source json.RawMessage
}

var _ search.Gateway = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]doc), errs: make(map[string]error)}
}

// Add stores documents under index. Each document needs an "id" member.
func (m *Memory) Add(index string, sources ...any) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range sources {
		raw, err := json.Marshal(src)
		if err != nil {
			panic(fmt.Sprintf("searchtesting: marshal document: %v", err))
		}
		m.docs[index] = append(m.docs[index], doc{id: gjson.GetBytes(raw, "id").String(), source: raw})
	}
	return m
}

// CreateIndex registers an empty index.
func (m *Memory) CreateIndex(index string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[index]; !ok {
		m.docs[index] = nil
	}
	return m
}

// FailIndex makes every call touching index return err.
func (m *Memory) FailIndex(index string, err error) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[index] = err
	return m
}

// Delay makes every call wait d or until its context ends.
func (m *Memory) Delay(d time.Duration) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Calls returns the recorded invocations in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *Memory) begin(ctx context.Context, c Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(c.Indices) == 0 {
		return apierr.New(apierr.BadQuery, c.Op, "no indices given")
	}
	for _, idx := range c.Indices {
		if err := m.errs[idx]; err != nil {
			return err
		}
		if _, ok := m.docs[idx]; !ok {
			return apierr.Wrap(apierr.NotFound, c.Op, fmt.Errorf("[404] index_not_found_exception: no such index [%s]", idx))
		}
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, indices []string, q query.Doc, page query.Page, sorts []query.Sort) (*search.Hits, error) {
	if err := m.begin(ctx, Call{Op: "search", Indices: indices, Query: q, Page: page, Sort: sorts}); err != nil {
		return nil, err
	}

	qv, err := normalize(q)
	if err != nil {
		return nil, apierr.Wrap(apierr.BadQuery, "search", err)
	}

	m.mu.Lock()
	var matched []search.Hit
	for _, idx := range indices {
		for _, d := range m.docs[idx] {
			ok, err := matches(qv, gjson.ParseBytes(d.source))
			if err != nil {
				m.mu.Unlock()
				return nil, apierr.Wrap(apierr.BadQuery, "search", err)
			}
			if ok {
				matched = append(matched, search.Hit{Index: idx, ID: d.id, Source: d.source})
			}
		}
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		for _, s := range sorts {
			c := compareValues(lookup(gjson.ParseBytes(matched[i].Source), s.Path), lookup(gjson.ParseBytes(matched[j].Source), s.Path))
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})

	total := len(matched)
	from := min(page.From, total)
	to := min(from+page.Size, total)
	return &search.Hits{Total: total, Hits: matched[from:to]}, nil
}

func (m *Memory) Aggregate(ctx context.Context, indices []string, q query.Doc, aggs query.Doc) (*search.Aggregations, error) {
	if err := m.begin(ctx, Call{Op: "aggregate", Indices: indices, Query: q, Aggs: aggs}); err != nil {
		return nil, err
	}
	qv, err := normalize(q)
	if err != nil {
		return nil, apierr.Wrap(apierr.BadQuery, "aggregate", err)
	}
	av, err := normalize(aggs)
	if err != nil {
		return nil, apierr.Wrap(apierr.BadQuery, "aggregate", err)
	}

	m.mu.Lock()
	var all, matched []gjson.Result
	for _, idx := range indices {
		for _, d := range m.docs[idx] {
			src := gjson.ParseBytes(d.source)
			all = append(all, src)
			ok, err := matches(qv, src)
			if err != nil {
				m.mu.Unlock()
				return nil, apierr.Wrap(apierr.BadQuery, "aggregate", err)
			}
			if ok {
				matched = append(matched, src)
			}
		}
	}
	m.mu.Unlock()

	out, err := aggregate(av, matched, all)
	if err != nil {
		return nil, apierr.Wrap(apierr.BadQuery, "aggregate", err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &search.Aggregations{Total: len(matched), Raw: raw}, nil
}

// normalize round-trips q through JSON so typed slices and nested Docs are
// evaluated uniformly.
func normalize(q query.Doc) (map[string]any, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// lookup resolves a store path against a document, dropping the ".raw"
// keyword subfield suffix that exists only in the index.
func lookup(src gjson.Result, path string) gjson.Result {
	return src.Get(strings.TrimSuffix(path, ".raw"))
}

func matches(q map[string]any, src gjson.Result) (bool, error) {
	if len(q) != 1 {
		return false, fmt.Errorf("query clause must have exactly one key, got %d", len(q))
	}
	for kind, body := range q {
		b, _ := body.(map[string]any)
		switch kind {
		case "match_all":
			return true, nil
		case "bool":
			return matchBool(b, src)
		case "term":
			for path, want := range b {
				return equalValue(lookup(src, path), want), nil
			}
		case "terms":
			for path, list := range b {
				items, _ := list.([]any)
				v := lookup(src, path)
				for _, want := range items {
					if equalValue(v, want) {
						return true, nil
					}
				}
				return false, nil
			}
		case "range":
			for path, bounds := range b {
				return inRange(lookup(src, path), bounds.(map[string]any)), nil
			}
		case "exists":
			return lookup(src, b["field"].(string)).Exists(), nil
		case "wildcard":
			for path, spec := range b {
				pattern := spec.(map[string]any)["value"].(string)
				return wildcard(pattern, lookup(src, path).String()), nil
			}
		case "geo_shape":
			for path, spec := range b {
				return intersects(spec.(map[string]any), src.Get(path)), nil
			}
		}
		return false, fmt.Errorf("unsupported query clause %q", kind)
	}
	return false, nil
}

func matchBool(b map[string]any, src gjson.Result) (bool, error) {
	clauses := func(key string) []map[string]any {
		raw, _ := b[key].([]any)
		out := make([]map[string]any, 0, len(raw))
		for _, c := range raw {
			if m, ok := c.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	for _, key := range []string{"filter", "must"} {
		for _, c := range clauses(key) {
			ok, err := matches(c, src)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	for _, c := range clauses("must_not") {
		ok, err := matches(c, src)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	should := clauses("should")
	if len(should) == 0 {
		return true, nil
	}
	for _, c := range should {
		ok, err := matches(c, src)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func equalValue(v gjson.Result, want any) bool {
	if !v.Exists() {
		return false
	}
	if v.IsArray() {
		for _, item := range v.Array() {
			if equalValue(item, want) {
				return true
			}
		}
		return false
	}
	switch w := want.(type) {
	case float64:
		return v.Type == gjson.Number && v.Float() == w
	case bool:
		return (v.Type == gjson.True || v.Type == gjson.False) && v.Bool() == w
	case string:
		return v.String() == w
	}
	return false
}

func inRange(v gjson.Result, bounds map[string]any) bool {
	if !v.Exists() {
		return false
	}
	for op, bound := range bounds {
		c := compareValues(v, gjson.Parse(mustJSON(bound)))
		switch op {
		case "gt":
			if c <= 0 {
				return false
			}
		case "gte":
			if c < 0 {
				return false
			}
		case "lt":
			if c >= 0 {
				return false
			}
		case "lte":
			if c > 0 {
				return false
			}
		}
	}
	return true
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// compareValues orders numbers numerically, date-like strings by instant and
// other strings lexically. Missing values sort last.
func compareValues(a, b gjson.Result) int {
	switch {
	case !a.Exists() && !b.Exists():
		return 0
	case !a.Exists():
		return 1
	case !b.Exists():
		return -1
	}
	if a.Type == gjson.Number && b.Type == gjson.Number {
		switch {
		case a.Float() < b.Float():
			return -1
		case a.Float() > b.Float():
			return 1
		}
		return 0
	}
	if ta, ok := parseInstant(a.String()); ok {
		if tb, ok := parseInstant(b.String()); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(a.String(), b.String())
}

func parseInstant(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func wildcard(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if wildcard(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		return s != "" && wildcard(pattern[1:], s[1:])
	case '\\':
		if len(pattern) > 1 {
			return s != "" && s[0] == pattern[1] && wildcard(pattern[2:], s[1:])
		}
	}
	return s != "" && s[0] == pattern[0] && wildcard(pattern[1:], s[1:])
}

func intersects(spec map[string]any, geom gjson.Result) bool {
	shape, _ := spec["shape"].(map[string]any)
	coords, _ := shape["coordinates"].([]any)
	if len(coords) != 2 {
		return false
	}
	ul, _ := coords[0].([]any)
	lr, _ := coords[1].([]any)
	if len(ul) != 2 || len(lr) != 2 {
		return false
	}
	bound := orb.Bound{
		Min: orb.Point{ul[0].(float64), lr[1].(float64)},
		Max: orb.Point{lr[0].(float64), ul[1].(float64)},
	}
	if geom.Get("type").String() != "Point" {
		return false
	}
	c := geom.Get("coordinates").Array()
	if len(c) < 2 {
		return false
	}
	return bound.Contains(orb.Point{c[0].Float(), c[1].Float()})
}
