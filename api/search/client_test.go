package search_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/config"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
	woudctesting "github.com/woudc/woudc-api/utils/pkg/testing"
)

// fakeES speaks enough of the Elasticsearch REST protocol for the client.
type fakeES struct {
	version string

	mu       sync.Mutex
	bodies   []string
	paths    []string
	status   int
	response string
	delay    time.Duration
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/" {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = io.WriteString(w, `{"name":"test","version":{"number":"`+f.version+`"},"tagline":"You Know, for Search"}`)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.paths = append(f.paths, r.URL.Path)
	status, response, delay := f.status, f.response, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response)
}

func (f *fakeES) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return ""
	}
	return f.bodies[len(f.bodies)-1]
}

func (f *fakeES) lastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.paths) == 0 {
		return ""
	}
	return f.paths[len(f.paths)-1]
}

func newClient(t *testing.T, f *fakeES, timeout time.Duration) *search.Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := search.New(t.Context(), search.Config{
		Logger: woudctesting.NewLogger(),
		Store:  config.Store{URL: srv.URL, RequestTimeout: timeout},
	})
	require.NoError(t, err)
	return c
}

const hitsResponse = `{
	"took": 1,
	"timed_out": false,
	"hits": {
		"total": {"value": 12, "relation": "eq"},
		"hits": [
			{"_index": "woudc_data_registry.totalozone", "_id": "a", "_source": {"id": "a", "properties": {"platform_id": "077"}}, "sort": ["a"]},
			{"_index": "woudc_data_registry.totalozone", "_id": "b", "_source": {"id": "b", "properties": {"platform_id": "078"}}, "sort": ["b"]}
		]
	}
}`

func TestWOUDC_Search_New_ReportsVersion(t *testing.T) {
	t.Parallel()
	c := newClient(t, &fakeES{version: "8.17.0"}, time.Second)
	assert.Equal(t, "8.17.0", c.Version())
	require.NoError(t, c.Ping(t.Context()))
}

func TestWOUDC_Search_New_RejectsOldServer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeES{version: "7.17.9"})
	t.Cleanup(srv.Close)

	_, err := search.New(t.Context(), search.Config{
		Logger: woudctesting.NewLogger(),
		Store:  config.Store{URL: srv.URL},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "7.17.9")
}

func TestWOUDC_Search_New_UnreachableIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeES{version: "8.17.0"})
	url := srv.URL
	srv.Close()

	_, err := search.New(t.Context(), search.Config{
		Logger: woudctesting.NewLogger(),
		Store:  config.Store{URL: url, RequestTimeout: time.Second},
	})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.Unavailable), "got %v", err)
}

func TestWOUDC_Search_New_RequiresLogger(t *testing.T) {
	t.Parallel()
	_, err := search.New(t.Context(), search.Config{Store: config.Store{URL: "http://localhost:9200"}})
	require.Error(t, err)
}

func TestWOUDC_Search_Search_SendsBodyAndParsesHits(t *testing.T) {
	t.Parallel()
	f := &fakeES{version: "8.17.0", response: hitsResponse}
	c := newClient(t, f, time.Second)

	hits, err := c.Search(t.Context(),
		[]string{"woudc_data_registry.totalozone", "woudc_data_registry.umkehr"},
		query.Doc{"term": query.Doc{"properties.platform_id.raw": "077"}},
		query.Page{From: 10, Size: 2},
		[]query.Sort{{Path: "properties.identifier.raw"}},
	)
	require.NoError(t, err)

	assert.Equal(t, "/woudc_data_registry.totalozone,woudc_data_registry.umkehr/_search", f.lastPath())
	assert.JSONEq(t, `{
		"query": {"term": {"properties.platform_id.raw": "077"}},
		"from": 10,
		"size": 2,
		"track_total_hits": true,
		"sort": [{"properties.identifier.raw": {"order": "asc"}}]
	}`, f.lastBody())

	assert.Equal(t, 12, hits.Total)
	assert.False(t, hits.TotalIsLowerBound)
	require.Len(t, hits.Hits, 2)
	assert.Equal(t, "a", hits.Hits[0].ID)
	assert.Equal(t, "woudc_data_registry.totalozone", hits.Hits[0].Index)
	assert.JSONEq(t, `{"id":"a","properties":{"platform_id":"077"}}`, string(hits.Hits[0].Source))
}

func TestWOUDC_Search_Aggregate_ReturnsRawAggregations(t *testing.T) {
	t.Parallel()
	f := &fakeES{version: "8.17.0", response: `{
		"timed_out": false,
		"hits": {"total": {"value": 42, "relation": "eq"}, "hits": []},
		"aggregations": {"total_obs": {"value": 365}}
	}`}
	c := newClient(t, f, time.Second)

	aggs, err := c.Aggregate(t.Context(), []string{"idx"}, query.Doc{"match_all": query.Doc{}},
		query.Doc{"total_obs": query.Doc{"sum": query.Doc{"field": "properties.number_of_observations"}}})
	require.NoError(t, err)

	assert.Equal(t, 42, aggs.Total)
	assert.Equal(t, 365.0, aggs.Get("total_obs.value").Float())

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.lastBody()), &body))
	assert.EqualValues(t, 0, body["size"])
	assert.Contains(t, body, "aggregations")
}

func TestWOUDC_Search_Errors_Classified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		response string
		want     apierr.Kind
		contains string
	}{
		{
			name:     "malformed query",
			status:   http.StatusBadRequest,
			response: `{"error":{"root_cause":[{"type":"parsing_exception","reason":"unknown query [nope]"}],"type":"x_content_parse_exception","reason":"outer"},"status":400}`,
			want:     apierr.BadQuery,
			contains: "parsing_exception: unknown query [nope]",
		},
		{
			name:     "missing index",
			status:   http.StatusNotFound,
			response: `{"error":{"type":"index_not_found_exception","reason":"no such index [x]"},"status":404}`,
			want:     apierr.NotFound,
			contains: "index_not_found_exception",
		},
		{
			name:     "service unavailable",
			status:   http.StatusServiceUnavailable,
			response: `{"error":{"type":"cluster_block_exception","reason":"blocked"},"status":503}`,
			want:     apierr.Unavailable,
		},
		{
			name:   "gateway timeout",
			status: http.StatusGatewayTimeout,
			want:   apierr.Timeout,
		},
		{
			name:     "too many requests",
			status:   http.StatusTooManyRequests,
			response: `{"error":"rejected"}`,
			want:     apierr.Unavailable,
			contains: "rejected",
		},
		{
			name:     "store timed out",
			status:   http.StatusOK,
			response: `{"timed_out": true, "hits": {"total": {"value": 0}, "hits": []}}`,
			want:     apierr.Timeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeES{version: "8.17.0", status: tt.status, response: tt.response}
			c := newClient(t, f, time.Second)

			_, err := c.Search(t.Context(), []string{"idx"}, query.Doc{"match_all": query.Doc{}}, query.Page{Size: 10}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, apierr.KindOf(err), "got %v", err)
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestWOUDC_Search_Search_NoIndicesIsBadQuery(t *testing.T) {
	t.Parallel()
	c := newClient(t, &fakeES{version: "8.17.0", response: hitsResponse}, time.Second)
	_, err := c.Search(t.Context(), nil, query.Doc{"match_all": query.Doc{}}, query.Page{Size: 1}, nil)
	assert.True(t, apierr.Is(err, apierr.BadQuery))
}

func TestWOUDC_Search_Search_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	f := &fakeES{version: "8.17.0", response: hitsResponse}
	c := newClient(t, f, 100*time.Millisecond)

	f.mu.Lock()
	f.delay = 2 * time.Second
	f.mu.Unlock()

	_, err := c.Search(t.Context(), []string{"idx"}, query.Doc{"match_all": query.Doc{}}, query.Page{Size: 1}, nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.Timeout), "got %v", err)
}

func TestWOUDC_Search_Search_CancellationPassesThrough(t *testing.T) {
	t.Parallel()
	f := &fakeES{version: "8.17.0", response: hitsResponse}
	c := newClient(t, f, 5*time.Second)

	f.mu.Lock()
	f.delay = 2 * time.Second
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Search(ctx, []string{"idx"}, query.Doc{"match_all": query.Doc{}}, query.Page{Size: 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, apierr.KindUnknown, apierr.KindOf(err))
}

func TestWOUDC_Search_Search_ConcurrentUse(t *testing.T) {
	t.Parallel()
	c := newClient(t, &fakeES{version: "8.17.0", response: hitsResponse}, time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Search(t.Context(), []string{"idx"}, query.Doc{"match_all": query.Doc{}}, query.Page{Size: 2}, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestWOUDC_Search_Body_OmitsEmptySort(t *testing.T) {
	t.Parallel()
	body := search.Body(query.Doc{"match_all": query.Doc{}}, query.Page{From: 0, Size: 5}, nil)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "sort"))
}
