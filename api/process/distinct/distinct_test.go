package distinct_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/process/distinct"
	"github.com/woudc/woudc-api/api/search/searchtesting"
	woudctesting "github.com/woudc/woudc-api/utils/pkg/testing"
)

const instrumentIndex = "woudc_data_registry.instrument"

func instrument(id, name, model, station, start, end string) map[string]any {
	props := map[string]any{
		"name":         name,
		"model":        model,
		"station_id":   station,
		"station_name": "Station " + station,
		"start_date":   start,
	}
	if end != "" {
		props["end_date"] = end
	}
	return map[string]any{
		"id":         id,
		"type":       "Feature",
		"geometry":   map[string]any{"type": "Point", "coordinates": []float64{5, 50}},
		"properties": props,
	}
}

func newProcess(t *testing.T, gw *searchtesting.Memory) *distinct.Process {
	t.Helper()
	p, err := distinct.New(distinct.Config{
		Logger:   woudctesting.NewLogger(),
		Gateway:  gw,
		Resolver: dataset.NewResolver("woudc_data_registry"),
	})
	require.NoError(t, err)
	return p
}

func seeded() *searchtesting.Memory {
	return searchtesting.NewMemory().Add(instrumentIndex,
		instrument("i1", "Brewer", "MKII", "077", "1990-01-01", "2000-01-01"),
		instrument("i2", "Brewer", "MKII", "077", "1985-06-01", "1995-01-01"),
		instrument("i3", "Brewer", "MKIV", "065", "2001-01-01", ""),
		instrument("i4", "Dobson", "Beck", "065", "1960-01-01", ""),
	)
}

func TestWOUDC_Distinct_Build(t *testing.T) {
	t.Parallel()
	aggs := distinct.Build([]string{"name", "model"}, []string{"station_name", "start_date"})
	raw, err := json.Marshal(aggs)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"distinct_name": {
			"terms": {"size": 10000, "field": "properties.name.raw", "order": {"_key": "asc"}},
			"aggregations": {
				"distinct_model": {
					"terms": {"size": 10000, "field": "properties.model.raw", "order": {"_key": "asc"}},
					"aggregations": {
						"example": {"top_hits": {"size": 1, "_source": {"includes": ["properties.station_name", "geometry"]}}},
						"start_date": {"min": {"field": "properties.start_date"}}
					}
				}
			}
		}
	}`, string(raw))
}

func TestWOUDC_Distinct_FlattensGroups(t *testing.T) {
	t.Parallel()
	res, err := newProcess(t, seeded()).Execute(t.Context(), distinct.Inputs{
		Index:  "instrument",
		Fields: []string{"name", "model"},
		Source: []string{"station_id", "start_date", "end_date"},
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 3)

	var keys [][2]any
	for _, g := range res.Groups {
		p := g["properties"].(map[string]any)
		keys = append(keys, [2]any{p["name"], p["model"]})
		assert.NotContains(t, g, "id")
		assert.NotContains(t, g, "type")
		assert.Contains(t, g, "geometry")
	}
	assert.Equal(t, [][2]any{{"Brewer", "MKII"}, {"Brewer", "MKIV"}, {"Dobson", "Beck"}}, keys)

	mkii := res.Groups[0]["properties"].(map[string]any)
	assert.Equal(t, "1985-06-01", mkii["start_date"], "earliest start of the group")
	assert.Equal(t, "2000-01-01", mkii["end_date"], "latest end of the group")

	mkiv := res.Groups[1]["properties"].(map[string]any)
	assert.Contains(t, mkiv, "end_date")
	assert.Nil(t, mkiv["end_date"], "open ended group")
}

func TestWOUDC_Distinct_NamedGroups(t *testing.T) {
	t.Parallel()
	res, err := newProcess(t, seeded()).Execute(t.Context(), distinct.Inputs{
		Index: "instrument",
		Groups: map[string][]string{
			"names":    {"name"},
			"stations": {"station_id"},
		},
	})
	require.NoError(t, err)
	require.Nil(t, res.Groups)
	require.Len(t, res.Named["names"], 2)
	require.Len(t, res.Named["stations"], 2)
	assert.Equal(t, "065", res.Named["stations"][0]["properties"].(map[string]any)["station_id"])

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var decoded map[string][]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded, 2)
}

func TestWOUDC_Distinct_InvalidInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   distinct.Inputs
		want apierr.Kind
	}{
		{"no fields", distinct.Inputs{Index: "instrument"}, apierr.InvalidQuery},
		{"both forms", distinct.Inputs{Index: "instrument", Fields: []string{"name"}, Groups: map[string][]string{"a": {"name"}}}, apierr.InvalidQuery},
		{"bad field", distinct.Inputs{Index: "instrument", Fields: []string{"name.raw"}}, apierr.InvalidQuery},
		{"bad group name", distinct.Inputs{Index: "instrument", Groups: map[string][]string{"a>b": {"name"}}}, apierr.InvalidQuery},
		{"empty group", distinct.Inputs{Index: "instrument", Groups: map[string][]string{"a": {}}}, apierr.InvalidQuery},
		{"bad index", distinct.Inputs{Index: "in/strument", Fields: []string{"name"}}, apierr.InvalidDataset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := seeded()
			_, err := newProcess(t, gw).Execute(t.Context(), tt.in)
			assert.Equal(t, tt.want, apierr.KindOf(err), "got %v", err)
			assert.Empty(t, gw.Calls())
		})
	}
}

func TestWOUDC_Distinct_MissingIndex(t *testing.T) {
	t.Parallel()
	_, err := newProcess(t, seeded()).Execute(t.Context(), distinct.Inputs{Index: "station", Fields: []string{"name"}})
	assert.True(t, apierr.Is(err, apierr.NotFound))
}
