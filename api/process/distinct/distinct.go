// Package distinct approximates SELECT DISTINCT over a registry index: it
// returns one representative document per unique combination of field
// values.
package distinct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/metrics"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
)

const ProcessID = "woudc-data-registry-select-distinct"

const (
	// maxBuckets bounds the distinct values returned per field.
	maxBuckets = 10000

	exampleAgg   = "example"
	startDateAgg = "start_date"
	endDateAgg   = "end_date"
)

type Config struct {
	Logger   *slog.Logger
	Gateway  search.Gateway
	Resolver *dataset.Resolver
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	return nil
}

// Inputs name the index and the fields identifying a group. Exactly one of
// Fields and Groups is set; Groups runs several independent groupings in one
// request. Source lists extra properties copied from each group's
// representative; "start_date" and "end_date" become the group's earliest
// start and latest end.
type Inputs struct {
	Index  string
	Fields []string
	Groups map[string][]string
	Source []string
}

// Group is the representative document of one group with its distinct
// field values set on its properties.
type Group map[string]any

// Result holds Groups for a single grouping or Named for several.
type Result struct {
	Groups []Group
	Named  map[string][]Group
}

// MarshalJSON renders a single grouping as a list and several as an object.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Named != nil {
		return json.Marshal(r.Named)
	}
	if r.Groups == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Groups)
}

type Process struct {
	cfg Config
}

func New(cfg Config) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Process{cfg: cfg}, nil
}

func (p *Process) Execute(ctx context.Context, in Inputs) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordProcess(ProcessID, time.Since(start), err) }()

	if (len(in.Fields) == 0) == (len(in.Groups) == 0) {
		return nil, apierr.Field(apierr.InvalidQuery, "distinct", "distinct", "give either a field list or named groups")
	}
	index, err := p.cfg.Resolver.Index(in.Index)
	if err != nil {
		return nil, err
	}
	if err := checkFields("source", in.Source); err != nil {
		return nil, err
	}

	matchAll := query.Doc{"match_all": query.Doc{}}
	if len(in.Fields) > 0 {
		if err := checkFields("distinct", in.Fields); err != nil {
			return nil, err
		}
		aggs, err := p.cfg.Gateway.Aggregate(ctx, []string{index}, matchAll, Build(in.Fields, in.Source))
		if err != nil {
			return nil, err
		}
		groups, err := Unwrap(gjson.ParseBytes(aggs.Raw), in.Fields)
		if err != nil {
			return nil, err
		}
		return &Result{Groups: groups}, nil
	}

	names := make([]string, 0, len(in.Groups))
	for name, fields := range in.Groups {
		if !validName(name) {
			return nil, apierr.Field(apierr.InvalidQuery, "distinct", "distinct", fmt.Sprintf("invalid group name %q", name))
		}
		if err := checkFields("distinct."+name, fields); err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, apierr.Field(apierr.InvalidQuery, "distinct", "distinct."+name, "group has no fields")
		}
		names = append(names, name)
	}
	sort.Strings(names)

	aggs := query.Doc{}
	for _, name := range names {
		aggs[name] = query.Doc{
			"global":       query.Doc{},
			"aggregations": Build(in.Groups[name], in.Source),
		}
	}
	resp, err := p.cfg.Gateway.Aggregate(ctx, []string{index}, matchAll, aggs)
	if err != nil {
		return nil, err
	}
	var byName map[string]json.RawMessage
	if err := json.Unmarshal(resp.Raw, &byName); err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "distinct", fmt.Errorf("decode aggregations: %w", err))
	}
	named := make(map[string][]Group, len(names))
	for _, name := range names {
		groups, err := Unwrap(gjson.ParseBytes(byName[name]), in.Groups[name])
		if err != nil {
			return nil, err
		}
		named[name] = groups
	}
	p.cfg.Logger.Debug("distinct executed", "index", index, "groups", names)
	return &Result{Named: named}, nil
}

// checkFields accepts property names made of letters, digits, '_' and '-'.
func checkFields(input string, fields []string) error {
	for _, f := range fields {
		if !validName(f) {
			return apierr.Field(apierr.InvalidQuery, "distinct", input, fmt.Sprintf("invalid field name %q", f))
		}
	}
	return nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func aggName(field string) string { return "distinct_" + field }

// Build nests one terms aggregation per field around a representative
// top_hits. Earlier fields are outer aggregations.
func Build(fields, source []string) query.Doc {
	core := query.Doc{exampleAgg: query.Doc{"top_hits": query.Doc{"size": 1}}}
	if source != nil {
		includes := []string{}
		for _, f := range source {
			switch f {
			case startDateAgg:
				core[startDateAgg] = query.Doc{"min": query.Doc{"field": "properties.start_date"}}
			case endDateAgg:
				core[endDateAgg] = query.Doc{"max": query.Doc{"field": "properties.end_date"}}
			default:
				includes = append(includes, "properties."+f)
			}
		}
		includes = append(includes, "geometry")
		core[exampleAgg].(query.Doc)["top_hits"].(query.Doc)["_source"] = query.Doc{"includes": includes}
	}

	wrapped := core
	for _, f := range slices.Backward(fields) {
		wrapped = query.Doc{
			aggName(f): query.Doc{
				"terms": query.Doc{
					"size":  maxBuckets,
					"field": "properties." + f + ".raw",
					"order": query.Doc{"_key": "asc"},
				},
				"aggregations": wrapped,
			},
		}
	}
	return wrapped
}

// Unwrap flattens a Build response into one Group per leaf bucket, in bucket
// order.
func Unwrap(resp gjson.Result, fields []string) ([]Group, error) {
	if len(fields) == 0 {
		g, err := leaf(resp)
		if err != nil || g == nil {
			return nil, err
		}
		return []Group{g}, nil
	}

	var out []Group
	var err error
	resp.Get(aggName(fields[0]) + ".buckets").ForEach(func(_, bucket gjson.Result) bool {
		var sub []Group
		sub, err = Unwrap(bucket, fields[1:])
		if err != nil {
			return false
		}
		key := bucket.Get("key").Value()
		for _, g := range sub {
			props(g)[fields[0]] = key
			out = append(out, g)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func leaf(resp gjson.Result) (Group, error) {
	src := resp.Get(exampleAgg + ".hits.hits.0._source")
	if !src.Exists() {
		return nil, nil
	}
	var g Group
	if err := json.Unmarshal([]byte(src.Raw), &g); err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "distinct", fmt.Errorf("decode representative: %w", err))
	}
	delete(g, "id")
	delete(g, "type")

	p := props(g)
	if sd := resp.Get(startDateAgg); sd.Exists() {
		p[startDateAgg] = dateValue(sd)
	}
	if ed := resp.Get(endDateAgg); ed.Exists() {
		p[endDateAgg] = dateValue(ed)
	}
	return g, nil
}

func dateValue(agg gjson.Result) any {
	if agg.Get("value").Type == gjson.Null {
		return nil
	}
	return agg.Get("value_as_string").String()
}

func props(g Group) map[string]any {
	p, ok := g["properties"].(map[string]any)
	if !ok {
		p = map[string]any{}
		g["properties"] = p
	}
	return p
}
