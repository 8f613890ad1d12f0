// Package query translates collection queries into Elasticsearch query
// documents.
package query

import (
	"sort"
	"time"

	"github.com/woudc/woudc-api/api/apierr"
)

// Doc is a JSON object in the store's query language.
type Doc = map[string]any

// Sort is one store-side sort directive.
type Sort struct {
	Path string
	Desc bool
}

// Doc renders the directive as {"<path>": {"order": "asc"|"desc"}}.
func (s Sort) Doc() Doc {
	order := "asc"
	if s.Desc {
		order = "desc"
	}
	return Doc{s.Path: Doc{"order": order}}
}

// Page is the effective result window.
type Page struct {
	From int
	Size int
}

// Limits bounds page sizes.
type Limits struct {
	Default int
	Max     int
}

// DefaultLimits mirrors the host defaults.
var DefaultLimits = Limits{Default: 100, Max: 1000}

// Translation is a translated query plus its paging and sort directives.
type Translation struct {
	Query Doc
	Page  Page
	Sort  []Sort

	// RequestedLimit is the caller's limit, or the default when none was given.
	RequestedLimit int
	// LimitClamped is set when RequestedLimit exceeded the configured maximum
	// and Page.Size was lowered to it.
	LimitClamped bool
}

// Translator converts Specs into store queries for one schema.
type Translator struct {
	schema Schema
	limits Limits
}

func NewTranslator(schema Schema, limits Limits) *Translator {
	if limits.Max <= 0 {
		limits.Max = DefaultLimits.Max
	}
	if limits.Default <= 0 || limits.Default > limits.Max {
		limits.Default = min(DefaultLimits.Default, limits.Max)
	}
	return &Translator{schema: schema, limits: limits}
}

// Schema returns the schema the translator validates against.
func (t *Translator) Schema() Schema { return t.schema }

// Translate validates spec and builds the store query. Every failure is
// reported before any store call: invalid structure as apierr.InvalidQuery
// and references to fields outside the schema as apierr.UnknownField.
func (t *Translator) Translate(spec Spec) (*Translation, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	q, err := t.where(spec)
	if err != nil {
		return nil, err
	}

	sorts, err := t.sortKeys(spec.Sort)
	if err != nil {
		return nil, err
	}

	requested := t.limits.Default
	if spec.Paging.Limit != nil {
		requested = *spec.Paging.Limit
	}
	size := requested
	clamped := false
	if size > t.limits.Max {
		size = t.limits.Max
		clamped = true
	}

	return &Translation{
		Query:          q,
		Page:           Page{From: spec.Paging.Offset, Size: size},
		Sort:           sorts,
		RequestedLimit: requested,
		LimitClamped:   clamped,
	}, nil
}

// Where builds only the query clause of spec, ignoring paging and sort. It is
// used by aggregations that share the spatial, temporal and property filters.
func (t *Translator) Where(spec Spec) (Doc, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return t.where(spec)
}

func (t *Translator) where(spec Spec) (Doc, error) {
	var clauses []Doc

	if spec.BBox != nil {
		b := spec.BBox
		clauses = append(clauses, Doc{
			"geo_shape": Doc{
				t.schema.Geometry: Doc{
					"shape": Doc{
						"type":        "envelope",
						"coordinates": [][2]float64{{b.Min.X(), b.Max.Y()}, {b.Max.X(), b.Min.Y()}},
					},
					"relation": "intersects",
				},
			},
		})
	}

	if spec.Datetime != nil && !spec.Datetime.Open() {
		f, err := t.schema.Lookup(t.schema.Time)
		if err != nil {
			return nil, err
		}
		bounds := Doc{}
		if spec.Datetime.Start != nil {
			bounds["gte"] = spec.Datetime.Start.UTC().Format(time.RFC3339Nano)
		}
		if spec.Datetime.End != nil {
			bounds["lte"] = spec.Datetime.End.UTC().Format(time.RFC3339Nano)
		}
		clauses = append(clauses, Doc{"range": Doc{f.Path: bounds}})
	}

	names := make([]string, 0, len(spec.Properties))
	for name := range spec.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := t.schema.Lookup(name)
		if err != nil {
			return nil, err
		}
		v, err := coerce(f, spec.Properties[name])
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, Doc{"term": Doc{f.Path: v}})
	}

	if spec.Filter != nil {
		c, err := t.compile(spec.Filter)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}

	if len(clauses) == 0 {
		return Doc{"match_all": Doc{}}, nil
	}
	return Doc{"bool": Doc{"filter": clauses}}, nil
}

func (t *Translator) sortKeys(keys []SortKey) ([]Sort, error) {
	out := make([]Sort, 0, len(keys)+1)
	hasID := false
	for _, k := range keys {
		f, err := t.schema.Lookup(k.Field)
		if err != nil {
			return nil, err
		}
		if k.Field == t.schema.ID {
			hasID = true
		}
		out = append(out, Sort{Path: f.Path, Desc: k.Desc})
	}
	if !hasID {
		f, err := t.schema.Lookup(t.schema.ID)
		if err != nil {
			return nil, apierr.Field(apierr.UnknownField, "translate", t.schema.ID, "identifier field is missing from schema")
		}
		out = append(out, Sort{Path: f.Path})
	}
	return out, nil
}
