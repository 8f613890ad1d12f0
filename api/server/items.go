package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/provider"
	"github.com/woudc/woudc-api/api/query"
)

// Collections is the record query surface served under /oapi/collections.
type Collections interface {
	Query(ctx context.Context, collection string, spec query.Spec) (*provider.FeatureCollection, error)
	Get(ctx context.Context, collection, id string) (*geojson.Feature, error)
}

// reserved query parameters; every other parameter filters a property.
var reserved = map[string]bool{
	"bbox": true, "datetime": true, "sortby": true, "filter": true, "filter-lang": true,
	"limit": true, "offset": true, "f": true, "lang": true, "properties": true,
}

type itemsResponse struct {
	Type           string             `json:"type"`
	Features       []*geojson.Feature `json:"features"`
	NumberMatched  int                `json:"numberMatched"`
	NumberReturned int                `json:"numberReturned"`
	Offset         int                `json:"offset"`
	Limit          int                `json:"limit"`
}

func (s *Server) itemsHandler(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	spec, err := ParseItemsQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fc, err := s.cfg.Collections.Query(r.Context(), collection, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	features := fc.Features.Features
	if features == nil {
		features = []*geojson.Feature{}
	}
	s.writeJSON(w, http.StatusOK, itemsResponse{
		Type:           "FeatureCollection",
		Features:       features,
		NumberMatched:  fc.NumberMatched,
		NumberReturned: fc.NumberReturned,
		Offset:         fc.Offset,
		Limit:          fc.Limit,
	})
}

func (s *Server) itemHandler(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Collections.Get(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

// ParseItemsQuery reads an items request: bbox, datetime, sortby, filter
// (CQL2 JSON), limit and offset, and one property filter per remaining
// parameter.
func ParseItemsQuery(v url.Values) (query.Spec, error) {
	var spec query.Spec
	var err error

	if b := v.Get("bbox"); b != "" {
		if spec.BBox, err = query.ParseBBox(b); err != nil {
			return query.Spec{}, err
		}
	}
	if spec.Datetime, err = query.ParseDatetime(v.Get("datetime")); err != nil {
		return query.Spec{}, err
	}
	if spec.Sort, err = query.ParseSortBy(v.Get("sortby")); err != nil {
		return query.Spec{}, err
	}
	if f := v.Get("filter"); f != "" {
		if lang := v.Get("filter-lang"); lang != "" && lang != "cql2-json" {
			return query.Spec{}, apierr.Field(apierr.InvalidQuery, "parse items", "filter-lang", "only cql2-json filters are supported")
		}
		if spec.Filter, err = query.ParseFilter(f); err != nil {
			return query.Spec{}, err
		}
	}
	if spec.Paging, err = parsePaging(v); err != nil {
		return query.Spec{}, err
	}

	for name, values := range v {
		if reserved[name] || len(values) == 0 {
			continue
		}
		if spec.Properties == nil {
			spec.Properties = map[string]any{}
		}
		spec.Properties[name] = values[0]
	}
	return spec, nil
}

// parsePaging reads limit and offset. Clamping belongs to the translator, so
// a large limit passes through.
func parsePaging(v url.Values) (query.Paging, error) {
	var p query.Paging
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return p, apierr.Field(apierr.InvalidQuery, "parse paging", "limit", "limit must be an integer")
		}
		p.Limit = query.Limit(n)
	}
	if o := v.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil {
			return p, apierr.Field(apierr.InvalidQuery, "parse paging", "offset", "offset must be an integer")
		}
		p.Offset = n
	}
	return p, nil
}
