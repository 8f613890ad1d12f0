// Package provider serves collection queries: it resolves a collection to its
// indices, translates the query, searches and maps hits to GeoJSON features.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/mapper"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
)

// SchemaSource derives a collection schema from the store.
type SchemaSource interface {
	Schema(ctx context.Context, index, idField, timeField string) (query.Schema, error)
}

type Config struct {
	Logger   *slog.Logger
	Gateway  search.Gateway
	Resolver *dataset.Resolver
	Limits   query.Limits

	// Schemas, when set, reads each collection's fields from its mapping.
	// Otherwise the built-in record layouts are used.
	Schemas SchemaSource
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
	if cfg.Limits == (query.Limits{}) {
		cfg.Limits = query.DefaultLimits
	}
	return nil
}

type Provider struct {
	cfg Config
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg}, nil
}

// FeatureCollection is one page of a collection query.
type FeatureCollection struct {
	Features       *geojson.FeatureCollection
	NumberMatched  int
	NumberReturned int
	Offset         int
	// Limit is the page size actually used.
	Limit        int
	LimitClamped bool
}

// Query runs spec against collection, which may name several datasets
// separated by commas.
func (p *Provider) Query(ctx context.Context, collection string, spec query.Spec) (*FeatureCollection, error) {
	sel, err := p.cfg.Resolver.Resolve(collection)
	if err != nil {
		return nil, err
	}
	schema, err := p.schema(ctx, sel)
	if err != nil {
		return nil, err
	}
	tr, err := query.NewTranslator(schema, p.cfg.Limits).Translate(spec)
	if err != nil {
		return nil, err
	}

	hits, err := p.cfg.Gateway.Search(ctx, sel.Indices(), tr.Query, tr.Page, tr.Sort)
	if err != nil {
		return nil, err
	}
	records, err := mapper.Records(hits.Hits, sel)
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, r := range records {
		fc.Append(mapper.Feature(r))
	}
	if tr.LimitClamped {
		p.cfg.Logger.Debug("limit clamped", "collection", collection, "requested", tr.RequestedLimit, "limit", tr.Page.Size)
	}
	return &FeatureCollection{
		Features:       fc,
		NumberMatched:  hits.Total,
		NumberReturned: len(records),
		Offset:         tr.Page.From,
		Limit:          tr.Page.Size,
		LimitClamped:   tr.LimitClamped,
	}, nil
}

// Get returns the feature with the given identifier.
func (p *Provider) Get(ctx context.Context, collection, id string) (*geojson.Feature, error) {
	sel, err := p.cfg.Resolver.Resolve(collection)
	if err != nil {
		return nil, err
	}
	schema, err := p.schema(ctx, sel)
	if err != nil {
		return nil, err
	}
	tr, err := query.NewTranslator(schema, p.cfg.Limits).Translate(query.Spec{
		Properties: map[string]any{schema.ID: id},
		Paging:     query.Paging{Limit: query.Limit(1)},
	})
	if err != nil {
		return nil, err
	}

	hits, err := p.cfg.Gateway.Search(ctx, sel.Indices(), tr.Query, tr.Page, tr.Sort)
	if err != nil {
		return nil, err
	}
	if len(hits.Hits) == 0 {
		return nil, apierr.Field(apierr.NotFound, "get", schema.ID, "no record with identifier "+id)
	}
	rec, err := mapper.FromHit(hits.Hits[0], sel)
	if err != nil {
		return nil, err
	}
	return mapper.Feature(rec), nil
}

func (p *Provider) schema(ctx context.Context, sel dataset.Selection) (query.Schema, error) {
	base := query.RecordSchema
	if len(sel) > 0 && sel[0].Peer {
		base = query.PeerSchema
	}
	if p.cfg.Schemas == nil {
		return base, nil
	}
	return p.cfg.Schemas.Schema(ctx, strings.Join(sel.Indices(), ","), base.ID, base.Time)
}
