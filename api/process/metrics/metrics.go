// Package metrics implements the per-dataset aggregation workflow. Every
// dataset is aggregated on its own so one failing dataset is reported next to
// its succeeding siblings.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/mapper"
	apimetrics "github.com/woudc/woudc-api/api/metrics"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
)

const ProcessID = "woudc-data-registry-metrics"

const defaultConcurrency = 4

// Domain selects which filters apply.
type Domain string

const (
	DomainDataset     Domain = "dataset"
	DomainContributor Domain = "contributor"
)

// Timescale sizes the histogram periods. The zero value disables the
// histogram.
type Timescale string

const (
	TimescaleNone  Timescale = ""
	TimescaleYear  Timescale = "year"
	TimescaleMonth Timescale = "month"
)

// HistogramName is the aggregation name of the period histogram, "yearly" or
// "monthly".
func (ts Timescale) HistogramName() string { return string(ts) + "ly" }

func (ts Timescale) interval() (calendar, format string) {
	if ts == TimescaleMonth {
		return "1M", "yyyy-MM"
	}
	return "1y", "yyyy"
}

type Config struct {
	Logger   *slog.Logger
	Gateway  search.Gateway
	Resolver *dataset.Resolver

	// Concurrency bounds the datasets aggregated at once. Defaults to 4.
	Concurrency int
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
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return nil
}

// Inputs select the datasets and the records within them. Datasets is
// required. Level applies to the dataset domain; Country, Station and
// Network to the contributor domain. Peer records honour Source, Station and
// Network.
type Inputs struct {
	Datasets  string
	BBox      *orb.Bound
	Datetime  *query.Interval
	Domain    Domain
	Timescale Timescale

	Level   *int
	Country string
	Station string
	Network string
	Source  string
}

// Failure is a dataset that could not be aggregated.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DatasetMetrics is the outcome for one dataset: a summary, an explicit
// no-data marker or a failure.
type DatasetMetrics struct {
	Dataset    string          `json:"dataset"`
	Summary    *mapper.Summary `json:"summary"`
	NoData     bool            `json:"no_data"`
	TotalFiles int             `json:"total_files"`
	Periods    []mapper.Period `json:"metrics,omitempty"`
	Failure    *Failure        `json:"error,omitempty"`
}

type Result struct {
	Domain    Domain           `json:"domain"`
	Timescale Timescale        `json:"timescale,omitempty"`
	Datasets  []DatasetMetrics `json:"datasets"`
	// TotalFiles sums the files of the datasets that succeeded.
	TotalFiles int `json:"total_files"`
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

// plan is the aggregation of one dataset, built before any store call.
type plan struct {
	ds     dataset.Dataset
	query  query.Doc
	aggs   query.Doc
	fields []string
}

// Execute aggregates every selected dataset. Invalid inputs fail before any
// store call; store failures are reported per dataset. A cancelled ctx
// returns ctx.Err() and no result.
func (p *Process) Execute(ctx context.Context, in Inputs) (res *Result, err error) {
	start := time.Now()
	defer func() { apimetrics.RecordProcess(ProcessID, time.Since(start), err) }()

	if in.Domain == "" {
		in.Domain = DomainDataset
	}
	if in.Domain != DomainDataset && in.Domain != DomainContributor {
		return nil, apierr.Field(apierr.InvalidQuery, "metrics", "domain", fmt.Sprintf("unknown domain %q", in.Domain))
	}
	switch in.Timescale {
	case TimescaleNone, TimescaleYear, TimescaleMonth:
	default:
		return nil, apierr.Field(apierr.InvalidQuery, "metrics", "timescale", fmt.Sprintf("unknown timescale %q", in.Timescale))
	}

	sel, err := p.cfg.Resolver.Resolve(in.Datasets)
	if err != nil {
		return nil, err
	}
	plans := make([]plan, len(sel))
	for i, ds := range sel {
		if plans[i], err = buildPlan(ds, in); err != nil {
			return nil, err
		}
	}

	out := make([]DatasetMetrics, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, pl := range plans {
		g.Go(func() error {
			out[i] = p.aggregate(gctx, pl, in.Timescale)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res = &Result{Domain: in.Domain, Timescale: in.Timescale, Datasets: out}
	for _, d := range out {
		res.TotalFiles += d.TotalFiles
	}
	return res, nil
}

func (p *Process) aggregate(ctx context.Context, pl plan, ts Timescale) DatasetMetrics {
	dm := DatasetMetrics{Dataset: pl.ds.Name}

	aggs, err := p.cfg.Gateway.Aggregate(ctx, []string{pl.ds.Index}, pl.query, pl.aggs)
	if err != nil {
		if ctx.Err() == nil {
			p.cfg.Logger.Warn("dataset aggregation failed", "dataset", pl.ds.Name, "index", pl.ds.Index, "error", err)
		}
		dm.Failure = &Failure{Kind: apierr.KindOf(err).String(), Message: apierr.UserMessage(err)}
		return dm
	}

	bucket := mapper.RootBucket(aggs)
	dm.TotalFiles = bucket.DocCount
	dm.Summary = mapper.Summarize(bucket, pl.fields)
	dm.NoData = dm.Summary == nil
	if ts != TimescaleNone {
		dm.Periods = mapper.Periods(bucket, ts.HistogramName())
	}
	return dm
}

// summaryFields are the numeric properties summarized per dataset kind.
var (
	recordSummaryFields = []string{"number_of_observations"}
	peerSummaryFields   = []string{"level"}
)

func buildPlan(ds dataset.Dataset, in Inputs) (plan, error) {
	schema := query.RecordSchema
	fields := recordSummaryFields
	props := map[string]any{}
	if ds.Peer {
		schema = query.PeerSchema
		fields = peerSummaryFields
		setIf(props, "source", in.Source)
		setIf(props, "station_id", in.Station)
		setIf(props, "instrument_type", in.Network)
	} else if in.Domain == DomainContributor {
		setIf(props, "platform_country", in.Country)
		setIf(props, "platform_id", in.Station)
		setIf(props, "instrument_name", in.Network)
	} else if in.Level != nil {
		props["content_level"] = *in.Level
	}

	q, err := query.NewTranslator(schema, query.DefaultLimits).Where(query.Spec{
		BBox:       in.BBox,
		Datetime:   in.Datetime,
		Properties: props,
	})
	if err != nil {
		return plan{}, err
	}

	aggs := query.Doc{}
	for _, f := range fields {
		field, err := schema.Lookup(f)
		if err != nil {
			return plan{}, err
		}
		aggs[mapper.StatsAggName(f)] = query.Doc{"stats": query.Doc{"field": field.Path}}
	}
	if in.Timescale != TimescaleNone {
		timeField, err := schema.Lookup(schema.Time)
		if err != nil {
			return plan{}, err
		}
		calendar, format := in.Timescale.interval()
		aggs[in.Timescale.HistogramName()] = query.Doc{
			"date_histogram": query.Doc{
				"field":             timeField.Path,
				"calendar_interval": calendar,
				"format":            format,
			},
			"aggregations": query.Doc{
				mapper.ObservationsAggName: query.Doc{"sum": query.Doc{"field": "properties.number_of_observations"}},
			},
		}
	}
	return plan{ds: ds, query: q, aggs: aggs, fields: fields}, nil
}

func setIf(props map[string]any, name, value string) {
	if value != "" {
		props[name] = value
	}
}
