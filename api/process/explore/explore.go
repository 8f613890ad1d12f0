// Package explore implements the discovery workflow: it lists the
// station/dataset pairs matching a search, each once, with the partner
// network records linked to them.
package explore

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/paulmach/orb"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/mapper"
	"github.com/woudc/woudc-api/api/metrics"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
)

const ProcessID = "woudc-data-registry-explore"

type Config struct {
	Logger   *slog.Logger
	Gateway  search.Gateway
	Resolver *dataset.Resolver
	Limits   query.Limits
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
	if cfg.Limits.Max <= 0 {
		cfg.Limits.Max = query.DefaultLimits.Max
	}
	if cfg.Limits.Default <= 0 {
		cfg.Limits.Default = min(query.DefaultLimits.Default, cfg.Limits.Max)
	}
	return nil
}

// Inputs selects the records to explore. Datasets is required; the rest
// narrow the search.
type Inputs struct {
	Datasets string
	Station  string
	Country  string
	BBox     *orb.Bound
	Datetime *query.Interval
	Paging   query.Paging
}

// Entry is one station/dataset pair.
type Entry struct {
	StationID   string       `json:"station_id"`
	StationName *string      `json:"station_name"`
	CountryID   *string      `json:"country_id"`
	CountryName *string      `json:"country_name"`
	Dataset     string       `json:"dataset"`
	Geometry    orb.Geometry `json:"-"`
	Records     int          `json:"records"`
	FirstTime   *time.Time   `json:"first_time"`
	LastTime    *time.Time   `json:"last_time"`
	LinkKeys    []string     `json:"link_keys"`

	Peers []mapper.PeerDataRecord `json:"peer_data_records"`
}

// Result holds the merged entries. NumberMatched and RecordsReturned count
// records before merging.
type Result struct {
	Entries         []Entry `json:"entries"`
	NumberMatched   int     `json:"number_matched"`
	RecordsReturned int     `json:"records_returned"`
	Limit           int     `json:"limit"`
	LimitClamped    bool    `json:"limit_clamped"`
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

	sel, err := p.cfg.Resolver.Resolve(in.Datasets)
	if err != nil {
		return nil, err
	}
	for _, ds := range sel {
		if ds.Peer {
			return nil, apierr.Field(apierr.InvalidDataset, "explore", ds.Name, "peer records are only reachable through their stations")
		}
	}

	props := map[string]any{}
	if in.Station != "" {
		props["platform_id"] = in.Station
	}
	if in.Country != "" {
		props["platform_country"] = in.Country
	}
	tr, err := query.NewTranslator(query.RecordSchema, p.cfg.Limits).Translate(query.Spec{
		BBox:       in.BBox,
		Datetime:   in.Datetime,
		Properties: props,
		Sort:       []query.SortKey{{Field: "platform_id"}},
		Paging:     in.Paging,
	})
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

	entries := group(records)
	if err := p.attachPeers(ctx, entries); err != nil {
		return nil, err
	}

	p.cfg.Logger.Debug("explore executed", "datasets", sel.Names(), "matched", hits.Total, "entries", len(entries))
	return &Result{
		Entries:         entries,
		NumberMatched:   hits.Total,
		RecordsReturned: len(records),
		Limit:           tr.Page.Size,
		LimitClamped:    tr.LimitClamped,
	}, nil
}

type entryKey struct {
	station string
	dataset string
}

// group folds records into one entry per station and dataset, ordered by
// station id then dataset.
func group(records []mapper.Record) []Entry {
	index := make(map[entryKey]int)
	var entries []Entry
	for _, r := range records {
		key := entryKey{dataset: r.Dataset}
		if r.StationID != nil {
			key.station = *r.StationID
		}
		i, ok := index[key]
		if !ok {
			i = len(entries)
			index[key] = i
			entries = append(entries, Entry{
				StationID:   key.station,
				StationName: r.StationName,
				CountryID:   r.CountryID,
				CountryName: r.CountryName,
				Dataset:     r.Dataset,
				Geometry:    r.Geometry,
			})
		}
		e := &entries[i]
		e.Records++
		if r.Time != nil {
			if e.FirstTime == nil || r.Time.Before(*e.FirstTime) {
				e.FirstTime = r.Time
			}
			if e.LastTime == nil || r.Time.After(*e.LastTime) {
				e.LastTime = r.Time
			}
		}
		if r.LinkKey != nil && !slices.Contains(e.LinkKeys, *r.LinkKey) {
			e.LinkKeys = append(e.LinkKeys, *r.LinkKey)
		}
	}
	for i := range entries {
		slices.Sort(entries[i].LinkKeys)
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.StationID, b.StationID), cmp.Compare(a.Dataset, b.Dataset))
	})
	return entries
}

// attachPeers loads the peer records of every linked station and attaches
// each to the entries sharing its station and link key. The peer index is
// paged until every matching record has been seen.
func (p *Process) attachPeers(ctx context.Context, entries []Entry) error {
	var stations, links []any
	for _, e := range entries {
		if e.StationID == "" || len(e.LinkKeys) == 0 {
			continue
		}
		if !slices.Contains(stations, any(e.StationID)) {
			stations = append(stations, e.StationID)
		}
		for _, k := range e.LinkKeys {
			if !slices.Contains(links, any(k)) {
				links = append(links, k)
			}
		}
	}
	if len(stations) == 0 {
		return nil
	}

	tr, err := query.NewTranslator(query.PeerSchema, p.cfg.Limits).Translate(query.Spec{
		Filter: query.Op("and",
			query.Sub(query.Op("in", query.Prop("station_id"), query.Operand{List: stations})),
			query.Sub(query.Op("in", query.Prop("link_key"), query.Operand{List: links})),
		),
		Paging: query.Paging{Limit: query.Limit(p.cfg.Limits.Max)},
	})
	if err != nil {
		return err
	}

	index := []string{p.cfg.Resolver.PeerIndex()}
	for page := tr.Page; ; page.From += page.Size {
		hits, err := p.cfg.Gateway.Search(ctx, index, tr.Query, page, tr.Sort)
		if err != nil {
			return err
		}
		for _, h := range hits.Hits {
			peer, err := mapper.PeerRecord(h)
			if err != nil {
				return err
			}
			attach(entries, peer)
		}
		if len(hits.Hits) < page.Size || page.From+len(hits.Hits) >= hits.Total {
			return nil
		}
	}
}

func attach(entries []Entry, peer mapper.PeerDataRecord) {
	if peer.StationID == nil || peer.LinkKey == nil {
		return
	}
	for i := range entries {
		e := &entries[i]
		if e.StationID != *peer.StationID || !slices.Contains(e.LinkKeys, *peer.LinkKey) {
			continue
		}
		if slices.ContainsFunc(e.Peers, func(x mapper.PeerDataRecord) bool { return x.ID == peer.ID }) {
			continue
		}
		e.Peers = append(e.Peers, peer)
	}
}
