// Package mapper turns raw store hits and aggregation buckets into domain
// values. Absent optional fields map to nil, never to zero values.
package mapper

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/search"
)

// Measurement is one observed value.
type Measurement struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  *string `json:"unit"`
}

// Provenance identifies who produced a record and where it is published.
type Provenance struct {
	Agency  *string `json:"agency"`
	Version *string `json:"version"`
	URL     *string `json:"url"`
}

// Record is one observational reading.
type Record struct {
	ID           string        `json:"id"`
	Dataset      string        `json:"dataset"`
	StationID    *string       `json:"station_id"`
	StationName  *string       `json:"station_name"`
	CountryID    *string       `json:"country_id"`
	CountryName  *string       `json:"country_name"`
	Geometry     orb.Geometry  `json:"-"`
	Time         *time.Time    `json:"time"`
	EndTime      *time.Time    `json:"end_time"`
	Measurements []Measurement `json:"measurements"`
	Provenance   Provenance    `json:"provenance"`
	// LinkKey is the store supplied key joining a record to its peer records.
	LinkKey *string `json:"link_key"`

	// Properties is the raw property object of the hit.
	Properties map[string]any `json:"-"`
}

// PeerDataRecord is a partner network observation linked to a station.
type PeerDataRecord struct {
	ID             string       `json:"id"`
	Source         *string      `json:"source"`
	StationID      *string      `json:"station_id"`
	StationName    *string      `json:"station_name"`
	CountryID      *string      `json:"country_id"`
	InstrumentType *string      `json:"instrument_type"`
	Geometry       orb.Geometry `json:"-"`
	Start          *time.Time   `json:"start_datetime"`
	End            *time.Time   `json:"end_datetime"`
	URL            *string      `json:"url"`
	LinkKey        *string      `json:"link_key"`
}

// FromHit maps one data record hit. The dataset name comes from the selection
// entry owning the hit's index, falling back to the record's content category.
func FromHit(hit search.Hit, sel dataset.Selection) (Record, error) {
	src, err := source(hit)
	if err != nil {
		return Record{}, err
	}
	props := src.Get("properties")

	rec := Record{
		ID:          recordID(hit, props),
		StationID:   str(props, "platform_id"),
		StationName: str(props, "platform_name"),
		CountryID:   str(props, "platform_country"),
		CountryName: str(props, "country_name"),
		Provenance: Provenance{
			Agency:  str(props, "data_generation_agency"),
			Version: str(props, "data_generation_version"),
			URL:     str(props, "url"),
		},
		LinkKey: str(props, "link_key"),
	}

	if ds, ok := sel.ByIndex(hit.Index); ok {
		rec.Dataset = ds.Name
	} else if c := str(props, "content_category"); c != nil {
		rec.Dataset = *c
	} else {
		rec.Dataset = hit.Index
	}

	if rec.Geometry, err = geometry(src.Get("geometry")); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if rec.Time, err = timestamp(props, "timestamp_date", "timestamp_time"); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if rec.EndTime, err = timestamp(props, "timestamp_end_date", ""); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Measurements = measurements(props)

	if props.IsObject() {
		if err := json.Unmarshal([]byte(props.Raw), &rec.Properties); err != nil {
			return Record{}, fmt.Errorf("record %s: decode properties: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// Records maps every hit, failing on the first malformed one.
func Records(hits []search.Hit, sel dataset.Selection) ([]Record, error) {
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		r, err := FromHit(h, sel)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// PeerRecord maps one hit from the peer data record index.
func PeerRecord(hit search.Hit) (PeerDataRecord, error) {
	src, err := source(hit)
	if err != nil {
		return PeerDataRecord{}, err
	}
	props := src.Get("properties")

	rec := PeerDataRecord{
		ID:             recordID(hit, props),
		Source:         str(props, "source"),
		StationID:      str(props, "station_id"),
		StationName:    str(props, "station_name"),
		CountryID:      str(props, "country_id"),
		InstrumentType: str(props, "instrument_type"),
		URL:            str(props, "url"),
		LinkKey:        str(props, "link_key"),
	}
	if rec.Geometry, err = geometry(src.Get("geometry")); err != nil {
		return PeerDataRecord{}, fmt.Errorf("peer record %s: %w", rec.ID, err)
	}
	if rec.Start, err = timestamp(props, "start_datetime", ""); err != nil {
		return PeerDataRecord{}, fmt.Errorf("peer record %s: %w", rec.ID, err)
	}
	if rec.End, err = timestamp(props, "end_datetime", ""); err != nil {
		return PeerDataRecord{}, fmt.Errorf("peer record %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Feature renders a record as a GeoJSON feature. Raw properties are kept and
// the dataset name is added.
func Feature(r Record) *geojson.Feature {
	f := geojson.NewFeature(r.Geometry)
	f.ID = r.ID
	f.Properties = make(geojson.Properties, len(r.Properties)+1)
	maps.Copy(f.Properties, r.Properties)
	f.Properties["dataset"] = r.Dataset
	return f
}

func source(hit search.Hit) (gjson.Result, error) {
	if len(hit.Source) == 0 {
		return gjson.Result{}, fmt.Errorf("hit %s has no source", hit.ID)
	}
	if !gjson.ValidBytes(hit.Source) {
		return gjson.Result{}, fmt.Errorf("hit %s has a malformed source", hit.ID)
	}
	return gjson.ParseBytes(hit.Source), nil
}

func recordID(hit search.Hit, props gjson.Result) string {
	if hit.ID != "" {
		return hit.ID
	}
	return props.Get("identifier").String()
}

// str returns a property as a string, or nil when it is missing, null or
// blank. Numbers keep their literal form.
func str(props gjson.Result, name string) *string {
	v := props.Get(name)
	var s string
	switch v.Type {
	case gjson.String:
		s = strings.TrimSpace(v.Str)
	case gjson.Number:
		s = v.Raw
	case gjson.True, gjson.False:
		s = v.Raw
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// timestamp reads a date or datetime property. When timeField names a
// separate HH:MM:SS property it is combined with a date-only value.
func timestamp(props gjson.Result, dateField, timeField string) (*time.Time, error) {
	d := str(props, dateField)
	if d == nil {
		return nil, nil
	}
	value := *d
	if timeField != "" && len(value) == len(time.DateOnly) {
		if tm := str(props, timeField); tm != nil {
			value += "T" + *tm
		}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	// A malformed time of day still leaves a usable date.
	if t, err := time.Parse(time.DateOnly, *d); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("property %s has unrecognized time %q", dateField, *d)
}

func geometry(g gjson.Result) (orb.Geometry, error) {
	if !g.Exists() || g.Type == gjson.Null {
		return nil, nil
	}
	geom, err := geojson.UnmarshalGeometry([]byte(g.Raw))
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	return geom.Geometry(), nil
}

// measurements reads the optional "measurements" list of {name, value, unit}
// objects. Entries without a numeric value are skipped.
func measurements(props gjson.Result) []Measurement {
	var out []Measurement
	props.Get("measurements").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("name").String()
		v := m.Get("value")
		if name == "" || v.Type != gjson.Number {
			return true
		}
		out = append(out, Measurement{Name: name, Value: v.Float(), Unit: str(m, "unit")})
		return true
	})
	return out
}
