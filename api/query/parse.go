package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/woudc/woudc-api/api/apierr"
)

// ParseBBox parses "minx,miny,maxx,maxy". The six-value 3D form is accepted
// and its elevation dropped.
func ParseBBox(s string) (*orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 6 {
		return nil, apierr.New(apierr.InvalidQuery, "parse bbox", fmt.Sprintf("bbox needs 4 or 6 values, got %d", len(parts)))
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apierr.New(apierr.InvalidQuery, "parse bbox", fmt.Sprintf("bbox value %q is not a number", p))
		}
		vals[i] = v
	}
	if len(vals) == 6 {
		vals = []float64{vals[0], vals[1], vals[3], vals[4]}
	}
	b := orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}
	if err := ValidateBBox(b); err != nil {
		return nil, err
	}
	return &b, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTime parses an RFC 3339 instant or a bare date. dateOnly is set for
// the bare form. Times without a zone are taken as UTC.
func parseTime(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("invalid time %q", s)
}

func endOfDay(t time.Time) time.Time {
	return t.AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// ParseDatetime parses an instant or an interval "start/end" where either side
// may be ".." or empty for unbounded. A bare date end extends to the last
// instant of that day; a bare date instant covers the whole day.
func ParseDatetime(s string) (*Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fail := func(err error) (*Interval, error) {
		return nil, apierr.Wrap(apierr.InvalidQuery, "parse datetime", err)
	}

	if !strings.Contains(s, "/") {
		t, dateOnly, err := parseTime(s)
		if err != nil {
			return fail(err)
		}
		end := t
		if dateOnly {
			end = endOfDay(t)
		}
		return &Interval{Start: &t, End: &end}, nil
	}

	startRaw, endRaw, _ := strings.Cut(s, "/")
	iv := &Interval{}
	if startRaw != "" && startRaw != ".." {
		t, _, err := parseTime(startRaw)
		if err != nil {
			return fail(err)
		}
		iv.Start = &t
	}
	if endRaw != "" && endRaw != ".." {
		t, dateOnly, err := parseTime(endRaw)
		if err != nil {
			return fail(err)
		}
		if dateOnly {
			t = endOfDay(t)
		}
		iv.End = &t
	}
	if iv.Start != nil && iv.End != nil && iv.Start.After(*iv.End) {
		return nil, apierr.New(apierr.InvalidQuery, "parse datetime", "datetime start is after end")
	}
	return iv, nil
}

// ParseSortBy parses "field,+field,-field". A leading "-" sorts descending.
func ParseSortBy(s string) ([]SortKey, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		k := SortKey{Field: part}
		switch {
		case strings.HasPrefix(part, "-"):
			k = SortKey{Field: part[1:], Desc: true}
		case strings.HasPrefix(part, "+"):
			k = SortKey{Field: part[1:]}
		}
		if k.Field == "" {
			return nil, apierr.New(apierr.InvalidQuery, "parse sortby", "empty sort key")
		}
		keys = append(keys, k)
	}
	return keys, nil
}
