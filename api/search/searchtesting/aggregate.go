package searchtesting

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tidwall/gjson"
)

// aggregate evaluates the aggregation kinds the processes emit: filter,
// global, terms, date_histogram, top_hits, stats, sum, min and max. all is
// the unfiltered document set that global aggregations run over.
func aggregate(aggs map[string]any, docs, all []gjson.Result) (map[string]any, error) {
	out := make(map[string]any, len(aggs))
	for name, spec := range aggs {
		def, ok := spec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("aggregation %q is not an object", name)
		}
		sub := subAggs(def)
		var res map[string]any
		var err error
		for kind, body := range def {
			if kind == "aggs" || kind == "aggregations" {
				continue
			}
			b, _ := body.(map[string]any)
			res, err = evalAgg(kind, b, sub, docs, all)
			if err != nil {
				return nil, fmt.Errorf("aggregation %q: %w", name, err)
			}
		}
		out[name] = res
	}
	return out, nil
}

func subAggs(def map[string]any) map[string]any {
	if s, ok := def["aggs"].(map[string]any); ok {
		return s
	}
	s, _ := def["aggregations"].(map[string]any)
	return s
}

func withSub(res map[string]any, sub map[string]any, docs, all []gjson.Result) (map[string]any, error) {
	if len(sub) == 0 {
		return res, nil
	}
	inner, err := aggregate(sub, docs, all)
	if err != nil {
		return nil, err
	}
	for k, v := range inner {
		res[k] = v
	}
	return res, nil
}

func evalAgg(kind string, b, sub map[string]any, docs, all []gjson.Result) (map[string]any, error) {
	switch kind {
	case "filter":
		var kept []gjson.Result
		for _, d := range docs {
			ok, err := matches(b, d)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, d)
			}
		}
		return withSub(map[string]any{"doc_count": len(kept)}, sub, kept, all)

	case "global":
		return withSub(map[string]any{"doc_count": len(all)}, sub, all, all)

	case "stats", "sum", "min", "max":
		field, _ := b["field"].(string)
		var n int
		var sum float64
		lo, hi := math.Inf(1), math.Inf(-1)
		var loRaw, hiRaw gjson.Result
		for _, d := range docs {
			v := lookup(d, field)
			if !v.Exists() || v.Type == gjson.Null {
				continue
			}
			n++
			f := v.Float()
			if v.Type == gjson.String {
				if t, ok := parseInstant(v.String()); ok {
					f = float64(t.UnixMilli())
				}
			}
			sum += f
			if f < lo {
				lo, loRaw = f, v
			}
			if f > hi {
				hi, hiRaw = f, v
			}
		}
		switch kind {
		case "sum":
			return map[string]any{"value": sum}, nil
		case "min":
			return extremum(n, lo, loRaw), nil
		case "max":
			return extremum(n, hi, hiRaw), nil
		}
		if n == 0 {
			return map[string]any{"count": 0, "min": nil, "max": nil, "avg": nil, "sum": 0.0}, nil
		}
		return map[string]any{"count": n, "min": lo, "max": hi, "avg": sum / float64(n), "sum": sum}, nil

	case "terms":
		field, _ := b["field"].(string)
		groups := map[string][]gjson.Result{}
		for _, d := range docs {
			v := lookup(d, field)
			if !v.Exists() || v.Type == gjson.Null {
				continue
			}
			groups[v.String()] = append(groups[v.String()], d)
		}
		keys := make([]string, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if size, ok := b["size"].(float64); ok && int(size) < len(keys) {
			keys = keys[:int(size)]
		}
		buckets := make([]any, 0, len(keys))
		for _, k := range keys {
			bucket, err := withSub(map[string]any{"key": k, "doc_count": len(groups[k])}, sub, groups[k], all)
			if err != nil {
				return nil, err
			}
			buckets = append(buckets, bucket)
		}
		return map[string]any{"buckets": buckets}, nil

	case "date_histogram":
		field, _ := b["field"].(string)
		interval, _ := b["calendar_interval"].(string)
		layout := "2006"
		if interval == "1M" || interval == "month" {
			layout = "2006-01"
		}
		groups := map[string][]gjson.Result{}
		for _, d := range docs {
			t, ok := parseInstant(lookup(d, field).String())
			if !ok {
				continue
			}
			key := t.UTC().Format(layout)
			groups[key] = append(groups[key], d)
		}
		keys := make([]string, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buckets := make([]any, 0, len(keys))
		for _, k := range keys {
			start, _ := time.Parse(layout, k)
			bucket, err := withSub(map[string]any{
				"key_as_string": k,
				"key":           start.UnixMilli(),
				"doc_count":     len(groups[k]),
			}, sub, groups[k], all)
			if err != nil {
				return nil, err
			}
			buckets = append(buckets, bucket)
		}
		return map[string]any{"buckets": buckets}, nil

	case "top_hits":
		size := 3
		if s, ok := b["size"].(float64); ok {
			size = int(s)
		}
		hits := make([]any, 0, size)
		for i, d := range docs {
			if i == size {
				break
			}
			hits = append(hits, map[string]any{"_id": d.Get("id").String(), "_source": d.Value()})
		}
		return map[string]any{"hits": map[string]any{"total": map[string]any{"value": len(docs)}, "hits": hits}}, nil
	}
	return nil, fmt.Errorf("unsupported aggregation %q", kind)
}

func extremum(n int, v float64, raw gjson.Result) map[string]any {
	if n == 0 {
		return map[string]any{"value": nil}
	}
	out := map[string]any{"value": v}
	if raw.Type == gjson.String {
		out["value_as_string"] = raw.String()
	}
	return out
}
