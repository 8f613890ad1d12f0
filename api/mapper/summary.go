package mapper

import (
	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/search"
)

// Bucket is one aggregation bucket: its document count and sub-aggregations.
type Bucket struct {
	DocCount int
	Aggs     gjson.Result
}

// RootBucket views a whole aggregation response as a bucket.
func RootBucket(a *search.Aggregations) Bucket {
	if a == nil {
		return Bucket{}
	}
	return Bucket{DocCount: a.Total, Aggs: gjson.ParseBytes(a.Raw)}
}

// FieldStats summarizes one numeric field.
type FieldStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Sum   float64 `json:"sum"`
}

// Summary is the aggregate of one dataset.
type Summary struct {
	Count  int                   `json:"count"`
	Fields map[string]FieldStats `json:"fields"`
}

// StatsAggName is the sub-aggregation name carrying stats for field.
func StatsAggName(field string) string { return "stats_" + field }

// Summarize maps a bucket holding StatsAggName sub-aggregations for fields. A
// bucket without documents has no summary. Fields no document carries are
// left out.
func Summarize(b Bucket, fields []string) *Summary {
	if b.DocCount <= 0 {
		return nil
	}
	s := &Summary{Count: b.DocCount, Fields: make(map[string]FieldStats, len(fields))}
	for _, f := range fields {
		st := b.Aggs.Get(StatsAggName(f))
		n := int(st.Get("count").Int())
		if n == 0 {
			continue
		}
		s.Fields[f] = FieldStats{
			Count: n,
			Min:   st.Get("min").Float(),
			Max:   st.Get("max").Float(),
			Mean:  st.Get("avg").Float(),
			Sum:   st.Get("sum").Float(),
		}
	}
	return s
}

// Period is one non-empty date histogram bucket.
type Period struct {
	Key          string  `json:"key"`
	Files        int     `json:"total_files"`
	Observations float64 `json:"total_obs"`
}

// ObservationsAggName is the per-period sum of observation counts.
const ObservationsAggName = "total_obs"

// Periods maps the date histogram named hist inside b. Buckets without
// documents are skipped.
func Periods(b Bucket, hist string) []Period {
	var out []Period
	b.Aggs.Get(hist + ".buckets").ForEach(func(_, bucket gjson.Result) bool {
		n := int(bucket.Get("doc_count").Int())
		if n == 0 {
			return true
		}
		key := bucket.Get("key_as_string").String()
		if key == "" {
			key = bucket.Get("key").String()
		}
		out = append(out, Period{
			Key:          key,
			Files:        n,
			Observations: bucket.Get(ObservationsAggName + ".value").Float(),
		})
		return true
	})
	return out
}
