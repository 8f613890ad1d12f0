package query

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/woudc/woudc-api/api/apierr"
)

// Interval is a closed time range. A nil side is unbounded.
type Interval struct {
	Start *time.Time
	End   *time.Time
}

// Open reports whether both sides are unbounded.
func (iv Interval) Open() bool { return iv.Start == nil && iv.End == nil }

// SortKey orders results by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// Paging selects a window of results. A nil Limit uses the translator default.
type Paging struct {
	Offset int
	Limit  *int
}

// Limit returns a pointer to n, for building Paging literals.
func Limit(n int) *int { return &n }

// Spec is a normalized collection query.
type Spec struct {
	BBox       *orb.Bound
	Datetime   *Interval
	Properties map[string]any
	Filter     *Expr
	Sort       []SortKey
	Paging     Paging
}

// Validate checks the structural invariants that do not depend on a schema.
func (s Spec) Validate() error {
	if s.BBox != nil {
		if err := ValidateBBox(*s.BBox); err != nil {
			return err
		}
	}
	if s.Datetime != nil && s.Datetime.Start != nil && s.Datetime.End != nil {
		if s.Datetime.Start.After(*s.Datetime.End) {
			return apierr.New(apierr.InvalidQuery, "translate", "datetime start is after end")
		}
	}
	if s.Paging.Offset < 0 {
		return apierr.New(apierr.InvalidQuery, "translate", "offset must not be negative")
	}
	if s.Paging.Limit != nil && *s.Paging.Limit < 0 {
		return apierr.New(apierr.InvalidQuery, "translate", "limit must not be negative")
	}
	return nil
}

// ValidateBBox requires min <= max on both axes and coordinates within
// the WGS84 ranges.
func ValidateBBox(b orb.Bound) error {
	minX, minY, maxX, maxY := b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()
	switch {
	case minX > maxX:
		return apierr.New(apierr.InvalidQuery, "translate", fmt.Sprintf("bbox min x %g exceeds max x %g", minX, maxX))
	case minY > maxY:
		return apierr.New(apierr.InvalidQuery, "translate", fmt.Sprintf("bbox min y %g exceeds max y %g", minY, maxY))
	case minX < -180 || maxX > 180:
		return apierr.New(apierr.InvalidQuery, "translate", "bbox longitude outside [-180, 180]")
	case minY < -90 || maxY > 90:
		return apierr.New(apierr.InvalidQuery, "translate", "bbox latitude outside [-90, 90]")
	}
	return nil
}
