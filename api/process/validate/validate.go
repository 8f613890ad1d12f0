// Package validate checks a WOUDC extended CSV submission and reports every
// finding as a diagnostic. Registry cross-checks against the document store
// run when requested.
package validate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/extcsv"
	"github.com/woudc/woudc-api/api/metrics"
	"github.com/woudc/woudc-api/api/search"
)

const ProcessID = "woudc-data-registry-validate"

type Config struct {
	Logger *slog.Logger
	// Gateway and Resolver serve registry checks and may be nil when those
	// are never requested.
	Gateway  search.Gateway
	Resolver *dataset.Resolver
	Clock    clockwork.Clock
	Location LocationTolerance
}

// LocationTolerance bounds how far a submitted location may sit from the
// registered instrument before a warning.
type LocationTolerance struct {
	Latitude  float64
	Longitude float64
	Height    float64
	// PolarRange is the band around each pole, in degrees, where the
	// longitude comparison is skipped.
	PolarRange  float64
	IgnoreShips bool
}

var defaultTolerance = LocationTolerance{
	Latitude:    1,
	Longitude:   1,
	Height:      1000,
	PolarRange:  10,
	IgnoreShips: true,
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if (cfg.Gateway == nil) != (cfg.Resolver == nil) {
		return errors.New("gateway and resolver must be set together")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == (LocationTolerance{}) {
		cfg.Location = defaultTolerance
	}
	return nil
}

// Inputs carry the payload. CheckMetadata adds registry cross-checks;
// MetadataOnly skips the time series checks of the dataset tables.
type Inputs struct {
	ExtCSV        string `json:"extcsv"`
	CheckMetadata bool   `json:"check_metadata"`
	MetadataOnly  bool   `json:"metadata_only"`
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

// maxPooledBuffer caps the buffers returned to bufPool so a single large
// payload does not stay pinned in memory.
const maxPooledBuffer = 1 << 20

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// releaseBuffer returns buf to the pool unless it grew past maxPooledBuffer.
func releaseBuffer(buf *bytes.Buffer) bool {
	if buf.Cap() > maxPooledBuffer {
		return false
	}
	buf.Reset()
	bufPool.Put(buf)
	return true
}

// Execute validates in.ExtCSV. A malformed payload is a failed report, not
// an error; errors are registry lookups that could not complete.
func (p *Process) Execute(ctx context.Context, in Inputs) (rep *Report, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordProcess(ProcessID, time.Since(start), err)
		if err == nil {
			metrics.RecordValidation(rep.Passed)
		}
	}()

	if in.CheckMetadata && p.cfg.Gateway == nil {
		return nil, apierr.New(apierr.Unavailable, "validate", "registry checks need a document store")
	}

	rep = &Report{}
	f, perr := parse(in.ExtCSV)
	if perr != nil {
		var pe *extcsv.ParseError
		line := 0
		if errors.As(perr, &pe) {
			line = pe.Line
		}
		rep.add(CodeParseFailure, where{line: line}, perr.Error())
		p.cfg.Logger.Debug("extended csv rejected", "error", perr)
		return rep, nil
	}

	c := &checker{file: f, rep: rep, now: p.cfg.Clock.Now(), tolerance: p.cfg.Location}
	if c.structure() {
		c.local(in.MetadataOnly)
		if in.CheckMetadata {
			r := &registry{gw: p.cfg.Gateway, resolver: p.cfg.Resolver, log: p.cfg.Logger}
			if err := c.registry(ctx, r); err != nil {
				return nil, err
			}
		}
	}

	rep.Passed = !rep.hasErrors()
	p.cfg.Logger.Debug("extended csv validated", "passed", rep.Passed, "diagnostics", len(rep.Diagnostics))
	return rep, nil
}

// parse decodes text through a pooled buffer. The parser copies every value
// out of the buffer so it can be reused once parsing returns.
func parse(text string) (*extcsv.File, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer releaseBuffer(buf)

	buf.WriteString(strings.TrimPrefix(text, "\ufeff"))
	return extcsv.Parse(buf)
}
