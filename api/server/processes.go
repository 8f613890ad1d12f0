package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/process/distinct"
	"github.com/woudc/woudc-api/api/process/explore"
	"github.com/woudc/woudc-api/api/process/metrics"
	"github.com/woudc/woudc-api/api/process/validate"
	"github.com/woudc/woudc-api/api/query"
)

// maxExecutionBody bounds an execution request, extended CSV included.
const maxExecutionBody = 16 << 20

// Runner executes one process from the JSON object of its inputs.
type Runner func(ctx context.Context, inputs json.RawMessage) (any, error)

type executionRequest struct {
	Inputs json.RawMessage `json:"inputs"`
}

func (s *Server) processesHandler(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.cfg.Processes))
	for id := range s.cfg.Processes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	type summary struct {
		ID string `json:"id"`
	}
	out := make([]summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, summary{ID: id})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"processes": out})
}

func (s *Server) executeHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.cfg.Processes[id]
	if !ok {
		s.writeError(w, r, apierr.Field(apierr.NotFound, "execute", "id", "no process "+id))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxExecutionBody))
	if err != nil {
		s.writeError(w, r, apierr.Wrap(apierr.InvalidQuery, "execute", fmt.Errorf("read request body: %w", err)))
		return
	}
	var req executionRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, r, apierr.Field(apierr.InvalidQuery, "execute", "inputs", "request body is not a JSON object"))
			return
		}
	}
	if len(req.Inputs) == 0 || string(req.Inputs) == "null" {
		req.Inputs = json.RawMessage("{}")
	}

	jobID := uuid.NewString()
	s.log.Debug("process execution", "process", id, "job", jobID)
	out, err := run(r.Context(), req.Inputs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Job-Id", jobID)
	s.writeJSON(w, http.StatusOK, out)
}

func decodeInputs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Field(apierr.InvalidQuery, "decode inputs", "inputs", err.Error())
	}
	return nil
}

// bbox accepts "minx,miny,maxx,maxy" or a JSON array of numbers.
type bbox json.RawMessage

func (b *bbox) UnmarshalJSON(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}

func (b bbox) bound() (*orb.Bound, error) {
	raw := bytes.TrimSpace(b)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if raw[0] == '[' {
		var nums []float64
		if err := json.Unmarshal(raw, &nums); err != nil {
			return nil, apierr.Field(apierr.InvalidQuery, "decode inputs", "bbox", "bbox must be a list of numbers")
		}
		parts := make([]string, len(nums))
		for i, n := range nums {
			parts[i] = strconv.FormatFloat(n, 'f', -1, 64)
		}
		text = strings.Join(parts, ",")
	} else if err := json.Unmarshal(raw, &text); err != nil {
		return nil, apierr.Field(apierr.InvalidQuery, "decode inputs", "bbox", "bbox must be a string or a list")
	}
	if text == "" {
		return nil, nil
	}
	return query.ParseBBox(text)
}

type exploreInputs struct {
	Dataset  string `json:"dataset"`
	Country  string `json:"country"`
	Station  string `json:"station"`
	BBox     bbox   `json:"bbox"`
	Datetime string `json:"datetime"`
	Limit    *int   `json:"limit"`
	Offset   int    `json:"offset"`
}

// Explore adapts the explore process.
func Explore(p *explore.Process) Runner {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in exploreInputs
		if err := decodeInputs(raw, &in); err != nil {
			return nil, err
		}
		bound, err := in.BBox.bound()
		if err != nil {
			return nil, err
		}
		interval, err := query.ParseDatetime(in.Datetime)
		if err != nil {
			return nil, err
		}
		return p.Execute(ctx, explore.Inputs{
			Datasets: in.Dataset,
			Station:  in.Station,
			Country:  in.Country,
			BBox:     bound,
			Datetime: interval,
			Paging:   query.Paging{Offset: in.Offset, Limit: in.Limit},
		})
	}
}

type metricsInputs struct {
	Domain    string `json:"domain"`
	Timescale string `json:"timescale"`
	Dataset   string `json:"dataset"`
	Level     *int   `json:"level"`
	Country   string `json:"country"`
	Station   string `json:"station"`
	Network   string `json:"network"`
	Source    string `json:"source"`
	BBox      bbox   `json:"bbox"`
	Datetime  string `json:"datetime"`
}

// Metrics adapts the metrics process.
func Metrics(p *metrics.Process) Runner {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in metricsInputs
		if err := decodeInputs(raw, &in); err != nil {
			return nil, err
		}
		bound, err := in.BBox.bound()
		if err != nil {
			return nil, err
		}
		interval, err := query.ParseDatetime(in.Datetime)
		if err != nil {
			return nil, err
		}
		return p.Execute(ctx, metrics.Inputs{
			Datasets:  in.Dataset,
			BBox:      bound,
			Datetime:  interval,
			Domain:    metrics.Domain(in.Domain),
			Timescale: metrics.Timescale(in.Timescale),
			Level:     in.Level,
			Country:   in.Country,
			Station:   in.Station,
			Network:   in.Network,
			Source:    in.Source,
		})
	}
}

// Validate adapts the validation process.
func Validate(p *validate.Process) Runner {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in validate.Inputs
		if err := decodeInputs(raw, &in); err != nil {
			return nil, err
		}
		return p.Execute(ctx, in)
	}
}

type distinctInputs struct {
	Index    string          `json:"index"`
	Distinct json.RawMessage `json:"distinct"`
	Source   []string        `json:"source"`
}

// Distinct adapts the distinct process. "distinct" is a list of fields or
// an object of named field lists.
func Distinct(p *distinct.Process) Runner {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in distinctInputs
		if err := decodeInputs(raw, &in); err != nil {
			return nil, err
		}
		inputs := distinct.Inputs{Index: in.Index, Source: in.Source}
		d := bytes.TrimSpace(in.Distinct)
		switch {
		case len(d) == 0:
		case d[0] == '[':
			if err := json.Unmarshal(d, &inputs.Fields); err != nil {
				return nil, apierr.Field(apierr.InvalidQuery, "decode inputs", "distinct", "distinct must list field names")
			}
		case d[0] == '{':
			if err := json.Unmarshal(d, &inputs.Groups); err != nil {
				return nil, apierr.Field(apierr.InvalidQuery, "decode inputs", "distinct", "named groups must list field names")
			}
		default:
			return nil, apierr.Field(apierr.InvalidQuery, "decode inputs", "distinct", "distinct must be a list or an object")
		}
		return p.Execute(ctx, inputs)
	}
}
