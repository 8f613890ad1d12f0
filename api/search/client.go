package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/config"
	"github.com/woudc/woudc-api/api/metrics"
	"github.com/woudc/woudc-api/api/query"
)

// MinMajorVersion is the oldest supported Elasticsearch major version.
const MinMajorVersion = 8

type Config struct {
	Logger *slog.Logger
	Store  config.Store

	// Transport overrides the HTTP transport. Defaults to a clone of
	// http.DefaultTransport honoring Store.VerifyCerts.
	Transport http.RoundTripper
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return cfg.Store.Validate()
}

// Client is the Elasticsearch Gateway. It wraps one long-lived client and
// is safe for concurrent use.
type Client struct {
	log     *slog.Logger
	es      *elasticsearch.Client
	timeout time.Duration
	version string
}

var _ Gateway = (*Client)(nil)

// New connects to the store, pings it and rejects servers older than
// MinMajorVersion. Connection failures are apierr.Unavailable.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.Store.VerifyCerts} //nolint:gosec
		transport = t
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{cfg.Store.URL},
		Username:     cfg.Store.Username,
		Password:     cfg.Store.Password,
		Transport:    transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	c := &Client{
		log:     cfg.Logger,
		es:      es,
		timeout: cfg.Store.RequestTimeout,
	}

	if err := c.Ping(ctx); err != nil {
		return nil, err
	}

	version, err := c.serverVersion(ctx)
	if err != nil {
		return nil, err
	}
	major, err := strconv.Atoi(strings.SplitN(version, ".", 2)[0])
	if err != nil {
		return nil, fmt.Errorf("unrecognized elasticsearch version %q", version)
	}
	if major < MinMajorVersion {
		return nil, fmt.Errorf("elasticsearch version %s is not supported, %d.x or later is required", version, MinMajorVersion)
	}
	c.version = version

	cfg.Logger.Info("elasticsearch client initialized", "url", cfg.Store.Redacted(), "version", version, "verify_certs", cfg.Store.VerifyCerts)
	return c, nil
}

// Version returns the server version reported at startup.
func (c *Client) Version() string { return c.version }

// Ping checks that the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.es.Ping(c.es.Ping.WithContext(callCtx))
	if err != nil {
		return c.transportError(ctx, callCtx, "ping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.responseError("ping", res)
	}
	return nil
}

func (c *Client) serverVersion(ctx context.Context) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.es.Info(c.es.Info.WithContext(callCtx))
	if err != nil {
		return "", c.transportError(ctx, callCtx, "info", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", c.responseError("info", res)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", apierr.Wrap(apierr.Unavailable, "info", err)
	}
	version := gjson.GetBytes(body, "version.number").String()
	if version == "" {
		return "", errors.New("elasticsearch info response has no version number")
	}
	return version, nil
}

type searchResponse struct {
	TimedOut bool `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value    int    `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations json.RawMessage `json:"aggregations"`
}

func (c *Client) Search(ctx context.Context, indices []string, q query.Doc, page query.Page, sort []query.Sort) (*Hits, error) {
	resp, err := c.do(ctx, "search", indices, Body(q, page, sort))
	if err != nil {
		return nil, err
	}
	return &Hits{
		Total:             resp.Hits.Total.Value,
		TotalIsLowerBound: resp.Hits.Total.Relation == "gte",
		Hits:              resp.Hits.Hits,
	}, nil
}

func (c *Client) Aggregate(ctx context.Context, indices []string, q query.Doc, aggs query.Doc) (*Aggregations, error) {
	resp, err := c.do(ctx, "aggregate", indices, AggregationBody(q, aggs))
	if err != nil {
		return nil, err
	}
	return &Aggregations{Total: resp.Hits.Total.Value, Raw: resp.Aggregations}, nil
}

func (c *Client) do(ctx context.Context, op string, indices []string, body query.Doc) (resp *searchResponse, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordStoreRequest(op, time.Since(start), err)
		c.log.Debug("store request", "operation", op, "indices", indices, "duration", time.Since(start), "error", err)
	}()

	if len(indices) == 0 {
		return nil, apierr.New(apierr.BadQuery, op, "no indices given")
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, apierr.Wrap(apierr.BadQuery, op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.es.Search(
		c.es.Search.WithContext(callCtx),
		c.es.Search.WithIndex(indices...),
		c.es.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, op, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, c.responseError(op, res)
	}

	resp = &searchResponse{}
	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apierr.Wrap(apierr.Unavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if resp.TimedOut {
		return nil, apierr.New(apierr.Timeout, op, "store reported a timed out search")
	}
	return resp, nil
}

// transportError classifies a failure to get any response. A cancelled or
// expired caller context is returned as is; the gateway's own deadline
// becomes apierr.Timeout.
func (c *Client) transportError(ctx, callCtx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.Timeout, op, err)
	}
	if kind := apierr.Classify(err); kind == apierr.Timeout {
		return apierr.Wrap(apierr.Timeout, op, err)
	}
	return apierr.Wrap(apierr.Unavailable, op, err)
}

// responseError classifies an error status from the store.
func (c *Client) responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	reason := errorReason(body)
	if reason == "" {
		reason = res.Status()
	}
	cause := fmt.Errorf("[%d] %s", res.StatusCode, reason)

	switch {
	case res.StatusCode == http.StatusNotFound:
		return apierr.Wrap(apierr.NotFound, op, cause)
	case res.StatusCode == http.StatusRequestTimeout || res.StatusCode == http.StatusGatewayTimeout:
		return apierr.Wrap(apierr.Timeout, op, cause)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return apierr.Wrap(apierr.Unavailable, op, cause)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return apierr.Wrap(apierr.Unavailable, op, cause)
	default:
		return apierr.Wrap(apierr.BadQuery, op, cause)
	}
}

// errorReason extracts "type: reason" from an Elasticsearch error body,
// preferring the root cause.
func errorReason(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	for _, prefix := range []string{"error.root_cause.0", "error"} {
		typ := gjson.GetBytes(body, prefix+".type").String()
		reason := gjson.GetBytes(body, prefix+".reason").String()
		switch {
		case typ != "" && reason != "":
			return typ + ": " + reason
		case typ != "":
			return typ
		case reason != "":
			return reason
		}
	}
	if s := gjson.GetBytes(body, "error"); s.Type == gjson.String {
		return s.String()
	}
	return ""
}
