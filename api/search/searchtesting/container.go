package searchtesting

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tces "github.com/testcontainers/testcontainers-go/modules/elasticsearch"

	"github.com/woudc/woudc-api/api/config"
)

type ESConfig struct {
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *ESConfig) Validate() error {
	if cfg.Username == "" {
		cfg.Username = "elastic"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9200"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "docker.elastic.co/elasticsearch/elasticsearch:8.17.0"
	}
	return nil
}

// ES is a running Elasticsearch container shared by a test binary.
type ES struct {
	log       *slog.Logger
	cfg       *ESConfig
	url       string
	container *tces.ElasticsearchContainer
	admin     *elasticsearch.Client
}

// URL returns the container endpoint (scheme://host:port).
func (db *ES) URL() string {
	return db.url
}

func (db *ES) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate elasticsearch container", "error", err)
	}
}

func NewES(ctx context.Context, log *slog.Logger, cfg *ESConfig) (*ES, error) {
	if cfg == nil {
		cfg = &ESConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate elasticsearch config: %w", err)
	}

	// Container start is flaky on loaded CI hosts.
	var container *tces.ElasticsearchContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tces.Run(ctx, cfg.ContainerImage,
			tces.WithPassword(cfg.Password),
			testcontainers.WithEnv(map[string]string{"ES_JAVA_OPTS": "-Xms512m -Xmx512m"}),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start elasticsearch container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start elasticsearch container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get elasticsearch container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to get elasticsearch container mapped port: %w", err)
	}
	scheme := "http"
	if len(container.Settings.CACert) > 0 {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%s", scheme, host, mappedPort.Port())

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	admin, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch admin client: %w", err)
	}

	return &ES{log: log, cfg: cfg, url: url, container: container, admin: admin}, nil
}

// NewStore returns a store configuration with a fresh random index prefix.
// Indices under the prefix are deleted when the test ends.
func NewStore(t *testing.T, db *ES) config.Store {
	t.Helper()
	prefix := fmt.Sprintf("test_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))

	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := db.admin.Indices.Delete([]string{prefix + ".*"},
			db.admin.Indices.Delete.WithContext(dropCtx),
			db.admin.Indices.Delete.WithAllowNoIndices(true),
		)
		if err == nil {
			res.Body.Close()
		}
	})

	return config.Store{
		URL:            db.url,
		Username:       db.cfg.Username,
		Password:       db.cfg.Password,
		VerifyCerts:    false,
		IndexPrefix:    prefix,
		RequestTimeout: 30 * time.Second,
	}
}

// Seed creates index with the given mapping document (may be empty) and
// indexes docs, each keyed by its "id" member. The index is refreshed
// before returning.
func Seed(t *testing.T, db *ES, index string, mapping string, docs ...any) {
	t.Helper()
	ctx := t.Context()

	opts := []func(*esapi.IndicesCreateRequest){db.admin.Indices.Create.WithContext(ctx)}
	if mapping != "" {
		opts = append(opts, db.admin.Indices.Create.WithBody(strings.NewReader(mapping)))
	}
	res, err := db.admin.Indices.Create(index, opts...)
	require.NoError(t, err)
	defer res.Body.Close()
	require.False(t, res.IsError(), "create index %s: %s", index, res.String())

	for _, d := range docs {
		body, err := json.Marshal(d)
		require.NoError(t, err)
		var probe struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(body, &probe))

		res, err := db.admin.Index(index, bytes.NewReader(body),
			db.admin.Index.WithContext(ctx),
			db.admin.Index.WithDocumentID(probe.ID),
		)
		require.NoError(t, err)
		res.Body.Close()
		require.False(t, res.IsError(), "index document %s: %s", probe.ID, res.String())
	}

	res, err = db.admin.Indices.Refresh(db.admin.Indices.Refresh.WithContext(ctx), db.admin.Indices.Refresh.WithIndex(index))
	require.NoError(t, err)
	res.Body.Close()
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
