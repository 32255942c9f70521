// Package metadata is a client for the metadata catalog REST API.
// It covers the calls the lineage runner needs: service and entity lookups,
// pipeline registration, run statuses and lineage edges.
package metadata

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/leapstack-labs/leaplineage/internal/config"
	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// retryBase is the first backoff delay; it doubles on every attempt.
const retryBase = 200 * time.Millisecond

// Client talks to the metadata catalog.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthProvider
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBase overrides the first retry delay.
func WithRetryBase(d time.Duration) Option {
	return func(c *Client) { c.retryBase = d }
}

// NewClient creates a client from the connection settings.
func NewClient(cfg config.MetadataConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	auth, err := NewAuthProvider(cfg)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via verify_ssl: false
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.HostPort, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		auth:       auth,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		maxRetries: cfg.MaxRetries,
		retryBase:  retryBase,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// =============================================================================
// Endpoints
// =============================================================================

// Version returns the catalog server version.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var v VersionInfo
	if err := c.do(ctx, http.MethodGet, "/v1/system/version", nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetPipelineService looks up a pipeline service by name.
func (c *Client) GetPipelineService(ctx context.Context, name string) (*PipelineService, error) {
	var svc PipelineService
	if err := c.do(ctx, http.MethodGet, "/v1/services/pipelineServices/name/"+url.PathEscape(name), nil, nil, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

// GetEntityByName resolves a dataset reference to a catalog entity.
func (c *Client) GetEntityByName(ctx context.Context, ref core.DatasetRef) (*EntityReference, error) {
	collection, ok := entityPaths[ref.Entity]
	if !ok {
		return nil, fmt.Errorf("unsupported entity type %q", ref.Entity)
	}

	var e Entity
	if err := c.do(ctx, http.MethodGet, "/v1/"+collection+"/name/"+url.PathEscape(ref.FQN), nil, nil, &e); err != nil {
		return nil, err
	}
	r := e.Ref(string(ref.Entity))
	return &r, nil
}

// GetPipelineByName looks up a pipeline by fully qualified name.
func (c *Client) GetPipelineByName(ctx context.Context, fqn string) (*Pipeline, error) {
	var p Pipeline
	if err := c.do(ctx, http.MethodGet, "/v1/pipelines/name/"+url.PathEscape(fqn), url.Values{"fields": {"tasks"}}, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateOrUpdatePipeline registers a pipeline, replacing an existing one with the same name.
func (c *Client) CreateOrUpdatePipeline(ctx context.Context, req CreatePipelineRequest) (*Pipeline, error) {
	var p Pipeline
	if err := c.do(ctx, http.MethodPut, "/v1/pipelines", nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddPipelineStatus records the status of one pipeline run.
func (c *Client) AddPipelineStatus(ctx context.Context, pipelineFQN string, status PipelineStatus) error {
	return c.do(ctx, http.MethodPut, "/v1/pipelines/"+url.PathEscape(pipelineFQN)+"/status", nil, status, nil)
}

// AddLineage adds (or updates) a lineage edge.
func (c *Client) AddLineage(ctx context.Context, req AddLineageRequest) error {
	return c.do(ctx, http.MethodPut, "/v1/lineage", nil, req, nil)
}

// GetLineageByName returns the lineage graph around an entity.
func (c *Client) GetLineageByName(ctx context.Context, entityType, fqn string, upstreamDepth, downstreamDepth int) (*EntityLineage, error) {
	q := url.Values{
		"upstreamDepth":   {strconv.Itoa(upstreamDepth)},
		"downstreamDepth": {strconv.Itoa(downstreamDepth)},
	}
	var l EntityLineage
	if err := c.do(ctx, http.MethodGet, "/v1/lineage/"+url.PathEscape(entityType)+"/name/"+url.PathEscape(fqn), q, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLineageEdge removes the edge between two entities.
func (c *Client) DeleteLineageEdge(ctx context.Context, from, to EntityReference) error {
	path := fmt.Sprintf("/v1/lineage/%s/%s/%s/%s",
		url.PathEscape(from.Type), url.PathEscape(from.ID),
		url.PathEscape(to.Type), url.PathEscape(to.ID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// =============================================================================
// Transport
// =============================================================================

// do sends a JSON request with rate limiting and retries, decoding the
// response into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryBase)) //nolint:gosec // maxRetries >= 0
	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		err := c.doOnce(ctx, method, path, query, payload, out)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			c.logger.Debug("retrying catalog request", "method", method, "path", path, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.Authorize(req); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	c.logger.Debug("catalog request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(method, path, resp.StatusCode, respBody)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// isRetryable reports whether err is a transient failure.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
