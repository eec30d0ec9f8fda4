package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"offsync/internal/errors"
	"offsync/internal/metrics"
	"offsync/internal/models"
	"offsync/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const maxErrorBody = 4 << 10

// HTTPClient talks to the authority's request/response endpoints.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *CircuitBreaker
	logger  *logrus.Logger
}

// NewHTTPClient creates a client for baseURL. A nil client gets a default
// one with the given timeout.
func NewHTTPClient(baseURL, token string, client *http.Client, breaker *CircuitBreaker, logger *logrus.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// SubmitBatch posts queued operations to /sync/batch.
func (c *HTTPClient) SubmitBatch(ctx context.Context, req *models.BatchRequest) (*models.BatchResponse, error) {
	var resp models.BatchResponse
	if err := c.do(ctx, http.MethodPost, "/sync/batch", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status asks the authority how many operations it still holds for deviceID.
func (c *HTTPClient) Status(ctx context.Context, deviceID string) (*models.StatusResponse, error) {
	var resp models.StatusResponse
	q := url.Values{"deviceId": {deviceID}}
	if err := c.do(ctx, http.MethodGet, "/sync/status", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FullSync downloads the authority's complete dataset.
func (c *HTTPClient) FullSync(ctx context.Context, deviceID string) (*models.FullSyncResponse, error) {
	var resp models.FullSyncResponse
	q := url.Values{"deviceId": {deviceID}}
	if err := c.do(ctx, http.MethodGet, "/sync/full", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve reports a conflict resolution to the authority.
func (c *HTTPClient) Resolve(ctx context.Context, req *models.ResolveRequest) error {
	return c.do(ctx, http.MethodPost, "/sync/resolve", nil, req, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, span := tracing.StartSpan(ctx, "sync.http "+path,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	defer span.End()

	start := time.Now()
	var status int
	call := func(ctx context.Context) error {
		var err error
		status, err = c.roundTrip(ctx, method, path, query, body, out)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}

	labels := map[string]string{
		"endpoint": path,
		"status":   strconv.Itoa(status),
	}
	metrics.RecordTimer("sync_http_request_duration", time.Since(start), labels, "Authority request latency")
	if err != nil {
		metrics.IncrementCounter("sync_http_request_errors_total", labels, "Failed authority requests")
		tracing.RecordError(ctx, err, attribute.Int("http.status_code", status))
		c.logger.WithFields(logrus.Fields{
			"endpoint":  path,
			"status":    status,
			"retryable": errors.IsRetryable(err),
		}).Debug("Authority request failed")
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	return nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.NewTransportError(path, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, errors.NewTransportError(path, resp.StatusCode,
			fmt.Errorf("%s", errorMessage(msg, resp.Status)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.NewTransportError(path, 0, fmt.Errorf("invalid response body: %w", err))
	}
	return resp.StatusCode, nil
}

// errorMessage prefers the authority's {"error": "..."} body.
func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return fallback
}
