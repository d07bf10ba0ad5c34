package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/replication"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	clientIDHeader     = "X-Client-ID"
	maxErrorBodyBytes  = 4096
)

// Endpoint is where and as whom the node talks to the sync server.
type Endpoint struct {
	BaseURL string
	Token   string
}

// EndpointSource is consulted at the start of every cycle so a rotated token or moved server
// is picked up without restarting the agent.
type EndpointSource interface {
	Endpoint(ctx context.Context) (Endpoint, error)
}

// EndpointSourceFunc adapts a function to EndpointSource.
type EndpointSourceFunc func(ctx context.Context) (Endpoint, error)

func (f EndpointSourceFunc) Endpoint(ctx context.Context) (Endpoint, error) {
	return f(ctx)
}

// StaticEndpoint always returns itself.
type StaticEndpoint Endpoint

func (e StaticEndpoint) Endpoint(context.Context) (Endpoint, error) {
	return Endpoint(e), nil
}

// API is the server surface the manager drives.
type API interface {
	Push(ctx context.Context, endpoint Endpoint, batch replication.Batch) (replication.PushResult, error)
	Pull(ctx context.Context, endpoint Endpoint, since int64, limit int) (replication.PullResult, error)
	Report(ctx context.Context, endpoint Endpoint, snapshot diagnostics.Snapshot) (diagnostics.ReportReceipt, error)
}

// HTTPClient speaks the sync protocol over HTTP+JSON.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient builds a client; a nil httpClient gets a default with a 30s timeout.
func NewHTTPClient(httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{httpClient: httpClient}
}

func (c *HTTPClient) Push(ctx context.Context, endpoint Endpoint, batch replication.Batch) (replication.PushResult, error) {
	var result replication.PushResult
	if err := c.doRequest(ctx, endpoint, http.MethodPost, "/sync/push", batch.ClientID, batch, &result); err != nil {
		return replication.PushResult{}, fmt.Errorf("push request failed: %w", err)
	}
	return result, nil
}

func (c *HTTPClient) Pull(ctx context.Context, endpoint Endpoint, since int64, limit int) (replication.PullResult, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var result replication.PullResult
	if err := c.doRequest(ctx, endpoint, http.MethodGet, "/sync/pull?"+query.Encode(), "", nil, &result); err != nil {
		return replication.PullResult{}, fmt.Errorf("pull request failed: %w", err)
	}
	return result, nil
}

func (c *HTTPClient) Report(ctx context.Context, endpoint Endpoint, snapshot diagnostics.Snapshot) (diagnostics.ReportReceipt, error) {
	var receipt diagnostics.ReportReceipt
	err := c.doRequest(ctx, endpoint, http.MethodPost, "/diagnostics/consistency/report", snapshot.ClientID, snapshot, &receipt)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
		return diagnostics.ReportReceipt{}, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if err != nil {
		return diagnostics.ReportReceipt{}, fmt.Errorf("diagnostics report failed: %w", err)
	}
	return receipt, nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *HTTPClient) doRequest(ctx context.Context, endpoint Endpoint, method, path, clientID string, body, result any) error {
	baseURL := strings.TrimRight(strings.TrimSpace(endpoint.BaseURL), "/")
	if baseURL == "" {
		return errMissingServerURL
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if endpoint.Token != "" {
		request.Header.Set("Authorization", "Bearer "+endpoint.Token)
	}
	if clientID != "" {
		request.Header.Set(clientIDHeader, clientID)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		statusErr := &StatusError{StatusCode: response.StatusCode, Message: strings.TrimSpace(string(raw))}
		var decoded errorBody
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			statusErr.Message = decoded.Error
			statusErr.Code = decoded.Code
		}
		if statusErr.Temporary() {
			return fmt.Errorf("%w: %w", ErrTransport, statusErr)
		}
		return statusErr
	}

	if result != nil {
		if err := json.NewDecoder(response.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
		}
	}
	return nil
}
