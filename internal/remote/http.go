package remote

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

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// HTTPClient is the REST implementation of Client.
//
// Routes:
//
//	POST   /v1/{type}          create, body {"id", "payload"}
//	PUT    /v1/{type}/{id}     update, If-Match: <base version>
//	DELETE /v1/{type}/{id}
//	GET    /v1/{type}?since=   list modified since (RFC3339Nano)
//	GET    /healthz
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a REST client. timeout bounds every request.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createRequest struct {
	ID      string        `json:"id"`
	Payload model.Payload `json:"payload"`
}

type updateRequest struct {
	Payload model.Payload `json:"payload"`
}

type listResponse struct {
	Items []Entity `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateEntity implements Client
func (c *HTTPClient) CreateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload) (model.Record, error) {
	body, err := json.Marshal(createRequest{ID: id, Payload: payload})
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.write(ctx, "create", http.MethodPost, c.entityPath(t, ""), body, nil, t, id)
}

// UpdateEntity implements Client
func (c *HTTPClient) UpdateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload, baseVersion int64) (model.Record, error) {
	body, err := json.Marshal(updateRequest{Payload: payload})
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	header := http.Header{}
	if baseVersion > 0 {
		header.Set("If-Match", strconv.FormatInt(baseVersion, 10))
	}
	return c.write(ctx, "update", http.MethodPut, c.entityPath(t, id), body, header, t, id)
}

// DeleteEntity implements Client
func (c *HTTPClient) DeleteEntity(ctx context.Context, t model.EntityType, id string) error {
	resp, err := c.do(ctx, "delete", http.MethodDelete, c.entityPath(t, id), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	return c.statusError(resp, "delete", t, id)
}

// ListEntitiesSince implements Client
func (c *HTTPClient) ListEntitiesSince(ctx context.Context, t model.EntityType, since time.Time) ([]model.Record, error) {
	reqURL := c.entityPath(t, "")
	if !since.IsZero() {
		reqURL += "?" + url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}.Encode()
	}
	resp, err := c.do(ctx, "list", http.MethodGet, reqURL, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "list", t, "")
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &model.NetworkError{Op: "list", Err: fmt.Errorf("failed to decode list response: %w", err)}
	}
	out := make([]model.Record, 0, len(list.Items))
	for _, e := range list.Items {
		if e.EntityType == "" {
			e.EntityType = t
		}
		out = append(out, e.Record())
	}
	return out, nil
}

// Ping implements Client
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "ping", http.MethodGet, c.baseURL+"/healthz", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &model.NetworkError{Op: "ping", Err: fmt.Errorf("health check returned status %d", resp.StatusCode)}
	}
	return nil
}

func (c *HTTPClient) entityPath(t model.EntityType, id string) string {
	p := c.baseURL + "/v1/" + url.PathEscape(string(t))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *HTTPClient) write(ctx context.Context, op, method, reqURL string, body []byte, header http.Header,
	t model.EntityType, id string) (model.Record, error) {
	resp, err := c.do(ctx, op, method, reqURL, body, header)
	if err != nil {
		return model.Record{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return model.Record{}, c.statusError(resp, op, t, id)
	}

	var e Entity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return model.Record{}, &model.NetworkError{Op: op, Err: fmt.Errorf("failed to decode entity: %w", err)}
	}
	if e.EntityType == "" {
		e.EntityType = t
	}
	return e.Record(), nil
}

// do sends the request; transport failures and timeouts become NetworkErrors
func (c *HTTPClient) do(ctx context.Context, op, method, reqURL string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	correlationID := uuid.NewString()
	req.Header.Set("X-Correlation-ID", correlationID)

	logger := logrus.WithFields(logrus.Fields{
		"method":        method,
		"url":           reqURL,
		"correlationId": correlationID,
	})

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.WithError(err).WithField("duration", time.Since(start)).Debug("Remote request failed")
		return nil, &model.NetworkError{Op: op, Err: err}
	}
	logger.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Remote request completed")
	return resp, nil
}

// statusError maps a non-success response onto the error taxonomy
func (c *HTTPClient) statusError(resp *http.Response, op string, t model.EntityType, id string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusConflict:
		var e Entity
		if err := json.Unmarshal(data, &e); err != nil || e.EntityID == "" {
			return &model.NetworkError{Op: op, Err: errors.New("conflict response without server record")}
		}
		if e.EntityType == "" {
			e.EntityType = t
		}
		return &model.ConflictError{Remote: e.Record()}
	case resp.StatusCode == http.StatusNotFound:
		return &model.NotFoundError{EntityType: t, EntityID: id}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return &model.NetworkError{Op: op, Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
	}

	msg := fmt.Sprintf("server rejected %s with status %d", op, resp.StatusCode)
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return model.NewValidationError(t, "", msg)
}
