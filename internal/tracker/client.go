// Package tracker is the operator-side counterpart of the tracking API: an
// authenticated HTTP client and the sampling loop that reports positions.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ukydev/schoolbus-tracking/internal/models"
	"github.com/ukydev/schoolbus-tracking/internal/tracking"
)

// APIError is a non-2xx answer that maps to no domain error.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client talks to the tracking API with a bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	token  string
	userID string
}

// NewClient creates a client for the server at baseURL (e.g. http://localhost:8080).
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetToken installs a token obtained elsewhere.
func (c *Client) SetToken(token, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.userID = userID
}

// UserID returns the id of the logged-in operator.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Login authenticates and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	c.SetToken(resp.Token, resp.User.ID.Hex())
	return &resp, nil
}

// Snapshot fetches the durable record of a vehicle.
func (c *Client) Snapshot(ctx context.Context, vehicleID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/tracking/vehicles/"+url.PathEscape(vehicleID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Report sends one position report. Speed is in m/s.
func (c *Client) Report(ctx context.Context, report tracking.PositionReport) (*models.VehiclePosition, error) {
	var resp struct {
		Success  bool                    `json:"success"`
		Location *models.VehiclePosition `json:"location"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tracking/location", report, &resp); err != nil {
		return nil, err
	}
	return resp.Location, nil
}

// Stop ends tracking for the vehicle on the server.
func (c *Client) Stop(ctx context.Context, vehicleID string) error {
	return c.do(ctx, http.MethodPost, "/api/tracking/stop", map[string]string{"vehicleId": vehicleID}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)

	switch status {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrInvalidPosition, body.Error)
	case http.StatusForbidden:
		return models.ErrForbidden
	case http.StatusNotFound:
		return models.ErrNotFound
	default:
		return &APIError{Status: status, Message: body.Error}
	}
}
