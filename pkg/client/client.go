// Package client is a session-aware HTTP client for the realty API. It
// persists the issued token pair, transparently refreshes an expired
// access token once per request, and coalesces concurrent refreshes so
// a single-use refresh token is never consumed twice.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	codeTokenExpired = "TOKEN_EXPIRED"
	refreshKey       = "refresh"
)

// ErrSessionExpired indicates the session could not be refreshed and
// the caller must log in again.
var ErrSessionExpired = errors.New("client: session expired, login required")

// APIError is a structured error payload returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

type loginPayload struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	User         *Principal `json:"user"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client performs authenticated requests against the API.
type Client struct {
	baseURL string
	http    *http.Client
	store   TokenStore
	logger  *zap.Logger

	refreshGroup singleflight.Group
}

// New creates a Client rooted at baseURL, persisting tokens in store.
func New(baseURL string, store TokenStore, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		store:   store,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates with email and password and stores the issued pair.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	data, err := c.post(ctx, "/api/v1/auth/login", body, "")
	if err != nil {
		return err
	}

	var payload loginPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("client: decode login response: %w", err)
	}
	return c.store.Save(TokenPair{AccessToken: payload.AccessToken, RefreshToken: payload.RefreshToken, Principal: payload.User})
}

// Logout revokes the session server-side and clears local state. Local
// state is cleared even when the server call fails: logout never leaves
// the client holding tokens.
func (c *Client) Logout(ctx context.Context) error {
	pair, err := c.store.Load()
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	}

	body := map[string]string{"refresh_token": pair.RefreshToken}
	if _, err := c.post(ctx, "/api/v1/auth/logout", body, pair.AccessToken); err != nil {
		c.logger.Warn("server-side logout failed, clearing local session anyway", zap.Error(err))
	}
	return c.store.Clear()
}

// Do performs an authenticated request. When the server answers with
// the TOKEN_EXPIRED code, the client refreshes the pair and retries the
// request exactly once. Concurrent callers share a single refresh.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	pair, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	data, err := c.request(ctx, method, path, body, pair.AccessToken)
	if err == nil {
		return data, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != codeTokenExpired {
		return nil, err
	}

	access, refreshErr := c.refresh(ctx)
	if refreshErr != nil {
		return nil, refreshErr
	}
	return c.request(ctx, method, path, body, access)
}

// Get is shorthand for Do with GET and no body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// refresh exchanges the stored refresh token for a new pair. Concurrent
// calls are coalesced: only one exchange hits the server and every
// waiter observes its outcome.
func (c *Client) refresh(ctx context.Context) (string, error) {
	result, err, _ := c.refreshGroup.Do(refreshKey, func() (interface{}, error) {
		pair, err := c.store.Load()
		if err != nil {
			return nil, err
		}
		if pair.RefreshToken == "" {
			return nil, ErrSessionExpired
		}

		body := map[string]string{"refresh_token": pair.RefreshToken}
		data, err := c.post(ctx, "/api/v1/auth/refresh-token", body, "")
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
				// The refresh token itself is dead. Drop the session so
				// callers get a clean login-required signal.
				if clearErr := c.store.Clear(); clearErr != nil {
					c.logger.Warn("failed to clear dead session", zap.Error(clearErr))
				}
				return nil, ErrSessionExpired
			}
			return nil, err
		}

		var payload loginPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("client: decode refresh response: %w", err)
		}

		// The refresh response carries no user object; keep the snapshot
		// from login.
		newPair := TokenPair{AccessToken: payload.AccessToken, RefreshToken: payload.RefreshToken, Principal: pair.Principal}
		if err := c.store.Save(newPair); err != nil {
			return nil, err
		}
		return newPair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, accessToken string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodPost, path, body, accessToken)
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}, accessToken string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("client: decode response (status %d): %w", resp.StatusCode, err)
	}

	if env.Error != nil {
		env.Error.Status = resp.StatusCode
		return nil, env.Error
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
	}

	return env.Data, nil
}
