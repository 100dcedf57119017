// Package identity resolves user identities against the Labfolio
// identity provider and composes display profiles for the
// collaboration surfaces.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotConfigured is returned by every Client method when the
// privileged service key is missing; callers degrade silently.
var ErrNotConfigured = errors.New("identity provider not configured")

// ErrAccountNotFound distinguishes an absent account from a transport
// failure. Grants referencing deleted identities are tolerated.
var ErrAccountNotFound = errors.New("identity account not found")

// Account is the provider's view of a user.
type Account struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	Metadata  map[string]any `json:"user_metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// FullName returns the best display-name metadata field, empty when
// the provider recorded none.
func (a Account) FullName() string {
	for _, key := range []string{"full_name", "name", "display_name"} {
		if value, ok := a.Metadata[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (a Account) metaString(key string) string {
	value, _ := a.Metadata[key].(string)
	return strings.TrimSpace(value)
}

type ClientOptions struct {
	BaseURL    string
	ServiceKey string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
}

// Client talks to the identity provider's admin API. All calls require
// the privileged service key.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		serviceKey: strings.TrimSpace(opts.ServiceKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Configured reports whether the privileged tier is usable.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.serviceKey != ""
}

// GetUserByID fetches a provider account by its stable identifier.
func (c *Client) GetUserByID(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := c.do(ctx, http.MethodGet, "/admin/users/"+url.PathEscape(userID), nil, &account)
	return account, err
}

// GetUserByEmail fetches a provider account by normalized email.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (Account, error) {
	var payload struct {
		Users []Account `json:"users"`
	}
	path := "/admin/users?email=" + url.QueryEscape(strings.ToLower(strings.TrimSpace(email)))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return Account{}, err
	}
	if len(payload.Users) == 0 {
		return Account{}, ErrAccountNotFound
	}
	return payload.Users[0], nil
}

// InviteByEmail asks the provider to deliver an invite email carrying
// the invitation metadata; the provider creates a placeholder account
// for addresses it has never seen.
func (c *Client) InviteByEmail(ctx context.Context, email string, metadata map[string]any) (Account, error) {
	body := map[string]any{
		"email": strings.ToLower(strings.TrimSpace(email)),
		"data":  metadata,
	}
	var account Account
	err := c.do(ctx, http.MethodPost, "/admin/invite", body, &account)
	return account, err
}

// UpdateUserMetadata merges metadata onto an existing provider
// account, used to attach invitation details to known users.
func (c *Client) UpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) error {
	body := map[string]any{"user_metadata": metadata}
	return c.do(ctx, http.MethodPut, "/admin/users/"+url.PathEscape(userID), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var bodyBytes []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode identity request: %w", err)
		}
		bodyBytes = encoded
	}

	endpoint := c.baseURL + path
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("build identity request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("identity request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read identity response: %w", readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if target == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, target); err != nil {
				return fmt.Errorf("decode identity response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrAccountNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("identity provider %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		default:
			return fmt.Errorf("identity provider %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > 2*time.Second {
		delay = 2 * time.Second
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
