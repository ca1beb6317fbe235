// Package credential obtains the short-lived secret a realtime connection
// authenticates with.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/patientline/internal/types"
)

// ErrMissingCredential is returned when the endpoint answers without a usable
// client secret.
var ErrMissingCredential = errors.New("no ephemeral key provided by the server")

// Response is the subset of the session endpoint's body that is read.
type Response struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Client fetches credentials from a GET endpoint returning
// {"client_secret": {"value": "..."}}.
type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch session token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session endpoint error (status %d): %s", resp.StatusCode, string(body))
	}
	return Parse(body)
}

// Parse extracts client_secret.value from a session endpoint body.
func Parse(body []byte) (string, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	if r.ClientSecret == nil || strings.TrimSpace(r.ClientSecret.Value) == "" {
		return "", ErrMissingCredential
	}
	return r.ClientSecret.Value, nil
}

// Func adapts a function to types.CredentialSource.
type Func func(ctx context.Context) (string, error)

func (f Func) Fetch(ctx context.Context) (string, error) {
	return f(ctx)
}

var _ types.CredentialSource = (*Client)(nil)
var _ types.CredentialSource = Func(nil)
