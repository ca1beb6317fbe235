// Package records posts validated patient records to the remote system of
// record.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/user/patientline/internal/retry"
	"github.com/user/patientline/internal/validation"
)

// StatusError is a definitive rejection by the record system. It is never
// retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	details := strings.TrimSpace(e.Body)
	if details == "" {
		details = "No details"
	}
	return fmt.Sprintf("API responded with %d: %s", e.StatusCode, details)
}

func (e *StatusError) Permanent() bool { return true }

type Client struct {
	endpoint string
	client   *http.Client
	policy   *retry.Policy
}

// NewClient creates a client for the CreatePatient endpoint. A nil policy
// uses retry.Default.
func NewClient(endpoint string, policy *retry.Policy) *Client {
	if policy == nil {
		policy = retry.Default()
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{},
		policy:   policy,
	}
}

// Create posts rec and returns the response body as JSON. Transport failures
// are retried per the client's policy; any HTTP response is final.
func (c *Client) Create(ctx context.Context, rec *validation.PatientRecord) (json.RawMessage, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	var (
		status      int
		contentType string
		body        []byte
	)
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("post record: %w", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		status, contentType, body = resp.StatusCode, resp.Header.Get("Content-Type"), b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status < 200 || status > 299 {
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}
	return successBody(contentType, body), nil
}

var okBody = json.RawMessage(`{"success":true}`)

func successBody(contentType string, body []byte) json.RawMessage {
	mt, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(mt, "json") || len(bytes.TrimSpace(body)) == 0 {
		return okBody
	}
	if !json.Valid(body) {
		return okBody
	}
	return json.RawMessage(body)
}
