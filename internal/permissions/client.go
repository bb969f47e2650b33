package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the permissions service over HTTP. It implements
// both the decision oracle and the companion document manager.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient constructs a Client for the given service base URL.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

var (
	_ Oracle  = (*Client)(nil)
	_ Manager = (*Client)(nil)
)

// Allowed asks the oracle whether actor may perform action on the
// named property of subject.
func (c *Client) Allowed(ctx context.Context, actor, subject, property, action string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"actor":    actor,
		"subject":  subject,
		"property": property,
		"action":   action,
	})
	if err != nil {
		return false, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/allowed", body)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: allowed check returned status %d", ErrUnavailable, resp.StatusCode)
	}
	var decision struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return false, fmt.Errorf("%w: decode decision: %v", ErrUnavailable, err)
	}
	return decision.Allowed, nil
}

// Create registers a permissions document for the resource at selfRef.
// A nil spec creates the default document for that subject.
func (c *Client) Create(ctx context.Context, selfRef string, spec json.RawMessage) error {
	doc := map[string]json.RawMessage{}
	if len(spec) > 0 {
		if err := json.Unmarshal(spec, &doc); err != nil {
			return fmt.Errorf("invalid permissions spec: %w", err)
		}
	}
	subject, err := json.Marshal(selfRef)
	if err != nil {
		return err
	}
	doc["_subject"] = subject
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/permissions", body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: create permissions returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Delete removes the permissions document for the resource at selfRef.
func (c *Client) Delete(ctx context.Context, selfRef string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/permissions?"+selfRef, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete permissions returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
