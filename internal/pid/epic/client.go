// Package epic is an HTTP client for an EPIC style handle registration service.
package epic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client registers handles and publishes their resolver URLs.
type Client struct {
	BaseURL string
	// ResolverBase is the public site URL; published targets are ResolverBase/handle/<pid>.
	ResolverBase string
	Username     string
	Password     string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

func New(baseURL, resolverBase string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ResolverBase: resolverBase,
		Timeout:      10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epic error: status=%d body=%s", e.StatusCode, e.Body)
}

type value struct {
	Type       string `json:"type"`
	ParsedData string `json:"parsed_data"`
}

type createResponse struct {
	Handle string `json:"epic-pid"`
}

// RegisterIdentifier creates prefix/suffix with a placeholder URL value and
// returns the handle the service assigned.
func (c *Client) RegisterIdentifier(ctx context.Context, prefix, suffix string) (string, error) {
	endpoint := url.PathEscape(prefix) + "/" + url.PathEscape(suffix)
	body := []value{{Type: "URL", ParsedData: c.target(prefix + "/" + suffix)}}
	var resp createResponse
	if err := c.do(ctx, http.MethodPut, endpoint, body, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return prefix + "/" + suffix, nil
	}
	return resp.Handle, nil
}

// PublishResolverURL points the handle at the local resolver.
func (c *Client) PublishResolverURL(ctx context.Context, identifier string) error {
	prefix, suffix, ok := strings.Cut(identifier, "/")
	if !ok {
		return fmt.Errorf("invalid handle %q", identifier)
	}
	endpoint := url.PathEscape(prefix) + "/" + url.PathEscape(suffix)
	body := []value{{Type: "URL", ParsedData: c.target(identifier)}}
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

func (c *Client) target(handle string) string {
	return strings.TrimRight(c.ResolverBase, "/") + "/handle/" + handle
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}
	return nil
}
