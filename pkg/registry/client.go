package registry

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

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openregistry/concierge/pkg/engine"
)

const (
	// DefaultVersion is the API version used when none is configured.
	DefaultVersion = "0.1"

	// defaultTimeout is the per-request timeout.
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Client talks to one registry API (lots or assets). The API token is sent
// as the basic auth user name.
type Client struct {
	baseURL    string
	token      string
	version    string
	httpClient *http.Client
	validate   *validator.Validate
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a registry client for the API rooted at baseURL.
func NewClient(baseURL, token, version string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid registry url %q: scheme must be http or https", baseURL)
	}
	if version == "" {
		version = DefaultVersion
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		version:    version,
		httpClient: &http.Client{Timeout: defaultTimeout},
		validate:   validator.New(),
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// envelope wraps every request and response body of the registry API.
type envelope[T any] struct {
	Data T `json:"data"`
}

// apiErrors is the error body returned by the registry.
type apiErrors struct {
	Status string `json:"status"`
	Errors []struct {
		Location    string          `json:"location"`
		Name        string          `json:"name"`
		Description json.RawMessage `json:"description"`
	} `json:"errors"`
}

func (c *Client) resourceURL(collection, id string) string {
	return fmt.Sprintf("%s/api/%s/%s/%s", c.baseURL, c.version, collection, url.PathEscape(id))
}

// do sends a request and decodes the data envelope of the response into out.
func (c *Client) do(ctx context.Context, method string, resource engine.ResourceType, collection, id string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return engine.NewResourceError(engine.ErrorKindRequestFailed, resource, id, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resourceURL(collection, id), reader)
	if err != nil {
		return engine.NewResourceError(engine.ErrorKindRequestFailed, resource, id, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.SetBasicAuth(c.token, "")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engine.NewResourceError(engine.ErrorKindRequestFailed, resource, id, fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("method", method).
		Str("resource", string(resource)).
		Str("id", id).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Registry request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, resource, id)
	}

	env := envelope[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return engine.NewResourceError(engine.ErrorKindInvalidResponse, resource, id, fmt.Errorf("decode response: %w", err)).
			WithStatus(resp.StatusCode)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return engine.NewResourceError(engine.ErrorKindInvalidResponse, resource, id, errors.New("response has no data")).
			WithStatus(resp.StatusCode)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return engine.NewResourceError(engine.ErrorKindInvalidResponse, resource, id, fmt.Errorf("decode %s: %w", resource, err)).
			WithStatus(resp.StatusCode)
	}
	if err := c.validate.Struct(out); err != nil {
		return engine.NewResourceError(engine.ErrorKindInvalidResponse, resource, id, fmt.Errorf("invalid %s: %w", resource, err)).
			WithStatus(resp.StatusCode)
	}

	return nil
}

// statusError maps a non-2xx response to a classified resource error.
func statusError(resp *http.Response, resource engine.ResourceType, id string) error {
	var kind engine.ErrorKind
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = engine.ErrorKindNotFound
	case http.StatusForbidden:
		kind = engine.ErrorKindForbidden
	case http.StatusUnprocessableEntity:
		kind = engine.ErrorKindUnprocessable
	default:
		kind = engine.ErrorKindRequestFailed
	}

	rerr := engine.NewResourceError(kind, resource, id, nil).WithStatus(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return rerr
	}
	if msg := errorMessage(body); msg != "" {
		rerr = rerr.WithMessage(msg)
	}
	return rerr
}

// errorMessage extracts the descriptions of a registry error body.
func errorMessage(body []byte) string {
	var parsed apiErrors
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Errors) == 0 {
		return ""
	}

	parts := make([]string, 0, len(parsed.Errors))
	for _, e := range parsed.Errors {
		desc := describe(e.Description)
		switch {
		case e.Name != "" && desc != "":
			parts = append(parts, e.Name+": "+desc)
		case desc != "":
			parts = append(parts, desc)
		case e.Name != "":
			parts = append(parts, e.Name)
		}
	}
	return strings.Join(parts, "; ")
}

// describe renders a description that may be a string, a list or an object.
func describe(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ", ")
	}
	return string(raw)
}
