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
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signalcast/signalsync/internal/fault"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 4 << 20

// Config holds remote client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. https://signals.example.com
	BaseURL string

	// Timeout bounds every request. Ignored when HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// DefaultConfig returns sensible defaults for the remote client.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 15 * time.Second,
	}
}

// Client talks to the signal backend over HTTP.
//
// Every method returns either a typed result or a *fault.Fault:
//   - fault.KindNetwork: no response (transport error, timeout)
//   - fault.KindValidation: the backend refused the payload (400, 422)
//   - fault.KindRejection: any other error status; Retryable for 5xx
type Client struct {
	base *url.URL
	http *http.Client

	mu    sync.RWMutex
	token string
}

// envelope is the JSON wrapper every backend response uses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// New creates a remote client.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{base: base, http: httpClient}, nil
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// SetToken sets the bearer token sent with every request. Empty clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// tokenClaims are the identity claims the backend puts in its tokens.
type tokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Login authenticates and stores the returned token on the client.
//
// The identity is read from the token claims. The token is not verified
// locally; the backend verifies it on every request.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, fault.Validation("email and password are required")
	}

	var out struct {
		Token string `json:"token"`
		Name  string `json:"name,omitempty"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fault.Rejection(http.StatusBadGateway, "login response carried no token")
	}

	session := &Session{
		Token:    out.Token,
		Identity: Identity{UserID: email, Email: email, Name: out.Name},
	}

	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(out.Token, &claims); err == nil {
		if claims.Subject != "" {
			session.Identity.UserID = claims.Subject
		}
		if claims.Email != "" {
			session.Identity.Email = claims.Email
		}
		if claims.Name != "" {
			session.Identity.Name = claims.Name
		}
		if claims.ExpiresAt != nil {
			session.ExpiresAt = claims.ExpiresAt.Time
		}
	}

	c.SetToken(out.Token)
	return session, nil
}

// CreatePoll publishes a new poll and returns its backend id.
func (c *Client) CreatePoll(ctx context.Context, poll *Poll) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/polls", nil, poll, &out); err != nil {
		return 0, err
	}
	if out.ID <= 0 {
		return 0, fault.Rejection(http.StatusBadGateway, "create poll response carried no id")
	}
	return out.ID, nil
}

// EditPoll updates an existing poll. With republish the backend discards the
// collected votes and notifies consumers again.
func (c *Client) EditPoll(ctx context.Context, cloudID int64, poll *Poll, republish bool) error {
	query := url.Values{"republish": {strconv.FormatBool(republish)}}
	return c.do(ctx, http.MethodPut, pollPath(cloudID), query, poll, nil)
}

// DeletePoll removes a poll. A poll the backend no longer knows is treated as deleted.
func (c *Client) DeletePoll(ctx context.Context, cloudID int64) error {
	err := c.do(ctx, http.MethodDelete, pollPath(cloudID), nil, nil, nil)
	var f *fault.Fault
	if errors.As(err, &f) && f.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// SubmitVote sends one vote. The vote is validated before any network traffic.
func (c *Client) SubmitVote(ctx context.Context, vote *Vote) error {
	if err := vote.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, pollPath(vote.PollID)+"/votes", nil, vote, nil)
}

// FetchResults returns the aggregated results of a poll.
func (c *Client) FetchResults(ctx context.Context, cloudID int64) (*Results, error) {
	var out Results
	if err := c.do(ctx, http.MethodGet, pollPath(cloudID)+"/results", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Counts == nil {
		out.Counts = map[string]int{}
	}
	return &out, nil
}

// FetchLabels returns every label known to the backend.
func (c *Client) FetchLabels(ctx context.Context) ([]Label, error) {
	var out []Label
	if err := c.do(ctx, http.MethodGet, "/api/labels", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateLabel creates a label and returns it with its backend id.
func (c *Client) CreateLabel(ctx context.Context, label *Label) (*Label, error) {
	var out Label
	if err := c.do(ctx, http.MethodPost, "/api/labels", nil, label, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil, nil)
}

// IsRetryable reports whether a failed call should be attempted again on a later pass.
func IsRetryable(err error) bool {
	return err != nil && !fault.IsTerminal(err)
}

func pollPath(cloudID int64) string {
	return "/api/polls/" + strconv.FormatInt(cloudID, 10)
}

// do performs one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fault.WrapValidation("failed to encode "+op, err)
		}
		body = bytes.NewReader(payload)
	}

	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Network(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fault.Network("failed to read response of "+op, err)
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 {
			return fault.Rejection(resp.StatusCode, fmt.Sprintf("%s: malformed response: %v", op, err))
		}
	}

	if resp.StatusCode >= 400 {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return classifyStatus(resp.StatusCode, op+": "+msg)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fault.Rejection(resp.StatusCode, fmt.Sprintf("%s: malformed data: %v", op, err))
		}
	}
	return nil
}

// classifyStatus maps an HTTP error status onto the failure taxonomy.
func classifyStatus(status int, msg string) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fault.RemoteValidation(status, msg)
	default:
		return fault.Rejection(status, msg)
	}
}
