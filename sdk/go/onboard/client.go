package onboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Connect calls wait for the user to answer the wallet
// prompt, so it is generous.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the onboarding daemon API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Failure describes why a connect attempt failed.
type Failure struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Advisory    bool   `json:"advisory,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Connection is a snapshot of the wallet connection.
type Connection struct {
	Connected   bool     `json:"connected"`
	Connecting  bool     `json:"connecting"`
	ChainID     uint64   `json:"chain_id,omitempty"`
	ChainIDHex  string   `json:"chain_id_hex,omitempty"`
	NetworkName string   `json:"network_name,omitempty"`
	Account     string   `json:"account,omitempty"`
	ReadOnly    bool     `json:"read_only"`
	Version     uint64   `json:"version"`
	LastFailure *Failure `json:"last_failure,omitempty"`
}

// ConnectResult is returned by Connect. Connected is false with Error set
// when the attempt failed.
type ConnectResult struct {
	Connected  bool       `json:"connected"`
	Connection Connection `json:"connection"`
	Error      *Failure   `json:"error,omitempty"`
}

// Steps describes the wizard position.
type Steps struct {
	Current string   `json:"current"`
	Steps   []string `json:"steps,omitempty"`
}

// Profile is an on-chain profile.
type Profile struct {
	Username  string   `json:"username"`
	Web2Items []string `json:"web2_items,omitempty"`
	Web3Items []string `json:"web3_items,omitempty"`
}

// Session is the wizard view of the bound wallet.
type Session struct {
	Connected   bool     `json:"connected"`
	Connecting  bool     `json:"connecting"`
	Account     string   `json:"account,omitempty"`
	ReadOnly    bool     `json:"read_only"`
	ChainID     uint64   `json:"chain_id,omitempty"`
	NetworkName string   `json:"network_name,omitempty"`
	BalanceWei  string   `json:"balance_wei,omitempty"`
	BalanceETH  string   `json:"balance_eth,omitempty"`
	LowBalance  bool     `json:"low_balance"`
	Owner       bool     `json:"owner"`
	Profile     *Profile `json:"profile,omitempty"`
	Step        string   `json:"step"`
	Version     uint64   `json:"version"`
}

// Advisory is a user-facing notice raised by a failed attempt.
type Advisory struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	AttemptID  string            `json:"attempt_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Attempt is a journaled connect attempt.
type Attempt struct {
	ID           string `json:"id"`
	Mode         string `json:"mode"`
	Outcome      string `json:"outcome"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ChainID      uint64 `json:"chain_id,omitempty"`
	Account      string `json:"account,omitempty"`
	StartedAt    int64  `json:"started_at"`
	DurationMS   int64  `json:"duration_ms"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("onboard api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("onboard api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the onboarding API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, dialer: websocket.DefaultDialer}, nil
}

// Connection returns the current connection snapshot.
func (c *Client) Connection(ctx context.Context) (Connection, error) {
	var out Connection
	if err := c.get(ctx, "/api/v1/connection", &out); err != nil {
		return Connection{}, err
	}
	return out, nil
}

// Connect starts a connect attempt and waits for its outcome.
func (c *Client) Connect(ctx context.Context, preferInjectedAgent bool) (ConnectResult, error) {
	var out ConnectResult
	payload := map[string]bool{"prefer_injected_agent": preferInjectedAgent}
	if err := c.post(ctx, "/api/v1/connection/connect", payload, &out); err != nil {
		return ConnectResult{}, err
	}
	return out, nil
}

// Disconnect drops the connection.
func (c *Client) Disconnect(ctx context.Context) (Connection, error) {
	var out Connection
	if err := c.post(ctx, "/api/v1/connection/disconnect", nil, &out); err != nil {
		return Connection{}, err
	}
	return out, nil
}

// Steps returns the wizard position and the ordered step names.
func (c *Client) Steps(ctx context.Context) (Steps, error) {
	var out Steps
	if err := c.get(ctx, "/api/v1/steps", &out); err != nil {
		return Steps{}, err
	}
	return out, nil
}

// Advance moves the wizard one step forward.
func (c *Client) Advance(ctx context.Context) (string, error) {
	var out Steps
	if err := c.post(ctx, "/api/v1/steps/advance", nil, &out); err != nil {
		return "", err
	}
	return out.Current, nil
}

// Reset returns the wizard to the main step.
func (c *Client) Reset(ctx context.Context) (string, error) {
	var out Steps
	if err := c.post(ctx, "/api/v1/steps/reset", nil, &out); err != nil {
		return "", err
	}
	return out.Current, nil
}

// Session returns the session view.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var out Session
	if err := c.get(ctx, "/api/v1/session", &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// BuildProfile starts profile creation. It fails with a 409 APIError when the
// wallet is not connected or already owns a profile.
func (c *Client) BuildProfile(ctx context.Context) (string, error) {
	var out Steps
	if err := c.post(ctx, "/api/v1/session/build", nil, &out); err != nil {
		return "", err
	}
	return out.Current, nil
}

// Advisories lists the most recent advisories, newest first.
func (c *Client) Advisories(ctx context.Context, limit int) ([]Advisory, error) {
	var out []Advisory
	if err := c.get(ctx, withLimit("/api/v1/advisories", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Attempts lists journaled connect attempts, newest first.
func (c *Client) Attempts(ctx context.Context, limit int) ([]Attempt, error) {
	var out []Attempt
	if err := c.get(ctx, withLimit("/api/v1/attempts", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch streams connection snapshots to fn until fn returns false, ctx ends
// or the server closes the stream.
func (c *Client) Watch(ctx context.Context, fn func(Connection) bool) error {
	u := c.endpoint("/api/v1/connection/events")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var snapshot Connection
		if err := conn.ReadJSON(&snapshot); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if !fn(snapshot) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}

func withLimit(endpoint string, limit int) string {
	if limit <= 0 {
		return endpoint
	}
	return endpoint + "?limit=" + strconv.Itoa(limit)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) endpoint(endpoint string) *url.URL {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: rawQuery}
	return c.baseURL.ResolveReference(rel)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint).String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}
