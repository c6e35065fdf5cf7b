// Package snapd is a client for the snapd REST API served on its local unix
// socket.
package snapd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSocket = "/run/snapd.socket"
	apiPrefix     = "/v2"
)

// ErrUnavailable wraps transport failures talking to snapd.
var ErrUnavailable = errors.New("snapd unavailable")

// Response is the envelope of every snapd reply.
type Response struct {
	Type       string          `json:"type"`
	StatusCode int             `json:"status-code"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	Change     string          `json:"change"`
}

// Async reports whether snapd accepted an asynchronous change.
func (r *Response) Async() bool {
	return r.Type == "async" || r.Change != ""
}

// APIError is a snapd reply with status-code >= 400.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("snapd status %d", e.StatusCode)
	}
	return e.Message
}

// Snap is one installed snap as listed by GET /v2/snaps.
type Snap struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Channel         string `json:"channel"`
	TrackingChannel string `json:"tracking-channel"`
	Revision        string `json:"revision"`
	Confinement     string `json:"confinement"`
	Devmode         bool   `json:"devmode"`
	Status          string `json:"status"`
}

// Change is an asynchronous snapd change.
type Change struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Err     string `json:"err"`
}

// SystemInfo is the subset of GET /v2/system-info this agent uses.
type SystemInfo struct {
	Series    string `json:"series"`
	Version   string `json:"version"`
	OnClassic bool   `json:"on-classic"`
	OSRelease struct {
		ID        string `json:"id"`
		VersionID string `json:"version-id"`
	} `json:"os-release"`
}

// SnapOptions are the optional fields of a snap action.
type SnapOptions struct {
	Channel string
	Devmode bool
	Classic bool
}

type snapAction struct {
	Action  string   `json:"action"`
	Channel string   `json:"channel,omitempty"`
	Devmode bool     `json:"devmode,omitempty"`
	Classic bool     `json:"classic,omitempty"`
	Names   []string `json:"names,omitempty"`
}

// Client talks to snapd.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client dialing the unix socket at path.
func New(socket string) *Client {
	socket = strings.TrimSpace(socket)
	if socket == "" {
		socket = DefaultSocket
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{
		baseURL:    "http://localhost",
		httpClient: &http.Client{Transport: transport, Timeout: 60 * time.Second},
	}
}

// NewWithHTTPClient returns a client for a TCP endpoint, used in tests.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("snapd base url is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/system-info", nil)
	if err != nil {
		return nil, err
	}
	var info SystemInfo
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		return nil, errors.Wrap(err, "decode system-info result")
	}
	return &info, nil
}

// Snaps lists the installed snaps.
func (c *Client) Snaps(ctx context.Context) ([]Snap, error) {
	resp, err := c.do(ctx, http.MethodGet, "/snaps", nil)
	if err != nil {
		return nil, err
	}
	var snaps []Snap
	if err := json.Unmarshal(resp.Result, &snaps); err != nil {
		return nil, errors.Wrap(err, "decode snaps result")
	}
	return snaps, nil
}

func (c *Client) Install(ctx context.Context, name string, opts SnapOptions) (*Response, error) {
	return c.snapAction(ctx, name, snapAction{Action: "install", Channel: opts.Channel, Devmode: opts.Devmode, Classic: opts.Classic})
}

func (c *Client) Refresh(ctx context.Context, name string, opts SnapOptions) (*Response, error) {
	return c.snapAction(ctx, name, snapAction{Action: "refresh", Channel: opts.Channel, Devmode: opts.Devmode, Classic: opts.Classic})
}

func (c *Client) Remove(ctx context.Context, name string) (*Response, error) {
	return c.snapAction(ctx, name, snapAction{Action: "remove"})
}

func (c *Client) Revert(ctx context.Context, name string) (*Response, error) {
	return c.snapAction(ctx, name, snapAction{Action: "revert"})
}

// RefreshAll refreshes every installed snap.
func (c *Client) RefreshAll(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/snaps", snapAction{Action: "refresh"})
}

// RestartApps restarts the services of the named snaps.
func (c *Client) RestartApps(ctx context.Context, names ...string) (*Response, error) {
	if len(names) == 0 {
		return nil, errors.New("restart requires at least one snap name")
	}
	return c.do(ctx, http.MethodPost, "/apps", snapAction{Action: "restart", Names: names})
}

// Change fetches the state of change id.
func (c *Client) Change(ctx context.Context, id string) (*Change, error) {
	resp, err := c.do(ctx, http.MethodGet, "/changes/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var change Change
	if err := json.Unmarshal(resp.Result, &change); err != nil {
		return nil, errors.Wrap(err, "decode change result")
	}
	if change.ID == "" {
		change.ID = id
	}
	return &change, nil
}

func (c *Client) snapAction(ctx context.Context, name string, body snapAction) (*Response, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Errorf("snap %s requires a name", body.Action)
	}
	return c.do(ctx, http.MethodPost, "/snaps/"+url.PathEscape(name), body)
}

// do sends one request and decodes the envelope. Transport failures wrap
// ErrUnavailable; replies with status-code >= 400 are returned as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode snapd request")
		}
		reader = bytes.NewReader(payload)
	}
	endpoint := c.baseURL + apiPrefix + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build snapd request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	log.Debug().Str("method", method).Str("path", apiPrefix+path).Msg("snapd request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "%s %s: %v", method, apiPrefix+path, err)
	}
	defer resp.Body.Close()

	var parsed Response
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "read %s %s: %v", method, apiPrefix+path, err)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrapf(err, "decode snapd response (http %d): %s", resp.StatusCode, truncate(string(raw), 256))
	}
	if parsed.StatusCode == 0 {
		parsed.StatusCode = resp.StatusCode
	}
	log.Debug().
		Str("method", method).
		Str("path", apiPrefix+path).
		Int("http_status", resp.StatusCode).
		Int("status_code", parsed.StatusCode).
		Str("type", parsed.Type).
		Str("change", parsed.Change).
		Msg("snapd response")

	if parsed.StatusCode >= http.StatusBadRequest || parsed.Type == "error" {
		apiErr := &APIError{StatusCode: parsed.StatusCode}
		var result struct {
			Message string `json:"message"`
			Kind    string `json:"kind"`
		}
		if len(parsed.Result) > 0 && json.Unmarshal(parsed.Result, &result) == nil {
			apiErr.Message = strings.TrimSpace(result.Message)
			apiErr.Kind = result.Kind
		}
		return nil, apiErr
	}
	return &parsed, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
