// Package platform is the REST side of the device-management platform:
// identity lookup, managed object updates and binary downloads.
package platform

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

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devmgmt/swagent"
)

const (
	serialIdentityType = "c8y_Serial"
	idCacheTTL         = time.Hour
	userAgent          = "swagent"
)

// TokenSource returns the current platform JWT, or "" when none is known.
type TokenSource interface {
	Value() string
}

// Config wires a Client.
type Config struct {
	BaseURL  string
	Tenant   string
	User     string
	Password string
	// Token, when it yields a value, is preferred over basic credentials.
	Token       TokenSource
	HTTPClient  *http.Client
	DownloadDir string
	RetryDelay  time.Duration
}

// Client calls the platform REST API.
type Client struct {
	baseURL     string
	tenant      string
	user        string
	password    string
	token       TokenSource
	httpClient  *http.Client
	downloadDir string
	retryDelay  time.Duration
	ids         *gocache.Cache
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("platform base url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "parse platform base url")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Client{
		baseURL:     baseURL,
		tenant:      strings.TrimSpace(cfg.Tenant),
		user:        strings.TrimSpace(cfg.User),
		password:    cfg.Password,
		token:       cfg.Token,
		httpClient:  httpClient,
		downloadDir: cfg.DownloadDir,
		retryDelay:  retryDelay,
		ids:         gocache.New(idCacheTTL, 2*idCacheTTL),
	}, nil
}

// InternalID resolves the managed object id of a device serial.
func (c *Client) InternalID(ctx context.Context, serial string) (string, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return "", errors.New("device serial is empty")
	}
	if cached, ok := c.ids.Get(serial); ok {
		return cached.(string), nil
	}

	path := fmt.Sprintf("/identity/externalIds/%s/%s", serialIdentityType, url.PathEscape(serial))
	var parsed struct {
		ManagedObject struct {
			ID string `json:"id"`
		} `json:"managedObject"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &parsed); err != nil {
		return "", err
	}
	id := strings.TrimSpace(parsed.ManagedObject.ID)
	if id == "" {
		return "", errors.Errorf("external id %s has no managed object", serial)
	}
	c.ids.Set(serial, id, gocache.DefaultExpiration)
	return id, nil
}

// UpdateManagedObject merges fragment into managed object id.
func (c *Client) UpdateManagedObject(ctx context.Context, id string, fragment map[string]any) error {
	path := "/inventory/managedObjects/" + url.PathEscape(id)
	return c.doJSON(ctx, http.MethodPut, path, fragment, nil)
}

// SetAdvancedSoftwareList replaces the device's advanced software list.
func (c *Client) SetAdvancedSoftwareList(ctx context.Context, id string, items []swagent.InstalledSoftware) error {
	type entry struct {
		Name         string `json:"name"`
		Version      string `json:"version"`
		SoftwareType string `json:"softwareType"`
		URL          string `json:"url"`
	}
	body := make([]entry, 0, len(items))
	for _, sw := range items {
		version := sw.Version
		if sw.Channel != "" {
			version = sw.Version + " - " + sw.Channel
		}
		body = append(body, entry{Name: sw.Name, Version: version, SoftwareType: sw.SoftwareType, URL: sw.URL})
	}
	path := "/service/advanced-software-mgmt/software?deviceId=" + url.QueryEscape(id)
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode platform request")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build platform request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	log.Debug().Str("method", method).Str("path", req.URL.Path).Msg("platform request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call platform %s %s", method, req.URL.Path)
	}
	defer resp.Body.Close()
	log.Debug().Str("method", method).Str("path", req.URL.Path).Int("http_status", resp.StatusCode).Msg("platform response")

	if resp.StatusCode >= http.StatusBadRequest {
		return errorFromResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode platform response %s", req.URL.Path)
	}
	return nil
}

// authorize prefers the device token and falls back to tenant/user basic auth.
func (c *Client) authorize(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token != nil {
		if token := c.token.Value(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
			return
		}
	}
	if c.user == "" {
		return
	}
	user := c.user
	if c.tenant != "" && !strings.Contains(user, "/") {
		user = c.tenant + "/" + user
	}
	req.SetBasicAuth(user, c.password)
}

func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	bodyStr := strings.TrimSpace(string(body))
	if len(bodyStr) > 512 {
		bodyStr = bodyStr[:512] + "..."
	}
	log.Info().
		Str("method", resp.Request.Method).
		Str("path", resp.Request.URL.Path).
		Int("http_status", resp.StatusCode).
		Str("body", bodyStr).
		Msg("platform response (http error)")
	return errors.Errorf("platform request %s %s failed: status=%d body=%s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, bodyStr)
}
