package platform

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultRetryDelay = 3 * time.Second
	downloadRetries   = 1
)

// DownloadBinary fetches a platform-hosted binary into the download
// directory and returns its path. A failed attempt is retried once after the
// configured delay.
func (c *Client) DownloadBinary(ctx context.Context, rawURL string) (string, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return "", err
	}
	dir := c.downloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create download dir")
	}

	var dst string
	attempt := func() error {
		file, err := c.downloadOnce(ctx, target, dir)
		if err != nil {
			log.Warn().Err(err).Str("url", target).Msg("binary download failed")
			return err
		}
		dst = file
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), downloadRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", errors.Wrapf(err, "download %s", target)
	}
	log.Info().Str("url", target).Str("path", dst).Msg("binary downloaded")
	return dst, nil
}

func (c *Client) downloadOnce(ctx context.Context, target, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", errors.Wrap(err, "build download request")
	}
	if c.sameHost(target) {
		c.authorize(req)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "perform download request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", backoffPermanentOn4xx(errorFromResponse(resp), resp.StatusCode)
	}

	name := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = path.Base(req.URL.Path)
	}
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		name = "download.bin"
	}

	out, err := os.CreateTemp(dir, "*-"+name)
	if err != nil {
		return "", errors.Wrap(err, "create destination file")
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", errors.Wrap(err, "write binary")
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", errors.Wrap(err, "close binary")
	}
	return out.Name(), nil
}

// resolve turns platform-relative binary URLs into absolute ones.
func (c *Client) resolve(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("binary url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parse binary url")
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", errors.Wrap(err, "parse platform base url")
	}
	return base.ResolveReference(u).String(), nil
}

func (c *Client) sameHost(target string) bool {
	t, err := url.Parse(target)
	if err != nil {
		return false
	}
	b, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(t.Host, b.Host)
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return strings.Trim(params["filename"], `"`)
}

func backoffPermanentOn4xx(err error, status int) error {
	if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
		return backoff.Permanent(err)
	}
	return err
}
