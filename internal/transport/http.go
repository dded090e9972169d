package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPConnector is a reference Connector that publishes values as files
// served over HTTP, rooted at BaseURL. It has no opinion on encryption --
// Options.Encrypt is passed through to EncryptFunc/DecryptFunc if set,
// otherwise values are written as-is.
type HTTPConnector struct {
	BaseURL string
	Client  *http.Client

	// EncryptFunc, if set, transforms a value before writing whenever
	// Options.Encrypt is true. DecryptFunc, if set, is tried on every value
	// ReadRemote reads; a value it fails on is returned as read. The
	// engine's Non-goals leave key management to the caller; a nil func is
	// a no-op.
	EncryptFunc func([]byte) ([]byte, error)
	DecryptFunc func([]byte) ([]byte, error)
}

// NewHTTPConnector returns an HTTPConnector rooted at baseURL.
func NewHTTPConnector(baseURL string) *HTTPConnector {
	return &HTTPConnector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Connector = (*HTTPConnector)(nil)

// Init is a no-op for HTTPConnector; the http.Client is ready on return
// from NewHTTPConnector.
func (c *HTTPConnector) Init(ctx context.Context) error { return nil }

// Close is a no-op for HTTPConnector.
func (c *HTTPConnector) Close(ctx context.Context) error { return nil }

func (c *HTTPConnector) urlFor(path string) string {
	return c.BaseURL + "/" + strings.TrimLeft(path, "/")
}

// Create PUTs value at path and returns its URL. AwaitRelaySync has no
// separate meaning here -- the PUT has already completed by the time
// Create returns.
func (c *HTTPConnector) Create(ctx context.Context, path string, value []byte, opts Options) (string, error) {
	if opts.Encrypt && c.EncryptFunc != nil {
		encrypted, err := c.EncryptFunc(value)
		if err != nil {
			return "", errors.Wrap(err, "transport: encrypt")
		}
		value = encrypted
	}

	target := c.urlFor(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(value))
	if err != nil {
		return "", errors.Wrap(err, "transport: build request")
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "transport: PUT failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", errors.Errorf("transport: PUT %s: unexpected status %d", target, resp.StatusCode)
	}
	return target, nil
}

// ReadRemote GETs url, returning (nil, nil) on a 404 per the contract's
// "value | nil" result.
func (c *HTTPConnector) ReadRemote(ctx context.Context, remoteURL string) ([]byte, error) {
	if _, err := url.Parse(remoteURL); err != nil {
		return nil, errors.Wrap(err, "transport: invalid url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "transport: build request")
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "transport: GET failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("transport: GET %s: unexpected status %d", remoteURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "transport: read body")
	}
	if c.DecryptFunc != nil {
		if decrypted, err := c.DecryptFunc(body); err == nil {
			return decrypted, nil
		}
	}
	return body, nil
}

// GetURL returns the URL a value at path would be reachable at.
func (c *HTTPConnector) GetURL(ctx context.Context, path string, opts Options) (string, error) {
	return c.urlFor(path), nil
}
