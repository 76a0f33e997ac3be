// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport moves wire messages and DHT RPCs over HTTP.  All
// non-local traffic is dispatched through the anonymity overlay's local
// proxy; the listener itself is only ever reachable through the overlay.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Transport level error kinds.
var (
	ErrUnreachable = errors.New("transport: unreachable")
	ErrTimeout     = errors.New("transport: timeout")
	ErrMalformed   = errors.New("transport: malformed response")
)

// Timeouts bound every outbound operation.
const (
	ConnectTimeout   = 10 * time.Second
	ReadTimeout      = 30 * time.Second
	OperationTimeout = 60 * time.Second

	maxResponseBytes = 1 << 20
)

// Client is a proxy-aware HTTP client.  Overlay destinations are reached
// through the configured proxy; loopback addresses connect directly so a
// node can talk to itself and to co-located developer-mode peers.
type Client struct {
	direct  *http.Client
	proxied *http.Client
}

// NewClient builds a Client.  proxyURL is the overlay's outbound proxy
// ("http://127.0.0.1:4444" by default, "socks5://host:port" for a SOCKS
// endpoint); when empty every request is direct.
func NewClient(proxyURL string) (*Client, error) {
	c := &Client{direct: newHTTPClient(nil)}
	if proxyURL == "" {
		c.proxied = c.direct
		return c, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid proxy endpoint: %v", err)
	}
	switch u.Scheme {
	case "http":
		c.proxied = newHTTPClient(func(t *http.Transport) {
			t.Proxy = http.ProxyURL(u)
		})
	case "socks5", "socks":
		dialer, err := proxy.SOCKS5("tcp", u.Host, nil, &net.Dialer{Timeout: ConnectTimeout})
		if err != nil {
			return nil, err
		}
		c.proxied = newHTTPClient(func(t *http.Transport) {
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		})
	default:
		return nil, fmt.Errorf("transport: unsupported proxy scheme %q", u.Scheme)
	}
	return c, nil
}

func newHTTPClient(tune func(*http.Transport)) *http.Client {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: ReadTimeout,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
	}
	if tune != nil {
		tune(t)
	}
	return &http.Client{
		Transport: t,
		Timeout:   OperationTimeout,
	}
}

// isLoopback reports whether the URL host is a local address that must
// bypass the overlay proxy.
func isLoopback(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// isOverlayDest reports whether the URL host is an overlay destination.
func isOverlayDest(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), ".i2p")
}

func (c *Client) pick(rawURL string) *http.Client {
	u, err := url.Parse(rawURL)
	if err != nil {
		return c.direct
	}
	host := u.Hostname()
	if isLoopback(host) {
		return c.direct
	}
	if isOverlayDest(host) {
		return c.proxied
	}
	return c.proxied
}

// PostJSON posts body as JSON to rawURL and decodes the response into out
// when out is non-nil.  Non-2xx statuses and transport failures are mapped
// to the error taxonomy.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body, out interface{}) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// GetJSON fetches rawURL and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.pick(req.URL.String()).Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classify(err)
	}
	if err = json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
