package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Fetcher defaults.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxContentSize = 4 << 20 // 4 MiB
	defaultUserAgent      = "swarmrun-source/1.0"
	maxRedirects          = 5
)

// Fetcher retrieves web content with SSRF protection. Resolved IPs are
// re-validated at dial time to defeat DNS rebinding; redirects are
// validated like the original URL.
type Fetcher struct {
	client         *http.Client
	userAgent      string
	maxContentSize int64
}

// NewFetcher creates a hardened web fetcher.
func NewFetcher(timeout time.Duration, maxContentSize int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxContentSize <= 0 {
		maxContentSize = DefaultMaxContentSize
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	safeDialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}
		for _, ipAddr := range ips {
			if IsPrivateIP(ipAddr.IP) {
				return nil, fmt.Errorf("connection to private IP %s is not allowed", ipAddr.IP)
			}
		}
		for _, ipAddr := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
			if err == nil {
				return conn, nil
			}
		}
		return nil, fmt.Errorf("failed to connect to any resolved IP for %s", host)
	}

	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:           safeDialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (max %d)", maxRedirects)
				}
				if err := ValidateURL(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		userAgent:      defaultUserAgent,
		maxContentSize: maxContentSize,
	}
}

// Fetch retrieves the page body. Responses over the size limit fail.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxContentSize {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", f.maxContentSize)
	}
	return body, nil
}
