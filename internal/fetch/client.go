package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UserAgent sent on every request; some course CDNs refuse the Go default.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Options configures the shared connection pool.
type Options struct {
	// MaxConns caps the aggregate connection count across all hosts.
	MaxConns int

	// MaxConnsPerHost caps connections to a single host, the first line of
	// defense against server-side throttling.
	MaxConnsPerHost int

	// DNSCacheTTL bounds how long resolved addresses are reused.
	DNSCacheTTL time.Duration
}

// DefaultOptions returns pool settings suited to bulk course downloads.
func DefaultOptions() Options {
	return Options{
		MaxConns:        30,
		MaxConnsPerHost: 10,
		DNSCacheTTL:     5 * time.Minute,
	}
}

// Client is the HTTP substrate every worker draws from: one capped
// connection pool, a short-lived DNS cache, and per-request timeout
// envelopes instead of a single global timeout.
type Client struct {
	http *http.Client
}

type dialTimeoutKey struct{}

func withDialTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, dialTimeoutKey{}, d)
}

func dialTimeoutFromContext(ctx context.Context) time.Duration {
	if d, ok := ctx.Value(dialTimeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}

	return 30 * time.Second
}

// NewClient builds the shared client. All workers must use the same
// instance so the pool caps actually bound the process.
func NewClient(opts Options) *Client {
	cache := newDNSCache(opts.DNSCacheTTL)

	transport := &http.Transport{
		DialContext:         dialVia(cache),
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		// Raw bytes: a transparently decompressed body would break byte
		// offsets for range resume.
		DisableCompression: true,
	}

	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
	}
}

// dialVia resolves through the cache and dials with the per-request connect
// budget carried in the context.
func dialVia(cache *dnsCache) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		dialer := &net.Dialer{Timeout: dialTimeoutFromContext(ctx)}

		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}

		addrs, err := cache.lookup(ctx, host)
		if err != nil {
			return nil, err
		}

		var lastErr error

		for _, resolved := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(resolved, port))
			if err == nil {
				return conn, nil
			}

			lastErr = err
		}

		return nil, lastErr
	}
}

// Do sends req within the timeout envelope. The returned response body
// enforces the read budget between reads; closing the body releases the
// envelope's total-timeout context.
func (c *Client) Do(req *http.Request, env Envelope) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), env.Total)
	ctx = withDialTimeout(ctx, env.Connect)

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		cancel()

		return nil, err
	}

	resp.Body = &watchdogBody{body: resp.Body, budget: env.Read, cancel: cancel}

	return resp, nil
}

// watchdogBody aborts the request when a single read stalls past the
// envelope's read budget, so a silently dead connection does not ride out
// the whole total budget.
type watchdogBody struct {
	body   io.ReadCloser
	budget time.Duration
	cancel context.CancelFunc
}

func (b *watchdogBody) Read(p []byte) (int, error) {
	timer := time.AfterFunc(b.budget, b.cancel)
	defer timer.Stop()

	return b.body.Read(p)
}

func (b *watchdogBody) Close() error {
	defer b.cancel()

	return b.body.Close()
}
