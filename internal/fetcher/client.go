package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/macro-swarm/internal/resilience"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 4 << 20

// BrowserUserAgent is sent to upstreams that reject non-browser clients.
const BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ClientOptions configures the shared HTTP client.
type ClientOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	Breakers  *resilience.ServiceBreakers
	Metrics   *Metrics
	Limiters  map[string]*AdaptiveLimiter
}

// AdaptiveLimiter wraps a rate.Limiter that backs off on 429 and recovers
// on success. The rate moves between initial/4 and 2x initial.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// DefaultLimiters returns per-host limiters for the known upstreams. FRED
// allows 120 requests per minute per key; Yahoo and multpl are scraped
// politely.
func DefaultLimiters() map[string]*AdaptiveLimiter {
	return map[string]*AdaptiveLimiter{
		"api.stlouisfed.org":       NewAdaptiveLimiter(2, 2),
		"fred.stlouisfed.org":      NewAdaptiveLimiter(2, 2),
		"query1.finance.yahoo.com": NewAdaptiveLimiter(1, 2),
		"query2.finance.yahoo.com": NewAdaptiveLimiter(1, 2),
		"fc.yahoo.com":             NewAdaptiveLimiter(1, 1),
		"www.multpl.com":           NewAdaptiveLimiter(0.5, 1),
	}
}

// Request is one GET against an upstream.
type Request struct {
	Upstream string
	URL      string
	Header   http.Header
	// Probe requests skip retries and the circuit breaker. Used for
	// cookie-priming calls whose outcome is ignored.
	Probe bool
}

// Client is a rate-limited, retrying HTTP GET client shared by every upstream.
type Client struct {
	http     *http.Client
	opts     ClientOptions
	limiters *limiterSet
}

// limiterSet maps hosts to limiters. Clients derived with WithJar share it.
type limiterSet struct {
	mu    sync.Mutex
	hosts map[string]*AdaptiveLimiter
}

func (s *limiterSet) get(host string) *AdaptiveLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.hosts[host]
	if !ok {
		lim = NewAdaptiveLimiter(20, 20)
		s.hosts[host] = lim
	}
	return lim
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "macro-swarm/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	limiters := opts.Limiters
	if limiters == nil {
		limiters = DefaultLimiters()
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http:     &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:     opts,
		limiters: &limiterSet{hosts: limiters},
	}
}

// WithJar returns a Client that shares limiters, breakers and transport
// with c but keeps cookies in jar.
func (c *Client) WithJar(jar http.CookieJar) *Client {
	hc := *c.http
	hc.Jar = jar
	return &Client{http: &hc, opts: c.opts, limiters: c.limiters}
}

// UserAgent returns the configured default user agent.
func (c *Client) UserAgent() string {
	return c.opts.UserAgent
}

func (c *Client) limiterFor(rawURL string) *AdaptiveLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	return c.limiters.get(host)
}

// Get performs req and returns the response body for 2xx responses.
// 429, 503 and network errors are retried; other statuses fail at once.
func (c *Client) Get(ctx context.Context, req Request) ([]byte, error) {
	if req.Probe {
		return c.once(ctx, req)
	}

	retry := c.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(req.Upstream, redact(req.URL))
	}
	call := func(ctx context.Context) ([]byte, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
			return c.once(ctx, req)
		})
	}

	if c.opts.Breakers == nil {
		return call(ctx)
	}
	return resilience.ExecuteVal(ctx, c.opts.Breakers.Get(req.Upstream), call)
}

func (c *Client) once(ctx context.Context, req Request) ([]byte, error) {
	lim := c.limiterFor(req.URL)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	hreq.Header.Set("User-Agent", c.opts.UserAgent)
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		c.opts.Metrics.observeUpstream(req.Upstream, "error")
		return nil, eris.Wrapf(err, "%s: get", req.Upstream)
	}
	defer resp.Body.Close() //nolint:errcheck

	c.opts.Metrics.observeUpstream(req.Upstream, strconv.Itoa(resp.StatusCode))

	if err := resilience.CheckStatus(req.Upstream, redact(req.URL), resp.StatusCode); err != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
			zap.L().Warn("upstream rate limited, reducing request rate",
				zap.String("upstream", req.Upstream),
				zap.Float64("new_rate", float64(lim.Limit())),
			)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: read body", req.Upstream)
	}
	lim.OnSuccess()
	return body, nil
}

// redact strips credentials from URLs before they reach logs and errors.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for _, k := range []string{"api_key", "crumb"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
