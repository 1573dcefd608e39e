package fetcher

import (
	"context"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultYahooCookieURL = "https://fc.yahoo.com"
	defaultYahooCrumbURL  = "https://query2.finance.yahoo.com/v1/test/getcrumb"
	defaultYahooQuoteURL  = "https://query2.finance.yahoo.com/v7/finance/quote"
	defaultYahooChartURL  = "https://query1.finance.yahoo.com/v8/finance/chart"
)

// YahooConfig configures the Yahoo Finance client.
type YahooConfig struct {
	CookieURL  string
	CrumbURL   string
	QuoteURL   string
	ChartURL   string
	SessionTTL time.Duration
}

type yahooSession struct {
	client   *Client
	crumb    string
	acquired time.Time
}

// Yahoo reads quotes from Yahoo Finance. Quotes need a cookie plus crumb
// session that is reused for SessionTTL and dropped on any quote failure.
type Yahoo struct {
	base *Client
	cfg  YahooConfig
	now  func() time.Time

	mu      sync.Mutex
	session *yahooSession
}

// NewYahoo creates a Yahoo client.
func NewYahoo(client *Client, cfg YahooConfig) *Yahoo {
	if cfg.CookieURL == "" {
		cfg.CookieURL = defaultYahooCookieURL
	}
	if cfg.CrumbURL == "" {
		cfg.CrumbURL = defaultYahooCrumbURL
	}
	if cfg.QuoteURL == "" {
		cfg.QuoteURL = defaultYahooQuoteURL
	}
	if cfg.ChartURL == "" {
		cfg.ChartURL = defaultYahooChartURL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Minute
	}
	return &Yahoo{base: client, cfg: cfg, now: time.Now}
}

var yahooHeader = http.Header{"User-Agent": {BrowserUserAgent}}

// current returns a live session, acquiring a new one when needed. The lock
// guards only the session pointer; network calls happen outside it.
func (y *Yahoo) current(ctx context.Context) (*yahooSession, error) {
	y.mu.Lock()
	s := y.session
	y.mu.Unlock()
	if s != nil && y.now().Sub(s.acquired) < y.cfg.SessionTTL {
		return s, nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "yahoo: cookie jar")
	}
	client := y.base.WithJar(jar)

	// fc.yahoo.com usually answers 404 but still sets the cookie.
	_, _ = client.Get(ctx, Request{Upstream: "yahoo", URL: y.cfg.CookieURL, Header: yahooHeader, Probe: true})

	body, err := client.Get(ctx, Request{Upstream: "yahoo", URL: y.cfg.CrumbURL, Header: yahooHeader})
	if err != nil {
		return nil, eris.Wrap(err, "yahoo: acquire crumb")
	}
	crumb := strings.TrimSpace(string(body))
	if crumb == "" || strings.ContainsAny(crumb, "<{") {
		return nil, eris.New("yahoo: unusable crumb response")
	}

	s = &yahooSession{client: client, crumb: crumb, acquired: y.now()}
	y.mu.Lock()
	y.session = s
	y.mu.Unlock()
	zap.L().Debug("yahoo session established")
	return s, nil
}

func (y *Yahoo) invalidate(s *yahooSession) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.session == s {
		y.session = nil
	}
}

// Quote returns a positive numeric field of the first quote result for
// symbol, e.g. regularMarketPrice or forwardPE. A failed attempt drops the
// session and retries once with a fresh one.
func (y *Yahoo) Quote(ctx context.Context, symbol, field string) (float64, error) {
	var lastErr error
	for range 2 {
		s, err := y.current(ctx)
		if err != nil {
			return 0, err
		}
		v, err := y.quote(ctx, s, symbol, field)
		if err == nil {
			return v, nil
		}
		y.invalidate(s)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, lastErr
}

func (y *Yahoo) quote(ctx context.Context, s *yahooSession, symbol, field string) (float64, error) {
	q := url.Values{}
	q.Set("symbols", symbol)
	q.Set("crumb", s.crumb)

	body, err := s.client.Get(ctx, Request{Upstream: "yahoo", URL: y.cfg.QuoteURL + "?" + q.Encode(), Header: yahooHeader})
	if err != nil {
		return 0, err
	}
	res := gjson.GetBytes(body, "quoteResponse.result.0."+field)
	if !res.Exists() || res.Type != gjson.Number {
		return 0, eris.Wrapf(ErrNoObservation, "yahoo: %s %s", symbol, field)
	}
	v := res.Float()
	if v <= 0 {
		return 0, eris.Errorf("yahoo: %s %s non-positive value %v", symbol, field, v)
	}
	return v, nil
}

// ChartRange maps a lookback in days to the chart API's range parameter.
func ChartRange(days int) string {
	switch {
	case days <= 30:
		return "1mo"
	case days <= 90:
		return "3mo"
	case days <= 180:
		return "6mo"
	default:
		return "1y"
	}
}

// Chart returns daily closes for symbol over roughly days, rounded to three
// decimals. The chart API needs no session.
func (y *Yahoo) Chart(ctx context.Context, symbol string, days int) ([]Observation, error) {
	q := url.Values{}
	q.Set("range", ChartRange(days))
	q.Set("interval", "1d")
	rawURL := y.cfg.ChartURL + "/" + url.PathEscape(symbol) + "?" + q.Encode()

	body, err := y.base.Get(ctx, Request{Upstream: "yahoo", URL: rawURL, Header: yahooHeader})
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "chart.result.0")
	if !result.Exists() {
		return nil, eris.Wrapf(ErrNoObservation, "yahoo chart: %s", symbol)
	}

	stamps := result.Get("timestamp").Array()
	closes := result.Get("indicators.quote.0.close").Array()
	out := make([]Observation, 0, len(stamps))
	for i := 0; i < len(stamps) && i < len(closes); i++ {
		c := closes[i]
		if c.Type != gjson.Number || c.Float() <= 0 {
			continue
		}
		ts := time.Unix(stamps[i].Int(), 0).UTC()
		out = append(out, Observation{
			Date:  time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
			Value: math.Round(c.Float()*1000) / 1000,
		})
	}
	return out, nil
}
