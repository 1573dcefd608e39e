package fetcher

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

const defaultMultplBase = "https://www.multpl.com"

var (
	multplCurrentID = regexp.MustCompile(`(?s)id="current".*?(\d+\.\d+)`)
	multplTableRow  = regexp.MustCompile(`(?s)<tr[^>]*>\s*<td[^>]*>(.*?)</td>\s*<td[^>]*>(.*?)</td>`)
	decimal         = regexp.MustCompile(`(\d+\.\d+)`)
	htmlTag         = regexp.MustCompile(`<[^>]*>`)
)

// labelPatterns caches the compiled "Current <label>" pattern per label.
var labelPatterns sync.Map

func labelPattern(label string) *regexp.Regexp {
	if re, ok := labelPatterns.Load(label); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := labelPatterns.LoadOrStore(label, regexp.MustCompile(`(?s)Current `+regexp.QuoteMeta(label)+`.*?(\d+\.\d+)`))
	return re.(*regexp.Regexp)
}

// Multpl scrapes valuation ratios from multpl.com.
type Multpl struct {
	client  *Client
	baseURL string
}

// NewMultpl creates a multpl scraper. An empty baseURL means the public site.
func NewMultpl(client *Client, baseURL string) *Multpl {
	if baseURL == "" {
		baseURL = defaultMultplBase
	}
	return &Multpl{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

var multplHeader = http.Header{
	"User-Agent": {BrowserUserAgent},
	"Accept":     {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
}

// Current extracts the headline value from a ratio page. The labelled
// pattern is tried first, then the id="current" element; matches of 5 or
// below are rejected as parse noise.
func (m *Multpl) Current(ctx context.Context, path, label string) (float64, error) {
	body, err := m.client.Get(ctx, Request{Upstream: "multpl", URL: m.baseURL + path, Header: multplHeader})
	if err != nil {
		return 0, err
	}

	patterns := []*regexp.Regexp{
		labelPattern(label),
		multplCurrentID,
	}
	for _, re := range patterns {
		match := re.FindSubmatch(body)
		if match == nil {
			continue
		}
		v, err := strconv.ParseFloat(string(match[1]), 64)
		if err == nil && v > 5 {
			return v, nil
		}
	}
	return 0, eris.Wrapf(ErrNoObservation, "multpl: %s", path)
}

// MonthlyTable parses the by-month history table under path, keeping values
// within [5, 100] dated on or after since.
func (m *Multpl) MonthlyTable(ctx context.Context, path string, since time.Time) ([]Observation, error) {
	url := m.baseURL + strings.TrimRight(path, "/") + "/table/by-month"
	body, err := m.client.Get(ctx, Request{Upstream: "multpl", URL: url, Header: multplHeader})
	if err != nil {
		return nil, err
	}

	cutoff := since.Truncate(24 * time.Hour)
	var out []Observation
	for _, row := range multplTableRow.FindAllSubmatch(body, -1) {
		dateRaw := strings.TrimSpace(htmlTag.ReplaceAllString(string(row[1]), ""))
		valMatch := decimal.FindSubmatch(row[2])
		if valMatch == nil {
			continue
		}
		v, err := strconv.ParseFloat(string(valMatch[1]), 64)
		if err != nil || v < 5 || v > 100 {
			continue
		}
		d, ok := parseMultplDate(dateRaw)
		if !ok || d.Before(cutoff) {
			continue
		}
		out = append(out, Observation{Date: d, Value: v})
	}
	return out, nil
}

func parseMultplDate(s string) (time.Time, bool) {
	for _, layout := range []string{"Jan 2, 2006", "Jan 2006"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
