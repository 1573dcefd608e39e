package fetcher

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// ErrNoObservation means the upstream answered but carried no usable value.
var ErrNoObservation = eris.New("fetcher: no usable observation")

const (
	defaultFREDAPIBase = "https://api.stlouisfed.org/fred/series/observations"
	defaultFREDCSVBase = "https://fred.stlouisfed.org/graph/fredgraph.csv"

	csvWindow = 90 * 24 * time.Hour
)

// FREDConfig configures the FRED client.
type FREDConfig struct {
	APIKey     string
	APIBaseURL string
	CSVBaseURL string
}

// Observation is one dated value from a historical series.
type Observation struct {
	Date  time.Time
	Value float64
}

// FRED reads series from the St. Louis Fed, via the JSON API when a key is
// configured and the public CSV export otherwise.
type FRED struct {
	client *Client
	cfg    FREDConfig
	now    func() time.Time
}

// NewFRED creates a FRED client.
func NewFRED(client *Client, cfg FREDConfig) *FRED {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultFREDAPIBase
	}
	if cfg.CSVBaseURL == "" {
		cfg.CSVBaseURL = defaultFREDCSVBase
	}
	return &FRED{client: client, cfg: cfg, now: time.Now}
}

// HasKey reports whether the API tier is available.
func (f *FRED) HasKey() bool {
	return f.cfg.APIKey != ""
}

// missing reports FRED's placeholders for absent observations.
func missing(v string) bool {
	switch strings.TrimSpace(v) {
	case ".", "", "NA":
		return true
	}
	return false
}

// LatestAPI returns the most recent non-missing value among the last five
// observations.
func (f *FRED) LatestAPI(ctx context.Context, seriesID string) (float64, error) {
	if !f.HasKey() {
		return 0, eris.New("fred: api key not configured")
	}
	q := url.Values{}
	q.Set("series_id", seriesID)
	q.Set("api_key", f.cfg.APIKey)
	q.Set("sort_order", "desc")
	q.Set("limit", "5")
	q.Set("file_type", "json")

	body, err := f.client.Get(ctx, Request{Upstream: "fred", URL: f.cfg.APIBaseURL + "?" + q.Encode()})
	if err != nil {
		return 0, err
	}
	if !gjson.ValidBytes(body) {
		return 0, eris.Errorf("fred: %s: invalid json response", seriesID)
	}

	var (
		val   float64
		found bool
		perr  error
	)
	gjson.GetBytes(body, "observations").ForEach(func(_, obs gjson.Result) bool {
		raw := obs.Get("value").String()
		if missing(raw) {
			return true
		}
		val, perr = strconv.ParseFloat(raw, 64)
		found = perr == nil
		return false
	})
	if perr != nil {
		return 0, eris.Wrapf(perr, "fred: %s: parse value", seriesID)
	}
	if !found {
		return 0, eris.Wrapf(ErrNoObservation, "fred: %s", seriesID)
	}
	return val, nil
}

// LatestCSV returns the last non-missing value of the public CSV export
// over a 90-day window.
func (f *FRED) LatestCSV(ctx context.Context, seriesID string) (float64, error) {
	end := f.now()
	q := url.Values{}
	q.Set("id", seriesID)
	q.Set("cosd", end.Add(-csvWindow).Format(time.DateOnly))
	q.Set("coed", end.Format(time.DateOnly))

	body, err := f.client.Get(ctx, Request{
		Upstream: "fred",
		URL:      f.cfg.CSVBaseURL + "?" + q.Encode(),
		Header:   http.Header{"User-Agent": {BrowserUserAgent}},
	})
	if err != nil {
		return 0, err
	}
	return lastCSVValue(body, seriesID)
}

func lastCSVValue(body []byte, seriesID string) (float64, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return 0, eris.Wrapf(err, "fred csv: %s: parse", seriesID)
	}
	if len(rows) < 2 {
		return 0, eris.Wrapf(ErrNoObservation, "fred csv: %s", seriesID)
	}
	for i := len(rows) - 1; i >= 1; i-- {
		row := rows[i]
		if len(row) < 2 || missing(row[1]) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			return 0, eris.Wrapf(err, "fred csv: %s: parse value %q", seriesID, row[1])
		}
		return v, nil
	}
	return 0, eris.Wrapf(ErrNoObservation, "fred csv: %s", seriesID)
}

// Observations returns every non-missing observation since start in
// ascending date order. Requires an API key.
func (f *FRED) Observations(ctx context.Context, seriesID string, start time.Time) ([]Observation, error) {
	if !f.HasKey() {
		return nil, eris.New("fred: api key not configured")
	}
	q := url.Values{}
	q.Set("series_id", seriesID)
	q.Set("api_key", f.cfg.APIKey)
	q.Set("observation_start", start.Format(time.DateOnly))
	q.Set("sort_order", "asc")
	q.Set("file_type", "json")

	body, err := f.client.Get(ctx, Request{Upstream: "fred", URL: f.cfg.APIBaseURL + "?" + q.Encode()})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, eris.Errorf("fred: %s: invalid json response", seriesID)
	}

	var out []Observation
	for _, obs := range gjson.GetBytes(body, "observations").Array() {
		raw := obs.Get("value").String()
		date := obs.Get("date").String()
		if missing(raw) || date == "" {
			continue
		}
		d, err := time.Parse(time.DateOnly, date)
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "fred: %s: parse value on %s", seriesID, date)
		}
		out = append(out, Observation{Date: d, Value: v})
	}
	return out, nil
}
