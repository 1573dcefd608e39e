package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFRED(t *testing.T, key string, h http.HandlerFunc) *FRED {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	f := NewFRED(newTestClient(), FREDConfig{
		APIKey:     key,
		APIBaseURL: srv.URL + "/fred/series/observations",
		CSVBaseURL: srv.URL + "/graph/fredgraph.csv",
	})
	f.now = func() time.Time { return time.Date(2026, 2, 12, 9, 0, 0, 0, time.UTC) }
	return f
}

func TestFRED_LatestAPI(t *testing.T) {
	f := newTestFRED(t, "k", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/fred/series/observations", r.URL.Path)
		assert.Equal(t, "VIXCLS", q.Get("series_id"))
		assert.Equal(t, "k", q.Get("api_key"))
		assert.Equal(t, "desc", q.Get("sort_order"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "json", q.Get("file_type"))
		_, _ = w.Write([]byte(`{"observations":[
			{"date":"2026-02-11","value":"."},
			{"date":"2026-02-10","value":"17.79"},
			{"date":"2026-02-09","value":"18.01"}]}`))
	})

	v, err := f.LatestAPI(context.Background(), "VIXCLS")
	require.NoError(t, err)
	assert.InDelta(t, 17.79, v, 1e-9)
}

func TestFRED_LatestAPI_AllMissing(t *testing.T) {
	f := newTestFRED(t, "k", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"observations":[{"value":"."},{"value":""},{"value":"NA"}]}`))
	})

	_, err := f.LatestAPI(context.Background(), "DGS10")
	assert.True(t, eris.Is(err, ErrNoObservation))
}

func TestFRED_LatestAPI_NoKey(t *testing.T) {
	f := newTestFRED(t, "", func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected without a key")
	})
	assert.False(t, f.HasKey())
	_, err := f.LatestAPI(context.Background(), "DGS10")
	assert.Error(t, err)
}

func TestFRED_LatestCSV(t *testing.T) {
	f := newTestFRED(t, "", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/graph/fredgraph.csv", r.URL.Path)
		assert.Equal(t, "WTREGEN", q.Get("id"))
		assert.Equal(t, "2025-11-14", q.Get("cosd"))
		assert.Equal(t, "2026-02-12", q.Get("coed"))
		assert.Equal(t, BrowserUserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("observation_date,WTREGEN\n2026-01-28,899001\n2026-02-04,908773\n2026-02-11,.\n"))
	})

	v, err := f.LatestCSV(context.Background(), "WTREGEN")
	require.NoError(t, err)
	assert.InDelta(t, 908773.0, v, 1e-9)
}

func TestLastCSVValue(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr bool
	}{
		{"header only", "DATE,X\n", 0, true},
		{"empty", "", 0, true},
		{"short rows skipped", "DATE,X\n2026-01-01,1.5\n2026-01-02\n", 1.5, false},
		{"all missing", "DATE,X\n2026-01-01,NA\n2026-01-02,\n", 0, true},
		{"garbage", "DATE,X\n2026-01-01,abc\n", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := lastCSVValue([]byte(tt.body), "X")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, v, 1e-9)
		})
	}
}

func TestFRED_Observations(t *testing.T) {
	f := newTestFRED(t, "k", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "asc", q.Get("sort_order"))
		assert.Equal(t, "2025-11-14", q.Get("observation_start"))
		_, _ = w.Write([]byte(`{"observations":[
			{"date":"2025-11-14","value":"4.10"},
			{"date":"2025-11-17","value":"."},
			{"date":"2025-11-18","value":"4.12"}]}`))
	})

	obs, err := f.Observations(context.Background(), "DGS10", time.Date(2025, 11, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "2025-11-18", obs[1].Date.Format(time.DateOnly))
	assert.InDelta(t, 4.12, obs[1].Value, 1e-9)
}

func TestFRED_APIError(t *testing.T) {
	f := newTestFRED(t, "bad", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":400,"error_message":"Bad Request. The value for variable api_key is not registered."}`))
	})

	_, err := f.LatestAPI(context.Background(), "WALCL")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "api_key=bad")
}
