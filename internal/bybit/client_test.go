package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perprun/perprun/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(
		WithBaseURL(srv.URL),
		WithRateLimit(10_000, 10_000),
	)
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, &sleeps
}

func TestGetJSONUnwrapsEnvelope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]},"time":1}`))
	}))
	raw, err := c.getJSON(context.Background(), "/v5/market/tickers", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"list":[]}`, string(raw))
}

func TestGetJSONRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	c, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Write([]byte(`{"retCode":10016,"retMsg":"rate limit exceeded"}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{}}`))
	}))

	_, err := c.getJSON(context.Background(), "/v5/market/tickers", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	// Exponential: base, then doubled.
	require.Len(t, *sleeps, 2)
	assert.Equal(t, defaultBackoffBase, (*sleeps)[0])
	assert.Equal(t, 2*defaultBackoffBase, (*sleeps)[1])
}

func TestRetryHookFiresPerRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Write([]byte(`{"retCode":10016,"retMsg":"rate limit exceeded"}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{}}`))
	}))
	t.Cleanup(srv.Close)

	var retries int
	c := NewClient(
		WithBaseURL(srv.URL),
		WithRateLimit(10_000, 10_000),
		WithRetryHook(func() { retries++ }),
	)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.getJSON(context.Background(), "/v5/market/tickers", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
}

func TestGetJSONHonorsRetryAfter(t *testing.T) {
	var calls int32
	c, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{}}`))
	}))

	_, err := c.getJSON(context.Background(), "/v5/market/tickers", nil)
	require.NoError(t, err)
	require.Len(t, *sleeps, 1)
	assert.Equal(t, 3*time.Second, (*sleeps)[0])
}

func TestGetJSONDoesNotRetryAuthErrors(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"retCode":10005,"retMsg":"permission denied"}`))
	}))

	_, err := c.getJSON(context.Background(), "/v5/market/tickers", nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		code int
		want ErrorClass
	}{
		{10005, ClassAuth},
		{10018, ClassAuth},
		{10017, ClassTimestamp},
		{10016, ClassRateLimit},
		{10006, ClassRateLimit},
		{10001, ClassParam},
		{10002, ClassParam},
		{30042, ClassTrading},
		{110001, ClassUnknown},
	}
	for _, tc := range cases {
		e := &APIError{Code: tc.code}
		assert.Equal(t, tc.want, e.Class(), "code %d", tc.code)
		assert.Equal(t, tc.want == ClassRateLimit, e.Retryable(), "code %d", tc.code)
	}
}

func TestFetchFundingMapPaginates(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		switch r.URL.Query().Get("cursor") {
		case "":
			w.Write([]byte(`{"retCode":0,"result":{"list":[
				{"symbol":"BTCUSDT","fundingRate":"0.0001","turnover24h":"5000000","nextFundingTime":"1717246800000"},
				{"symbol":"NOPERP","fundingRate":"","turnover24h":"1"}
			],"nextPageCursor":"p2"}}`))
		case "p2":
			w.Write([]byte(`{"retCode":0,"result":{"list":[
				{"symbol":"ETHUSDT","fundingRate":"-0.0025","volume24h":"2000000","nextFundingTime":"1717246800000"}
			],"nextPageCursor":""}}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))

	m, err := c.FetchFundingMap(context.Background(), domain.CategoryLinear)
	require.NoError(t, err)
	require.Len(t, m, 2)

	btc := m["BTCUSDT"]
	assert.Equal(t, 0.0001, btc.FundingRate)
	assert.Equal(t, 5_000_000.0, btc.Turnover24h)
	assert.Equal(t, "1717246800000", btc.NextFundingTime)
	assert.Equal(t, domain.CategoryLinear, btc.Category)

	// volume24h backfills a missing turnover24h.
	assert.Equal(t, 2_000_000.0, m["ETHUSDT"].Turnover24h)
}

func TestFetchFundingMapMidPageFailure(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"retCode":0,"result":{"list":[
				{"symbol":"BTCUSDT","fundingRate":"0.0001","turnover24h":"1"}
			],"nextPageCursor":"p2"}}`))
			return
		}
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error"}`))
	}))

	_, err := c.FetchFundingMap(context.Background(), domain.CategoryLinear)
	require.Error(t, err)
	var up *UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, 10001, up.Code)
	assert.Equal(t, 2, up.Page)
	assert.Equal(t, 1, up.Collected)
}

func TestFetchSpreadsShortCircuitsAndFallsBack(t *testing.T) {
	var pageCalls, unaryCalls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sym := r.URL.Query().Get("symbol"); sym != "" {
			atomic.AddInt32(&unaryCalls, 1)
			assert.Equal(t, "GHOSTUSDT", sym)
			w.Write([]byte(`{"retCode":0,"result":{"list":[
				{"symbol":"GHOSTUSDT","bid1Price":"1.00","ask1Price":"1.01"}
			]}}`))
			return
		}
		atomic.AddInt32(&pageCalls, 1)
		if r.URL.Query().Get("cursor") == "p2" {
			w.Write([]byte(`{"retCode":0,"result":{"list":[],"nextPageCursor":""}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","bid1Price":"50000","ask1Price":"50001"},
			{"symbol":"ETHUSDT","bid1Price":"3000","ask1Price":"3001"}
		],"nextPageCursor":"p2"}}`))
	}))

	spreads, err := c.FetchSpreads(context.Background(), domain.CategoryLinear,
		[]string{"BTCUSDT", "ETHUSDT", "GHOSTUSDT"})
	require.NoError(t, err)
	require.Len(t, spreads, 3)
	assert.Equal(t, Spread{Bid: 50000, Ask: 50001}, spreads["BTCUSDT"])
	assert.Equal(t, Spread{Bid: 1.00, Ask: 1.01}, spreads["GHOSTUSDT"])
	assert.EqualValues(t, 1, atomic.LoadInt32(&unaryCalls))
}

func TestFetchSpreadsStopsPagingOnceSatisfied(t *testing.T) {
	var pageCalls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pageCalls, 1)
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","bid1Price":"50000","ask1Price":"50001"}
		],"nextPageCursor":"p2"}}`))
	}))

	spreads, err := c.FetchSpreads(context.Background(), domain.CategoryLinear, []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, spreads, 1)
	assert.EqualValues(t, 1, atomic.LoadInt32(&pageCalls))
}

func TestGetKlines(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/kline", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("interval"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			["1717246800000","100","102","99","101"],
			["1717246740000","99","101","98","100"]
		]}}`))
	}))

	bars, err := c.GetKlines(context.Background(), domain.CategoryLinear, "BTCUSDT", "1", 5)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(1717246800000), bars[0].Start)
	assert.Equal(t, 102.0, bars[0].High)
	assert.Equal(t, 98.0, bars[1].Low)
}

func TestFetchInstrumentsFiltersNonPerps(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/instruments-info", r.URL.Path)
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","contractType":"LinearPerpetual","status":"Trading",
			 "priceFilter":{"tickSize":"0.10"},
			 "lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","minNotionalValue":"5"}},
			{"symbol":"BTC-26SEP25","contractType":"LinearFutures","status":"Trading",
			 "priceFilter":{"tickSize":"0.10"},"lotSizeFilter":{}},
			{"symbol":"DEADUSDT","contractType":"LinearPerpetual","status":"Closed",
			 "priceFilter":{"tickSize":"0.01"},"lotSizeFilter":{}}
		],"nextPageCursor":""}}`))
	}))

	list, err := c.FetchInstruments(context.Background(), domain.CategoryLinear)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "BTCUSDT", list[0].Symbol)
	assert.Equal(t, "0.10", list[0].TickSize)
	assert.Equal(t, "0.001", list[0].QtyStep)
	assert.Equal(t, "5", list[0].MinNotional)
}
