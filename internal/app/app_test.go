package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/config"
	"github.com/perprun/perprun/internal/stream"
)

// fakeVenue serves just enough of the v5 REST surface for a refresh.
func fakeVenue(t *testing.T) *httptest.Server {
	t.Helper()
	fundingAt := time.Now().Add(90 * time.Minute).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/instruments-info":
			fmt.Fprint(w, `{"retCode":0,"result":{"list":[
				{"symbol":"BTCUSDT","contractType":"LinearPerpetual","status":"Trading",
				 "priceFilter":{"tickSize":"0.5"},
				 "lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","minNotionalValue":"5"}}
			],"nextPageCursor":""}}`)
		case "/v5/market/tickers":
			fmt.Fprintf(w, `{"retCode":0,"result":{"list":[
				{"symbol":"BTCUSDT","fundingRate":"0.0020","turnover24h":"9000000",
				 "bid1Price":"50000","ask1Price":"50001","nextFundingTime":"%d"}
			],"nextPageCursor":""}}`, fundingAt)
		case "/v5/market/kline":
			fmt.Fprint(w, `{"retCode":0,"result":{"list":[
				["1717246800000","100","102","99","101"]
			]}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Categorie = "linear"
	cfg.Ops.Listen = "127.0.0.1:0"
	fm := 0.0005
	cfg.FundingMin = &fm
	return cfg
}

func TestScanRunsFullPipeline(t *testing.T) {
	srv := fakeVenue(t)
	cfg := testConfig()
	a := New(cfg, WithAPIClient(bybit.NewClient(
		bybit.WithBaseURL(srv.URL),
		bybit.WithRateLimit(10_000, 10_000),
	)))

	require.NoError(t, a.Scan(context.Background()))

	active := a.watch.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "BTCUSDT", active[0].Symbol)
	assert.Equal(t, 0.0020, active[0].FundingRate)
	assert.True(t, active[0].Scored)
}

func TestLiveViewOverlaysStreamState(t *testing.T) {
	srv := fakeVenue(t)
	cfg := testConfig()
	a := New(cfg, WithAPIClient(bybit.NewClient(
		bybit.WithBaseURL(srv.URL),
		bybit.WithRateLimit(10_000, 10_000),
	)))
	require.NoError(t, a.Scan(context.Background()))

	// A live frame moves funding; the view must pick it up and rescore.
	fr := 0.0050
	a.store.Apply(stream.InstantTicker{
		Symbol:      "BTCUSDT",
		FundingRate: &fr,
		FromWS:      true,
	})

	view := a.liveView(time.Now())
	require.Len(t, view, 1)
	assert.Equal(t, 0.0050, view[0].FundingRate)
	assert.Greater(t, view[0].Score, a.watch.Active()[0].Score)
}

func TestActiveSetChangeSeedsStore(t *testing.T) {
	srv := fakeVenue(t)
	cfg := testConfig()
	a := New(cfg, WithAPIClient(bybit.NewClient(
		bybit.WithBaseURL(srv.URL),
		bybit.WithRateLimit(10_000, 10_000),
	)))
	require.NoError(t, a.Scan(context.Background()))

	// The membership-change hook seeds the fused store from the refresh
	// snapshot.
	snap, ok := a.store.Snapshot("BTCUSDT")
	require.True(t, ok)
	require.NotNil(t, snap.FundingRate)
	assert.Equal(t, 0.0020, *snap.FundingRate)
	assert.False(t, snap.FromWS)

	health := a.health()
	assert.Contains(t, health, "ws_linear")
	assert.Contains(t, health, "ws_inverse")
	assert.True(t, health["watchlist"])
}
