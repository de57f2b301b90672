package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/domain"
)

const pageLimit = 1000

// tickerRow is the raw v5 /market/tickers entry. Every numeric field
// arrives as a string; absent fields arrive empty.
type tickerRow struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	Turnover24h     string `json:"turnover24h"`
	Volume24h       string `json:"volume24h"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	MarkPrice       string `json:"markPrice"`
	LastPrice       string `json:"lastPrice"`
	NextFundingTime string `json:"nextFundingTime"`
}

type tickersResult struct {
	Category       string      `json:"category"`
	List           []tickerRow `json:"list"`
	NextPageCursor string      `json:"nextPageCursor"`
}

// Ticker is a normalized single-symbol snapshot. Numeric fields are nil
// when the venue omitted them, so a caller can merge without clobbering.
type Ticker struct {
	Symbol          string
	FundingRate     *float64
	Turnover24h     *float64
	Volume24h       *float64
	Bid1Price       *float64
	Ask1Price       *float64
	MarkPrice       *float64
	LastPrice       *float64
	NextFundingTime string
}

func parseOpt(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (r tickerRow) normalize() Ticker {
	return Ticker{
		Symbol:          r.Symbol,
		FundingRate:     parseOpt(r.FundingRate),
		Turnover24h:     parseOpt(r.Turnover24h),
		Volume24h:       parseOpt(r.Volume24h),
		Bid1Price:       parseOpt(r.Bid1Price),
		Ask1Price:       parseOpt(r.Ask1Price),
		MarkPrice:       parseOpt(r.MarkPrice),
		LastPrice:       parseOpt(r.LastPrice),
		NextFundingTime: r.NextFundingTime,
	}
}

// fetchTickerPages walks the cursor-paginated tickers endpoint and hands
// every row to visit, until visit returns false or the cursor runs out.
func (c *Client) fetchTickerPages(ctx context.Context, category domain.Category, visit func(tickerRow) bool) error {
	cursor := ""
	page := 0
	collected := 0
	for {
		page++
		params := url.Values{}
		params.Set("category", string(category))
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		raw, err := c.getJSON(ctx, "/v5/market/tickers", params)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return &UpstreamError{
					Endpoint:  "/v5/market/tickers",
					Code:      apiErr.Code,
					Msg:       apiErr.Msg,
					Page:      page,
					Collected: collected,
				}
			}
			return fmt.Errorf("tickers page %d (collected %d): %w", page, collected, err)
		}
		var res tickersResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode tickers page %d: %w", page, err)
		}
		for _, row := range res.List {
			collected++
			if !visit(row) {
				return nil
			}
		}
		if res.NextPageCursor == "" || len(res.List) == 0 {
			return nil
		}
		cursor = res.NextPageCursor
	}
}

// FetchFundingMap collects funding rate, 24h turnover and next funding
// time for every symbol in the category. Rows without a funding rate are
// skipped; they are spot-like listings the ranking cannot use.
func (c *Client) FetchFundingMap(ctx context.Context, category domain.Category) (map[string]domain.FundingInfo, error) {
	out := make(map[string]domain.FundingInfo)
	skipped := 0
	err := c.fetchTickerPages(ctx, category, func(row tickerRow) bool {
		if row.FundingRate == "" {
			skipped++
			return true
		}
		fr, err := strconv.ParseFloat(row.FundingRate, 64)
		if err != nil {
			skipped++
			return true
		}
		turnover := 0.0
		if v := parseOpt(row.Turnover24h); v != nil {
			turnover = *v
		} else if v := parseOpt(row.Volume24h); v != nil {
			turnover = *v
		}
		out[row.Symbol] = domain.FundingInfo{
			Category:        category,
			FundingRate:     fr,
			Turnover24h:     turnover,
			NextFundingTime: row.NextFundingTime,
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("category", string(category)).
		Int("symbols", len(out)).Int("skipped", skipped).
		Msg("funding map fetched")
	return out, nil
}

// Spread is a best bid/ask pair for one symbol.
type Spread struct {
	Bid float64
	Ask float64
}

// FetchSpreads resolves best bid/ask for the wanted symbols. It pages
// through the category tickers, short-circuiting once every wanted symbol
// is seen, then falls back to unary lookups for stragglers the paginated
// listing missed.
func (c *Client) FetchSpreads(ctx context.Context, category domain.Category, symbols []string) (map[string]Spread, error) {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	out := make(map[string]Spread, len(symbols))
	if len(want) == 0 {
		return out, nil
	}

	err := c.fetchTickerPages(ctx, category, func(row tickerRow) bool {
		if _, ok := want[row.Symbol]; !ok {
			return true
		}
		bid, ask := parseOpt(row.Bid1Price), parseOpt(row.Ask1Price)
		if bid != nil && ask != nil {
			out[row.Symbol] = Spread{Bid: *bid, Ask: *ask}
		}
		delete(want, row.Symbol)
		return len(want) > 0
	})
	if err != nil {
		return nil, err
	}

	for sym := range want {
		t, err := c.FetchInstrumentTicker(ctx, category, sym)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("spread fallback fetch failed")
			continue
		}
		if t.Bid1Price != nil && t.Ask1Price != nil {
			out[sym] = Spread{Bid: *t.Bid1Price, Ask: *t.Ask1Price}
		}
	}
	return out, nil
}

// FetchInstrumentTicker fetches the full ticker for a single symbol.
func (c *Client) FetchInstrumentTicker(ctx context.Context, category domain.Category, symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)
	raw, err := c.getJSON(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}
	var res tickersResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode ticker %s: %w", symbol, err)
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("ticker %s: empty result", symbol)
	}
	t := res.List[0].normalize()
	return &t, nil
}

// Kline is one OHLC bar from /v5/market/kline.
type Kline struct {
	Start int64
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// GetKlines fetches up to limit bars of the given interval (Bybit interval
// strings: "1", "5", "60", "D", ...). Bars come back newest first, as the
// venue sends them.
func (c *Client) GetKlines(ctx context.Context, category domain.Category, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	raw, err := c.getJSON(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, err
	}
	var res struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode klines %s: %w", symbol, err)
	}
	out := make([]Kline, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 5 {
			continue
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open, e1 := strconv.ParseFloat(row[1], 64)
		high, e2 := strconv.ParseFloat(row[2], 64)
		low, e3 := strconv.ParseFloat(row[3], 64)
		cl, e4 := strconv.ParseFloat(row[4], 64)
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			continue
		}
		out = append(out, Kline{Start: start, Open: open, High: high, Low: low, Close: cl})
	}
	return out, nil
}
