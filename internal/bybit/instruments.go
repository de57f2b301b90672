package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/domain"
)

// Instrument is the tradeable-contract metadata the execution path needs:
// price tick, quantity step and the minimum order bounds.
type Instrument struct {
	Symbol       string
	Category     domain.Category
	ContractType string
	Status       string
	TickSize     string
	QtyStep      string
	MinOrderQty  string
	MinNotional  string
}

type instrumentRow struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	PriceFilter  struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep        string `json:"qtyStep"`
		MinOrderQty    string `json:"minOrderQty"`
		MinNotionalVal string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
}

// FetchInstruments lists every trading perpetual in the category, paging
// with the same cursor protocol as the tickers endpoint. Non-perpetual and
// non-Trading listings are dropped.
func (c *Client) FetchInstruments(ctx context.Context, category domain.Category) ([]Instrument, error) {
	var out []Instrument
	cursor := ""
	page := 0
	for {
		page++
		params := url.Values{}
		params.Set("category", string(category))
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		raw, err := c.getJSON(ctx, "/v5/market/instruments-info", params)
		if err != nil {
			return nil, fmt.Errorf("instruments page %d: %w", page, err)
		}
		var res struct {
			List           []instrumentRow `json:"list"`
			NextPageCursor string          `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode instruments page %d: %w", page, err)
		}
		for _, row := range res.List {
			if row.Status != "Trading" {
				continue
			}
			switch row.ContractType {
			case "LinearPerpetual", "InversePerpetual":
			default:
				continue
			}
			out = append(out, Instrument{
				Symbol:       row.Symbol,
				Category:     category,
				ContractType: row.ContractType,
				Status:       row.Status,
				TickSize:     row.PriceFilter.TickSize,
				QtyStep:      row.LotSizeFilter.QtyStep,
				MinOrderQty:  row.LotSizeFilter.MinOrderQty,
				MinNotional:  row.LotSizeFilter.MinNotionalVal,
			})
		}
		if res.NextPageCursor == "" || len(res.List) == 0 {
			break
		}
		cursor = res.NextPageCursor
	}
	log.Debug().Str("category", string(category)).Int("instruments", len(out)).
		Msg("instruments fetched")
	return out, nil
}

// InstrumentIndex resolves per-symbol precision without refetching.
type InstrumentIndex struct {
	bySymbol map[string]Instrument
}

// BuildInstrumentIndex fetches instruments for each category and merges
// them into one lookup table.
func (c *Client) BuildInstrumentIndex(ctx context.Context, categories []domain.Category) (*InstrumentIndex, error) {
	idx := &InstrumentIndex{bySymbol: make(map[string]Instrument)}
	for _, cat := range categories {
		list, err := c.FetchInstruments(ctx, cat)
		if err != nil {
			return nil, err
		}
		for _, inst := range list {
			idx.bySymbol[inst.Symbol] = inst
		}
	}
	return idx, nil
}

// Lookup returns the instrument for symbol, if listed.
func (i *InstrumentIndex) Lookup(symbol string) (Instrument, bool) {
	inst, ok := i.bySymbol[symbol]
	return inst, ok
}

// Len reports how many symbols the index covers.
func (i *InstrumentIndex) Len() int { return len(i.bySymbol) }
