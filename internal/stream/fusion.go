package stream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/bus"
	"github.com/perprun/perprun/internal/domain"
	"github.com/perprun/perprun/internal/metrics"
)

// Topic builders for the three public streams the engine consumes.
func TickerTopic(symbol string) string { return "tickers." + symbol }
func TradeTopic(symbol string) string  { return "publicTrade." + symbol }
func BookTopic(symbol string) string   { return "orderbook.1." + symbol }

// Event is what the fusion layer publishes on the bus, keyed by symbol.
type Event struct {
	Kind   string // "ticker", "trade" or "book"
	Symbol string
	Ticker InstantTicker // fused snapshot after the update was applied
	Trade  *Trade
}

// Trade is one public trade print.
type Trade struct {
	Symbol string
	Side   string
	Price  float64
	Qty    float64
	At     time.Time
}

// Fusion routes raw stream frames into the Store and republishes the
// fused state on the bus.
type Fusion struct {
	store *Store
	bus   *bus.Bus[Event]
	met   *metrics.Metrics
	now   func() time.Time
}

// NewFusion wires the routing layer. met may be nil in tests.
func NewFusion(store *Store, b *bus.Bus[Event], met *metrics.Metrics) *Fusion {
	return &Fusion{store: store, bus: b, met: met, now: time.Now}
}

type wsFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// Handle implements MessageHandler for every data frame of one category.
func (f *Fusion) Handle(category domain.Category, payload []byte) {
	var frame wsFrame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Topic == "" {
		return
	}
	kind, symbol := splitTopic(frame.Topic)
	if symbol == "" {
		return
	}
	if f.met != nil {
		f.met.WSMessages.WithLabelValues(string(category), kind).Inc()
	}
	switch kind {
	case "tickers":
		f.handleTicker(symbol, frame.Data)
	case "publicTrade":
		f.handleTrades(frame.Data)
	case "orderbook":
		f.handleBook(symbol, frame.Data)
	}
}

// splitTopic maps "tickers.BTCUSDT" to ("tickers", "BTCUSDT") and
// "orderbook.1.BTCUSDT" to ("orderbook", "BTCUSDT").
func splitTopic(topic string) (kind, symbol string) {
	parts := strings.Split(topic, ".")
	switch {
	case len(parts) == 2:
		return parts[0], parts[1]
	case len(parts) == 3 && parts[0] == "orderbook":
		return parts[0], parts[2]
	}
	return "", ""
}

// pickFloat resolves the first present key, accepting both string and
// numeric JSON encodings. Delta frames simply omit unchanged fields.
func pickFloat(m map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			if v == "" {
				continue
			}
			if fv, err := strconv.ParseFloat(v, 64); err == nil {
				return &fv
			}
		case float64:
			fv := v
			return &fv
		}
	}
	return nil
}

func pickString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

func (f *Fusion) handleTicker(symbol string, data json.RawMessage) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("ticker frame decode failed")
		return
	}
	if s := pickString(m, "symbol", "s"); s != "" {
		symbol = s
	}
	update := InstantTicker{
		Symbol:          symbol,
		FundingRate:     pickFloat(m, "fundingRate"),
		Turnover24h:     pickFloat(m, "turnover24h"),
		Volume24h:       pickFloat(m, "volume24h"),
		Bid1Price:       pickFloat(m, "bid1Price", "bp"),
		Ask1Price:       pickFloat(m, "ask1Price", "ap"),
		MarkPrice:       pickFloat(m, "markPrice"),
		LastPrice:       pickFloat(m, "lastPrice", "lp"),
		NextFundingTime: pickString(m, "nextFundingTime", "nft"),
		UpdatedAt:       f.now(),
		FromWS:          true,
	}
	f.store.Apply(update)
	f.publish("ticker", symbol, nil)
}

type wsTradeRow struct {
	T int64  `json:"T"`
	S string `json:"s"`
	D string `json:"S"`
	P string `json:"p"`
	V string `json:"v"`
}

func (f *Fusion) handleTrades(data json.RawMessage) {
	var rows []wsTradeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		price, perr := strconv.ParseFloat(r.P, 64)
		qty, qerr := strconv.ParseFloat(r.V, 64)
		if perr != nil || qerr != nil || r.S == "" {
			continue
		}
		f.store.Apply(InstantTicker{
			Symbol:    r.S,
			LastPrice: &price,
			UpdatedAt: f.now(),
			FromWS:    true,
		})
		f.publish("trade", r.S, &Trade{
			Symbol: r.S,
			Side:   r.D,
			Price:  price,
			Qty:    qty,
			At:     time.UnixMilli(r.T),
		})
	}
}

type wsBookData struct {
	S string     `json:"s"`
	B [][]string `json:"b"`
	A [][]string `json:"a"`
}

func (f *Fusion) handleBook(symbol string, data json.RawMessage) {
	var book wsBookData
	if err := json.Unmarshal(data, &book); err != nil {
		return
	}
	if book.S != "" {
		symbol = book.S
	}
	update := InstantTicker{Symbol: symbol, UpdatedAt: f.now(), FromWS: true}
	if len(book.B) > 0 && len(book.B[0]) >= 2 {
		if v, err := strconv.ParseFloat(book.B[0][0], 64); err == nil {
			update.Bid1Price = &v
		}
	}
	if len(book.A) > 0 && len(book.A[0]) >= 2 {
		if v, err := strconv.ParseFloat(book.A[0][0], 64); err == nil {
			update.Ask1Price = &v
		}
	}
	if update.Bid1Price == nil && update.Ask1Price == nil {
		return
	}
	f.store.Apply(update)
	f.publish("book", symbol, nil)
}

func (f *Fusion) publish(kind, symbol string, trade *Trade) {
	if f.bus == nil {
		return
	}
	snap, ok := f.store.Snapshot(symbol)
	if !ok {
		return
	}
	f.bus.Publish(symbol, Event{Kind: kind, Symbol: symbol, Ticker: snap, Trade: trade})
}
