package vol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perprun/perprun/internal/bybit"
	"github.com/perprun/perprun/internal/domain"
)

func bar(high, low float64) bybit.Kline {
	return bybit.Kline{High: high, Low: low, Open: low, Close: high}
}

func TestComputeRangeVolatility(t *testing.T) {
	bars := []bybit.Kline{
		bar(102, 100),
		bar(104, 101),
		bar(103, 99),
		bar(105, 100),
		bar(104, 102),
	}
	// pmax=105, pmin=99, mid=102, (105-99)/102
	assert.InDelta(t, 6.0/102.0, Compute(bars), 1e-12)
}

func TestComputeDegenerateWindows(t *testing.T) {
	assert.Equal(t, domain.VolatilityUnknown, Compute(nil))
	assert.Equal(t, domain.VolatilityUnknown, Compute([]bybit.Kline{bar(0, 0)}))
	assert.Equal(t, domain.VolatilityUnknown, Compute([]bybit.Kline{bar(1, -5)}))
	// Flat window is zero volatility, not unknown.
	assert.Equal(t, 0.0, Compute([]bybit.Kline{bar(100, 100)}))
}

type fakeKlines struct {
	bars  []bybit.Kline
	err   error
	calls int
}

func (f *fakeKlines) GetKlines(_ context.Context, _ domain.Category, _ string, interval string, limit int) ([]bybit.Kline, error) {
	f.calls++
	if interval != klineInterval || limit != klineCount {
		return nil, errors.New("unexpected kline request shape")
	}
	return f.bars, f.err
}

func TestVolatilityCachesComputedValue(t *testing.T) {
	src := &fakeKlines{bars: []bybit.Kline{bar(110, 100)}}
	s := New(src, time.Minute)

	v1 := s.Volatility(context.Background(), domain.CategoryLinear, "BTCUSDT")
	v2 := s.Volatility(context.Background(), domain.CategoryLinear, "BTCUSDT")

	assert.InDelta(t, 10.0/105.0, v1, 1e-12)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, src.calls)
}

func TestVolatilityCacheExpiry(t *testing.T) {
	src := &fakeKlines{bars: []bybit.Kline{bar(110, 100)}}
	mem := NewMemoryCache()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem.now = func() time.Time { return now }
	s := New(src, time.Minute, WithCache(mem))

	s.Volatility(context.Background(), domain.CategoryLinear, "BTCUSDT")
	now = now.Add(2 * time.Minute)
	s.Volatility(context.Background(), domain.CategoryLinear, "BTCUSDT")

	assert.Equal(t, 2, src.calls)
}

func TestVolatilityFetchFailureIsUnknown(t *testing.T) {
	src := &fakeKlines{err: errors.New("boom")}
	s := New(src, time.Minute)

	v := s.Volatility(context.Background(), domain.CategoryLinear, "BTCUSDT")
	assert.Equal(t, domain.VolatilityUnknown, v)

	// Unknown results are not cached; the next call retries.
	s.Volatility(context.Background(), domain.CategoryLinear, "BTCUSDT")
	assert.Equal(t, 2, src.calls)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewRedisCache(rdb)
	ctx := context.Background()

	mock.ExpectGet(redisKeyPrefix + "BTCUSDT").RedisNil()
	_, ok, err := c.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectSet(redisKeyPrefix+"BTCUSDT", 0.042, time.Minute).SetVal("OK")
	require.NoError(t, c.Set(ctx, "BTCUSDT", 0.042, time.Minute))

	mock.ExpectGet(redisKeyPrefix + "BTCUSDT").SetVal("0.042")
	v, ok, err := c.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.042, v)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisFailureFallsThroughToFetch(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet(redisKeyPrefix + "BTCUSDT").SetErr(errors.New("redis down"))
	mock.ExpectSet(redisKeyPrefix+"BTCUSDT", 10.0/105.0, time.Minute).SetErr(errors.New("redis down"))

	src := &fakeKlines{bars: []bybit.Kline{bar(110, 100)}}
	s := New(src, time.Minute, WithCache(NewRedisCache(rdb)))

	v := s.Volatility(context.Background(), domain.CategoryLinear, "BTCUSDT")
	assert.InDelta(t, 10.0/105.0, v, 1e-12)
	assert.Equal(t, 1, src.calls)
}

func TestSourceForAdaptsLookup(t *testing.T) {
	src := &fakeKlines{bars: []bybit.Kline{bar(110, 100)}}
	s := New(src, time.Minute)

	lookup := s.SourceFor(context.Background(), map[string]domain.Category{
		"BTCUSDT": domain.CategoryLinear,
	})
	v, ok := lookup("BTCUSDT")
	assert.True(t, ok)
	assert.InDelta(t, 10.0/105.0, v, 1e-12)

	_, ok = lookup("UNKNOWNUSDT")
	assert.False(t, ok)
}
