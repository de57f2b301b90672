package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	MainnetBaseURL = "https://api.bybit.com"
	TestnetBaseURL = "https://api-testnet.bybit.com"

	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 4
	defaultBackoffBase = 500 * time.Millisecond
)

// Client is a rate-limited, circuit-protected reader of the Bybit v5
// public REST surface. All calls share one pooled http.Client.
type Client struct {
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	backoffBase time.Duration
	onRetry     func()

	// sleep is swappable so retry tests do not wait on real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client at construction.
type Option func(*Client)

// WithBaseURL points the client at a different host, e.g. testnet or an
// httptest server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit sets the steady request rate and burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithBackoff tunes the retry schedule.
func WithBackoff(attempts int, base time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.backoffBase = base
	}
}

// WithRetryHook registers a callback fired once per retried request,
// before the backoff sleep. Used to feed the retry counter.
func WithRetryHook(fn func()) Option {
	return func(c *Client) { c.onRetry = fn }
}

// NewClient builds a public-endpoint client for the given host.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: MainnetBaseURL,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		sleep:       sleepCtx,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bybit-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// envelope is the v5 response wrapper shared by every endpoint.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// getJSON issues a GET, unwraps the v5 envelope, and retries transport
// failures and rate-limit codes with exponential backoff. A Retry-After
// header, when present, overrides the computed delay.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, retryAfter, err := c.do(ctx, u)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == c.maxAttempts {
			break
		}
		delay := c.backoffBase * time.Duration(1<<(attempt-1))
		if retryAfter > 0 {
			delay = retryAfter
		}
		if c.onRetry != nil {
			c.onRetry()
		}
		log.Debug().Err(err).Str("path", path).
			Int("attempt", attempt).Dur("delay", delay).
			Msg("bybit request retry")
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("GET %s: %w", path, lastErr)
}

func (c *Client) do(ctx context.Context, u string) (json.RawMessage, time.Duration, error) {
	var retryAfter time.Duration
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, &APIError{Code: 10016, Msg: "http 429"}
			}
			return nil, fmt.Errorf("http status %d", resp.StatusCode)
		}
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		if env.RetCode != 0 {
			return nil, &APIError{Code: env.RetCode, Msg: env.RetMsg}
		}
		return env.Result, nil
	})
	if err != nil {
		return nil, retryAfter, err
	}
	return out.(json.RawMessage), retryAfter, nil
}
