package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
)

// HTTPPriceSource fetches prices from a JSON endpoint:
// GET {base}/price?symbol=X -> {"symbol":"X","price":"1.23","as_of":"RFC3339"}
type HTTPPriceSource struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	config      HTTPConfig
}

// HTTPConfig holds configuration for the HTTP price source
type HTTPConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
}

type priceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
	Error  string          `json:"error"`
}

// NewHTTPPriceSource creates a new HTTP price source
func NewHTTPPriceSource(config HTTPConfig) (*HTTPPriceSource, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("price source base url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("price source base url: %w", err)
	}

	// Set defaults
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 600
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 100 * time.Millisecond
	}

	return &HTTPPriceSource{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), config.RateLimitPerMinute),
		config:      config,
	}, nil
}

// GetPrice fetches one symbol with rate limiting and bounded retries
func (h *HTTPPriceSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return Quote{}, NewBadSymbolError(symbol, "empty symbol")
	}

	if err := h.rateLimiter.Wait(ctx); err != nil {
		return Quote{}, NewRateLimitError(symbol, err.Error())
	}

	requestURL := h.baseURL + "/price?" + url.Values{"symbol": {symbol}}.Encode()

	var lastErr error
	for attempt := 0; attempt < h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := h.config.BackoffBase * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return Quote{}, NewTimeoutError(symbol, ctx.Err())
			case <-time.After(backoff):
			}
		}

		q, retry, err := h.fetch(ctx, requestURL, symbol)
		if err == nil {
			return q, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}

	observ.IncCounter("price_fetch_errors_total", map[string]string{"type": ErrorType(lastErr)})
	return Quote{}, lastErr
}

func (h *HTTPPriceSource) fetch(ctx context.Context, requestURL, symbol string) (Quote, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return Quote{}, false, NewNetworkError(symbol, "failed to create request", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Quote{}, false, NewTimeoutError(symbol, err)
		}
		return Quote{}, true, NewNetworkError(symbol, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, true, NewNetworkError(symbol, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Quote{}, true, NewRateLimitError(symbol, "provider rate limit exceeded")
	case resp.StatusCode == http.StatusNotFound:
		return Quote{}, false, NewBadSymbolError(symbol, "unknown symbol")
	case resp.StatusCode >= 500:
		return Quote{}, true, NewProviderError(symbol, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return Quote{}, false, NewProviderError(symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	var pr priceResponse
	if err := sonic.Unmarshal(body, &pr); err != nil {
		return Quote{}, false, NewProviderError(symbol, "failed to parse response", err)
	}
	if pr.Error != "" {
		return Quote{}, false, NewProviderError(symbol, pr.Error, nil)
	}

	q := Quote{Symbol: symbol, Price: pr.Price, AsOf: pr.AsOf, Source: "http"}
	if err := ValidateQuote(&q, time.Now()); err != nil {
		return Quote{}, false, NewProviderError(symbol, "invalid quote", err)
	}
	return q, false, nil
}
