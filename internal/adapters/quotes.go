package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource provides the latest known price for a symbol. Implementations
// must honour ctx cancellation so a slow symbol cannot stall a refresh cycle.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}

// Quote is a normalized last price from any provider
type Quote struct {
	Symbol string          `json:"symbol"` // Normalized symbol (uppercase)
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`  // Provider timestamp
	Source string          `json:"source"` // "http"|"mock"
}

// NormalizeSymbol uppercases and trims a ticker the same way signals are normalized.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateQuote performs quote validation with fail-closed behavior
func ValidateQuote(q *Quote, now time.Time) error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}

	q.Symbol = NormalizeSymbol(q.Symbol)
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	if !q.Price.IsPositive() {
		return fmt.Errorf("invalid quote price: %s", q.Price)
	}

	if q.AsOf.IsZero() {
		return fmt.Errorf("quote has no timestamp")
	}

	// Timestamp validation (not too far in future)
	if q.AsOf.After(now.Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.AsOf)
	}

	return nil
}

// Age returns how old the quote is at now
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.AsOf)
}

// IsStale checks if quote exceeds staleness threshold
func (q Quote) IsStale(maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && q.Age(now) > maxAge
}

// PriceError represents different types of price fetch errors
type PriceError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_symbol", "stale", "timeout"
	Symbol  string
	Message string
	Cause   error
}

func (e *PriceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *PriceError) Unwrap() error { return e.Cause }

// Common error constructors
func NewNetworkError(symbol, message string, cause error) *PriceError {
	return &PriceError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *PriceError {
	return &PriceError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *PriceError {
	return &PriceError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *PriceError {
	return &PriceError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewStaleError(symbol string, staleness time.Duration) *PriceError {
	return &PriceError{
		Type:    "stale",
		Symbol:  symbol,
		Message: fmt.Sprintf("quote too stale: %v", staleness),
	}
}

func NewTimeoutError(symbol string, cause error) *PriceError {
	return &PriceError{Type: "timeout", Symbol: symbol, Message: "fetch exceeded deadline", Cause: cause}
}

// ErrorType returns the PriceError type of err, or "unknown".
func ErrorType(err error) string {
	if pe, ok := err.(*PriceError); ok {
		return pe.Type
	}
	return "unknown"
}
