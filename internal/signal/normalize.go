package signal

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-engine/internal/payload"
)

// Input carries the request context a candidate is normalized under.
type Input struct {
	CredentialID string
	StrategyID   string
	Source       Source
	ReceivedAt   time.Time
	DedupKey     string
	NewID        func() string // nil means a random uuid
}

// accepted timestamp layouts, most specific first
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
}

const (
	// epoch values at or above this are milliseconds
	epochMillisThreshold = 1e12
	// smaller epochs (before 2001-09-09) are taken as noise, e.g. a bare year
	minEpochSeconds = 1e9
)

// Normalize validates a mapped candidate and produces a canonical Signal.
// Symbol and price problems reject; a bad or missing time falls back to ReceivedAt.
func Normalize(c payload.RawCandidate, in Input) (Signal, *Rejection) {
	received := in.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	received = received.UTC()

	symbol, rej := normalizeSymbol(c.SymbolRaw)
	if rej != nil {
		return Signal{}, rej
	}
	price, rej := normalizePrice(c.PriceRaw)
	if rej != nil {
		return Signal{}, rej
	}

	sigType := TypeUnknown
	if text, ok := c.SignalRaw.Text(); ok {
		sigType = ParseType(text)
	}

	signalTime, ok := ParseTime(c.TimeRaw)
	if !ok {
		signalTime = received
	}

	source := in.Source
	if !source.Valid() {
		source = SourceWebhook
	}

	id := ""
	if in.NewID != nil {
		id = in.NewID()
	}
	if id == "" {
		id = uuid.NewString()
	}

	return Signal{
		ID:           id,
		CredentialID: in.CredentialID,
		StrategyID:   in.StrategyID,
		Symbol:       symbol,
		Type:         sigType,
		Price:        price,
		SignalTime:   signalTime,
		ReceivedAt:   received,
		Source:       source,
		DedupKey:     in.DedupKey,
	}, nil
}

func normalizeSymbol(v payload.Value) (string, *Rejection) {
	if v.IsBool() {
		return "", Reject(ReasonMissingSymbol, "symbol is a boolean")
	}
	text, ok := v.Text()
	if !ok {
		return "", Reject(ReasonMissingSymbol, "")
	}
	symbol := strings.ToUpper(strings.TrimSpace(text))
	if symbol == "" {
		return "", Reject(ReasonMissingSymbol, "symbol is blank")
	}
	return symbol, nil
}

func normalizePrice(v payload.Value) (decimal.Decimal, *Rejection) {
	if !v.IsPresent() {
		return decimal.Zero, Reject(ReasonMissingPrice, "")
	}

	var (
		price decimal.Decimal
		err   error
	)
	switch x := v.Raw().(type) {
	case bool:
		return decimal.Zero, Reject(ReasonInvalidPrice, "price is a boolean")
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, Reject(ReasonInvalidPrice, "price is not finite")
		}
		price = decimal.NewFromFloat(x)
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, Reject(ReasonInvalidPrice, "price is not finite")
		}
		price = decimal.NewFromFloat32(x)
	default:
		text, _ := v.Text()
		text = strings.TrimSpace(text)
		if text == "" {
			return decimal.Zero, Reject(ReasonMissingPrice, "price is blank")
		}
		price, err = decimal.NewFromString(text)
		if err != nil {
			return decimal.Zero, Reject(ReasonInvalidPrice, "unparseable price %q", text)
		}
	}

	if !price.IsPositive() {
		return decimal.Zero, Reject(ReasonInvalidPrice, "price %s must be > 0", price.String())
	}
	return price, nil
}

// ParseTime reads an ISO-8601 string or a unix epoch (seconds, or milliseconds
// when the value is large enough). The bool is false when nothing usable was found.
func ParseTime(v payload.Value) (time.Time, bool) {
	if v.IsBool() {
		return time.Time{}, false
	}
	text, ok := v.Text()
	if !ok {
		return time.Time{}, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), true
		}
	}

	epoch, err := decimal.NewFromString(text)
	if err != nil || epoch.LessThan(decimal.NewFromFloat(minEpochSeconds)) {
		return time.Time{}, false
	}
	if epoch.GreaterThanOrEqual(decimal.NewFromFloat(epochMillisThreshold)) {
		return time.UnixMilli(epoch.IntPart()).UTC(), true
	}
	secs := epoch.IntPart()
	nanos := epoch.Sub(decimal.NewFromInt(secs)).Shift(9).IntPart()
	return time.Unix(secs, nanos).UTC(), true
}
