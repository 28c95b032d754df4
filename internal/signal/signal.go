package signal

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the canonical signal vocabulary. BUY/LONG and SELL/SHORT stay distinct
// tags for display; Intent folds them for lifecycle and duplicate logic.
type Type string

const (
	TypeBuy     Type = "BUY"
	TypeSell    Type = "SELL"
	TypeLong    Type = "LONG"
	TypeShort   Type = "SHORT"
	TypeClose   Type = "CLOSE"
	TypeUnknown Type = "UNKNOWN"
)

// Intent is what a signal type means to the trade lifecycle.
type Intent int

const (
	IntentNone Intent = iota
	IntentLong
	IntentShort
	IntentClose
)

func (i Intent) String() string {
	switch i {
	case IntentLong:
		return "long"
	case IntentShort:
		return "short"
	case IntentClose:
		return "close"
	default:
		return "none"
	}
}

// vocabulary maps lowercase alert words to canonical types; anything else is UNKNOWN
var vocabulary = map[string]Type{
	"buy":   TypeBuy,
	"long":  TypeLong,
	"sell":  TypeSell,
	"short": TypeShort,
	"close": TypeClose,
	"exit":  TypeClose,
}

var intents = map[Type]Intent{
	TypeBuy:   IntentLong,
	TypeLong:  IntentLong,
	TypeSell:  IntentShort,
	TypeShort: IntentShort,
	TypeClose: IntentClose,
}

// ParseType normalizes free text case-insensitively.
func ParseType(s string) Type {
	if t, ok := vocabulary[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return TypeUnknown
}

// Intent returns the lifecycle meaning of the type.
func (t Type) Intent() Intent {
	return intents[t]
}

// Equivalent treats BUY≈LONG and SELL≈SHORT; other types only match themselves.
func (t Type) Equivalent(o Type) bool {
	if t == o {
		return true
	}
	ti, oi := t.Intent(), o.Intent()
	return ti != IntentNone && ti == oi
}

// Source records how a signal entered the system.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceAPIKey  Source = "api_key"
	SourceManual  Source = "manual"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceWebhook, SourceAPIKey, SourceManual:
		return true
	}
	return false
}

// Signal is a canonical, validated alert. Never mutated after Normalize returns it.
type Signal struct {
	ID                  string          `json:"id"`
	CredentialID        string          `json:"credential_id"`
	StrategyID          string          `json:"strategy_id"`
	Symbol              string          `json:"symbol"`
	Type                Type            `json:"signal_type"`
	Price               decimal.Decimal `json:"price"`
	SignalTime          time.Time       `json:"signal_time"`
	ReceivedAt          time.Time       `json:"received_at"`
	Source              Source          `json:"source"`
	PossibleDuplicateOf *string         `json:"possible_duplicate_of,omitempty"`
	DedupKey            string          `json:"dedup_key,omitempty"`
}

// WithDuplicateOf returns a copy annotated as a probable re-send of id.
func (s Signal) WithDuplicateOf(id string) Signal {
	ref := id
	s.PossibleDuplicateOf = &ref
	return s
}
