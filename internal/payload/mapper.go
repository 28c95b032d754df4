package payload

// Field names one of the four extractable signal fields.
type Field string

const (
	FieldSignal Field = "signal"
	FieldSymbol Field = "symbol"
	FieldPrice  Field = "price"
	FieldTime   Field = "time"
)

// Fields lists the extractable fields in mapping order.
var Fields = []Field{FieldSignal, FieldSymbol, FieldPrice, FieldTime}

// MappingConfig tells the mapper where a credential's alerts keep each field.
type MappingConfig struct {
	SignalPath         string           `yaml:"signal_path" json:"signal_path"`
	SymbolPath         string           `yaml:"symbol_path" json:"symbol_path"`
	PricePath          string           `yaml:"price_path" json:"price_path"`
	TimePath           string           `yaml:"time_path" json:"time_path"`
	Defaults           map[Field]string `yaml:"defaults" json:"defaults,omitempty"`
	RateLimitPerMinute int              `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	Active             bool             `yaml:"active" json:"active"`
}

// Path returns the configured path for a field.
func (c MappingConfig) Path(f Field) string {
	switch f {
	case FieldSignal:
		return c.SignalPath
	case FieldSymbol:
		return c.SymbolPath
	case FieldPrice:
		return c.PricePath
	case FieldTime:
		return c.TimePath
	}
	return ""
}

// DefaultMapping matches the flat shape most charting tools emit out of the box.
func DefaultMapping() MappingConfig {
	return MappingConfig{
		SignalPath:         "signal",
		SymbolPath:         "symbol",
		PricePath:          "price",
		TimePath:           "time",
		RateLimitPerMinute: 60,
		Active:             true,
	}
}

// RawCandidate is the unvalidated output of Map. Absent fields stay absent;
// the normalizer decides whether that is fatal.
type RawCandidate struct {
	SignalRaw Value
	SymbolRaw Value
	PriceRaw  Value
	TimeRaw   Value
}

// Get returns the candidate value for a field.
func (c RawCandidate) Get(f Field) Value {
	switch f {
	case FieldSignal:
		return c.SignalRaw
	case FieldSymbol:
		return c.SymbolRaw
	case FieldPrice:
		return c.PriceRaw
	case FieldTime:
		return c.TimeRaw
	}
	return Absent
}

func (c *RawCandidate) set(f Field, v Value) {
	switch f {
	case FieldSignal:
		c.SignalRaw = v
	case FieldSymbol:
		c.SymbolRaw = v
	case FieldPrice:
		c.PriceRaw = v
	case FieldTime:
		c.TimeRaw = v
	}
}

// Map resolves every configured path, substituting the credential default when a
// path yields nothing. Pure function of its inputs.
func Map(doc any, cfg MappingConfig) RawCandidate {
	var c RawCandidate
	for _, f := range Fields {
		if v, ok := Resolve(doc, cfg.Path(f)); ok {
			c.set(f, v)
			continue
		}
		if def, ok := cfg.Defaults[f]; ok {
			c.set(f, StringValue(def))
		}
	}
	return c
}
