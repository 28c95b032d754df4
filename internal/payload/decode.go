package payload

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrEmptyBody is returned for requests without a body.
var ErrEmptyBody = errors.New("empty payload")

// numbers stay json.Number so price precision survives until normalization
var decoder = sonic.Config{UseNumber: true}.Froze()

// Decode parses an inbound alert body into a generic JSON value.
// Any JSON value is accepted here; a top-level scalar simply resolves nothing.
func Decode(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	var doc any
	if err := decoder.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return doc, nil
}
