package signal

import "fmt"

// RejectReason is a stable code surfaced to callers when a payload is refused.
type RejectReason string

const (
	ReasonMissingSymbol     RejectReason = "MissingSymbol"
	ReasonMissingPrice      RejectReason = "MissingPrice"
	ReasonInvalidPrice      RejectReason = "InvalidPrice"
	ReasonDisabled          RejectReason = "Disabled"
	ReasonThrottled         RejectReason = "Throttled"
	ReasonUnknownCredential RejectReason = "UnknownCredential"
	ReasonInvalidPayload    RejectReason = "InvalidPayload"
)

// Rejection is a client-caused refusal. It is returned as a value, never retried.
type Rejection struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Reject builds a rejection with an optional formatted detail.
func Reject(reason RejectReason, format string, args ...any) *Rejection {
	r := &Rejection{Reason: reason}
	if format != "" {
		r.Detail = fmt.Sprintf(format, args...)
	}
	return r
}
