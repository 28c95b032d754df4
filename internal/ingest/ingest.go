package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/dedupe"
	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/payload"
	"github.com/Rajchodisetti/signal-engine/internal/signal"
	"github.com/Rajchodisetti/signal-engine/internal/store"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

// ErrStoreUnavailable means the signal could not be durably recorded and was
// not accepted. Callers should retry with the same dedup key.
var ErrStoreUnavailable = errors.New("store unavailable")

// Admitter decides whether a credential may submit right now.
type Admitter interface {
	Admit(credentialID string) (admission.Decision, admission.Credential)
}

// SignalStore is the part of the store the orchestrator writes through.
type SignalStore interface {
	AppendSignal(ctx context.Context, s signal.Signal) (id string, created bool, err error)
	GetSignal(ctx context.Context, id string) (signal.Signal, error)
	ListRecentSignals(ctx context.Context, strategyID string, since time.Time) ([]signal.Signal, error)
	FindTradeBySignal(ctx context.Context, signalID string) (trade.Trade, error)
}

// Lifecycle applies accepted signals to trades.
type Lifecycle interface {
	Process(ctx context.Context, sig signal.Signal) (trade.Outcome, error)
}

// Journal receives accepted signals and trade deltas.
type Journal interface {
	WriteSignal(s signal.Signal) error
	WriteTrade(action trade.Action, t trade.Trade) error
}

// Request is one inbound alert.
type Request struct {
	CredentialID string
	Body         []byte
	DedupKey     string
}

// Result is the answer to the sender. A rejection is a normal result, not an error.
type Result struct {
	Accepted            bool                `json:"accepted"`
	SignalID            string              `json:"signalID,omitempty"`
	Reason              signal.RejectReason `json:"reason,omitempty"`
	Detail              string              `json:"detail,omitempty"`
	PossibleDuplicateOf *string             `json:"possibleDuplicateOf,omitempty"`
	Replayed            bool                `json:"replayed,omitempty"`
	Outcome             *trade.Outcome      `json:"outcome,omitempty"`
}

// Orchestrator runs the ingestion pipeline for each request.
type Orchestrator struct {
	admit    Admitter
	store    SignalStore
	detector *dedupe.Detector
	engine   Lifecycle
	journal  Journal
	now      func() time.Time
	newID    func() string
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDs(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// WithJournal enables the outbox journal.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func New(admit Admitter, st SignalStore, detector *dedupe.Detector, engine Lifecycle, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		admit:    admit,
		store:    st,
		detector: detector,
		engine:   engine,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ingest admits, normalizes, annotates, persists and applies one alert.
// The returned error is non-nil only for internal faults.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		outcome := "accepted"
		switch {
		case err != nil:
			outcome = "error"
		case !res.Accepted:
			outcome = "rejected"
		}
		observ.IncCounter("signals_ingested_total", map[string]string{"result": outcome})
		observ.RecordDuration("ingest_duration", time.Since(start), map[string]string{"result": outcome})
	}()

	receivedAt := o.now()
	decision, cred := o.admit.Admit(req.CredentialID)
	if decision != admission.Allowed {
		return o.reject(req, signal.Reject(decision.Reason(), "credential %s", decision)), nil
	}

	doc, err := payload.Decode(req.Body)
	if err != nil {
		return o.reject(req, signal.Reject(signal.ReasonInvalidPayload, "%v", err)), nil
	}
	candidate := payload.Map(doc, cred.Mapping)
	sig, rej := signal.Normalize(candidate, signal.Input{
		CredentialID: cred.ID,
		StrategyID:   cred.StrategyID,
		Source:       cred.Source,
		ReceivedAt:   receivedAt,
		DedupKey:     req.DedupKey,
		NewID:        o.newID,
	})
	if rej != nil {
		return o.reject(req, rej), nil
	}

	recent, lerr := o.store.ListRecentSignals(ctx, sig.StrategyID, sig.SignalTime.Add(-o.detector.Window()))
	if lerr != nil {
		// the local window still covers this process; annotation never rejects
		observ.LogError("recent_signals_unavailable", lerr, map[string]any{"strategy_id": sig.StrategyID})
		observ.IncCounter("dedupe_store_lookup_failures_total", map[string]string{})
	}
	sig = o.detector.Check(sig, recent)

	id, created, err := o.store.AppendSignal(ctx, sig)
	if err != nil {
		o.detector.Forget(sig.StrategyID, sig.ID)
		observ.LogError("signal_append_failed", err, map[string]any{"credential_id": cred.ID, "symbol": sig.Symbol})
		return Result{}, fmt.Errorf("append signal: %w: %w", ErrStoreUnavailable, err)
	}
	if !created {
		// same dedup key already stored; re-feed the stored signal
		o.detector.Forget(sig.StrategyID, sig.ID)
		stored, gerr := o.store.GetSignal(ctx, id)
		if gerr != nil {
			return Result{}, fmt.Errorf("load replayed signal %s: %w: %w", id, ErrStoreUnavailable, gerr)
		}
		sig = stored
	} else if o.journal != nil {
		if jerr := o.journal.WriteSignal(sig); jerr != nil {
			observ.LogError("outbox_write_failed", jerr, map[string]any{"signal_id": sig.ID})
		}
	}

	out, err := o.apply(ctx, sig, !created)
	if err != nil {
		return Result{}, err
	}

	observ.Log("signal_accepted", map[string]any{
		"signal_id":    sig.ID,
		"strategy_id":  sig.StrategyID,
		"symbol":       sig.Symbol,
		"signal_type":  string(sig.Type),
		"replayed":     !created,
		"trade_action": string(out.Action),
		"duplicate_of": deref(sig.PossibleDuplicateOf),
	})
	return Result{
		Accepted:            true,
		SignalID:            sig.ID,
		PossibleDuplicateOf: sig.PossibleDuplicateOf,
		Replayed:            !created,
		Outcome:             &out,
	}, nil
}

// apply feeds sig to the engine. A replayed signal that a persisted trade
// already references is answered from the store; the engine may have been
// rebuilt since and would otherwise apply it again.
func (o *Orchestrator) apply(ctx context.Context, sig signal.Signal, replayed bool) (trade.Outcome, error) {
	if replayed {
		t, err := o.store.FindTradeBySignal(ctx, sig.ID)
		switch {
		case err == nil:
			observ.IncCounter("signals_replayed_applied_total", map[string]string{})
			return trade.Outcome{Action: trade.ActionDuplicate, Trade: &t, Reason: "signal already applied"}, nil
		case !errors.Is(err, store.ErrNotFound):
			return trade.Outcome{}, fmt.Errorf("look up trade for %s: %w: %w", sig.ID, ErrStoreUnavailable, err)
		}
	}

	out, err := o.engine.Process(ctx, sig)
	if err != nil {
		observ.LogError("trade_apply_failed", err, map[string]any{"signal_id": sig.ID})
		return trade.Outcome{}, fmt.Errorf("apply signal %s: %w: %w", sig.ID, ErrStoreUnavailable, err)
	}
	o.journalOutcome(out)
	return out, nil
}

func (o *Orchestrator) journalOutcome(out trade.Outcome) {
	if o.journal == nil || !out.Changed() || out.Trade == nil {
		return
	}
	if err := o.journal.WriteTrade(out.Action, *out.Trade); err != nil {
		observ.LogError("outbox_write_failed", err, map[string]any{"trade_id": out.Trade.ID})
	}
}

func (o *Orchestrator) reject(req Request, rej *signal.Rejection) Result {
	observ.IncCounter("signals_rejected_total", map[string]string{"reason": string(rej.Reason)})
	observ.Log("signal_rejected", map[string]any{
		"credential_id": req.CredentialID,
		"reason":        string(rej.Reason),
		"detail":        rej.Detail,
	})
	return Result{Accepted: false, Reason: rej.Reason, Detail: rej.Detail}
}

// JournalApplied journals trade deltas produced when the engine flushes its
// reorder buffer outside a request.
func JournalApplied(j Journal) trade.OnApply {
	return func(sig signal.Signal, out trade.Outcome) {
		if !out.Changed() || out.Trade == nil {
			return
		}
		if err := j.WriteTrade(out.Action, *out.Trade); err != nil {
			observ.LogError("outbox_write_failed", err, map[string]any{"trade_id": out.Trade.ID, "signal_id": sig.ID})
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
