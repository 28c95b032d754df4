package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"

	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/config"
	"github.com/Rajchodisetti/signal-engine/internal/dedupe"
	"github.com/Rajchodisetti/signal-engine/internal/ingest"
	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/outbox"
	"github.com/Rajchodisetti/signal-engine/internal/store"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

// alertLine is one recorded inbound alert
type alertLine struct {
	Credential     string          `json:"credential"`
	Body           json.RawMessage `json:"body"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type lineResult struct {
	Line  int            `json:"line"`
	Error string         `json:"error,omitempty"`
	Res   *ingest.Result `json:"result,omitempty"`
}

type summary struct {
	Accepted   int           `json:"accepted"`
	Rejected   int           `json:"rejected"`
	Failed     int           `json:"failed"`
	OpenTrades []trade.Trade `json:"open_trades"`
}

func main() {
	cfgPath := flag.String("config", "", "engine config (credentials, plans, windows)")
	alerts := flag.String("alerts", "", "JSONL file of {credential, body, idempotency_key}")
	journal := flag.String("journal", "", "outbox journal whose signals are re-applied to a fresh engine")
	flag.Parse()

	observ.InitLogger("warn")
	defer observ.Sync()

	if (*alerts == "") == (*journal == "") {
		fmt.Fprintln(os.Stderr, "usage: replay -config cfg.yaml -alerts alerts.jsonl | replay -journal outbox.jsonl")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var sum summary
	if *alerts != "" {
		f, err := os.Open(*alerts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open alerts: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		sum, err = replayAlerts(ctx, cfg, f, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "replay: %v\n", err)
			os.Exit(1)
		}
	} else {
		sum, err = replayJournal(ctx, cfg, *journal, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "replay journal: %v\n", err)
			os.Exit(1)
		}
	}

	b, _ := sonic.Marshal(sum)
	fmt.Fprintln(os.Stderr, string(b))
}

// replayAlerts runs every alert line through a full in-memory pipeline and
// writes one result line per input line to out.
func replayAlerts(ctx context.Context, cfg config.Root, in io.Reader, out io.Writer) (summary, error) {
	resolver, err := cfg.Resolver()
	if err != nil {
		return summary{}, err
	}
	admit := admission.NewController(resolver)
	if _, err := cfg.SeedCredentials(ctx, admit); err != nil {
		return summary{}, err
	}

	st := store.NewMemory()
	engine := trade.NewEngine(st, cfg.Engine)
	orch := ingest.New(admit, st, dedupe.NewDetector(cfg.Dedupe.Window, cfg.Dedupe.Retain), engine)

	var sum summary
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		lr := lineResult{Line: n}

		var line alertLine
		if err := sonic.Unmarshal(raw, &line); err != nil {
			lr.Error = "bad line: " + err.Error()
			sum.Failed++
			emit(out, lr)
			continue
		}

		res, err := orch.Ingest(ctx, ingest.Request{
			CredentialID: line.Credential,
			Body:         bodyBytes(line.Body),
			DedupKey:     line.IdempotencyKey,
		})
		switch {
		case err != nil:
			lr.Error = err.Error()
			sum.Failed++
		case res.Accepted:
			sum.Accepted++
			lr.Res = &res
		default:
			sum.Rejected++
			lr.Res = &res
		}
		emit(out, lr)
	}
	if err := scanner.Err(); err != nil {
		return sum, err
	}

	if err := engine.Flush(ctx); err != nil {
		return sum, err
	}
	sum.OpenTrades = engine.OpenTrades()
	return sum, nil
}

// replayJournal re-applies journaled signals in file order to a fresh engine.
func replayJournal(ctx context.Context, cfg config.Root, path string, out io.Writer) (summary, error) {
	signals, skipped, err := outbox.ReadSignals(path)
	if err != nil {
		return summary{}, err
	}
	engine := trade.NewEngine(store.NewMemory(), cfg.Engine)

	sum := summary{Failed: skipped}
	for i, sig := range signals {
		lr := lineResult{Line: i + 1}
		o, err := engine.Process(ctx, sig)
		if err != nil {
			lr.Error = err.Error()
			sum.Failed++
		} else {
			sum.Accepted++
			lr.Res = &ingest.Result{Accepted: true, SignalID: sig.ID, PossibleDuplicateOf: sig.PossibleDuplicateOf, Outcome: &o}
		}
		emit(out, lr)
	}
	if err := engine.Flush(ctx); err != nil {
		return sum, err
	}
	sum.OpenTrades = engine.OpenTrades()
	return sum, nil
}

// bodyBytes passes JSON bodies through and unquotes string bodies so
// non-JSON payloads can be recorded too.
func bodyBytes(raw json.RawMessage) []byte {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := sonic.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return raw
}

func emit(out io.Writer, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		fmt.Fprintf(out, "{\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(out, string(b))
}
