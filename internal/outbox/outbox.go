package outbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/Rajchodisetti/signal-engine/internal/signal"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

const (
	TypeSignal = "signal"
	TypeTrade  = "trade"
)

// TradeEvent is a trade delta with the action that produced it.
type TradeEvent struct {
	Action trade.Action `json:"action"`
	Trade  trade.Trade  `json:"trade"`
}

// Entry is one journal line.
type Entry struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox appends accepted signals and trade deltas to a JSONL file for
// downstream consumers.
type Outbox struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{path: path, now: time.Now}, nil
}

func (o *Outbox) Path() string { return o.path }

func (o *Outbox) WriteSignal(s signal.Signal) error {
	return o.append(TypeSignal, EntryKey(TypeSignal, s.ID, ""), s)
}

func (o *Outbox) WriteTrade(action trade.Action, t trade.Trade) error {
	return o.append(TypeTrade, EntryKey(TypeTrade, t.ID, string(t.Status)), TradeEvent{Action: action, Trade: t})
}

func (o *Outbox) append(typ, key string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	line, err := sonic.Marshal(Entry{Type: typ, Key: key, Data: data, Event: o.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadSignals returns the journaled signals in write order. Unparseable lines
// are skipped and counted.
func ReadSignals(path string) ([]signal.Signal, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		out     []signal.Signal
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := sonic.Unmarshal(sc.Bytes(), &entry); err != nil {
			skipped++
			continue
		}
		if entry.Type != TypeSignal {
			continue
		}
		var s signal.Signal
		if err := sonic.Unmarshal(entry.Data, &s); err != nil {
			skipped++
			continue
		}
		out = append(out, s)
	}
	return out, skipped, sc.Err()
}
