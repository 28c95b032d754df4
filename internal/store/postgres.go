package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-engine/internal/signal"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

//go:embed schema.sql
var schema string

const (
	signalColumns = `id, credential_id, strategy_id, symbol, signal_type, price::text,
		signal_time, received_at, source, possible_duplicate_of, COALESCE(dedup_key, '')`
	tradeColumns = `id, strategy_id, symbol, direction, status, entry_price::text, entry_time,
		exit_price::text, exit_time, pnl_percent::text, opening_signal_id, closing_signal_id, updated_at`
)

// Postgres is the durable Store.
type Postgres struct {
	tx *TxManager
}

func NewPostgres(tx *TxManager) *Postgres {
	return &Postgres{tx: tx}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.tx.Conn().Exec(ctx, schema); err != nil {
		return fmt.Errorf("Postgres.Migrate: %w", err)
	}
	return nil
}

func (p *Postgres) AppendSignal(ctx context.Context, s signal.Signal) (id string, created bool, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Postgres.AppendSignal: %w", err)
		}
	}()

	err = p.tx.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO signals (id, credential_id, strategy_id, symbol, signal_type, price,
				signal_time, received_at, source, possible_duplicate_of, dedup_key)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, NULLIF($11, ''))
			ON CONFLICT (credential_id, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
			RETURNING id`,
			s.ID, s.CredentialID, s.StrategyID, s.Symbol, string(s.Type), s.Price.String(),
			s.SignalTime, s.ReceivedAt, string(s.Source), s.PossibleDuplicateOf, s.DedupKey,
		)
		scanErr := row.Scan(&id)
		if scanErr == nil {
			created = true
			return nil
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return scanErr
		}
		return tx.QueryRow(ctx,
			`SELECT id FROM signals WHERE credential_id = $1 AND dedup_key = $2`,
			s.CredentialID, s.DedupKey,
		).Scan(&id)
	})
	return id, created, err
}

func (p *Postgres) GetSignal(ctx context.Context, id string) (s signal.Signal, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Postgres.GetSignal: %w", err)
		}
	}()
	row := p.tx.Conn().QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	s, err = scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return signal.Signal{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) ListRecentSignals(ctx context.Context, strategyID string, since time.Time) (out []signal.Signal, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Postgres.ListRecentSignals: %w", err)
		}
	}()
	rows, err := p.tx.Conn().Query(ctx,
		`SELECT `+signalColumns+` FROM signals
		WHERE strategy_id = $1 AND signal_time >= $2
		ORDER BY signal_time, received_at`,
		strategyID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertTrade(ctx context.Context, t trade.Trade) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Postgres.UpsertTrade: %w", err)
		}
	}()
	_, err = p.tx.Conn().Exec(ctx, `
		INSERT INTO trades (id, strategy_id, symbol, direction, status, entry_price, entry_time,
			exit_price, exit_time, pnl_percent, opening_signal_id, closing_signal_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9, $10::numeric, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status            = EXCLUDED.status,
			exit_price        = EXCLUDED.exit_price,
			exit_time         = EXCLUDED.exit_time,
			pnl_percent       = EXCLUDED.pnl_percent,
			closing_signal_id = EXCLUDED.closing_signal_id,
			updated_at        = EXCLUDED.updated_at`,
		t.ID, t.StrategyID, t.Symbol, string(t.Direction), string(t.Status), t.EntryPrice.String(), t.EntryTime,
		decimalText(t.ExitPrice), t.ExitTime, decimalText(t.PnLPercent), t.OpeningSignalID, t.ClosingSignalID, t.UpdatedAt,
	)
	return err
}

func (p *Postgres) GetTrade(ctx context.Context, id string) (t trade.Trade, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Postgres.GetTrade: %w", err)
		}
	}()
	t, err = scanTrade(p.tx.Conn().QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.Trade{}, ErrNotFound
	}
	return t, err
}

func (p *Postgres) FindTradeBySignal(ctx context.Context, signalID string) (t trade.Trade, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Postgres.FindTradeBySignal: %w", err)
		}
	}()
	t, err = scanTrade(p.tx.Conn().QueryRow(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE opening_signal_id = $1 OR closing_signal_id = $1
		ORDER BY updated_at DESC LIMIT 1`, signalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.Trade{}, ErrNotFound
	}
	return t, err
}

func (p *Postgres) ListOpenTrades(ctx context.Context) (out []trade.Trade, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Postgres.ListOpenTrades: %w", err)
		}
	}()
	rows, err := p.tx.Conn().Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = $1 ORDER BY entry_time`,
		string(trade.StatusOpen),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out = make([]trade.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	_, err := p.tx.Conn().Exec(ctx, `SELECT 1`)
	return err
}

func (p *Postgres) Close() {
	p.tx.Close()
}

func scanSignal(row pgx.Row) (signal.Signal, error) {
	var (
		s      signal.Signal
		typ    string
		price  string
		source string
	)
	err := row.Scan(&s.ID, &s.CredentialID, &s.StrategyID, &s.Symbol, &typ, &price,
		&s.SignalTime, &s.ReceivedAt, &source, &s.PossibleDuplicateOf, &s.DedupKey)
	if err != nil {
		return signal.Signal{}, err
	}
	s.Type = signal.Type(typ)
	s.Source = signal.Source(source)
	if s.Price, err = decimal.NewFromString(price); err != nil {
		return signal.Signal{}, fmt.Errorf("signal %s price: %w", s.ID, err)
	}
	return s, nil
}

func scanTrade(row pgx.Row) (trade.Trade, error) {
	var (
		t                 trade.Trade
		direction, status string
		entry             string
		exitPrice, pnlPct *string
	)
	err := row.Scan(&t.ID, &t.StrategyID, &t.Symbol, &direction, &status, &entry, &t.EntryTime,
		&exitPrice, &t.ExitTime, &pnlPct, &t.OpeningSignalID, &t.ClosingSignalID, &t.UpdatedAt)
	if err != nil {
		return trade.Trade{}, err
	}
	t.Direction = trade.Direction(direction)
	t.Status = trade.Status(status)
	if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return trade.Trade{}, fmt.Errorf("trade %s entry price: %w", t.ID, err)
	}
	if t.ExitPrice, err = parseDecimalPtr(exitPrice); err != nil {
		return trade.Trade{}, fmt.Errorf("trade %s exit price: %w", t.ID, err)
	}
	if t.PnLPercent, err = parseDecimalPtr(pnlPct); err != nil {
		return trade.Trade{}, fmt.Errorf("trade %s pnl: %w", t.ID, err)
	}
	return t, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
