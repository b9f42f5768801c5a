package timescale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"flexlev-keeper/internal/config"
	"flexlev-keeper/internal/events"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// LeverageSample is one keeper-tick observation of the position.
type LeverageSample struct {
	Time              time.Time
	LeverageRatio     float64
	TwapLeverageRatio float64
	CollateralValue   float64
	BorrowValue       float64
	CollateralPrice   float64
	Paused            bool
}

type eventRow struct {
	Time          time.Time
	ID            string
	Kind          string
	Caller        string
	Venue         string
	CurrentRatio  sql.NullString
	NewRatio      sql.NullString
	TwapRatio     sql.NullString
	ChunkNotional sql.NullString
	TotalNotional sql.NullString
	IsLever       bool
	Reward        sql.NullString
	Params        []byte
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	samples     chan LeverageSample
	events      chan eventRow
	started     atomic.Bool
	dropSamples atomic.Uint64
	dropEvents  atomic.Uint64
}

// New returns nil, nil when timescale is disabled. A nil *Writer accepts and
// discards everything.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, log, schema, cfg.QueueSize)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		samples: make(chan LeverageSample, queueSize),
		events:  make(chan eventRow, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSample(sample LeverageSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
	default:
		if w.dropSamples.Add(1) == 1 {
			w.log.Warn("timescale sample queue full")
		}
	}
}

// Emit queues a controller event for insertion.
func (w *Writer) Emit(_ context.Context, ev events.Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- toEventRow(ev):
	default:
		if w.dropEvents.Add(1) == 1 {
			w.log.Warn("timescale event queue full")
		}
	}
}

// Dropped reports how many samples and events were discarded on a full queue.
func (w *Writer) Dropped() (samples, evs uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropSamples.Load(), w.dropEvents.Load()
}

func toEventRow(ev events.Event) eventRow {
	row := eventRow{
		Time:          ev.Time,
		ID:            ev.ID,
		Kind:          string(ev.Kind),
		Venue:         ev.Venue,
		CurrentRatio:  decString(ev.CurrentLeverageRatio),
		NewRatio:      decString(ev.NewLeverageRatio),
		TwapRatio:     decString(ev.TwapLeverageRatio),
		ChunkNotional: intString(ev.ChunkNotional),
		TotalNotional: intString(ev.TotalNotional),
		IsLever:       ev.IsLever,
		Reward:        intString(ev.Reward),
	}
	if ev.Caller != (common.Address{}) {
		row.Caller = ev.Caller.Hex()
	}
	if len(ev.Params) > 0 {
		row.Params, _ = json.Marshal(ev.Params)
	}
	return row
}

func decString(d sdkmath.LegacyDec) sql.NullString {
	if d.IsNil() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func intString(i sdkmath.Int) sql.NullString {
	if i.IsNil() {
		return sql.NullString{}
	}
	return sql.NullString{String: i.String(), Valid: true}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeSample(ctx, sample)
		case row := <-w.events:
			w.writeEvent(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		leverage_ratio DOUBLE PRECISION NOT NULL,
		twap_leverage_ratio DOUBLE PRECISION NOT NULL,
		collateral_value DOUBLE PRECISION NOT NULL,
		borrow_value DOUBLE PRECISION NOT NULL,
		collateral_price DOUBLE PRECISION NOT NULL,
		paused BOOLEAN NOT NULL
	)`, w.table("leverage_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		caller TEXT NOT NULL,
		venue TEXT NOT NULL,
		current_leverage_ratio NUMERIC,
		new_leverage_ratio NUMERIC,
		twap_leverage_ratio NUMERIC,
		chunk_notional NUMERIC,
		total_notional NUMERIC,
		is_lever BOOLEAN NOT NULL,
		reward NUMERIC,
		params JSONB,
		PRIMARY KEY (ts, event_id)
	)`, w.table("controller_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"leverage_samples", "controller_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSample(ctx context.Context, s LeverageSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, leverage_ratio, twap_leverage_ratio, collateral_value, borrow_value, collateral_price, paused
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("leverage_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		s.Time,
		s.LeverageRatio,
		s.TwapLeverageRatio,
		s.CollateralValue,
		s.BorrowValue,
		s.CollateralPrice,
		s.Paused,
	); err != nil {
		w.log.Warn("timescale sample insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, row eventRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var params any
	if len(row.Params) > 0 {
		params = string(row.Params)
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, event_id, kind, caller, venue, current_leverage_ratio, new_leverage_ratio,
		twap_leverage_ratio, chunk_notional, total_notional, is_lever, reward, params
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (ts, event_id) DO NOTHING`, w.table("controller_events"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.ID,
		row.Kind,
		row.Caller,
		row.Venue,
		row.CurrentRatio,
		row.NewRatio,
		row.TwapRatio,
		row.ChunkNotional,
		row.TotalNotional,
		row.IsLever,
		row.Reward,
		params,
	); err != nil {
		w.log.Warn("timescale event insert failed", zap.String("kind", row.Kind), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
