package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"priceflow/internal/models"
	"priceflow/logger"
)

// Store persists every accepted price update. Rows are keyed by
// (symbol, ts_ms, source) so replaying the same update after a restart is a
// no-op instead of a duplicate.
type Store struct {
	db  *sql.DB
	log *logger.Log
}

// Open creates (or reuses) the database file and applies the schema. SQLite
// serializes writers anyway, so the pool is pinned to a single connection.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open price store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logger.GetLogger()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate price store: %w", err)
	}

	s.log.WithComponent("store").WithFields(logger.Fields{"path": path}).Info("price store opened")
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS price_ticks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  price REAL NOT NULL,
  volume REAL NOT NULL,
  bid REAL NOT NULL,
  ask REAL NOT NULL,
  spread REAL NOT NULL,
  high_24h REAL NOT NULL,
  low_24h REAL NOT NULL,
  change_24h REAL NOT NULL,
  change_pct_24h REAL NOT NULL,
  source TEXT NOT NULL,
  quality REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(symbol, ts_ms, source)
);
CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON price_ticks(symbol, ts_ms);
CREATE INDEX IF NOT EXISTS idx_ticks_ts ON price_ticks(ts_ms);
`)
	return err
}

// Upsert records one accepted update. Re-inserting an identical
// (symbol, ts_ms, source) row leaves the stored row untouched.
func (s *Store) Upsert(ctx context.Context, u models.PriceUpdate) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_ticks(
			symbol, price, volume, bid, ask, spread,
			high_24h, low_24h, change_24h, change_pct_24h,
			source, quality, ts_ms, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, ts_ms, source) DO NOTHING
	`, string(u.Symbol), u.Price, u.Volume, u.Bid, u.Ask, u.Spread(),
		u.High24h, u.Low24h, u.Change24h(), u.ChangePct24h,
		string(u.Source), u.QualityScore, u.Timestamp.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("upsert tick for %s: %w", u.Symbol, err)
	}
	logger.IncrementStoreWrite()
	return nil
}

// LoadLatest returns the newest stored tick per symbol. It seeds the in-memory
// table on startup so a restart does not begin from an empty view. When both
// sources wrote a tick at the same ts_ms the streaming row wins, matching the
// quality ordering used everywhere else.
func (s *Store) LoadLatest(ctx context.Context) (map[models.Symbol]models.PriceUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, price, volume, bid, ask,
		       high_24h, low_24h, change_pct_24h,
		       source, quality, ts_ms
		FROM (
			SELECT t.*, ROW_NUMBER() OVER (
				PARTITION BY t.symbol
				ORDER BY t.ts_ms DESC, CASE t.source WHEN 'streaming' THEN 0 ELSE 1 END
			) AS rn
			FROM price_ticks t
		)
		WHERE rn = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("load latest ticks: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Symbol]models.PriceUpdate)
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		out[u.Symbol] = u
	}
	return out, rows.Err()
}

// Range returns the stored ticks for one symbol inside [from, to], oldest
// first.
func (s *Store) Range(ctx context.Context, sym models.Symbol, from, to time.Time) ([]models.PriceUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, price, volume, bid, ask,
		       high_24h, low_24h, change_pct_24h,
		       source, quality, ts_ms
		FROM price_ticks
		WHERE symbol = ? AND ts_ms >= ? AND ts_ms <= ?
		ORDER BY ts_ms ASC
	`, string(sym), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("range ticks for %s: %w", sym, err)
	}
	defer rows.Close()

	var out []models.PriceUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune deletes ticks older than the cutoff and reports how many rows went.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_ticks WHERE ts_ms < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune ticks: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the total number of stored ticks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_ticks`).Scan(&n)
	return n, err
}

func scanUpdate(rows *sql.Rows) (models.PriceUpdate, error) {
	var (
		symbol, source string
		tsMs           int64
		u              models.PriceUpdate
	)
	if err := rows.Scan(&symbol, &u.Price, &u.Volume, &u.Bid, &u.Ask,
		&u.High24h, &u.Low24h, &u.ChangePct24h,
		&source, &u.QualityScore, &tsMs); err != nil {
		return models.PriceUpdate{}, fmt.Errorf("scan tick row: %w", err)
	}
	u.Symbol = models.Symbol(symbol)
	u.Source = models.Source(source)
	u.Timestamp = time.UnixMilli(tsMs).UTC()
	return u, nil
}
