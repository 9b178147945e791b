package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
	"github.com/R3E-Network/smoothfeed/internal/app/storage"
)

// DefaultTable is the table read when none is configured.
const DefaultTable = "feed_rounds"

// Schema is the layout the store reads. The feed writer owns the table; the
// store only issues SELECTs against it.
const Schema = `
CREATE TABLE IF NOT EXISTS feed_rounds (
	feed_id    TEXT           NOT NULL,
	round_id   BIGINT         NOT NULL CHECK (round_id > 0),
	answer     NUMERIC(78, 0) NOT NULL,
	updated_at TIMESTAMPTZ    NOT NULL,
	PRIMARY KEY (feed_id, round_id)
)`

// Store reads round histories from PostgreSQL.
type Store struct {
	db          *sqlx.DB
	latestQuery string
	roundQuery  string
}

var _ storage.RoundStore = (*Store)(nil)

type roundRow struct {
	RoundID   int64     `db:"round_id"`
	Answer    string    `db:"answer"`
	UpdatedAt time.Time `db:"updated_at"`
}

// New creates a Store over table, or DefaultTable when table is empty.
func New(db *sqlx.DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	quoted := pq.QuoteIdentifier(table)
	return &Store{
		db: db,
		latestQuery: fmt.Sprintf(`SELECT round_id, answer::text AS answer, updated_at FROM %s
		WHERE feed_id = $1 ORDER BY round_id DESC LIMIT 1`, quoted),
		roundQuery: fmt.Sprintf(`SELECT round_id, answer::text AS answer, updated_at FROM %s
		WHERE feed_id = $1 AND round_id = $2`, quoted),
	}
}

func (s *Store) LatestRound(ctx context.Context, feedID string) (round.Round, error) {
	var row roundRow
	if err := s.db.GetContext(ctx, &row, s.latestQuery, feedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return round.Round{}, fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
		}
		return round.Round{}, err
	}
	return row.toRound()
}

func (s *Store) GetRound(ctx context.Context, feedID string, id uint64) (round.Round, error) {
	if id < 1 || id > 1<<63-1 {
		return round.Round{}, fmt.Errorf("%w: feed %s round %d", round.ErrRoundNotFound, feedID, id)
	}
	var row roundRow
	if err := s.db.GetContext(ctx, &row, s.roundQuery, feedID, int64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return round.Round{}, fmt.Errorf("%w: feed %s round %d", round.ErrRoundNotFound, feedID, id)
		}
		return round.Round{}, err
	}
	return row.toRound()
}

func (r roundRow) toRound() (round.Round, error) {
	if r.RoundID < 1 {
		return round.Round{}, fmt.Errorf("invalid round id %d", r.RoundID)
	}
	answer, ok := new(big.Int).SetString(r.Answer, 10)
	if !ok {
		return round.Round{}, fmt.Errorf("round %d: parse answer %q", r.RoundID, r.Answer)
	}
	return round.Round{
		ID:        uint64(r.RoundID),
		Answer:    answer,
		UpdatedAt: r.UpdatedAt.UTC(),
	}, nil
}
