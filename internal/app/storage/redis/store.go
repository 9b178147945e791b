// Package redis reads round histories that a feed writer keeps in Redis.
//
// Layout, per feed:
//
//	<prefix>:<feed>:latest          string, id of the latest round
//	<prefix>:<feed>:rounds          hash, round id -> {"answer": ..., "updated_at": ...}
//
// answer is a base-10 integer (JSON number or string); updated_at is either
// unix seconds or an RFC 3339 timestamp.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
	"github.com/R3E-Network/smoothfeed/internal/app/storage"
)

// DefaultPrefix namespaces keys when none is configured.
const DefaultPrefix = "smoothfeed"

// Commander is the subset of the go-redis client the store needs.
type Commander interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
}

// Store reads rounds from Redis.
type Store struct {
	client Commander
	prefix string
}

var _ storage.RoundStore = (*Store)(nil)

// New creates a Store. An empty prefix selects DefaultPrefix.
func New(client Commander, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) LatestRound(ctx context.Context, feedID string) (round.Round, error) {
	raw, err := s.client.Get(ctx, s.latestKey(feedID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return round.Round{}, fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
		}
		return round.Round{}, fmt.Errorf("read latest round id: %w", err)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return round.Round{}, fmt.Errorf("feed %s: invalid latest round id %q", feedID, raw)
	}
	r, err := s.GetRound(ctx, feedID, id)
	if errors.Is(err, round.ErrRoundNotFound) {
		return round.Round{}, fmt.Errorf("feed %s: latest round %d missing from history: %w", feedID, id, err)
	}
	return r, err
}

func (s *Store) GetRound(ctx context.Context, feedID string, id uint64) (round.Round, error) {
	if id < 1 {
		return round.Round{}, fmt.Errorf("%w: feed %s round %d", round.ErrRoundNotFound, feedID, id)
	}
	raw, err := s.client.HGet(ctx, s.roundsKey(feedID), strconv.FormatUint(id, 10)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return round.Round{}, fmt.Errorf("%w: feed %s round %d", round.ErrRoundNotFound, feedID, id)
		}
		return round.Round{}, fmt.Errorf("read round %d: %w", id, err)
	}
	return decodeRound(id, raw)
}

func (s *Store) latestKey(feedID string) string {
	return s.prefix + ":" + feedID + ":latest"
}

func (s *Store) roundsKey(feedID string) string {
	return s.prefix + ":" + feedID + ":rounds"
}

func decodeRound(id uint64, raw string) (round.Round, error) {
	if !gjson.Valid(raw) {
		return round.Round{}, fmt.Errorf("round %d: invalid json", id)
	}
	fields := gjson.GetMany(raw, "answer", "updated_at")

	answer, ok := new(big.Int).SetString(fields[0].String(), 10)
	if !ok {
		return round.Round{}, fmt.Errorf("round %d: parse answer %q", id, fields[0].Raw)
	}

	var updatedAt time.Time
	switch fields[1].Type {
	case gjson.Number:
		updatedAt = time.Unix(fields[1].Int(), 0)
	case gjson.String:
		ts, err := time.Parse(time.RFC3339Nano, fields[1].String())
		if err != nil {
			return round.Round{}, fmt.Errorf("round %d: parse updated_at: %w", id, err)
		}
		updatedAt = ts
	default:
		return round.Round{}, fmt.Errorf("round %d: missing updated_at", id)
	}

	return round.Round{ID: id, Answer: answer, UpdatedAt: updatedAt.UTC()}, nil
}
