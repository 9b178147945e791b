// Package cache memoizes round reads. Rounds are immutable once written, so a
// round fetched by id can be served from memory indefinitely; the latest
// round is never served from cache because it moves.
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
	"github.com/R3E-Network/smoothfeed/internal/app/metrics"
	"github.com/R3E-Network/smoothfeed/internal/app/storage"
)

type key struct {
	feedID string
	id     uint64
}

// Store wraps another RoundStore with an LRU of rounds keyed by feed and id.
type Store struct {
	next   storage.RoundStore
	rounds *lru.Cache[key, round.Round]
}

var _ storage.RoundStore = (*Store)(nil)

// New wraps next with a cache holding up to size rounds.
func New(next storage.RoundStore, size int) (*Store, error) {
	if next == nil {
		return nil, fmt.Errorf("cache: next store is required")
	}
	rounds, err := lru.New[key, round.Round](size)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Store{next: next, rounds: rounds}, nil
}

func (s *Store) LatestRound(ctx context.Context, feedID string) (round.Round, error) {
	r, err := s.next.LatestRound(ctx, feedID)
	if err != nil {
		return round.Round{}, err
	}
	s.rounds.Add(key{feedID: feedID, id: r.ID}, r.Clone())
	return r, nil
}

func (s *Store) GetRound(ctx context.Context, feedID string, id uint64) (round.Round, error) {
	k := key{feedID: feedID, id: id}
	if r, ok := s.rounds.Get(k); ok {
		metrics.RecordCacheLookup(true)
		return r.Clone(), nil
	}
	metrics.RecordCacheLookup(false)

	r, err := s.next.GetRound(ctx, feedID, id)
	if err != nil {
		return round.Round{}, err
	}
	s.rounds.Add(k, r.Clone())
	return r, nil
}

// Len reports how many rounds are cached.
func (s *Store) Len() int {
	return s.rounds.Len()
}

// Purge drops every cached round.
func (s *Store) Purge() {
	s.rounds.Purge()
}
