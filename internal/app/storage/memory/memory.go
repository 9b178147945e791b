package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
	"github.com/R3E-Network/smoothfeed/internal/app/storage"
)

// Store is an in-memory aggregator that behaves like a mock price feed: a
// feed starts with round 1 and every UpdateAnswer appends the next round. It
// is safe for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu    sync.RWMutex
	feeds map[string][]round.Round
}

var _ storage.RoundStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{feeds: make(map[string][]round.Round)}
}

// CreateFeed writes round 1 for a new feed.
func (s *Store) CreateFeed(feedID string, initial *big.Int, at time.Time) (round.Round, error) {
	feedID = strings.TrimSpace(feedID)
	if feedID == "" {
		return round.Round{}, fmt.Errorf("feed id is required")
	}
	if initial == nil {
		return round.Round{}, fmt.Errorf("initial answer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds[feedID]; ok {
		return round.Round{}, fmt.Errorf("feed %s already exists", feedID)
	}
	r := round.Round{ID: 1, Answer: new(big.Int).Set(initial), UpdatedAt: at.UTC()}
	s.feeds[feedID] = []round.Round{r}
	return r.Clone(), nil
}

// UpdateAnswer appends a round stamped with at. Timestamps may repeat but not
// go backward.
func (s *Store) UpdateAnswer(feedID string, answer *big.Int, at time.Time) (round.Round, error) {
	if answer == nil {
		return round.Round{}, fmt.Errorf("answer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rounds, ok := s.feeds[feedID]
	if !ok {
		return round.Round{}, fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
	}
	last := rounds[len(rounds)-1]
	at = at.UTC()
	if at.Before(last.UpdatedAt) {
		return round.Round{}, fmt.Errorf("round timestamp %s precedes round %d at %s", at, last.ID, last.UpdatedAt)
	}
	r := round.Round{ID: last.ID + 1, Answer: new(big.Int).Set(answer), UpdatedAt: at}
	s.feeds[feedID] = append(rounds, r)
	return r.Clone(), nil
}

// Feeds lists known feed ids in lexical order.
func (s *Store) Feeds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.feeds))
	for id := range s.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) LatestRound(_ context.Context, feedID string) (round.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds, ok := s.feeds[feedID]
	if !ok {
		return round.Round{}, fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
	}
	return rounds[len(rounds)-1].Clone(), nil
}

func (s *Store) GetRound(_ context.Context, feedID string, id uint64) (round.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds, ok := s.feeds[feedID]
	if !ok {
		return round.Round{}, fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
	}
	if id < 1 || id > uint64(len(rounds)) {
		return round.Round{}, fmt.Errorf("%w: feed %s round %d", round.ErrRoundNotFound, feedID, id)
	}
	return rounds[id-1].Clone(), nil
}
