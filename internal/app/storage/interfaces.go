package storage

import (
	"context"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
)

// RoundStore reads round histories for any number of feeds. Implementations
// return round.ErrFeedNotFound from LatestRound for an unknown feed and
// round.ErrRoundNotFound from GetRound for an id outside [1, latest].
type RoundStore interface {
	LatestRound(ctx context.Context, feedID string) (round.Round, error)
	GetRound(ctx context.Context, feedID string, id uint64) (round.Round, error)
}

// Bind narrows a RoundStore to the accessor of a single feed.
func Bind(store RoundStore, feedID string) round.Accessor {
	return feedRounds{store: store, feedID: feedID}
}

type feedRounds struct {
	store  RoundStore
	feedID string
}

func (f feedRounds) Latest(ctx context.Context) (round.Round, error) {
	return f.store.LatestRound(ctx, f.feedID)
}

func (f feedRounds) Get(ctx context.Context, id uint64) (round.Round, error) {
	return f.store.GetRound(ctx, f.feedID, id)
}
