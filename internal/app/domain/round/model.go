package round

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrRoundNotFound is returned when a round id is outside [1, latest].
	ErrRoundNotFound = errors.New("round not found")
	// ErrFeedNotFound is returned when a store has no history for a feed.
	ErrFeedNotFound = errors.New("feed not found")
)

// Round is one timestamped answer written to a feed.
type Round struct {
	ID        uint64
	Answer    *big.Int
	UpdatedAt time.Time
}

// Accessor is a read-only view over one feed's round history. Implementations
// must present a consistent history for the duration of a single query.
type Accessor interface {
	Latest(ctx context.Context) (Round, error)
	Get(ctx context.Context, id uint64) (Round, error)
}

// Clone returns a copy whose answer does not alias r's.
func (r Round) Clone() Round {
	out := r
	if r.Answer != nil {
		out.Answer = new(big.Int).Set(r.Answer)
	}
	return out
}
