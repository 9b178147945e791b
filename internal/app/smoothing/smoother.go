// Package smoothing turns a feed's discrete round history into a value that
// glides from one answer to the next over a smoothing period.
//
// For round k written at t_k with answer A_k, the settlement fraction at query
// time now is P_k = clamp((now-t_k)/period, 0, 1) and
//
//	S(1)   = A_1
//	S(k)   = (1-P_k)*S(k-1) + P_k*A_k
//
// The smoothed answer is S(latest). It is evaluated by walking backward from
// the latest round and stops at the first fully settled round, so the cost is
// bounded by the number of rounds written within one period of now.
package smoothing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
)

// DefaultMaxBits bounds the numerator and denominator of the exact rational
// accumulator. Each unsettled round can add up to the bit length of the
// period in nanoseconds (42 bits for one hour), so the default covers about
// 1500 unsettled rounds at hourly periods.
const DefaultMaxBits = 1 << 16

var (
	// ErrInvalidPeriod is returned for a negative smoothing period.
	ErrInvalidPeriod = errors.New("smoothing period must not be negative")
	// ErrArithmeticOverflow is returned when an answer or an intermediate sum
	// leaves the representable range.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	// ErrTraversalLimit is returned when the configured round cap is reached
	// before the remaining weight settles to zero.
	ErrTraversalLimit = errors.New("round traversal limit reached before settlement")
	// ErrInvalidRound is returned when the accessor hands back a round that
	// cannot take part in the blend.
	ErrInvalidRound = errors.New("invalid round")
)

var (
	int256Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	int256Min = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	ratOne    = big.NewRat(1, 1)
)

// Result describes one evaluation.
type Result struct {
	Answer      *big.Int
	LatestRound uint64
	// RoundsRead counts rounds fetched from the accessor, latest included.
	RoundsRead int
	// Settled reports whether the walk stopped on a fully settled round
	// rather than on round 1.
	Settled bool
}

// Option configures a Smoother.
type Option func(*Smoother)

// WithMaxRounds caps how many rounds one query may read. Zero disables the cap.
func WithMaxRounds(n int) Option {
	return func(s *Smoother) {
		if n > 0 {
			s.maxRounds = n
		}
	}
}

// WithMaxBits overrides DefaultMaxBits.
func WithMaxBits(bits int) Option {
	return func(s *Smoother) {
		if bits > 0 {
			s.maxBits = bits
		}
	}
}

// Smoother evaluates smoothed answers. It holds only immutable limits and is
// safe for concurrent use.
type Smoother struct {
	maxRounds int
	maxBits   int
}

// New constructs a Smoother.
func New(opts ...Option) *Smoother {
	s := &Smoother{maxBits: DefaultMaxBits}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SmoothedAnswer returns the smoothed answer of feed at now, truncated toward
// zero. A zero period disables smoothing and yields the latest answer.
func (s *Smoother) SmoothedAnswer(ctx context.Context, feed round.Accessor, period time.Duration, now time.Time) (*big.Int, error) {
	res, err := s.Evaluate(ctx, feed, period, now)
	if err != nil {
		return nil, err
	}
	return res.Answer, nil
}

// Evaluate is SmoothedAnswer with walk details attached.
func (s *Smoother) Evaluate(ctx context.Context, feed round.Accessor, period time.Duration, now time.Time) (Result, error) {
	if period < 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}

	latest, err := feed.Latest(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read latest round: %w", err)
	}
	if err := checkRound(latest); err != nil {
		return Result{}, err
	}

	res := Result{LatestRound: latest.ID, RoundsRead: 1}
	if period == 0 {
		res.Answer = new(big.Int).Set(latest.Answer)
		return res, nil
	}

	acc := new(big.Rat)
	remaining := new(big.Rat).Set(ratOne)
	cur := latest

	for cur.ID > 1 {
		if p := SettlementFraction(cur.UpdatedAt, now, period); p.Sign() > 0 {
			term := new(big.Rat).Mul(remaining, p)
			term.Mul(term, new(big.Rat).SetInt(cur.Answer))
			acc.Add(acc, term)
			remaining.Mul(remaining, new(big.Rat).Sub(ratOne, p))

			if remaining.Sign() == 0 {
				res.Settled = true
				return s.finish(res, acc)
			}
			if err := s.checkBits(acc, remaining); err != nil {
				return Result{}, err
			}
		}

		if s.maxRounds > 0 && res.RoundsRead >= s.maxRounds {
			return Result{}, fmt.Errorf("%w: read %d rounds down to round %d", ErrTraversalLimit, res.RoundsRead, cur.ID)
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		prev, err := feed.Get(ctx, cur.ID-1)
		if err != nil {
			return Result{}, fmt.Errorf("read round %d: %w", cur.ID-1, err)
		}
		if err := checkRound(prev); err != nil {
			return Result{}, err
		}
		if prev.ID != cur.ID-1 {
			return Result{}, fmt.Errorf("%w: asked for round %d, got %d", ErrInvalidRound, cur.ID-1, prev.ID)
		}
		res.RoundsRead++
		cur = prev
	}

	acc.Add(acc, new(big.Rat).Mul(remaining, new(big.Rat).SetInt(cur.Answer)))
	return s.finish(res, acc)
}

// SettlementFraction returns clamp((now-updatedAt)/period, 0, 1) as an exact
// rational. period must be positive.
func SettlementFraction(updatedAt, now time.Time, period time.Duration) *big.Rat {
	elapsed := now.Sub(updatedAt)
	switch {
	case elapsed <= 0:
		return new(big.Rat)
	case elapsed >= period:
		return new(big.Rat).Set(ratOne)
	}
	return big.NewRat(int64(elapsed), int64(period))
}

func (s *Smoother) finish(res Result, acc *big.Rat) (Result, error) {
	if err := s.checkBits(acc); err != nil {
		return Result{}, err
	}
	// Quo truncates toward zero.
	answer := new(big.Int).Quo(acc.Num(), acc.Denom())
	if answer.Cmp(int256Max) > 0 || answer.Cmp(int256Min) < 0 {
		return Result{}, fmt.Errorf("%w: result %s outside int256", ErrArithmeticOverflow, answer)
	}
	res.Answer = answer
	return res, nil
}

func (s *Smoother) checkBits(values ...*big.Rat) error {
	for _, v := range values {
		if v.Num().BitLen() > s.maxBits || v.Denom().BitLen() > s.maxBits {
			return fmt.Errorf("%w: accumulator exceeds %d bits", ErrArithmeticOverflow, s.maxBits)
		}
	}
	return nil
}

func checkRound(r round.Round) error {
	if r.ID == 0 {
		return fmt.Errorf("%w: round id 0", ErrInvalidRound)
	}
	if r.Answer == nil {
		return fmt.Errorf("%w: round %d has no answer", ErrInvalidRound, r.ID)
	}
	if r.Answer.Cmp(int256Max) > 0 || r.Answer.Cmp(int256Min) < 0 {
		return fmt.Errorf("%w: round %d answer outside int256", ErrArithmeticOverflow, r.ID)
	}
	return nil
}
