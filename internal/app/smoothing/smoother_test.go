package smoothing

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

// historyFeed serves a fixed history and records every Get.
type historyFeed struct {
	mu     sync.Mutex
	rounds []round.Round
	gets   []uint64
	err    map[uint64]error
}

func newHistory(points ...point) *historyFeed {
	f := &historyFeed{}
	for i, p := range points {
		f.rounds = append(f.rounds, round.Round{
			ID:        uint64(i + 1),
			Answer:    big.NewInt(p.answer),
			UpdatedAt: epoch.Add(time.Duration(p.offset) * time.Second),
		})
	}
	return f
}

type point struct {
	answer int64
	offset int64
}

func (f *historyFeed) Latest(ctx context.Context) (round.Round, error) {
	if len(f.rounds) == 0 {
		return round.Round{}, round.ErrFeedNotFound
	}
	return f.rounds[len(f.rounds)-1].Clone(), nil
}

func (f *historyFeed) Get(ctx context.Context, id uint64) (round.Round, error) {
	f.mu.Lock()
	f.gets = append(f.gets, id)
	f.mu.Unlock()
	if err, ok := f.err[id]; ok {
		return round.Round{}, err
	}
	if id < 1 || id > uint64(len(f.rounds)) {
		return round.Round{}, round.ErrRoundNotFound
	}
	return f.rounds[id-1].Clone(), nil
}

func at(offset int64) time.Time {
	return epoch.Add(time.Duration(offset) * time.Second)
}

func smoothed(t *testing.T, s *Smoother, feed round.Accessor, period time.Duration, now time.Time) int64 {
	t.Helper()
	got, err := s.SmoothedAnswer(context.Background(), feed, period, now)
	require.NoError(t, err)
	require.True(t, got.IsInt64())
	return got.Int64()
}

func TestSmoothedAnswer_ThreeRoundCascade(t *testing.T) {
	feed := newHistory(point{10_000_000, 0}, point{8_000_000, 11}, point{12_000_000, 22})
	s := New()

	cases := []struct {
		now  int64
		want int64
	}{
		{22, 9_633_333},
		{32, 9_750_000},
		{42, 9_977_777},
		{52, 10_316_666},
		{62, 10_766_666},
		{72, 11_333_333},
		{82, 12_000_000},
		{500, 12_000_000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, smoothed(t, s, feed, time.Minute, at(tc.now)), "now=%d", tc.now)
	}
}

func TestSmoothedAnswer_SingleTransition(t *testing.T) {
	s := New()

	rise := newHistory(point{10_000_000, 0}, point{12_000_000, 0})
	fall := newHistory(point{10_000_000, 0}, point{8_000_000, 0})

	for _, tc := range []struct {
		elapsed  int64
		wantRise int64
		wantFall int64
	}{
		{0, 10_000_000, 10_000_000},
		{15, 10_500_000, 9_500_000},
		{30, 11_000_000, 9_000_000},
		{45, 11_500_000, 8_500_000},
		{60, 12_000_000, 8_000_000},
		{61, 12_000_000, 8_000_000},
	} {
		assert.Equal(t, tc.wantRise, smoothed(t, s, rise, time.Minute, at(tc.elapsed)), "rise elapsed=%d", tc.elapsed)
		assert.Equal(t, tc.wantFall, smoothed(t, s, fall, time.Minute, at(tc.elapsed)), "fall elapsed=%d", tc.elapsed)
	}
}

func TestSmoothedAnswer_ImmediateReadMatchesPreviousValue(t *testing.T) {
	s := New()
	before := newHistory(point{10_000_000, 0}, point{8_000_000, 11})
	after := newHistory(point{10_000_000, 0}, point{8_000_000, 11}, point{12_000_000, 22})

	assert.Equal(t, smoothed(t, s, before, time.Minute, at(22)), smoothed(t, s, after, time.Minute, at(22)))
}

func TestSmoothedAnswer_QueryBeforeLatestRound(t *testing.T) {
	s := New()
	feed := newHistory(point{10_000_000, 0}, point{12_000_000, 100})

	// Both rounds are in the future relative to now; round 1 is the floor.
	assert.Equal(t, int64(10_000_000), smoothed(t, s, feed, time.Minute, at(-30)))
}

func TestSmoothedAnswer_ZeroPeriodReturnsLatest(t *testing.T) {
	s := New()
	feed := newHistory(point{1, 0}, point{2, 1}, point{3, 2}, point{4, 3})

	assert.Equal(t, int64(4), smoothed(t, s, feed, 0, at(3)))
	assert.Empty(t, feed.gets)
}

func TestSmoothedAnswer_NegativePeriod(t *testing.T) {
	s := New()
	feed := newHistory(point{1, 0})

	_, err := s.SmoothedAnswer(context.Background(), feed, -time.Second, at(0))
	require.ErrorIs(t, err, ErrInvalidPeriod)
	assert.Empty(t, feed.gets)
}

func TestSmoothedAnswer_StopsAtSettledRound(t *testing.T) {
	s := New()
	// Round 3 settled at t=160; rounds 1 and 2 must never be read.
	feed := newHistory(point{1_000, 0}, point{2_000, 50}, point{3_000, 100}, point{4_000, 170})

	res, err := s.Evaluate(context.Background(), feed, time.Minute, at(180))
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, feed.gets)
	assert.True(t, res.Settled)
	assert.Equal(t, 2, res.RoundsRead)
	assert.Equal(t, uint64(4), res.LatestRound)
	// 10/60 of the way from 3000 to 4000.
	assert.Equal(t, int64(3_166), res.Answer.Int64())
}

func TestSmoothedAnswer_WalksToRoundOne(t *testing.T) {
	s := New()
	feed := newHistory(point{1_000, 0}, point{2_000, 10}, point{3_000, 20})

	res, err := s.Evaluate(context.Background(), feed, time.Minute, at(30))
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, []uint64{2, 1}, feed.gets)
	assert.Equal(t, 3, res.RoundsRead)
}

func TestSmoothedAnswer_SingleRound(t *testing.T) {
	s := New()
	feed := newHistory(point{-42, 0})

	assert.Equal(t, int64(-42), smoothed(t, s, feed, time.Minute, at(0)))
	assert.Empty(t, feed.gets)
}

func TestSmoothedAnswer_TruncatesTowardZero(t *testing.T) {
	s := New()
	feed := newHistory(point{0, 0}, point{-10, 0})

	assert.Equal(t, int64(-3), smoothed(t, s, feed, 3*time.Second, at(1)))

	pos := newHistory(point{0, 0}, point{10, 0})
	assert.Equal(t, int64(3), smoothed(t, s, pos, 3*time.Second, at(1)))
}

func TestSmoothedAnswer_PropagatesRoundNotFound(t *testing.T) {
	s := New()
	feed := newHistory(point{1, 0}, point{2, 10}, point{3, 20})
	feed.err = map[uint64]error{1: round.ErrRoundNotFound}

	_, err := s.SmoothedAnswer(context.Background(), feed, time.Minute, at(25))
	require.ErrorIs(t, err, round.ErrRoundNotFound)
}

func TestSmoothedAnswer_PropagatesLatestError(t *testing.T) {
	s := New()
	_, err := s.SmoothedAnswer(context.Background(), &historyFeed{}, time.Minute, at(0))
	require.ErrorIs(t, err, round.ErrFeedNotFound)
}

func TestSmoothedAnswer_TraversalLimit(t *testing.T) {
	feed := newHistory(point{1, 0}, point{2, 10}, point{3, 20}, point{4, 30})

	_, err := New(WithMaxRounds(2)).SmoothedAnswer(context.Background(), feed, time.Minute, at(35))
	require.ErrorIs(t, err, ErrTraversalLimit)

	// A settled round inside the cap is fine.
	got, err := New(WithMaxRounds(2)).SmoothedAnswer(context.Background(), feed, 10*time.Second, at(45))
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Int64())
}

func TestSmoothedAnswer_AccumulatorBitBudget(t *testing.T) {
	var points []point
	for i := int64(0); i < 40; i++ {
		points = append(points, point{answer: 1_000_000 + i*7_919, offset: i})
	}
	feed := newHistory(points...)
	period := 97*time.Second + 13*time.Millisecond

	_, err := New(WithMaxBits(64)).SmoothedAnswer(context.Background(), feed, period, at(40))
	require.ErrorIs(t, err, ErrArithmeticOverflow)

	_, err = New().SmoothedAnswer(context.Background(), feed, period, at(40))
	require.NoError(t, err)
}

func TestSmoothedAnswer_DenseHourlyHistoryFitsDefaultBits(t *testing.T) {
	// 600 rounds every 5s with nanosecond jitter, none settled under 1h.
	rng := rand.New(rand.NewSource(5))
	feed := &historyFeed{}
	for i := 0; i < 600; i++ {
		jitter := time.Duration(rng.Int63n(int64(time.Second)))
		feed.rounds = append(feed.rounds, round.Round{
			ID:        uint64(i + 1),
			Answer:    big.NewInt(200_000_000_000 + rng.Int63n(1_000_000_000)),
			UpdatedAt: epoch.Add(time.Duration(i)*5*time.Second + jitter),
		})
	}
	now := epoch.Add(600*5*time.Second + 1)

	res, err := New().Evaluate(context.Background(), feed, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 600, res.RoundsRead)
	assert.False(t, res.Settled)

	_, err = New(WithMaxBits(4096)).Evaluate(context.Background(), feed, time.Hour, now)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestSmoothedAnswer_AnswerOutsideInt256(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	feed := &historyFeed{rounds: []round.Round{{ID: 1, Answer: huge, UpdatedAt: epoch}}}

	_, err := New().SmoothedAnswer(context.Background(), feed, time.Minute, at(0))
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestSmoothedAnswer_LargeAnswersStayExact(t *testing.T) {
	hi := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	lo := new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	feed := &historyFeed{rounds: []round.Round{
		{ID: 1, Answer: lo, UpdatedAt: epoch},
		{ID: 2, Answer: hi, UpdatedAt: epoch},
	}}

	got, err := New().SmoothedAnswer(context.Background(), feed, 2*time.Second, at(1))
	require.NoError(t, err)
	// Halfway between -2^255 and 2^255-1 is -1/2, truncated to 0.
	assert.Equal(t, int64(0), got.Int64())
}

func TestSmoothedAnswer_Monotonic(t *testing.T) {
	s := New()
	rise := newHistory(point{1_000_003, 0}, point{2_000_017, 5})
	fall := newHistory(point{2_000_017, 0}, point{1_000_003, 5})

	prevRise, prevFall := int64(-1), int64(1<<62)
	for now := int64(0); now <= 80; now++ {
		r := smoothed(t, s, rise, 70*time.Second, at(now))
		f := smoothed(t, s, fall, 70*time.Second, at(now))
		require.GreaterOrEqual(t, r, prevRise, "rise at %d", now)
		require.LessOrEqual(t, f, prevFall, "fall at %d", now)
		prevRise, prevFall = r, f
	}
}

func TestSmoothedAnswer_MatchesRecursiveDefinition(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := New()

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(12)
		var points []point
		offset := int64(0)
		for i := 0; i < n; i++ {
			offset += rng.Int63n(20)
			points = append(points, point{answer: rng.Int63n(2_000_000_000) - 1_000_000_000, offset: offset})
		}
		feed := newHistory(points...)
		period := time.Duration(1+rng.Int63n(90)) * time.Second
		now := at(rng.Int63n(offset + 100))

		got := smoothed(t, s, feed, period, now)
		want := recursive(feed.rounds, len(feed.rounds)-1, period, now)
		require.Equal(t, truncate(want), got, "trial %d", trial)
	}
}

func TestSmoothedAnswer_ConcurrentCallsAgree(t *testing.T) {
	s := New()
	feed := newHistory(point{10_000_000, 0}, point{8_000_000, 11}, point{12_000_000, 22})

	var wg sync.WaitGroup
	results := make([]int64, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.SmoothedAnswer(context.Background(), feed, time.Minute, at(32))
			if err == nil {
				results[i] = got.Int64()
			}
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, int64(9_750_000), got)
	}
}

func TestSmoothedAnswer_HonoursCancellation(t *testing.T) {
	feed := newHistory(point{1, 0}, point{2, 10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().SmoothedAnswer(ctx, feed, time.Minute, at(15))
	require.True(t, errors.Is(err, context.Canceled))
}

func TestSettlementFraction(t *testing.T) {
	assert.Equal(t, "0", SettlementFraction(at(10), at(5), time.Minute).RatString())
	assert.Equal(t, "1/4", SettlementFraction(at(0), at(15), time.Minute).RatString())
	assert.Equal(t, "1", SettlementFraction(at(0), at(600), time.Minute).RatString())
}

func recursive(rounds []round.Round, k int, period time.Duration, now time.Time) *big.Rat {
	a := new(big.Rat).SetInt(rounds[k].Answer)
	if k == 0 {
		return a
	}
	p := SettlementFraction(rounds[k].UpdatedAt, now, period)
	prev := recursive(rounds, k-1, period, now)
	out := new(big.Rat).Mul(new(big.Rat).Sub(big.NewRat(1, 1), p), prev)
	return out.Add(out, new(big.Rat).Mul(p, a))
}

func truncate(r *big.Rat) int64 {
	return new(big.Int).Quo(r.Num(), r.Denom()).Int64()
}
