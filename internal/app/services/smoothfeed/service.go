package smoothfeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
	"github.com/R3E-Network/smoothfeed/internal/app/metrics"
	"github.com/R3E-Network/smoothfeed/internal/app/smoothing"
	"github.com/R3E-Network/smoothfeed/internal/app/storage"
	"github.com/R3E-Network/smoothfeed/pkg/logger"
)

// ErrFeedIDRequired is returned when a query names no feed.
var ErrFeedIDRequired = errors.New("feed_id is required")

// unregisteredFeedLabel replaces the feed label of queries that failed on a
// feed outside the registry, so metric series stay bounded by known feeds.
const unregisteredFeedLabel = "unregistered"

// Feed is a registered feed and its default smoothing period. Decimals is
// carried for clients; answers are never rescaled.
type Feed struct {
	ID          string        `json:"id"`
	Description string        `json:"description,omitempty"`
	Decimals    int           `json:"decimals"`
	Period      time.Duration `json:"-"`
}

// Answer is one smoothed read.
type Answer struct {
	FeedID      string
	Answer      *big.Int
	Period      time.Duration
	At          time.Time
	LatestRound uint64
	RoundsRead  int
	Settled     bool
}

// Option configures a Service.
type Option func(*Service)

// WithFeeds registers feeds. Once any feed is registered, queries for other
// feeds fail with round.ErrFeedNotFound.
func WithFeeds(feeds ...Feed) Option {
	return func(s *Service) {
		for _, feed := range feeds {
			feed.ID = strings.TrimSpace(feed.ID)
			if feed.ID == "" {
				continue
			}
			s.feeds[feed.ID] = feed
		}
	}
}

// WithDefaultPeriod sets the period used when neither the query nor the feed
// names one.
func WithDefaultPeriod(period time.Duration) Option {
	return func(s *Service) { s.defaultPeriod = period }
}

// WithClock replaces time.Now as the source of the query time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service answers smoothed reads for feeds held in a RoundStore.
type Service struct {
	store         storage.RoundStore
	smoother      *smoothing.Smoother
	feeds         map[string]Feed
	defaultPeriod time.Duration
	now           func() time.Time
	log           *logger.Logger
}

// New constructs a smoothed feed service.
func New(store storage.RoundStore, smoother *smoothing.Smoother, log *logger.Logger, opts ...Option) *Service {
	if smoother == nil {
		smoother = smoothing.New()
	}
	if log == nil {
		log = logger.NewDefault("smoothfeed")
	}
	s := &Service{
		store:    store,
		smoother: smoother,
		feeds:    make(map[string]Feed),
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SmoothedAnswer evaluates feedID. A nil period falls back to the feed's
// period and then the service default; a nil at means now.
func (s *Service) SmoothedAnswer(ctx context.Context, feedID string, period *time.Duration, at *time.Time) (Answer, error) {
	feedID, err := s.checkFeed(feedID)
	if err != nil {
		return Answer{}, err
	}

	p := s.PeriodFor(feedID)
	if period != nil {
		p = *period
	}
	when := s.now()
	if at != nil {
		when = *at
	}

	start := time.Now()
	res, err := s.smoother.Evaluate(ctx, storage.Bind(s.store, feedID), p, when)
	elapsed := time.Since(start)

	entry := s.log.WithField("feed_id", feedID).WithField("period", p.String())
	if err != nil {
		metrics.RecordSmoothingQuery(s.metricsLabel(feedID, false), resultLabel(err), 0, elapsed)
		if errors.Is(err, round.ErrFeedNotFound) || errors.Is(err, smoothing.ErrInvalidPeriod) {
			entry.WithError(err).Debug("smoothed answer rejected")
		} else {
			entry.WithError(err).Warn("smoothed answer failed")
		}
		return Answer{}, err
	}
	metrics.RecordSmoothingQuery(s.metricsLabel(feedID, true), "ok", res.RoundsRead, elapsed)
	entry.WithField("latest_round", res.LatestRound).
		WithField("rounds_read", res.RoundsRead).
		Debug("smoothed answer computed")

	return Answer{
		FeedID:      feedID,
		Answer:      res.Answer,
		Period:      p,
		At:          when,
		LatestRound: res.LatestRound,
		RoundsRead:  res.RoundsRead,
		Settled:     res.Settled,
	}, nil
}

// Latest returns the newest round of feedID.
func (s *Service) Latest(ctx context.Context, feedID string) (round.Round, error) {
	feedID, err := s.checkFeed(feedID)
	if err != nil {
		return round.Round{}, err
	}
	return s.store.LatestRound(ctx, feedID)
}

// Round returns round id of feedID.
func (s *Service) Round(ctx context.Context, feedID string, id uint64) (round.Round, error) {
	feedID, err := s.checkFeed(feedID)
	if err != nil {
		return round.Round{}, err
	}
	return s.store.GetRound(ctx, feedID, id)
}

// Feeds lists registered feeds sorted by id. Without a registry it lists the
// feeds the store can enumerate, if any.
func (s *Service) Feeds() []Feed {
	out := make([]Feed, 0, len(s.feeds))
	if len(s.feeds) > 0 {
		for _, feed := range s.feeds {
			if feed.Period == 0 {
				feed.Period = s.defaultPeriod
			}
			out = append(out, feed)
		}
	} else if lister, ok := s.store.(interface{ Feeds() []string }); ok {
		for _, id := range lister.Feeds() {
			out = append(out, Feed{ID: id, Period: s.defaultPeriod})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeriodFor returns the smoothing period used when a query names none.
func (s *Service) PeriodFor(feedID string) time.Duration {
	if feed, ok := s.feeds[feedID]; ok && feed.Period > 0 {
		return feed.Period
	}
	return s.defaultPeriod
}

// checkFeed trims feedID and rejects it when blank or outside a non-empty
// registry.
func (s *Service) checkFeed(feedID string) (string, error) {
	feedID = strings.TrimSpace(feedID)
	if feedID == "" {
		return "", ErrFeedIDRequired
	}
	if len(s.feeds) == 0 {
		return feedID, nil
	}
	if _, ok := s.feeds[feedID]; !ok {
		return "", fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
	}
	return feedID, nil
}

// metricsLabel returns the feed label for query metrics. Registered feeds
// and feeds the store answered for keep their id; all others share one label.
func (s *Service) metricsLabel(feedID string, answered bool) string {
	if _, ok := s.feeds[feedID]; ok || answered {
		return feedID
	}
	return unregisteredFeedLabel
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, smoothing.ErrInvalidPeriod):
		return "invalid_period"
	case errors.Is(err, round.ErrFeedNotFound), errors.Is(err, round.ErrRoundNotFound):
		return "not_found"
	case errors.Is(err, smoothing.ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, smoothing.ErrTraversalLimit):
		return "traversal_limit"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
