// Package remote reads round histories from another smoothfeed instance, or
// any gateway serving the same round endpoints:
//
//	GET {base}/feeds/{feed}/rounds/latest
//	GET {base}/feeds/{feed}/rounds/{id}
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
	"github.com/R3E-Network/smoothfeed/internal/app/storage"
	"github.com/R3E-Network/smoothfeed/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client implements storage.RoundStore over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	token      string
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
}

var _ storage.RoundStore = (*Client)(nil)

// NewClient validates cfg and builds a Client. A nil httpClient gets one with
// cfg.Timeout (default 10s).
func NewClient(httpClient *http.Client, cfg Config, log *logger.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.NewDefault("remote-rounds")
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		log:        log,
	}, nil
}

func (c *Client) LatestRound(ctx context.Context, feedID string) (round.Round, error) {
	return c.fetch(ctx, feedID, "latest")
}

func (c *Client) GetRound(ctx context.Context, feedID string, id uint64) (round.Round, error) {
	if id < 1 {
		return round.Round{}, fmt.Errorf("%w: feed %s round %d", round.ErrRoundNotFound, feedID, id)
	}
	return c.fetch(ctx, feedID, strconv.FormatUint(id, 10))
}

func (c *Client) fetch(ctx context.Context, feedID, which string) (round.Round, error) {
	endpoint := c.baseURL.JoinPath("feeds", feedID, "rounds", which)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return round.Round{}, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		body, status, err := c.get(ctx, endpoint.String())
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return round.Round{}, ctx.Err()
			}
			lastErr = err
		case status == http.StatusOK:
			return decodeRound(body)
		case status == http.StatusNotFound:
			return round.Round{}, notFound(body, feedID, which)
		case status >= 500 || status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("remote returned %d: %s", status, errorMessage(body))
		default:
			return round.Round{}, fmt.Errorf("remote returned %d: %s", status, errorMessage(body))
		}

		c.log.WithError(lastErr).
			WithField("feed_id", feedID).
			WithField("round", which).
			WithField("attempt", attempt+1).
			Warn("remote round read failed")
	}
	return round.Round{}, fmt.Errorf("read round %s of feed %s: %w", which, feedID, lastErr)
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func decodeRound(body []byte) (round.Round, error) {
	if !gjson.ValidBytes(body) {
		return round.Round{}, errors.New("remote returned invalid json")
	}
	fields := gjson.GetManyBytes(body, "round_id", "answer", "updated_at")

	id := fields[0].Uint()
	if id == 0 {
		return round.Round{}, fmt.Errorf("remote returned invalid round id %q", fields[0].Raw)
	}
	answer, ok := new(big.Int).SetString(fields[1].String(), 10)
	if !ok {
		return round.Round{}, fmt.Errorf("round %d: parse answer %q", id, fields[1].Raw)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields[2].String())
	if err != nil {
		return round.Round{}, fmt.Errorf("round %d: parse updated_at: %w", id, err)
	}
	return round.Round{ID: id, Answer: answer, UpdatedAt: updatedAt.UTC()}, nil
}

func notFound(body []byte, feedID, which string) error {
	if gjson.GetBytes(body, "code").String() == "feed_not_found" {
		return fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
	}
	if which == "latest" {
		return fmt.Errorf("%w: %s", round.ErrFeedNotFound, feedID)
	}
	return fmt.Errorf("%w: feed %s round %s", round.ErrRoundNotFound, feedID, which)
}

func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		return msg.String()
	}
	return strings.TrimSpace(string(body))
}
