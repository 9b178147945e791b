package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/smoothfeed/internal/app/httpapi"
	"github.com/R3E-Network/smoothfeed/internal/app/services/smoothfeed"
	"github.com/R3E-Network/smoothfeed/internal/app/smoothing"
	"github.com/R3E-Network/smoothfeed/internal/app/storage"
	"github.com/R3E-Network/smoothfeed/internal/app/storage/cache"
	"github.com/R3E-Network/smoothfeed/internal/app/storage/memory"
	"github.com/R3E-Network/smoothfeed/internal/app/storage/postgres"
	redisstore "github.com/R3E-Network/smoothfeed/internal/app/storage/redis"
	"github.com/R3E-Network/smoothfeed/internal/app/storage/remote"
	"github.com/R3E-Network/smoothfeed/internal/config"
	"github.com/R3E-Network/smoothfeed/pkg/logger"
)

// Application wires the round store, the smoothed feed service and the HTTP
// server, and manages the server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	service *smoothfeed.Service
	server  *http.Server
	closers []func() error

	mu       sync.Mutex
	listener net.Listener
}

// NewApplication constructs an application from cfg.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	store, closers, err := buildStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}

	smoother := smoothing.New(
		smoothing.WithMaxRounds(cfg.Smoothing.MaxRounds),
		smoothing.WithMaxBits(cfg.Smoothing.MaxBits),
	)
	feeds := make([]smoothfeed.Feed, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		feeds = append(feeds, smoothfeed.Feed{
			ID:          f.ID,
			Description: f.Description,
			Decimals:    f.Decimals,
			Period:      f.Period,
		})
	}
	svc := smoothfeed.New(store, smoother, log.Named("smoothfeed"),
		smoothfeed.WithFeeds(feeds...),
		smoothfeed.WithDefaultPeriod(cfg.Smoothing.DefaultPeriod),
	)

	handler := httpapi.NewHandler(svc, httpapi.Config{
		AuthTokens:        cfg.Auth.Tokens,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, log.Named("httpapi"))

	return &Application{
		cfg:     cfg,
		log:     log,
		service: svc,
		server: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		closers: closers,
	}, nil
}

// Service exposes the smoothed feed service.
func (a *Application) Service() *smoothfeed.Service {
	return a.service
}

// Addr reports the bound listen address once Run has started listening.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// server fails.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", ln.Addr().String()).
			WithField("store", a.cfg.Store.Driver).
			Info("HTTP server listening")
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server and releases store connections.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)
	for _, closeFn := range a.closers {
		if cerr := closeFn(); cerr != nil {
			a.log.WithError(cerr).Warn("error closing store connection")
		}
	}
	return err
}

func buildStore(cfg *config.Config, log *logger.Logger) (storage.RoundStore, []func() error, error) {
	var (
		store   storage.RoundStore
		closers []func() error
	)
	if log == nil {
		log = logger.NewDefault("runtime")
	}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := memory.New()
		if err := seedFeeds(mem, cfg.Feeds); err != nil {
			return nil, nil, err
		}
		store = mem

	case config.DriverPostgres:
		db, err := openDatabase(cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		store = postgres.New(db, cfg.Store.Table)
		closers = append(closers, db.Close)

	case config.DriverRedis:
		client, err := openRedis(cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		store = redisstore.New(client, cfg.Store.RedisPrefix)
		closers = append(closers, client.Close)

	case config.DriverRemote:
		client, err := remote.NewClient(nil, remote.Config{
			BaseURL:    cfg.Store.RemoteURL,
			Token:      cfg.Store.RemoteToken,
			Timeout:    cfg.Store.RemoteTimeout,
			MaxRetries: cfg.Store.RemoteRetries,
		}, log.Named("remote-rounds"))
		if err != nil {
			return nil, nil, err
		}
		store = client

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	// The memory store already lives in process; caching it only copies rounds.
	if cfg.Cache.Enabled && cfg.Store.Driver != config.DriverMemory {
		cached, err := cache.New(store, cfg.Cache.Size)
		if err != nil {
			return nil, nil, err
		}
		store = cached
	}
	return store, closers, nil
}

// seedFeeds writes configured seed rounds into the memory store. Feeds
// without seeds stay unwritten and read as not found.
func seedFeeds(mem *memory.Store, feeds []config.FeedConfig) error {
	for _, feed := range feeds {
		for i, seed := range feed.Seed {
			answer, ok := new(big.Int).SetString(seed.Answer, 10)
			if !ok {
				return fmt.Errorf("feed %s: seed[%d] answer %q is not an integer", feed.ID, i, seed.Answer)
			}
			at := time.Unix(seed.UpdatedAt, 0)
			var err error
			if i == 0 {
				_, err = mem.CreateFeed(feed.ID, answer, at)
			} else {
				_, err = mem.UpdateAnswer(feed.ID, answer, at)
			}
			if err != nil {
				return fmt.Errorf("seed feed %s: %w", feed.ID, err)
			}
		}
	}
	return nil
}

func openDatabase(cfg config.StoreConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func openRedis(cfg config.StoreConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}
