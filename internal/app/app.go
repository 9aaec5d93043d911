// Package app assembles the remote, cache, gateway, coordinator and change
// feed a process needs from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"daftar/internal/backup"
	"daftar/internal/cache"
	"daftar/internal/config"
	"daftar/internal/coordinator"
	"daftar/internal/domain"
	"daftar/internal/gateway"
	"daftar/internal/realtime"
	"daftar/internal/session"
	"daftar/internal/store"
	"daftar/internal/store/memory"
	"daftar/internal/store/postgres"
	"daftar/internal/store/rest"
)

// LocalAccount owns the in-memory book when no account is configured.
const LocalAccount = "local"

type App struct {
	Config      config.Config
	Logger      *zap.Logger
	AccountID   string
	Gateway     *gateway.Gateway
	Coordinator *coordinator.Coordinator
	// Feed is nil when realtime updates are off.
	Feed store.ChangeFeed

	backend string
	closers []func() error
}

// New builds the application graph. The coordinator starts from whatever
// the cache holds; call Start to load from the remote.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var redisClient *redis.Client
	redisFor := func() *redis.Client {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			a.closers = append(a.closers, redisClient.Close)
		}
		return redisClient
	}

	remote, sess, nativeFeed, err := a.remote(ctx)
	if err != nil {
		return err
	}

	feed, err := a.feed(nativeFeed, redisFor)
	if err != nil {
		return err
	}
	if rf, ok := feed.(*realtime.RedisFeed); ok && a.backend == "rest" {
		remote = realtime.Publishing(remote, rf, a.Logger)
	}
	a.Feed = feed

	localCache, err := a.cache(redisFor)
	if err != nil {
		return err
	}

	a.Gateway = gateway.New(remote, sess, gateway.Config{
		Retries:      cfg.RetryAttempts,
		InitialDelay: cfg.RetryDelay,
		OnRetry: func(op string, attempt int, err error, delay time.Duration) {
			a.Logger.Warn("retrying remote call",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	}, a.Logger)

	accountID, err := a.Gateway.CurrentUserID(ctx)
	if err != nil {
		return fmt.Errorf("resolve account: %w", err)
	}
	a.AccountID = accountID

	opts := coordinator.Options{
		StockPolicy:        coordinator.StockPolicy(cfg.StockPolicy),
		SerializeMutations: cfg.SerializeMutations,
		Observer:           logObserver{logger: a.Logger.Named("book")},
		Logger:             a.Logger,
	}
	if cfg.BackupBucket != "" {
		archiver, err := backup.NewS3Archiver(ctx, backup.Config{
			Bucket:    cfg.BackupBucket,
			Prefix:    cfg.BackupPrefix,
			Endpoint:  cfg.BackupEndpoint,
			Region:    cfg.BackupRegion,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("backup archiver: %w", err)
		}
		opts.Archiver = archiver
	}
	a.Coordinator = coordinator.New(ctx, a.Gateway, localCache, opts)

	a.Logger.Info("application assembled",
		zap.String("account", a.AccountID),
		zap.String("remote", a.backend),
		zap.String("cache", cfg.CacheBackend),
		zap.Bool("realtime", a.Feed != nil),
	)
	return nil
}

// remote picks the backend: DATABASE_URL for direct PostgreSQL, REMOTE_URL
// for the hosted REST API, otherwise a seeded in-memory store.
func (a *App) remote(ctx context.Context) (store.Remote, gateway.Session, store.ChangeFeed, error) {
	cfg := a.Config
	switch {
	case cfg.DatabaseURL != "":
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.AccountID == "" {
			return nil, nil, nil, errors.New("DATABASE_URL requires ACCOUNT_ID")
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
		a.backend = "postgres"
		return pg, session.NewStatic(cfg.AccountID), postgres.NewFeed(cfg.DatabaseURL, a.Logger), nil

	case cfg.RemoteURL != "":
		tokens := &deferredTokens{}
		client := rest.New(cfg.RemoteURL, cfg.RemoteAPIKey, tokens)
		tokens.session = session.NewToken(session.Tokens{Access: cfg.AccessToken, Refresh: cfg.RefreshToken}, client)
		a.backend = "rest"
		return client, tokens.session, nil, nil

	default:
		accountID := cfg.AccountID
		if accountID == "" {
			accountID = LocalAccount
		}
		mem := memory.NewSeeded(accountID)
		a.backend = "memory"
		return mem, session.NewStatic(accountID), mem, nil
	}
}

func (a *App) feed(native store.ChangeFeed, redisFor func() *redis.Client) (store.ChangeFeed, error) {
	cfg := a.Config
	switch cfg.RealtimeFeed {
	case "off":
		return nil, nil
	case "poll":
		return realtime.NewPollFeed(cfg.RealtimePollInterval), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("REALTIME_FEED=redis requires REDIS_ADDR")
		}
		return realtime.NewRedisFeed(redisFor(), a.Logger), nil
	case "memory", "postgres":
		if cfg.RealtimeFeed != a.backend {
			return nil, fmt.Errorf("REALTIME_FEED=%s does not match the %s remote", cfg.RealtimeFeed, a.backend)
		}
		return native, nil
	}

	// auto
	switch {
	case native != nil:
		return native, nil
	case cfg.RedisAddr != "":
		return realtime.NewRedisFeed(redisFor(), a.Logger), nil
	default:
		return realtime.NewPollFeed(cfg.RealtimePollInterval), nil
	}
}

func (a *App) cache(redisFor func() *redis.Client) (cache.Store, error) {
	switch a.Config.CacheBackend {
	case "memory":
		return cache.NewMemory(), nil
	case "redis":
		return cache.NewRedisWithClient(redisFor()), nil
	default:
		sqlite, err := cache.NewSQLite(a.Config.CachePath)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		a.closers = append(a.closers, sqlite.Close)
		return sqlite, nil
	}
}

// Start loads the book from the remote. A failed load leaves the cached
// book in place.
func (a *App) Start(ctx context.Context) error {
	if err := a.Coordinator.Reload(ctx, a.AccountID); err != nil {
		a.Logger.Warn("initial load incomplete, serving cached book", zap.Error(err))
		return err
	}
	return nil
}

// Listener returns the realtime listener, or nil when the feed is off.
func (a *App) Listener() *realtime.Listener {
	if a.Feed == nil {
		return nil
	}
	return realtime.NewListener(a.Feed, a.Coordinator, a.AccountID, realtime.Options{
		Scoped: a.Config.RealtimeScoped,
		Logger: a.Logger,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type deferredTokens struct {
	session *session.Token
}

func (d *deferredTokens) AccessToken(ctx context.Context) (string, error) {
	if d.session == nil {
		return "", session.ErrNoSession
	}
	return d.session.AccessToken(ctx)
}

type logObserver struct {
	logger *zap.Logger
}

func (o logObserver) SnapshotChanged(s coordinator.Snapshot) {
	o.logger.Debug("book changed",
		zap.Bool("loading", s.IsLoading),
		zap.Bool("connection_error", s.ConnectionError),
	)
}

func (o logObserver) Notify(n domain.Notification) {
	fields := []zap.Field{zap.String("title", n.Title), zap.String("message", n.Message)}
	if n.Type == domain.NotificationWarning {
		o.logger.Warn("notification", fields...)
		return
	}
	o.logger.Info("notification", fields...)
}
