package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"daftar/internal/store"
)

const NotifyChannel = "daftar_changes"

// Feed turns records_notify payloads into change events using a dedicated
// LISTEN connection, reconnecting with backoff when it drops.
type Feed struct {
	databaseURL string
	logger      *zap.Logger
}

func NewFeed(databaseURL string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{databaseURL: databaseURL, logger: logger.Named("pg-feed")}
}

type notifyPayload struct {
	Table  string `json:"table"`
	UserID string `json:"user_id"`
}

func (f *Feed) Subscribe(ctx context.Context, accountID string) (<-chan store.Change, error) {
	conn, err := f.listen(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan store.Change, 1)
	go func() {
		defer close(out)
		defer func() {
			if conn != nil {
				_ = conn.Close(context.Background())
			}
		}()

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn("listen connection lost", zap.Error(err))
				_ = conn.Close(context.Background())
				conn, err = f.reconnect(ctx)
				if err != nil {
					return
				}
				// Changes may have been missed while disconnected.
				store.Deliver(out, store.Change{})
				continue
			}

			var payload notifyPayload
			if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
				f.logger.Warn("malformed notification", zap.String("payload", n.Payload), zap.Error(err))
				continue
			}
			if payload.UserID != accountID {
				continue
			}
			store.Deliver(out, store.Change{Table: store.Table(payload.Table)})
		}
	}()
	return out, nil
}

func (f *Feed) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, f.databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (f *Feed) reconnect(ctx context.Context) (*pgx.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	var conn *pgx.Conn
	err := backoff.RetryNotify(func() error {
		c, err := f.listen(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		f.logger.Warn("listen reconnect failed", zap.Error(err), zap.Duration("retry_in", next))
	})
	return conn, err
}
