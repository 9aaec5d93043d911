package realtime

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"daftar/internal/store"
)

const redisChannelPrefix = "daftar:changes:"

func RedisChannel(accountID string) string {
	return redisChannelPrefix + accountID
}

// RedisFeed carries change notices between processes sharing one account
// over Redis pub/sub.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisFeed(client *redis.Client, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, logger: logger.Named("redis-feed")}
}

func (f *RedisFeed) Subscribe(ctx context.Context, accountID string) (<-chan store.Change, error) {
	sub := f.client.Subscribe(ctx, RedisChannel(accountID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan store.Change, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change store.Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					f.logger.Warn("malformed change message", zap.String("payload", msg.Payload), zap.Error(err))
					change = store.Change{}
				}
				store.Deliver(out, change)
			}
		}
	}()
	return out, nil
}

func (f *RedisFeed) Publish(ctx context.Context, accountID string, table store.Table) error {
	payload, err := json.Marshal(store.Change{Table: table})
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, RedisChannel(accountID), payload).Err()
}
