// Package realtime turns remote change notices into coordinator reloads.
package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"daftar/internal/store"
)

// Reloader is the part of the coordinator the listener drives.
type Reloader interface {
	Reload(ctx context.Context, accountID string) error
	ReloadCollection(ctx context.Context, accountID string, table store.Table) error
}

type Options struct {
	// Scoped reloads only the table a change names. Changes without a table,
	// or naming one the target cannot load alone, trigger a full reload.
	Scoped bool
	Logger *zap.Logger
}

type Listener struct {
	feed      store.ChangeFeed
	target    Reloader
	accountID string
	scoped    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewListener(feed store.ChangeFeed, target Reloader, accountID string, opts Options) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		feed:      feed,
		target:    target,
		accountID: accountID,
		scoped:    opts.Scoped,
		logger:    logger.Named("realtime"),
	}
}

// Run subscribes and dispatches a reload for every change until ctx is
// done or the feed closes. Reloads run on their own goroutines; one that
// arrives while another reload is running is dropped by the coordinator.
func (l *Listener) Run(ctx context.Context) error {
	changes, err := l.feed.Subscribe(ctx, l.accountID)
	if err != nil {
		return err
	}
	l.logger.Info("listening for changes", zap.String("account", l.accountID), zap.Bool("scoped", l.scoped))
	defer l.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				l.logger.Info("change feed closed")
				return nil
			}
			l.dispatch(ctx, change)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, change store.Change) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		var err error
		if l.scoped && change.Table != "" {
			err = l.target.ReloadCollection(ctx, l.accountID, change.Table)
		} else {
			err = l.target.Reload(ctx, l.accountID)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("reload after change failed", zap.String("table", string(change.Table)), zap.Error(err))
		}
	}()
}
