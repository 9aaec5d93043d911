package realtime

import (
	"context"
	"time"

	"daftar/internal/store"
)

// PollFeed reports an unnamed change on a fixed interval, for remotes that
// cannot push.
type PollFeed struct {
	interval time.Duration
}

func NewPollFeed(interval time.Duration) *PollFeed {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PollFeed{interval: interval}
}

func (f *PollFeed) Subscribe(ctx context.Context, _ string) (<-chan store.Change, error) {
	out := make(chan store.Change, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.Deliver(out, store.Change{})
			}
		}
	}()
	return out, nil
}
