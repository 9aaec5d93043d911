package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"daftar/internal/store"
)

// IsTransient reports whether err is worth retrying: the request never got
// an answer, or the remote answered 502/503.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch store.StatusOf(err) {
	case 0, 502, 503:
		return true
	case -1:
	default:
		return false
	}
	if errors.Is(err, store.ErrUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return store.StatusOf(err) == 401 || errors.Is(err, store.ErrUnauthorized)
}

type call func(ctx context.Context, userID string) error

// run executes fn under the retry policy. An auth rejection triggers one
// session refresh followed by a single retried attempt sequence.
func (g *Gateway) run(ctx context.Context, op string, fn call) error {
	err := g.retry(ctx, op, g.cfg.Retries, g.cfg.InitialDelay, fn)
	if !IsAuthError(err) {
		return err
	}

	g.logger.Info("session rejected, refreshing", zap.String("op", op))
	if rerr := g.session.Refresh(ctx); rerr != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrAuthExpired, rerr)
	}
	err = g.retry(ctx, op, 1, g.cfg.RefreshDelay, fn)
	if IsAuthError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrAuthExpired, err)
	}
	return err
}

func (g *Gateway) retry(ctx context.Context, op string, retries int, delay time.Duration, fn call) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max(b.MaxInterval, delay<<retries)
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		userID, err := g.session.UserID(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = fn(ctx, userID)
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		g.logger.Warn("remote call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
		if g.cfg.OnRetry != nil {
			g.cfg.OnRetry(op, attempt, err, next)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && IsTransient(err) {
		return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempt, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
