package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"daftar/internal/store"
)

type Publisher interface {
	Publish(ctx context.Context, accountID string, table store.Table) error
}

// PublishingRemote announces every successful write to pub. It lets
// processes sharing a REST remote, which has no change feed of its own,
// see each other's writes.
type PublishingRemote struct {
	store.Remote
	pub    Publisher
	logger *zap.Logger
}

func Publishing(remote store.Remote, pub Publisher, logger *zap.Logger) *PublishingRemote {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishingRemote{Remote: remote, pub: pub, logger: logger.Named("publisher")}
}

func (r *PublishingRemote) Insert(ctx context.Context, table store.Table, userID string, row json.RawMessage) (json.RawMessage, error) {
	out, err := r.Remote.Insert(ctx, table, userID, row)
	r.announce(ctx, err, userID, table)
	return out, err
}

func (r *PublishingRemote) Upsert(ctx context.Context, table store.Table, userID string, row json.RawMessage, onConflict string) (json.RawMessage, error) {
	out, err := r.Remote.Upsert(ctx, table, userID, row, onConflict)
	r.announce(ctx, err, userID, table)
	return out, err
}

func (r *PublishingRemote) Update(ctx context.Context, q store.Query, patch json.RawMessage) (json.RawMessage, error) {
	out, err := r.Remote.Update(ctx, q, patch)
	r.announce(ctx, err, q.UserID, q.Table)
	return out, err
}

func (r *PublishingRemote) Delete(ctx context.Context, q store.Query) error {
	err := r.Remote.Delete(ctx, q)
	r.announce(ctx, err, q.UserID, q.Table)
	return err
}

// Call announces without a table; an RPC may touch several.
func (r *PublishingRemote) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	out, err := r.Remote.Call(ctx, fn, args)
	if fn != store.RPCFinancialSummary {
		userID, _ := args["user_uuid"].(string)
		r.announce(ctx, err, userID, "")
	}
	return out, err
}

func (r *PublishingRemote) announce(ctx context.Context, err error, userID string, table store.Table) {
	if err != nil || userID == "" {
		return
	}
	if perr := r.pub.Publish(ctx, userID, table); perr != nil {
		r.logger.Warn("publish change failed", zap.String("table", string(table)), zap.Error(perr))
	}
}
