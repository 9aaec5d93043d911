package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"daftar/internal/store"
)

// Collection is typed access to one remote table, scoped to the session
// account.
type Collection[T any] struct {
	g     *Gateway
	table store.Table
	order string
	desc  bool
	limit int
}

func (c Collection[T]) Table() store.Table {
	return c.table
}

func (c Collection[T]) List(ctx context.Context) ([]T, error) {
	var out []T
	err := c.g.run(ctx, "list "+string(c.table), func(ctx context.Context, userID string) error {
		rows, err := c.g.remote.Select(ctx, store.Query{
			Table:  c.table,
			UserID: userID,
			Order:  c.order,
			Desc:   c.desc,
			Limit:  c.limit,
		})
		if err != nil {
			return err
		}
		out, err = decodeRows[T](c.table, rows)
		return err
	})
	return out, err
}

func (c Collection[T]) Insert(ctx context.Context, v T) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = c.g.run(ctx, "insert "+string(c.table), func(ctx context.Context, userID string) error {
		row, err := c.g.remote.Insert(ctx, c.table, userID, raw)
		if err != nil {
			return err
		}
		return decodeRow(c.table, row, &out)
	})
	return out, err
}

// Upsert writes v, merging into the row whose onConflict column matches.
func (c Collection[T]) Upsert(ctx context.Context, v T, onConflict string) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = c.g.run(ctx, "upsert "+string(c.table), func(ctx context.Context, userID string) error {
		row, err := c.g.remote.Upsert(ctx, c.table, userID, raw, onConflict)
		if err != nil {
			return err
		}
		return decodeRow(c.table, row, &out)
	})
	return out, err
}

// Update applies patch to the owned row id and returns the stored result.
func (c Collection[T]) Update(ctx context.Context, id string, patch any) (T, error) {
	var out T
	if id == "" {
		return out, store.NewError(store.ErrInvalid, "update %s requires an id", c.table)
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return out, err
	}
	err = c.g.run(ctx, "update "+string(c.table), func(ctx context.Context, userID string) error {
		row, err := c.g.remote.Update(ctx, store.Query{Table: c.table, UserID: userID, ID: id}, raw)
		if err != nil {
			return err
		}
		return decodeRow(c.table, row, &out)
	})
	return out, err
}

func (c Collection[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return store.NewError(store.ErrInvalid, "delete %s requires an id", c.table)
	}
	return c.g.run(ctx, "delete "+string(c.table), func(ctx context.Context, userID string) error {
		return c.g.remote.Delete(ctx, store.Query{Table: c.table, UserID: userID, ID: id})
	})
}

func decodeRows[T any](table store.Table, rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var v T
		if err := decodeRow(table, raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeRow(table store.Table, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s row: %w", table, err)
	}
	return nil
}
