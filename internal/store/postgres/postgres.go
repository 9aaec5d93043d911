package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"daftar/internal/store"
)

// Schema creates the generic record table, its uniqueness rules and the
// change notification trigger. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl     text      NOT NULL,
	id      text      NOT NULL,
	user_id text      NOT NULL,
	seq     bigserial NOT NULL,
	data    jsonb     NOT NULL,
	PRIMARY KEY (tbl, id)
);
CREATE INDEX IF NOT EXISTS records_owner_idx ON records (tbl, user_id);
CREATE UNIQUE INDEX IF NOT EXISTS records_name_uniq ON records (tbl, user_id, (btrim(data->>'name')))
	WHERE tbl IN ('customers', 'suppliers', 'categories');

CREATE OR REPLACE FUNCTION records_notify() RETURNS trigger AS $$
DECLARE
	r records;
BEGIN
	IF TG_OP = 'DELETE' THEN
		r := OLD;
	ELSE
		r := NEW;
	END IF;
	PERFORM pg_notify('` + NotifyChannel + `', json_build_object('table', r.tbl, 'user_id', r.user_id)::text);
	RETURN NULL;
END
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS records_notify ON records;
CREATE TRIGGER records_notify AFTER INSERT OR UPDATE OR DELETE ON records
	FOR EACH ROW EXECUTE FUNCTION records_notify();
`

var columnPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Select(ctx context.Context, q store.Query) ([]json.RawMessage, error) {
	if q.UserID == "" {
		return []json.RawMessage{}, nil
	}
	var (
		b    strings.Builder
		args = []any{string(q.Table), q.UserID}
	)
	b.WriteString(`SELECT data FROM records WHERE tbl = $1 AND user_id = $2`)
	if q.ID != "" {
		args = append(args, q.ID)
		fmt.Fprintf(&b, ` AND id = $%d`, len(args))
	}
	order, err := orderClause(q.Order, q.Desc)
	if err != nil {
		return nil, err
	}
	b.WriteString(order)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0, 32)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, translate(err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, table store.Table, userID string, raw json.RawMessage) (json.RawMessage, error) {
	row, err := store.DecodeRow(raw)
	if err != nil {
		return nil, err
	}
	var created json.RawMessage
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		created, err = insertTx(ctx, tx, table, userID, row)
		return err
	})
	return created, err
}

func (s *Store) Upsert(ctx context.Context, table store.Table, userID string, raw json.RawMessage, onConflict string) (json.RawMessage, error) {
	row, err := store.DecodeRow(raw)
	if err != nil {
		return nil, err
	}
	if onConflict == "" {
		onConflict = "id"
	}
	if !columnPattern.MatchString(onConflict) {
		return nil, store.NewError(store.ErrInvalid, "invalid conflict column %q", onConflict)
	}

	var result json.RawMessage
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		key := row.String(onConflict)
		if onConflict == "user_id" {
			key = userID
		}
		var existingID string
		if key != "" {
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM records
				WHERE tbl = $1 AND user_id = $2 AND data->>'`+onConflict+`' = $3
				ORDER BY seq LIMIT 1
				FOR UPDATE
			`, string(table), userID, key).Scan(&existingID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return translate(err)
			}
		}
		if existingID == "" {
			created, err := insertTx(ctx, tx, table, userID, row)
			result = created
			return err
		}
		patch, err := patchJSON(row)
		if err != nil {
			return err
		}
		var data []byte
		err = tx.QueryRowContext(ctx, `
			UPDATE records SET data = data || $4::jsonb
			WHERE tbl = $1 AND user_id = $2 AND id = $3
			RETURNING data
		`, string(table), userID, existingID, patch).Scan(&data)
		result = data
		return translate(err)
	})
	return result, err
}

func (s *Store) Update(ctx context.Context, q store.Query, raw json.RawMessage) (json.RawMessage, error) {
	row, err := store.DecodeRow(raw)
	if err != nil {
		return nil, err
	}
	if q.UserID == "" {
		return nil, store.NewError(store.ErrUnauthorized, "missing account")
	}
	patch, err := patchJSON(row)
	if err != nil {
		return nil, err
	}

	query := `UPDATE records SET data = data || $3::jsonb WHERE tbl = $1 AND user_id = $2`
	args := []any{string(q.Table), q.UserID, patch}
	if q.ID != "" {
		query += ` AND id = $4`
		args = append(args, q.ID)
	}
	query += ` RETURNING data`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var first json.RawMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, translate(err)
		}
		if first == nil {
			first = data
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	if first == nil {
		return nil, store.NewError(store.ErrNotFound, "%s %s not found", q.Table, q.ID)
	}
	return first, nil
}

func (s *Store) Delete(ctx context.Context, q store.Query) error {
	if q.UserID == "" || q.ID == "" {
		return store.NewError(store.ErrInvalid, "delete requires an account and an id")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var data []byte
		err := tx.QueryRowContext(ctx, `
			SELECT data FROM records WHERE tbl = $1 AND user_id = $2 AND id = $3 FOR UPDATE
		`, string(q.Table), q.UserID, q.ID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NewError(store.ErrNotFound, "%s %s not found", q.Table, q.ID)
		}
		if err != nil {
			return translate(err)
		}
		target, err := store.DecodeRow(data)
		if err != nil {
			return err
		}

		for _, ref := range store.ReferencesTo(q.Table) {
			want := target.String("id")
			if ref.ByName {
				want = target.String("name")
			}
			var referenced bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM records WHERE tbl = $1 AND user_id = $2 AND data->>'`+ref.Column+`' = $3
				)
			`, string(ref.Table), q.UserID, want).Scan(&referenced)
			if err != nil {
				return translate(err)
			}
			if referenced {
				return &store.RemoteError{Status: 409, Code: "23503", Message: fmt.Sprintf("%s %s is referenced by %s", q.Table, q.ID, ref.Table)}
			}
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE tbl = $1 AND user_id = $2 AND id = $3`, string(q.Table), q.UserID, q.ID)
		return translate(err)
	})
}

func (s *Store) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	userID, _ := args["user_uuid"].(string)
	if userID == "" {
		return nil, store.NewError(store.ErrUnauthorized, "missing account")
	}
	var result any
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		switch fn {
		case store.RPCReturnSale:
			id, _ := args["sale_uuid"].(string)
			result, err = returnTx(ctx, tx, store.TableSales, id, userID, 1)
		case store.RPCReturnPurchase:
			id, _ := args["purchase_uuid"].(string)
			result, err = returnTx(ctx, tx, store.TablePurchases, id, userID, -1)
		case store.RPCFinancialSummary:
			result, err = summaryTx(ctx, tx, userID, argTime(args, "p_start_date"), argTime(args, "p_end_date"))
		case store.RPCCreateBackup:
			result, err = backupTx(ctx, tx, userID)
		default:
			err = store.NewError(store.ErrNotFound, "function %s does not exist", fn)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return translate(tx.Commit())
}

func insertTx(ctx context.Context, tx *sql.Tx, table store.Table, userID string, row store.Row) (json.RawMessage, error) {
	if userID == "" {
		return nil, store.NewError(store.ErrUnauthorized, "missing account")
	}
	row = row.Clone()
	row["user_id"] = userID
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if store.UniqueName(table) && strings.TrimSpace(row.String("name")) == "" {
		return nil, store.NewError(store.ErrInvalid, "%s name is required", table)
	}

	if effect, ok := store.StockEffectOf(table, row); ok {
		if err := adjustStockTx(ctx, tx, userID, effect); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (tbl, id, user_id, data) VALUES ($1, $2, $3, $4::jsonb)
	`, string(table), row.String("id"), userID, data)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// adjustStockTx moves the category with the effect's id, falling back to
// the first one carrying its name.
func adjustStockTx(ctx context.Context, tx *sql.Tx, userID string, effect store.StockEffect) error {
	if effect.CategoryID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE records
			SET data = jsonb_set(data, '{stock}', to_jsonb(GREATEST(0, COALESCE((data->>'stock')::int, 0) + $2)))
			WHERE tbl = 'categories' AND user_id = $1 AND id = $3`, userID, effect.Delta, effect.CategoryID)
		if err != nil {
			return translate(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	if effect.CategoryName == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE records
		SET data = jsonb_set(data, '{stock}', to_jsonb(GREATEST(0, COALESCE((data->>'stock')::int, 0) + $2)))
		WHERE tbl = 'categories' AND user_id = $1 AND id = (
			SELECT id FROM records
			WHERE tbl = 'categories' AND user_id = $1 AND data->>'name' = $3
			ORDER BY seq LIMIT 1
		)`, userID, effect.Delta, effect.CategoryName)
	return translate(err)
}

func returnTx(ctx context.Context, tx *sql.Tx, table store.Table, id, userID string, sign int) (store.Row, error) {
	var data []byte
	err := tx.QueryRowContext(ctx, `
		SELECT data FROM records WHERE tbl = $1 AND user_id = $2 AND id = $3 FOR UPDATE
	`, string(table), userID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewError(store.ErrNotFound, "%s %s not found", table, id)
	}
	if err != nil {
		return nil, translate(err)
	}
	row, err := store.DecodeRow(data)
	if err != nil {
		return nil, err
	}
	if row.Bool("is_returned") {
		return nil, store.NewError(store.ErrConflict, "%s %s already returned", table, id)
	}

	row["is_returned"] = true
	row["returned_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	updated, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET data = $4::jsonb WHERE tbl = $1 AND user_id = $2 AND id = $3
	`, string(table), userID, id, updated); err != nil {
		return nil, translate(err)
	}

	effect, _ := store.StockEffectOf(table, row)
	effect.Delta = sign * row.Int("quantity")
	if err := adjustStockTx(ctx, tx, userID, effect); err != nil {
		return nil, err
	}
	return row, nil
}

func summaryTx(ctx context.Context, tx *sql.Tx, userID string, from, to time.Time) (any, error) {
	load := func(table store.Table) ([]store.Row, error) {
		rows, err := tx.QueryContext(ctx, `SELECT data FROM records WHERE tbl = $1 AND user_id = $2`, string(table), userID)
		if err != nil {
			return nil, translate(err)
		}
		defer rows.Close()
		out := make([]store.Row, 0, 64)
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return nil, translate(err)
			}
			row, err := store.DecodeRow(data)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, translate(rows.Err())
	}

	sales, err := load(store.TableSales)
	if err != nil {
		return nil, err
	}
	purchases, err := load(store.TablePurchases)
	if err != nil {
		return nil, err
	}
	expenses, err := load(store.TableExpenses)
	if err != nil {
		return nil, err
	}
	return store.Summarize(from, to, sales, purchases, expenses), nil
}

func backupTx(ctx context.Context, tx *sql.Tx, userID string) (any, error) {
	var payload []byte
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_object_agg(tbl, rows), '{}'::jsonb)
		FROM (
			SELECT tbl, jsonb_agg(data ORDER BY seq) AS rows
			FROM records WHERE user_id = $1 AND tbl <> 'backups'
			GROUP BY tbl
		) grouped
	`, userID).Scan(&payload)
	if err != nil {
		return nil, translate(err)
	}
	created, err := insertTx(ctx, tx, store.TableBackups, userID, store.Row{"payload": string(payload)})
	if err != nil {
		return nil, err
	}
	row, err := store.DecodeRow(created)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": row.String("id"), "created_at": row.String("created_at")}, nil
}

func orderClause(column string, desc bool) (string, error) {
	if column == "" {
		return ` ORDER BY seq`, nil
	}
	if !columnPattern.MatchString(column) {
		return "", store.NewError(store.ErrInvalid, "invalid order column %q", column)
	}
	expr := `data->>'` + column + `'`
	switch column {
	case "date", "created_at", "timestamp", "returned_at":
		expr = `(` + expr + `)::timestamptz`
	}
	direction := " ASC"
	if desc {
		direction = " DESC"
	}
	return ` ORDER BY ` + expr + direction + `, seq`, nil
}

func patchJSON(row store.Row) ([]byte, error) {
	patch := row.Clone()
	delete(patch, "id")
	delete(patch, "user_id")
	return json.Marshal(patch)
}

func argTime(args map[string]any, key string) time.Time {
	v, _ := args[key].(string)
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// translate maps driver errors onto remote errors so the gateway can
// classify them like any other backend.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *store.RemoteError
	if errors.As(err, &remoteErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &store.RemoteError{Status: 409, Code: pgErr.Code, Message: pgErr.Message}
		case "23503":
			return &store.RemoteError{Status: 409, Code: pgErr.Code, Message: pgErr.Message}
		}
		return &store.RemoteError{Status: 400, Code: pgErr.Code, Message: pgErr.Message}
	}
	if isConnectionError(err) {
		return &store.RemoteError{Status: 0, Message: err.Error(), Err: fmt.Errorf("%w: %v", store.ErrUnavailable, err)}
	}
	return err
}

func isConnectionError(err error) bool {
	var netErr net.Error
	var connectErr *pgconn.ConnectError
	return errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &netErr) ||
		errors.As(err, &connectErr) ||
		pgconn.SafeToRetry(err)
}
