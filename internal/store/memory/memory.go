package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"daftar/internal/store"
)

type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpsert Op = "upsert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpCall   Op = "call"
)

// FaultFunc is consulted before every operation; a non-nil result is
// returned to the caller instead of running the operation.
type FaultFunc func(op Op, table store.Table) error

// Store is an in-process authoritative remote. It applies the same server
// rules as the PostgreSQL backend and publishes a change for every write.
type Store struct {
	mu     sync.RWMutex
	tables map[store.Table]map[string]store.Row
	seq    int64
	order  map[string]int64

	subMu sync.Mutex
	subs  map[string][]chan store.Change

	fault FaultFunc
	calls map[Op]int
	now   func() time.Time
}

func New() *Store {
	return &Store{
		tables: make(map[store.Table]map[string]store.Row),
		order:  make(map[string]int64),
		subs:   make(map[string][]chan store.Change),
		calls:  make(map[Op]int),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store with a small demo book for accountID.
func NewSeeded(accountID string) *Store {
	s := New()
	now := s.now()
	seed := []struct {
		table store.Table
		row   store.Row
	}{
		{store.TableCustomers, store.Row{"name": "Ali Saleh", "phone": "777100200"}},
		{store.TableCustomers, store.Row{"name": "Mohammed Nasser", "phone": "733455901"}},
		{store.TableSuppliers, store.Row{"name": "Wadi Farms", "phone": "711908812"}},
		{store.TableCategories, store.Row{"name": "Hamdani", "price": "9000", "currency": "YER", "stock": 40}},
		{store.TableCategories, store.Row{"name": "Sawti", "price": "35", "currency": "SAR", "stock": 25}},
	}
	for _, item := range seed {
		row := item.row.Clone()
		row["created_at"] = now.Format(time.RFC3339Nano)
		if _, err := s.insertLocked(item.table, accountID, row); err != nil {
			panic(fmt.Sprintf("memory: seed %s: %v", item.table, err))
		}
	}
	return s
}

// InjectFault installs fn; pass nil to clear.
func (s *Store) InjectFault(fn FaultFunc) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

// Calls reports how many times op was attempted, faults included.
func (s *Store) Calls(op Op) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// Rows returns a copy of the rows accountID owns in table, in insertion order.
func (s *Store) Rows(table store.Table, accountID string) []store.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownedLocked(table, accountID, "")
}

func (s *Store) enter(op Op, table store.Table) error {
	s.calls[op]++
	if s.fault != nil {
		return s.fault(op, table)
	}
	return nil
}

func (s *Store) Select(_ context.Context, q store.Query) ([]json.RawMessage, error) {
	s.mu.Lock()
	if err := s.enter(OpSelect, q.Table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rows := s.ownedLocked(q.Table, q.UserID, q.ID)
	s.mu.Unlock()

	if q.Order != "" {
		slices.SortStableFunc(rows, func(a, b store.Row) int {
			c := compareValues(a[q.Order], b[q.Order])
			if q.Desc {
				return -c
			}
			return c
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return encodeRows(rows)
}

func (s *Store) Insert(_ context.Context, table store.Table, userID string, raw json.RawMessage) (json.RawMessage, error) {
	row, err := store.DecodeRow(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.enter(OpInsert, table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	created, err := s.insertLocked(table, userID, row)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish(userID, table)
	if effect, ok := store.StockEffectOf(table, created); ok && effect.Delta != 0 {
		s.publish(userID, store.TableCategories)
	}
	return json.Marshal(created)
}

func (s *Store) Upsert(_ context.Context, table store.Table, userID string, raw json.RawMessage, onConflict string) (json.RawMessage, error) {
	row, err := store.DecodeRow(raw)
	if err != nil {
		return nil, err
	}
	if onConflict == "" {
		onConflict = "id"
	}

	s.mu.Lock()
	if err := s.enter(OpUpsert, table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	key := row.String(onConflict)
	if onConflict == "user_id" {
		key = userID
	}
	var existing store.Row
	if key != "" {
		for _, r := range s.ownedLocked(table, userID, "") {
			if r.String(onConflict) == key {
				existing = s.tables[table][r.String("id")]
				break
			}
		}
	}

	var result store.Row
	if existing == nil {
		result, err = s.insertLocked(table, userID, row)
	} else {
		merged := existing.Clone()
		merged.Merge(row)
		if err = s.checkUniqueLocked(table, userID, merged); err == nil {
			s.tables[table][merged.String("id")] = merged
			result = merged.Clone()
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish(userID, table)
	return json.Marshal(result)
}

func (s *Store) Update(_ context.Context, q store.Query, raw json.RawMessage) (json.RawMessage, error) {
	patch, err := store.DecodeRow(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.enter(OpUpdate, q.Table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	targets := s.ownedLocked(q.Table, q.UserID, q.ID)
	if len(targets) == 0 {
		s.mu.Unlock()
		return nil, store.NewError(store.ErrNotFound, "%s %s not found", q.Table, q.ID)
	}
	updated := make([]store.Row, 0, len(targets))
	for _, target := range targets {
		target.Merge(patch)
		if err := s.checkUniqueLocked(q.Table, q.UserID, target); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		updated = append(updated, target)
	}
	for _, row := range updated {
		s.tables[q.Table][row.String("id")] = row
	}
	s.mu.Unlock()

	s.publish(q.UserID, q.Table)
	return json.Marshal(updated[0])
}

func (s *Store) Delete(_ context.Context, q store.Query) error {
	s.mu.Lock()
	if err := s.enter(OpDelete, q.Table); err != nil {
		s.mu.Unlock()
		return err
	}
	if q.ID == "" {
		s.mu.Unlock()
		return store.NewError(store.ErrInvalid, "delete requires an id")
	}
	targets := s.ownedLocked(q.Table, q.UserID, q.ID)
	if len(targets) == 0 {
		s.mu.Unlock()
		return store.NewError(store.ErrNotFound, "%s %s not found", q.Table, q.ID)
	}
	if ref, ok := s.referencedLocked(q.Table, q.UserID, targets[0]); ok {
		s.mu.Unlock()
		return &store.RemoteError{Status: 409, Code: "23503", Message: fmt.Sprintf("%s %s is referenced by %s", q.Table, q.ID, ref)}
	}
	delete(s.tables[q.Table], q.ID)
	s.mu.Unlock()

	s.publish(q.UserID, q.Table)
	return nil
}

func (s *Store) Call(_ context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	if err := s.enter(OpCall, store.Table(fn)); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	userID := argString(args, "user_uuid")
	var (
		result  any
		err     error
		changed []store.Table
	)
	switch fn {
	case store.RPCReturnSale:
		result, err = s.returnLocked(store.TableSales, argString(args, "sale_uuid"), userID, 1)
		changed = []store.Table{store.TableSales, store.TableCategories}
	case store.RPCReturnPurchase:
		result, err = s.returnLocked(store.TablePurchases, argString(args, "purchase_uuid"), userID, -1)
		changed = []store.Table{store.TablePurchases, store.TableCategories}
	case store.RPCFinancialSummary:
		from, to := argTime(args, "p_start_date"), argTime(args, "p_end_date")
		result = store.Summarize(from, to,
			s.ownedLocked(store.TableSales, userID, ""),
			s.ownedLocked(store.TablePurchases, userID, ""),
			s.ownedLocked(store.TableExpenses, userID, ""))
	case store.RPCCreateBackup:
		result, err = s.backupLocked(userID)
		changed = []store.Table{store.TableBackups}
	default:
		err = store.NewError(store.ErrNotFound, "function %s does not exist", fn)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, table := range changed {
		s.publish(userID, table)
	}
	return json.Marshal(result)
}

// Subscribe delivers a change for every write to accountID's rows. Changes a
// slow subscriber has not taken yet are merged by store.Deliver.
func (s *Store) Subscribe(ctx context.Context, accountID string) (<-chan store.Change, error) {
	ch := make(chan store.Change, 1)
	s.subMu.Lock()
	s.subs[accountID] = append(s.subs[accountID], ch)
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subs[accountID]
		for i, c := range subs {
			if c == ch {
				s.subs[accountID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (s *Store) publish(accountID string, table store.Table) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[accountID] {
		store.Deliver(ch, store.Change{Table: table})
	}
}

func (s *Store) insertLocked(table store.Table, userID string, row store.Row) (store.Row, error) {
	if userID == "" {
		return nil, store.NewError(store.ErrUnauthorized, "missing account")
	}
	row = row.Clone()
	row["user_id"] = userID
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = s.now().Format(time.RFC3339Nano)
	}
	id := row.String("id")
	if _, exists := s.tables[table][id]; exists {
		return nil, &store.RemoteError{Status: 409, Code: "23505", Message: fmt.Sprintf("%s %s already exists", table, id)}
	}
	if err := s.checkUniqueLocked(table, userID, row); err != nil {
		return nil, err
	}
	if effect, ok := store.StockEffectOf(table, row); ok {
		s.adjustStockLocked(userID, effect)
	}
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]store.Row)
	}
	s.tables[table][id] = row
	s.seq++
	s.order[id] = s.seq
	return row.Clone(), nil
}

func (s *Store) checkUniqueLocked(table store.Table, userID string, row store.Row) error {
	if !store.UniqueName(table) {
		return nil
	}
	name := strings.TrimSpace(row.String("name"))
	if name == "" {
		return store.NewError(store.ErrInvalid, "%s name is required", table)
	}
	for _, other := range s.tables[table] {
		if other.String("user_id") != userID || other.String("id") == row.String("id") {
			continue
		}
		if strings.TrimSpace(other.String("name")) == name {
			return &store.RemoteError{Status: 409, Code: "23505", Message: fmt.Sprintf("duplicate %s name %q", table, name)}
		}
	}
	return nil
}

func (s *Store) referencedLocked(table store.Table, userID string, target store.Row) (store.Table, bool) {
	for _, ref := range store.ReferencesTo(table) {
		want := target.String("id")
		if ref.ByName {
			want = target.String("name")
		}
		for _, r := range s.tables[ref.Table] {
			if r.String("user_id") == userID && r.String(ref.Column) == want {
				return ref.Table, true
			}
		}
	}
	return "", false
}

func (s *Store) adjustStockLocked(userID string, effect store.StockEffect) {
	var owned []store.Row
	for _, c := range s.tables[store.TableCategories] {
		if c.String("user_id") == userID {
			owned = append(owned, c)
		}
	}
	c, ok := effect.TargetCategory(owned)
	if !ok {
		return
	}
	updated := c.Clone()
	updated["stock"] = store.ApplyStock(c.Int("stock"), effect.Delta)
	s.tables[store.TableCategories][c.String("id")] = updated
}

// returnLocked marks a transaction returned and moves its quantity back
// (sign 1) or out of (sign -1) stock.
func (s *Store) returnLocked(table store.Table, id, userID string, sign int) (store.Row, error) {
	rows := s.ownedLocked(table, userID, id)
	if len(rows) == 0 {
		return nil, store.NewError(store.ErrNotFound, "%s %s not found", table, id)
	}
	row := rows[0]
	if row.Bool("is_returned") {
		return nil, store.NewError(store.ErrConflict, "%s %s already returned", table, id)
	}
	row["is_returned"] = true
	row["returned_at"] = s.now().Format(time.RFC3339Nano)
	s.tables[table][id] = row

	effect, _ := store.StockEffectOf(table, row)
	effect.Delta = sign * row.Int("quantity")
	s.adjustStockLocked(userID, effect)
	return row.Clone(), nil
}

func (s *Store) backupLocked(userID string) (map[string]any, error) {
	if userID == "" {
		return nil, store.NewError(store.ErrUnauthorized, "missing account")
	}
	payload := make(map[string][]store.Row)
	for table := range s.tables {
		if table == store.TableBackups {
			continue
		}
		payload[string(table)] = s.ownedLocked(table, userID, "")
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	backup, err := s.insertLocked(store.TableBackups, userID, store.Row{"payload": string(blob)})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": backup.String("id"), "created_at": backup.String("created_at")}, nil
}

// ownedLocked returns clones of the rows userID owns in table, optionally
// narrowed to id, in insertion order.
func (s *Store) ownedLocked(table store.Table, userID, id string) []store.Row {
	out := make([]store.Row, 0)
	if userID == "" {
		return out
	}
	for rowID, r := range s.tables[table] {
		if r.String("user_id") != userID || (id != "" && rowID != id) {
			continue
		}
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b store.Row) int {
		return int(s.order[a.String("id")] - s.order[b.String("id")])
	})
	return out
}

func encodeRows(rows []store.Row) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv, _ := b.(string)
		at, aErr := time.Parse(time.RFC3339Nano, av)
		bt, bErr := time.Parse(time.RFC3339Nano, bv)
		if aErr == nil && bErr == nil {
			return at.Compare(bt)
		}
		return strings.Compare(av, bv)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argTime(args map[string]any, key string) time.Time {
	switch v := args[key].(type) {
	case time.Time:
		return v
	case string:
		t, _ := time.Parse(time.RFC3339Nano, v)
		return t
	}
	return time.Time{}
}
