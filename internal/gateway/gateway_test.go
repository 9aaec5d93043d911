package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daftar/internal/domain"
	"daftar/internal/store"
	"daftar/internal/store/memory"
)

type countingSession struct {
	mu        sync.Mutex
	userID    string
	refreshes int
	refreshFn func() error
}

func (s *countingSession) UserID(context.Context) (string, error) {
	return s.userID, nil
}

func (s *countingSession) Refresh(context.Context) error {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	if s.refreshFn != nil {
		return s.refreshFn()
	}
	return nil
}

type retryLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *retryLog) record(_ string, _ int, _ error, d time.Duration) {
	l.mu.Lock()
	l.delays = append(l.delays, d)
	l.mu.Unlock()
}

func newTestGateway(t *testing.T) (*Gateway, *memory.Store, *countingSession, *retryLog) {
	t.Helper()
	remote := memory.New()
	sess := &countingSession{userID: "acct-1"}
	log := &retryLog{}
	g := New(remote, sess, Config{
		Retries:      3,
		InitialDelay: time.Millisecond,
		RefreshDelay: time.Millisecond,
		OnRetry:      log.record,
	}, nil)
	return g, remote, sess, log
}

// failN returns a fault that yields err for the first n calls of op.
func failN(op memory.Op, n int, err error) memory.FaultFunc {
	var mu sync.Mutex
	remaining := n
	return func(got memory.Op, _ store.Table) error {
		mu.Lock()
		defer mu.Unlock()
		if got != op || remaining == 0 {
			return nil
		}
		if remaining > 0 {
			remaining--
		}
		return err
	}
}

func TestRetryTerminatesAfterBudgetWithGrowingDelays(t *testing.T) {
	g, remote, _, log := newTestGateway(t)
	remote.InjectFault(failN(memory.OpSelect, -1, &store.RemoteError{Status: 503, Message: "maintenance"}))

	_, err := g.Customers().List(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Equal(t, 4, remote.Calls(memory.OpSelect))

	require.Len(t, log.delays, 3)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, log.delays)
}

func TestTransientFailureThenSuccess(t *testing.T) {
	g, remote, _, _ := newTestGateway(t)
	remote.InjectFault(failN(memory.OpInsert, 2, &store.RemoteError{Status: 0, Message: "connection reset", Err: store.ErrUnavailable}))

	created, err := g.Customers().Insert(context.Background(), domain.Party{Name: "Ali"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acct-1", created.UserID)
	assert.Equal(t, 3, remote.Calls(memory.OpInsert))
	assert.Len(t, remote.Rows(store.TableCustomers, "acct-1"), 1)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	g, remote, _, log := newTestGateway(t)
	remote.InjectFault(failN(memory.OpSelect, -1, &store.RemoteError{Status: 400, Message: "bad filter"}))

	_, err := g.Sales().List(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, remote.Calls(memory.OpSelect))
	assert.Empty(t, log.delays)
}

func TestAuthRefreshYieldsSingleSuccess(t *testing.T) {
	g, remote, sess, _ := newTestGateway(t)
	remote.InjectFault(failN(memory.OpInsert, 1, &store.RemoteError{Status: 401, Message: "JWT expired"}))

	_, err := g.Expenses().Insert(context.Background(), domain.Expense{
		Title:    "Rent",
		Amount:   decimal.NewFromInt(100),
		Currency: domain.CurrencyYER,
		Date:     time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.refreshes)
	assert.Equal(t, 2, remote.Calls(memory.OpInsert))
	assert.Len(t, remote.Rows(store.TableExpenses, "acct-1"), 1)
}

func TestSecondAuthFailureIsFatal(t *testing.T) {
	g, remote, sess, _ := newTestGateway(t)
	remote.InjectFault(failN(memory.OpDelete, -1, &store.RemoteError{Status: 401, Message: "JWT expired"}))

	err := g.Waste().Delete(context.Background(), "w1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthExpired))
	assert.Equal(t, 1, sess.refreshes)
	assert.Equal(t, 2, remote.Calls(memory.OpDelete))
}

func TestFailedRefreshIsFatal(t *testing.T) {
	g, remote, sess, _ := newTestGateway(t)
	sess.refreshFn = func() error { return errors.New("refresh token revoked") }
	remote.InjectFault(failN(memory.OpSelect, -1, &store.RemoteError{Status: 401}))

	_, err := g.Vouchers().List(context.Background())
	assert.True(t, errors.Is(err, ErrAuthExpired))
	assert.Equal(t, 1, remote.Calls(memory.OpSelect))
}

func TestEnsureAccountExistsIsIdempotent(t *testing.T) {
	g, remote, _, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.EnsureAccountExists(ctx, "acct-1", domain.Profile{Email: "owner@example.com"}))
	require.NoError(t, g.EnsureAccountExists(ctx, "acct-1", domain.Profile{Email: "owner@example.com"}))

	assert.Len(t, remote.Rows(store.TableProfiles, "acct-1"), 1)
	assert.Len(t, remote.Rows(store.TableSettings, "acct-1"), 1)

	account, err := g.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", account.Profile.Email)
	assert.Equal(t, "light", account.Settings.Theme)
	assert.True(t, account.Settings.ExchangeRates.Rates[domain.CurrencySAR].Equal(decimal.NewFromInt(430)))
}

func TestEnsureAccountExistsRepairsMissingSettings(t *testing.T) {
	g, remote, _, _ := newTestGateway(t)
	ctx := context.Background()
	_, err := remote.Upsert(ctx, store.TableProfiles, "acct-1", json.RawMessage(`{"id":"acct-1"}`), "user_id")
	require.NoError(t, err)

	require.NoError(t, g.EnsureAccountExists(ctx, "acct-1", domain.Profile{}))
	assert.Len(t, remote.Rows(store.TableProfiles, "acct-1"), 1)
	assert.Len(t, remote.Rows(store.TableSettings, "acct-1"), 1)
}

func TestEnsureAccountExistsRejectsForeignAccount(t *testing.T) {
	g, remote, _, _ := newTestGateway(t)

	err := g.EnsureAccountExists(context.Background(), "someone-else", domain.Profile{})
	assert.True(t, errors.Is(err, ErrAccountMismatch))
	assert.Empty(t, remote.Rows(store.TableProfiles, "someone-else"))
}

func TestOwnershipFilterOnWrites(t *testing.T) {
	g, remote, _, _ := newTestGateway(t)
	ctx := context.Background()
	raw, err := remote.Insert(ctx, store.TableCustomers, "acct-2", json.RawMessage(`{"name":"Foreign"}`))
	require.NoError(t, err)
	foreign, _ := store.DecodeRow(raw)

	err = g.Customers().Delete(ctx, foreign.String("id"))
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = g.Customers().Update(ctx, foreign.String("id"), map[string]any{"name": "Mine"})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	rows := remote.Rows(store.TableCustomers, "acct-2")
	require.Len(t, rows, 1)
	assert.Equal(t, "Foreign", rows[0].String("name"))

	list, err := g.Customers().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReturnSaleAndSummary(t *testing.T) {
	g, remote, _, _ := newTestGateway(t)
	ctx := context.Background()

	_, err := g.Categories().Insert(ctx, domain.Category{Name: "Hamdani", Currency: "YER", Stock: 10})
	require.NoError(t, err)
	sale, err := g.Sales().Insert(ctx, domain.Sale{
		CustomerID:   "c1",
		CategoryName: "Hamdani",
		Quantity:     2,
		UnitPrice:    decimal.NewFromInt(50),
		Total:        decimal.NewFromInt(100),
		Currency:     "YER",
		Status:       domain.PaymentCredit,
		Date:         time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 8, remote.Rows(store.TableCategories, "acct-1")[0].Int("stock"))

	require.NoError(t, g.ReturnSale(ctx, sale.ID))
	assert.Equal(t, 10, remote.Rows(store.TableCategories, "acct-1")[0].Int("stock"))

	summary, err := g.FinancialSummary(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, summary)

	backup, err := g.CreateCloudBackup(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, backup.ID)
}
