package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daftar/internal/cache"
	"daftar/internal/domain"
	"daftar/internal/gateway"
	"daftar/internal/session"
	"daftar/internal/store"
	"daftar/internal/store/memory"
)

const account = "acct-1"

type recordingObserver struct {
	mu            sync.Mutex
	notifications []domain.Notification
	changes       int
}

func (o *recordingObserver) SnapshotChanged(Snapshot) {
	o.mu.Lock()
	o.changes++
	o.mu.Unlock()
}

func (o *recordingObserver) Notify(n domain.Notification) {
	o.mu.Lock()
	o.notifications = append(o.notifications, n)
	o.mu.Unlock()
}

func (o *recordingObserver) last() domain.Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.notifications) == 0 {
		return domain.Notification{}
	}
	return o.notifications[len(o.notifications)-1]
}

type fixture struct {
	co       *Coordinator
	remote   *memory.Store
	cache    *cache.Memory
	observer *recordingObserver
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	remote := memory.NewSeeded(account)
	c := cache.NewMemory()
	gw := gateway.New(remote, session.NewStatic(account), gateway.Config{
		Retries:      1,
		InitialDelay: time.Millisecond,
		RefreshDelay: time.Millisecond,
	}, nil)
	obs := &recordingObserver{}
	opts.Observer = obs
	opts.SerializeMutations = true
	co := New(context.Background(), gw, c, opts)
	require.NoError(t, co.Reload(context.Background(), account))
	return fixture{co: co, remote: remote, cache: c, observer: obs}
}

func failTable(op memory.Op, table store.Table, err error) memory.FaultFunc {
	return func(got memory.Op, tbl store.Table) error {
		if got == op && tbl == table {
			return err
		}
		return nil
	}
}

func category(t *testing.T, snap Snapshot, name string) domain.Category {
	t.Helper()
	for _, c := range snap.Categories {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("category %q not in snapshot", name)
	return domain.Category{}
}

func TestReloadLoadsBookAndStartsOfflineFromCache(t *testing.T) {
	f := newFixture(t, Options{})

	snap := f.co.Snapshot()
	assert.Len(t, snap.Customers, 2)
	assert.Len(t, snap.Suppliers, 1)
	assert.Len(t, snap.Categories, 2)
	assert.False(t, snap.ConnectionError)
	assert.False(t, snap.IsLoading)
	assert.Equal(t, StateLoaded, snap.States[store.TableCustomers])
	assert.True(t, snap.ExchangeRates.Rates[domain.CurrencySAR].Equal(decimal.NewFromInt(430)))
	assert.Len(t, f.remote.Rows(store.TableSettings, account), 1)

	// A second process with no network still sees the book.
	offline := New(context.Background(), nil, f.cache, Options{})
	cached := offline.Snapshot()
	assert.Len(t, cached.Customers, 2)
	assert.Len(t, cached.Categories, 2)
	assert.Equal(t, StateIdle, cached.States[store.TableCustomers])
}

func TestReloadKeepsLastGoodValueOnPartialFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.remote.Insert(ctx, store.TableSuppliers, account, []byte(`{"name":"Haraz Traders"}`))
	require.NoError(t, err)
	_, err = f.remote.Insert(ctx, store.TableCustomers, account, []byte(`{"name":"Late Customer"}`))
	require.NoError(t, err)

	f.remote.InjectFault(failTable(memory.OpSelect, store.TableCustomers, &store.RemoteError{Status: 503}))
	err = f.co.Reload(ctx, account)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	snap := f.co.Snapshot()
	assert.True(t, snap.ConnectionError)
	assert.Len(t, snap.Customers, 2, "failed collection keeps its last good value")
	assert.Len(t, snap.Suppliers, 2, "sibling collections still load")
	assert.Equal(t, StateError, snap.States[store.TableCustomers])
	assert.Equal(t, StateLoaded, snap.States[store.TableSuppliers])

	f.remote.InjectFault(nil)
	require.NoError(t, f.co.Reload(ctx, account))
	snap = f.co.Snapshot()
	assert.False(t, snap.ConnectionError)
	assert.Len(t, snap.Customers, 3)
}

func TestReloadWhileLoadingIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.InjectFault(func(op memory.Op, table store.Table) error {
		if op == memory.OpSelect && table == store.TableCustomers {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- f.co.Reload(ctx, account) }()
	<-started

	assert.True(t, f.co.IsLoading())
	assert.NoError(t, f.co.Reload(ctx, account))
	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.co.IsLoading())
}

func TestStockFollowsTransactionsAndReturns(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	snap := f.co.Snapshot()
	customer, supplier := snap.Customers[0], snap.Suppliers[0]
	require.Equal(t, 40, category(t, snap, "Hamdani").Stock)

	sale, err := f.co.AddSale(ctx, domain.Sale{
		CustomerID:   customer.ID,
		CategoryName: "Hamdani",
		Quantity:     5,
		UnitPrice:    decimal.NewFromInt(9000),
		Currency:     domain.CurrencyYER,
		Status:       domain.PaymentCredit,
	})
	require.NoError(t, err)
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(45000)))
	assert.Equal(t, customer.Name, sale.CustomerName)
	assert.NotEmpty(t, sale.CategoryID)
	assert.Equal(t, 35, category(t, f.co.Snapshot(), "Hamdani").Stock)

	require.NoError(t, f.co.ReturnSale(ctx, sale.ID))
	assert.Equal(t, 40, category(t, f.co.Snapshot(), "Hamdani").Stock)

	purchase, err := f.co.AddPurchase(ctx, domain.Purchase{
		SupplierID:   supplier.ID,
		CategoryName: "Hamdani",
		Quantity:     10,
		UnitPrice:    decimal.NewFromInt(7000),
		Currency:     domain.CurrencyYER,
		Status:       domain.PaymentCash,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, category(t, f.co.Snapshot(), "Hamdani").Stock)

	require.NoError(t, f.co.ReturnPurchase(ctx, purchase.ID))
	assert.Equal(t, 40, category(t, f.co.Snapshot(), "Hamdani").Stock)

	_, err = f.co.AddWaste(ctx, domain.Waste{CategoryName: "Hamdani", Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 37, category(t, f.co.Snapshot(), "Hamdani").Stock)

	// The local projection agrees with the remote after a reload.
	require.NoError(t, f.co.Reload(ctx, account))
	assert.Equal(t, 37, category(t, f.co.Snapshot(), "Hamdani").Stock)
	returned := f.co.Snapshot().Sales[0]
	assert.True(t, returned.IsReturned)
}

func TestStaleCategoryIDFallsBackToName(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	snap := f.co.Snapshot()
	customer := snap.Customers[0]

	// Recorded against a category that was later re-created under the same name.
	raw, err := f.remote.Insert(ctx, store.TableSales, account, []byte(`{"customer_id":"`+customer.ID+
		`","category_id":"retired-category","category_name":"Hamdani","quantity":4,"unit_price":"100","total":"400","currency":"YER","status":"cash"}`))
	require.NoError(t, err)
	row, err := store.DecodeRow(raw)
	require.NoError(t, err)

	require.NoError(t, f.co.Reload(ctx, account))
	assert.Equal(t, 36, category(t, f.co.Snapshot(), "Hamdani").Stock)

	require.NoError(t, f.co.ReturnSale(ctx, row.String("id")))
	assert.Equal(t, 40, category(t, f.co.Snapshot(), "Hamdani").Stock)

	sale, err := f.co.AddSale(ctx, domain.Sale{
		CustomerID:   customer.ID,
		CategoryID:   "retired-category",
		CategoryName: "Hamdani",
		Quantity:     2,
		UnitPrice:    decimal.NewFromInt(100),
		Currency:     domain.CurrencyYER,
		Status:       domain.PaymentCash,
	})
	require.NoError(t, err)
	assert.Equal(t, category(t, f.co.Snapshot(), "Hamdani").ID, sale.CategoryID)
	assert.Equal(t, 38, category(t, f.co.Snapshot(), "Hamdani").Stock)

	_, ok := findCategory(f.co.Snapshot().Categories, "retired-category", "")
	assert.False(t, ok)
}

func TestReturnPurchaseClampsStockAtZero(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	snap := f.co.Snapshot()

	purchase, err := f.co.AddPurchase(ctx, domain.Purchase{
		SupplierID:   snap.Suppliers[0].ID,
		CategoryName: "Sawti",
		Quantity:     5,
		UnitPrice:    decimal.NewFromInt(20),
		Currency:     domain.CurrencySAR,
		Status:       domain.PaymentCredit,
	})
	require.NoError(t, err)
	_, err = f.co.AddSale(ctx, domain.Sale{
		CustomerID:   snap.Customers[0].ID,
		CategoryName: "Sawti",
		Quantity:     30,
		UnitPrice:    decimal.NewFromInt(35),
		Currency:     domain.CurrencySAR,
		Status:       domain.PaymentCash,
	})
	require.NoError(t, err)
	require.Equal(t, 0, category(t, f.co.Snapshot(), "Sawti").Stock)

	require.NoError(t, f.co.ReturnPurchase(ctx, purchase.ID))
	assert.Equal(t, 0, category(t, f.co.Snapshot(), "Sawti").Stock)
}

func TestReturnIsOneWay(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	snap := f.co.Snapshot()

	sale, err := f.co.AddSale(ctx, domain.Sale{
		CustomerID:   snap.Customers[0].ID,
		CategoryName: "Hamdani",
		Quantity:     1,
		UnitPrice:    decimal.NewFromInt(9000),
		Currency:     domain.CurrencyYER,
		Status:       domain.PaymentCredit,
	})
	require.NoError(t, err)
	require.NoError(t, f.co.ReturnSale(ctx, sale.ID))
	calls := f.remote.Calls(memory.OpCall)

	require.NoError(t, f.co.ReturnSale(ctx, sale.ID))
	assert.Equal(t, calls, f.remote.Calls(memory.OpCall), "second return never reaches the remote")
	assert.Equal(t, 40, category(t, f.co.Snapshot(), "Hamdani").Stock)

	err = f.co.ReturnSale(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestVoucherEditHistoryKeepsNewestFive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	customer := f.co.Snapshot().Customers[0]

	v, err := f.co.AddVoucher(ctx, domain.Voucher{
		Type:      domain.VoucherReceipt,
		PartyID:   customer.ID,
		PartyKind: domain.PartyCustomer,
		Amount:    decimal.NewFromInt(1),
		Currency:  domain.CurrencyYER,
	})
	require.NoError(t, err)
	assert.Equal(t, customer.Name, v.PartyName)

	for amount := int64(2); amount <= 7; amount++ {
		a := decimal.NewFromInt(amount)
		v, err = f.co.UpdateVoucher(ctx, v.ID, domain.VoucherUpdate{Amount: &a})
		require.NoError(t, err)
	}

	require.Len(t, v.EditHistory, domain.MaxVoucherEdits)
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(7)))
	for i, want := range []int64{6, 5, 4, 3, 2} {
		assert.True(t, v.EditHistory[i].PreviousAmount.Equal(decimal.NewFromInt(want)), "entry %d", i)
	}
	stored := f.co.Snapshot().Vouchers[0]
	assert.Len(t, stored.EditHistory, domain.MaxVoucherEdits)
}

func TestDuplicateNamesAreRejectedLocally(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.co.AddCustomer(ctx, domain.Party{Name: "  Ali Saleh "})
	assert.True(t, errors.Is(err, ErrDuplicateName))
	assert.Len(t, f.remote.Rows(store.TableCustomers, account), 2)

	_, err = f.co.SaveCategory(ctx, domain.Category{Name: "Sawti", Currency: "SAR", Price: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, ErrDuplicateName))

	// Saving an existing category by id is an edit, not a duplicate.
	sawti := category(t, f.co.Snapshot(), "Sawti")
	sawti.Price = decimal.NewFromInt(40)
	saved, err := f.co.SaveCategory(ctx, sawti)
	require.NoError(t, err)
	assert.True(t, saved.Price.Equal(decimal.NewFromInt(40)))
	assert.Len(t, f.co.Snapshot().Categories, 2)

	supplier, err := f.co.AddSupplier(ctx, domain.Party{Name: "Ali Saleh"})
	require.NoError(t, err, "names are unique per party kind")
	assert.Equal(t, "Ali Saleh", supplier.Name)
}

func TestFailedMutationLeavesBookUntouched(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	snap := f.co.Snapshot()
	f.remote.InjectFault(failTable(memory.OpInsert, store.TableSales, &store.RemoteError{Status: 503}))

	_, err := f.co.AddSale(ctx, domain.Sale{
		CustomerID:   snap.Customers[0].ID,
		CategoryName: "Hamdani",
		Quantity:     2,
		UnitPrice:    decimal.NewFromInt(9000),
		Currency:     domain.CurrencyYER,
		Status:       domain.PaymentCredit,
	})
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))

	after := f.co.Snapshot()
	assert.Empty(t, after.Sales)
	assert.Equal(t, 40, category(t, after, "Hamdani").Stock)
	assert.Equal(t, domain.NotificationWarning, f.observer.last().Type)

	cached := cache.Read(ctx, f.cache, cache.KeySales, []domain.Sale{{ID: "sentinel"}}, nil)
	assert.Empty(t, cached)
}

func TestInvalidInputNeverReachesRemote(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	before := len(f.remote.Rows(store.TableExpenses, account))

	_, err := f.co.AddExpense(ctx, domain.Expense{Title: "Rent", Amount: decimal.NewFromInt(-5), Currency: "YER"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = f.co.AddSale(ctx, domain.Sale{CategoryName: "Hamdani", Quantity: 0, Currency: "YER", Status: domain.PaymentCash})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Len(t, f.remote.Rows(store.TableExpenses, account), before)
}

func TestRejectPolicyRefusesOversell(t *testing.T) {
	f := newFixture(t, Options{StockPolicy: StockReject})
	ctx := context.Background()

	_, err := f.co.AddWaste(ctx, domain.Waste{CategoryName: "Sawti", Quantity: 26})
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.Empty(t, f.remote.Rows(store.TableWaste, account))
	assert.Equal(t, 25, category(t, f.co.Snapshot(), "Sawti").Stock)
}

func TestDeleteReferencedPartyFails(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	customer := f.co.Snapshot().Customers[0]

	_, err := f.co.AddSale(ctx, domain.Sale{
		CustomerID:   customer.ID,
		CategoryName: "Hamdani",
		Quantity:     1,
		UnitPrice:    decimal.NewFromInt(9000),
		Currency:     domain.CurrencyYER,
		Status:       domain.PaymentCredit,
	})
	require.NoError(t, err)

	err = f.co.Delete(ctx, store.TableCustomers, customer.ID)
	assert.True(t, errors.Is(err, ErrPartyInUse))
	assert.Len(t, f.co.Snapshot().Customers, 2)

	other := f.co.Snapshot().Customers[1]
	require.NoError(t, f.co.Delete(ctx, store.TableCustomers, other.ID))
	assert.Len(t, f.co.Snapshot().Customers, 1)

	err = f.co.Delete(ctx, store.TableNotifications, "n1")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestBalancesComeFromTheBook(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	customer := f.co.Snapshot().Customers[0]

	_, err := f.co.AddSale(ctx, domain.Sale{
		CustomerID:   customer.ID,
		CategoryName: "Hamdani",
		Quantity:     2,
		UnitPrice:    decimal.NewFromInt(50),
		Currency:     domain.CurrencyYER,
		Status:       domain.PaymentCredit,
	})
	require.NoError(t, err)
	_, err = f.co.AddVoucher(ctx, domain.Voucher{
		Type:      domain.VoucherReceipt,
		PartyID:   customer.ID,
		PartyKind: domain.PartyCustomer,
		Amount:    decimal.NewFromInt(30),
		Currency:  domain.CurrencyYER,
	})
	require.NoError(t, err)

	balances := f.co.CustomerBalances(customer.ID)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Amount.Equal(decimal.NewFromInt(70)))

	budget := f.co.BudgetSummary()
	require.Len(t, budget, 1)
	assert.True(t, budget[0].Assets.Equal(decimal.NewFromInt(70)))
	assert.Empty(t, f.co.SupplierBalances(f.co.Snapshot().Suppliers[0].ID))
}

func TestOpeningBalanceWritesThroughAndSurvivesRestart(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	customer := f.co.Snapshot().Customers[0]

	saved, err := f.co.AddOpeningBalance(ctx, domain.OpeningBalance{
		PartyID:   customer.ID,
		PartyKind: domain.PartyCustomer,
		Amount:    decimal.NewFromInt(1200),
		Currency:  domain.CurrencySAR,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, customer.Name, saved.PartyName)
	assert.False(t, saved.Date.IsZero())
	assert.Len(t, f.remote.Rows(store.TableOpeningBalances, account), 1)
	require.Len(t, f.co.Snapshot().OpeningBalances, 1)
	assert.Empty(t, f.co.CustomerBalances(customer.ID))

	_, err = f.co.AddOpeningBalance(ctx, domain.OpeningBalance{
		PartyID:   "missing",
		PartyKind: domain.PartySupplier,
		Amount:    decimal.NewFromInt(5),
		Currency:  domain.CurrencyYER,
	})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.co.AddOpeningBalance(ctx, domain.OpeningBalance{
		PartyID:   customer.ID,
		PartyKind: domain.PartyCustomer,
		Currency:  domain.CurrencyYER,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Len(t, f.remote.Rows(store.TableOpeningBalances, account), 1)

	// The party is now referenced and cannot be deleted.
	assert.ErrorIs(t, f.co.Delete(ctx, store.TableCustomers, customer.ID), ErrPartyInUse)

	offline := New(ctx, nil, f.cache, Options{})
	require.Len(t, offline.Snapshot().OpeningBalances, 1)
	assert.True(t, offline.Snapshot().OpeningBalances[0].Amount.Equal(decimal.NewFromInt(1200)))

	require.NoError(t, f.co.Delete(ctx, store.TableOpeningBalances, saved.ID))
	assert.Empty(t, f.co.Snapshot().OpeningBalances)
	assert.Empty(t, f.remote.Rows(store.TableOpeningBalances, account))
}

func TestExpenseCategoriesStayLocal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	assert.Equal(t, domain.DefaultExpenseCategories, f.co.Snapshot().ExpenseCategories)

	list, err := f.co.AddExpenseCategory(ctx, "  Transport ")
	require.NoError(t, err)
	assert.Equal(t, "Transport", list[len(list)-1])

	_, err = f.co.AddExpenseCategory(ctx, "Rent")
	assert.ErrorIs(t, err, ErrDuplicateName)
	_, err = f.co.AddExpenseCategory(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	offline := New(ctx, nil, f.cache, Options{})
	assert.Contains(t, offline.Snapshot().ExpenseCategories, "Transport")
	assert.Len(t, offline.Snapshot().ExpenseCategories, len(domain.DefaultExpenseCategories)+1)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	agency := "Al Noor Trading"

	profile, err := f.co.UpdateProfile(ctx, domain.ProfileUpdate{AgencyName: &agency})
	require.NoError(t, err)
	assert.Equal(t, agency, profile.AgencyName)
	assert.Equal(t, agency, f.co.Snapshot().Account.Profile.AgencyName)
	assert.Equal(t, agency, f.remote.Rows(store.TableProfiles, account)[0].String("agency_name"))

	bad := "not-an-email"
	_, err = f.co.UpdateProfile(ctx, domain.ProfileUpdate{Email: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, f.co.Reload(ctx, account))
	assert.Equal(t, agency, f.co.Snapshot().Account.Profile.AgencyName)
}

func TestSpawnExpenseFromTemplate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tmpl, err := f.co.AddExpenseTemplate(ctx, domain.ExpenseTemplate{
		Title:     "Shop rent",
		Category:  "rent",
		Amount:    decimal.NewFromInt(50000),
		Currency:  domain.CurrencyYER,
		Frequency: "monthly",
	})
	require.NoError(t, err)

	expense, err := f.co.SpawnExpense(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Shop rent", expense.Title)
	assert.True(t, expense.Amount.Equal(decimal.NewFromInt(50000)))
	assert.False(t, expense.Date.IsZero())
	assert.Len(t, f.co.Snapshot().ExpenseTemplates, 1, "spawning leaves the template in place")

	_, err = f.co.SpawnExpense(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateExchangeRatesPersists(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	rates := domain.ExchangeRates{Base: domain.CurrencyYER, Rates: map[string]decimal.Decimal{
		domain.CurrencySAR: decimal.NewFromInt(440),
		domain.CurrencyOMR: decimal.NewFromInt(1150),
	}}
	require.NoError(t, f.co.UpdateExchangeRates(ctx, rates))

	snap := f.co.Snapshot()
	assert.True(t, snap.ExchangeRates.Rates[domain.CurrencyOMR].Equal(decimal.NewFromInt(1150)))
	assert.True(t, snap.Account.Settings.ExchangeRates.Rates[domain.CurrencySAR].Equal(decimal.NewFromInt(440)))

	cached := cache.Read(ctx, f.cache, cache.KeyExchangeRates, domain.ExchangeRates{}, nil)
	assert.True(t, cached.Rates[domain.CurrencySAR].Equal(decimal.NewFromInt(440)))

	bad := domain.ExchangeRates{Rates: map[string]decimal.Decimal{domain.CurrencySAR: decimal.Zero}}
	assert.True(t, errors.Is(f.co.UpdateExchangeRates(ctx, bad), ErrInvalidInput))
}

func TestMutationsAuditAndNotify(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.co.AddCustomer(ctx, domain.Party{Name: "Saeed"})
	require.NoError(t, err)

	snap := f.co.Snapshot()
	require.NotEmpty(t, snap.ActivityLogs)
	assert.Equal(t, "add customer", snap.ActivityLogs[0].Action)
	require.NotEmpty(t, snap.Notifications)
	assert.Equal(t, domain.NotificationSuccess, snap.Notifications[0].Type)
	assert.Len(t, f.remote.Rows(store.TableActivityLogs, account), 1)

	require.NoError(t, f.co.MarkNotificationsRead(ctx))
	for _, n := range f.co.Snapshot().Notifications {
		assert.True(t, n.Read)
	}
	assert.Greater(t, f.observer.changes, 0)
}

type stubArchiver struct {
	accountID string
}

func (a *stubArchiver) Archive(_ context.Context, accountID string, _ any) (string, error) {
	a.accountID = accountID
	return "accounts/" + accountID + "/snapshots/1.json", nil
}

func TestCloudBackupArchivesSnapshot(t *testing.T) {
	archiver := &stubArchiver{}
	f := newFixture(t, Options{Archiver: archiver})

	backup, err := f.co.CreateCloudBackup(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, backup.ID)
	assert.Equal(t, account, archiver.accountID)
	assert.Equal(t, "accounts/acct-1/snapshots/1.json", backup.ArchiveKey)
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t, Options{})

	snap := f.co.Snapshot()
	snap.Customers[0].Name = "changed"
	snap.ExchangeRates.Rates[domain.CurrencySAR] = decimal.Zero

	again := f.co.Snapshot()
	assert.NotEqual(t, "changed", again.Customers[0].Name)
	assert.True(t, again.ExchangeRates.Rates[domain.CurrencySAR].IsPositive())
}
