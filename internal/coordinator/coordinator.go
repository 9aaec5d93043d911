// Package coordinator owns the in-memory book of one account. It hydrates
// from the durable cache, writes through the gateway, and reloads from the
// remote store when told something changed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"daftar/internal/cache"
	"daftar/internal/domain"
	"daftar/internal/gateway"
	"daftar/internal/store"
)

var (
	ErrDuplicateName     = errors.New("name already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPartyInUse        = errors.New("party has linked transactions")
)

type StockPolicy string

const (
	// StockClamp floors stock at zero.
	StockClamp StockPolicy = "clamp"
	// StockAllow lets stock go negative.
	StockAllow StockPolicy = "allow"
	// StockReject refuses a sale or waste larger than the stock on hand.
	StockReject StockPolicy = "reject"
)

type LoadState string

const (
	StateIdle    LoadState = "idle"
	StateLoading LoadState = "loading"
	StateLoaded  LoadState = "loaded"
	StateError   LoadState = "error"
)

const (
	notificationLimit = 20
	activityLimit     = 50
)

// Snapshot is a point-in-time copy of the book. Mutating it has no effect on
// the coordinator.
type Snapshot struct {
	Customers        []domain.Party           `json:"customers"`
	Suppliers        []domain.Party           `json:"suppliers"`
	Categories       []domain.Category        `json:"categories"`
	Sales            []domain.Sale            `json:"sales"`
	Purchases        []domain.Purchase        `json:"purchases"`
	Vouchers         []domain.Voucher         `json:"vouchers"`
	Expenses         []domain.Expense         `json:"expenses"`
	ExpenseTemplates []domain.ExpenseTemplate `json:"expense_templates"`
	Waste            []domain.Waste           `json:"waste"`
	OpeningBalances  []domain.OpeningBalance  `json:"opening_balances"`
	Notifications    []domain.Notification    `json:"notifications"`
	ActivityLogs     []domain.ActivityLog     `json:"activity_logs"`
	// ExpenseCategories is kept on this device only.
	ExpenseCategories []string                  `json:"expense_categories"`
	ExchangeRates     domain.ExchangeRates      `json:"exchange_rates"`
	Account           domain.Account            `json:"account"`
	IsLoading         bool                      `json:"is_loading"`
	ConnectionError   bool                      `json:"connection_error"`
	States            map[store.Table]LoadState `json:"states"`
}

// Observer receives state changes. Calls happen on the mutating goroutine
// after the coordinator lock is released.
type Observer interface {
	SnapshotChanged(Snapshot)
	Notify(domain.Notification)
}

// Archiver stores a copy of the book outside the remote store.
type Archiver interface {
	Archive(ctx context.Context, accountID string, payload any) (string, error)
}

type Options struct {
	StockPolicy        StockPolicy
	SerializeMutations bool
	Observer           Observer
	Archiver           Archiver
	Logger             *zap.Logger
	Now                func() time.Time
}

type Coordinator struct {
	gw       *gateway.Gateway
	cache    cache.Store
	opts     Options
	logger   *zap.Logger
	validate *validator.Validate

	mu   sync.RWMutex
	book Snapshot

	loading atomic.Bool
	locks   map[store.Table]*sync.Mutex
}

// New builds a coordinator whose book is hydrated from c, so it is usable
// before the first reload and without a network.
func New(ctx context.Context, gw *gateway.Gateway, c cache.Store, opts Options) *Coordinator {
	if opts.StockPolicy == "" {
		opts.StockPolicy = StockClamp
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	co := &Coordinator{
		gw:       gw,
		cache:    c,
		opts:     opts,
		logger:   opts.Logger.Named("coordinator"),
		validate: newValidator(),
		locks:    make(map[store.Table]*sync.Mutex),
	}
	for _, table := range lockedTables {
		co.locks[table] = &sync.Mutex{}
	}
	co.hydrate(ctx)
	return co
}

var lockedTables = []store.Table{
	store.TableCustomers, store.TableSuppliers, store.TableCategories,
	store.TableSales, store.TablePurchases, store.TableVouchers,
	store.TableExpenses, store.TableExpenseTemplates, store.TableWaste,
	store.TableOpeningBalances, store.TableSettings, store.TableNotifications,
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func (c *Coordinator) hydrate(ctx context.Context) {
	l := c.logger
	b := Snapshot{
		Customers:         cache.Read(ctx, c.cache, cache.KeyCustomers, []domain.Party{}, l),
		Suppliers:         cache.Read(ctx, c.cache, cache.KeySuppliers, []domain.Party{}, l),
		Categories:        cache.Read(ctx, c.cache, cache.KeyCategories, []domain.Category{}, l),
		Sales:             cache.Read(ctx, c.cache, cache.KeySales, []domain.Sale{}, l),
		Purchases:         cache.Read(ctx, c.cache, cache.KeyPurchases, []domain.Purchase{}, l),
		Vouchers:          cache.Read(ctx, c.cache, cache.KeyVouchers, []domain.Voucher{}, l),
		Expenses:          cache.Read(ctx, c.cache, cache.KeyExpenses, []domain.Expense{}, l),
		ExpenseTemplates:  cache.Read(ctx, c.cache, cache.KeyExpenseTemplates, []domain.ExpenseTemplate{}, l),
		Waste:             cache.Read(ctx, c.cache, cache.KeyWaste, []domain.Waste{}, l),
		OpeningBalances:   cache.Read(ctx, c.cache, cache.KeyOpeningBalances, []domain.OpeningBalance{}, l),
		ExpenseCategories: cache.Read(ctx, c.cache, cache.KeyExpenseCategories, slices.Clone(domain.DefaultExpenseCategories), l),
		ExchangeRates:     cache.Read(ctx, c.cache, cache.KeyExchangeRates, domain.DefaultExchangeRates(), l),
		States:            make(map[store.Table]LoadState),
	}
	if len(b.ExchangeRates.Rates) == 0 {
		b.ExchangeRates = domain.DefaultExchangeRates()
	}
	for _, table := range lockedTables {
		b.States[table] = StateIdle
	}
	c.mu.Lock()
	c.book = b
	c.mu.Unlock()
}

// Snapshot returns a deep copy of the current book.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked()
}

func (c *Coordinator) copyLocked() Snapshot {
	b := c.book
	out := Snapshot{
		Customers:         slices.Clone(b.Customers),
		Suppliers:         slices.Clone(b.Suppliers),
		Categories:        slices.Clone(b.Categories),
		Sales:             slices.Clone(b.Sales),
		Purchases:         slices.Clone(b.Purchases),
		Vouchers:          slices.Clone(b.Vouchers),
		Expenses:          slices.Clone(b.Expenses),
		ExpenseTemplates:  slices.Clone(b.ExpenseTemplates),
		Waste:             slices.Clone(b.Waste),
		OpeningBalances:   slices.Clone(b.OpeningBalances),
		Notifications:     slices.Clone(b.Notifications),
		ActivityLogs:      slices.Clone(b.ActivityLogs),
		ExpenseCategories: slices.Clone(b.ExpenseCategories),
		ExchangeRates:     cloneRates(b.ExchangeRates),
		Account:           b.Account,
		IsLoading:         c.loading.Load(),
		ConnectionError:   b.ConnectionError,
		States:            maps.Clone(b.States),
	}
	out.Account.Settings.ExchangeRates = cloneRates(b.Account.Settings.ExchangeRates)
	for i := range out.Vouchers {
		out.Vouchers[i].EditHistory = slices.Clone(out.Vouchers[i].EditHistory)
	}
	return out
}

func cloneRates(r domain.ExchangeRates) domain.ExchangeRates {
	return domain.ExchangeRates{Base: r.Base, Rates: maps.Clone(r.Rates)}
}

func (c *Coordinator) IsLoading() bool {
	return c.loading.Load()
}

func (c *Coordinator) ConnectionError() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.ConnectionError
}

// loader fetches one collection. The returned apply func assigns the result
// to the book and must be called with c.mu held.
type loader struct {
	table store.Table
	fetch func(ctx context.Context) (func(*Snapshot), error)
}

func listInto[T any](col gateway.Collection[T], assign func(*Snapshot, []T)) loader {
	return loader{
		table: col.Table(),
		fetch: func(ctx context.Context) (func(*Snapshot), error) {
			items, err := col.List(ctx)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) { assign(b, items) }, nil
		},
	}
}

func (c *Coordinator) loaders() []loader {
	g := c.gw
	return []loader{
		listInto(g.Customers(), func(b *Snapshot, v []domain.Party) { b.Customers = v }),
		listInto(g.Suppliers(), func(b *Snapshot, v []domain.Party) { b.Suppliers = v }),
		listInto(g.Categories(), func(b *Snapshot, v []domain.Category) { b.Categories = v }),
		listInto(g.Sales(), func(b *Snapshot, v []domain.Sale) { b.Sales = v }),
		listInto(g.Purchases(), func(b *Snapshot, v []domain.Purchase) { b.Purchases = v }),
		listInto(g.Vouchers(), func(b *Snapshot, v []domain.Voucher) { b.Vouchers = v }),
		listInto(g.Expenses(), func(b *Snapshot, v []domain.Expense) { b.Expenses = v }),
		listInto(g.ExpenseTemplates(), func(b *Snapshot, v []domain.ExpenseTemplate) { b.ExpenseTemplates = v }),
		listInto(g.Waste(), func(b *Snapshot, v []domain.Waste) { b.Waste = v }),
		listInto(g.OpeningBalances(), func(b *Snapshot, v []domain.OpeningBalance) { b.OpeningBalances = v }),
		listInto(g.Notifications(), func(b *Snapshot, v []domain.Notification) { b.Notifications = v }),
		listInto(g.ActivityLogs(), func(b *Snapshot, v []domain.ActivityLog) { b.ActivityLogs = v }),
		{
			table: store.TableSettings,
			fetch: func(ctx context.Context) (func(*Snapshot), error) {
				account, err := g.Account(ctx)
				if err != nil {
					return nil, err
				}
				return func(b *Snapshot) {
					b.Account = account
					if len(account.Settings.ExchangeRates.Rates) > 0 {
						b.ExchangeRates = account.Settings.ExchangeRates
					}
				}, nil
			},
		},
	}
}

// Reload makes sure the account exists and then refetches every collection
// in parallel. A collection that fails keeps its previous value and sets
// the connection error flag; the others are still applied. Calling Reload
// while another reload runs does nothing.
func (c *Coordinator) Reload(ctx context.Context, accountID string) error {
	return c.reload(ctx, accountID, c.loaders())
}

// ReloadCollection refetches a single table. Tables without a loader fall
// back to a full reload.
func (c *Coordinator) ReloadCollection(ctx context.Context, accountID string, table store.Table) error {
	for _, l := range c.loaders() {
		if l.table == table {
			return c.reload(ctx, accountID, []loader{l})
		}
	}
	return c.Reload(ctx, accountID)
}

func (c *Coordinator) reload(ctx context.Context, accountID string, loaders []loader) error {
	if !c.loading.CompareAndSwap(false, true) {
		c.logger.Debug("reload already in progress")
		return nil
	}
	defer c.loading.Store(false)

	c.mu.Lock()
	for _, l := range loaders {
		c.book.States[l.table] = StateLoading
	}
	c.mu.Unlock()
	c.changed()

	start := time.Now()
	var failed []error
	if err := c.gw.EnsureAccountExists(ctx, accountID, domain.Profile{ID: accountID}); err != nil {
		c.logger.Warn("ensure account failed, loading anyway", zap.String("account", accountID), zap.Error(err))
		failed = append(failed, fmt.Errorf("ensure account: %w", err))
	}

	applies := make([]func(*Snapshot), len(loaders))
	errs := make([]error, len(loaders))
	var g errgroup.Group
	for i, l := range loaders {
		g.Go(func() error {
			apply, err := l.fetch(ctx)
			applies[i], errs[i] = apply, err
			return nil
		})
	}
	_ = g.Wait()

	var loaded []store.Table
	c.mu.Lock()
	for i, l := range loaders {
		if errs[i] != nil {
			c.book.States[l.table] = StateError
			failed = append(failed, fmt.Errorf("load %s: %w", l.table, errs[i]))
			continue
		}
		applies[i](&c.book)
		c.book.States[l.table] = StateLoaded
		loaded = append(loaded, l.table)
	}
	c.book.ConnectionError = len(failed) > 0
	c.mu.Unlock()

	c.persist(ctx, loaded...)
	c.loading.Store(false)
	c.changed()

	if len(failed) > 0 {
		c.logger.Warn("reload finished with errors",
			zap.Int("failed", len(failed)),
			zap.Duration("took", time.Since(start)),
			zap.Error(errors.Join(failed...)))
		return errors.Join(failed...)
	}
	c.logger.Info("reload complete", zap.Int("collections", len(loaded)), zap.Duration("took", time.Since(start)))
	return nil
}

var cacheKeys = map[store.Table]string{
	store.TableCustomers:        cache.KeyCustomers,
	store.TableSuppliers:        cache.KeySuppliers,
	store.TableCategories:       cache.KeyCategories,
	store.TableSales:            cache.KeySales,
	store.TablePurchases:        cache.KeyPurchases,
	store.TableVouchers:         cache.KeyVouchers,
	store.TableExpenses:         cache.KeyExpenses,
	store.TableExpenseTemplates: cache.KeyExpenseTemplates,
	store.TableWaste:            cache.KeyWaste,
	store.TableOpeningBalances:  cache.KeyOpeningBalances,
	store.TableSettings:         cache.KeyExchangeRates,
}

// persist writes the cached collections among tables. Cache failures are
// logged; the in-memory book stays authoritative for this process.
func (c *Coordinator) persist(ctx context.Context, tables ...store.Table) {
	c.mu.RLock()
	values := make(map[string]any, len(tables))
	for _, table := range tables {
		key, ok := cacheKeys[table]
		if !ok {
			continue
		}
		values[key] = c.cachedValueLocked(table)
	}
	c.mu.RUnlock()

	for key, value := range values {
		if err := cache.Write(ctx, c.cache, key, value); err != nil {
			c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *Coordinator) cachedValueLocked(table store.Table) any {
	b := &c.book
	switch table {
	case store.TableCustomers:
		return slices.Clone(b.Customers)
	case store.TableSuppliers:
		return slices.Clone(b.Suppliers)
	case store.TableCategories:
		return slices.Clone(b.Categories)
	case store.TableSales:
		return slices.Clone(b.Sales)
	case store.TablePurchases:
		return slices.Clone(b.Purchases)
	case store.TableVouchers:
		return slices.Clone(b.Vouchers)
	case store.TableExpenses:
		return slices.Clone(b.Expenses)
	case store.TableExpenseTemplates:
		return slices.Clone(b.ExpenseTemplates)
	case store.TableWaste:
		return slices.Clone(b.Waste)
	case store.TableOpeningBalances:
		return slices.Clone(b.OpeningBalances)
	case store.TableSettings:
		return cloneRates(b.ExchangeRates)
	}
	return nil
}

func (c *Coordinator) changed() {
	if c.opts.Observer == nil {
		return
	}
	c.opts.Observer.SnapshotChanged(c.Snapshot())
}
