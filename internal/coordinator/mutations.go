package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"daftar/internal/cache"
	"daftar/internal/domain"
	"daftar/internal/ledger"
	"daftar/internal/store"
)

// mutation is one write-through action. write runs the remote call and
// returns the change to apply to the book; a nil apply with a nil error
// means there was nothing to do.
type mutation struct {
	name    string
	logType string
	details string
	success string
	failure string
	tables  []store.Table
	write   func(ctx context.Context) (func(*Snapshot), error)
}

func (c *Coordinator) mutate(ctx context.Context, m mutation) error {
	unlock := c.lock(m.tables...)
	apply, err := m.write(ctx)
	if err != nil {
		unlock()
		c.logger.Error("mutation failed", zap.String("action", m.name), zap.Error(err))
		c.notify(ctx, m.failure, err.Error(), domain.NotificationWarning)
		return err
	}
	if apply == nil {
		unlock()
		return nil
	}

	c.mu.Lock()
	apply(&c.book)
	c.mu.Unlock()
	c.persist(ctx, m.tables...)
	unlock()

	c.audit(ctx, m.name, m.details, m.logType)
	c.notify(ctx, m.success, m.details, domain.NotificationSuccess)
	c.changed()
	return nil
}

// lock takes the per-collection locks in the given order. Callers list the
// transaction table before categories.
func (c *Coordinator) lock(tables ...store.Table) func() {
	if !c.opts.SerializeMutations {
		return func() {}
	}
	held := make([]store.Table, 0, len(tables))
	for _, table := range tables {
		if mu, ok := c.locks[table]; ok {
			mu.Lock()
			held = append(held, table)
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			c.locks[held[i]].Unlock()
		}
	}
}

// audit records an activity log entry. The remote copy is best effort.
func (c *Coordinator) audit(ctx context.Context, action, details, logType string) {
	entry := domain.ActivityLog{
		ID:        uuid.NewString(),
		Action:    action,
		Details:   details,
		Type:      logType,
		Timestamp: c.opts.Now(),
	}
	if saved, err := c.gw.SaveLog(ctx, entry); err != nil {
		c.logger.Warn("failed to save activity log", zap.String("action", action), zap.Error(err))
	} else {
		entry = saved
	}
	c.mu.Lock()
	c.book.ActivityLogs = prepend(c.book.ActivityLogs, entry, activityLimit)
	c.mu.Unlock()
}

func (c *Coordinator) notify(ctx context.Context, title, message, kind string) {
	n := domain.Notification{
		ID:      uuid.NewString(),
		Title:   title,
		Message: message,
		Type:    kind,
		Date:    c.opts.Now(),
	}
	if saved, err := c.gw.SaveNotification(ctx, n); err != nil {
		c.logger.Warn("failed to save notification", zap.String("title", title), zap.Error(err))
	} else {
		n = saved
	}
	c.mu.Lock()
	c.book.Notifications = prepend(c.book.Notifications, n, notificationLimit)
	c.mu.Unlock()
	if c.opts.Observer != nil {
		c.opts.Observer.Notify(n)
	}
}

func prepend[T any](list []T, v T, limit int) []T {
	out := make([]T, 0, min(len(list)+1, limit))
	out = append(out, v)
	for _, item := range list {
		if len(out) == limit {
			break
		}
		out = append(out, item)
	}
	return out
}

func (c *Coordinator) check(v any) error {
	if err := c.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func sameName(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func (c *Coordinator) AddCustomer(ctx context.Context, p domain.Party) (domain.Party, error) {
	return c.addParty(ctx, domain.PartyCustomer, p)
}

func (c *Coordinator) AddSupplier(ctx context.Context, p domain.Party) (domain.Party, error) {
	return c.addParty(ctx, domain.PartySupplier, p)
}

func (c *Coordinator) addParty(ctx context.Context, kind domain.PartyKind, p domain.Party) (domain.Party, error) {
	table, col := store.TableCustomers, c.gw.Customers()
	if kind == domain.PartySupplier {
		table, col = store.TableSuppliers, c.gw.Suppliers()
	}
	p.Name = strings.TrimSpace(p.Name)
	var saved domain.Party
	err := c.mutate(ctx, mutation{
		name:    "add " + string(kind),
		logType: string(kind),
		details: p.Name,
		success: "Saved",
		failure: "Save failed",
		tables:  []store.Table{table},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if err := c.check(p); err != nil {
				return nil, err
			}
			c.mu.RLock()
			existing := c.book.Customers
			if kind == domain.PartySupplier {
				existing = c.book.Suppliers
			}
			dup := slices.ContainsFunc(existing, func(e domain.Party) bool { return sameName(e.Name, p.Name) })
			c.mu.RUnlock()
			if dup {
				return nil, fmt.Errorf("%w: %s %q", ErrDuplicateName, kind, p.Name)
			}

			var err error
			saved, err = col.Insert(ctx, p)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) {
				if kind == domain.PartySupplier {
					b.Suppliers = append([]domain.Party{saved}, b.Suppliers...)
				} else {
					b.Customers = append([]domain.Party{saved}, b.Customers...)
				}
			}, nil
		},
	})
	return saved, err
}

// SaveCategory creates cat, or overwrites the stored category when cat has
// an id.
func (c *Coordinator) SaveCategory(ctx context.Context, cat domain.Category) (domain.Category, error) {
	cat.Name = strings.TrimSpace(cat.Name)
	var saved domain.Category
	err := c.mutate(ctx, mutation{
		name:    "save category",
		logType: "category",
		details: cat.Name,
		success: "Category saved",
		failure: "Save failed",
		tables:  []store.Table{store.TableCategories},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if err := c.check(cat); err != nil {
				return nil, err
			}
			var err error
			if cat.ID == "" {
				c.mu.RLock()
				dup := slices.ContainsFunc(c.book.Categories, func(e domain.Category) bool { return sameName(e.Name, cat.Name) })
				c.mu.RUnlock()
				if dup {
					return nil, fmt.Errorf("%w: category %q", ErrDuplicateName, cat.Name)
				}
				saved, err = c.gw.Categories().Insert(ctx, cat)
			} else {
				saved, err = c.gw.Categories().Upsert(ctx, cat, "id")
			}
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) { b.Categories = upsertByID(b.Categories, saved, categoryID) }, nil
		},
	})
	return saved, err
}

func (c *Coordinator) UpdateCategory(ctx context.Context, id string, upd domain.CategoryUpdate) (domain.Category, error) {
	var saved domain.Category
	err := c.mutate(ctx, mutation{
		name:    "update category",
		logType: "category",
		details: id,
		success: "Category updated",
		failure: "Update failed",
		tables:  []store.Table{store.TableCategories},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if upd.Name != nil {
				name := strings.TrimSpace(*upd.Name)
				if name == "" {
					return nil, fmt.Errorf("%w: category name is empty", ErrInvalidInput)
				}
				upd.Name = &name
				c.mu.RLock()
				dup := slices.ContainsFunc(c.book.Categories, func(e domain.Category) bool { return e.ID != id && sameName(e.Name, name) })
				c.mu.RUnlock()
				if dup {
					return nil, fmt.Errorf("%w: category %q", ErrDuplicateName, name)
				}
			}
			if upd.Price != nil && upd.Price.IsNegative() {
				return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
			}
			var err error
			saved, err = c.gw.Categories().Update(ctx, id, upd)
			if err != nil {
				return nil, notFound(err)
			}
			return func(b *Snapshot) { b.Categories = upsertByID(b.Categories, saved, categoryID) }, nil
		},
	})
	return saved, err
}

// AddSale records a sale and takes its quantity out of the matching
// category's stock.
func (c *Coordinator) AddSale(ctx context.Context, s domain.Sale) (domain.Sale, error) {
	var saved domain.Sale
	err := c.mutate(ctx, mutation{
		name:    "add sale",
		logType: "sale",
		details: fmt.Sprintf("%s x%d", s.CategoryName, s.Quantity),
		success: "Sale saved",
		failure: "Save failed",
		tables:  []store.Table{store.TableSales, store.TableCategories},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			s.Date = c.dateOrNow(s.Date)
			if err := c.check(s); err != nil {
				return nil, err
			}
			s.Total = s.UnitPrice.Mul(decimalInt(s.Quantity))

			c.mu.RLock()
			party, okParty := findParty(c.book.Customers, s.CustomerID)
			cat, okCat := findCategory(c.book.Categories, s.CategoryID, s.CategoryName)
			c.mu.RUnlock()
			if okParty {
				s.CustomerName = party.Name
			}
			if okCat {
				s.CategoryID, s.CategoryName = cat.ID, cat.Name
				if c.opts.StockPolicy == StockReject && cat.Stock < s.Quantity {
					return nil, fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientStock, cat.Name, cat.Stock, s.Quantity)
				}
			}

			var err error
			saved, err = c.gw.Sales().Insert(ctx, s)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) {
				b.Sales = append([]domain.Sale{saved}, b.Sales...)
				c.adjustStock(b, saved.CategoryID, saved.CategoryName, -saved.Quantity, c.opts.StockPolicy)
			}, nil
		},
	})
	return saved, err
}

// AddPurchase records a purchase and adds its quantity to the matching
// category's stock.
func (c *Coordinator) AddPurchase(ctx context.Context, p domain.Purchase) (domain.Purchase, error) {
	var saved domain.Purchase
	err := c.mutate(ctx, mutation{
		name:    "add purchase",
		logType: "purchase",
		details: fmt.Sprintf("%s x%d", p.CategoryName, p.Quantity),
		success: "Purchase saved",
		failure: "Save failed",
		tables:  []store.Table{store.TablePurchases, store.TableCategories},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			p.Date = c.dateOrNow(p.Date)
			if err := c.check(p); err != nil {
				return nil, err
			}
			p.Total = p.UnitPrice.Mul(decimalInt(p.Quantity))

			c.mu.RLock()
			party, okParty := findParty(c.book.Suppliers, p.SupplierID)
			cat, okCat := findCategory(c.book.Categories, p.CategoryID, p.CategoryName)
			c.mu.RUnlock()
			if okParty {
				p.SupplierName = party.Name
			}
			if okCat {
				p.CategoryID, p.CategoryName = cat.ID, cat.Name
			}

			var err error
			saved, err = c.gw.Purchases().Insert(ctx, p)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) {
				b.Purchases = append([]domain.Purchase{saved}, b.Purchases...)
				c.adjustStock(b, saved.CategoryID, saved.CategoryName, saved.Quantity, c.opts.StockPolicy)
			}, nil
		},
	})
	return saved, err
}

func (c *Coordinator) AddWaste(ctx context.Context, w domain.Waste) (domain.Waste, error) {
	var saved domain.Waste
	err := c.mutate(ctx, mutation{
		name:    "add waste",
		logType: "waste",
		details: fmt.Sprintf("%s x%d", w.CategoryName, w.Quantity),
		success: "Waste recorded",
		failure: "Save failed",
		tables:  []store.Table{store.TableWaste, store.TableCategories},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			w.Date = c.dateOrNow(w.Date)
			if err := c.check(w); err != nil {
				return nil, err
			}
			c.mu.RLock()
			cat, okCat := findCategory(c.book.Categories, w.CategoryID, w.CategoryName)
			c.mu.RUnlock()
			if okCat {
				w.CategoryID, w.CategoryName = cat.ID, cat.Name
				if c.opts.StockPolicy == StockReject && cat.Stock < w.Quantity {
					return nil, fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientStock, cat.Name, cat.Stock, w.Quantity)
				}
			}

			var err error
			saved, err = c.gw.Waste().Insert(ctx, w)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) {
				b.Waste = append([]domain.Waste{saved}, b.Waste...)
				c.adjustStock(b, saved.CategoryID, saved.CategoryName, -saved.Quantity, c.opts.StockPolicy)
			}, nil
		},
	})
	return saved, err
}

// ReturnSale marks a sale returned and puts its quantity back in stock.
// Returning an already returned sale does nothing.
func (c *Coordinator) ReturnSale(ctx context.Context, id string) error {
	return c.mutate(ctx, mutation{
		name:    "return sale",
		logType: "sale",
		details: id,
		success: "Sale returned",
		failure: "Return failed",
		tables:  []store.Table{store.TableSales, store.TableCategories},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			c.mu.RLock()
			i := slices.IndexFunc(c.book.Sales, func(s domain.Sale) bool { return s.ID == id })
			var sale domain.Sale
			if i >= 0 {
				sale = c.book.Sales[i]
			}
			c.mu.RUnlock()
			if i < 0 {
				return nil, fmt.Errorf("%w: sale %s", ErrNotFound, id)
			}
			if sale.IsReturned {
				return nil, nil
			}
			if err := c.gw.ReturnSale(ctx, id); err != nil {
				return nil, notFound(err)
			}
			at := c.opts.Now()
			return func(b *Snapshot) {
				for i := range b.Sales {
					if b.Sales[i].ID == id {
						b.Sales[i].IsReturned = true
						b.Sales[i].ReturnedAt = &at
					}
				}
				c.adjustStock(b, sale.CategoryID, sale.CategoryName, sale.Quantity, c.opts.StockPolicy)
			}, nil
		},
	})
}

// ReturnPurchase marks a purchase returned and takes its quantity back out
// of stock, never below zero.
func (c *Coordinator) ReturnPurchase(ctx context.Context, id string) error {
	return c.mutate(ctx, mutation{
		name:    "return purchase",
		logType: "purchase",
		details: id,
		success: "Purchase returned",
		failure: "Return failed",
		tables:  []store.Table{store.TablePurchases, store.TableCategories},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			c.mu.RLock()
			i := slices.IndexFunc(c.book.Purchases, func(p domain.Purchase) bool { return p.ID == id })
			var purchase domain.Purchase
			if i >= 0 {
				purchase = c.book.Purchases[i]
			}
			c.mu.RUnlock()
			if i < 0 {
				return nil, fmt.Errorf("%w: purchase %s", ErrNotFound, id)
			}
			if purchase.IsReturned {
				return nil, nil
			}
			if err := c.gw.ReturnPurchase(ctx, id); err != nil {
				return nil, notFound(err)
			}
			at := c.opts.Now()
			return func(b *Snapshot) {
				for i := range b.Purchases {
					if b.Purchases[i].ID == id {
						b.Purchases[i].IsReturned = true
						b.Purchases[i].ReturnedAt = &at
					}
				}
				c.adjustStock(b, purchase.CategoryID, purchase.CategoryName, -purchase.Quantity, StockClamp)
			}, nil
		},
	})
}

func (c *Coordinator) AddVoucher(ctx context.Context, v domain.Voucher) (domain.Voucher, error) {
	var saved domain.Voucher
	err := c.mutate(ctx, mutation{
		name:    "add voucher",
		logType: "voucher",
		details: fmt.Sprintf("%s %s %s", v.Type, v.Amount.String(), v.Currency),
		success: "Voucher saved",
		failure: "Save failed",
		tables:  []store.Table{store.TableVouchers},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			v.Date = c.dateOrNow(v.Date)
			v.EditHistory = nil
			if err := c.check(v); err != nil {
				return nil, err
			}
			c.mu.RLock()
			parties := c.book.Customers
			if v.PartyKind == domain.PartySupplier {
				parties = c.book.Suppliers
			}
			party, ok := findParty(parties, v.PartyID)
			c.mu.RUnlock()
			switch {
			case ok:
				v.PartyName = party.Name
			case strings.TrimSpace(v.PartyName) == "":
				return nil, fmt.Errorf("%w: %s %s", ErrNotFound, v.PartyKind, v.PartyID)
			}

			var err error
			saved, err = c.gw.Vouchers().Insert(ctx, v)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) { b.Vouchers = append([]domain.Voucher{saved}, b.Vouchers...) }, nil
		},
	})
	return saved, err
}

// AddOpeningBalance records a debt carried over from before the book was
// kept. Opening balances are listed with the book; ledger balances are
// derived from transactions alone.
func (c *Coordinator) AddOpeningBalance(ctx context.Context, ob domain.OpeningBalance) (domain.OpeningBalance, error) {
	var saved domain.OpeningBalance
	err := c.mutate(ctx, mutation{
		name:    "add opening balance",
		logType: "opening_balance",
		details: fmt.Sprintf("%s %s %s", ob.PartyKind, ob.Amount.String(), ob.Currency),
		success: "Opening balance saved",
		failure: "Save failed",
		tables:  []store.Table{store.TableOpeningBalances},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			ob.Date = c.dateOrNow(ob.Date)
			if err := c.check(ob); err != nil {
				return nil, err
			}
			if ob.Amount.IsZero() {
				return nil, fmt.Errorf("%w: amount is zero", ErrInvalidInput)
			}
			c.mu.RLock()
			parties := c.book.Customers
			if ob.PartyKind == domain.PartySupplier {
				parties = c.book.Suppliers
			}
			party, ok := findParty(parties, ob.PartyID)
			c.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("%w: %s %s", ErrNotFound, ob.PartyKind, ob.PartyID)
			}
			ob.PartyName = party.Name

			var err error
			saved, err = c.gw.OpeningBalances().Insert(ctx, ob)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) { b.OpeningBalances = append([]domain.OpeningBalance{saved}, b.OpeningBalances...) }, nil
		},
	})
	return saved, err
}

// UpdateVoucher applies upd and records the previous amount, currency and
// notes in the voucher's edit history, newest first, keeping at most
// domain.MaxVoucherEdits entries.
func (c *Coordinator) UpdateVoucher(ctx context.Context, id string, upd domain.VoucherUpdate) (domain.Voucher, error) {
	var saved domain.Voucher
	err := c.mutate(ctx, mutation{
		name:    "update voucher",
		logType: "voucher",
		details: id,
		success: "Voucher updated",
		failure: "Update failed",
		tables:  []store.Table{store.TableVouchers},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if upd.Amount != nil && !upd.Amount.IsPositive() {
				return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
			}
			if upd.Currency != nil && len(*upd.Currency) != 3 {
				return nil, fmt.Errorf("%w: currency %q", ErrInvalidInput, *upd.Currency)
			}
			c.mu.RLock()
			i := slices.IndexFunc(c.book.Vouchers, func(v domain.Voucher) bool { return v.ID == id })
			var current domain.Voucher
			if i >= 0 {
				current = c.book.Vouchers[i]
			}
			c.mu.RUnlock()
			if i < 0 {
				return nil, fmt.Errorf("%w: voucher %s", ErrNotFound, id)
			}

			edit := domain.VoucherEdit{
				Date:             c.opts.Now(),
				PreviousAmount:   current.Amount,
				PreviousCurrency: current.Currency,
				PreviousNotes:    current.Notes,
			}
			history := prepend(current.EditHistory, edit, domain.MaxVoucherEdits)
			patch := map[string]any{"edit_history": history}
			if upd.Amount != nil {
				patch["amount"] = *upd.Amount
			}
			if upd.Currency != nil {
				patch["currency"] = *upd.Currency
			}
			if upd.Notes != nil {
				patch["notes"] = *upd.Notes
			}

			var err error
			saved, err = c.gw.Vouchers().Update(ctx, id, patch)
			if err != nil {
				return nil, notFound(err)
			}
			return func(b *Snapshot) { b.Vouchers = upsertByID(b.Vouchers, saved, voucherID) }, nil
		},
	})
	return saved, err
}

func (c *Coordinator) AddExpense(ctx context.Context, e domain.Expense) (domain.Expense, error) {
	var saved domain.Expense
	err := c.mutate(ctx, mutation{
		name:    "add expense",
		logType: "expense",
		details: e.Title,
		success: "Expense saved",
		failure: "Save failed",
		tables:  []store.Table{store.TableExpenses},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			e.Date = c.dateOrNow(e.Date)
			if err := c.check(e); err != nil {
				return nil, err
			}
			var err error
			saved, err = c.gw.Expenses().Insert(ctx, e)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) { b.Expenses = append([]domain.Expense{saved}, b.Expenses...) }, nil
		},
	})
	return saved, err
}

func (c *Coordinator) UpdateExpense(ctx context.Context, id string, upd domain.ExpenseUpdate) (domain.Expense, error) {
	var saved domain.Expense
	err := c.mutate(ctx, mutation{
		name:    "update expense",
		logType: "expense",
		details: id,
		success: "Expense updated",
		failure: "Update failed",
		tables:  []store.Table{store.TableExpenses},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if upd.Amount != nil && !upd.Amount.IsPositive() {
				return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
			}
			if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
				return nil, fmt.Errorf("%w: title is empty", ErrInvalidInput)
			}
			var err error
			saved, err = c.gw.Expenses().Update(ctx, id, upd)
			if err != nil {
				return nil, notFound(err)
			}
			return func(b *Snapshot) { b.Expenses = upsertByID(b.Expenses, saved, expenseID) }, nil
		},
	})
	return saved, err
}

func (c *Coordinator) AddExpenseTemplate(ctx context.Context, t domain.ExpenseTemplate) (domain.ExpenseTemplate, error) {
	var saved domain.ExpenseTemplate
	err := c.mutate(ctx, mutation{
		name:    "add expense template",
		logType: "expense",
		details: t.Title,
		success: "Template saved",
		failure: "Save failed",
		tables:  []store.Table{store.TableExpenseTemplates},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if err := c.check(t); err != nil {
				return nil, err
			}
			var err error
			saved, err = c.gw.ExpenseTemplates().Insert(ctx, t)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) { b.ExpenseTemplates = append([]domain.ExpenseTemplate{saved}, b.ExpenseTemplates...) }, nil
		},
	})
	return saved, err
}

// AddExpenseCategory appends name to the device's expense categories. The
// list lives in the local cache and never reaches the remote store.
func (c *Coordinator) AddExpenseCategory(ctx context.Context, name string) ([]string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: expense category is empty", ErrInvalidInput)
	}
	c.mu.Lock()
	if slices.ContainsFunc(c.book.ExpenseCategories, func(v string) bool { return sameName(v, name) }) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: expense category %q", ErrDuplicateName, name)
	}
	c.book.ExpenseCategories = append(slices.Clone(c.book.ExpenseCategories), name)
	list := slices.Clone(c.book.ExpenseCategories)
	c.mu.Unlock()

	if err := cache.Write(ctx, c.cache, cache.KeyExpenseCategories, list); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", cache.KeyExpenseCategories), zap.Error(err))
	}
	c.changed()
	return list, nil
}

// SpawnExpense records a new expense from template templateID, dated now.
func (c *Coordinator) SpawnExpense(ctx context.Context, templateID string) (domain.Expense, error) {
	c.mu.RLock()
	i := slices.IndexFunc(c.book.ExpenseTemplates, func(t domain.ExpenseTemplate) bool { return t.ID == templateID })
	var t domain.ExpenseTemplate
	if i >= 0 {
		t = c.book.ExpenseTemplates[i]
	}
	c.mu.RUnlock()
	if i < 0 {
		return domain.Expense{}, fmt.Errorf("%w: expense template %s", ErrNotFound, templateID)
	}
	return c.AddExpense(ctx, domain.Expense{
		Title:    t.Title,
		Category: t.Category,
		Amount:   t.Amount,
		Currency: t.Currency,
	})
}

// Delete removes record id from collection. The remote store refuses to
// delete parties and categories that transactions still reference.
func (c *Coordinator) Delete(ctx context.Context, collection store.Table, id string) error {
	if !deletable(collection) {
		return fmt.Errorf("%w: cannot delete from %q", ErrInvalidInput, collection)
	}
	return c.mutate(ctx, mutation{
		name:    "delete " + string(collection),
		logType: string(collection),
		details: id,
		success: "Deleted",
		failure: "Delete failed",
		tables:  []store.Table{collection},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if err := c.deleteRemote(ctx, collection, id); err != nil {
				if errors.Is(err, store.ErrReferenced) && (collection == store.TableCustomers || collection == store.TableSuppliers) {
					return nil, fmt.Errorf("%w: %w", ErrPartyInUse, err)
				}
				return nil, notFound(err)
			}
			return func(b *Snapshot) { removeByID(b, collection, id) }, nil
		},
	})
}

func deletable(t store.Table) bool {
	switch t {
	case store.TableCustomers, store.TableSuppliers, store.TableCategories,
		store.TableSales, store.TablePurchases, store.TableVouchers,
		store.TableExpenses, store.TableExpenseTemplates, store.TableWaste,
		store.TableOpeningBalances:
		return true
	}
	return false
}

func (c *Coordinator) deleteRemote(ctx context.Context, t store.Table, id string) error {
	g := c.gw
	switch t {
	case store.TableCustomers:
		return g.Customers().Delete(ctx, id)
	case store.TableSuppliers:
		return g.Suppliers().Delete(ctx, id)
	case store.TableCategories:
		return g.Categories().Delete(ctx, id)
	case store.TableSales:
		return g.Sales().Delete(ctx, id)
	case store.TablePurchases:
		return g.Purchases().Delete(ctx, id)
	case store.TableVouchers:
		return g.Vouchers().Delete(ctx, id)
	case store.TableExpenses:
		return g.Expenses().Delete(ctx, id)
	case store.TableExpenseTemplates:
		return g.ExpenseTemplates().Delete(ctx, id)
	case store.TableOpeningBalances:
		return g.OpeningBalances().Delete(ctx, id)
	default:
		return g.Waste().Delete(ctx, id)
	}
}

func removeByID(b *Snapshot, t store.Table, id string) {
	switch t {
	case store.TableCustomers:
		b.Customers = slices.DeleteFunc(slices.Clone(b.Customers), func(v domain.Party) bool { return v.ID == id })
	case store.TableSuppliers:
		b.Suppliers = slices.DeleteFunc(slices.Clone(b.Suppliers), func(v domain.Party) bool { return v.ID == id })
	case store.TableCategories:
		b.Categories = slices.DeleteFunc(slices.Clone(b.Categories), func(v domain.Category) bool { return v.ID == id })
	case store.TableSales:
		b.Sales = slices.DeleteFunc(slices.Clone(b.Sales), func(v domain.Sale) bool { return v.ID == id })
	case store.TablePurchases:
		b.Purchases = slices.DeleteFunc(slices.Clone(b.Purchases), func(v domain.Purchase) bool { return v.ID == id })
	case store.TableVouchers:
		b.Vouchers = slices.DeleteFunc(slices.Clone(b.Vouchers), func(v domain.Voucher) bool { return v.ID == id })
	case store.TableExpenses:
		b.Expenses = slices.DeleteFunc(slices.Clone(b.Expenses), func(v domain.Expense) bool { return v.ID == id })
	case store.TableExpenseTemplates:
		b.ExpenseTemplates = slices.DeleteFunc(slices.Clone(b.ExpenseTemplates), func(v domain.ExpenseTemplate) bool { return v.ID == id })
	case store.TableWaste:
		b.Waste = slices.DeleteFunc(slices.Clone(b.Waste), func(v domain.Waste) bool { return v.ID == id })
	case store.TableOpeningBalances:
		b.OpeningBalances = slices.DeleteFunc(slices.Clone(b.OpeningBalances), func(v domain.OpeningBalance) bool { return v.ID == id })
	}
}

// UpdateExchangeRates stores rates in the account settings and then uses
// them for display conversion.
func (c *Coordinator) UpdateExchangeRates(ctx context.Context, rates domain.ExchangeRates) error {
	if rates.Base == "" {
		rates.Base = domain.BaseCurrency
	}
	return c.mutate(ctx, mutation{
		name:    "update exchange rates",
		logType: "settings",
		details: rates.Base,
		success: "Exchange rates updated",
		failure: "Update failed",
		tables:  []store.Table{store.TableSettings},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			for currency, rate := range rates.Rates {
				if !rate.IsPositive() {
					return nil, fmt.Errorf("%w: rate for %s must be positive", ErrInvalidInput, currency)
				}
			}
			settings, err := c.gw.UpdateExchangeRates(ctx, rates)
			if err != nil {
				return nil, err
			}
			return func(b *Snapshot) {
				b.Account.Settings = settings
				b.ExchangeRates = cloneRates(rates)
			}, nil
		},
	})
}

// UpdateProfile patches the account profile under the settings lock.
func (c *Coordinator) UpdateProfile(ctx context.Context, upd domain.ProfileUpdate) (domain.Profile, error) {
	var saved domain.Profile
	err := c.mutate(ctx, mutation{
		name:    "update profile",
		logType: "settings",
		details: "profile",
		success: "Profile updated",
		failure: "Update failed",
		tables:  []store.Table{store.TableSettings},
		write: func(ctx context.Context) (func(*Snapshot), error) {
			if err := c.check(upd); err != nil {
				return nil, err
			}
			if upd.AgencyName != nil && strings.TrimSpace(*upd.AgencyName) == "" {
				return nil, fmt.Errorf("%w: agency name is empty", ErrInvalidInput)
			}
			var err error
			saved, err = c.gw.UpdateProfile(ctx, upd)
			if err != nil {
				return nil, notFound(err)
			}
			return func(b *Snapshot) { b.Account.Profile = saved }, nil
		},
	})
	return saved, err
}

func (c *Coordinator) MarkNotificationsRead(ctx context.Context) error {
	unlock := c.lock(store.TableNotifications)
	defer unlock()
	if err := c.gw.MarkNotificationsRead(ctx); err != nil {
		c.logger.Warn("failed to mark notifications read", zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.book.Notifications = slices.Clone(c.book.Notifications)
	for i := range c.book.Notifications {
		c.book.Notifications[i].Read = true
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// CreateCloudBackup asks the remote store for a backup and, when an
// archiver is configured, also archives the current book.
func (c *Coordinator) CreateCloudBackup(ctx context.Context) (domain.Backup, error) {
	backup, err := c.gw.CreateCloudBackup(ctx)
	if err != nil {
		c.logger.Error("cloud backup failed", zap.Error(err))
		c.notify(ctx, "Backup failed", err.Error(), domain.NotificationWarning)
		return domain.Backup{}, err
	}
	if c.opts.Archiver != nil {
		accountID, err := c.gw.CurrentUserID(ctx)
		if err == nil {
			backup.ArchiveKey, err = c.opts.Archiver.Archive(ctx, accountID, c.Snapshot())
		}
		if err != nil {
			c.logger.Warn("snapshot archive failed", zap.String("backup", backup.ID), zap.Error(err))
			c.notify(ctx, "Archive failed", err.Error(), domain.NotificationWarning)
		}
	}
	c.audit(ctx, "cloud backup", backup.ID, "backup")
	c.notify(ctx, "Backup created", backup.ID, domain.NotificationSuccess)
	c.changed()
	return backup, nil
}

func (c *Coordinator) FinancialSummary(ctx context.Context, from, to time.Time) ([]domain.FinancialSummary, error) {
	out, err := c.gw.FinancialSummary(ctx, from, to)
	if err != nil {
		c.logger.Warn("financial summary failed", zap.Error(err))
	}
	return out, err
}

func (c *Coordinator) CustomerBalances(partyID string) []domain.Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ledger.CustomerBalances(partyID, c.book.Sales, c.book.Vouchers)
}

func (c *Coordinator) SupplierBalances(partyID string) []domain.Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ledger.SupplierBalances(partyID, c.book.Purchases, c.book.Vouchers)
}

func (c *Coordinator) BudgetSummary() []domain.BudgetLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := &c.book
	return ledger.GlobalBudgetSummary(b.Customers, b.Suppliers, b.Sales, b.Purchases, b.Vouchers)
}

func (c *Coordinator) dateOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return c.opts.Now()
	}
	return t
}

// notFound maps a remote not-found onto ErrNotFound, keeping the cause.
func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func findParty(parties []domain.Party, id string) (domain.Party, bool) {
	i := slices.IndexFunc(parties, func(p domain.Party) bool { return p.ID == id })
	if i < 0 {
		return domain.Party{}, false
	}
	return parties[i], true
}

func categoryID(c domain.Category) string { return c.ID }
func voucherID(v domain.Voucher) string   { return v.ID }
func expenseID(e domain.Expense) string   { return e.ID }

// upsertByID replaces the element with v's id, or prepends v.
func upsertByID[T any](list []T, v T, id func(T) string) []T {
	out := slices.Clone(list)
	if i := slices.IndexFunc(out, func(e T) bool { return id(e) == id(v) }); i >= 0 {
		out[i] = v
		return out
	}
	return append([]T{v}, out...)
}
