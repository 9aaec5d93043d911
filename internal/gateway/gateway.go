// Package gateway is the only path from the process to the remote store.
// Every call carries the session's account id and runs under one retry
// policy with a single auth refresh.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"daftar/internal/domain"
	"daftar/internal/store"
)

var (
	ErrAuthExpired     = errors.New("session expired")
	ErrAccountMismatch = errors.New("account does not match the session")
)

// Session identifies the caller and can renew its credentials.
type Session interface {
	UserID(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

type Config struct {
	// Retries is the number of extra attempts after a transient failure.
	Retries      int
	InitialDelay time.Duration
	RefreshDelay time.Duration
	OnRetry      func(op string, attempt int, err error, delay time.Duration)
}

func DefaultConfig() Config {
	return Config{
		Retries:      3,
		InitialDelay: 1500 * time.Millisecond,
		RefreshDelay: 500 * time.Millisecond,
	}
}

type Gateway struct {
	remote  store.Remote
	session Session
	cfg     Config
	logger  *zap.Logger
}

func New(remote store.Remote, session Session, cfg Config, logger *zap.Logger) *Gateway {
	defaults := DefaultConfig()
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = defaults.RefreshDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{remote: remote, session: session, cfg: cfg, logger: logger.Named("gateway")}
}

func (g *Gateway) Customers() Collection[domain.Party] {
	return Collection[domain.Party]{g: g, table: store.TableCustomers, order: "name"}
}

func (g *Gateway) Suppliers() Collection[domain.Party] {
	return Collection[domain.Party]{g: g, table: store.TableSuppliers, order: "name"}
}

func (g *Gateway) Categories() Collection[domain.Category] {
	return Collection[domain.Category]{g: g, table: store.TableCategories, order: "name"}
}

func (g *Gateway) Sales() Collection[domain.Sale] {
	return Collection[domain.Sale]{g: g, table: store.TableSales, order: "date", desc: true}
}

func (g *Gateway) Purchases() Collection[domain.Purchase] {
	return Collection[domain.Purchase]{g: g, table: store.TablePurchases, order: "date", desc: true}
}

func (g *Gateway) Vouchers() Collection[domain.Voucher] {
	return Collection[domain.Voucher]{g: g, table: store.TableVouchers, order: "date", desc: true}
}

func (g *Gateway) Expenses() Collection[domain.Expense] {
	return Collection[domain.Expense]{g: g, table: store.TableExpenses, order: "date", desc: true}
}

func (g *Gateway) ExpenseTemplates() Collection[domain.ExpenseTemplate] {
	return Collection[domain.ExpenseTemplate]{g: g, table: store.TableExpenseTemplates, order: "created_at", desc: true}
}

func (g *Gateway) Waste() Collection[domain.Waste] {
	return Collection[domain.Waste]{g: g, table: store.TableWaste, order: "date", desc: true}
}

func (g *Gateway) OpeningBalances() Collection[domain.OpeningBalance] {
	return Collection[domain.OpeningBalance]{g: g, table: store.TableOpeningBalances, order: "date", desc: true}
}

func (g *Gateway) Notifications() Collection[domain.Notification] {
	return Collection[domain.Notification]{g: g, table: store.TableNotifications, order: "date", desc: true, limit: 20}
}

func (g *Gateway) ActivityLogs() Collection[domain.ActivityLog] {
	return Collection[domain.ActivityLog]{g: g, table: store.TableActivityLogs, order: "timestamp", desc: true, limit: 50}
}

func (g *Gateway) CurrentUserID(ctx context.Context) (string, error) {
	return g.session.UserID(ctx)
}

// EnsureAccountExists creates the profile and default settings rows for
// accountID when they are missing. Both writes are upserts keyed by the
// account, so repeating the call never duplicates them.
func (g *Gateway) EnsureAccountExists(ctx context.Context, accountID string, profile domain.Profile) error {
	return g.run(ctx, "ensure account", func(ctx context.Context, userID string) error {
		if accountID != "" && accountID != userID {
			return fmt.Errorf("%w: %s", ErrAccountMismatch, accountID)
		}
		profiles, err := g.remote.Select(ctx, store.Query{Table: store.TableProfiles, UserID: userID, Limit: 1})
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			profile.ID = userID
			raw, err := json.Marshal(profile)
			if err != nil {
				return err
			}
			if _, err := g.remote.Upsert(ctx, store.TableProfiles, userID, raw, "user_id"); err != nil {
				return err
			}
			g.logger.Info("account profile created", zap.String("account", userID))
		}

		settings, err := g.remote.Select(ctx, store.Query{Table: store.TableSettings, UserID: userID, Limit: 1})
		if err != nil {
			return err
		}
		if len(settings) > 0 {
			return nil
		}
		raw, err := json.Marshal(domain.DefaultSettings(userID))
		if err != nil {
			return err
		}
		_, err = g.remote.Upsert(ctx, store.TableSettings, userID, raw, "user_id")
		return err
	})
}

// Account returns the profile and settings rows, with default settings
// when the account has none yet.
func (g *Gateway) Account(ctx context.Context) (domain.Account, error) {
	var account domain.Account
	err := g.run(ctx, "load account", func(ctx context.Context, userID string) error {
		account = domain.Account{Profile: domain.Profile{ID: userID}, Settings: domain.DefaultSettings(userID)}
		profiles, err := g.remote.Select(ctx, store.Query{Table: store.TableProfiles, UserID: userID, Limit: 1})
		if err != nil {
			return err
		}
		if len(profiles) > 0 {
			if err := json.Unmarshal(profiles[0], &account.Profile); err != nil {
				return fmt.Errorf("decode profile: %w", err)
			}
		}
		settings, err := g.remote.Select(ctx, store.Query{Table: store.TableSettings, UserID: userID, Limit: 1})
		if err != nil {
			return err
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings[0], &account.Settings); err != nil {
				return fmt.Errorf("decode settings: %w", err)
			}
		}
		return nil
	})
	return account, err
}

func (g *Gateway) UpdateSettings(ctx context.Context, patch map[string]any) (domain.Settings, error) {
	var settings domain.Settings
	raw, err := json.Marshal(patch)
	if err != nil {
		return settings, err
	}
	err = g.run(ctx, "update settings", func(ctx context.Context, userID string) error {
		row, err := g.remote.Update(ctx, store.Query{Table: store.TableSettings, UserID: userID}, raw)
		if err != nil {
			return err
		}
		return json.Unmarshal(row, &settings)
	})
	return settings, err
}

// UpdateProfile patches the account's profile row.
func (g *Gateway) UpdateProfile(ctx context.Context, upd domain.ProfileUpdate) (domain.Profile, error) {
	var profile domain.Profile
	raw, err := json.Marshal(upd)
	if err != nil {
		return profile, err
	}
	err = g.run(ctx, "update profile", func(ctx context.Context, userID string) error {
		row, err := g.remote.Update(ctx, store.Query{Table: store.TableProfiles, UserID: userID}, raw)
		if err != nil {
			return err
		}
		return json.Unmarshal(row, &profile)
	})
	return profile, err
}

func (g *Gateway) UpdateExchangeRates(ctx context.Context, rates domain.ExchangeRates) (domain.Settings, error) {
	return g.UpdateSettings(ctx, map[string]any{"exchange_rates": rates})
}

func (g *Gateway) ReturnSale(ctx context.Context, saleID string) error {
	return g.run(ctx, "return sale", func(ctx context.Context, userID string) error {
		_, err := g.remote.Call(ctx, store.RPCReturnSale, map[string]any{"sale_uuid": saleID, "user_uuid": userID})
		return err
	})
}

func (g *Gateway) ReturnPurchase(ctx context.Context, purchaseID string) error {
	return g.run(ctx, "return purchase", func(ctx context.Context, userID string) error {
		_, err := g.remote.Call(ctx, store.RPCReturnPurchase, map[string]any{"purchase_uuid": purchaseID, "user_uuid": userID})
		return err
	})
}

func (g *Gateway) FinancialSummary(ctx context.Context, from, to time.Time) ([]domain.FinancialSummary, error) {
	var out []domain.FinancialSummary
	err := g.run(ctx, "financial summary", func(ctx context.Context, userID string) error {
		raw, err := g.remote.Call(ctx, store.RPCFinancialSummary, map[string]any{
			"user_uuid":    userID,
			"p_start_date": formatBound(from),
			"p_end_date":   formatBound(to),
		})
		if err != nil {
			return err
		}
		out = []domain.FinancialSummary{}
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

func (g *Gateway) CreateCloudBackup(ctx context.Context) (domain.Backup, error) {
	var backup domain.Backup
	err := g.run(ctx, "cloud backup", func(ctx context.Context, userID string) error {
		raw, err := g.remote.Call(ctx, store.RPCCreateBackup, map[string]any{"user_uuid": userID})
		if err != nil || len(raw) == 0 {
			return err
		}
		return json.Unmarshal(raw, &backup)
	})
	return backup, err
}

// SaveLog appends an activity log entry.
func (g *Gateway) SaveLog(ctx context.Context, entry domain.ActivityLog) (domain.ActivityLog, error) {
	return g.ActivityLogs().Insert(ctx, entry)
}

func (g *Gateway) SaveNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	return g.Notifications().Insert(ctx, n)
}

func (g *Gateway) MarkNotificationsRead(ctx context.Context) error {
	return g.run(ctx, "mark notifications read", func(ctx context.Context, userID string) error {
		_, err := g.remote.Update(ctx, store.Query{Table: store.TableNotifications, UserID: userID}, json.RawMessage(`{"read":true}`))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
