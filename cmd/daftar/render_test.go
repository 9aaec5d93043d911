package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"daftar/internal/coordinator"
	"daftar/internal/domain"
	"daftar/internal/store"
)

func TestStatusMarkdownFlagsOfflineBook(t *testing.T) {
	snap := coordinator.Snapshot{
		Customers:       []domain.Party{{ID: "c1"}, {ID: "c2"}},
		ConnectionError: true,
		States:          map[store.Table]coordinator.LoadState{store.TableCustomers: coordinator.StateLoaded},
		Notifications:   []domain.Notification{{Title: "Sale added"}, {Title: "old", Read: true}},
	}

	md := statusMarkdown("acct-1", snap)
	assert.Contains(t, md, "# Book acct-1")
	assert.Contains(t, md, "**Offline**")
	assert.Contains(t, md, "| customers | 2 | loaded |")
	assert.Contains(t, md, "| waste | 0 | idle |")
	assert.Contains(t, md, "1 unread notification(s).")
}

func TestBalancesMarkdown(t *testing.T) {
	md := balancesMarkdown("Customer Ali", "Owes the agency", []domain.Balance{
		{Currency: domain.CurrencySAR, Amount: decimal.NewFromInt(70)},
	})
	assert.Contains(t, md, "# Customer Ali")
	assert.Contains(t, md, "| SAR |")
	assert.Contains(t, md, "70")

	assert.Contains(t, balancesMarkdown("Supplier X", "Owed", nil), "No activity.")
}

func TestBudgetMarkdownReportsMissingRates(t *testing.T) {
	total := domain.BudgetLine{Currency: domain.CurrencyYER, Assets: decimal.NewFromInt(30100), Net: decimal.NewFromInt(30100)}
	md := budgetMarkdown(budgetView{
		lines: []domain.BudgetLine{
			{Currency: domain.CurrencySAR, Assets: decimal.NewFromInt(70), Net: decimal.NewFromInt(70)},
			{Currency: "EUR", Assets: decimal.NewFromInt(5), Net: decimal.NewFromInt(5)},
		},
		base:    &total,
		missing: []string{"EUR"},
	})
	assert.Contains(t, md, "| SAR |")
	assert.Contains(t, md, "**Total in YER**")
	assert.Contains(t, md, "No exchange rate for EUR")

	assert.Contains(t, budgetMarkdown(budgetView{}), "No outstanding balances.")
}

func TestBackupMarkdown(t *testing.T) {
	md := backupMarkdown(domain.Backup{
		ID:         "bk-1",
		CreatedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		ArchiveKey: "daftar/accounts/acct-1/snapshots/20260301T080000.000Z.json",
	})
	assert.Contains(t, md, "`bk-1`")
	assert.Contains(t, md, "2026-03-01T08:00:00Z")
	assert.Contains(t, md, "snapshots/20260301T080000.000Z.json")
}

func TestPrintMarkdownWritesSomething(t *testing.T) {
	var out bytes.Buffer
	printMarkdown(&out, "# Budget\n\nNo outstanding balances.\n")
	assert.True(t, strings.Contains(out.String(), "Budget"))
}

func TestBalancesRequiresExactlyOneParty(t *testing.T) {
	c := &balancesCmd{customer: "c1", supplier: "s1"}
	assert.Equal(t, subcommands.ExitUsageError, c.Execute(t.Context(), nil))

	c = &balancesCmd{}
	assert.Equal(t, subcommands.ExitUsageError, c.Execute(t.Context(), nil))
}

func TestCommandsAreRegistrable(t *testing.T) {
	names := map[string]bool{}
	for _, c := range commands {
		assert.NotEmpty(t, c.Synopsis())
		assert.True(t, strings.HasPrefix(c.Usage(), "daftar "+c.Name()))
		names[c.Name()] = true
	}
	assert.Len(t, names, 4)
}
