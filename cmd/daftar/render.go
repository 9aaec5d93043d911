package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"daftar/internal/coordinator"
	"daftar/internal/domain"
	"daftar/internal/format"
	"daftar/internal/store"
)

func partyName(parties []domain.Party, id string) (string, bool) {
	i := slices.IndexFunc(parties, func(p domain.Party) bool { return p.ID == id })
	if i < 0 {
		return "", false
	}
	return parties[i].Name, true
}

func statusMarkdown(accountID string, snap coordinator.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Book %s\n\n", accountID)
	if snap.ConnectionError {
		b.WriteString("> **Offline**: some collections could not be loaded; showing the last cached values.\n\n")
	}
	b.WriteString("| Collection | Records | State |\n|---|---:|---|\n")
	rows := []struct {
		table store.Table
		count int
	}{
		{store.TableCustomers, len(snap.Customers)},
		{store.TableSuppliers, len(snap.Suppliers)},
		{store.TableCategories, len(snap.Categories)},
		{store.TableSales, len(snap.Sales)},
		{store.TablePurchases, len(snap.Purchases)},
		{store.TableVouchers, len(snap.Vouchers)},
		{store.TableExpenses, len(snap.Expenses)},
		{store.TableExpenseTemplates, len(snap.ExpenseTemplates)},
		{store.TableWaste, len(snap.Waste)},
	}
	for _, r := range rows {
		state := snap.States[r.table]
		if state == "" {
			state = coordinator.StateIdle
		}
		fmt.Fprintf(&b, "| %s | %d | %s |\n", r.table, r.count, state)
	}

	unread := 0
	for _, n := range snap.Notifications {
		if !n.Read {
			unread++
		}
	}
	if unread > 0 {
		fmt.Fprintf(&b, "\n%d unread notification(s).\n", unread)
	}
	return b.String()
}

func balancesMarkdown(title, caption string, balances []domain.Balance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if len(balances) == 0 {
		b.WriteString("No activity.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "| Currency | %s |\n|---|---:|\n", caption)
	for _, bal := range balances {
		fmt.Fprintf(&b, "| %s | %s |\n", bal.Currency, format.Display(bal.Amount, bal.Currency))
	}
	return b.String()
}

type budgetView struct {
	lines   []domain.BudgetLine
	base    *domain.BudgetLine
	missing []string
}

func budgetMarkdown(v budgetView) string {
	var b strings.Builder
	b.WriteString("# Budget\n\n")
	if len(v.lines) == 0 {
		b.WriteString("No outstanding balances.\n")
		return b.String()
	}
	b.WriteString("| Currency | Assets | Liabilities | Net |\n|---|---:|---:|---:|\n")
	for _, l := range v.lines {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", l.Currency,
			format.Display(l.Assets, l.Currency),
			format.Display(l.Liabilities, l.Currency),
			format.Display(l.Net, l.Currency))
	}
	if v.base != nil {
		t := v.base
		fmt.Fprintf(&b, "\n**Total in %s**: assets %s, liabilities %s, net %s\n", t.Currency,
			format.Display(t.Assets, t.Currency),
			format.Display(t.Liabilities, t.Currency),
			format.Display(t.Net, t.Currency))
		if len(v.missing) > 0 {
			fmt.Fprintf(&b, "\n_No exchange rate for %s; left out of the total._\n", strings.Join(v.missing, ", "))
		}
	}
	return b.String()
}

func backupMarkdown(bk domain.Backup) string {
	var b strings.Builder
	b.WriteString("# Backup created\n\n")
	fmt.Fprintf(&b, "- id: `%s`\n", bk.ID)
	fmt.Fprintf(&b, "- at: %s\n", bk.CreatedAt.UTC().Format(time.RFC3339))
	if bk.ArchiveKey != "" {
		fmt.Fprintf(&b, "- archive: `%s`\n", bk.ArchiveKey)
	}
	return b.String()
}
