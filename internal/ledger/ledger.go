// Package ledger derives per-party balances and the agency-wide budget from
// transaction collections. Everything here is pure: the same inputs always
// give the same, identically ordered, outputs.
package ledger

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"daftar/internal/domain"
)

// CustomerBalances returns what customer partyID owes the agency, per
// currency: credit sales minus receipts plus payments. Returned sales and
// cash sales add nothing, though a cash sale still counts as activity in
// its currency.
func CustomerBalances(partyID string, sales []domain.Sale, vouchers []domain.Voucher) []domain.Balance {
	acc := newAccumulator()
	for _, s := range sales {
		if s.CustomerID != partyID || s.IsReturned {
			continue
		}
		acc.touch(s.Currency)
		if s.Status == domain.PaymentCredit {
			acc.add(s.Currency, s.Total)
		}
	}
	applyVouchers(acc, partyID, domain.PartyCustomer, vouchers, domain.VoucherReceipt)
	return acc.balances()
}

// SupplierBalances returns what the agency owes supplier partyID, per
// currency: credit purchases minus payments plus receipts.
func SupplierBalances(partyID string, purchases []domain.Purchase, vouchers []domain.Voucher) []domain.Balance {
	acc := newAccumulator()
	for _, p := range purchases {
		if p.SupplierID != partyID || p.IsReturned {
			continue
		}
		acc.touch(p.Currency)
		if p.Status == domain.PaymentCredit {
			acc.add(p.Currency, p.Total)
		}
	}
	applyVouchers(acc, partyID, domain.PartySupplier, vouchers, domain.VoucherPayment)
	return acc.balances()
}

// GlobalBudgetSummary totals positive customer debts as assets and positive
// supplier debts as liabilities, per currency.
func GlobalBudgetSummary(customers, suppliers []domain.Party, sales []domain.Sale, purchases []domain.Purchase, vouchers []domain.Voucher) []domain.BudgetLine {
	salesBy := make(map[string][]domain.Sale)
	for _, s := range sales {
		salesBy[s.CustomerID] = append(salesBy[s.CustomerID], s)
	}
	purchasesBy := make(map[string][]domain.Purchase)
	for _, p := range purchases {
		purchasesBy[p.SupplierID] = append(purchasesBy[p.SupplierID], p)
	}
	vouchersBy := make(map[string][]domain.Voucher)
	for _, v := range vouchers {
		vouchersBy[v.PartyID] = append(vouchersBy[v.PartyID], v)
	}

	lines := make(map[string]*domain.BudgetLine)
	line := func(currency string) *domain.BudgetLine {
		l, ok := lines[currency]
		if !ok {
			l = &domain.BudgetLine{Currency: currency}
			lines[currency] = l
		}
		return l
	}

	for _, c := range customers {
		for _, b := range CustomerBalances(c.ID, salesBy[c.ID], vouchersBy[c.ID]) {
			l := line(b.Currency)
			if b.Amount.IsPositive() {
				l.Assets = l.Assets.Add(b.Amount)
			}
		}
	}
	for _, s := range suppliers {
		for _, b := range SupplierBalances(s.ID, purchasesBy[s.ID], vouchersBy[s.ID]) {
			l := line(b.Currency)
			if b.Amount.IsPositive() {
				l.Liabilities = l.Liabilities.Add(b.Amount)
			}
		}
	}

	out := make([]domain.BudgetLine, 0, len(lines))
	for _, currency := range sortedCurrencies(lines) {
		l := lines[currency]
		l.Net = l.Assets.Sub(l.Liabilities)
		out = append(out, *l)
	}
	return out
}

// applyVouchers subtracts vouchers of type reduces and adds the opposite
// type. Vouchers without a party kind predate it and match on id alone.
func applyVouchers(acc *accumulator, partyID string, kind domain.PartyKind, vouchers []domain.Voucher, reduces domain.VoucherType) {
	for _, v := range vouchers {
		if v.PartyID != partyID || (v.PartyKind != "" && v.PartyKind != kind) {
			continue
		}
		acc.touch(v.Currency)
		if v.Type == reduces {
			acc.add(v.Currency, v.Amount.Neg())
		} else {
			acc.add(v.Currency, v.Amount)
		}
	}
}

type accumulator struct {
	totals map[string]decimal.Decimal
}

func newAccumulator() *accumulator {
	return &accumulator{totals: make(map[string]decimal.Decimal)}
}

func (a *accumulator) touch(currency string) {
	if _, ok := a.totals[currency]; !ok {
		a.totals[currency] = decimal.Zero
	}
}

func (a *accumulator) add(currency string, amount decimal.Decimal) {
	a.totals[currency] = a.totals[currency].Add(amount)
}

func (a *accumulator) balances() []domain.Balance {
	out := make([]domain.Balance, 0, len(a.totals))
	for _, currency := range sortedCurrencies(a.totals) {
		out = append(out, domain.Balance{Currency: currency, Amount: a.totals[currency]})
	}
	return out
}

// sortedCurrencies orders keys base currency first, then the other known
// currencies, then anything else alphabetically.
func sortedCurrencies[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		ra, rb := rank(a), rank(b)
		if ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
	return keys
}

func rank(currency string) int {
	if i := slices.Index(domain.Currencies, currency); i >= 0 {
		return i
	}
	return len(domain.Currencies)
}
