// Package format converts and renders amounts for presentation. Nothing
// here feeds back into stored figures.
package format

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"daftar/internal/domain"
)

// ToBase converts amount from currency into rates.Base. It reports false
// when no rate is known for currency.
func ToBase(amount decimal.Decimal, currency string, rates domain.ExchangeRates) (decimal.Decimal, bool) {
	base := rates.Base
	if base == "" {
		base = domain.BaseCurrency
	}
	if currency == base {
		return amount, true
	}
	rate, ok := rates.Rates[currency]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return amount.Mul(rate), true
}

// BudgetInBase folds per-currency budget lines into one line in the base
// currency. Currencies without a rate are left out and returned.
func BudgetInBase(lines []domain.BudgetLine, rates domain.ExchangeRates) (domain.BudgetLine, []string) {
	total := domain.BudgetLine{Currency: rates.Base}
	if total.Currency == "" {
		total.Currency = domain.BaseCurrency
	}
	var missing []string
	for _, l := range lines {
		assets, ok := ToBase(l.Assets, l.Currency, rates)
		if !ok {
			missing = append(missing, l.Currency)
			continue
		}
		liabilities, _ := ToBase(l.Liabilities, l.Currency, rates)
		total.Assets = total.Assets.Add(assets)
		total.Liabilities = total.Liabilities.Add(liabilities)
	}
	total.Net = total.Assets.Sub(total.Liabilities)
	return total, missing
}

// Display renders amount with the currency's symbol, separators and minor
// unit digits. Codes go-money does not know are shown as "<amount> <code>".
func Display(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), currency).Display()
}
