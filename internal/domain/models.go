package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CurrencyYER = "YER"
	CurrencySAR = "SAR"
	CurrencyOMR = "OMR"

	BaseCurrency = CurrencyYER
)

// Currencies lists the currencies the agency trades in, base first.
var Currencies = []string{CurrencyYER, CurrencySAR, CurrencyOMR}

type PartyKind string

const (
	PartyCustomer PartyKind = "customer"
	PartySupplier PartyKind = "supplier"
)

type PaymentStatus string

const (
	PaymentCash   PaymentStatus = "cash"
	PaymentCredit PaymentStatus = "credit"
)

type VoucherType string

const (
	VoucherReceipt VoucherType = "receipt"
	VoucherPayment VoucherType = "payment"
)

const (
	NotificationSuccess = "success"
	NotificationWarning = "warning"
	NotificationInfo    = "info"
)

// MaxVoucherEdits bounds the edit history kept on a voucher.
const MaxVoucherEdits = 5

type Party struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Name      string    `json:"name" validate:"required,max=120"`
	Phone     string    `json:"phone,omitempty" validate:"max=32"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

type Category struct {
	ID        string          `json:"id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Name      string          `json:"name" validate:"required,max=120"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	Currency  string          `json:"currency" validate:"required,len=3"`
	Stock     int             `json:"stock"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
}

type CategoryUpdate struct {
	Name     *string          `json:"name,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Currency *string          `json:"currency,omitempty"`
	Stock    *int             `json:"stock,omitempty"`
}

type Sale struct {
	ID           string          `json:"id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	CustomerID   string          `json:"customer_id" validate:"required"`
	CustomerName string          `json:"customer_name"`
	CategoryID   string          `json:"category_id,omitempty"`
	CategoryName string          `json:"category_name" validate:"required"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency" validate:"required,len=3"`
	Status       PaymentStatus   `json:"status" validate:"oneof=cash credit"`
	Date         time.Time       `json:"date"`
	Notes        string          `json:"notes,omitempty"`
	IsReturned   bool            `json:"is_returned"`
	ReturnedAt   *time.Time      `json:"returned_at,omitempty"`
}

type Purchase struct {
	ID           string          `json:"id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	SupplierID   string          `json:"supplier_id" validate:"required"`
	SupplierName string          `json:"supplier_name"`
	CategoryID   string          `json:"category_id,omitempty"`
	CategoryName string          `json:"category_name" validate:"required"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency" validate:"required,len=3"`
	Status       PaymentStatus   `json:"status" validate:"oneof=cash credit"`
	Date         time.Time       `json:"date"`
	Notes        string          `json:"notes,omitempty"`
	IsReturned   bool            `json:"is_returned"`
	ReturnedAt   *time.Time      `json:"returned_at,omitempty"`
}

type VoucherEdit struct {
	Date             time.Time       `json:"date"`
	PreviousAmount   decimal.Decimal `json:"previous_amount"`
	PreviousCurrency string          `json:"previous_currency,omitempty"`
	PreviousNotes    string          `json:"previous_notes"`
}

type Voucher struct {
	ID          string          `json:"id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Type        VoucherType     `json:"type" validate:"oneof=receipt payment"`
	PartyID     string          `json:"party_id" validate:"required"`
	PartyKind   PartyKind       `json:"party_type" validate:"oneof=customer supplier"`
	PartyName   string          `json:"party_name"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"required,len=3"`
	Notes       string          `json:"notes,omitempty"`
	Date        time.Time       `json:"date"`
	EditHistory []VoucherEdit   `json:"edit_history,omitempty"`
}

type VoucherUpdate struct {
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency *string          `json:"currency,omitempty"`
	Notes    *string          `json:"notes,omitempty"`
}

type Expense struct {
	ID       string          `json:"id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Title    string          `json:"title" validate:"required"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency string          `json:"currency" validate:"required,len=3"`
	Date     time.Time       `json:"date"`
	Notes    string          `json:"notes,omitempty"`
}

type ExpenseUpdate struct {
	Title    *string          `json:"title,omitempty"`
	Category *string          `json:"category,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency *string          `json:"currency,omitempty"`
	Notes    *string          `json:"notes,omitempty"`
}

type ExpenseTemplate struct {
	ID        string          `json:"id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Title     string          `json:"title" validate:"required"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency  string          `json:"currency" validate:"required,len=3"`
	Frequency string          `json:"frequency" validate:"oneof=daily weekly monthly"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
}

type Waste struct {
	ID           string    `json:"id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	CategoryID   string    `json:"category_id,omitempty"`
	CategoryName string    `json:"category_name" validate:"required"`
	Quantity     int       `json:"quantity" validate:"gt=0"`
	Date         time.Time `json:"date"`
	Notes        string    `json:"notes,omitempty"`
}

// OpeningBalance is a debt carried into the book from before it was kept.
// A positive amount is owed by a customer, or owed to a supplier.
type OpeningBalance struct {
	ID        string          `json:"id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	PartyID   string          `json:"party_id" validate:"required"`
	PartyKind PartyKind       `json:"party_type" validate:"oneof=customer supplier"`
	PartyName string          `json:"party_name"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" validate:"required,len=3"`
	Notes     string          `json:"notes,omitempty"`
	Date      time.Time       `json:"date"`
}

// DefaultExpenseCategories seeds the local list of expense categories.
var DefaultExpenseCategories = []string{"Petty cash", "Electricity", "Rent", "Lunch", "Incentives"}

// ExchangeRates maps each secondary currency to units of Base.
type ExchangeRates struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func DefaultExchangeRates() ExchangeRates {
	return ExchangeRates{
		Base: BaseCurrency,
		Rates: map[string]decimal.Decimal{
			CurrencySAR: decimal.NewFromInt(430),
			CurrencyOMR: decimal.NewFromInt(425),
		},
	}
}

type ActivityLog struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type Notification struct {
	ID      string    `json:"id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Type    string    `json:"type"`
	Date    time.Time `json:"date"`
	Read    bool      `json:"read"`
}

type Profile struct {
	ID         string    `json:"id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	FullName   string    `json:"full_name,omitempty"`
	AgencyName string    `json:"agency_name,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
}

type ProfileUpdate struct {
	Email      *string `json:"email,omitempty" validate:"omitempty,email"`
	FullName   *string `json:"full_name,omitempty" validate:"omitempty,max=120"`
	AgencyName *string `json:"agency_name,omitempty" validate:"omitempty,max=120"`
}

type Settings struct {
	ID                 string        `json:"id,omitempty"`
	UserID             string        `json:"user_id,omitempty"`
	Theme              string        `json:"theme"`
	CurrencyPreference string        `json:"currency_preference"`
	ExchangeRates      ExchangeRates `json:"exchange_rates"`
}

func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:             userID,
		Theme:              "light",
		CurrencyPreference: BaseCurrency,
		ExchangeRates:      DefaultExchangeRates(),
	}
}

type Account struct {
	Profile  Profile  `json:"profile"`
	Settings Settings `json:"settings"`
}

type Balance struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

type BudgetLine struct {
	Currency    string          `json:"currency"`
	Assets      decimal.Decimal `json:"assets"`
	Liabilities decimal.Decimal `json:"liabilities"`
	Net         decimal.Decimal `json:"net"`
}

type FinancialSummary struct {
	Currency       string          `json:"currency"`
	TotalSales     decimal.Decimal `json:"total_sales"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	TotalExpenses  decimal.Decimal `json:"total_expenses"`
	Net            decimal.Decimal `json:"net"`
}

type Backup struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	ArchiveKey string    `json:"archive_key,omitempty"`
}
