package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrReferenced   = errors.New("record is still referenced")
	ErrInvalid      = errors.New("invalid record")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("remote unavailable")
)

type Table string

const (
	TableCustomers        Table = "customers"
	TableSuppliers        Table = "suppliers"
	TableCategories       Table = "categories"
	TableSales            Table = "sales"
	TablePurchases        Table = "purchases"
	TableVouchers         Table = "vouchers"
	TableExpenses         Table = "expenses"
	TableExpenseTemplates Table = "expense_templates"
	TableWaste            Table = "waste"
	TableActivityLogs     Table = "activity_logs"
	TableNotifications    Table = "notifications"
	TableProfiles         Table = "users"
	TableSettings         Table = "user_settings"
	TableBackups          Table = "backups"
	TableOpeningBalances  Table = "opening_balances"
)

// RPC names understood by every backend.
const (
	RPCReturnSale       = "return_sale"
	RPCReturnPurchase   = "return_purchase"
	RPCFinancialSummary = "get_financial_summary"
	RPCCreateBackup     = "create_auto_backup"
)

// Query scopes a read or write to one account. UserID is mandatory for
// every operation; ID narrows to a single row.
type Query struct {
	Table  Table
	UserID string
	ID     string
	Order  string
	Desc   bool
	Limit  int
}

// Remote is the authoritative multi-account store behind the gateway.
// Rows travel as JSON objects; backends stamp user_id and generate ids.
type Remote interface {
	Select(ctx context.Context, q Query) ([]json.RawMessage, error)
	Insert(ctx context.Context, table Table, userID string, row json.RawMessage) (json.RawMessage, error)
	// Upsert inserts row or merges it into the existing row whose onConflict
	// column matches within the same account.
	Upsert(ctx context.Context, table Table, userID string, row json.RawMessage, onConflict string) (json.RawMessage, error)
	Update(ctx context.Context, q Query, patch json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, q Query) error
	Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error)
}

// Change is a remote mutation notice. Table is empty when the feed cannot
// tell which collection changed.
type Change struct {
	Table Table `json:"table"`
}

type ChangeFeed interface {
	Subscribe(ctx context.Context, accountID string) (<-chan Change, error)
}

// Deliver sends c on a buffered channel without blocking. A change the
// reader has not taken yet is merged with c: two different tables become
// an unnamed change, so the reader reloads everything.
func Deliver(out chan Change, c Change) {
	select {
	case out <- c:
		return
	default:
	}
	select {
	case pending := <-out:
		if pending.Table != c.Table {
			c = Change{}
		}
	default:
	}
	select {
	case out <- c:
	default:
	}
}

// RemoteError is a failed remote call with its transport status. Status 0
// means the request never got a response.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("remote %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("remote %d: %s", e.Status, msg)
}

func (e *RemoteError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return KindOf(e.Status, e.Code)
}

// KindOf maps an HTTP status and a PostgreSQL error code onto the sentinel errors.
func KindOf(status int, code string) error {
	switch code {
	case "23505":
		return ErrConflict
	case "23503":
		return ErrReferenced
	case "PGRST116":
		return ErrNotFound
	}
	switch {
	case status == 0, status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		return ErrUnavailable
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status >= 400 && status < 500:
		return ErrInvalid
	}
	return errors.New(http.StatusText(status))
}

// StatusOf reports the remote status carried by err, or -1 when err did not
// come from a remote call.
func StatusOf(err error) int {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Status
	}
	return -1
}

func NewError(kind error, format string, args ...any) *RemoteError {
	status := http.StatusBadRequest
	switch kind {
	case ErrNotFound:
		status = http.StatusNotFound
	case ErrConflict, ErrReferenced:
		status = http.StatusConflict
	case ErrUnauthorized:
		status = http.StatusUnauthorized
	case ErrUnavailable:
		status = http.StatusServiceUnavailable
	}
	return &RemoteError{Status: status, Message: fmt.Sprintf(format, args...), Err: kind}
}
