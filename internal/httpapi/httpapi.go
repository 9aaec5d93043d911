package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daftar/internal/coordinator"
	"daftar/internal/domain"
	"daftar/internal/format"
	"daftar/internal/gateway"
	"daftar/internal/session"
	"daftar/internal/store"
)

type Options struct {
	AccountID     string
	AllowedOrigin string
	Logger        *zap.Logger
}

// API exposes the coordinator's actions and queries as a local JSON API.
type API struct {
	coord         *coordinator.Coordinator
	auth          *AuthManager
	accountID     string
	allowedOrigin string
	logger        *zap.Logger
	unlockLimiter *attemptLimiter
}

func New(coord *coordinator.Coordinator, auth *AuthManager, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		coord:         coord,
		auth:          auth,
		accountID:     opts.AccountID,
		allowedOrigin: opts.AllowedOrigin,
		logger:        logger,
		unlockLimiter: newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := gin.New()
	r.Use(recovery(a.logger), requestLogger(a.logger), a.securityHeaders())

	r.GET("/healthz", a.handleHealth)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/unlock", a.handleUnlock)

	book := v1.Group("", a.requireAuth())
	book.GET("/snapshot", a.handleSnapshot)
	book.GET("/status", a.handleStatus)
	book.POST("/reload", a.handleReload)

	book.POST("/customers", a.handleAddCustomer)
	book.GET("/customers/:id/balances", a.handleCustomerBalances)
	book.POST("/suppliers", a.handleAddSupplier)
	book.GET("/suppliers/:id/balances", a.handleSupplierBalances)

	book.POST("/categories", a.handleSaveCategory)
	book.PATCH("/categories/:id", a.handleUpdateCategory)

	book.POST("/sales", a.handleAddSale)
	book.POST("/sales/:id/return", a.handleReturnSale)
	book.POST("/purchases", a.handleAddPurchase)
	book.POST("/purchases/:id/return", a.handleReturnPurchase)
	book.POST("/waste", a.handleAddWaste)

	book.POST("/opening-balances", a.handleAddOpeningBalance)

	book.POST("/vouchers", a.handleAddVoucher)
	book.PATCH("/vouchers/:id", a.handleUpdateVoucher)

	book.POST("/expenses", a.handleAddExpense)
	book.PATCH("/expenses/:id", a.handleUpdateExpense)
	book.POST("/expense-templates", a.handleAddExpenseTemplate)
	book.POST("/expense-templates/:id/spawn", a.handleSpawnExpense)
	book.POST("/expense-categories", a.handleAddExpenseCategory)

	book.DELETE("/:collection/:id", a.handleDelete)

	book.PUT("/exchange-rates", a.handleExchangeRates)
	book.PATCH("/profile", a.handleUpdateProfile)
	book.GET("/budget", a.handleBudget)
	book.GET("/financial-summary", a.handleFinancialSummary)
	book.POST("/backups", a.handleBackup)
	book.POST("/notifications/read", a.handleNotificationsRead)

	return r
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleUnlock(c *gin.Context) {
	key := c.ClientIP()
	if !a.unlockLimiter.Allow(key) {
		abort(c, http.StatusTooManyRequests, errors.New("too many unlock attempts"))
		return
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if !bind(c, &req) {
		return
	}
	resp, err := a.auth.Unlock(req.PIN)
	if err != nil {
		abort(c, http.StatusUnauthorized, err)
		return
	}
	a.unlockLimiter.Reset(key)
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, a.coord.Snapshot())
}

func (a *API) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.status())
}

func (a *API) status() gin.H {
	snap := a.coord.Snapshot()
	return gin.H{
		"is_loading":       snap.IsLoading,
		"connection_error": snap.ConnectionError,
		"states":           snap.States,
	}
}

func (a *API) handleReload(c *gin.Context) {
	if err := a.coord.Reload(c.Request.Context(), a.accountID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.status())
}

func (a *API) handleAddCustomer(c *gin.Context) {
	var p domain.Party
	if !bind(c, &p) {
		return
	}
	created, err := a.coord.AddCustomer(c.Request.Context(), p)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleAddSupplier(c *gin.Context) {
	var p domain.Party
	if !bind(c, &p) {
		return
	}
	created, err := a.coord.AddSupplier(c.Request.Context(), p)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleCustomerBalances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"party_id": c.Param("id"), "balances": a.coord.CustomerBalances(c.Param("id"))})
}

func (a *API) handleSupplierBalances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"party_id": c.Param("id"), "balances": a.coord.SupplierBalances(c.Param("id"))})
}

func (a *API) handleSaveCategory(c *gin.Context) {
	var cat domain.Category
	if !bind(c, &cat) {
		return
	}
	saved, err := a.coord.SaveCategory(c.Request.Context(), cat)
	respond(c, http.StatusCreated, saved, err)
}

func (a *API) handleUpdateCategory(c *gin.Context) {
	var upd domain.CategoryUpdate
	if !bind(c, &upd) {
		return
	}
	saved, err := a.coord.UpdateCategory(c.Request.Context(), c.Param("id"), upd)
	respond(c, http.StatusOK, saved, err)
}

func (a *API) handleAddSale(c *gin.Context) {
	var s domain.Sale
	if !bind(c, &s) {
		return
	}
	created, err := a.coord.AddSale(c.Request.Context(), s)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleReturnSale(c *gin.Context) {
	if err := a.coord.ReturnSale(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleAddPurchase(c *gin.Context) {
	var p domain.Purchase
	if !bind(c, &p) {
		return
	}
	created, err := a.coord.AddPurchase(c.Request.Context(), p)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleReturnPurchase(c *gin.Context) {
	if err := a.coord.ReturnPurchase(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleAddWaste(c *gin.Context) {
	var w domain.Waste
	if !bind(c, &w) {
		return
	}
	created, err := a.coord.AddWaste(c.Request.Context(), w)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleAddOpeningBalance(c *gin.Context) {
	var ob domain.OpeningBalance
	if !bind(c, &ob) {
		return
	}
	created, err := a.coord.AddOpeningBalance(c.Request.Context(), ob)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleAddVoucher(c *gin.Context) {
	var v domain.Voucher
	if !bind(c, &v) {
		return
	}
	created, err := a.coord.AddVoucher(c.Request.Context(), v)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleUpdateVoucher(c *gin.Context) {
	var upd domain.VoucherUpdate
	if !bind(c, &upd) {
		return
	}
	saved, err := a.coord.UpdateVoucher(c.Request.Context(), c.Param("id"), upd)
	respond(c, http.StatusOK, saved, err)
}

func (a *API) handleAddExpense(c *gin.Context) {
	var e domain.Expense
	if !bind(c, &e) {
		return
	}
	created, err := a.coord.AddExpense(c.Request.Context(), e)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleUpdateExpense(c *gin.Context) {
	var upd domain.ExpenseUpdate
	if !bind(c, &upd) {
		return
	}
	saved, err := a.coord.UpdateExpense(c.Request.Context(), c.Param("id"), upd)
	respond(c, http.StatusOK, saved, err)
}

func (a *API) handleAddExpenseTemplate(c *gin.Context) {
	var t domain.ExpenseTemplate
	if !bind(c, &t) {
		return
	}
	created, err := a.coord.AddExpenseTemplate(c.Request.Context(), t)
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleSpawnExpense(c *gin.Context) {
	created, err := a.coord.SpawnExpense(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusCreated, created, err)
}

func (a *API) handleAddExpenseCategory(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if !bind(c, &req) {
		return
	}
	list, err := a.coord.AddExpenseCategory(c.Request.Context(), req.Name)
	respond(c, http.StatusCreated, gin.H{"expense_categories": list}, err)
}

// handleDelete accepts collection names with dashes or underscores.
func (a *API) handleDelete(c *gin.Context) {
	table := store.Table(strings.ReplaceAll(c.Param("collection"), "-", "_"))
	if err := a.coord.Delete(c.Request.Context(), table, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleExchangeRates(c *gin.Context) {
	var rates domain.ExchangeRates
	if !bind(c, &rates) {
		return
	}
	if err := a.coord.UpdateExchangeRates(c.Request.Context(), rates); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.coord.Snapshot().ExchangeRates)
}

func (a *API) handleUpdateProfile(c *gin.Context) {
	var upd domain.ProfileUpdate
	if !bind(c, &upd) {
		return
	}
	profile, err := a.coord.UpdateProfile(c.Request.Context(), upd)
	respond(c, http.StatusOK, profile, err)
}

// handleBudget returns per-currency lines; with base=true it also folds
// them into one line in the base currency.
func (a *API) handleBudget(c *gin.Context) {
	lines := a.coord.BudgetSummary()
	body := gin.H{"lines": lines}
	if inBase, _ := strconv.ParseBool(c.Query("base")); inBase {
		total, missing := format.BudgetInBase(lines, a.coord.Snapshot().ExchangeRates)
		body["base"] = total
		body["missing_rates"] = missing
	}
	c.JSON(http.StatusOK, body)
}

func (a *API) handleFinancialSummary(c *gin.Context) {
	from, err := parseDate(c.Query("from"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	to, err := parseDate(c.Query("to"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	summary, err := a.coord.FinancialSummary(c.Request.Context(), from, to)
	respond(c, http.StatusOK, summary, err)
}

func (a *API) handleBackup(c *gin.Context) {
	backup, err := a.coord.CreateCloudBackup(c.Request.Context())
	respond(c, http.StatusCreated, backup, err)
}

func (a *API) handleNotificationsRead(c *gin.Context) {
	if err := a.coord.MarkNotificationsRead(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("dates must be YYYY-MM-DD or RFC3339")
	}
	return t, nil
}

func bind(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return false
		}
		abort(c, http.StatusBadRequest, err)
		return false
	}
	return true
}

func respond(c *gin.Context, status int, payload any, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(status, payload)
}

func fail(c *gin.Context, err error) {
	abort(c, statusOf(err), err)
}

// statusOf maps domain and transport errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidInput), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrDuplicateName),
		errors.Is(err, coordinator.ErrPartyInUse),
		errors.Is(err, coordinator.ErrInsufficientStock),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrReferenced):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrAuthExpired),
		errors.Is(err, session.ErrNoSession),
		gateway.IsAuthError(err):
		return http.StatusUnauthorized
	case gateway.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abort writes an error body. 5xx responses carry only the status text.
func abort(c *gin.Context, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		_ = c.Error(err)
		requestLog(c).Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
