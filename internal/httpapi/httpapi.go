package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/cart"
	"github.com/bamskydbest/pharm-sub001/internal/connectivity"
	"github.com/bamskydbest/pharm-sub001/internal/coordinator"
	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/outbox"
	"github.com/bamskydbest/pharm-sub001/internal/receipt"
	"github.com/bamskydbest/pharm-sub001/internal/scan"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/tender"
)

type Deps struct {
	Coordinator   *coordinator.Coordinator
	Keyboard      *scan.Keyboard
	Connectivity  *connectivity.Manual
	Receipts      *receipt.Spool
	Hub           *Hub
	AllowedOrigin string
	Logger        *zap.Logger
}

// API is the local HTTP surface the terminal UI talks to.
type API struct {
	coord         *coordinator.Coordinator
	keyboard      *scan.Keyboard
	signal        *connectivity.Manual
	receipts      *receipt.Spool
	hub           *Hub
	allowedOrigin string
	logger        *zap.Logger
}

func New(deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		coord:         deps.Coordinator,
		keyboard:      deps.Keyboard,
		signal:        deps.Connectivity,
		receipts:      deps.Receipts,
		hub:           deps.Hub,
		allowedOrigin: deps.AllowedOrigin,
		logger:        logger.Named("httpapi"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Get("/ws/events", a.handleEvents)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/terminal", a.handleSnapshot)
		r.Post("/keys", a.handleKeys)
		r.Get("/products/search", a.handleSearch)

		r.Post("/cart/scan", a.handleScan)
		r.Post("/cart/items", a.handleAddItem)
		r.Patch("/cart/items/{productID}", a.handleAdjustItem)
		r.Delete("/cart/items/{productID}", a.handleRemoveItem)
		r.Delete("/cart", a.handleClearCart)
		r.Post("/cart/refresh", a.handleRefreshStock)

		r.Put("/tenders/{instrument}", a.handleSetTender)
		r.Post("/tenders/{instrument}/quick", a.handleQuickTender)
		r.Post("/tenders/{instrument}/exact", a.handleExactTender)
		r.Post("/tenders/{instrument}/activate", a.handleActivateTender)
		r.Put("/customer", a.handleCustomer)

		r.Post("/sales/complete", a.handleComplete)
		r.Get("/receipts/last", a.handleLastReceipt)

		r.Get("/sync/pending", a.handlePending)
		r.Post("/sync/drain", a.handleDrain)
		r.Delete("/sync/pending/{key}", a.handleDiscardQueued)
		r.Post("/connectivity", a.handleConnectivity)

		r.Get("/carts/hold", a.handleListHeld)
		r.Post("/carts/hold", a.handleHold)
		r.Post("/carts/hold/{holdID}/resume", a.handleResume)
		r.Delete("/carts/hold/{holdID}", a.handleDiscardHeld)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { writeMethodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.Snapshot())
}

type keyEventRequest struct {
	Key         string    `json:"key"`
	At          time.Time `json:"at"`
	InTextInput bool      `json:"in_text_input"`
}

type keysRequest struct {
	Events []keyEventRequest `json:"events"`
}

func (a *API) handleKeys(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("events required"))
		return
	}

	now := time.Now()
	events := make([]scan.KeyEvent, 0, len(req.Events))
	for _, ev := range req.Events {
		at := ev.At
		if at.IsZero() {
			at = now
		}
		events = append(events, scan.KeyEvent{Key: ev.Key, At: at, InTextInput: ev.InTextInput})
	}
	a.keyboard.Publish(events...)
	writeJSON(w, http.StatusAccepted, a.coord.Snapshot())
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 100)
	products, err := a.coord.Search(r.Context(), query, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

type mutationResponse struct {
	Notice   cart.Notice             `json:"notice,omitempty"`
	Terminal domain.TerminalSnapshot `json:"terminal"`
}

func (a *API) writeMutation(w http.ResponseWriter, notice cart.Notice) {
	writeJSON(w, http.StatusOK, mutationResponse{Notice: notice, Terminal: a.coord.Snapshot()})
}

type scanRequest struct {
	Code string `json:"code"`
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, errors.New("code required"))
		return
	}
	notice, err := a.coord.HandleScan(r.Context(), code)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeMutation(w, notice)
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("product_id required"))
		return
	}
	notice, err := a.coord.AddProduct(r.Context(), req.ProductID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeMutation(w, notice)
}

type adjustRequest struct {
	Delta int `json:"delta"`
}

func (a *API) handleAdjustItem(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	notice, err := a.coord.AdjustQuantity(chi.URLParam(r, "productID"), req.Delta)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeMutation(w, notice)
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	removed, err := a.coord.Remove(productID)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, cart.ErrLineNotFound)
		return
	}
	a.writeMutation(w, cart.NoticeNone)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); !confirmed {
		writeError(w, http.StatusBadRequest, errors.New("clearing the cart requires confirm=true"))
		return
	}
	cleared, err := a.coord.Clear()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared, "terminal": a.coord.Snapshot()})
}

func (a *API) handleRefreshStock(w http.ResponseWriter, r *http.Request) {
	notices, err := a.coord.RefreshStock(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices, "terminal": a.coord.Snapshot()})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func instrumentParam(r *http.Request) domain.Instrument {
	return domain.Instrument(strings.ToLower(chi.URLParam(r, "instrument")))
}

func (a *API) handleSetTender(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.coord.SetTender(instrumentParam(r), req.Amount); err != nil {
		a.fail(w, err)
		return
	}
	a.writeMutation(w, cart.NoticeNone)
}

func (a *API) handleQuickTender(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.coord.QuickTender(instrumentParam(r), req.Amount); err != nil {
		a.fail(w, err)
		return
	}
	a.writeMutation(w, cart.NoticeNone)
}

func (a *API) handleExactTender(w http.ResponseWriter, r *http.Request) {
	instrument := instrumentParam(r)
	if instrument == "active" {
		instrument = ""
	}
	applied, err := a.coord.ExactTender(instrument)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "terminal": a.coord.Snapshot()})
}

func (a *API) handleActivateTender(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.SetActiveInstrument(instrumentParam(r)); err != nil {
		a.fail(w, err)
		return
	}
	a.writeMutation(w, cart.NoticeNone)
}

type customerRequest struct {
	CustomerRef string `json:"customer_ref"`
}

func (a *API) handleCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.coord.SetCustomer(req.CustomerRef); err != nil {
		a.fail(w, err)
		return
	}
	a.writeMutation(w, cart.NoticeNone)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	result, err := a.coord.Complete(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleLastReceipt(w http.ResponseWriter, r *http.Request) {
	if a.receipts == nil {
		writeError(w, http.StatusNotFound, errors.New("receipt spool disabled"))
		return
	}
	last, ok := a.receipts.Last()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no receipt rendered yet"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":       last,
		"escpos_base64": last.EscposBase64(),
	})
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	sales := a.coord.PendingSales()
	writeJSON(w, http.StatusOK, map[string]any{"pending": len(sales), "sales": sales})
}

type drainResponse struct {
	Skipped   bool               `json:"skipped"`
	Attempted int                `json:"attempted"`
	Delivered int                `json:"delivered"`
	Remaining int                `json:"remaining"`
	Blocked   *domain.QueuedSale `json:"blocked,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// handleDrain reports a stopped drain in the body; the queue keeping the
// sale is the expected outcome, not a request failure.
func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	result, err := a.coord.DrainNow(r.Context())
	resp := drainResponse{
		Skipped:   result.Skipped,
		Attempted: result.Attempted,
		Delivered: len(result.Delivered),
		Remaining: result.Remaining,
		Blocked:   result.Blocked,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDiscardQueued(w http.ResponseWriter, r *http.Request) {
	entry, err := a.coord.DiscardQueued(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discarded": entry, "pending": len(a.coord.PendingSales())})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, errors.New("online required"))
		return
	}
	a.signal.Set(*req.Online)
	writeJSON(w, http.StatusAccepted, map[string]any{"online": *req.Online})
}

func (a *API) handleListHeld(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	held, err := a.coord.ListHeld(r.Context(), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held_carts": held})
}

type holdRequest struct {
	Note string `json:"note"`
}

func (a *API) handleHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	held, err := a.coord.Hold(r.Context(), req.Note)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, held)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	notices, err := a.coord.Resume(r.Context(), chi.URLParam(r, "holdID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices, "terminal": a.coord.Snapshot()})
}

func (a *API) handleDiscardHeld(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.DiscardHeld(r.Context(), chi.URLParam(r, "holdID")); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusNotFound, errors.New("event stream disabled"))
		return
	}
	a.hub.ServeWS(w, r, a.allowedOrigin)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cart.ErrNotFound),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, outbox.ErrNotQueued):
		return http.StatusNotFound
	case errors.Is(err, tender.ErrNegativeAmount),
		errors.Is(err, tender.ErrUnknownInstrument),
		errors.Is(err, store.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrEmptyCart),
		errors.Is(err, coordinator.ErrInsufficientPayment),
		errors.Is(err, coordinator.ErrPermanentSubmission):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrNotBuilding),
		errors.Is(err, coordinator.ErrBusy),
		errors.Is(err, coordinator.ErrCartNotEmpty),
		errors.Is(err, outbox.ErrRejected):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(startedAt)))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
