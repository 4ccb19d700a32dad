// Package coordinator drives the sale lifecycle of one terminal: it owns the
// cart and the tender ledger, freezes completed sales into payloads, submits
// them to the ledger and falls back to the offline queue.
//
// All calls are serialized behind one mutex. Submission to the ledger runs
// with the mutex released; while it is in flight the terminal is in the
// submitting state and refuses mutations and a second Complete.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/cart"
	"github.com/bamskydbest/pharm-sub001/internal/clock"
	"github.com/bamskydbest/pharm-sub001/internal/connectivity"
	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/ledger"
	"github.com/bamskydbest/pharm-sub001/internal/outbox"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/tender"
	"github.com/bamskydbest/pharm-sub001/internal/xid"
)

var (
	ErrEmptyCart           = errors.New("coordinator: cart is empty")
	ErrInsufficientPayment = errors.New("coordinator: payment does not cover the total")
	ErrNotBuilding         = errors.New("coordinator: sale is not being built")
	ErrBusy                = errors.New("coordinator: a sale is already being submitted")
	ErrPermanentSubmission = errors.New("coordinator: sale rejected by ledger")
	ErrCartNotEmpty        = errors.New("coordinator: cart must be empty to resume a held cart")
	ErrClosed              = errors.New("coordinator: closed")
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	maxCustomerRef     = 120
)

type Submitter interface {
	SubmitSale(ctx context.Context, payload domain.SalePayload) (domain.SaleAck, error)
}

type ReceiptRenderer interface {
	Render(ctx context.Context, sale domain.Sale) error
}

// Notifier receives terminal events. Notify must not block and must not call
// back into the coordinator.
type Notifier interface {
	Notify(event domain.Event)
}

type Config struct {
	StoreID    string
	TerminalID string
	Channel    string
}

type Deps struct {
	Catalog   store.Catalog
	HeldCarts store.HeldCarts
	Queue     *outbox.Queue
	Submitter Submitter
	Receipts  ReceiptRenderer
	Notifier  Notifier
	Tax       cart.TaxPolicy
	Clock     clock.Clock
	Logger    *zap.Logger
	// IsTransient decides which submit errors send the sale to the offline
	// queue. Defaults to ledger.IsTransient plus context deadlines.
	IsTransient func(error) bool
}

type CompleteResult struct {
	Outcome  domain.SaleState `json:"outcome"`
	Sale     domain.Sale      `json:"sale"`
	Sequence uint64           `json:"sequence,omitempty"`
	Pending  int              `json:"pending"`
}

type Coordinator struct {
	cfg         Config
	catalog     store.Catalog
	held        store.HeldCarts
	queue       *outbox.Queue
	submitter   Submitter
	receipts    ReceiptRenderer
	notifier    Notifier
	clock       clock.Clock
	logger      *zap.Logger
	isTransient func(error) bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	cart        *cart.Cart
	tender      *tender.Ledger
	customerRef string
	state       domain.SaleState
	processing  bool
	online      bool
	closed      bool
	releases    []func()
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("coordinator: catalog is required")
	case deps.HeldCarts == nil:
		return nil, errors.New("coordinator: held cart store is required")
	case deps.Queue == nil:
		return nil, errors.New("coordinator: offline queue is required")
	case deps.Submitter == nil:
		return nil, errors.New("coordinator: submitter is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = domain.ChannelPharmacy
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.IsTransient == nil {
		deps.IsTransient = defaultTransient
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:         cfg,
		catalog:     deps.Catalog,
		held:        deps.HeldCarts,
		queue:       deps.Queue,
		submitter:   deps.Submitter,
		receipts:    deps.Receipts,
		notifier:    deps.Notifier,
		clock:       deps.Clock,
		logger:      deps.Logger.Named("coordinator"),
		isTransient: deps.IsTransient,
		baseCtx:     ctx,
		cancel:      cancel,
		cart:        cart.New(deps.Catalog, deps.Tax),
		tender:      tender.New(),
		state:       domain.StateBuilding,
		online:      true,
	}, nil
}

func defaultTransient(err error) bool {
	return ledger.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// ScanHandler adapts HandleScan to the scan decoder's emit callback.
func (c *Coordinator) ScanHandler() func(code string) {
	return func(code string) {
		if _, err := c.HandleScan(c.baseCtx, code); err != nil {
			c.logger.Debug("scan not added", zap.String("code", code), zap.Error(err))
		}
	}
}

// HandleScan adds one unit of the product behind code.
func (c *Coordinator) HandleScan(ctx context.Context, code string) (cart.Notice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return cart.NoticeNone, err
	}
	c.notifyLocked(domain.Event{Type: domain.EventScan, Code: code})

	notice, err := c.cart.AddByCode(ctx, code)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			c.notifyLocked(domain.Event{Type: domain.EventNotice, Code: code, Notice: "not_found"})
		}
		return notice, err
	}
	if notice != cart.NoticeNone {
		c.notifyLocked(domain.Event{Type: domain.EventNotice, Code: code, Notice: string(notice)})
	}
	return notice, nil
}

func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	return c.catalog.Search(ctx, query, limit)
}

// AddProduct adds one unit of a product picked from search results.
func (c *Coordinator) AddProduct(ctx context.Context, productID string) (cart.Notice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return cart.NoticeNone, err
	}
	products, err := c.catalog.GetProducts(ctx, []string{productID})
	if err != nil {
		return cart.NoticeNone, fmt.Errorf("load product %s: %w", productID, err)
	}
	product, ok := products[productID]
	if !ok {
		return cart.NoticeNone, fmt.Errorf("%w: %s", cart.ErrNotFound, productID)
	}
	notice := c.cart.AddProduct(product)
	c.noticeLocked(productID, notice)
	return notice, nil
}

func (c *Coordinator) AdjustQuantity(productID string, delta int) (cart.Notice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return cart.NoticeNone, err
	}
	notice, err := c.cart.AdjustQuantity(productID, delta)
	if err != nil {
		return notice, err
	}
	c.noticeLocked(productID, notice)
	return notice, nil
}

func (c *Coordinator) Remove(productID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return false, err
	}
	return c.cart.Remove(productID), nil
}

// Clear empties the cart and the tenders. It reports false when the cart was
// already empty.
func (c *Coordinator) Clear() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return false, err
	}
	if !c.cart.Clear() {
		return false, nil
	}
	c.tender.Reset()
	c.customerRef = ""
	return true, nil
}

func (c *Coordinator) SetTender(instrument domain.Instrument, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return err
	}
	return c.tender.SetAmount(instrument, amount)
}

func (c *Coordinator) QuickTender(instrument domain.Instrument, delta decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return err
	}
	return c.tender.ApplyQuickAmount(instrument, delta)
}

// ExactTender tops instrument up so the balance due is zero. An empty
// instrument uses the active one.
func (c *Coordinator) ExactTender(instrument domain.Instrument) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return decimal.Zero, err
	}
	if instrument == "" {
		instrument = c.tender.Active()
	}
	return c.tender.ApplyExact(instrument, c.cart.Total())
}

func (c *Coordinator) SetActiveInstrument(instrument domain.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return err
	}
	return c.tender.SetActive(instrument)
}

func (c *Coordinator) SetCustomer(ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return err
	}
	ref = strings.TrimSpace(ref)
	if len(ref) > maxCustomerRef {
		cut := maxCustomerRef
		for cut > 0 && !utf8.RuneStart(ref[cut]) {
			cut--
		}
		ref = ref[:cut]
	}
	c.customerRef = ref
	return nil
}

func (c *Coordinator) Snapshot() domain.TerminalSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.cart.Total()
	return domain.TerminalSnapshot{
		State:            c.state,
		Processing:       c.processing,
		Online:           c.online,
		Lines:            c.cart.Lines(),
		ItemCount:        c.cart.ItemCount(),
		Subtotal:         c.cart.Subtotal(),
		Tax:              c.cart.Tax(),
		Total:            total,
		Tenders:          c.tender.Tenders(),
		ActiveInstrument: c.tender.Active(),
		TotalPaid:        c.tender.TotalPaid(),
		Change:           c.tender.Change(total),
		BalanceDue:       c.tender.BalanceDue(total),
		CustomerRef:      c.customerRef,
		PendingSync:      c.queue.Pending(),
	}
}

// Complete finalizes the current sale. Validation failures leave the terminal
// untouched. A transient submission failure, a known-offline terminal or
// older sales still waiting in the queue send the sale to the offline queue.
// A permanent failure keeps cart and tenders and returns
// ErrPermanentSubmission.
func (c *Coordinator) Complete(ctx context.Context) (CompleteResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return CompleteResult{}, ErrClosed
	}
	if c.processing {
		c.mu.Unlock()
		return CompleteResult{}, ErrBusy
	}
	if c.cart.IsEmpty() {
		c.mu.Unlock()
		return CompleteResult{}, ErrEmptyCart
	}
	total := c.cart.Total()
	if paid := c.tender.TotalPaid(); paid.LessThan(total) {
		c.mu.Unlock()
		return CompleteResult{}, fmt.Errorf("%w: balance due %s", ErrInsufficientPayment, total.Sub(paid).StringFixed(2))
	}

	payload := c.freezeLocked(total)
	queueFirst := !c.online || c.queue.Pending() > 0
	c.processing = true
	c.setStateLocked(domain.StateSubmitting)
	c.mu.Unlock()

	var (
		ack domain.SaleAck
		err error
	)
	if queueFirst {
		err = fmt.Errorf("%w: terminal offline or sales pending", ledger.ErrTransient)
	} else {
		ack, err = c.submitter.SubmitSale(ctx, payload)
	}

	switch {
	case err == nil:
		return c.finishCompleted(ctx, payload, ack), nil
	case queueFirst || c.isTransient(err):
		return c.finishQueued(ctx, payload, err)
	default:
		return c.finishRejected(payload, err)
	}
}

func (c *Coordinator) finishCompleted(ctx context.Context, payload domain.SalePayload, ack domain.SaleAck) CompleteResult {
	sale := domain.Sale{Payload: payload, Status: domain.SaleStatusCompleted, Ack: &ack}

	c.mu.Lock()
	c.setStateLocked(domain.StateCompleted)
	c.resetLocked()
	c.processing = false
	c.setStateLocked(domain.StateBuilding)
	pending := c.queue.Pending()
	c.mu.Unlock()

	c.logger.Info("sale completed",
		zap.String("idempotency_key", payload.IdempotencyKey),
		zap.String("sale_id", ack.SaleID),
		zap.String("total", payload.Total.StringFixed(2)),
		zap.Bool("duplicate", ack.Duplicate))
	c.render(ctx, sale)
	return CompleteResult{Outcome: domain.StateCompleted, Sale: sale, Pending: pending}
}

func (c *Coordinator) finishQueued(ctx context.Context, payload domain.SalePayload, cause error) (CompleteResult, error) {
	// The cashier may have given up on the request; the sale must still land.
	entry, err := c.queue.Enqueue(context.WithoutCancel(ctx), payload)

	c.mu.Lock()
	if err != nil {
		c.processing = false
		c.setStateLocked(domain.StateBuilding)
		c.mu.Unlock()
		c.logger.Error("could not queue sale",
			zap.String("idempotency_key", payload.IdempotencyKey),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return CompleteResult{}, fmt.Errorf("queue sale: %w", err)
	}
	c.setStateLocked(domain.StateQueued)
	c.resetLocked()
	c.processing = false
	c.setStateLocked(domain.StateBuilding)
	pending := c.queue.Pending()
	c.notifyLocked(domain.Event{Type: domain.EventQueue, Pending: pending})
	c.mu.Unlock()

	c.logger.Warn("sale queued for later delivery",
		zap.String("idempotency_key", payload.IdempotencyKey),
		zap.Uint64("sequence", entry.Sequence),
		zap.NamedError("cause", cause))

	sale := domain.Sale{Payload: payload, Status: domain.SaleStatusQueued, Sequence: entry.Sequence}
	c.render(ctx, sale)
	return CompleteResult{Outcome: domain.StateQueued, Sale: sale, Sequence: entry.Sequence, Pending: pending}, nil
}

func (c *Coordinator) finishRejected(payload domain.SalePayload, cause error) (CompleteResult, error) {
	c.mu.Lock()
	c.setStateLocked(domain.StateRejected)
	c.processing = false
	c.setStateLocked(domain.StateBuilding)
	c.notifyLocked(domain.Event{Type: domain.EventAlert, Message: cause.Error()})
	c.mu.Unlock()

	c.logger.Warn("sale rejected",
		zap.String("idempotency_key", payload.IdempotencyKey),
		zap.Error(cause))
	return CompleteResult{Outcome: domain.StateRejected}, fmt.Errorf("%w: %w", ErrPermanentSubmission, cause)
}

func (c *Coordinator) render(ctx context.Context, sale domain.Sale) {
	if c.receipts == nil {
		return
	}
	if err := c.receipts.Render(context.WithoutCancel(ctx), sale); err != nil {
		c.logger.Warn("receipt rendering failed",
			zap.String("idempotency_key", sale.Payload.IdempotencyKey),
			zap.Error(err))
	}
}

func (c *Coordinator) freezeLocked(total decimal.Decimal) domain.SalePayload {
	lines := c.cart.Lines()
	items := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.SaleLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal(),
		})
	}
	return domain.SalePayload{
		IdempotencyKey: xid.New("sale"),
		StoreID:        c.cfg.StoreID,
		TerminalID:     c.cfg.TerminalID,
		Channel:        c.cfg.Channel,
		CustomerRef:    c.customerRef,
		Items:          items,
		Subtotal:       c.cart.Subtotal(),
		Tax:            c.cart.Tax(),
		Total:          total,
		Tenders:        c.tender.Tenders(),
		TotalPaid:      c.tender.TotalPaid(),
		Change:         c.tender.Change(total),
		CreatedAt:      c.clock.Now().UTC(),
	}
}

// Hold parks the current sale and leaves the terminal with an empty cart.
func (c *Coordinator) Hold(ctx context.Context, note string) (*domain.HeldCart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return nil, err
	}
	if c.cart.IsEmpty() {
		return nil, ErrEmptyCart
	}
	held, err := c.held.CreateHeldCart(ctx, domain.HeldCart{
		StoreID:     c.cfg.StoreID,
		TerminalID:  c.cfg.TerminalID,
		Note:        strings.TrimSpace(note),
		CustomerRef: c.customerRef,
		Lines:       c.cart.Lines(),
		Tenders:     c.tender.Tenders(),
		HeldAt:      c.clock.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("hold cart: %w", err)
	}
	c.resetLocked()
	c.logger.Info("cart held", zap.String("hold_id", held.ID), zap.Int("lines", len(held.Lines)))
	return held, nil
}

func (c *Coordinator) ListHeld(ctx context.Context, limit int) ([]domain.HeldCart, error) {
	return c.held.ListHeldCarts(ctx, c.cfg.StoreID, c.cfg.TerminalID, limit)
}

// Resume restores a held cart into the empty terminal and reloads stock for
// its lines.
func (c *Coordinator) Resume(ctx context.Context, holdID string) ([]cart.StockNotice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return nil, err
	}
	if !c.cart.IsEmpty() {
		return nil, ErrCartNotEmpty
	}
	held, err := c.held.PopHeldCart(ctx, holdID)
	if err != nil {
		return nil, fmt.Errorf("resume held cart %s: %w", holdID, err)
	}
	c.cart.Restore(held.Lines)
	c.tender.Restore(held.Tenders)
	c.customerRef = held.CustomerRef

	notices, err := c.cart.RefreshStock(ctx)
	if err != nil {
		// The cart is usable with the stock recorded at hold time.
		c.logger.Warn("stock refresh after resume failed", zap.String("hold_id", holdID), zap.Error(err))
		return nil, nil
	}
	c.stockNoticesLocked(notices)
	return notices, nil
}

func (c *Coordinator) DiscardHeld(ctx context.Context, holdID string) error {
	return c.held.DeleteHeldCart(ctx, holdID)
}

// RefreshStock reloads stock for the cart lines and clamps quantities.
func (c *Coordinator) RefreshStock(ctx context.Context) ([]cart.StockNotice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mutableLocked(); err != nil {
		return nil, err
	}
	notices, err := c.cart.RefreshStock(ctx)
	if err != nil {
		return nil, err
	}
	c.stockNoticesLocked(notices)
	return notices, nil
}

func (c *Coordinator) PendingSales() []domain.QueuedSale {
	return c.queue.Snapshot()
}

// DiscardQueued drops a queued sale without delivering it. It is the only
// way past a sale the ledger rejected after it was queued.
func (c *Coordinator) DiscardQueued(ctx context.Context, key string) (domain.QueuedSale, error) {
	entry, err := c.queue.Discard(ctx, key)
	if err != nil {
		return domain.QueuedSale{}, err
	}
	c.mu.Lock()
	c.notifyLocked(domain.Event{Type: domain.EventQueue, Pending: c.queue.Pending()})
	c.mu.Unlock()
	return entry, nil
}

// DrainNow delivers queued sales in order until the queue is empty or a
// delivery fails.
func (c *Coordinator) DrainNow(ctx context.Context) (outbox.DrainResult, error) {
	result, err := c.queue.Drain(ctx, c.submitter.SubmitSale)
	if result.Skipped {
		return result, nil
	}

	c.mu.Lock()
	if len(result.Delivered) > 0 || err != nil {
		c.notifyLocked(domain.Event{Type: domain.EventQueue, Pending: result.Remaining})
	}
	if errors.Is(err, outbox.ErrRejected) {
		c.notifyLocked(domain.Event{Type: domain.EventAlert, Message: err.Error()})
	}
	c.mu.Unlock()
	return result, err
}

// Watch follows a connectivity signal. Coming online triggers a background
// drain. The returned func stops watching.
func (c *Coordinator) Watch(signal connectivity.Signal) (release func()) {
	if current, ok := signal.(interface{ Online() bool }); ok {
		c.mu.Lock()
		c.online = current.Online()
		c.mu.Unlock()
	}

	unsubscribe := signal.Subscribe(func(online bool) {
		c.mu.Lock()
		c.online = online
		c.notifyLocked(domain.Event{Type: domain.EventConnectivity, Online: &online})
		c.mu.Unlock()
		if online {
			c.triggerDrain()
		}
	})

	var once sync.Once
	release = func() { once.Do(unsubscribe) }

	c.mu.Lock()
	c.releases = append(c.releases, release)
	c.mu.Unlock()
	return release
}

func (c *Coordinator) triggerDrain() {
	c.mu.Lock()
	if c.closed || c.queue.Pending() == 0 {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if _, err := c.DrainNow(c.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("drain after reconnect stopped", zap.Error(err))
		}
	}()
}

// RunRetryLoop drains the queue every interval while sales are pending and
// the terminal is online. It returns when ctx is done.
func (c *Coordinator) RunRetryLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			due := c.online && !c.closed && c.queue.Pending() > 0
			c.mu.Unlock()
			if !due {
				continue
			}
			if _, err := c.DrainNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug("periodic drain stopped", zap.Error(err))
			}
		}
	}
}

// Close releases connectivity subscriptions and waits for background drains.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()

	for _, release := range releases {
		release()
	}
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) mutableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.processing || c.state != domain.StateBuilding {
		return ErrNotBuilding
	}
	return nil
}

func (c *Coordinator) resetLocked() {
	c.cart.Clear()
	c.tender.Reset()
	c.customerRef = ""
}

func (c *Coordinator) setStateLocked(state domain.SaleState) {
	c.state = state
	c.notifyLocked(domain.Event{Type: domain.EventState, State: state})
}

func (c *Coordinator) noticeLocked(productID string, notice cart.Notice) {
	if notice == cart.NoticeNone {
		return
	}
	c.notifyLocked(domain.Event{Type: domain.EventNotice, ProductID: productID, Notice: string(notice)})
}

func (c *Coordinator) stockNoticesLocked(notices []cart.StockNotice) {
	for _, n := range notices {
		c.noticeLocked(n.ProductID, n.Notice)
	}
}

func (c *Coordinator) notifyLocked(event domain.Event) {
	if c.notifier == nil {
		return
	}
	event.At = c.clock.Now().UTC()
	c.notifier.Notify(event)
}
