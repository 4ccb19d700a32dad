package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Instrument string

const (
	InstrumentCash Instrument = "cash"
	InstrumentMomo Instrument = "momo"
	InstrumentCard Instrument = "card"
)

// Instruments lists the supported tender instruments in display order.
var Instruments = []Instrument{InstrumentCash, InstrumentMomo, InstrumentCard}

func (i Instrument) Valid() bool {
	switch i {
	case InstrumentCash, InstrumentMomo, InstrumentCard:
		return true
	default:
		return false
	}
}

type Product struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	// Stock is nil when the product is not stock-tracked.
	Stock *int `json:"stock,omitempty"`
}

func (p Product) Unlimited() bool {
	return p.Stock == nil
}

type CartLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Stock     *int            `json:"stock,omitempty"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type TenderEntry struct {
	Instrument Instrument      `json:"instrument"`
	Amount     decimal.Decimal `json:"amount"`
}

type SaleLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// SalePayload is frozen once at completion time and never mutated afterwards.
type SalePayload struct {
	IdempotencyKey string          `json:"idempotency_key"`
	StoreID        string          `json:"store_id"`
	TerminalID     string          `json:"terminal_id"`
	Channel        string          `json:"channel"`
	CustomerRef    string          `json:"customer_ref,omitempty"`
	Items          []SaleLine      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	Tenders        []TenderEntry   `json:"tenders"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	Change         decimal.Decimal `json:"change"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (p SalePayload) ItemCount() int {
	count := 0
	for _, item := range p.Items {
		count += item.Quantity
	}
	return count
}

type QueuedSale struct {
	Sequence   uint64      `json:"sequence"`
	Payload    SalePayload `json:"payload"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
	Rejected   bool        `json:"rejected"`
}

func (q QueuedSale) Key() string {
	return q.Payload.IdempotencyKey
}

type SaleAck struct {
	SaleID     string          `json:"sale_id"`
	Total      decimal.Decimal `json:"total"`
	Duplicate  bool            `json:"duplicate"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// Sale is a finalized record handed to the receipt renderer.
type Sale struct {
	Payload  SalePayload `json:"payload"`
	Status   string      `json:"status"`
	Ack      *SaleAck    `json:"ack,omitempty"`
	Sequence uint64      `json:"sequence,omitempty"`
}

type SaleState string

const (
	StateBuilding   SaleState = "building"
	StateSubmitting SaleState = "submitting"
	StateCompleted  SaleState = "completed"
	StateQueued     SaleState = "queued"
	StateRejected   SaleState = "rejected"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusQueued    = "queued"
)

const (
	ChannelPharmacy = "pharmacy"
	ChannelGeneral  = "general"
)

type HeldCart struct {
	ID          string        `json:"id"`
	StoreID     string        `json:"store_id"`
	TerminalID  string        `json:"terminal_id"`
	Note        string        `json:"note"`
	CustomerRef string        `json:"customer_ref,omitempty"`
	Lines       []CartLine    `json:"lines"`
	Tenders     []TenderEntry `json:"tenders,omitempty"`
	HeldAt      time.Time     `json:"held_at"`
}

type TerminalSnapshot struct {
	State            SaleState       `json:"state"`
	Processing       bool            `json:"processing"`
	Online           bool            `json:"online"`
	Lines            []CartLine      `json:"lines"`
	ItemCount        int             `json:"item_count"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Total            decimal.Decimal `json:"total"`
	Tenders          []TenderEntry   `json:"tenders"`
	ActiveInstrument Instrument      `json:"active_instrument"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	Change           decimal.Decimal `json:"change"`
	BalanceDue       decimal.Decimal `json:"balance_due"`
	CustomerRef      string          `json:"customer_ref,omitempty"`
	PendingSync      int             `json:"pending_sync"`
}

type EventType string

const (
	EventScan   EventType = "scan"
	EventNotice EventType = "notice"
	EventState  EventType = "state"
	EventQueue  EventType = "queue"
	EventAlert  EventType = "alert"

	EventConnectivity EventType = "connectivity"
)

type Event struct {
	Type      EventType `json:"type"`
	Code      string    `json:"code,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	Notice    string    `json:"notice,omitempty"`
	State     SaleState `json:"state,omitempty"`
	Pending   int       `json:"pending,omitempty"`
	Online    *bool     `json:"online,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}
