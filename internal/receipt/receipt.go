// Package receipt formats finalized sales for ESC/POS thermal printers.
package receipt

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

var (
	escposInit   = []byte{0x1b, 0x40}
	escposCut    = []byte{0x1d, 0x56, 0x41, 0x10}
	drawerKick   = []byte{0x1b, 0x70, 0x00, 0x19, 0xfa}
	ruleDouble   = strings.Repeat("=", 32)
	ruleSingle   = strings.Repeat("-", 32)
	pendingLabel = "*** PENDING SYNC ***"
)

type Receipt struct {
	Key         string `json:"idempotency_key"`
	Status      string `json:"status"`
	PreviewText string `json:"preview_text"`
	ESCPOS      []byte `json:"-"`
	FileName    string `json:"file_name"`
}

func (r Receipt) EscposBase64() string {
	return base64.StdEncoding.EncodeToString(r.ESCPOS)
}

// Build lays out sale as printable lines and wraps them in ESC/POS framing.
// Sales paid partly in cash also open the drawer.
func Build(storeName string, sale domain.Sale) Receipt {
	p := sale.Payload
	lines := []string{
		storeName,
		ruleDouble,
	}
	if sale.Status == domain.SaleStatusQueued {
		lines = append(lines, pendingLabel, fmt.Sprintf("Queue #: %d", sale.Sequence))
	} else if sale.Ack != nil {
		lines = append(lines, "Sale: "+sale.Ack.SaleID)
	}
	lines = append(lines,
		"Ref: "+p.IdempotencyKey,
		"Store: "+p.StoreID,
		"Terminal: "+p.TerminalID,
		"Date: "+p.CreatedAt.Format("2006-01-02 15:04:05"),
	)
	if p.CustomerRef != "" {
		lines = append(lines, "Customer: "+p.CustomerRef)
	}
	lines = append(lines, ruleSingle)
	for _, item := range p.Items {
		lines = append(lines,
			fmt.Sprintf("%s x%d", item.Name, item.Quantity),
			fmt.Sprintf("  @ %s = %s", item.UnitPrice.StringFixed(2), item.LineTotal.StringFixed(2)),
		)
	}
	lines = append(lines,
		ruleSingle,
		fmt.Sprintf("Subtotal : %s", p.Subtotal.StringFixed(2)),
		fmt.Sprintf("Tax      : %s", p.Tax.StringFixed(2)),
		fmt.Sprintf("Total    : %s", p.Total.StringFixed(2)),
	)
	for _, tender := range p.Tenders {
		lines = append(lines, fmt.Sprintf("%-9s: %s", strings.ToUpper(string(tender.Instrument)), tender.Amount.StringFixed(2)))
	}
	lines = append(lines,
		fmt.Sprintf("Paid     : %s", p.TotalPaid.StringFixed(2)),
		fmt.Sprintf("Change   : %s", p.Change.StringFixed(2)),
		ruleDouble,
		"Thank you. Get well soon.",
		"",
	)

	escpos := append([]byte{}, escposInit...)
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, escposCut...)
	if paidInCash(p) {
		escpos = append(escpos, drawerKick...)
	}

	return Receipt{
		Key:         p.IdempotencyKey,
		Status:      sale.Status,
		PreviewText: strings.Join(lines, "\n"),
		ESCPOS:      escpos,
		FileName:    fmt.Sprintf("receipt-%s.bin", p.IdempotencyKey),
	}
}

func paidInCash(p domain.SalePayload) bool {
	for _, tender := range p.Tenders {
		if tender.Instrument == domain.InstrumentCash && tender.Amount.IsPositive() {
			return true
		}
	}
	return false
}

// Spool renders every finalized sale and, when dir is set, writes the
// ESC/POS bytes there for the printer bridge to pick up.
type Spool struct {
	dir       string
	storeName string
	logger    *zap.Logger

	mu   sync.Mutex
	last *Receipt
}

func NewSpool(dir string, storeName string, logger *zap.Logger) (*Spool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("receipt spool: %w", err)
		}
	}
	return &Spool{dir: dir, storeName: storeName, logger: logger.Named("receipt")}, nil
}

func (s *Spool) Render(ctx context.Context, sale domain.Sale) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := Build(s.storeName, sale)

	s.mu.Lock()
	s.last = &r
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, r.FileName)
	if err := os.WriteFile(path, r.ESCPOS, 0o640); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	s.logger.Debug("receipt spooled", zap.String("file", path), zap.String("status", r.Status))
	return nil
}

// Last returns the most recently rendered receipt.
func (s *Spool) Last() (Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Receipt{}, false
	}
	return *s.last, true
}
