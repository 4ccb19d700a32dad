// Package tender tracks how the customer is paying for the current sale.
package tender

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

var (
	ErrNegativeAmount    = errors.New("tender: amount must not be negative")
	ErrUnknownInstrument = errors.New("tender: unknown instrument")
)

// Ledger holds one amount per instrument. It is not safe for concurrent use.
type Ledger struct {
	amounts map[domain.Instrument]decimal.Decimal
	active  domain.Instrument
}

func New() *Ledger {
	return &Ledger{
		amounts: make(map[domain.Instrument]decimal.Decimal, len(domain.Instruments)),
		active:  domain.InstrumentCash,
	}
}

func validate(instrument domain.Instrument) error {
	if !instrument.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownInstrument, instrument)
	}
	return nil
}

// SetAmount replaces the amount tendered on instrument.
func (l *Ledger) SetAmount(instrument domain.Instrument, amount decimal.Decimal) error {
	if err := validate(instrument); err != nil {
		return err
	}
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.amounts[instrument] = amount
	return nil
}

// ApplyQuickAmount adds delta on top of what instrument already holds.
func (l *Ledger) ApplyQuickAmount(instrument domain.Instrument, delta decimal.Decimal) error {
	if err := validate(instrument); err != nil {
		return err
	}
	if delta.IsNegative() {
		return ErrNegativeAmount
	}
	l.amounts[instrument] = l.amounts[instrument].Add(delta)
	return nil
}

// ApplyExact tops instrument up by the outstanding balance and returns the
// amount applied, which is zero when nothing is due.
func (l *Ledger) ApplyExact(instrument domain.Instrument, total decimal.Decimal) (decimal.Decimal, error) {
	if err := validate(instrument); err != nil {
		return decimal.Zero, err
	}
	due := l.BalanceDue(total)
	if !due.IsPositive() {
		return decimal.Zero, nil
	}
	l.amounts[instrument] = l.amounts[instrument].Add(due)
	return due, nil
}

func (l *Ledger) SetActive(instrument domain.Instrument) error {
	if err := validate(instrument); err != nil {
		return err
	}
	l.active = instrument
	return nil
}

func (l *Ledger) Active() domain.Instrument {
	return l.active
}

func (l *Ledger) Amount(instrument domain.Instrument) decimal.Decimal {
	return l.amounts[instrument]
}

func (l *Ledger) TotalPaid() decimal.Decimal {
	paid := decimal.Zero
	for _, instrument := range domain.Instruments {
		paid = paid.Add(l.amounts[instrument])
	}
	return paid
}

func (l *Ledger) Change(total decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, l.TotalPaid().Sub(total))
}

func (l *Ledger) BalanceDue(total decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, total.Sub(l.TotalPaid()))
}

// Tenders returns the non-zero entries in canonical instrument order.
func (l *Ledger) Tenders() []domain.TenderEntry {
	out := make([]domain.TenderEntry, 0, len(domain.Instruments))
	for _, instrument := range domain.Instruments {
		amount := l.amounts[instrument]
		if amount.IsZero() {
			continue
		}
		out = append(out, domain.TenderEntry{Instrument: instrument, Amount: amount})
	}
	return out
}

func (l *Ledger) Reset() {
	clear(l.amounts)
	l.active = domain.InstrumentCash
}

// Restore replaces all amounts with tenders. Invalid entries are skipped.
func (l *Ledger) Restore(tenders []domain.TenderEntry) {
	clear(l.amounts)
	for _, entry := range tenders {
		if !entry.Instrument.Valid() || entry.Amount.IsNegative() {
			continue
		}
		l.amounts[entry.Instrument] = l.amounts[entry.Instrument].Add(entry.Amount)
	}
}
