package tender

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplitTenderCoversTotal(t *testing.T) {
	l := New()
	total := d("50.00")
	if err := l.SetAmount(domain.InstrumentCash, d("30")); err != nil {
		t.Fatalf("cash: %v", err)
	}
	if err := l.SetAmount(domain.InstrumentMomo, d("20")); err != nil {
		t.Fatalf("momo: %v", err)
	}

	if !l.TotalPaid().Equal(d("50")) {
		t.Fatalf("expected paid 50, got %s", l.TotalPaid())
	}
	if !l.Change(total).IsZero() || !l.BalanceDue(total).IsZero() {
		t.Fatalf("expected no change and no balance: change=%s due=%s", l.Change(total), l.BalanceDue(total))
	}
}

func TestChangeAndBalanceNeverNegative(t *testing.T) {
	tests := []struct {
		name   string
		paid   string
		total  string
		change string
		due    string
	}{
		{"overpaid", "100", "73.50", "26.50", "0"},
		{"underpaid", "20", "73.50", "0", "53.50"},
		{"exact", "73.50", "73.50", "0", "0"},
		{"nothing", "0", "10", "0", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			if err := l.SetAmount(domain.InstrumentCash, d(tt.paid)); err != nil {
				t.Fatalf("set: %v", err)
			}
			if !l.Change(d(tt.total)).Equal(d(tt.change)) {
				t.Fatalf("change: expected %s, got %s", tt.change, l.Change(d(tt.total)))
			}
			if !l.BalanceDue(d(tt.total)).Equal(d(tt.due)) {
				t.Fatalf("due: expected %s, got %s", tt.due, l.BalanceDue(d(tt.total)))
			}
		})
	}
}

func TestQuickAmountsAccumulate(t *testing.T) {
	l := New()
	for _, amount := range []string{"10", "20", "50"} {
		if err := l.ApplyQuickAmount(domain.InstrumentCash, d(amount)); err != nil {
			t.Fatalf("quick: %v", err)
		}
	}
	if !l.Amount(domain.InstrumentCash).Equal(d("80")) {
		t.Fatalf("expected 80, got %s", l.Amount(domain.InstrumentCash))
	}
	if err := l.ApplyQuickAmount(domain.InstrumentCash, d("-5")); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestApplyExactFillsBalanceOnce(t *testing.T) {
	l := New()
	total := d("42.75")
	if err := l.SetAmount(domain.InstrumentCash, d("20")); err != nil {
		t.Fatalf("set: %v", err)
	}

	applied, err := l.ApplyExact(domain.InstrumentCard, total)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if !applied.Equal(d("22.75")) {
		t.Fatalf("expected 22.75 applied, got %s", applied)
	}

	applied, err = l.ApplyExact(domain.InstrumentCard, total)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if !applied.IsZero() {
		t.Fatalf("second exact should be a no-op, applied %s", applied)
	}
	if !l.BalanceDue(total).IsZero() {
		t.Fatalf("balance should be settled")
	}
}

func TestRejectsUnknownInstrumentAndNegativeAmount(t *testing.T) {
	l := New()
	if err := l.SetAmount("cheque", d("1")); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
	if err := l.SetAmount(domain.InstrumentCash, d("-0.01")); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	if err := l.SetActive("voucher"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
	if l.Active() != domain.InstrumentCash {
		t.Fatalf("active instrument should stay cash")
	}
}

func TestTendersCanonicalOrderAndReset(t *testing.T) {
	l := New()
	_ = l.SetAmount(domain.InstrumentCard, d("5"))
	_ = l.SetAmount(domain.InstrumentCash, d("1"))
	_ = l.SetAmount(domain.InstrumentMomo, d("0"))
	_ = l.SetActive(domain.InstrumentCard)

	tenders := l.Tenders()
	if len(tenders) != 2 || tenders[0].Instrument != domain.InstrumentCash || tenders[1].Instrument != domain.InstrumentCard {
		t.Fatalf("unexpected tenders %+v", tenders)
	}

	l.Reset()
	if !l.TotalPaid().IsZero() || l.Active() != domain.InstrumentCash || len(l.Tenders()) != 0 {
		t.Fatalf("reset should clear everything")
	}

	l.Restore(tenders)
	if !l.TotalPaid().Equal(d("6")) {
		t.Fatalf("restore: expected 6, got %s", l.TotalPaid())
	}
}
