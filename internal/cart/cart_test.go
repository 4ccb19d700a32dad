package cart

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/store/memory"
)

func stock(n int) *int { return &n }

func newTestCart(t *testing.T) (*Cart, *memory.Store) {
	t.Helper()
	catalog := memory.New()
	catalog.PutProduct(domain.Product{ID: "P-5", Code: "5000", Name: "Five In Stock", UnitPrice: decimal.RequireFromString("10.00"), Stock: stock(5)})
	catalog.PutProduct(domain.Product{ID: "P-0", Code: "0000", Name: "Sold Out", UnitPrice: decimal.RequireFromString("3.00"), Stock: stock(0)})
	catalog.PutProduct(domain.Product{ID: "P-INF", Code: "9999", Name: "Service", UnitPrice: decimal.RequireFromString("2.50")})
	return New(catalog, nil), catalog
}

func TestAddByCodeCreatesAndIncrementsLine(t *testing.T) {
	c, _ := newTestCart(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		notice, err := c.AddByCode(ctx, "5000")
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if notice != NoticeNone {
			t.Fatalf("unexpected notice %q", notice)
		}
	}
	line, ok := c.Line("P-5")
	if !ok || line.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %+v", line)
	}
	if !c.Subtotal().Equal(decimal.RequireFromString("30.00")) {
		t.Fatalf("unexpected subtotal %s", c.Subtotal())
	}
}

func TestAddByCodeMissLeavesCartUnchanged(t *testing.T) {
	c, _ := newTestCart(t)
	_, err := c.AddByCode(context.Background(), "1234")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !c.IsEmpty() {
		t.Fatalf("cart should stay empty")
	}
}

func TestAddClampsAtStock(t *testing.T) {
	c, _ := newTestCart(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := c.AddByCode(ctx, "5000"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	notice, err := c.AddByCode(ctx, "5000")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if notice != NoticeStockLimitReached {
		t.Fatalf("expected stock limit notice, got %q", notice)
	}
	if line, _ := c.Line("P-5"); line.Quantity != 5 {
		t.Fatalf("quantity should stay at 5, got %d", line.Quantity)
	}
}

func TestSoldOutProductIsNotAdded(t *testing.T) {
	c, _ := newTestCart(t)
	notice, err := c.AddByCode(context.Background(), "0000")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if notice != NoticeStockLimitReached || !c.IsEmpty() {
		t.Fatalf("sold out product must not create a line: notice=%q len=%d", notice, c.Len())
	}
}

func TestAdjustQuantityBeyondStockClamps(t *testing.T) {
	c, _ := newTestCart(t)
	c.AddProduct(domain.Product{ID: "P-5", Name: "Five In Stock", UnitPrice: decimal.RequireFromString("10.00"), Stock: stock(5)})
	if _, err := c.AdjustQuantity("P-5", 4); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	notice, err := c.AdjustQuantity("P-5", 1)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if notice != NoticeStockLimitReached {
		t.Fatalf("expected stock limit notice, got %q", notice)
	}
	if line, _ := c.Line("P-5"); line.Quantity != 5 {
		t.Fatalf("quantity should remain 5, got %d", line.Quantity)
	}
}

func TestAdjustQuantityToZeroRemovesLine(t *testing.T) {
	c, _ := newTestCart(t)
	c.AddProduct(domain.Product{ID: "P-INF", Name: "Service", UnitPrice: decimal.RequireFromString("2.50")})
	if _, err := c.AdjustQuantity("P-INF", -3); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !c.IsEmpty() {
		t.Fatalf("line should be removed")
	}
	if _, err := c.AdjustQuantity("P-INF", 1); !errors.Is(err, ErrLineNotFound) {
		t.Fatalf("expected ErrLineNotFound, got %v", err)
	}
}

func TestUnlimitedProductHasNoCeiling(t *testing.T) {
	c, _ := newTestCart(t)
	c.AddProduct(domain.Product{ID: "P-INF", Name: "Service", UnitPrice: decimal.RequireFromString("2.50")})
	notice, err := c.AdjustQuantity("P-INF", 999)
	if err != nil || notice != NoticeNone {
		t.Fatalf("unexpected result %q %v", notice, err)
	}
	if c.ItemCount() != 1000 {
		t.Fatalf("expected 1000 items, got %d", c.ItemCount())
	}
}

func TestLinesKeepInsertionOrder(t *testing.T) {
	c, _ := newTestCart(t)
	ctx := context.Background()
	for _, code := range []string{"9999", "5000", "9999"} {
		if _, err := c.AddByCode(ctx, code); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	lines := c.Lines()
	if len(lines) != 2 || lines[0].ProductID != "P-INF" || lines[1].ProductID != "P-5" {
		t.Fatalf("unexpected order %+v", lines)
	}
	if c.Remove("P-INF") != true || c.Remove("P-INF") != false {
		t.Fatalf("remove should report presence")
	}
}

func TestClearReportsWhetherAnythingChanged(t *testing.T) {
	c, _ := newTestCart(t)
	if c.Clear() {
		t.Fatalf("clearing an empty cart should be a no-op")
	}
	c.AddProduct(domain.Product{ID: "P-INF", Name: "Service", UnitPrice: decimal.RequireFromString("2.50")})
	if !c.Clear() || !c.IsEmpty() {
		t.Fatalf("clear should empty the cart")
	}
	if !c.Subtotal().IsZero() {
		t.Fatalf("empty cart subtotal should be zero")
	}
}

func TestRefreshStockClampsAndRemoves(t *testing.T) {
	c, catalog := newTestCart(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := c.AddByCode(ctx, "5000"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	catalog.PutProduct(domain.Product{ID: "P-T", Code: "7777", Name: "Thermometer", UnitPrice: decimal.RequireFromString("65.00"), Stock: stock(1)})
	if _, err := c.AddByCode(ctx, "7777"); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := catalog.SetStock("P-5", 2); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := catalog.SetStock("P-T", 0); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	notices, err := c.RefreshStock(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(notices) != 2 {
		t.Fatalf("expected 2 notices, got %+v", notices)
	}
	if notices[0].ProductID != "P-5" || notices[0].Quantity != 2 || notices[0].Notice != NoticeStockLimitReached {
		t.Fatalf("unexpected first notice %+v", notices[0])
	}
	if notices[1].ProductID != "P-T" || notices[1].Notice != NoticeOutOfStock {
		t.Fatalf("unexpected second notice %+v", notices[1])
	}
	if c.Len() != 1 || c.ItemCount() != 2 {
		t.Fatalf("unexpected cart after refresh: len=%d items=%d", c.Len(), c.ItemCount())
	}
}

func TestRestoreReplacesContents(t *testing.T) {
	c, _ := newTestCart(t)
	c.AddProduct(domain.Product{ID: "P-INF", Name: "Service", UnitPrice: decimal.RequireFromString("2.50")})
	c.Restore([]domain.CartLine{
		{ProductID: "P-5", Name: "Five In Stock", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00"), Stock: stock(5)},
		{ProductID: "P-X", Name: "Invalid", Quantity: 0, UnitPrice: decimal.RequireFromString("1.00")},
	})
	lines := c.Lines()
	if len(lines) != 1 || lines[0].ProductID != "P-5" || lines[0].Quantity != 2 {
		t.Fatalf("unexpected restored lines %+v", lines)
	}
}

func TestTaxAndTotal(t *testing.T) {
	catalog := memory.New()
	c := New(catalog, FlatRate{Percent: decimal.RequireFromString("12.5")})
	c.AddProduct(domain.Product{ID: "A", Name: "A", UnitPrice: decimal.RequireFromString("10.01")})

	if !c.Tax().Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("expected tax 1.25, got %s", c.Tax())
	}
	if !c.Total().Equal(decimal.RequireFromString("11.26")) {
		t.Fatalf("expected total 11.26, got %s", c.Total())
	}
}

func TestPolicyForPharmacyIsZeroRated(t *testing.T) {
	policy := PolicyFor(domain.ChannelPharmacy, decimal.NewFromInt(15))
	if !policy.Tax(decimal.NewFromInt(100)).IsZero() {
		t.Fatalf("pharmacy sales should not be taxed")
	}
	policy = PolicyFor(domain.ChannelGeneral, decimal.NewFromInt(15))
	if !policy.Tax(decimal.NewFromInt(100)).Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected 15 tax on general channel")
	}
}

// Random walks over add/adjust/remove must keep every line within bounds and
// the subtotal equal to the sum of line totals.
func TestRandomMutationsKeepInvariants(t *testing.T) {
	c, _ := newTestCart(t)
	products := []domain.Product{
		{ID: "P-5", Name: "Five", UnitPrice: decimal.RequireFromString("10.00"), Stock: stock(5)},
		{ID: "P-INF", Name: "Service", UnitPrice: decimal.RequireFromString("2.50")},
		{ID: "P-2", Name: "Two", UnitPrice: decimal.RequireFromString("0.99"), Stock: stock(2)},
	}
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 2000; step++ {
		p := products[rng.Intn(len(products))]
		switch rng.Intn(4) {
		case 0, 1:
			c.AddProduct(p)
		case 2:
			_, _ = c.AdjustQuantity(p.ID, rng.Intn(9)-4)
		case 3:
			c.Remove(p.ID)
		}

		sum := decimal.Zero
		for _, line := range c.Lines() {
			if line.Quantity < 1 {
				t.Fatalf("step %d: quantity below 1: %+v", step, line)
			}
			if line.Stock != nil && line.Quantity > *line.Stock {
				t.Fatalf("step %d: quantity above stock: %+v", step, line)
			}
			sum = sum.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		if !sum.Equal(c.Subtotal()) {
			t.Fatalf("step %d: subtotal %s != %s", step, c.Subtotal(), sum)
		}
	}
}
