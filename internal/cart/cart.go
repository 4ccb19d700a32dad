// Package cart holds the line items of the sale being built.
//
// A Cart is owned by a single coordinator and is not safe for concurrent use.
package cart

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
)

var (
	ErrNotFound     = fmt.Errorf("cart: product %w", store.ErrNotFound)
	ErrLineNotFound = errors.New("cart: line not found")
)

// Notice is an informational outcome of a cart mutation. The zero value
// means nothing to report.
type Notice string

const (
	NoticeNone              Notice = ""
	NoticeStockLimitReached Notice = "stock_limit_reached"
	NoticeOutOfStock        Notice = "out_of_stock_removed"
)

type StockNotice struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Notice    Notice `json:"notice"`
}

type Cart struct {
	catalog store.Catalog
	tax     TaxPolicy
	order   []string
	lines   map[string]*domain.CartLine
}

func New(catalog store.Catalog, tax TaxPolicy) *Cart {
	if tax == nil {
		tax = NoTax{}
	}
	return &Cart{
		catalog: catalog,
		tax:     tax,
		lines:   make(map[string]*domain.CartLine),
	}
}

// AddByCode looks the code up in the catalog and adds one unit. A catalog
// miss returns ErrNotFound and leaves the cart untouched.
func (c *Cart) AddByCode(ctx context.Context, code string) (Notice, error) {
	product, err := c.catalog.LookupByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NoticeNone, fmt.Errorf("%w: %s", ErrNotFound, code)
		}
		return NoticeNone, fmt.Errorf("lookup %s: %w", code, err)
	}
	return c.AddProduct(*product), nil
}

// AddProduct adds one unit of product, clamped at its stock.
func (c *Cart) AddProduct(product domain.Product) Notice {
	line, exists := c.lines[product.ID]
	if !exists {
		if product.Stock != nil && *product.Stock < 1 {
			return NoticeStockLimitReached
		}
		c.lines[product.ID] = &domain.CartLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  1,
			UnitPrice: product.UnitPrice,
			Stock:     copyStock(product.Stock),
		}
		c.order = append(c.order, product.ID)
		return NoticeNone
	}

	line.Stock = copyStock(product.Stock)
	return c.setQuantity(line, line.Quantity+1)
}

// AdjustQuantity moves a line's quantity by delta within [0, stock]. Zero
// removes the line.
func (c *Cart) AdjustQuantity(productID string, delta int) (Notice, error) {
	line, exists := c.lines[productID]
	if !exists {
		return NoticeNone, fmt.Errorf("%w: %s", ErrLineNotFound, productID)
	}
	return c.setQuantity(line, line.Quantity+delta), nil
}

func (c *Cart) setQuantity(line *domain.CartLine, target int) Notice {
	notice := NoticeNone
	if target < 0 {
		target = 0
	}
	if line.Stock != nil && target > *line.Stock {
		target = *line.Stock
		notice = NoticeStockLimitReached
	}
	if target == 0 {
		c.Remove(line.ProductID)
		return notice
	}
	line.Quantity = target
	return notice
}

func (c *Cart) Remove(productID string) bool {
	if _, exists := c.lines[productID]; !exists {
		return false
	}
	delete(c.lines, productID)
	c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == productID })
	return true
}

// Clear empties the cart and reports whether anything was removed.
func (c *Cart) Clear() bool {
	if len(c.lines) == 0 {
		return false
	}
	c.order = c.order[:0]
	clear(c.lines)
	return true
}

// RefreshStock reloads stock for every line and clamps quantities to it.
// Products missing from the catalog keep their last known stock.
func (c *Cart) RefreshStock(ctx context.Context) ([]StockNotice, error) {
	if len(c.order) == 0 {
		return nil, nil
	}
	products, err := c.catalog.GetProducts(ctx, slices.Clone(c.order))
	if err != nil {
		return nil, fmt.Errorf("refresh stock: %w", err)
	}

	var notices []StockNotice
	for _, id := range slices.Clone(c.order) {
		product, ok := products[id]
		if !ok {
			continue
		}
		line := c.lines[id]
		line.Stock = copyStock(product.Stock)
		if line.Stock == nil || line.Quantity <= *line.Stock {
			continue
		}
		if *line.Stock == 0 {
			c.Remove(id)
			notices = append(notices, StockNotice{ProductID: id, Name: line.Name, Notice: NoticeOutOfStock})
			continue
		}
		line.Quantity = *line.Stock
		notices = append(notices, StockNotice{ProductID: id, Name: line.Name, Quantity: line.Quantity, Notice: NoticeStockLimitReached})
	}
	return notices, nil
}

// Restore replaces the cart contents with lines, e.g. from a held cart.
func (c *Cart) Restore(lines []domain.CartLine) {
	c.Clear()
	for _, line := range lines {
		if line.Quantity < 1 {
			continue
		}
		if _, dup := c.lines[line.ProductID]; dup {
			continue
		}
		restored := line
		restored.Stock = copyStock(line.Stock)
		c.lines[line.ProductID] = &restored
		c.order = append(c.order, line.ProductID)
	}
}

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, 0, len(c.order))
	for _, id := range c.order {
		line := *c.lines[id]
		line.Stock = copyStock(line.Stock)
		out = append(out, line)
	}
	return out
}

func (c *Cart) Line(productID string) (domain.CartLine, bool) {
	line, ok := c.lines[productID]
	if !ok {
		return domain.CartLine{}, false
	}
	return *line, true
}

func (c *Cart) Len() int { return len(c.order) }

func (c *Cart) IsEmpty() bool { return len(c.order) == 0 }

func (c *Cart) ItemCount() int {
	count := 0
	for _, line := range c.lines {
		count += line.Quantity
	}
	return count
}

func (c *Cart) Subtotal() decimal.Decimal {
	subtotal := decimal.Zero
	for _, id := range c.order {
		subtotal = subtotal.Add(c.lines[id].LineTotal())
	}
	return subtotal
}

func (c *Cart) Tax() decimal.Decimal {
	return c.tax.Tax(c.Subtotal())
}

func (c *Cart) Total() decimal.Decimal {
	subtotal := c.Subtotal()
	return subtotal.Add(c.tax.Tax(subtotal))
}

func copyStock(stock *int) *int {
	if stock == nil {
		return nil
	}
	v := *stock
	return &v
}
