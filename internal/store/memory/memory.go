package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/xid"
)

// Store is a single-terminal, process-local implementation of the catalog,
// the sale queue and held carts. Queue contents do not survive a restart.
type Store struct {
	mu            sync.RWMutex
	products      map[string]domain.Product
	codeIndex     map[string]string
	inventory     map[string]int
	queue         map[string]domain.QueuedSale
	lastSequence  uint64
	heldCartsByID map[string]domain.HeldCart
}

func New() *Store {
	return &Store{
		products:      make(map[string]domain.Product),
		codeIndex:     make(map[string]string),
		inventory:     make(map[string]int),
		queue:         make(map[string]domain.QueuedSale),
		heldCartsByID: make(map[string]domain.HeldCart),
	}
}

func NewSeeded() *Store {
	s := New()
	products := []struct {
		id       string
		code     string
		name     string
		category string
		price    string
		stock    int
	}{
		{"SKU-PARA-500", "6001234500011", "Paracetamol 500mg x24", "analgesic", "12.50", 120},
		{"SKU-IBU-200", "6001234500028", "Ibuprofen 200mg x16", "analgesic", "18.00", 80},
		{"SKU-AMOX-250", "6001234500035", "Amoxicillin 250mg x21", "antibiotic", "35.75", 40},
		{"SKU-ORS-01", "6001234500042", "Oral Rehydration Salts", "rehydration", "4.20", 200},
		{"SKU-VITC-1000", "6001234500059", "Vitamin C 1000mg x30", "supplement", "27.90", 60},
		{"SKU-COUGH-100", "6001234500066", "Cough Syrup 100ml", "respiratory", "22.40", 35},
		{"SKU-BAND-20", "6001234500073", "Adhesive Bandages x20", "first-aid", "9.60", 150},
		{"SKU-SANI-250", "6001234500080", "Hand Sanitizer 250ml", "hygiene", "15.00", 90},
		{"SKU-MALA-01", "6001234500097", "Artemether/Lumefantrine x24", "antimalarial", "48.00", 25},
		{"SKU-THERM-01", "6001234500103", "Digital Thermometer", "device", "65.00", 10},
		{"SKU-INSULIN-10", "6001234500110", "Insulin Pen 10ml", "diabetes", "120.00", 2},
	}
	for _, p := range products {
		s.products[p.id] = domain.Product{
			ID:        p.id,
			Code:      p.code,
			Name:      p.name,
			Category:  p.category,
			UnitPrice: decimal.RequireFromString(p.price),
		}
		s.codeIndex[p.code] = p.id
		s.inventory[p.id] = p.stock
	}

	// Services are not stock-tracked.
	s.products["SVC-BP-CHECK"] = domain.Product{
		ID:        "SVC-BP-CHECK",
		Code:      "SVC-BP-CHECK",
		Name:      "Blood Pressure Check",
		Category:  "service",
		UnitPrice: decimal.RequireFromString("10.00"),
	}
	s.codeIndex["SVC-BP-CHECK"] = "SVC-BP-CHECK"
	return s
}

// PutProduct adds or replaces a product. A nil stock makes it unlimited.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.products[product.ID]; ok && previous.Code != product.Code {
		delete(s.codeIndex, previous.Code)
	}
	s.products[product.ID] = domain.Product{
		ID:        product.ID,
		Code:      product.Code,
		Name:      product.Name,
		Category:  product.Category,
		UnitPrice: product.UnitPrice,
	}
	s.codeIndex[product.Code] = product.ID
	if product.Stock != nil {
		s.inventory[product.ID] = *product.Stock
	} else {
		delete(s.inventory, product.ID)
	}
}

func (s *Store) SetStock(productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 0 {
		return store.ErrInvalidEntry
	}
	if _, ok := s.products[productID]; !ok {
		return store.ErrNotFound
	}
	s.inventory[productID] = qty
	return nil
}

func (s *Store) LookupByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codeIndex[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	product := s.withStock(s.products[id])
	return &product, nil
}

func (s *Store) Search(_ context.Context, query string, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	result := make([]domain.Product, 0, 16)
	for _, p := range s.products {
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.Category), needle) &&
			!strings.Contains(strings.ToLower(p.Code), needle) {
			continue
		}
		result = append(result, s.withStock(p))
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := s.products[id]
		if !ok {
			continue
		}
		result[id] = s.withStock(p)
	}
	return result, nil
}

func (s *Store) withStock(p domain.Product) domain.Product {
	if qty, tracked := s.inventory[p.ID]; tracked {
		stock := qty
		p.Stock = &stock
	}
	return p
}

func (s *Store) List(_ context.Context) ([]domain.QueuedSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.QueuedSale, 0, len(s.queue))
	for _, entry := range s.queue {
		result = append(result, cloneQueuedSale(entry))
	}
	slices.SortFunc(result, func(a, b domain.QueuedSale) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return result, nil
}

func (s *Store) Put(_ context.Context, entry domain.QueuedSale) error {
	if err := store.ValidateQueuedSale(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[entry.Key()] = cloneQueuedSale(entry)
	s.lastSequence = max(s.lastSequence, entry.Sequence)
	return nil
}

func (s *Store) LastSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSequence, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, key)
	return nil
}

func (s *Store) CreateHeldCart(_ context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	if err := store.ValidateHeldCart(held); err != nil {
		return nil, err
	}

	s.heldCartsByID[held.ID] = cloneHeldCart(held)
	saved := cloneHeldCart(s.heldCartsByID[held.ID])
	return &saved, nil
}

func (s *Store) ListHeldCarts(_ context.Context, storeID string, terminalID string, limit int) ([]domain.HeldCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.HeldCart, 0, len(s.heldCartsByID))
	for _, held := range s.heldCartsByID {
		if storeID != "" && held.StoreID != storeID {
			continue
		}
		if terminalID != "" && held.TerminalID != terminalID {
			continue
		}
		result = append(result, cloneHeldCart(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldCart) int {
		if a.HeldAt.Equal(b.HeldAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.HeldAt.After(b.HeldAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PopHeldCart(_ context.Context, holdID string) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, exists := s.heldCartsByID[holdID]
	if !exists {
		return nil, store.ErrNotFound
	}
	delete(s.heldCartsByID, holdID)
	result := cloneHeldCart(held)
	return &result, nil
}

func (s *Store) DeleteHeldCart(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.heldCartsByID[holdID]; !exists {
		return store.ErrNotFound
	}
	delete(s.heldCartsByID, holdID)
	return nil
}

func cloneHeldCart(src domain.HeldCart) domain.HeldCart {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	dup.Tenders = slices.Clone(src.Tenders)
	return dup
}

func cloneQueuedSale(src domain.QueuedSale) domain.QueuedSale {
	dup := src
	dup.Payload.Items = slices.Clone(src.Payload.Items)
	dup.Payload.Tenders = slices.Clone(src.Payload.Tenders)
	return dup
}
