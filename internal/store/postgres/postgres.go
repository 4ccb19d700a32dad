package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/xid"
)

// Store reads the shared product catalog and keeps held carts for one store.
type Store struct {
	db      *sql.DB
	storeID string
}

func New(ctx context.Context, databaseURL string, storeID string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, storeID: storeID}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS products (
	sku TEXT PRIMARY KEY,
	barcode TEXT,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	price_cents BIGINT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE products ADD COLUMN IF NOT EXISTS barcode TEXT;
CREATE UNIQUE INDEX IF NOT EXISTS products_barcode_idx ON products (barcode) WHERE barcode IS NOT NULL;
CREATE TABLE IF NOT EXISTS inventory_stocks (
	store_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	qty INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (store_id, sku)
);
CREATE TABLE IF NOT EXISTS terminal_held_carts (
	id TEXT PRIMARY KEY,
	store_id TEXT NOT NULL,
	terminal_id TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	customer_ref TEXT,
	lines JSONB NOT NULL,
	tenders JSONB NOT NULL,
	held_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables this store reads when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const productColumns = `
	p.sku, COALESCE(p.barcode, p.sku), p.name, p.category, p.price_cents, i.qty
	FROM products p
	LEFT JOIN inventory_stocks i ON i.sku = p.sku AND i.store_id = $1
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var priceCents int64
	var qty sql.NullInt64
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Category, &priceCents, &qty); err != nil {
		return domain.Product{}, err
	}
	p.UnitPrice = decimal.New(priceCents, -2)
	// Products without an inventory row are not stock-tracked.
	if qty.Valid {
		stock := int(qty.Int64)
		if stock < 0 {
			stock = 0
		}
		p.Stock = &stock
	}
	return p, nil
}

func (s *Store) LookupByCode(ctx context.Context, code string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		WHERE p.active = true AND (p.barcode = $2 OR p.sku = $2)
		ORDER BY (p.barcode IS NOT DISTINCT FROM $2) DESC
		LIMIT 1
	`, s.storeID, code)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) Search(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		WHERE p.active = true
			AND (p.name ILIKE $2 OR p.category ILIKE $2 OR p.sku ILIKE $2 OR p.barcode ILIKE $2)
		ORDER BY p.name
		LIMIT $3
	`, s.storeID, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		WHERE p.active = true AND p.sku = ANY($2)
	`, s.storeID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	if err := store.ValidateHeldCart(held); err != nil {
		return nil, err
	}

	linesJSON, err := json.Marshal(held.Lines)
	if err != nil {
		return nil, err
	}
	tendersJSON, err := json.Marshal(held.Tenders)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO terminal_held_carts (id, store_id, terminal_id, note, customer_ref, lines, tenders, held_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, held.ID, held.StoreID, held.TerminalID, held.Note, nullIfEmpty(held.CustomerRef), linesJSON, tendersJSON, held.HeldAt)
	if err != nil {
		return nil, err
	}
	saved := held
	return &saved, nil
}

const heldColumns = `id, store_id, terminal_id, note, customer_ref, lines, tenders, held_at`

func scanHeldCart(row rowScanner) (domain.HeldCart, error) {
	var held domain.HeldCart
	var customerRef sql.NullString
	var linesRaw []byte
	var tendersRaw []byte
	if err := row.Scan(
		&held.ID,
		&held.StoreID,
		&held.TerminalID,
		&held.Note,
		&customerRef,
		&linesRaw,
		&tendersRaw,
		&held.HeldAt,
	); err != nil {
		return domain.HeldCart{}, err
	}
	held.HeldAt = held.HeldAt.UTC()
	if customerRef.Valid {
		held.CustomerRef = customerRef.String
	}
	if len(linesRaw) > 0 {
		if err := json.Unmarshal(linesRaw, &held.Lines); err != nil {
			return domain.HeldCart{}, err
		}
	}
	if len(tendersRaw) > 0 {
		if err := json.Unmarshal(tendersRaw, &held.Tenders); err != nil {
			return domain.HeldCart{}, err
		}
	}
	return held, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, storeID string, terminalID string, limit int) ([]domain.HeldCart, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+heldColumns+`
		FROM terminal_held_carts
		WHERE store_id = $1 AND terminal_id = $2
		ORDER BY held_at DESC
		LIMIT $3
	`, storeID, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	helds := make([]domain.HeldCart, 0, limit)
	for rows.Next() {
		held, err := scanHeldCart(rows)
		if err != nil {
			return nil, err
		}
		helds = append(helds, held)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return helds, nil
}

func (s *Store) PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	held, err := scanHeldCart(tx.QueryRowContext(ctx, `
		SELECT `+heldColumns+`
		FROM terminal_held_carts
		WHERE id = $1
		FOR UPDATE
	`, holdID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM terminal_held_carts WHERE id = $1`, holdID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &held, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM terminal_held_carts WHERE id = $1`, holdID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func escapeLike(val string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(val)
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}
