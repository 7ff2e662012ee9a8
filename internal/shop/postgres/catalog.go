package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akunstore/go-stock-engine/internal/shop"
)

// Catalog reads products from the catalog tables. The engine never writes
// them; product management lives in the admin app.
type Catalog struct{ DB *pgxpool.Pool }

var _ shop.Catalog = (*Catalog)(nil)

func (c *Catalog) Product(ctx context.Context, productID string) (*shop.Product, error) {
	p := &shop.Product{}
	err := c.DB.QueryRow(ctx, `
		SELECT id, sku, name, sale_type, price_cents, COALESCE(max_profiles, 0), created_at, updated_at
		FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.SKU, &p.Name, &p.SaleType, &p.PriceCents, &p.MaxProfiles, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shop.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
