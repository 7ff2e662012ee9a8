package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/akunstore/go-stock-engine/internal/shop"
)

// Catalog is an in-memory product source, seeded from code or a JSON file.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]*shop.Product
}

var _ shop.Catalog = (*Catalog)(nil)

func NewCatalog() *Catalog {
	return &Catalog{products: make(map[string]*shop.Product)}
}

func (c *Catalog) Put(p *shop.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.products[p.ID] = &cp
}

func (c *Catalog) Product(ctx context.Context, productID string) (*shop.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, shop.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// LoadCatalog reads a JSON array of products, for dev setups running the
// memory backend.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var products []shop.Product
	if err := json.Unmarshal(b, &products); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := NewCatalog()
	for i := range products {
		c.Put(&products[i])
	}
	return c, nil
}
