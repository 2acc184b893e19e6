package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
)

// CatalogRepository serves products for sandbox deployments and tests.
type CatalogRepository struct {
	mu       sync.RWMutex
	products map[string]*domain.Product
}

func NewCatalogRepository(products ...domain.Product) *CatalogRepository {
	r := &CatalogRepository{
		products: make(map[string]*domain.Product, len(products)),
	}
	for _, p := range products {
		r.Put(p)
	}
	return r
}

func (r *CatalogRepository) Get(ctx context.Context, productID string) (*domain.Product, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneProduct(p), nil
}

func (r *CatalogRepository) Put(p domain.Product) {
	if p.ID == "" {
		return
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.products[p.ID] = &p
}

// RecordSale bumps the sold counter the way the upstream shop does after a settled purchase.
func (r *CatalogRepository) RecordSale(ctx context.Context, productID string, quantity int) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Slots.Limited() {
		p.Slots.SoldSlots += quantity
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneProduct(p *domain.Product) *domain.Product {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
