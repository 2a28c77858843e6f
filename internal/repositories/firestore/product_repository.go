package firestore

import (
	"context"
	"errors"
	"strings"

	pfirestore "github.com/medina-market/api/internal/platform/firestore"
	"github.com/medina-market/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads the externally managed catalog to validate order line items.
type ProductRepository struct {
	base *pfirestore.Collection[productDocument]
}

// NewProductRepository constructs a read-only catalog lookup.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}
	return &ProductRepository{
		base: pfirestore.NewCollection[productDocument](provider, productsCollection),
	}, nil
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// Exists reports whether the product is present and not archived.
func (r *ProductRepository) Exists(ctx context.Context, productID string) (bool, error) {
	if r == nil || r.base == nil {
		return false, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return false, nil
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return !doc.Data.Archived, nil
}

type productDocument struct {
	Name     string `firestore:"name"`
	Archived bool   `firestore:"archived"`
}
