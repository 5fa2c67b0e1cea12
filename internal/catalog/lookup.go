package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// Variant is the read model of a sellable variant and its parent product.
type Variant struct {
	VariantID     uuid.UUID
	ProductID     uuid.UUID
	ProductName   string
	VariantName   string
	PriceCents    int64
	StockQuantity int
	VariantActive bool
	ProductActive bool
	IsCake        bool
	MaxPerOrder   int
}

// Sellable reports whether both the product and the variant are active.
func (v Variant) Sellable() bool {
	return v.VariantActive && v.ProductActive
}

// Lookup resolves variants during order creation.
type Lookup interface {
	GetVariant(ctx context.Context, tx *gorm.DB, variantID uuid.UUID) (*Variant, error)
}

// Repository reads the externally owned catalog tables.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) GetVariant(ctx context.Context, tx *gorm.DB, variantID uuid.UUID) (*Variant, error) {
	var row struct {
		VariantID     uuid.UUID
		ProductID     uuid.UUID
		ProductName   string
		VariantName   string
		PriceCents    int64
		StockQuantity int
		VariantActive bool
		ProductActive bool
		IsCake        bool
		MaxPerOrder   int
	}
	res := tx.WithContext(ctx).
		Table("product_variants AS v").
		Select(`v.id AS variant_id, v.product_id, p.name AS product_name, v.name AS variant_name,
			v.price_cents, v.stock_quantity, v.is_active AS variant_active, p.is_active AS product_active,
			p.is_cake, p.max_per_order`).
		Joins("JOIN products p ON p.id = v.product_id").
		Where("v.id = ?", variantID).
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "load variant")
	}
	if res.RowsAffected == 0 {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "variant %s not found", variantID)
	}

	v := Variant(row)
	return &v, nil
}

// IsNotFound reports whether err is a missing-variant lookup failure.
func IsNotFound(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
