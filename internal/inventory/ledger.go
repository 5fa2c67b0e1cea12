package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// Ledger reserves and releases variant stock. Every call runs on the
// caller's transaction so stock moves commit or roll back with the order change.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve decrements stock by qty in a single conditional update.
// No matching row means the variant cannot cover qty.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, variantID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "reservation quantity must be positive")
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for inventory reservation")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE product_variants
		SET stock_quantity = stock_quantity - ?,
			is_in_stock = (stock_quantity - ? > 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND stock_quantity >= ?
	`, qty, qty, variantID, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve inventory")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.Newf(pkgerrors.CodeInsufficientStock, "variant %s cannot cover quantity %d", variantID, qty).
			WithDetails(map[string]any{"variant_id": variantID.String(), "requested": qty})
	}
	return nil
}

// Release returns qty units to the variant and recomputes is_in_stock.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, variantID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for inventory release")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE product_variants
		SET stock_quantity = stock_quantity + ?,
			is_in_stock = (stock_quantity + ? > 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, qty, qty, variantID)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release inventory")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "variant %s not found", variantID)
	}
	return nil
}

// ReleaseOrder restores the quantity of every line on the order and returns
// the number of units put back. Callers invoke it only from the transaction
// that moved the order into CANCELLED.
func (l *Ledger) ReleaseOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int, error) {
	if tx == nil {
		return 0, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for inventory release")
	}
	var items []models.OrderItem
	if err := tx.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at ASC").Find(&items).Error; err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order items")
	}

	released := 0
	for _, item := range items {
		if err := l.Release(ctx, tx, item.VariantID, item.Quantity); err != nil {
			return released, err
		}
		released += item.Quantity
	}
	return released, nil
}

// LowStockVariant is a sellable variant at or under the alert threshold.
type LowStockVariant struct {
	VariantID     uuid.UUID
	ProductName   string
	VariantName   string
	StockQuantity int
}

// LowStock lists active variants of active products with stock <= threshold.
func (l *Ledger) LowStock(ctx context.Context, conn *gorm.DB, threshold int) ([]LowStockVariant, error) {
	var rows []struct {
		ID            uuid.UUID
		ProductName   string
		VariantName   string
		StockQuantity int
	}
	err := conn.WithContext(ctx).
		Table("product_variants AS v").
		Select("v.id, p.name AS product_name, v.name AS variant_name, v.stock_quantity").
		Joins("JOIN products p ON p.id = v.product_id").
		Where("v.is_active = ? AND p.is_active = ? AND v.stock_quantity <= ?", true, true, threshold).
		Order("v.stock_quantity ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list low stock variants")
	}

	out := make([]LowStockVariant, 0, len(rows))
	for _, row := range rows {
		out = append(out, LowStockVariant{
			VariantID:     row.ID,
			ProductName:   row.ProductName,
			VariantName:   row.VariantName,
			StockQuantity: row.StockQuantity,
		})
	}
	return out, nil
}
