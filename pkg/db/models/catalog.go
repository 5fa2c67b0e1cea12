package models

import (
	"time"

	"github.com/google/uuid"
)

// Product and ProductVariant are owned by the catalog service; this service reads
// them and mutates only the variant stock columns.
type Product struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name        string    `gorm:"column:name;not null"`
	IsActive    bool      `gorm:"column:is_active;not null;default:true"`
	IsCake      bool      `gorm:"column:is_cake;not null;default:false"`
	MaxPerOrder int       `gorm:"column:max_per_order;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

type ProductVariant struct {
	ID            uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProductID     uuid.UUID `gorm:"column:product_id;type:uuid;not null;index"`
	Name          string    `gorm:"column:name;not null"`
	SKU           *string   `gorm:"column:sku"`
	PriceCents    int64     `gorm:"column:price_cents;not null"`
	StockQuantity int       `gorm:"column:stock_quantity;not null;default:0"`
	IsInStock     bool      `gorm:"column:is_in_stock;not null;default:false"`
	IsActive      bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
