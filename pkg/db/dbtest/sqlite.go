// Package dbtest opens isolated in-memory sqlite databases carrying the order schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/crumb-backend/pkg/db"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
)

var schema = []string{
	`CREATE TABLE products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		is_cake BOOLEAN NOT NULL DEFAULT 0,
		max_per_order INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE product_variants (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		name TEXT NOT NULL,
		sku TEXT,
		price_cents INTEGER NOT NULL,
		stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
		is_in_stock BOOLEAN NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'PENDING',
		customer_id TEXT,
		customer_name TEXT NOT NULL,
		customer_email TEXT NOT NULL,
		customer_phone TEXT,
		pickup_date DATETIME,
		pickup_slot TEXT,
		notes TEXT,
		currency TEXT NOT NULL DEFAULT 'usd',
		subtotal_cents INTEGER NOT NULL,
		tax_cents INTEGER NOT NULL DEFAULT 0,
		discount_cents INTEGER NOT NULL DEFAULT 0,
		total_cents INTEGER NOT NULL,
		has_cake BOOLEAN NOT NULL DEFAULT 0,
		deposit_split BOOLEAN NOT NULL DEFAULT 0,
		decision_token TEXT,
		decision_locked_at DATETIME,
		decision_action TEXT,
		cancel_reason TEXT,
		paid_at DATETIME,
		confirmed_at DATETIME,
		completed_at DATETIME,
		cancelled_at DATETIME,
		refunded_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME,
		CHECK (subtotal_cents + tax_cents - discount_cents = total_cents)
	)`,
	`CREATE TABLE order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		product_name TEXT NOT NULL,
		variant_name TEXT NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		line_total_cents INTEGER NOT NULL,
		is_cake BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME
	)`,
	`CREATE TABLE payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE REFERENCES orders(id) ON DELETE CASCADE,
		provider TEXT NOT NULL DEFAULT 'stripe',
		checkout_session_id TEXT UNIQUE,
		payment_intent_id TEXT UNIQUE,
		capture_method TEXT NOT NULL DEFAULT 'automatic',
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL DEFAULT 'usd',
		status TEXT NOT NULL DEFAULT 'PENDING',
		refunded_cents INTEGER NOT NULL DEFAULT 0,
		refund_reason TEXT,
		failure_code TEXT,
		failure_message TEXT,
		raw_webhook_payload BLOB,
		authorized_at DATETIME,
		captured_at DATETIME,
		refunded_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE cake_deposits (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE REFERENCES orders(id) ON DELETE CASCADE,
		percentage INTEGER NOT NULL CHECK (percentage BETWEEN 10 AND 90),
		deposit_cents INTEGER NOT NULL,
		remaining_cents INTEGER NOT NULL,
		deposit_paid BOOLEAN NOT NULL DEFAULT 0,
		deposit_paid_at DATETIME,
		deposit_session_id TEXT UNIQUE,
		deposit_payment_intent_id TEXT UNIQUE,
		remaining_paid BOOLEAN NOT NULL DEFAULT 0,
		remaining_paid_at DATETIME,
		remaining_session_id TEXT UNIQUE,
		remaining_payment_intent_id TEXT UNIQUE,
		deposit_refunded_cents INTEGER NOT NULL DEFAULT 0,
		remaining_refunded_cents INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		dedupe_key TEXT UNIQUE,
		payload BLOB NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
	`CREATE TABLE daily_revenue (
		day DATETIME PRIMARY KEY,
		order_count INTEGER NOT NULL DEFAULT 0,
		gross_cents INTEGER NOT NULL DEFAULT 0,
		tax_cents INTEGER NOT NULL DEFAULT 0,
		refunded_cents INTEGER NOT NULL DEFAULT 0,
		net_cents INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME
	)`,
}

// Open returns a fresh schema-loaded database private to the calling test.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared&_foreign_keys=1", name, uuid.NewString()[:8])
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

// OpenClient wraps Open in the shared transaction client.
func OpenClient(t *testing.T) (*db.Client, *gorm.DB) {
	t.Helper()
	conn := Open(t)
	return db.NewFromGorm(conn), conn
}

// VariantSeed describes a catalog row inserted by SeedVariant.
type VariantSeed struct {
	ProductName string
	VariantName string
	PriceCents  int64
	Stock       int
	MaxPerOrder int
	IsCake      bool
	Inactive    bool
}

// SeedVariant inserts a product and one variant and returns the variant.
func SeedVariant(t *testing.T, conn *gorm.DB, seed VariantSeed) models.ProductVariant {
	t.Helper()

	product := models.Product{
		ID:          uuid.New(),
		Name:        seed.ProductName,
		IsActive:    !seed.Inactive,
		IsCake:      seed.IsCake,
		MaxPerOrder: seed.MaxPerOrder,
	}
	require.NoError(t, conn.Create(&product).Error)
	if seed.Inactive {
		// gorm skips zero values on columns with defaults
		require.NoError(t, conn.Model(&product).Update("is_active", false).Error)
	}

	variantName := seed.VariantName
	if variantName == "" {
		variantName = "Regular"
	}
	variant := models.ProductVariant{
		ID:            uuid.New(),
		ProductID:     product.ID,
		Name:          variantName,
		PriceCents:    seed.PriceCents,
		StockQuantity: seed.Stock,
		IsInStock:     seed.Stock > 0,
		IsActive:      true,
	}
	require.NoError(t, conn.Create(&variant).Error)
	return variant
}

// Stock reads the current stock of a variant.
func Stock(t *testing.T, conn *gorm.DB, variantID uuid.UUID) int {
	t.Helper()
	var variant models.ProductVariant
	require.NoError(t, conn.First(&variant, "id = ?", variantID).Error)
	return variant.StockQuantity
}
