package models

import "time"

// DailyRevenue is the rollup written by the revenue job, one row per business day.
type DailyRevenue struct {
	Day           time.Time `gorm:"column:day;type:date;primaryKey"`
	OrderCount    int64     `gorm:"column:order_count;not null;default:0"`
	GrossCents    int64     `gorm:"column:gross_cents;not null;default:0"`
	TaxCents      int64     `gorm:"column:tax_cents;not null;default:0"`
	RefundedCents int64     `gorm:"column:refunded_cents;not null;default:0"`
	NetCents      int64     `gorm:"column:net_cents;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (DailyRevenue) TableName() string {
	return "daily_revenue"
}
