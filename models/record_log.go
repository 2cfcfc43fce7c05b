package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordLog is an append-only history row written after every successful
// record mutation. Log rows outlive their record so deleted entries still
// show up in the history view.
type RecordLog struct {
	ID           uint `gorm:"primaryKey"`
	CreatedAt    time.Time
	RecordID     string          `gorm:"size:36;index;not null"`
	UserID       uint            `gorm:"index;not null"`
	Action       string          `gorm:"size:32;not null"` // created, updated, deleted, attachment-removed
	Title        string          `gorm:"size:255"`
	Amount       decimal.Decimal `gorm:"type:numeric(14,2)"`
	CurrencyCode string          `gorm:"size:3"`
}
