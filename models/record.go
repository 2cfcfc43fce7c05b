package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Record kinds. Expenses and income share one table and one handler set; the
// kind column is the only thing that differs between them.
const (
	KindExpense = "expense"
	KindIncome  = "income"
)

// Record is an expense or income entry belonging to a user. A record is only
// ever visible to its owner; every query must scope on (id, user_id).
type Record struct {
	ID           string `gorm:"primaryKey;size:36"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	UserID       uint            `gorm:"not null;index:idx_records_owner_kind"`
	Kind         string          `gorm:"size:16;not null;index:idx_records_owner_kind"`
	Title        string          `gorm:"size:255;not null"`
	Description  string          `gorm:"size:2048"`
	Amount       decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	CurrencyCode string          `gorm:"size:3;not null;default:USD"`
	// Attachment is the stored file name of the optional binary attachment.
	// The file itself lives in the attachment store, not in the database.
	Attachment string `gorm:"size:255"`
}

// BeforeCreate assigns an opaque id so callers never depend on database
// sequence values.
func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
