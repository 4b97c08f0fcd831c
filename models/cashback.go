// models/cashback.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CashbackStatus string

const (
	CashbackPending   CashbackStatus = "pending"
	CashbackCredited  CashbackStatus = "credited"
	CashbackCancelled CashbackStatus = "cancelled"
)

// CashbackRule defines the reward earned on payments of a given bill type.
// Percentage is expressed as a whole number (2 = 2%). MaxAmount caps a single
// award; zero means uncapped.
// Table name: cashback_rules
type CashbackRule struct {
	ID         string          `gorm:"primaryKey;type:uuid;not null" json:"id"`
	BillType   string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"bill_type"`
	Percentage decimal.Decimal `gorm:"type:numeric(8,4);not null" json:"percentage"`
	MinSpend   decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"min_spend"`
	MaxAmount  decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"max_amount"`
	IsActive   bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"not null" json:"updated_at"`
}

// Cashback is an earned reward waiting to be credited to the user's cashback
// balance once its eligible date passes.
// Table name: cashbacks
type Cashback struct {
	ID              string          `gorm:"primaryKey;type:uuid;not null" json:"id"`
	UserID          string          `gorm:"type:uuid;not null;index" json:"user_id"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"amount"`
	SourceType      string          `gorm:"type:varchar(64);not null" json:"source_type"`
	SourceReference string          `gorm:"type:varchar(128)" json:"source_reference"`
	Description     string          `gorm:"type:text" json:"description"`
	Status          CashbackStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	EligibleDate    time.Time       `gorm:"not null;index" json:"eligible_date"`
	CreditedAt      *time.Time      `json:"credited_at,omitempty"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`
}
