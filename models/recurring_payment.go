// models/recurring_payment.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RecurringFrequency string

const (
	FrequencyDaily   RecurringFrequency = "daily"
	FrequencyWeekly  RecurringFrequency = "weekly"
	FrequencyMonthly RecurringFrequency = "monthly"
)

type RecurringStatus string

const (
	RecurringActive    RecurringStatus = "active"
	RecurringPaused    RecurringStatus = "paused"
	RecurringError     RecurringStatus = "error"
	RecurringCancelled RecurringStatus = "cancelled"
	RecurringCompleted RecurringStatus = "completed"
)

// RecurringPayment is a scheduled wallet debit. Failed attempts retry the
// next day and increment FailureCount; once FailureCount reaches MaxFailures
// the payment moves to the terminal "error" status and stops being picked up.
// A successful attempt resets the counter.
// Table name: recurring_payments
type RecurringPayment struct {
	ID              string             `gorm:"primaryKey;type:uuid;not null" json:"id"`
	UserID          string             `gorm:"type:uuid;not null;index" json:"user_id"`
	Amount          decimal.Decimal    `gorm:"type:numeric(20,4);not null" json:"amount"`
	Description     string             `gorm:"type:text;not null" json:"description"`
	BillType        string             `gorm:"type:varchar(64)" json:"bill_type"`
	Frequency       RecurringFrequency `gorm:"type:varchar(16);not null" json:"frequency"`
	NextPaymentDate time.Time          `gorm:"not null;index" json:"next_payment_date"`
	EndDate         *time.Time         `json:"end_date,omitempty"`
	Status          RecurringStatus    `gorm:"type:varchar(16);not null;index" json:"status"`
	FailureCount    int                `gorm:"not null" json:"failure_count"`
	MaxFailures     int                `gorm:"not null;default:3" json:"max_failures"`
	LastError       string             `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt       time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"not null" json:"updated_at"`
}

// NextDate advances the schedule by one period from the given time.
func (p *RecurringPayment) NextDate(from time.Time) time.Time {
	switch p.Frequency {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from.AddDate(0, 0, 1)
	}
}
