// models/wallet_transaction.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// WalletTransaction is a single ledger entry against a wallet. Entries are
// append-only: amount, type and attribution never change after creation,
// only status may move pending -> completed | failed.
//
// MainAmount + CashbackAmount always equals Amount; the split records which
// balance bucket the entry touched so reconciliation can rebuild each bucket
// independently.
// Table name: wallet_transactions
type WalletTransaction struct {
	ID                string            `gorm:"primaryKey;type:uuid;not null" json:"id"`
	WalletID          string            `gorm:"type:uuid;not null;index" json:"wallet_id"`
	Type              TransactionType   `gorm:"type:varchar(16);not null" json:"type"`
	Amount            decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"amount"`
	MainAmount        decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"main_amount"`
	CashbackAmount    decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"cashback_amount"`
	Description       string            `gorm:"type:text;not null" json:"description"`
	Reference         string            `gorm:"type:varchar(128);not null;uniqueIndex" json:"reference"`
	PaymentMethod     string            `gorm:"type:varchar(64)" json:"payment_method"`
	ExternalReference string            `gorm:"type:varchar(128)" json:"external_reference"`
	Status            TransactionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Metadata          string            `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null" json:"updated_at"`
}

// IsTerminal reports whether the entry has reached a final status.
// Terminal entries reject any further status transition.
func (t *WalletTransaction) IsTerminal() bool {
	return t.Status == TransactionCompleted || t.Status == TransactionFailed
}
