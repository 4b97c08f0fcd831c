// models/wallet.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds a user's spendable funds, split into a main balance
// (deposits, transfers, refunds) and a cashback balance (rewards).
// Table name: wallets
type Wallet struct {
	ID              string          `gorm:"primaryKey;type:uuid;not null" json:"id"`
	UserID          string          `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	Balance         decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"balance"`
	CashbackBalance decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"cashback_balance"`
	TotalFunded     decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"total_funded"`
	TotalSpent      decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"total_spent"`
	IsActive        bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`

	Transactions []WalletTransaction `gorm:"foreignKey:WalletID" json:"-"`
}

// TotalBalance is main + cashback, the figure reconciliation checks
// against the ledger sum.
func (w *Wallet) TotalBalance() decimal.Decimal {
	return w.Balance.Add(w.CashbackBalance)
}
