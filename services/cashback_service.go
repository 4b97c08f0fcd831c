// services/cashback_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"billpay-wallet-service/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var oneHundred = decimal.NewFromInt(100)

// CashbackService computes rewards from per-bill-type rules and credits
// pending cashbacks to wallets once their eligible date passes.
type CashbackService struct {
	DB       *gorm.DB
	Wallets  *WalletService
	Notifier *NotificationService
}

func NewCashbackService(db *gorm.DB, wallets *WalletService, notifier *NotificationService) *CashbackService {
	return &CashbackService{DB: db, Wallets: wallets, Notifier: notifier}
}

// CalculateCashback returns the reward for a payment, zero when no active
// rule matches or the spend is below the rule's minimum. Awards are capped
// at the rule's MaxAmount when set.
func (s *CashbackService) CalculateCashback(ctx context.Context, billType string, amount decimal.Decimal) (decimal.Decimal, error) {
	var rule models.CashbackRule
	err := s.DB.WithContext(ctx).
		Where("bill_type = ? AND is_active = ?", billType, true).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load cashback rule for %s: %w", billType, err)
	}

	if amount.LessThan(rule.MinSpend) {
		return decimal.Zero, nil
	}

	cashback := amount.Mul(rule.Percentage).Div(oneHundred).Round(4)
	if rule.MaxAmount.Sign() > 0 && cashback.GreaterThan(rule.MaxAmount) {
		cashback = rule.MaxAmount
	}
	return cashback, nil
}

// CreatePendingCashback records an earned reward that becomes claimable at
// eligibleDate. The delay gives the underlying payment time to settle or be
// refunded before the reward pays out.
func (s *CashbackService) CreatePendingCashback(ctx context.Context, userID string, amount decimal.Decimal, sourceType, sourceReference, description string, eligibleDate time.Time) (*models.Cashback, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("cashback amount must be greater than zero")
	}

	cashback := &models.Cashback{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		SourceType:      sourceType,
		SourceReference: sourceReference,
		Description:     description,
		Status:          models.CashbackPending,
		EligibleDate:    eligibleDate,
	}
	if err := s.DB.WithContext(ctx).Create(cashback).Error; err != nil {
		return nil, fmt.Errorf("failed to create pending cashback: %w", err)
	}
	return cashback, nil
}

// CashbackRunSummary reports one crediting pass.
type CashbackRunSummary struct {
	Total    int `json:"total"`
	Credited int `json:"credited"`
	Failed   int `json:"failed"`
}

// ProcessPendingCashbacks credits every pending cashback whose eligible date
// has passed. The wallet credit goes through AddCashback, so it runs under
// the user's wallet lock like any other mutation.
func (s *CashbackService) ProcessPendingCashbacks(ctx context.Context) (*CashbackRunSummary, error) {
	var pending []models.Cashback
	err := s.DB.WithContext(ctx).
		Where("status = ? AND eligible_date <= ?", models.CashbackPending, time.Now()).
		Order("eligible_date ASC").
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending cashbacks: %w", err)
	}

	summary := &CashbackRunSummary{Total: len(pending)}
	for i := range pending {
		cashback := &pending[i]
		if err := s.creditOne(ctx, cashback); err != nil {
			summary.Failed++
			log.Printf("[Cashback] failed to credit %s for user %s: %v", cashback.ID, cashback.UserID, err)
			continue
		}
		summary.Credited++
	}

	if summary.Total > 0 {
		log.Printf("[Cashback] run complete: %d pending, %d credited, %d failed",
			summary.Total, summary.Credited, summary.Failed)
	}
	return summary, nil
}

func (s *CashbackService) creditOne(ctx context.Context, cashback *models.Cashback) error {
	description := fmt.Sprintf("Cashback for %s: %s", cashback.SourceType, cashback.Description)
	_, err := s.Wallets.AddCashback(ctx, cashback.UserID, cashback.Amount, description, "")
	if err != nil {
		return err
	}

	now := time.Now()
	cashback.Status = models.CashbackCredited
	cashback.CreditedAt = &now
	if err := s.DB.Save(cashback).Error; err != nil {
		return fmt.Errorf("failed to mark cashback credited: %w", err)
	}

	c := *cashback
	notifyAsync(s.Notifier, func(ctx context.Context) {
		s.Notifier.CashbackCredited(ctx, c.UserID, c.Amount, c.Description)
	})
	return nil
}
