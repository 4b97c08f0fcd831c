// services/reconciliation_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"billpay-wallet-service/models"
	"billpay-wallet-service/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// reconciliationMethod tags audit adjustment entries. They record a
// correction that already happened, so they are excluded from the
// expected-balance sums; otherwise every correction would show up as fresh
// drift on the next run.
const reconciliationMethod = "reconciliation"

// driftTolerance absorbs sub-kobo noise from rows edited by hand in float
// form. Normal operation never produces drift at all.
var driftTolerance = decimal.NewFromFloat(0.01)

// stalePendingCutoff is how long a pending funding entry may wait for
// gateway confirmation before reconciliation fails it.
const stalePendingCutoff = 24 * time.Hour

// ReconciliationService is the safety net against bugs, crashes mid-mutation
// and manual DB edits: it recomputes every wallet's balances from the ledger
// and corrects the stored record when they disagree.
type ReconciliationService struct {
	DB       *gorm.DB
	Locks    utils.Locker
	Notifier *NotificationService
}

func NewReconciliationService(db *gorm.DB, locks utils.Locker, notifier *NotificationService) *ReconciliationService {
	return &ReconciliationService{DB: db, Locks: locks, Notifier: notifier}
}

// WalletCorrection describes one wallet's reconciliation outcome.
type WalletCorrection struct {
	WalletID         string          `json:"wallet_id"`
	UserID           string          `json:"user_id"`
	PreviousBalance  decimal.Decimal `json:"previous_balance"`
	CorrectedBalance decimal.Decimal `json:"corrected_balance"`
	Discrepancy      decimal.Decimal `json:"discrepancy"`
	Error            string          `json:"error,omitempty"`
}

// ReconciliationSummary is the report handed to operations.
type ReconciliationSummary struct {
	StartedAt             time.Time          `json:"started_at"`
	FinishedAt            time.Time          `json:"finished_at"`
	TotalWallets          int                `json:"total_wallets"`
	DiscrepanciesFound    int                `json:"discrepancies_found"`
	CorrectionsMade       int                `json:"corrections_made"`
	Errors                int                `json:"errors"`
	ExpiredPending        int64              `json:"expired_pending"`
	PurgedIdempotencyKeys int64              `json:"purged_idempotency_keys"`
	Details               []WalletCorrection `json:"details"`
}

// Run executes a full reconciliation pass: balance drift, stale pending
// entries, expired idempotency keys, then report archival.
func (s *ReconciliationService) Run(ctx context.Context) (*ReconciliationSummary, error) {
	summary, err := s.ReconcileWalletBalances(ctx)
	if err != nil {
		return nil, err
	}

	expired, err := s.ExpireStalePendingFunding(ctx, stalePendingCutoff)
	if err != nil {
		log.Printf("[Reconcile] failed to expire stale pending entries: %v", err)
	}
	summary.ExpiredPending = expired

	purged, err := s.CleanupExpiredIdempotencyKeys(ctx)
	if err != nil {
		log.Printf("[Reconcile] failed to purge idempotency keys: %v", err)
	}
	summary.PurgedIdempotencyKeys = purged

	summary.FinishedAt = time.Now().UTC()

	if utils.R2Enabled() {
		key := fmt.Sprintf("reconciliation/%s.json", summary.StartedAt.Format("2006/01/02/150405"))
		if _, err := utils.UploadReportToR2(ctx, key, summary); err != nil {
			// Archival is best effort; the pass already committed.
			log.Printf("[Reconcile] report archival failed: %v", err)
		}
	}

	log.Printf("[Reconcile] pass complete: %d wallets, %d discrepancies, %d corrections, %d errors",
		summary.TotalWallets, summary.DiscrepanciesFound, summary.CorrectionsMade, summary.Errors)
	return summary, nil
}

// ReconcileWalletBalances checks every wallet under its own lock so a live
// mutation is never raced.
func (s *ReconciliationService) ReconcileWalletBalances(ctx context.Context) (*ReconciliationSummary, error) {
	summary := &ReconciliationSummary{
		StartedAt: time.Now().UTC(),
		Details:   []WalletCorrection{},
	}

	var wallets []models.Wallet
	if err := s.DB.Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("failed to load wallets: %w", err)
	}
	summary.TotalWallets = len(wallets)

	for i := range wallets {
		wallet := &wallets[i]
		correction, err := s.reconcileWallet(ctx, wallet)
		if err != nil {
			log.Printf("[Reconcile] wallet %s (user %s): %v", wallet.ID, wallet.UserID, err)
			summary.Errors++
			summary.Details = append(summary.Details, WalletCorrection{
				WalletID: wallet.ID,
				UserID:   wallet.UserID,
				Error:    err.Error(),
			})
			continue
		}
		if correction != nil {
			summary.DiscrepanciesFound++
			summary.CorrectionsMade++
			summary.Details = append(summary.Details, *correction)
		}
	}

	summary.FinishedAt = time.Now().UTC()
	return summary, nil
}

func (s *ReconciliationService) reconcileWallet(ctx context.Context, wallet *models.Wallet) (*WalletCorrection, error) {
	lock, err := s.Locks.Acquire(ctx, utils.UserWalletKey(wallet.UserID), walletLockTTL, 5*time.Second)
	if err != nil {
		return nil, &LockAcquisitionError{Key: utils.UserWalletKey(wallet.UserID), Err: err}
	}
	defer lock.Release(context.Background())

	var correction *WalletCorrection
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// Reload under the lock; the snapshot from the scan may be stale.
		var current models.Wallet
		if err := tx.First(&current, "id = ?", wallet.ID).Error; err != nil {
			return fmt.Errorf("failed to reload wallet: %w", err)
		}

		_, creditMain, creditCashback, err := ledgerSums(tx, current.ID, models.TransactionCredit)
		if err != nil {
			return err
		}
		_, debitMain, debitCashback, err := ledgerSums(tx, current.ID, models.TransactionDebit)
		if err != nil {
			return err
		}

		expectedMain := creditMain.Sub(debitMain)
		expectedCashback := creditCashback.Sub(debitCashback)

		driftMain := current.Balance.Sub(expectedMain)
		driftCashback := current.CashbackBalance.Sub(expectedCashback)

		mainDrifted := driftMain.Abs().GreaterThan(driftTolerance)
		cashbackDrifted := driftCashback.Abs().GreaterThan(driftTolerance)
		if !mainDrifted && !cashbackDrifted {
			return nil
		}

		previousTotal := current.TotalBalance()

		if mainDrifted {
			if err := writeAdjustment(tx, &current, "main", current.Balance, expectedMain, driftMain); err != nil {
				return err
			}
			current.Balance = expectedMain
		}
		if cashbackDrifted {
			if err := writeAdjustment(tx, &current, "cashback", current.CashbackBalance, expectedCashback, driftCashback); err != nil {
				return err
			}
			current.CashbackBalance = expectedCashback
		}

		if err := tx.Save(&current).Error; err != nil {
			return fmt.Errorf("failed to store corrected balance: %w", err)
		}

		correction = &WalletCorrection{
			WalletID:         current.ID,
			UserID:           current.UserID,
			PreviousBalance:  previousTotal,
			CorrectedBalance: current.TotalBalance(),
			Discrepancy:      previousTotal.Sub(current.TotalBalance()),
		}
		log.Printf("[Reconcile] corrected wallet %s (user %s): %s -> %s",
			current.ID, current.UserID,
			correction.PreviousBalance.StringFixed(2), correction.CorrectedBalance.StringFixed(2))
		return nil
	})
	if err != nil || correction == nil {
		return nil, err
	}

	c := *correction
	notifyAsync(s.Notifier, func(ctx context.Context) {
		s.Notifier.BalanceAdjusted(ctx, c.UserID, c.PreviousBalance, c.CorrectedBalance)
	})
	return correction, nil
}

// ledgerSums totals completed entries of one type, excluding prior
// reconciliation adjustments.
func ledgerSums(tx *gorm.DB, walletID string, txType models.TransactionType) (total, main, cashback decimal.Decimal, err error) {
	row := tx.Model(&models.WalletTransaction{}).
		Where("wallet_id = ? AND type = ? AND status = ?", walletID, txType, models.TransactionCompleted).
		Where("payment_method IS NULL OR payment_method <> ?", reconciliationMethod).
		Select("COALESCE(SUM(amount), 0), COALESCE(SUM(main_amount), 0), COALESCE(SUM(cashback_amount), 0)").
		Row()
	if scanErr := row.Scan(&total, &main, &cashback); scanErr != nil {
		err = fmt.Errorf("failed to sum %s entries for wallet %s: %w", txType, walletID, scanErr)
	}
	return
}

func writeAdjustment(tx *gorm.DB, wallet *models.Wallet, bucket string, previous, expected, drift decimal.Decimal) error {
	entryType := models.TransactionDebit
	if drift.Sign() < 0 {
		entryType = models.TransactionCredit
	}

	meta, _ := json.Marshal(map[string]any{
		"reconciliation":   true,
		"bucket":           bucket,
		"previous_balance": previous,
		"expected_balance": expected,
		"discrepancy":      drift,
	})

	amount := drift.Abs()
	mainAmount := decimal.Zero
	cashbackAmount := decimal.Zero
	if bucket == "cashback" {
		cashbackAmount = amount
	} else {
		mainAmount = amount
	}

	entry := &models.WalletTransaction{
		ID:             uuid.NewString(),
		WalletID:       wallet.ID,
		Type:           entryType,
		Amount:         amount,
		MainAmount:     mainAmount,
		CashbackAmount: cashbackAmount,
		Description:    "Balance reconciliation adjustment",
		Reference:      reconReference(),
		PaymentMethod:  reconciliationMethod,
		Status:         models.TransactionCompleted,
		Metadata:       string(meta),
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write adjustment entry: %w", err)
	}
	return nil
}

func reconReference() string {
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("RECON-%s-%s", time.Now().UTC().Format("20060102150405"), token[:6])
}

// ExpireStalePendingFunding fails pending credits the gateway never
// confirmed. Pending entries hold no balance, so no lock is needed.
func (s *ReconciliationService) ExpireStalePendingFunding(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.DB.WithContext(ctx).Model(&models.WalletTransaction{}).
		Where("status = ? AND type = ? AND created_at <= ?",
			models.TransactionPending, models.TransactionCredit, cutoff).
		Update("status", models.TransactionFailed)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire stale pending entries: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("[Reconcile] expired %d stale pending funding entries", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// CleanupExpiredIdempotencyKeys drops dedup records past their TTL.
func (s *ReconciliationService) CleanupExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	result := s.DB.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&models.IdempotencyKey{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency keys: %w", result.Error)
	}
	return result.RowsAffected, nil
}
