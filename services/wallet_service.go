// services/wallet_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"billpay-wallet-service/models"
	"billpay-wallet-service/utils"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	walletLockTTL  = 30 * time.Second
	walletLockWait = 10 * time.Second
)

// WalletService is the only legal way to change wallet balances. Every
// mutation acquires the per-user lock, then runs the ledger write and the
// balance write in a single DB transaction, so no observer ever sees the
// ledger and the balance disagree.
type WalletService struct {
	DB       *gorm.DB
	Locks    utils.Locker
	Notifier *NotificationService

	// LockWait bounds how long a mutation waits for the per-user lock
	// before failing as retryable contention.
	LockWait time.Duration
}

func NewWalletService(db *gorm.DB, locks utils.Locker, notifier *NotificationService) *WalletService {
	return &WalletService{DB: db, Locks: locks, Notifier: notifier, LockWait: walletLockWait}
}

// BalanceSummary is the read view of a wallet.
type BalanceSummary struct {
	Balance         decimal.Decimal `json:"balance"`
	CashbackBalance decimal.Decimal `json:"cashback_balance"`
	TotalBalance    decimal.Decimal `json:"total_balance"`
	TotalFunded     decimal.Decimal `json:"total_funded"`
	TotalSpent      decimal.Decimal `json:"total_spent"`
}

// TransferResult pairs the two ledger entries a transfer produces.
type TransferResult struct {
	DebitTransaction  *models.WalletTransaction `json:"debit_transaction"`
	CreditTransaction *models.WalletTransaction `json:"credit_transaction"`
}

func (s *WalletService) lockWallet(ctx context.Context, userID string) (utils.Lock, error) {
	key := utils.UserWalletKey(userID)
	lock, err := s.Locks.Acquire(ctx, key, walletLockTTL, s.LockWait)
	if err != nil {
		return nil, &LockAcquisitionError{Key: key, Err: err}
	}
	return lock, nil
}

// GetWalletByUserID returns nil without error when the user has no wallet
// yet; wallets are created lazily on first funding or cashback.
func (s *WalletService) GetWalletByUserID(userID string) (*models.Wallet, error) {
	return getWallet(s.DB, userID)
}

func getWallet(tx *gorm.DB, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Where("user_id = ?", userID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet for user %s: %w", userID, err)
	}
	return &wallet, nil
}

func getOrCreateWallet(tx *gorm.DB, userID string) (*models.Wallet, error) {
	wallet, err := getWallet(tx, userID)
	if err != nil || wallet != nil {
		return wallet, err
	}
	wallet = &models.Wallet{
		ID:              uuid.NewString(),
		UserID:          userID,
		Balance:         decimal.Zero,
		CashbackBalance: decimal.Zero,
		TotalFunded:     decimal.Zero,
		TotalSpent:      decimal.Zero,
		IsActive:        true,
	}
	if err := tx.Create(wallet).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet for user %s: %w", userID, err)
	}
	return wallet, nil
}

// GetBalance returns the balance view for a user.
func (s *WalletService) GetBalance(ctx context.Context, userID string) (*BalanceSummary, error) {
	wallet, err := s.GetWalletByUserID(userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, &NotFoundError{Detail: "wallet not found"}
	}
	return &BalanceSummary{
		Balance:         wallet.Balance,
		CashbackBalance: wallet.CashbackBalance,
		TotalBalance:    wallet.TotalBalance(),
		TotalFunded:     wallet.TotalFunded,
		TotalSpent:      wallet.TotalSpent,
	}, nil
}

// FundWallet records a pending credit for externally-sourced money. The
// balance is untouched until the payment gateway confirms; unconfirmed money
// must not be spendable.
func (s *WalletService) FundWallet(ctx context.Context, userID string, amount decimal.Decimal, paymentMethod, externalReference, description string) (*models.WalletTransaction, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("amount must be greater than zero")
	}

	lock, err := s.lockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.Background())

	var txn *models.WalletTransaction
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		txn, err = fundTx(tx, userID, amount, paymentMethod, "", externalReference, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// fundTx appends the pending credit entry. Caller holds the user lock and
// the enclosing DB transaction.
func fundTx(tx *gorm.DB, userID string, amount decimal.Decimal, paymentMethod, reference, externalReference, description string) (*models.WalletTransaction, error) {
	wallet, err := getOrCreateWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	if reference == "" {
		reference = utils.NewReference("FUND")
	}
	method := slug.Make(paymentMethod)
	if description == "" {
		description = fmt.Sprintf("Wallet funding via %s", method)
	}

	txn := &models.WalletTransaction{
		ID:                uuid.NewString(),
		WalletID:          wallet.ID,
		Type:              models.TransactionCredit,
		Amount:            amount,
		MainAmount:        amount,
		CashbackAmount:    decimal.Zero,
		Description:       description,
		Reference:         reference,
		PaymentMethod:     method,
		ExternalReference: externalReference,
		Status:            models.TransactionPending,
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, fmt.Errorf("failed to create funding transaction: %w", err)
	}
	return txn, nil
}

// ConfirmFunding settles a pending credit: marks it completed and applies it
// to the balance. Confirming a terminal entry is an error, not a no-op, so
// double-processing in calling code surfaces instead of silently passing.
func (s *WalletService) ConfirmFunding(ctx context.Context, transactionID, externalReference string) (*models.WalletTransaction, error) {
	var probe models.WalletTransaction
	err := s.DB.First(&probe, "id = ?", transactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Detail: "transaction not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", transactionID, err)
	}

	var wallet models.Wallet
	if err := s.DB.First(&wallet, "id = ?", probe.WalletID).Error; err != nil {
		return nil, fmt.Errorf("failed to load wallet %s: %w", probe.WalletID, err)
	}

	lock, err := s.lockWallet(ctx, wallet.UserID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.Background())

	var txn *models.WalletTransaction
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		txn, err = confirmTx(tx, transactionID, externalReference)
		return err
	})
	if err != nil {
		return nil, err
	}

	notifyAsync(s.Notifier, func(ctx context.Context) {
		s.Notifier.FundingConfirmed(ctx, wallet.UserID, txn.Amount, txn.Reference)
	})
	return txn, nil
}

func confirmTx(tx *gorm.DB, transactionID, externalReference string) (*models.WalletTransaction, error) {
	var txn models.WalletTransaction
	err := tx.First(&txn, "id = ?", transactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Detail: "transaction not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", transactionID, err)
	}

	if txn.Status != models.TransactionPending {
		return nil, validationErrorf("transaction already %s", txn.Status)
	}

	var wallet models.Wallet
	if err := tx.First(&wallet, "id = ?", txn.WalletID).Error; err != nil {
		return nil, fmt.Errorf("failed to load wallet %s: %w", txn.WalletID, err)
	}

	wallet.Balance = wallet.Balance.Add(txn.MainAmount)
	wallet.CashbackBalance = wallet.CashbackBalance.Add(txn.CashbackAmount)
	wallet.TotalFunded = wallet.TotalFunded.Add(txn.Amount)
	if err := tx.Save(&wallet).Error; err != nil {
		return nil, fmt.Errorf("failed to update wallet balance: %w", err)
	}

	txn.Status = models.TransactionCompleted
	if externalReference != "" {
		txn.ExternalReference = externalReference
	}
	if err := tx.Save(&txn).Error; err != nil {
		return nil, fmt.Errorf("failed to complete transaction: %w", err)
	}
	return &txn, nil
}

// DebitWallet spends from the wallet. The availability check and the
// decrement happen under the same lock and transaction; this is the guard
// that makes concurrent debits against a borderline balance mutually
// exclusive.
func (s *WalletService) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal, description, reference string, useCashback bool) (*models.WalletTransaction, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("amount must be greater than zero")
	}

	lock, err := s.lockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.Background())

	var txn *models.WalletTransaction
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		txn, err = debitTx(tx, userID, amount, description, reference, useCashback)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func debitTx(tx *gorm.DB, userID string, amount decimal.Decimal, description, reference string, useCashback bool) (*models.WalletTransaction, error) {
	wallet, err := getWallet(tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, &NotFoundError{Detail: "wallet not found"}
	}
	if !wallet.IsActive {
		return nil, validationErrorf("wallet is deactivated")
	}

	available := wallet.Balance
	if useCashback {
		available = available.Add(wallet.CashbackBalance)
	}
	if available.LessThan(amount) {
		return nil, &InsufficientFundsError{Available: available, Required: amount}
	}

	mainDebit := decimal.Min(amount, wallet.Balance)
	cashbackDebit := decimal.Zero
	if useCashback {
		cashbackDebit = amount.Sub(mainDebit)
	}

	wallet.Balance = wallet.Balance.Sub(mainDebit)
	wallet.CashbackBalance = wallet.CashbackBalance.Sub(cashbackDebit)
	wallet.TotalSpent = wallet.TotalSpent.Add(amount)
	if err := tx.Save(wallet).Error; err != nil {
		return nil, fmt.Errorf("failed to update wallet balance: %w", err)
	}

	if reference == "" {
		reference = utils.NewReference("DEBIT")
	}

	// Debits settle synchronously: the money was just verified available.
	txn := &models.WalletTransaction{
		ID:             uuid.NewString(),
		WalletID:       wallet.ID,
		Type:           models.TransactionDebit,
		Amount:         amount,
		MainAmount:     mainDebit,
		CashbackAmount: cashbackDebit,
		Description:    description,
		Reference:      reference,
		Status:         models.TransactionCompleted,
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, fmt.Errorf("failed to create debit transaction: %w", err)
	}
	return txn, nil
}

// AddCashback credits the cashback balance only. Cashback is internally
// sourced, so it settles immediately with no confirmation step.
func (s *WalletService) AddCashback(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) (*models.WalletTransaction, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("cashback amount must be greater than zero")
	}

	lock, err := s.lockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.Background())

	var txn *models.WalletTransaction
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		wallet, err := getOrCreateWallet(tx, userID)
		if err != nil {
			return err
		}

		wallet.CashbackBalance = wallet.CashbackBalance.Add(amount)
		if err := tx.Save(wallet).Error; err != nil {
			return fmt.Errorf("failed to update cashback balance: %w", err)
		}

		if reference == "" {
			reference = utils.NewReference("CASHBACK")
		}
		txn = &models.WalletTransaction{
			ID:             uuid.NewString(),
			WalletID:       wallet.ID,
			Type:           models.TransactionCredit,
			Amount:         amount,
			MainAmount:     decimal.Zero,
			CashbackAmount: amount,
			Description:    description,
			Reference:      reference,
			PaymentMethod:  "cashback",
			Status:         models.TransactionCompleted,
		}
		if err := tx.Create(txn).Error; err != nil {
			return fmt.Errorf("failed to create cashback transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// TransferBetweenWallets moves main-balance funds between two users.
// Cashback is not liquid between users, so only the main balance is
// eligible. Both wallet locks are taken in ascending user-id order before
// anything is mutated; both ledger writes commit in one transaction.
func (s *WalletService) TransferBetweenWallets(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal, description string) (*TransferResult, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("transfer amount must be greater than zero")
	}
	if fromUserID == toUserID {
		return nil, validationErrorf("cannot transfer to the same wallet")
	}

	first, second := fromUserID, toUserID
	if strings.Compare(second, first) < 0 {
		first, second = second, first
	}

	firstLock, err := s.lockWallet(ctx, first)
	if err != nil {
		return nil, err
	}
	defer firstLock.Release(context.Background())

	secondLock, err := s.lockWallet(ctx, second)
	if err != nil {
		return nil, err
	}
	defer secondLock.Release(context.Background())

	transferRef := utils.NewReference("TRANSFER")

	var result TransferResult
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		debit, err := debitTx(tx, fromUserID, amount,
			fmt.Sprintf("Transfer to user %s: %s", toUserID, description),
			transferRef+"_OUT", false)
		if err != nil {
			return err
		}

		credit, err := fundTx(tx, toUserID, amount, "transfer",
			transferRef+"_IN", "",
			fmt.Sprintf("Transfer from user %s: %s", fromUserID, description))
		if err != nil {
			return err
		}

		// Transfers settle atomically; the receiver never sees a pending
		// window, unlike external gateway funding.
		credit, err = confirmTx(tx, credit.ID, "")
		if err != nil {
			return err
		}

		result.DebitTransaction = debit
		result.CreditTransaction = credit
		return nil
	})
	if err != nil {
		return nil, err
	}

	notifyAsync(s.Notifier, func(ctx context.Context) {
		s.Notifier.TransferReceived(ctx, toUserID, fromUserID, amount, result.CreditTransaction.Reference)
	})
	return &result, nil
}

// RefundFailedTransaction re-credits a debited amount after a payment failed
// downstream. Refunds settle immediately. The REFUND_<ref> reference is
// unique, so refunding the same payment twice fails on the constraint.
func (s *WalletService) RefundFailedTransaction(ctx context.Context, userID string, amount decimal.Decimal, transactionReference, description string) (*models.WalletTransaction, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("refund amount must be greater than zero")
	}
	if description == "" {
		description = fmt.Sprintf("Refund for failed transaction %s", transactionReference)
	}

	lock, err := s.lockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.Background())

	var txn *models.WalletTransaction
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		txn, err = fundTx(tx, userID, amount, "refund", "REFUND_"+transactionReference, "", description)
		if err != nil {
			return err
		}
		txn, err = confirmTx(tx, txn.ID, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	notifyAsync(s.Notifier, func(ctx context.Context) {
		s.Notifier.RefundIssued(ctx, userID, amount, txn.Reference)
	})
	return txn, nil
}

// DeactivateWallet soft-disables a wallet. Wallets are never deleted; a
// deactivated wallet rejects debits but keeps its history and balances.
func (s *WalletService) DeactivateWallet(ctx context.Context, userID string) error {
	lock, err := s.lockWallet(ctx, userID)
	if err != nil {
		return err
	}
	defer lock.Release(context.Background())

	wallet, err := s.GetWalletByUserID(userID)
	if err != nil {
		return err
	}
	if wallet == nil {
		return &NotFoundError{Detail: "wallet not found"}
	}
	return s.DB.Model(wallet).Update("is_active", false).Error
}

// GetTransactionHistory lists a user's ledger entries, newest first. A user
// without a wallet has an empty history, not an error.
func (s *WalletService) GetTransactionHistory(ctx context.Context, userID string, limit, offset int, transactionType models.TransactionType) ([]models.WalletTransaction, error) {
	wallet, err := s.GetWalletByUserID(userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return []models.WalletTransaction{}, nil
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.DB.Where("wallet_id = ?", wallet.ID)
	if transactionType != "" {
		query = query.Where("type = ?", transactionType)
	}

	var txns []models.WalletTransaction
	err = query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history: %w", err)
	}
	return txns, nil
}

// GetTransactionByReference looks up one of the user's ledger entries by its
// unique reference. Entries in other users' wallets resolve to NotFound, not
// to someone else's data.
func (s *WalletService) GetTransactionByReference(ctx context.Context, userID, reference string) (*models.WalletTransaction, error) {
	wallet, err := s.GetWalletByUserID(userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, &NotFoundError{Detail: "transaction not found"}
	}

	var txn models.WalletTransaction
	err = s.DB.Where("wallet_id = ? AND reference = ?", wallet.ID, reference).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Detail: "transaction not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", reference, err)
	}
	return &txn, nil
}
