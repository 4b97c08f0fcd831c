package services_test

import (
	"context"
	"testing"
	"time"

	"billpay-wallet-service/models"
	"billpay-wallet-service/services"
	"billpay-wallet-service/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestCashback(t *testing.T) (*services.WalletService, *services.CashbackService, *gorm.DB) {
	db := newTestDB(t)
	wallets := services.NewWalletService(db, utils.NewMemoryLocker(), nil)
	cashback := services.NewCashbackService(db, wallets, nil)
	return wallets, cashback, db
}

func seedRule(t *testing.T, db *gorm.DB, billType, percentage, minSpend, maxAmount string, active bool) {
	t.Helper()
	require.NoError(t, db.Create(&models.CashbackRule{
		ID:         uuid.NewString(),
		BillType:   billType,
		Percentage: dec(t, percentage),
		MinSpend:   dec(t, minSpend),
		MaxAmount:  dec(t, maxAmount),
		IsActive:   active,
	}).Error)
}

func TestCalculateCashback_RuleMath(t *testing.T) {
	_, cashback, db := newTestCashback(t)
	ctx := context.Background()
	seedRule(t, db, "electricity", "2", "1000", "500", true)

	// 2% of 5000 = 100
	amount, err := cashback.CalculateCashback(ctx, "electricity", dec(t, "5000"))
	require.NoError(t, err)
	assertDecimal(t, "100", amount)

	// Below the minimum spend earns nothing.
	amount, err = cashback.CalculateCashback(ctx, "electricity", dec(t, "999"))
	require.NoError(t, err)
	assert.True(t, amount.IsZero())

	// 2% of 50000 = 1000, capped at 500.
	amount, err = cashback.CalculateCashback(ctx, "electricity", dec(t, "50000"))
	require.NoError(t, err)
	assertDecimal(t, "500", amount)
}

func TestCalculateCashback_NoRuleOrInactive(t *testing.T) {
	_, cashback, db := newTestCashback(t)
	ctx := context.Background()
	seedRule(t, db, "tv", "5", "0", "0", false)

	amount, err := cashback.CalculateCashback(ctx, "tv", dec(t, "1000"))
	require.NoError(t, err)
	assert.True(t, amount.IsZero(), "inactive rules do not award")

	amount, err = cashback.CalculateCashback(ctx, "airtime", dec(t, "1000"))
	require.NoError(t, err)
	assert.True(t, amount.IsZero(), "unknown bill types do not award")
}

func TestCalculateCashback_UncappedRule(t *testing.T) {
	_, cashback, db := newTestCashback(t)
	seedRule(t, db, "internet", "1.5", "0", "0", true)

	amount, err := cashback.CalculateCashback(context.Background(), "internet", dec(t, "20000"))
	require.NoError(t, err)
	assertDecimal(t, "300", amount)
}

func TestProcessPendingCashbacks_CreditsEligibleOnly(t *testing.T) {
	wallets, cashback, db := newTestCashback(t)
	ctx := context.Background()
	user := uuid.NewString()
	seedWallet(t, wallets, user, "100", "0")

	eligible, err := cashback.CreatePendingCashback(ctx, user, dec(t, "25"),
		"bill_payment", "BILL_A", "Electricity reward", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	future, err := cashback.CreatePendingCashback(ctx, user, dec(t, "40"),
		"bill_payment", "BILL_B", "TV reward", time.Now().Add(24*time.Hour))
	require.NoError(t, err)

	summary, err := cashback.ProcessPendingCashbacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Credited)
	assert.Equal(t, 0, summary.Failed)

	balance, err := wallets.GetBalance(ctx, user)
	require.NoError(t, err)
	assertDecimal(t, "100", balance.Balance)
	assertDecimal(t, "25", balance.CashbackBalance)

	var reloaded models.Cashback
	require.NoError(t, db.First(&reloaded, "id = ?", eligible.ID).Error)
	assert.Equal(t, models.CashbackCredited, reloaded.Status)
	require.NotNil(t, reloaded.CreditedAt)

	var reloadedFuture models.Cashback
	require.NoError(t, db.First(&reloadedFuture, "id = ?", future.ID).Error)
	assert.Equal(t, models.CashbackPending, reloadedFuture.Status)
	assert.Nil(t, reloadedFuture.CreditedAt)

	// Crediting leaves a ledger entry attributed entirely to the cashback
	// bucket.
	history, err := wallets.GetTransactionHistory(ctx, user, 10, 0, "")
	require.NoError(t, err)
	newest := history[0]
	assert.Equal(t, models.TransactionCredit, newest.Type)
	assertDecimal(t, "25", newest.CashbackAmount)
	assert.True(t, newest.MainAmount.IsZero())
}

func TestProcessPendingCashbacks_CreditedOnce(t *testing.T) {
	wallets, cashback, _ := newTestCashback(t)
	ctx := context.Background()
	user := uuid.NewString()
	seedWallet(t, wallets, user, "100", "0")

	_, err := cashback.CreatePendingCashback(ctx, user, dec(t, "10"),
		"bill_payment", "BILL_C", "reward", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = cashback.ProcessPendingCashbacks(ctx)
	require.NoError(t, err)

	// A second run finds nothing pending.
	summary, err := cashback.ProcessPendingCashbacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)

	balance, err := wallets.GetBalance(ctx, user)
	require.NoError(t, err)
	assertDecimal(t, "10", balance.CashbackBalance)
}

func TestProcessPendingCashbacks_CreatesWalletLazily(t *testing.T) {
	wallets, cashback, _ := newTestCashback(t)
	ctx := context.Background()
	user := uuid.NewString()

	// No wallet yet: the credit creates one.
	_, err := cashback.CreatePendingCashback(ctx, user, dec(t, "15"),
		"bill_payment", "BILL_D", "reward", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	summary, err := cashback.ProcessPendingCashbacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Credited)

	balance, err := wallets.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero())
	assertDecimal(t, "15", balance.CashbackBalance)
}

func TestProcessPendingCashbacks_NotifierPanicContained(t *testing.T) {
	db := newTestDB(t)
	// A notifier with no HTTP client panics on delivery. The credit must
	// still land and the panic must stay inside the delivery goroutine.
	notifier := &services.NotificationService{BaseURL: "http://notify.internal"}
	wallets := services.NewWalletService(db, utils.NewMemoryLocker(), notifier)
	cashback := services.NewCashbackService(db, wallets, notifier)

	ctx := context.Background()
	user := uuid.NewString()
	_, err := cashback.CreatePendingCashback(ctx, user, dec(t, "10"),
		"bill_payment", "", "reward", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	summary, err := cashback.ProcessPendingCashbacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Credited)

	// Let the delivery goroutine run to completion.
	time.Sleep(100 * time.Millisecond)

	balance, err := wallets.GetBalance(ctx, user)
	require.NoError(t, err)
	assertDecimal(t, "10", balance.CashbackBalance)
}

func TestCreatePendingCashback_RejectsNonPositive(t *testing.T) {
	_, cashback, _ := newTestCashback(t)

	var validation *services.ValidationError
	_, err := cashback.CreatePendingCashback(context.Background(), uuid.NewString(),
		dec(t, "0"), "bill_payment", "", "x", time.Now())
	assert.ErrorAs(t, err, &validation)
}
