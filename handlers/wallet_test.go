package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"billpay-wallet-service/handlers"
	"billpay-wallet-service/models"
	"billpay-wallet-service/services"
	"billpay-wallet-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestApp(t *testing.T) *fiber.App {
	app, _, _ := newTestAppEnv(t)
	return app
}

func newTestAppEnv(t *testing.T) (*fiber.App, *services.WalletService, *utils.MemoryLocker) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Wallet{},
		&models.WalletTransaction{},
		&models.RecurringPayment{},
		&models.Cashback{},
		&models.CashbackRule{},
		&models.IdempotencyKey{},
	))

	locker := utils.NewMemoryLocker()
	wallets := services.NewWalletService(db, locker, nil)
	recon := services.NewReconciliationService(db, locker, nil)
	recurring := services.NewRecurringService(db, wallets, nil)

	app := fiber.New()
	handlers.SetupWalletRoutes(app, wallets, recon, recurring)
	return app, wallets, locker
}

// do sends a JSON request as the given user and decodes the JSON response.
func do(t *testing.T, app *fiber.App, method, path, userID, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func TestRoutes_RequireUserContext(t *testing.T) {
	app := newTestApp(t)

	resp, _ := do(t, app, http.MethodGet, "/wallet/balance", "", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestFundConfirmBalance_EndToEnd(t *testing.T) {
	app := newTestApp(t)
	user := uuid.NewString()

	resp, body := do(t, app, http.MethodPost, "/wallet/fund", user,
		`{"amount": "500", "payment_method": "Bank Transfer"}`, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(models.TransactionPending), body["status"])
	assert.Equal(t, "bank-transfer", body["payment_method"])
	txnID, _ := body["id"].(string)
	require.NotEmpty(t, txnID)

	// Pending money is not spendable yet.
	resp, body = do(t, app, http.MethodGet, "/wallet/balance", user, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", body["balance"])

	// Gateway webhook confirms; no user context on this route.
	resp, body = do(t, app, http.MethodPost, "/wallet/fund/"+txnID+"/confirm", "",
		`{"external_reference": "PSP-123"}`, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.TransactionCompleted), body["status"])
	assert.Equal(t, "PSP-123", body["external_reference"])

	resp, body = do(t, app, http.MethodGet, "/wallet/balance", user, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "500", body["balance"])
	assert.Equal(t, "500", body["total_funded"])
}

func TestConfirmFunding_IdempotentReplay(t *testing.T) {
	app := newTestApp(t)
	user := uuid.NewString()

	_, funded := do(t, app, http.MethodPost, "/wallet/fund", user,
		`{"amount": "200", "payment_method": "card"}`, nil)
	txnID, _ := funded["id"].(string)
	require.NotEmpty(t, txnID)

	key := map[string]string{"Idempotency-Key": uuid.NewString()}
	confirmPath := "/wallet/fund/" + txnID + "/confirm"
	confirmBody := `{"external_reference": "PSP-789"}`

	first, firstDecoded := do(t, app, http.MethodPost, confirmPath, "", confirmBody, key)
	require.Equal(t, fiber.StatusOK, first.StatusCode)
	assert.Empty(t, first.Header.Get("X-Idempotent-Replay"))

	// The gateway retries the webhook with the same key: same response,
	// flagged as a replay, and the balance is not credited twice.
	second, secondDecoded := do(t, app, http.MethodPost, confirmPath, "", confirmBody, key)
	require.Equal(t, fiber.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	assert.Equal(t, firstDecoded["id"], secondDecoded["id"])
	assert.Equal(t, firstDecoded["status"], secondDecoded["status"])

	_, balance := do(t, app, http.MethodGet, "/wallet/balance", user, "", nil)
	assert.Equal(t, "200", balance["balance"])
}

func TestIdempotencyKey_ConflictOnDifferentBody(t *testing.T) {
	app := newTestApp(t)
	user := uuid.NewString()
	key := map[string]string{"Idempotency-Key": uuid.NewString()}

	resp, _ := do(t, app, http.MethodPost, "/wallet/fund", user,
		`{"amount": "100", "payment_method": "card"}`, key)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	// Same key, different payload: rejected, not silently replayed.
	resp, body := do(t, app, http.MethodPost, "/wallet/fund", user,
		`{"amount": "999", "payment_method": "card"}`, key)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "differs")
}

func TestIdempotencyKey_ReleasedAfterBusyWallet(t *testing.T) {
	// GIVEN: the user's wallet lock is held elsewhere
	// WHEN: a funding request with an idempotency key gets a 503
	// THEN: releasing the lock and retrying the identical request succeeds
	//       instead of conflicting as still-in-flight

	app, wallets, locker := newTestAppEnv(t)
	wallets.LockWait = 50 * time.Millisecond
	ctx := context.Background()
	user := uuid.NewString()

	held, err := locker.Acquire(ctx, utils.UserWalletKey(user), time.Minute, time.Second)
	require.NoError(t, err)

	key := map[string]string{"Idempotency-Key": uuid.NewString()}
	body := `{"amount": "100", "payment_method": "card"}`

	resp, _ := do(t, app, http.MethodPost, "/wallet/fund", user, body, key)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, held.Release(ctx))

	resp, decoded := do(t, app, http.MethodPost, "/wallet/fund", user, body, key)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Idempotent-Replay"))
	assert.Equal(t, string(models.TransactionPending), decoded["status"])
}

func TestDebit_ErrorMapping(t *testing.T) {
	app := newTestApp(t)
	user := uuid.NewString()

	// No wallet yet.
	resp, _ := do(t, app, http.MethodPost, "/wallet/debit", user,
		`{"amount": "50", "description": "Electricity bill"}`, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// Non-positive amount.
	resp, _ = do(t, app, http.MethodPost, "/wallet/debit", user,
		`{"amount": "-5", "description": "nope"}`, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	// Fund 100, try to spend 150.
	_, funded := do(t, app, http.MethodPost, "/wallet/fund", user,
		`{"amount": "100", "payment_method": "card"}`, nil)
	txnID, _ := funded["id"].(string)
	do(t, app, http.MethodPost, "/wallet/fund/"+txnID+"/confirm", "", "", nil)

	resp, body := do(t, app, http.MethodPost, "/wallet/debit", user,
		`{"amount": "150", "description": "Electricity bill"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "100", body["available"])
	assert.Equal(t, "150", body["required"])
}

func TestTransfer_OverHTTP(t *testing.T) {
	app := newTestApp(t)
	sender := uuid.NewString()
	receiver := uuid.NewString()

	_, funded := do(t, app, http.MethodPost, "/wallet/fund", sender,
		`{"amount": "300", "payment_method": "card"}`, nil)
	txnID, _ := funded["id"].(string)
	do(t, app, http.MethodPost, "/wallet/fund/"+txnID+"/confirm", "", "", nil)

	resp, body := do(t, app, http.MethodPost, "/wallet/transfer", sender,
		fmt.Sprintf(`{"to_user_id": %q, "amount": "120", "description": "split bill"}`, receiver), nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.Contains(t, body, "debit_transaction")
	require.Contains(t, body, "credit_transaction")

	_, senderBalance := do(t, app, http.MethodGet, "/wallet/balance", sender, "", nil)
	assert.Equal(t, "180", senderBalance["balance"])
	_, receiverBalance := do(t, app, http.MethodGet, "/wallet/balance", receiver, "", nil)
	assert.Equal(t, "120", receiverBalance["balance"])

	// Malformed recipient id is rejected before any mutation.
	resp, _ = do(t, app, http.MethodPost, "/wallet/transfer", sender,
		`{"to_user_id": "not-a-uuid", "amount": "10"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTransactionHistoryAndLookup(t *testing.T) {
	app := newTestApp(t)
	user := uuid.NewString()

	_, funded := do(t, app, http.MethodPost, "/wallet/fund", user,
		`{"amount": "400", "payment_method": "card"}`, nil)
	txnID, _ := funded["id"].(string)
	do(t, app, http.MethodPost, "/wallet/fund/"+txnID+"/confirm", "", "", nil)
	do(t, app, http.MethodPost, "/wallet/debit", user,
		`{"amount": "150", "description": "TV subscription"}`, nil)

	resp, body := do(t, app, http.MethodGet, "/wallet/transactions", user, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	resp, body = do(t, app, http.MethodGet, "/wallet/transactions?type=debit", user, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	reference, _ := funded["reference"].(string)
	require.NotEmpty(t, reference)
	resp, body = do(t, app, http.MethodGet, "/wallet/transactions/"+reference, user, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, funded["id"], body["id"])

	resp, _ = do(t, app, http.MethodGet, "/wallet/transactions/NOPE", user, "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// A reference is only visible to the wallet that owns it.
	resp, _ = do(t, app, http.MethodGet, "/wallet/transactions/"+reference, uuid.NewString(), "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestRecurringRoutes(t *testing.T) {
	app := newTestApp(t)
	user := uuid.NewString()

	resp, body := do(t, app, http.MethodPost, "/wallet/recurring", user,
		`{"amount": "50", "description": "Netflix", "bill_type": "internet", "frequency": "monthly"}`, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	resp, body = do(t, app, http.MethodPost, "/wallet/recurring/"+id+"/pause", user, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.RecurringPaused), body["status"])

	resp, _ = do(t, app, http.MethodPost, "/wallet/recurring/"+id+"/pause", user, "", nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPost, "/wallet/recurring/"+id+"/explode", user, "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPost, "/wallet/recurring/"+uuid.NewString()+"/pause", user, "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAdminReconciliationRoute(t *testing.T) {
	app := newTestApp(t)
	user := uuid.NewString()

	resp, _ := do(t, app, http.MethodPost, "/admin/reconciliation/run", user, "", nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, body := do(t, app, http.MethodPost, "/admin/reconciliation/run", user, "",
		map[string]string{"X-User-Roles": "admin"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "total_wallets")
}
