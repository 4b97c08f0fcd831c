// services/wallet_handlers.go
package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"billpay-wallet-service/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

func userIDFromCtx(c *fiber.Ctx) string {
	if v, ok := c.Locals("user_id").(string); ok {
		return v
	}
	return ""
}

// HandleGetBalance returns the caller's balance view.
func (s *WalletService) HandleGetBalance(c *fiber.Ctx) error {
	userID := userIDFromCtx(c)
	summary, err := s.GetBalance(c.Context(), userID)
	if err != nil {
		return s.errorResponse(c, "", err)
	}
	return c.JSON(summary)
}

// HandleFundWallet creates a pending funding entry for the caller.
func (s *WalletService) HandleFundWallet(c *fiber.Ctx) error {
	userID := userIDFromCtx(c)

	var req struct {
		Amount            decimal.Decimal `json:"amount"`
		PaymentMethod     string          `json:"payment_method"`
		ExternalReference string          `json:"external_reference"`
		Description       string          `json:"description"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	key, replayed, err := s.beginIdempotent(c, userID)
	if err != nil || replayed {
		return err
	}

	txn, err := s.FundWallet(c.Context(), userID, req.Amount, req.PaymentMethod, req.ExternalReference, req.Description)
	if err != nil {
		return s.errorResponse(c, key, err)
	}
	return s.jsonResponse(c, key, fiber.StatusCreated, txn)
}

// HandleConfirmFunding settles a pending funding entry. Gateways retry
// webhooks, so this endpoint is the main consumer of idempotency keys.
func (s *WalletService) HandleConfirmFunding(c *fiber.Ctx) error {
	transactionID := c.Params("id")
	if _, err := uuid.Parse(transactionID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid transaction ID"})
	}

	var req struct {
		ExternalReference string `json:"external_reference"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	key, replayed, err := s.beginIdempotent(c, userIDFromCtx(c))
	if err != nil || replayed {
		return err
	}

	txn, err := s.ConfirmFunding(c.Context(), transactionID, req.ExternalReference)
	if err != nil {
		return s.errorResponse(c, key, err)
	}
	return s.jsonResponse(c, key, fiber.StatusOK, txn)
}

// HandleDebitWallet spends from the caller's wallet.
func (s *WalletService) HandleDebitWallet(c *fiber.Ctx) error {
	userID := userIDFromCtx(c)

	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
		Reference   string          `json:"reference"`
		UseCashback bool            `json:"use_cashback"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	key, replayed, err := s.beginIdempotent(c, userID)
	if err != nil || replayed {
		return err
	}

	txn, err := s.DebitWallet(c.Context(), userID, req.Amount, req.Description, req.Reference, req.UseCashback)
	if err != nil {
		return s.errorResponse(c, key, err)
	}
	return s.jsonResponse(c, key, fiber.StatusCreated, txn)
}

// HandleTransfer moves funds from the caller to another user.
func (s *WalletService) HandleTransfer(c *fiber.Ctx) error {
	userID := userIDFromCtx(c)

	var req struct {
		ToUserID    string          `json:"to_user_id"`
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if _, err := uuid.Parse(req.ToUserID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid recipient user ID"})
	}

	key, replayed, err := s.beginIdempotent(c, userID)
	if err != nil || replayed {
		return err
	}

	result, err := s.TransferBetweenWallets(c.Context(), userID, req.ToUserID, req.Amount, req.Description)
	if err != nil {
		return s.errorResponse(c, key, err)
	}
	return s.jsonResponse(c, key, fiber.StatusCreated, result)
}

// HandleGetHistory lists the caller's ledger entries.
func (s *WalletService) HandleGetHistory(c *fiber.Ctx) error {
	userID := userIDFromCtx(c)
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	txType := models.TransactionType(c.Query("type"))

	txns, err := s.GetTransactionHistory(c.Context(), userID, limit, offset, txType)
	if err != nil {
		return s.errorResponse(c, "", err)
	}
	return c.JSON(fiber.Map{"transactions": txns, "count": len(txns)})
}

// HandleGetTransaction looks up one of the caller's entries by reference.
func (s *WalletService) HandleGetTransaction(c *fiber.Ctx) error {
	txn, err := s.GetTransactionByReference(c.Context(), userIDFromCtx(c), c.Params("reference"))
	if err != nil {
		return s.errorResponse(c, "", err)
	}
	return c.JSON(txn)
}

// HandleRunReconciliation triggers a full pass on demand (admin).
func (s *ReconciliationService) HandleRunReconciliation(c *fiber.Ctx) error {
	summary, err := s.Run(c.Context())
	if err != nil {
		log.Printf("[Reconcile] manual run failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Reconciliation run failed"})
	}
	return c.JSON(summary)
}

// HandleCreateRecurring registers a recurring debit for the caller.
func (s *RecurringService) HandleCreateRecurring(c *fiber.Ctx) error {
	userID := userIDFromCtx(c)

	var req struct {
		Amount       decimal.Decimal           `json:"amount"`
		Description  string                    `json:"description"`
		BillType     string                    `json:"bill_type"`
		Frequency    models.RecurringFrequency `json:"frequency"`
		FirstPayment time.Time                 `json:"first_payment"`
		EndDate      *time.Time                `json:"end_date"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.FirstPayment.IsZero() {
		req.FirstPayment = time.Now()
	}

	payment, err := s.CreateRecurringPayment(c.Context(), userID, req.Amount, req.Description, req.BillType, req.Frequency, req.FirstPayment, req.EndDate)
	if err != nil {
		return recurringError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(payment)
}

// HandleRecurringTransition handles pause/resume/cancel.
func (s *RecurringService) HandleRecurringTransition(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid recurring payment ID"})
	}

	var payment *models.RecurringPayment
	var err error
	switch c.Params("action") {
	case "pause":
		payment, err = s.PauseRecurringPayment(c.Context(), id)
	case "resume":
		payment, err = s.ResumeRecurringPayment(c.Context(), id)
	case "cancel":
		payment, err = s.CancelRecurringPayment(c.Context(), id)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown action"})
	}
	if err != nil {
		return recurringError(c, err)
	}
	return c.JSON(payment)
}

func recurringError(c *fiber.Ctx, err error) error {
	var validation *ValidationError
	var notFound *NotFoundError
	switch {
	case errors.As(err, &validation):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": validation.Detail})
	case errors.As(err, &notFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": notFound.Detail})
	default:
		log.Printf("[Recurring] handler error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal error"})
	}
}

// --- idempotency plumbing ---

func requestHash(c *fiber.Ctx) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s %s\n", c.Method(), c.Path())
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}

// beginIdempotent resolves the Idempotency-Key header. When replayed is
// true, the stored response has already been written to c and the handler
// must return the (nil) error as-is. The returned key is "" when the caller
// sent none.
func (s *WalletService) beginIdempotent(c *fiber.Ctx, userID string) (key string, replayed bool, err error) {
	key = c.Get("Idempotency-Key")
	if key == "" {
		return "", false, nil
	}

	hash := requestHash(c)

	var record models.IdempotencyKey
	lookupErr := s.DB.Where("key = ?", key).First(&record).Error
	switch {
	case lookupErr == nil:
		if record.ExpiresAt.Before(time.Now()) {
			s.DB.Delete(&record)
			break
		}
		if record.RequestHash != hash {
			return key, true, c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Idempotency key conflict: request data differs from original",
			})
		}
		if record.StatusCode == 0 {
			// Original request still in flight.
			return key, true, c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Request with this idempotency key is still being processed",
			})
		}
		c.Set("X-Idempotent-Replay", "true")
		c.Status(record.StatusCode)
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return key, true, c.SendString(record.ResponseData)
	case errors.Is(lookupErr, gorm.ErrRecordNotFound):
	default:
		log.Printf("[Wallet] idempotency lookup failed: %v", lookupErr)
		return key, true, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal error"})
	}

	record = models.IdempotencyKey{
		ID:          uuid.NewString(),
		Key:         key,
		UserID:      userID,
		Endpoint:    c.Path(),
		RequestHash: hash,
		ExpiresAt:   time.Now().Add(idempotencyTTL),
	}
	if createErr := s.DB.Create(&record).Error; createErr != nil {
		// Unique violation: a concurrent request with the same key won.
		return key, true, c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Request with this idempotency key is still being processed",
		})
	}
	return key, false, nil
}

func (s *WalletService) storeIdempotentResult(key string, status int, body string) {
	if key == "" {
		return
	}
	err := s.DB.Model(&models.IdempotencyKey{}).
		Where("key = ?", key).
		Updates(map[string]any{"status_code": status, "response_data": body}).Error
	if err != nil {
		log.Printf("[Wallet] failed to store idempotent response for %s: %v", key, err)
	}
}

func (s *WalletService) jsonResponse(c *fiber.Ctx, key string, status int, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Wallet] failed to encode response: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal error"})
	}
	s.storeIdempotentResult(key, status, string(body))
	c.Status(status)
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

// errorResponse maps the error taxonomy onto HTTP statuses. Validation and
// insufficient-funds are the caller's problem (4xx); lock timeouts are
// retryable (503). 4xx outcomes are stored under the idempotency key so a
// gateway retry replays the same rejection instead of re-running; 5xx
// outcomes release the key so an identical retry is processed fresh.
func (s *WalletService) errorResponse(c *fiber.Ctx, key string, err error) error {
	var validation *ValidationError
	var notFound *NotFoundError
	var insufficient *InsufficientFundsError
	var lockErr *LockAcquisitionError

	var status int
	var payload fiber.Map
	switch {
	case errors.As(err, &validation):
		status, payload = fiber.StatusUnprocessableEntity, fiber.Map{"error": validation.Detail}
	case errors.As(err, &notFound):
		status, payload = fiber.StatusNotFound, fiber.Map{"error": notFound.Detail}
	case errors.As(err, &insufficient):
		status, payload = fiber.StatusBadRequest, fiber.Map{
			"error":     "Insufficient funds",
			"available": insufficient.Available,
			"required":  insufficient.Required,
		}
	case errors.As(err, &lockErr):
		status, payload = fiber.StatusServiceUnavailable, fiber.Map{"error": "Wallet is busy, please retry"}
	default:
		log.Printf("[Wallet] handler error: %v", err)
		status, payload = fiber.StatusInternalServerError, fiber.Map{"error": "Internal error"}
	}

	if status < 500 {
		body, marshalErr := json.Marshal(payload)
		if marshalErr == nil {
			s.storeIdempotentResult(key, status, string(body))
		}
	} else if key != "" {
		// Leaving the record behind with no stored response would make
		// every retry conflict as "still being processed" until the TTL.
		if delErr := s.DB.Where("key = ?", key).Delete(&models.IdempotencyKey{}).Error; delErr != nil {
			log.Printf("[Wallet] failed to release idempotency key %s: %v", key, delErr)
		}
	}
	return c.Status(status).JSON(payload)
}
