// services/recurring_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"billpay-wallet-service/models"
	"billpay-wallet-service/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const retryDelay = 24 * time.Hour

// RecurringService runs scheduled wallet debits. Each failed attempt bumps
// the failure counter and reschedules a day later; MaxFailures consecutive
// failures park the payment in the terminal "error" status so a dead payment
// stops hammering an empty wallet.
type RecurringService struct {
	DB       *gorm.DB
	Wallets  *WalletService
	Notifier *NotificationService
}

func NewRecurringService(db *gorm.DB, wallets *WalletService, notifier *NotificationService) *RecurringService {
	return &RecurringService{DB: db, Wallets: wallets, Notifier: notifier}
}

// RecurringRunSummary reports one processing pass.
type RecurringRunSummary struct {
	StartedAt time.Time `json:"started_at"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Errored   int       `json:"errored"`
}

// CreateRecurringPayment registers a new schedule starting at firstPayment.
func (s *RecurringService) CreateRecurringPayment(ctx context.Context, userID string, amount decimal.Decimal, description, billType string, frequency models.RecurringFrequency, firstPayment time.Time, endDate *time.Time) (*models.RecurringPayment, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("amount must be greater than zero")
	}
	switch frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly:
	default:
		return nil, validationErrorf("unknown frequency %q", frequency)
	}

	payment := &models.RecurringPayment{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		Description:     description,
		BillType:        billType,
		Frequency:       frequency,
		NextPaymentDate: firstPayment,
		EndDate:         endDate,
		Status:          models.RecurringActive,
		MaxFailures:     3,
	}
	if err := s.DB.WithContext(ctx).Create(payment).Error; err != nil {
		return nil, fmt.Errorf("failed to create recurring payment: %w", err)
	}
	return payment, nil
}

// ProcessDuePayments debits every active payment whose next date has passed.
func (s *RecurringService) ProcessDuePayments(ctx context.Context) (*RecurringRunSummary, error) {
	summary := &RecurringRunSummary{StartedAt: time.Now().UTC()}

	var due []models.RecurringPayment
	err := s.DB.WithContext(ctx).
		Where("status = ? AND next_payment_date <= ?", models.RecurringActive, time.Now()).
		Order("next_payment_date ASC").
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load due recurring payments: %w", err)
	}
	summary.Total = len(due)

	for i := range due {
		payment := &due[i]
		if err := s.processOne(ctx, payment); err != nil {
			summary.Errored++
			log.Printf("[Recurring] payment %s: %v", payment.ID, err)
			continue
		}
		if payment.FailureCount > 0 || payment.Status == models.RecurringError {
			summary.Failed++
		} else {
			summary.Processed++
		}
	}

	if summary.Total > 0 {
		log.Printf("[Recurring] run complete: %d due, %d processed, %d failed, %d errored",
			summary.Total, summary.Processed, summary.Failed, summary.Errored)
	}
	return summary, nil
}

func (s *RecurringService) processOne(ctx context.Context, payment *models.RecurringPayment) error {
	reference := utils.NewReference("PAY")
	_, err := s.Wallets.DebitWallet(ctx, payment.UserID, payment.Amount,
		fmt.Sprintf("Recurring payment: %s", payment.Description), reference, false)

	switch {
	case err == nil:
		return s.recordSuccess(payment)
	case isPaymentFailure(err):
		return s.recordFailure(payment, err)
	default:
		// Lock contention or infrastructure errors do not count against the
		// schedule; the next run retries as-is.
		return err
	}
}

// isPaymentFailure distinguishes failures of the payment itself from
// transient infrastructure errors.
func isPaymentFailure(err error) bool {
	var insufficient *InsufficientFundsError
	var notFound *NotFoundError
	var validation *ValidationError
	return errors.As(err, &insufficient) || errors.As(err, &notFound) || errors.As(err, &validation)
}

func (s *RecurringService) recordSuccess(payment *models.RecurringPayment) error {
	payment.FailureCount = 0
	payment.LastError = ""
	payment.NextPaymentDate = payment.NextDate(payment.NextPaymentDate)
	if payment.EndDate != nil && payment.NextPaymentDate.After(*payment.EndDate) {
		payment.Status = models.RecurringCompleted
	}
	return s.DB.Save(payment).Error
}

func (s *RecurringService) recordFailure(payment *models.RecurringPayment, cause error) error {
	payment.FailureCount++
	payment.LastError = cause.Error()

	if payment.FailureCount >= payment.MaxFailures {
		payment.Status = models.RecurringError
		log.Printf("[Recurring] payment %s for user %s moved to error after %d failures",
			payment.ID, payment.UserID, payment.FailureCount)
		p := *payment
		notifyAsync(s.Notifier, func(ctx context.Context) {
			s.Notifier.RecurringPaymentFailed(ctx, p.UserID, p.Description, p.LastError)
		})
	} else {
		payment.NextPaymentDate = time.Now().Add(retryDelay)
	}
	return s.DB.Save(payment).Error
}

// PauseRecurringPayment suspends an active schedule.
func (s *RecurringService) PauseRecurringPayment(ctx context.Context, id string) (*models.RecurringPayment, error) {
	return s.transition(ctx, id, models.RecurringPaused, models.RecurringActive)
}

// ResumeRecurringPayment reactivates a paused schedule and clears the
// failure counter.
func (s *RecurringService) ResumeRecurringPayment(ctx context.Context, id string) (*models.RecurringPayment, error) {
	payment, err := s.transition(ctx, id, models.RecurringActive, models.RecurringPaused, models.RecurringError)
	if err != nil {
		return nil, err
	}
	payment.FailureCount = 0
	payment.LastError = ""
	if err := s.DB.Save(payment).Error; err != nil {
		return nil, err
	}
	return payment, nil
}

// CancelRecurringPayment permanently stops a schedule.
func (s *RecurringService) CancelRecurringPayment(ctx context.Context, id string) (*models.RecurringPayment, error) {
	return s.transition(ctx, id, models.RecurringCancelled,
		models.RecurringActive, models.RecurringPaused, models.RecurringError)
}

func (s *RecurringService) transition(ctx context.Context, id string, to models.RecurringStatus, from ...models.RecurringStatus) (*models.RecurringPayment, error) {
	var payment models.RecurringPayment
	err := s.DB.WithContext(ctx).First(&payment, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Detail: "recurring payment not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recurring payment %s: %w", id, err)
	}

	allowed := false
	for _, f := range from {
		if payment.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, validationErrorf("cannot move recurring payment from %s to %s", payment.Status, to)
	}

	payment.Status = to
	if err := s.DB.Save(&payment).Error; err != nil {
		return nil, fmt.Errorf("failed to update recurring payment %s: %w", id, err)
	}
	return &payment, nil
}
