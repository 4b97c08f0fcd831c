// services/notification.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"billpay-wallet-service/utils"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NotificationService posts wallet events to the notification service. It is
// strictly fire-and-forget: delivery failures are logged and dropped, never
// surfaced to the mutation that triggered them.
type NotificationService struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewNotificationService() *NotificationService {
	baseURL := os.Getenv("NOTIFICATION_SERVICE_URL")
	if baseURL == "" {
		log.Println("[Notify] NOTIFICATION_SERVICE_URL not set — notifications disabled")
	}
	return &NotificationService{
		BaseURL:    baseURL,
		Token:      os.Getenv("NOTIFICATION_SERVICE_TOKEN"),
		HTTPClient: utils.HTTPClient,
	}
}

func (n *NotificationService) Enabled() bool {
	return n != nil && n.BaseURL != ""
}

// notifyAsync dispatches a notification off the caller's path. Failures and
// panics inside the notifier are contained here; they never reach the
// mutation or background job that triggered them.
func notifyAsync(n *NotificationService, fn func(ctx context.Context)) {
	if !n.Enabled() {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Notify] notification panic: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

var ngn = currency.MustParseISO("NGN")
var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders a decimal as a user-facing naira amount.
func FormatAmount(amount decimal.Decimal) string {
	f, _ := amount.Float64()
	return amountPrinter.Sprintf("%v", currency.NarrowSymbol(ngn.Amount(f)))
}

type notificationPayload struct {
	UserID  string         `json:"user_id"`
	Event   string         `json:"event"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (n *NotificationService) send(ctx context.Context, userID, event, msg string, data map[string]any) {
	if !n.Enabled() {
		return
	}

	body, err := json.Marshal(notificationPayload{
		UserID:  userID,
		Event:   event,
		Message: msg,
		Data:    data,
	})
	if err != nil {
		log.Printf("[Notify] failed to encode %s payload: %v", event, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.BaseURL+"/api/v1/notifications", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Notify] failed to build %s request: %v", event, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", n.Token)

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		log.Printf("[Notify] %s delivery failed for user %s: %v", event, userID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[Notify] %s delivery for user %s returned status %d", event, userID, resp.StatusCode)
	}
}

func (n *NotificationService) FundingConfirmed(ctx context.Context, userID string, amount decimal.Decimal, reference string) {
	n.send(ctx, userID, "wallet.funded",
		fmt.Sprintf("Your wallet has been credited with %s.", FormatAmount(amount)),
		map[string]any{"amount": amount, "reference": reference})
}

func (n *NotificationService) TransferReceived(ctx context.Context, userID, fromUserID string, amount decimal.Decimal, reference string) {
	n.send(ctx, userID, "wallet.transfer_received",
		fmt.Sprintf("You received a transfer of %s.", FormatAmount(amount)),
		map[string]any{"amount": amount, "from_user_id": fromUserID, "reference": reference})
}

func (n *NotificationService) RefundIssued(ctx context.Context, userID string, amount decimal.Decimal, reference string) {
	n.send(ctx, userID, "wallet.refunded",
		fmt.Sprintf("A refund of %s has been returned to your wallet.", FormatAmount(amount)),
		map[string]any{"amount": amount, "reference": reference})
}

func (n *NotificationService) CashbackCredited(ctx context.Context, userID string, amount decimal.Decimal, description string) {
	n.send(ctx, userID, "wallet.cashback_credited",
		fmt.Sprintf("Cashback of %s has been added to your wallet.", FormatAmount(amount)),
		map[string]any{"amount": amount, "description": description})
}

func (n *NotificationService) BalanceAdjusted(ctx context.Context, userID string, previous, corrected decimal.Decimal) {
	n.send(ctx, userID, "wallet.balance_adjusted",
		fmt.Sprintf("Your wallet balance was adjusted from %s to %s after a routine audit.",
			FormatAmount(previous), FormatAmount(corrected)),
		map[string]any{"previous_balance": previous, "corrected_balance": corrected})
}

func (n *NotificationService) RecurringPaymentFailed(ctx context.Context, userID, description, reason string) {
	n.send(ctx, userID, "wallet.recurring_payment_failed",
		fmt.Sprintf("Your recurring payment %q could not be processed: %s", description, reason),
		map[string]any{"description": description, "reason": reason})
}
