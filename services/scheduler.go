// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartWalletScheduler runs the background jobs that keep the ledger honest:
// balance reconciliation, due recurring debits, pending cashback crediting.
func StartWalletScheduler(ctx context.Context, recon *ReconciliationService, recurring *RecurringService, cashback *CashbackService) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Hourly: full reconciliation pass (drift, stale pending, key cleanup)
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			if _, err := recon.Run(ctx); err != nil {
				log.Printf("[Scheduler] reconciliation failed: %v", err)
			}
		}),
	)

	// Every 5 minutes: process due recurring payments
	_, _ = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			if _, err := recurring.ProcessDuePayments(ctx); err != nil {
				log.Printf("[Scheduler] recurring payment run failed: %v", err)
			}
		}),
	)

	// Every 10 minutes: credit eligible pending cashbacks
	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			if _, err := cashback.ProcessPendingCashbacks(ctx); err != nil {
				log.Printf("[Scheduler] cashback run failed: %v", err)
			}
		}),
	)

	go func() {
		<-ctx.Done()
		_ = sched.Shutdown()
	}()
}
