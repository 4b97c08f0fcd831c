// handlers/wallet_routes.go
package handlers

import (
	"billpay-wallet-service/middleware"
	"billpay-wallet-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, walletService *services.WalletService, reconService *services.ReconciliationService, recurringService *services.RecurringService) {
	// Gateway-confirmed funding (payment webhook relay) — no user context,
	// still behind gateway auth. Registered before the secured group so the
	// user-context middleware never gates it.
	app.Post("/wallet/fund/:id/confirm", walletService.HandleConfirmFunding)

	// Secured routes — require user context (userID), enforced via middleware
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/wallet/balance", walletService.HandleGetBalance)
	secured.Post("/wallet/fund", walletService.HandleFundWallet)
	secured.Post("/wallet/debit", walletService.HandleDebitWallet)
	secured.Post("/wallet/transfer", walletService.HandleTransfer)
	secured.Get("/wallet/transactions", walletService.HandleGetHistory)
	secured.Get("/wallet/transactions/:reference", walletService.HandleGetTransaction)

	secured.Post("/wallet/recurring", recurringService.HandleCreateRecurring)
	secured.Post("/wallet/recurring/:id/:action", recurringService.HandleRecurringTransition)

	// Admin routes — role check enforced by middleware
	admin := app.Group("/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))
	admin.Post("/reconciliation/run", reconService.HandleRunReconciliation)
}
