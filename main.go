package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"billpay-wallet-service/handlers"
	"billpay-wallet-service/middleware"
	"billpay-wallet-service/models"
	"billpay-wallet-service/services"
	"billpay-wallet-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // 1MB — wallet payloads are tiny
	})

	// GLOBAL: only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		log.Println("ALLOWED_ORIGINS not set, using default: http://localhost:3000")
		allowedOrigins = "http://localhost:3000"
	}
	var origins []string
	for _, o := range strings.Split(allowedOrigins, ",") {
		origins = append(origins, strings.TrimSpace(o))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, X-User-Roles, Idempotency-Key",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, X-Idempotent-Replay",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Wallet{},
		&models.WalletTransaction{},
		&models.RecurringPayment{},
		&models.Cashback{},
		&models.CashbackRule{},
		&models.IdempotencyKey{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// Per-user wallet locks: Redis in production, in-process when running a
	// single instance without one.
	var locker utils.Locker
	if redisClient, err := utils.NewRedisClient(); err == nil {
		locker = utils.NewRedisLocker(redisClient)
		log.Println("✅ Wallet locks backed by Redis")
	} else {
		log.Printf("⚠️  %v — falling back to in-process wallet locks (single instance only)", err)
		locker = utils.NewMemoryLocker()
	}

	if os.Getenv("R2_BUCKET_NAME") != "" {
		if err := utils.InitR2(); err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		log.Println("✅ Reconciliation report archival to R2 enabled")
	}

	notifier := services.NewNotificationService()
	walletService := services.NewWalletService(db, locker, notifier)
	reconService := services.NewReconciliationService(db, locker, notifier)
	recurringService := services.NewRecurringService(db, walletService, notifier)
	cashbackService := services.NewCashbackService(db, walletService, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services.StartWalletScheduler(ctx, reconService, recurringService, cashbackService)

	handlers.SetupWalletRoutes(app, walletService, reconService, recurringService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Wallet service running on http://localhost:5300")
	log.Println("✅ Reconciliation, recurring payment and cashback jobs scheduled")

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
