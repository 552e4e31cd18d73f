package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"sea-battle-system/handlers"
	"sea-battle-system/services"
	"sea-battle-system/store"
	"sea-battle-system/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	st := store.NewGormStore(db)
	if err := st.AutoMigrate(); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Best-effort change feed for the reconciliation loops; the periodic
	// pass backstops whatever this misses.
	st.StartChangeFeed(ctx, utils.GetenvDuration("CHANGE_FEED_INTERVAL", time.Second))

	teamService := services.NewTeamService(st)
	matchmakingService := services.NewMatchmakingService(st)
	readinessService := services.NewReadinessService(st)
	battleService := services.NewBattleService(st)

	sessionService := services.NewSessionService(st, teamService, matchmakingService, readinessService, battleService)
	sessionService.Debounce = utils.GetenvDuration("RECONCILE_DEBOUNCE", 300*time.Millisecond)
	sessionService.Interval = utils.GetenvDuration("RECONCILE_INTERVAL", 5*time.Second)

	readinessService.StartStuckMatchWatchdog(
		utils.GetenvDuration("WATCHDOG_INTERVAL", time.Minute),
		utils.GetenvDuration("WATCHDOG_STUCK_AFTER", 2*time.Minute),
	)

	app := fiber.New(fiber.Config{})

	allowedOrigins := utils.Getenv("ALLOWED_ORIGINS", "http://localhost:3000")
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Cache-Control",
	}))

	handlers.SetupSessionRoutes(app, sessionService)
	handlers.SetupAdminRoutes(app, readinessService, battleService)

	addr := ":" + utils.Getenv("PORT", "5300")
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost%s", addr)
	log.Println("✅ Store change feed polling")
	log.Println("✅ Stuck-match watchdog scheduled")
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
