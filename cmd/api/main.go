package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"credex/internal/config"
	"credex/internal/exchange"
	"credex/internal/handler"
	"credex/internal/ledger"
	"credex/internal/middleware"
	"credex/internal/notify"
	"credex/internal/quota"
	"credex/internal/rate"
	"credex/internal/store"
	"credex/internal/treasury"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()

	exCfg, err := config.LoadExchange("config.json")
	if err != nil {
		log.Fatalf("Failed to load exchange config: %v", err)
	}

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	logger := log.Default()

	ledgerClient := ledger.NewClient(exCfg.TON)
	oracle := treasury.NewOracle(ledgerClient, exCfg.TON.TreasuryAddress, 10*time.Second)
	engine := rate.NewEngine(st, oracle, exCfg.Curve)
	quotaLedger := quota.NewLedger(st)

	var notifier exchange.Notifier
	if exCfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(exCfg.Telegram, logger)
		if err != nil {
			log.Fatalf("Failed to initialize operator notifier: %v", err)
		}
		notifier = tg
	}

	pipeline := exchange.NewPipeline(st, ledgerClient, quotaLedger, engine, notifier, logger, exCfg.Limits, 30*time.Second)

	// Reconciler: settles orphaned pending requests and resolves requests
	// whose transfer outcome was lost to a timeout.
	reconciler := exchange.NewReconciler(pipeline,
		time.Duration(exCfg.Reconcile.GracePeriodSeconds)*time.Second,
		time.Duration(exCfg.Reconcile.SweepSeconds)*time.Second)
	reconCtx, stopRecon := context.WithCancel(context.Background())
	defer stopRecon()
	go reconciler.Run(reconCtx)

	h := handler.NewHandler(pipeline, engine, st, exCfg.AdminAPIKey)
	rateLimiter := middleware.NewIPRateLimiter(exCfg.RateLimit)
	router := setupRouter(h, rateLimiter)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s\n", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v\n", err)
	}
}

func setupRouter(h *handler.Handler, limiter *middleware.IPRateLimiter) *gin.Engine {
	router := gin.Default()

	router.Use(gin.Recovery())
	router.Use(middleware.Cors())
	router.Use(middleware.RequestID())
	router.Use(limiter.RateLimit())

	// Health check endpoint
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	v1 := router.Group("/api/v1")
	{
		ex := v1.Group("/exchange")
		{
			ex.POST("/quote", h.Quote)
			ex.POST("/withdraw", h.Withdraw)
			ex.GET("/withdrawals/:id", h.WithdrawalStatus)
			ex.POST("/deposit/confirm", h.ConfirmDeposit)
		}

		players := v1.Group("/players")
		{
			players.GET("/:id", h.GetPlayer)
		}

		admin := v1.Group("/admin", h.AdminAuth())
		{
			admin.GET("/rate", h.GetRate)
			admin.PUT("/rate", h.PutRate)
			admin.POST("/players", h.CreatePlayer)
			admin.POST("/withdrawals/:id/redrive", h.RedriveWithdrawal)
		}
	}

	return router
}
