package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/config"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/handlers"
	"github.com/digimarket/reservation-core/internal/middleware"
	"github.com/digimarket/reservation-core/internal/realtime"
	"github.com/digimarket/reservation-core/internal/security"
	"github.com/digimarket/reservation-core/internal/services"
	"github.com/digimarket/reservation-core/internal/telemetry"
	"github.com/digimarket/reservation-core/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting reservation core")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		logger.Fatalf("Failed to initialize telemetry: %v", err)
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Fatalf("Failed to create metrics: %v", err)
	}

	logger.WithField("driver", cfg.Database.Driver).Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("Database migrations applied")
	}

	var encryptor *security.Encryptor
	if cfg.Chat.EncryptionSecret != "" {
		encryptor, err = security.NewEncryptor(cfg.Chat.EncryptionSecret, cfg.Chat.PreviousSecrets...)
		if err != nil {
			logger.Fatalf("Failed to initialize message encryption: %v", err)
		}
		logger.Info("Message encryption at rest enabled")
	} else {
		logger.Warn("MESSAGE_ENCRYPTION_SECRET not set, message bodies are stored in clear text")
	}

	clk := clock.NewSystem()
	listingRepository := database.NewListingRepository(db)
	bookingRepository := database.NewBookingRepository(db)
	conversationRepository := database.NewConversationRepository(db)
	messageRepository := database.NewMessageRepository(db)

	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, 15*time.Minute)
	hub := realtime.NewHub(logger)
	locks := services.NewKeyedMutex()
	ledger := services.NewAvailabilityLedger(bookingRepository, cfg.Booking.RentalPolicy)
	auditService := services.NewAuditService(db, clk)
	rateLimitService := services.NewRateLimitService(messageRepository, clk, services.RateLimitConfig{
		MaxMessages: cfg.Chat.RateLimit,
		Window:      cfg.Chat.RateWindow,
	})

	listingService := services.NewListingService(listingRepository, ledger, clk, logger)
	reservationService := services.NewReservationService(
		db, listingRepository, bookingRepository, ledger, auditService, locks, clk, metrics, logger,
	)
	lifecycleService := services.NewBookingLifecycleService(
		db, listingRepository, bookingRepository, ledger, auditService, locks, clk, metrics,
		services.BookingLifecycleConfig{PendingTTL: cfg.Booking.PendingTTL},
		logger,
	)
	queryService := services.NewBookingQueryService(listingRepository, bookingRepository)
	threadService := services.NewThreadService(db, conversationRepository, listingRepository, bookingRepository, clk, logger)
	messageService := services.NewMessageService(
		db, conversationRepository, messageRepository, threadService, rateLimitService,
		encryptor, hub, locks, clk, metrics,
		services.MessageConfig{
			MaxLength:      cfg.Chat.MaxMessageLength,
			StatusMessages: cfg.Chat.StatusMessages,
		},
		logger,
	)

	// Booking changes feed the thread's system messages and the live event stream
	notifier := services.BookingNotifiers{messageService, services.NewBookingEventPublisher(hub)}
	reservationService.SetNotifier(notifier)
	lifecycleService.SetNotifier(notifier)

	cronService := services.NewCronService(lifecycleService, services.CronSchedule{
		PendingExpiry: cfg.Booking.ExpirySchedule,
		StatusRefresh: cfg.Booking.StatusRefreshSchedule,
	}, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"rental_policy": cfg.Booking.RentalPolicy,
		"pending_ttl":   cfg.Booking.PendingTTL.String(),
	}).Info("Booking maintenance jobs scheduled")

	bookingHandler := handlers.NewBookingHandler(reservationService, lifecycleService, queryService, logger)
	listingHandler := handlers.NewListingHandler(listingService, logger)
	messageHandler := handlers.NewMessageHandler(threadService, messageService, logger)
	wsHandler := handlers.NewWebSocketHandler(hub, messageService, cfg.CORS.AllowedOrigins, logger)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(middleware.RequestLogger(logger))

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !allowsAnyOrigin(cfg.CORS.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", healthCheckHandler(db))

	registerRoutes(router.Group("/api/v1"), jwtService, routeHandlers{
		bookings: bookingHandler,
		listings: listingHandler,
		messages: messageHandler,
		ws:       wsHandler,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	cronService.Stop()

	// in-flight bookings get 30s to commit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Errorf("Failed to flush telemetry: %v", err)
	}

	logger.Info("Server exited successfully")
}

// healthCheckHandler reports 503 while the database is unreachable so the
// load balancer drains this instance.
func healthCheckHandler(db *database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"dialect":   db.Dialect(),
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}

// gin-contrib/cors rejects the wildcard origin together with credentials
func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

type routeHandlers struct {
	bookings *handlers.BookingHandler
	listings *handlers.ListingHandler
	messages *handlers.MessageHandler
	ws       *handlers.WebSocketHandler
}

func registerRoutes(v1 *gin.RouterGroup, jwtService *jwt.Service, h routeHandlers, logger *logrus.Logger) {
	authenticated := v1.Group("", middleware.AuthMiddleware(jwtService, logger))

	// Browsers cannot set headers on websocket upgrades
	v1.GET("/ws", middleware.AuthMiddleware(jwtService, logger, middleware.AuthOptions{AllowQueryToken: true}), h.ws.Serve)

	listings := authenticated.Group("/listings")
	listings.POST("", h.listings.RegisterListing)
	listings.GET("/:id/availability", h.listings.GetAvailability)
	listings.GET("/:id/bookings", h.bookings.ListListingBookings)

	bookings := authenticated.Group("/bookings")
	bookings.POST("", h.bookings.CreateBooking)
	bookings.GET("/mine", h.bookings.ListMyBookings)
	bookings.GET("/:id", h.bookings.GetBooking)
	bookings.PATCH("/:id", h.bookings.UpdateBookingStatus)

	owner := authenticated.Group("/owner")
	owner.GET("/bookings", h.bookings.ListOwnerBookings)
	owner.GET("/bookings/summary", h.bookings.OwnerBookingSummary)
	owner.GET("/listings/summary", h.listings.OwnerListingSummary)

	messages := authenticated.Group("/messages")
	messages.POST("", h.messages.SendMessage)
	messages.GET("/:counterpart_id", h.messages.ListMessagesWithCounterpart)

	threads := authenticated.Group("/threads")
	threads.GET("", h.messages.ListThreads)
	threads.POST("/resolve", h.messages.ResolveThread)
	threads.GET("/:id/messages", h.messages.ListThreadMessages)
	threads.POST("/:id/read", h.messages.MarkRead)
	threads.GET("/:id/unread", h.messages.UnreadCount)
}
