// Command maintenance runs one-off database tasks outside the server process.
//
//	maintenance -task migrate
//	maintenance -task expire-pending -pending-ttl 48h
//	maintenance -task refresh-status
//	maintenance -task clear-data -yes
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/config"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/services"
	"github.com/digimarket/reservation-core/internal/telemetry"
)

// child tables first so foreign keys never block the delete
var dataTables = []string{
	"conversation_reads",
	"messages",
	"conversations",
	"audit_logs",
	"bookings",
	"listings",
}

func main() {
	var (
		task       string
		dbURL      string
		driver     string
		pendingTTL time.Duration
		policy     string
		confirm    bool
	)
	flag.StringVar(&task, "task", "", "migrate | expire-pending | refresh-status | clear-data")
	flag.StringVar(&dbURL, "database-url", "", "connection string (overrides DATABASE_URL)")
	flag.StringVar(&driver, "driver", "", "postgres, pgx or sqlite (overrides DATABASE_DRIVER)")
	flag.DurationVar(&pendingTTL, "pending-ttl", 0, "age after which Pending bookings expire (overrides PENDING_BOOKING_TTL)")
	flag.StringVar(&policy, "rental-policy", "", "interval or exclusive (overrides RENTAL_POLICY)")
	flag.BoolVar(&confirm, "yes", false, "required for clear-data")
	flag.Parse()

	// .env is optional; it keeps secrets off the command line
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	dbCfg := config.DatabaseConfig{
		Driver:            firstNonEmpty(driver, os.Getenv("DATABASE_DRIVER"), "postgres"),
		URL:               firstNonEmpty(dbURL, os.Getenv("DATABASE_URL")),
		MaxConnections:    2,
		RetryAttempts:     3,
		RetryInitialDelay: 50 * time.Millisecond,
	}
	if dbCfg.URL == "" {
		logger.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	db, err := database.NewConnection(dbCfg, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	switch task {
	case "migrate":
		if err := db.Migrate(ctx); err != nil {
			logger.Fatalf("Migration failed: %v", err)
		}
		logger.Info("Migrations applied")

	case "expire-pending", "refresh-status":
		if pendingTTL == 0 {
			if v := os.Getenv("PENDING_BOOKING_TTL"); v != "" {
				if pendingTTL, err = time.ParseDuration(v); err != nil {
					logger.Fatalf("Invalid PENDING_BOOKING_TTL: %v", err)
				}
			}
		}
		rentalPolicy, ok := models.ParseRentalPolicy(firstNonEmpty(policy, os.Getenv("RENTAL_POLICY"), string(models.RentalPolicyInterval)))
		if !ok {
			logger.Fatal("rental policy must be 'interval' or 'exclusive'")
		}

		lifecycle, err := newLifecycle(db, rentalPolicy, pendingTTL, logger)
		if err != nil {
			logger.Fatalf("Failed to build lifecycle service: %v", err)
		}

		var n int
		if task == "expire-pending" {
			if pendingTTL <= 0 {
				logger.Fatal("expire-pending needs -pending-ttl or PENDING_BOOKING_TTL")
			}
			n, err = lifecycle.ExpireStalePending(ctx)
		} else {
			n, err = lifecycle.RefreshListingStatuses(ctx)
		}
		if err != nil {
			logger.Fatalf("%s failed: %v", task, err)
		}
		logger.WithField("affected", n).Infof("%s finished", task)

	case "clear-data":
		if !confirm {
			logger.Fatal("clear-data deletes every listing, booking and message; pass -yes to continue")
		}
		if err := clearData(ctx, db); err != nil {
			logger.Fatalf("Failed to clear data: %v", err)
		}
		for _, table := range dataTables {
			var count int
			if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+table); err != nil {
				logger.WithError(err).Warnf("Could not count %s", table)
				continue
			}
			fmt.Printf("  %-20s %d\n", table, count)
		}
		logger.Info("All reservation and message data cleared")

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func newLifecycle(db *database.DB, policy models.RentalPolicy, pendingTTL time.Duration, logger *logrus.Logger) (*services.BookingLifecycleService, error) {
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, err
	}
	clk := clock.NewSystem()
	bookings := database.NewBookingRepository(db)
	return services.NewBookingLifecycleService(
		db,
		database.NewListingRepository(db),
		bookings,
		services.NewAvailabilityLedger(bookings, policy),
		services.NewAuditService(db, clk),
		services.NewKeyedMutex(),
		clk,
		metrics,
		services.BookingLifecycleConfig{PendingTTL: pendingTTL},
		logger,
	), nil
}

func clearData(ctx context.Context, db *database.DB) error {
	if db.Dialect() == database.DialectPostgres {
		_, err := db.ExecContext(ctx, "TRUNCATE TABLE "+strings.Join(dataTables, ", ")+" CASCADE")
		return err
	}
	return db.InTx(ctx, func(ctx context.Context) error {
		for _, table := range dataTables {
			if _, err := db.Querier(ctx).ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
