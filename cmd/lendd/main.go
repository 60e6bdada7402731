package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lendstack/ledger/internal/config"
	"github.com/lendstack/ledger/internal/database"
	"github.com/lendstack/ledger/internal/events"
	"github.com/lendstack/ledger/internal/lending"
	"github.com/lendstack/ledger/internal/models"
	"github.com/lendstack/ledger/internal/ops"
)

const usage = `usage: lendd <command> [flags]

commands:
  migrate                              apply the lending schema
  add-resource -units N                create a resource with N units
  acquire -holder H -resource R [-days D | -due YYYY-MM-DD]
  release -entry E [-penalty AMOUNT]
`

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	db, err := database.InitDB()
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer db.Close()

	if command == "migrate" {
		if err := database.Migrate(db); err != nil {
			logger.Fatal("migrate failed", zap.Error(err))
		}
		logger.Info("lending schema up to date")
		return
	}

	cfg := config.LoadLendingConfig()
	store := lending.NewPostgresStore(db)

	var sink ops.Sink
	if rdb, err := database.InitRedis(); err != nil {
		logger.Warn("redis unavailable, continuing without ops queue", zap.Error(err))
	} else {
		defer rdb.Close()
		sink = ops.NewRedisQueue(rdb, cfg.OpsQueueKey)
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
	}

	coordinator := lending.NewCoordinator(store, logger, publisher, sink, lending.RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		Factor:       cfg.RetryFactor,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "add-resource":
		fs := flag.NewFlagSet("add-resource", flag.ExitOnError)
		units := fs.Int("units", 1, "total lendable units")
		fs.Parse(args)

		id, err := store.CreateResource(ctx, *units)
		if err != nil {
			logger.Fatal("add-resource failed", zap.Error(err))
		}
		fmt.Printf("resource %d created with %d units\n", id, *units)

	case "acquire":
		fs := flag.NewFlagSet("acquire", flag.ExitOnError)
		holder := fs.Int64("holder", 0, "holder id")
		resource := fs.Int64("resource", 0, "resource id")
		days := fs.Int("days", 7, "loan length in days")
		due := fs.String("due", "", "due date (YYYY-MM-DD), overrides -days")
		fs.Parse(args)

		dueAt := time.Now().AddDate(0, 0, *days)
		if *due != "" {
			parsed, err := time.ParseInLocation("2006-01-02", *due, time.Local)
			if err != nil {
				logger.Fatal("bad -due value", zap.Error(err))
			}
			// end of the given day
			dueAt = parsed.AddDate(0, 0, 1).Add(-time.Second)
		}

		entryID, err := coordinator.Acquire(ctx, models.AcquireRequest{
			HolderID:   *holder,
			ResourceID: *resource,
			DueAt:      dueAt,
		})
		if err != nil {
			logger.Fatal("acquire failed", zap.String("kind", lending.KindOf(err).String()), zap.Error(err))
		}
		fmt.Printf("entry %d acquired, due %s\n", entryID, dueAt.Format("2006-01-02"))

	case "release":
		fs := flag.NewFlagSet("release", flag.ExitOnError)
		entry := fs.Int64("entry", 0, "ledger entry id")
		penalty := fs.String("penalty", "0", "penalty amount")
		fs.Parse(args)

		amount, err := decimal.NewFromString(*penalty)
		if err != nil {
			logger.Fatal("bad -penalty value", zap.Error(err))
		}

		if err := coordinator.Release(ctx, models.ReleaseRequest{
			EntryID: *entry,
			Penalty: amount,
		}); err != nil {
			logger.Fatal("release failed", zap.String("kind", lending.KindOf(err).String()), zap.Error(err))
		}
		fmt.Printf("entry %d released\n", *entry)

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}
