/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, the rate feed client and refresh loop, message
 * brokers, repositories, the core application engines, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: The rate-feed refresh schedule.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ratefeed: Client for the exchange-rate feed.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/api"
	"github.com/corridorpay/ledger-service/internal/app"
	"github.com/corridorpay/ledger-service/internal/config"
	"github.com/corridorpay/ledger-service/internal/domain"
	"github.com/corridorpay/ledger-service/internal/store"
	"github.com/corridorpay/ledger-service/pkg/rabbitmq"
	"github.com/corridorpay/ledger-service/pkg/ratefeed"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. The
	// broker being down degrades to a no-op publisher; money movement does
	// not depend on it.
	var publisher rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = rabbitmq.NopPublisher{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs request rate limiting and idempotency replay. Both degrade
	// when it is unreachable.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting and idempotency replay degraded\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting and idempotency replay degraded\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting and idempotency replay degraded\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Rate cache fed by the external quote feed on a fixed schedule.
	rateCache := app.NewRateCache(time.Duration(cfg.RateMaxAgeSeconds) * time.Second)
	rateClient := ratefeed.NewClient(cfg.RateFeedURL, cfg.RateFeedAPIKey)
	if err := rateCache.Refresh(rateClient); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"initial rate refresh failed; operations degrade until feed recovers\" err=%v", err)
	}
	scheduler := cron.New()
	refreshSpec := fmt.Sprintf("@every %ds", cfg.RateRefreshSeconds)
	if _, err := scheduler.AddFunc(refreshSpec, func() {
		if err := rateCache.Refresh(rateClient); err != nil {
			log.Printf("level=warn component=ratefeed msg=\"rate refresh failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rate refresh schedule invalid\" spec=%s err=%v", refreshSpec, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the core application engines with their dependencies.
	gate := app.NewGate(repository)
	operators := app.NewOperatorRegistry(cfg.OperatorList())
	ledger := app.NewLedger(repository, rateCache, gate, publisher, cfg.ReserveAccount, cfg.TransferFeeBps)
	savings := app.NewSavings(repository, rateCache, gate, ledger, cfg.SavingsAPYBps)
	loans := app.NewLoans(repository, rateCache, gate, operators, publisher, cfg.ReserveAccount)

	// Ensure the platform reserve account exists; seed it on first creation
	// so loan disbursement has funds to draw on.
	bootstrapReserve(repository, cfg.ReserveAccount, cfg.ReserveSeedUSD)

	// Idempotency keys and rate limits live in Redis when available; the
	// in-memory fallback keeps a single-instance deployment correct.
	var idempotencyKeys app.KeyedStore
	var rateLimiter *app.RedisRateLimiter
	if redisClient != nil {
		idempotencyKeys = app.NewRedisKeyStore(redisClient, "ledger:kv")
		rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	} else {
		idempotencyKeys = app.NewMemoryKeyStore()
	}

	// Initialize the API handlers.
	handlers := api.NewLedgerHandlers(ledger, savings, loans, gate)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/ledger", api.LedgerRoutes(handlers, api.RouterDeps{
		JWTSecret:           cfg.JWTSecret,
		IdempotencyKeys:     idempotencyKeys,
		IdempotencyTTL:      time.Duration(cfg.IdempotencyTTLMinutes) * time.Minute,
		RateLimiter:         rateLimiter,
		MoneyLimitPerMinute: cfg.MoneyRateLimitPerMinute,
		RequestTimeout:      time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}))

	// Consume tier decisions from the KYC vendor workflow.
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	tierQueue := cfg.TierUpdateQueueOverride
	if tierQueue == "" {
		tierQueue = app.TierUpdateQueue
	}
	tierConsumer := app.NewTierEventConsumer(gate)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; tier updates will not be applied\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		go func() {
			err := rabbitConsumer.ConsumeWithBindings(consumerCtx, app.TierUpdateExchange, tierQueue, []string{app.TierUpdateKey}, tierConsumer.HandleMessage)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("level=error component=bootstrap msg=\"tier consumer stopped\" err=%v", err)
			}
		}()
	}

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	cancelConsumer()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// bootstrapReserve creates the platform reserve account and, on first
// creation only, seeds its USD balance so fee routing and loan disbursement
// have a funded counterparty.
func bootstrapReserve(repository store.Repository, address, seedUSD string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	err := repository.CreateAccount(ctx, &domain.Account{
		Address:     address,
		Balances:    map[domain.Currency]decimal.Decimal{},
		KYCTier:     domain.TierPremium,
		CreditScore: domain.CreditScoreDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			return
		}
		log.Fatalf("level=fatal component=bootstrap msg=\"reserve account creation failed\" address=%s err=%v", address, err)
	}

	seed, parseErr := decimal.NewFromString(seedUSD)
	if parseErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"invalid reserve seed; leaving reserve unfunded\" value=%q err=%v", seedUSD, parseErr)
		return
	}
	if seed.IsPositive() {
		if err := repository.CreditBalance(ctx, address, domain.USD, seed); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"reserve seed failed\" address=%s err=%v", address, err)
		}
		log.Printf("level=info component=bootstrap msg=\"reserve seeded\" address=%s usd=%s", address, seed)
	}
	log.Printf("level=info component=bootstrap msg=\"reserve account created\" address=%s", address)
}
