/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the payment processor client, message brokers, the repository,
 * the money engine, the background scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for request rate limiting.
 * - internal/api, internal/app, internal/config, internal/scheduler, internal/store: Internal packages.
 * - pkg/processorclient: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sidequest/escrow-service/internal/api"
	"github.com/sidequest/escrow-service/internal/app"
	"github.com/sidequest/escrow-service/internal/config"
	"github.com/sidequest/escrow-service/internal/scheduler"
	"github.com/sidequest/escrow-service/internal/store"
	"github.com/sidequest/escrow-service/pkg/processorclient"
	rmrabbit "github.com/sidequest/escrow-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.AdminJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"admin jwt secret must be configured\" env=ADMIN_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Money movement is write-heavy and contended on hot escrow rows; keep the
	// pool generous and the protocol simple so statement caching cannot conflict
	// with pgbouncer-style poolers.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish escrow lifecycle events.
	// Event publication is best-effort, so a broker outage at boot degrades to
	// the fallback publisher instead of failing the service.
	var eventProducer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment processor API.
	processorClient := processorclient.NewClient(cfg.ProcessorAPIBaseURL, cfg.ProcessorAPIKey)

	// Redis backs request rate limiting only; money movement never depends on
	// it, so a missing or unreachable Redis just disables the limiter.
	var redisClient *redis.Client
	if cfg.EventRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the money engine with its dependencies.
	engine := app.NewEngine(
		repository,
		processorClient,
		eventProducer,
		cfg.PlatformFeeBps,
		cfg.DefaultCurrency,
		time.Duration(cfg.EscrowDeadlineHours)*time.Hour,
		cfg.MaxRecoveryAttempts,
	)

	var rateLimiter *app.RedisEventRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisEventRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Wire up the processor status relay consumer. Webhook deliveries relayed
	// over the broker feed the same recovery path as the stuck-saga sweeper.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; processor event relay disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		if err := app.StartProcessorEventConsumer(rabbitConsumer, engine); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"processor event consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"processor event consumer started\"")
	}

	// Start the background scheduler: stuck-saga recovery, deadline timeouts,
	// and ledger reconciliation.
	jobScheduler := scheduler.NewScheduler(engine, slog.Default(), cfg)
	jobScheduler.Start()

	// Initialize the API handlers and routes.
	escrowHandlers := api.NewEscrowHandlers(engine, rateLimiter, cfg.EventRateLimitPerMinute)
	router := api.EscrowRoutes(escrowHandlers, cfg.InternalAPIKey, cfg.AdminJWTSecret, cfg.ProcessorWebhookKey)

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Let in-flight cron jobs finish before the process exits.
	<-jobScheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
