/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * message brokers, repositories, the rule catalog, the core application service,
 * the expiry scheduler, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/rules, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
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
	"github.com/stablerail/settlement-service/internal/api"
	"github.com/stablerail/settlement-service/internal/app"
	"github.com/stablerail/settlement-service/internal/config"
	"github.com/stablerail/settlement-service/internal/rules"
	"github.com/stablerail/settlement-service/internal/store"
	srrabbit "github.com/stablerail/settlement-service/pkg/rabbitmq"
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

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Settlement holds row locks briefly but under contention; keep the pool
	// generous and recycle connections regularly.
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

	// Initialize the RabbitMQ producer to publish state-change events.
	var producer srrabbit.Publisher
	eventProducer, err := srrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &srrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var redisClient *redis.Client
	if cfg.ApprovalRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; approval rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; approval rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; approval rate limiting disabled\" err=%v", pingErr)
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

	// Load the per-bank approval rule catalog; a bank with an invalid rule
	// partition must not serve traffic.
	catalog := rules.NewCatalog()

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(
		repository,
		catalog,
		producer,
		time.Duration(cfg.DefaultApprovalTTLHours)*time.Hour,
	)
	if redisClient != nil {
		settlementService.SetApprovalRateLimiter(
			app.NewRedisApprovalRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ApprovalRateLimitPerMinute,
		)
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := settlementService.ReloadRules(loadCtx); err != nil {
		cancelLoad()
		log.Fatalf("level=fatal component=bootstrap msg=\"rule catalog load failed\" err=%v", err)
	}
	cancelLoad()

	// Initialize the API handlers.
	transferHandlers := api.NewTransferHandlers(settlementService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.TransferRoutes(transferHandlers, cfg.JWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the compliance consumer: compliance-check results arrive over the
	// broker and are recorded against pending transfers.
	complianceConsumer := app.NewComplianceConsumer(settlementService)

	rabbitConsumer, err := srrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	complianceBindings := map[string]func([]byte) bool{
		cfg.ComplianceRoutingKey: complianceConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(srrabbit.TransferEventsExchange, cfg.ComplianceResultQueue, complianceBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"compliance consumer start failed\" err=%v", err)
	}

	// Start the periodic expiry sweep.
	expiryScheduler := app.NewExpiryScheduler(settlementService, cfg.ExpirySweepSchedule)
	if err := expiryScheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"expiry scheduler start failed\" err=%v", err)
	}
	defer expiryScheduler.Stop()

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

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
