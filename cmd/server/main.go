/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger mutation engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and parse command-line flags
  2. Initialize storage (PostgreSQL when DATABASE_URL is set, SQLite
     otherwise)
  3. Wire the mutation service, idempotency cache, and offline queue
  4. Optionally attach the Kafka event publisher
  5. Start the HTTP server and the queue replay worker
  6. Shut down gracefully on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, or PORT)
  -db      SQLite database path (default: ledger.db)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  PORT           HTTP port (flag wins)
  DATABASE_URL   PostgreSQL DSN; selects the postgres store
  KAFKA_BROKERS  Comma-separated broker list; enables event publishing
  KAFKA_TOPIC    Event topic (default ledger_mutations)
  API_TOKENS     Comma-separated token=actor pairs; enables auth
  CURRENCY       ISO currency code for display formatting (default BRL)
  LOG_LEVEL      zerolog level (default info)

EXAMPLES:
  # Run with a local SQLite file
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL with events
  DATABASE_URL=postgres://ledger@localhost/ledger?sslmode=disable \
  KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - service/service.go: Mutation orchestration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/plani/ledger-engine/api"
	"github.com/plani/ledger-engine/events"
	eventkafka "github.com/plani/ledger-engine/events/kafka"
	"github.com/plani/ledger-engine/ledger"
	"github.com/plani/ledger-engine/service"
	"github.com/plani/ledger-engine/store/postgres"
	"github.com/plani/ledger-engine/store/sqlite"
)

type stores interface {
	ledger.MutationStore
	ledger.PeriodLockStore
	ledger.QueueStore
	Close() error
}

func main() {
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", env("DB_PATH", "ledger.db"), "SQLite database path")
	flag.Parse()

	log := newLogger()

	// Storage
	var (
		st  stores
		err error
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		st, err = postgres.New(dsn)
		log.Info().Msg("using postgres storage")
	} else {
		st, err = sqlite.New(*dbPath)
		log.Info().Str("path", *dbPath).Msg("using sqlite storage")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer st.Close()

	// Event publisher
	var publisher events.Publisher = events.Nop{}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kp := eventkafka.NewPublisher(strings.Split(brokers, ","), os.Getenv("KAFKA_TOPIC"))
		defer kp.Close()
		publisher = kp
		log.Info().Str("brokers", brokers).Msg("kafka event publishing enabled")
	}

	// Core wiring
	svc := service.New(st, st,
		service.WithPublisher(publisher),
		service.WithLogger(log),
	)
	cache := service.NewIdempotencyCache()
	defer cache.Close()

	queue := service.NewOfflineQueue(st, svc, cache, service.WithQueueLogger(log))
	queue.Start()
	defer queue.Stop()

	handler := api.NewHandler(svc, cache, queue, env("CURRENCY", "BRL"), log)
	router := api.NewRouter(handler, parseTokens(os.Getenv("API_TOKENS")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// parseTokens reads "token=actor,token2=actor2".
func parseTokens(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, actor, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && token != "" && actor != "" {
			tokens[token] = actor
		}
	}
	return tokens
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
