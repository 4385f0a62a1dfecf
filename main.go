package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pglivequery/cache"
	"pglivequery/live"
	"pglivequery/repl"
)

const staleThreshold = 10 * time.Second

type Config struct {
	PostgresDSN    string
	RedisURL       string
	ListenAddr     string
	Tables         string
	AssumeSchema   string
	SlotID         string
	PollIntervalMs int
	LiveCountTable string
	LogJSON        bool
	Verbose        bool
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.PostgresDSN, "pg", "", "PostgreSQL connection DSN")
	flag.StringVar(&cfg.RedisURL, "redis", "", "Redis connection URL (optional, enables materialized results)")
	flag.StringVar(&cfg.ListenAddr, "listen", ":8000", "HTTP server listen address")
	flag.StringVar(&cfg.Tables, "tables", "", "Comma-separated list of tables to watch")
	flag.StringVar(&cfg.AssumeSchema, "schema", "", "Schema for unqualified table names (default public)")
	flag.StringVar(&cfg.SlotID, "slot-id", "", "Replication slot id suffix (random if empty)")
	flag.IntVar(&cfg.PollIntervalMs, "poll-interval", 0, "Slot poll interval in milliseconds (default 50)")
	flag.StringVar(&cfg.LiveCountTable, "live-count", "", "Materialize a live row count for this table (requires -redis)")
	flag.BoolVar(&cfg.LogJSON, "log-json", false, "Emit JSON logs instead of console output")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

func setupLogging(cfg Config) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.LogJSON {
		writer = os.Stdout
	}
	logger := zerolog.New(writer).With().Timestamp().Logger()
	if cfg.Verbose {
		log.Logger = logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = logger.Level(zerolog.InfoLevel)
	}
}

func main() {
	cfg := parseFlags()
	setupLogging(cfg)

	if cfg.PostgresDSN == "" {
		log.Fatal().Msg("PostgreSQL DSN is required. Use -pg flag")
	}
	if cfg.Tables == "" {
		log.Fatal().Msg("At least one table is required. Use -tables flag")
	}
	if cfg.LiveCountTable != "" && cfg.RedisURL == "" {
		log.Fatal().Msg("-live-count requires -redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create PostgreSQL pool")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	log.Info().Msg("Connected to PostgreSQL")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to parse Redis URL")
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Connected to Redis")
	}

	streamCfg := repl.Config{
		Tables:       strings.Split(cfg.Tables, ","),
		SlotID:       cfg.SlotID,
		AssumeSchema: cfg.AssumeSchema,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
	}

	stream, err := repl.NewStream(ctx, pool, streamCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create change stream")
	}
	log.Info().Str("slot", stream.SlotName()).Msg("Change stream started")

	if cfg.LiveCountTable != "" {
		mat := startLiveCount(ctx, stream, pool, redisClient, cfg.LiveCountTable)
		defer mat.Stop()
	}

	app := fiber.New()

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := pool.Ping(c.Context()); err != nil {
			c.Status(fiber.StatusInternalServerError)
			return err
		}
		if redisClient != nil {
			if err := redisClient.Ping(c.Context()).Err(); err != nil {
				c.Status(fiber.StatusInternalServerError)
				return err
			}
		}
		if stream.TimeSinceLastPoll() > staleThreshold {
			c.Status(fiber.StatusInternalServerError)
			return errors.New("stale replication")
		}
		c.Status(fiber.StatusOK)
		return nil
	})

	app.Get("/slots", func(c *fiber.Ctx) error {
		slots, err := repl.ListSlots(c.Context(), pool)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to list replication slots",
			})
		}
		return c.JSON(slots)
	})

	registerChangesWS(app, stream)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		stream.Teardown(context.Background())
		cancel()
		app.Shutdown()
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("Starting server")
	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

// startLiveCount materializes a continuously fresh row count for one table
// into Redis. Only inserts and deletes can change the count, so updates are
// ignored.
func startLiveCount(ctx context.Context, stream *repl.Stream, pool *pgxpool.Pool, redisClient *redis.Client, table string) *live.Materializer[int64] {
	countCache := cache.New[int64](redisClient, "livecount")

	query := func(ctx context.Context) (int64, error) {
		var n int64
		err := pool.QueryRow(ctx, fmt.Sprintf("select count(*) from %s", table)).Scan(&n)
		return n, err
	}
	always := func(ctx context.Context, _ map[string]any, _ int64) (bool, error) {
		return true, nil
	}
	handlers := live.Handlers[int64]{
		table: {Insert: always, Delete: always},
	}

	log.Info().Str("table", table).Msg("Materializing live row count")
	return live.Materialize(ctx, stream, query, handlers, countCache, table, 0)
}
