package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"socialchat/internal/api"
	"socialchat/internal/auth"
	"socialchat/internal/config"
	"socialchat/internal/conversations"
	"socialchat/internal/db"
	"socialchat/internal/events"
	"socialchat/internal/friends"
	"socialchat/internal/logger"
	"socialchat/internal/messages"
	"socialchat/internal/presence"
	"socialchat/internal/websocket"
)

func initOTEL(ctx context.Context, cfg config.OtelConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func main() {
	configFile := flag.String("config", "", "Path to an optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initOTEL(ctx, cfg.Otel)
	if err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(c)
	}()

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	database, err := db.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	zlog.Info("database connection established", zap.String("path", dbPath))

	hub := websocket.NewHub(zlog.Named("hub"))
	var counter presence.Counter = presence.NewMemoryCounter()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		counter = presence.NewRedisCounter(rdb, cfg.Redis.Prefix)
		hub.UseRelay(websocket.NewRedisRelay(rdb, cfg.Redis.Prefix, zlog.Named("relay")))
		zlog.Info("redis presence and relay enabled", zap.String("addr", cfg.Redis.Addr))
	}
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	var notifier messages.Notifier = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zlog.Named("kafka"))
		defer publisher.Close()
		notifier = publisher
		zlog.Info("kafka notifications enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	tokens := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	convSvc := conversations.NewService(database, zlog.Named("conversations"))
	msgSvc := messages.NewService(database, convSvc, notifier, zlog.Named("messages"))
	friendSvc := friends.NewService(database, zlog.Named("friends"))
	tracker := presence.NewTracker(counter, database, database, zlog.Named("presence"))
	tracker.SetBroadcaster(hub)

	gateway := websocket.NewGateway(hub, tokens, database, convSvc, msgSvc, tracker, websocket.Options{
		AllowedOrigins:  cfg.WS.AllowedOrigins,
		VerifyJoin:      cfg.WS.VerifyJoin,
		ReadScope:       cfg.WS.ReadScope,
		EventTimeout:    cfg.WS.EventTimeout,
		PingInterval:    cfg.WS.PingInterval,
		PongWait:        cfg.WS.PongWait,
		WriteWait:       cfg.WS.WriteWait,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		RatePerSecond:   cfg.WS.RatePerSecond,
		RateBurst:       cfg.WS.RateBurst,
	}, zlog.Named("gateway"))

	handlers := api.NewHandlers(api.Deps{
		Users:          database,
		Tokens:         tokens,
		TokenTTL:       cfg.Auth.TokenTTL,
		Conversations:  convSvc,
		Messages:       msgSvc,
		Friends:        friendSvc,
		Presence:       tracker,
		Realtime:       gateway,
		Gateway:        gateway,
		AllowedOrigins: cfg.WS.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         zlog.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           otelhttp.NewHandler(handlers.Routes(), "socialchat"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("server starting", zap.String("addr", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

