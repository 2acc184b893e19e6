package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appcheckout "github.com/Zhima-Mochi/creatorpay/internal/application/checkout"
	appdeposit "github.com/Zhima-Mochi/creatorpay/internal/application/deposit"
	"github.com/Zhima-Mochi/creatorpay/internal/application/fulfillment"
	apptoken "github.com/Zhima-Mochi/creatorpay/internal/application/token"
	"github.com/Zhima-Mochi/creatorpay/internal/config"
	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
	domdeposit "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	dominventory "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	domtoken "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/id"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/notify"
	obsinfra "github.com/Zhima-Mochi/creatorpay/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/provider"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/redisstore"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/pkg/logging"
	httppresentation "github.com/Zhima-Mochi/creatorpay/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/creatorpay/internal/presentation/worker"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	baseLogger := logging.MustNewLogger(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	tel := obsinfra.New(obsinfra.Options{
		ServiceName: cfg.ServiceName,
		Namespace:   cfg.MetricsNamespace,
		Logger:      baseLogger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg, systemLogger)
	if err != nil {
		systemLogger.Fatal("store_init_failed", zap.Error(err))
	}
	defer st.close()

	catalog := memory.NewCatalogRepository()
	depositProvider, err := buildProvider(cfg, tel, catalog, systemLogger)
	if err != nil {
		systemLogger.Fatal("provider_init_failed", zap.Error(err))
	}

	// In-memory event bus carrying confirmation redemptions to fulfillment.
	bus := outbox.NewBus(tel, outbox.Options{})
	bus.Start(ctx)

	tokens := apptoken.NewService(st.tokens, bus, tel, apptoken.WithTTL(cfg.TokenTTL))
	checkout := appcheckout.NewService(appcheckout.Deps{
		Sessions:  st.sessions,
		Catalog:   catalog,
		Attempts:  memory.NewAttemptRepository(),
		Initiator: appdeposit.NewInitiateUseCase(depositProvider, tel),
		Checker:   depositProvider,
		Tokens:    tokens,
		IDs:       id.NewUUIDGenerator(),
	}, appcheckout.Config{
		PollInterval:    cfg.PollInterval,
		MaxAttempts:     cfg.PollMaxAttempts,
		Countdown:       cfg.Countdown,
		ConfirmationURL: cfg.ConfirmationURL,
		BrowseURL:       cfg.BrowseURL,
		TokenFallback:   cfg.TokenFallback,
	}, tel)
	cart := appcheckout.NewCartService(st.sessions, catalog, tel)

	fulfillmentWorker := fulfillment.NewWorker(
		workerpresentation.Instrument(bus, tel),
		fulfillment.NewFulfillUseCase(notify.NewLogNotifier(tel), catalog, st.ledger, tel),
		tel,
	)
	fulfillmentWorker.Start()

	handler := httppresentation.NewHandler(checkout, cart, tokens, tel)
	router := chi.NewRouter()
	router.Handle("/metrics", tel.MetricsHandler())
	router.Mount("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		systemLogger.Info("http_server_start",
			zap.String("addr", server.Addr),
			zap.Bool("sandbox_provider", cfg.ProviderBaseURL == ""),
			zap.Bool("redis_stores", cfg.RedisAddr != ""),
			zap.Bool("token_fallback", cfg.TokenFallback),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error", zap.Error(err))
	} else {
		systemLogger.Info("http_server_stopped")
	}
	if err := checkout.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("checkout_shutdown_error", zap.Error(err))
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		systemLogger.Error("event_bus_shutdown_error", zap.Error(err))
	}
}

type stores struct {
	sessions domain.SessionStore
	tokens   domtoken.Store
	ledger   fulfillment.Ledger
	close    func()
}

func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	if cfg.RedisAddr == "" {
		logger.Info("stores_in_memory")
		return stores{
			sessions: memory.NewSessionStore(),
			tokens:   memory.NewTokenStore(),
			ledger:   memory.NewFulfillmentLedger(cfg.FulfillmentRetention),
			close:    func() {},
		}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return stores{}, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("stores_redis", zap.String("addr", cfg.RedisAddr))
	return stores{
		sessions: redisstore.NewSessionStore(client, cfg.SessionTTL),
		tokens:   redisstore.NewTokenStore(client),
		ledger:   redisstore.NewFulfillmentLedger(client, cfg.FulfillmentRetention),
		close: func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis_close_failed", zap.Error(err))
			}
		},
	}, nil
}

func buildProvider(cfg config.Config, tel observability.Observability, catalog *memory.CatalogRepository, logger *zap.Logger) (domdeposit.Provider, error) {
	if cfg.ProviderBaseURL != "" {
		client, err := provider.New(provider.Config{
			BaseURL: cfg.ProviderBaseURL,
			Timeout: cfg.ProviderTimeout,
			RPS:     cfg.ProviderRPS,
		}, tel)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	logger.Warn("provider_sandbox",
		zap.Float64("success_rate", cfg.SandboxSuccessRate),
		zap.Int("complete_after", cfg.SandboxCompleteAfter),
	)
	for _, p := range demoCatalog() {
		catalog.Put(p)
	}
	return provider.NewSandbox(cfg.SandboxSuccessRate, cfg.SandboxCompleteAfter), nil
}

func demoCatalog() []dominventory.Product {
	return []dominventory.Product{
		{ID: "sticker-pack", CreatorID: "creator-1", CreatorUsername: "amina", Name: "Sticker pack", Price: 500,
			Slots: dominventory.SlotInventory{AllowQuantity: true}},
		{ID: "signed-print", CreatorID: "creator-1", CreatorUsername: "amina", Name: "Signed print", Price: 4500,
			Slots: dominventory.SlotInventory{MaxSlots: 20, SoldSlots: 17, AllowQuantity: true}},
		{ID: "video-call", CreatorID: "creator-1", CreatorUsername: "amina", Name: "Video call", Price: 15000,
			Slots: dominventory.SlotInventory{MaxSlots: 1}},
	}
}
