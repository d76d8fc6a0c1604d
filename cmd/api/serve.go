package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/attachment"
	"github.com/capitalize-ai/chatstream/internal/config"
	"github.com/capitalize-ai/chatstream/internal/handler"
	"github.com/capitalize-ai/chatstream/internal/llm"
	"github.com/capitalize-ai/chatstream/internal/middleware"
	natsclient "github.com/capitalize-ai/chatstream/internal/nats"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/internal/stream"
	"github.com/capitalize-ai/chatstream/internal/tools"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/tracing"
)

const (
	serviceName     = "chatstream"
	shutdownTimeout = 30 * time.Second
	statsInterval   = 15 * time.Second
)

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Database
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	// Message bus, optional
	streamOpts := stream.Options{Retention: cfg.StreamRetention}
	var (
		natsClient *natsclient.Client
		signals    *natsclient.Signals
	)
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     serviceName,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		relay, err := natsclient.NewRelay(ctx, natsClient, natsclient.RelayOptions{MaxAge: cfg.StreamRelayMaxAge}, log)
		if err != nil {
			return err
		}
		streamOpts.Relay = relay
		go relay.CollectStats(ctx, statsInterval)

		signals = natsclient.NewSignals(natsClient, log)
		defer signals.Close()
	}

	streams := stream.NewRegistry(streamOpts, log)

	var abort service.AbortPublisher = streams
	if signals != nil {
		if err := signals.SubscribeAbort(streams.Cancel); err != nil {
			return err
		}
		abort = signals
	}

	quota := service.NewQuotaLedger(db, log)
	threads := service.NewThreadService(db, quota, abort, log)

	// Models
	clients, titler, err := newClients(cfg, log)
	if err != nil {
		return err
	}
	models := llm.NewRegistry(clients...)
	models.Register(llm.DefaultCatalog()...)

	// Attachments and tools
	fetchOpts := attachment.Options{
		MaxBytes:             cfg.FetchMaxBytes,
		Concurrency:          cfg.FetchConcurrency,
		UserAgent:            cfg.SearchUserAgent,
		AllowPrivateNetworks: cfg.FetchAllowPrivate,
	}
	if cfg.AttachmentsInS3 {
		objects, err := attachment.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			return err
		}
		fetchOpts.Objects = objects
	}
	fetcher, err := attachment.NewFetcher(fetchOpts)
	if err != nil {
		return err
	}

	deps := tools.Dependencies{
		Pages:       fetcher,
		CodeTimeout: cfg.CodeTimeout,
		CodeSteps:   cfg.CodeMaxSteps,
	}
	if cfg.SearchEnabled {
		searcher, err := tools.NewDuckDuckGo(8, cfg.SearchUserAgent)
		if err != nil {
			return err
		}
		deps.Searcher = searcher
	}

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		return err
	}
	completions := service.NewCompletionService(threads, quota, models, streams, fetcher, service.CompletionOptions{
		SystemPrompt: systemPrompt,
		MaxSteps:     cfg.CompletionMaxSteps,
		Tools:        deps,
		Titler:       titler,
	}, log)

	// Handlers
	api := &handler.API{
		Chat:    handler.NewChatHandler(completions, cfg.StreamHeartbeat, log),
		Stream:  handler.NewStreamHandler(threads, streams, cfg.StreamHeartbeat, log),
		Threads: handler.NewThreadHandler(threads, log),
		Account: handler.NewAccountHandler(quota, models, log),
	}
	healthHandler := handler.NewHealthHandler(db, natsClient)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Logging(log))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		api.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Producers are cancelled first so open SSE responses end with their
	// finish chunk instead of holding Shutdown until the timeout.
	streams.Shutdown()
	if err := streams.Wait(shutdownCtx); err != nil {
		log.Warn("producers still running at shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	completions.Wait()

	log.Info("server stopped")
	return nil
}

// newClients creates a provider client for every configured API key. The
// OpenRouter client also generates titles.
func newClients(cfg *config.Config, log *logger.Logger) ([]llm.Client, llm.Prompter, error) {
	var (
		clients []llm.Client
		titler  llm.Prompter
	)
	if cfg.AnthropicAPIKey != "" {
		c, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		clients = append(clients, c)
	}
	if cfg.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		clients = append(clients, c)
	}
	if cfg.OpenRouterAPIKey != "" {
		c, err := llm.NewLangChainClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OpenRouter client: %w", err)
		}
		clients = append(clients, c)

		t, err := llm.NewLangChainClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.TitleModel)
		if err != nil {
			log.Warn("title model unavailable, using completion models", zap.Error(err))
		} else {
			titler = t
		}
	}
	return clients, titler, nil
}
