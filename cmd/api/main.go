// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/config"
	"github.com/classpilot/agent-platform/internal/handler"
	"github.com/classpilot/agent-platform/internal/memory"
	"github.com/classpilot/agent-platform/internal/middleware"
	natsclient "github.com/classpilot/agent-platform/internal/nats"
	"github.com/classpilot/agent-platform/internal/provider"
	"github.com/classpilot/agent-platform/internal/retrieval"
	"github.com/classpilot/agent-platform/internal/service"
	"github.com/classpilot/agent-platform/internal/stream"
	"github.com/classpilot/agent-platform/internal/tool"
	"github.com/classpilot/agent-platform/internal/tool/builtin"
	"github.com/classpilot/agent-platform/internal/workflow"
	"github.com/classpilot/agent-platform/pkg/logger"
	"github.com/classpilot/agent-platform/pkg/tracing"
)

const chatInstructions = `You are a helpful assistant for school staff. Answer questions about
students, classes, and school policy using the tools available to you.
Be concise and factual; when a tool returns no results, say so.`

const homeworkInstructions = `You are a patient tutor helping a student with homework. Guide the
student toward the answer with hints and explanations; do not just hand
over solutions. Use the knowledge base for curriculum material.`

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agent-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	// Conversation storage on JetStream KV
	docs, err := memory.NewNATSKVStore(ctx, natsClient.JetStream(), cfg.NATSBucket)
	if err != nil {
		log.Error("failed to open conversation bucket", "error", err)
		os.Exit(1)
	}
	store := memory.NewStore(docs, log, memory.WithMaxMessages(cfg.HistoryMaxMessages))

	// Model providers
	registry := provider.NewRegistry(cfg, log)
	if len(registry.Available()) == 0 {
		log.Warn("no model provider credentials configured, agent runs will fail")
	}

	// Optional Postgres pool for records and retrieval
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to create database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
	}

	// Tool gateway
	gateway := tool.NewGateway(log)
	mustRegister(log, gateway, builtin.SendGuardianNotice(builtin.LogNoticeSender{}))

	chatTools := []string{"send_guardian_notice"}
	tutorTools := []string{}
	if pool != nil {
		mustRegister(log, gateway, builtin.RecordLookup(pool))
		chatTools = append(chatTools, "record_lookup")

		if cfg.OpenAIAPIKey != "" {
			embedder := retrieval.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
			searcher := retrieval.NewPgvectorSearcher(pool, embedder, log)
			mustRegister(log, gateway, builtin.KnowledgeSearch(searcher))
			chatTools = append(chatTools, "knowledge_search")
			tutorTools = append(tutorTools, "knowledge_search")
		}
	}

	// Agent catalog; the first registered agent is the default mode
	catalog := agent.NewCatalog()
	catalog.Register(&agent.Agent{
		Name:         "chat",
		Instructions: chatInstructions,
		Tools:        chatTools,
	})
	catalog.Register(&agent.Agent{
		Name:         "homework_help",
		Instructions: homeworkInstructions,
		Tools:        tutorTools,
	})

	// Runtime and streaming pipeline
	runtime := agent.NewRuntime(registry, gateway, store, log,
		agent.WithDefaultProvider(provider.Key(cfg.DefaultProvider)),
		agent.WithMaxSteps(cfg.AgentMaxSteps),
		agent.WithMaxTokens(cfg.AgentMaxTokens),
		agent.WithRunTimeout(cfg.AgentRunTimeout),
	)
	pipeline := stream.NewPipeline(runtime, store, log,
		stream.WithPersistTimeout(cfg.PersistTimeout),
	)
	orchestrator := workflow.NewOrchestrator(catalog, runtime, gateway, log)

	// Initialize services
	conversationSvc := service.NewConversationService(store, log)
	agentSvc := service.NewAgentService(catalog, pipeline, store, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient, registry)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	agentHandler := handler.NewAgentHandler(agentSvc, log)
	workflowHandler := handler.NewWorkflowHandler(orchestrator, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", conversationHandler.Delete)
				r.Get("/messages", conversationHandler.History)
				r.Delete("/messages", conversationHandler.Clear)
				r.Get("/approvals", agentHandler.Approvals)
			})
		})

		// Agent runs
		r.Route("/agent", func(r chi.Router) {
			r.Use(middleware.RunRateLimit(cfg.RunLimitRequests, cfg.RunLimitWindow))
			r.Post("/generate", agentHandler.Generate)
			r.Post("/stream", agentHandler.Stream)
			r.Post("/resume", agentHandler.Resume)
			r.Post("/resume/stream", agentHandler.ResumeStream)
		})

		// Workflows
		r.Route("/workflows", func(r chi.Router) {
			r.Use(middleware.RunRateLimit(cfg.RunLimitRequests, cfg.RunLimitWindow))
			r.Post("/run", workflowHandler.Run)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	// Let in-flight background persistence finish
	if !pipeline.Drain(10 * time.Second) {
		log.Warn("background persistence did not drain before shutdown")
	}

	log.Info("server stopped")
}

func mustRegister(log *logger.Logger, gateway *tool.Gateway, def tool.Definition) {
	if err := gateway.Register(def); err != nil {
		log.Error("failed to register tool", "tool", def.Name, "error", err)
		os.Exit(1)
	}
}
