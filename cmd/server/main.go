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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/api/handlers"
	"github.com/troikatech/voicebridge/internal/assembler"
	"github.com/troikatech/voicebridge/internal/bridge"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/stream"
	"github.com/troikatech/voicebridge/internal/sweeper"
	"github.com/troikatech/voicebridge/internal/telephony"
	"github.com/troikatech/voicebridge/pkg/auth"
	"github.com/troikatech/voicebridge/pkg/crypto"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/middleware"
	"github.com/troikatech/voicebridge/pkg/otel"
	"github.com/troikatech/voicebridge/pkg/vocode"
	"github.com/troikatech/voicebridge/pkg/webhook"
)

// Server wires the webhook ingress, the call bridge, the dashboard API
// and the retention sweeper into one process.
type Server struct {
	cfg         *env.Config
	redisClient *redis.Client
	sweeper     *sweeper.Sweeper
	handler     *handlers.Handler
}

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	metrics.Init()

	// Initialize OpenTelemetry if enabled
	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("voicebridge", "1.0.0", cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting voicebridge (webhooks + bridge + dashboard API + retention)",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
	)

	// Redis backs the API rate limiter and the cross-replica sweep lock.
	// Both degrade without it, so an unreachable Redis is not fatal.
	var redisClient *redis.Client
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient = redis.NewClient(opt)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Log.Warn("Redis unreachable, rate limiting and the sweep lock are disabled",
				zap.Error(err))
			redisClient = nil
		}
		cancel()
	}

	var st *store.Store
	if strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		st, err = store.Open(cfg.DatabaseURL, logger.Log)
	} else {
		st, err = store.OpenSQLite(cfg.DatabaseURL, logger.Log)
	}
	if err != nil {
		logger.Log.Fatal("Failed to open database", zap.Error(err))
	}

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		logger.Log.Fatal("Failed to derive encryption key", zap.Error(err))
	}

	// Telephony provider clients. A provider whose credentials are absent
	// simply stays out of the registry; its webhooks are still accepted.
	registry := telephony.NewRegistry()
	if cfg.ExotelAccountSID != "" {
		exotelClient := telephony.NewExotelClient(
			cfg.ExotelSubdomain,
			cfg.ExotelAccountSID,
			cfg.ExotelAPIKey,
			cfg.ExotelAPIToken,
		)
		registry.RegisterDialer(store.ProviderExotel, exotelClient)
		logger.Log.Info("Exotel client configured", zap.String("subdomain", cfg.ExotelSubdomain))
	}
	if cfg.PlivoAuthID != "" {
		plivoClient := telephony.NewPlivoClient(cfg.PlivoAuthID, cfg.PlivoAuthToken)
		registry.RegisterDialer(store.ProviderPlivo, plivoClient)
		registry.RegisterTransferrer(store.ProviderPlivo, plivoClient)
		logger.Log.Info("Plivo client configured")
	}
	if cfg.TwilioAccountSID != "" {
		twilioClient := telephony.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
		registry.RegisterTransferrer(store.ProviderTwilio, twilioClient)
		logger.Log.Info("Twilio client configured")
	}

	vocodeClient := vocode.New(
		cfg.VocodeBaseURL,
		time.Duration(cfg.VocodeTimeoutMs)*time.Millisecond,
		logger.Log,
	)

	hub := stream.NewHub()
	asm := assembler.New(st, sealer)
	br := bridge.New(st, asm, vocodeClient, registry, hub, cfg, logger.Log)

	sw := sweeper.New(st, redisClient, logger.Log)
	if cfg.RetentionEnabled {
		if err := sw.Start(cfg.RetentionCron); err != nil {
			logger.Log.Fatal("Failed to schedule retention sweeper", zap.Error(err))
		}
	} else {
		logger.Log.Info("Retention sweeper disabled, sweeps run only on demand")
	}

	apiHandler := handlers.NewHandler(cfg, st, br, sw, hub, sealer, redisClient)

	server := &Server{
		cfg:         cfg,
		redisClient: redisClient,
		sweeper:     sw,
		handler:     apiHandler,
	}

	router := server.setupRouter()

	srv := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Log.Info("voicebridge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	sw.Stop()

	logger.Log.Info("Server exited")
}

func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 << 20)) // 1 MB limit

	// Add OpenTelemetry middleware if enabled
	if s.cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s\n",
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))

	// CORS
	corsConfig := cors.DefaultConfig()
	if s.cfg.CORSAllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(s.cfg.CORSAllowedOrigins, ",")
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	// Health and metrics
	router.GET("/health", s.handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Provider webhooks (public, dedup + signature verified)
	guard := &webhook.Guard{
		Secrets:       s.cfg.WebhookSecret,
		Dedup:         webhook.NewDeduper(s.cfg.WebhookDedupSize),
		Production:    s.cfg.IsProduction(),
		PublicBaseURL: s.cfg.PublicBaseURL,
		Log:           logger.Log,
	}
	providers := []store.Provider{
		store.ProviderExotel,
		store.ProviderPlivo,
		store.ProviderTwilio,
		store.ProviderVonage,
	}
	webhooks := router.Group("/webhooks")
	for _, p := range providers {
		route := p.Route()
		webhooks.POST("/"+route+"/incoming", guard.Middleware(route, "voice"), s.handler.IncomingWebhook(p))
		webhooks.POST("/"+route+"/status", guard.Middleware(route, "status"), s.handler.StatusWebhook(p))
	}
	// Plivo fetches the dial XML from here while executing a transfer.
	webhooks.GET("/plivo/transfer-xml", s.handler.PlivoTransferXML)

	// Voice-AI process callbacks (shared-secret header)
	internal := router.Group("/internal")
	internal.Use(middleware.RequireInternalSecret(s.cfg.InternalSecret))
	{
		calls := internal.Group("/calls/:id")
		calls.Use(middleware.ValidateUUIDParam("id"))
		{
			calls.POST("/transcript", s.handler.InternalTranscript)
			calls.POST("/extraction", s.handler.InternalExtraction)
			calls.POST("/complete", s.handler.InternalComplete)
			calls.POST("/transfer", s.handler.InternalTransfer)
		}
	}

	authMW := middleware.AuthMiddleware(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.JWTAudience)
	var limitMW gin.HandlerFunc
	if s.redisClient != nil {
		limitMW = middleware.NewRateLimiter(s.redisClient, s.cfg.APIRateLimitRPM).Middleware()
	}

	// Dashboard API (tenant-scoped JWT)
	api := router.Group("/api")
	api.Use(authMW)
	if limitMW != nil {
		api.Use(limitMW)
	}
	{
		calls := api.Group("/calls")
		{
			calls.POST("", s.handler.CreateCall)
			calls.GET("", s.handler.ListCalls)
			calls.GET("/:id", middleware.ValidateUUIDParam("id"), s.handler.GetCall)
			calls.GET("/:id/transcripts", middleware.ValidateUUIDParam("id"), s.handler.GetTranscripts)
		}

		recordings := api.Group("/recordings")
		{
			recordings.GET("/:call_id", middleware.ValidateUUIDParam("call_id"), s.handler.GetRecording)
		}

		callers := api.Group("/callers")
		{
			callers.GET("", s.handler.ListCallers)
			callers.GET("/:id", middleware.ValidateUUIDParam("id"), s.handler.GetCaller)
			callers.PATCH("/:id", middleware.ValidateUUIDParam("id"), s.handler.UpdateCaller)
			callers.POST("/:id/save", middleware.ValidateUUIDParam("id"), s.handler.SaveCaller)
		}

		agent := api.Group("/agent-config")
		{
			agent.GET("", s.handler.GetAgentConfig)
			agent.PUT("", middleware.RoleMiddleware(auth.RoleAdmin), s.handler.PutAgentConfig)
		}

		api.GET("/webhook-logs", middleware.RoleMiddleware(auth.RoleAdmin), s.handler.ListWebhookLogs)
		api.POST("/retention/sweep", middleware.RoleMiddleware(auth.RoleAdmin), s.handler.RunRetentionSweep)
	}

	// The live stream authenticates through a query token because browsers
	// cannot set headers on WebSocket dials.
	ws := router.Group("/api")
	ws.Use(middleware.WebSocketTokenShim(), authMW)
	ws.GET("/calls/:id/stream", middleware.ValidateUUIDParam("id"), s.handler.CallStream)

	return router
}
