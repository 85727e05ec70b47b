package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dream_analyzer_go_backend/cmd/api/config"
	"dream_analyzer_go_backend/internal/api"
	"dream_analyzer_go_backend/internal/auth"
	"dream_analyzer_go_backend/internal/database"
	"dream_analyzer_go_backend/internal/jobs"
	"dream_analyzer_go_backend/internal/middleware"
	"dream_analyzer_go_backend/internal/services"
	"dream_analyzer_go_backend/internal/utils/broker"
	"dream_analyzer_go_backend/internal/wsocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/generative-ai-go/genai"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get database handle")
	}
	defer sqlDB.Close()

	// Internal plumbing
	messageBroker := broker.NewBroker()
	scheduler := jobs.NewScheduler(log.Logger)

	var revocations auth.RevocationStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		revocations = auth.NewRedisRevocationStore(client)
		log.Info().Msg("Token revocations stored in Redis")
	} else {
		dbStore := auth.NewDBRevocationStore(db)
		revocations = dbStore
		if err := scheduler.Add("purge_revoked_tokens", cfg.MaintenanceSchedule, dbStore.Purge); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule revocation purge")
		}
	}

	// External service clients
	completer, closeCompleter := newCompleter(ctx, cfg)
	defer closeCompleter()

	var billing services.PlayBilling
	playClient, err := services.NewGooglePlayClient(ctx, services.GooglePlayConfig{
		PackageName:          cfg.Billing.PackageName,
		ServiceAccountBase64: cfg.Billing.ServiceAccountBase64,
		ServiceAccountFile:   cfg.Billing.ServiceAccountFile,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Google Play billing disabled")
	} else {
		billing = playClient
	}

	// Domain services
	tokenService := auth.NewTokenService(db, revocations, auth.TokenConfig{
		Secret:     cfg.JWT.SecretKey,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
		SessionTTL: cfg.JWT.SessionTTL,
	})
	userService := services.NewUserService(db, cfg.BcryptCost)
	dreamService := services.NewDreamService(db, completer, messageBroker, cfg.AI.CostPerToken)
	purchaseService := services.NewPurchaseService(db, billing, messageBroker)
	subscriptionService := services.NewSubscriptionService(db)

	if err := scheduler.Add("expire_subscriptions", cfg.MaintenanceSchedule, subscriptionService.ExpireLapsed); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule subscription expiry")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies()); err != nil {
		log.Fatal().Err(err).Msg("Invalid TRUSTED_PROXIES")
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log.Logger))
	r.Use(middleware.Metrics())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.IsProduction() {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = cfg.Origins()
	}
	r.Use(cors.New(corsConfig))

	if cfg.RateLimitPerMinute > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
		go limiter.Run(ctx)
		r.Use(limiter.Handler())
	}

	middleware.MetricsEndpoint(r, cfg.MetricsUser, cfg.MetricsPass)
	auth.SetupRoutes(r, tokenService, userService)
	api.SetupRoutes(r, api.Services{
		DB:            sqlDB,
		Tokens:        tokenService,
		Users:         userService,
		Dreams:        dreamService,
		Purchases:     purchaseService,
		Subscriptions: subscriptionService,
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	wsHandler := wsocket.NewHandler(messageBroker, upgrader, 30*time.Second)
	r.GET("/ws", auth.AuthMiddleware(tokenService, userService), func(c *gin.Context) {
		wsHandler.HandleWebSocket(c.Writer, c.Request, auth.CurrentUser(c))
	})

	scheduler.Start()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.AppEnv).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	scheduler.Stop(shutdownCtx)
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	zerolog.DefaultContextLogger = &log.Logger
}

// newCompleter builds the configured AI provider. Without credentials the
// returned completer is nil and analysis requests are answered with 503.
func newCompleter(ctx context.Context, cfg *config.Config) (services.Completer, func()) {
	noop := func() {}

	switch cfg.AI.Provider {
	case "gemini":
		if cfg.AI.GeminiKey == "" {
			log.Warn().Msg("GOOGLE_AI_STUDIO_API_KEY not set, dream analysis disabled")
			return nil, noop
		}
		client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.AI.GeminiKey))
		if err != nil {
			log.Error().Err(err).Msg("Failed to create GenAI client, dream analysis disabled")
			return nil, noop
		}
		return services.NewGeminiCompleter(client, services.GeminiConfig{
			Model:       cfg.AI.GeminiModel,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
		}), func() { client.Close() }
	default:
		if cfg.AI.OpenAIKey == "" {
			log.Warn().Msg("OPENAI_API_KEY not set, dream analysis disabled")
			return nil, noop
		}
		return services.NewOpenAICompleter(services.OpenAIConfig{
			APIKey:      cfg.AI.OpenAIKey,
			BaseURL:     cfg.AI.OpenAIURL,
			Model:       cfg.AI.OpenAIModel,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
		}), noop
	}
}
