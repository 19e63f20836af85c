// Package main runs the interview HTTP server with WebSocket sessions and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-interview/backend/config"
	"github.com/aura-interview/backend/internal/admin"
	"github.com/aura-interview/backend/internal/auth"
	"github.com/aura-interview/backend/internal/dialogue"
	"github.com/aura-interview/backend/internal/evaluator"
	"github.com/aura-interview/backend/internal/interview"
	"github.com/aura-interview/backend/internal/llm"
	"github.com/aura-interview/backend/internal/middleware"
	"github.com/aura-interview/backend/internal/realtime"
	"github.com/aura-interview/backend/internal/registry"
	"github.com/aura-interview/backend/internal/report"
	"github.com/aura-interview/backend/internal/sessions"
	"github.com/aura-interview/backend/internal/worker"
	"github.com/aura-interview/backend/pkg/database"
	"github.com/aura-interview/backend/pkg/queue"
	"github.com/aura-interview/backend/pkg/redis"
	"github.com/aura-interview/backend/pkg/response"
	"github.com/aura-interview/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	prompts, err := config.LoadPrompts(cfg.Interview.PromptsFile)
	if err != nil {
		logger.Fatal("load prompts", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 archive disabled", zap.Error(err))
			s3Client = nil
		}
	}

	gemini, err := llm.New(ctx, llm.Config{
		APIKey:          cfg.Gemini.APIKey,
		DialogueModel:   cfg.Gemini.DialogueModel,
		StructuredModel: cfg.Gemini.EvaluatorModel,
		TTSModel:        cfg.Gemini.TTSModel,
		Voice:           cfg.Gemini.Voice,
		Temperature:     cfg.Gemini.Temperature,
	}, logger)
	if err != nil {
		logger.Fatal("gemini", zap.Error(err))
	}

	var tts dialogue.Synthesizer
	if cfg.Gemini.TTSEnabled {
		tts = gemini
	}
	dialogueEngine := dialogue.NewEngine(gemini, tts, prompts.Kickoff, logger)
	dialogueEngine.SetEndMarker(prompts.EndMarker)
	evaluatorEngine := evaluator.NewEngine(gemini, prompts.Evaluator, cfg.Gemini.EvaluatorModel, cfg.Interview.EvaluationTimeout, logger)

	sessionRepo := sessions.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	live := registry.New()
	origins := middleware.NewOrigins(cfg.Server.Origins())

	interviewHandler, err := interview.NewHandler(sessionRepo, dialogueEngine, evaluatorEngine, jobQueue, live, interview.Config{
		PersonaTemplate: prompts.Persona,
		EndMarker:       prompts.EndMarker,
		CloseGrace:      cfg.Interview.CloseGrace,
		DialogueTimeout: cfg.Interview.DialogueTimeout,
		CheckOrigin:     origins.CheckOrigin,
	}, logger)
	if err != nil {
		logger.Fatal("interview handler", zap.Error(err))
	}

	// Forced closes published by other instances.
	bridge := realtime.NewBridge(rdb.Client, logger)
	stopBridge, err := bridge.SubscribeForceClose(func(sessionID, reason string) {
		if live.ForceClose(sessionID, reason) {
			logger.Info("Closed session on remote request", zap.String("session_id", sessionID))
		}
	})
	if err != nil {
		logger.Fatal("force close subscription", zap.Error(err))
	}
	defer stopBridge()

	var archive sessions.Presigner
	if s3Client != nil {
		archive = s3Client
	}
	sessionHandler := sessions.NewHandler(sessionRepo, archive, jobQueue, logger)
	adminHandler := admin.NewHandler(live, bridge, logger)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	if !jwtService.Enabled() {
		logger.Warn("ADMIN_JWT_SECRET not set, admin routes are unauthenticated")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(origins))
	router.Use(middleware.Logger(logger, "/health"))

	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if !rdb.Healthy(c.Request.Context()) {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "live_sessions": live.Len()})
	})

	// Interview socket (session id in query)
	router.GET("/ws/interview", interviewHandler.ServeWs)

	// Operator API
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/close-connection", middleware.RequireRole(auth.RoleAdmin), adminHandler.CloseConnection)
		api.GET("/sessions/live", middleware.RequireRole(auth.RoleAdmin, auth.RoleViewer), adminHandler.ListLive)
		sessionHandler.Register(api.Group("", middleware.RequireRole(auth.RoleAdmin, auth.RoleViewer)))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process report worker
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Worker.Enabled {
		aggregator := report.NewAggregator(gemini, prompts.Report, cfg.Gemini.ReportModel, logger)
		var archiver worker.Archiver
		if s3Client != nil {
			archiver = s3Client
		}
		processor := worker.NewReportProcessor(sessionRepo, aggregator, archiver, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("report worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Stop accepting upgrades first. Shutdown does not wait on hijacked websockets.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	for _, id := range live.IDs() {
		live.ForceClose(id, "server shutting down")
	}
	if err := interviewHandler.Wait(shutdownCtx); err != nil {
		logger.Warn("sessions still persisting at exit", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
