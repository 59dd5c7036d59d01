package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"monkchat/internal/api"
	"monkchat/internal/auth"
	"monkchat/internal/blob"
	"monkchat/internal/chat"
	"monkchat/internal/config"
	"monkchat/internal/logging"
	"monkchat/internal/redis"
	"monkchat/internal/service/ai"
	"monkchat/internal/service/gateway"
	"monkchat/internal/service/history"
	"monkchat/internal/service/inline"
	"monkchat/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("MONKCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.BasicConfig.LogDir, cfg.BasicConfig.Debug)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := os.Getenv("MONKCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}
	logger.Info("database ready", zap.String("driver", db.Driver()))

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			logger.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init blob store", zap.Error(err))
	}

	historyService := history.NewService(db, blobs, logger.Named("history"))
	if ttl := time.Duration(cfg.BasicConfig.UploadTTL) * time.Minute; ttl > 0 {
		historyService.SetUploadTTL(ttl)
	}
	cleanInterval := time.Duration(cfg.BasicConfig.UploadCleanInterval) * time.Minute
	if cleanInterval <= 0 {
		cleanInterval = history.DefaultUploadCleanupInterval
	}
	historyService.StartUploadCleaner(ctx, cleanInterval)

	completer, err := newCompleter(ctx, cfg.LLM)
	if err != nil {
		logger.Fatal("init llm client", zap.Error(err))
	}
	llm := gateway.NewGateway(completer, inline.NewInliner(blobs), cfg.LLM, logger.Named("gateway"))

	chats := chat.NewManager(historyService, llm, rdb, logger.Named("chat"))
	chats.Start(ctx)

	authService := auth.NewService(db, rdb, 24*time.Hour).WithLogger(logger.Named("auth"))
	handlers := api.NewHandler(authService, historyService, chats, logger.Named("api"))

	if !cfg.BasicConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(logging.GinMiddleware(logger), gin.Recovery())
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", addr), zap.String("llm_provider", cfg.LLM.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

// newCompleter picks the completion backend. OpenRouter goes through its
// OpenAI-compatible endpoint; other providers are served by eino chat models.
func newCompleter(ctx context.Context, cfg config.LLMConfig) (gateway.Completer, error) {
	if cfg.Provider == "openrouter" {
		return gateway.NewOpenRouterCompleter(cfg)
	}
	chatModel, err := ai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return gateway.NewEinoCompleter(chatModel), nil
}
