package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jengzang/mobility-features-go/internal/api"
	"github.com/jengzang/mobility-features-go/internal/config"
	"github.com/jengzang/mobility-features-go/internal/database"
	"github.com/jengzang/mobility-features-go/internal/logging"
	"github.com/jengzang/mobility-features-go/internal/repository"
	"github.com/jengzang/mobility-features-go/internal/service"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	// 加载配置
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer logger.Sync()

	// 初始化数据库
	db, err := database.Open(database.Config{Path: cfg.Database.Path}, logger)
	if err != nil {
		logger.Fatalw("Failed to initialize database", "error", err)
	}
	defer db.Close()

	features := service.NewFeatureService(
		repository.NewRunRepository(db),
		repository.NewFeatureRepository(db),
	)

	// 初始化路由
	router := api.SetupRouter(api.Dependencies{
		Config:   cfg,
		Features: features,
		Logger:   logger,
		Gatherer: prometheus.DefaultGatherer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	go func() {
		logger.Infow("Server starting", "addr", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("Server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Graceful shutdown failed", "error", err)
		return
	}
	logger.Infow("Server stopped")
}
