package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/bohemiyan/qms"
	"github.com/bohemiyan/qms/internal/config"
	"github.com/bohemiyan/qms/internal/db"
	"github.com/bohemiyan/qms/internal/routes"
	"github.com/bohemiyan/qms/internal/scheduler"
	"github.com/bohemiyan/qms/zapLogger"
	"github.com/gofiber/fiber/v2"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logFile := zapLogger.Init(cfg.LogFile)
	defer logFile.Close()
	log := zapLogger.Log
	defer log.Sync()

	pgDB, err := db.NewPostgresDB(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL: %v", err)
	}
	log.Info("Successfully connected to PostgreSQL database")
	defer pgDB.Close()

	redisDB, err := db.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}
	log.Info("Successfully connected to Redis")
	defer redisDB.Close()

	svc, err := qms.New(qms.Config{
		DB:                         pgDB.GormDB,
		RedisClient:                redisDB,
		CacheTTL:                   cfg.CacheTTL,
		CacheSize:                  cfg.CacheSize,
		CachePrefix:                cfg.CachePrefix,
		AutoMigrate:                cfg.AutoMigrate,
		EnableAuditLogging:         cfg.EnableAuditLogging,
		Logger:                     log,
		FollowUpTaskDuration:       cfg.FollowUpTaskDuration,
		ImplementationTaskDuration: cfg.ImplementationTaskDuration,
	})
	if err != nil {
		log.Fatalf("Failed to initialize QMS service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	missing, err := db.SchemaReady(ctx, pgDB.DB, db.RequiredTables...)
	if err != nil {
		log.Fatalf("Failed to probe schema: %v", err)
	}
	if len(missing) > 0 {
		log.Warnw("schema incomplete", "missing_tables", missing)
	}

	if err := svc.StartCacheListener(ctx); err != nil {
		log.Warnw("cache invalidation listener not started", "error", err)
	}

	sched := scheduler.New(log, scheduler.Job{
		Name:     "overdue-tasks",
		Schedule: cfg.OverdueSweepSchedule,
		Timeout:  cfg.SweepTimeout,
		Run:      svc.Tasks.NotifyOverdue,
	})
	go func() {
		if err := sched.Run(ctx); err != nil {
			log.Errorw("scheduler stopped", "error", err)
			stop()
		}
	}()

	app := fiber.New()
	app.Use(zapLogger.FiberLoggingMiddleware(logFile))
	routes.Setup(app, svc, log)

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			log.Errorw("shutdown failed", "error", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.AppPort)
	log.Infof("Server started on port %d", cfg.AppPort)
	if err := app.Listen(addr); err != nil {
		log.Errorw("server stopped", "error", err)
	}
}
