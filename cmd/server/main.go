package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"worktrack/internal/cache"
	"worktrack/internal/clock"
	"worktrack/internal/config"
	"worktrack/internal/handler"
	"worktrack/internal/i18n"
	"worktrack/internal/service"
	"worktrack/internal/store"
)

func main() {
	cfg := config.Load()
	i18n.Init("en")

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Invalid timezone: %v", err)
	}

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var activityCache cache.ActivityCache = cache.Noop{}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			// The cache is advisory; run store-only rather than die.
			slog.Warn("redis unavailable, running without cache", "error", err)
		} else {
			activityCache = rc
		}
	}

	svc := service.NewAttendance(db, activityCache, cfg, loc, clock.System{}, slog.Default())

	// Close out days the process slept through before accepting work.
	if err := svc.BackfillOpenDays(context.Background()); err != nil {
		slog.Error("startup backfill failed", "error", err)
	}

	// Reconcilers
	sched := cron.New(cron.WithLocation(loc))
	mustSchedule(sched, "*/5 * * * *", "excessive-break closer", svc.CloseExcessiveBreaks)
	mustSchedule(sched, "*/5 * * * *", "excessive-idle closer", svc.CloseExcessiveIdle)
	mustSchedule(sched, "* * * * *", "gap detector", svc.DetectGaps)
	mustSchedule(sched, "59 23 * * *", "end-of-day closer", svc.CloseEndOfDay)
	mustSchedule(sched, "0 0 * * *", "daily attendance creator", svc.CreateDailyRecords)
	sched.Start()

	// Routes
	mux := http.NewServeMux()
	handler.NewAttendanceHandler(svc, slog.Default()).RegisterRoutes(mux)

	// Health checks
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.LoggingMiddleware(handler.LocaleMiddleware(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("attendance service started", "port", cfg.Port, "env", cfg.Env, "tz", cfg.Timezone)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	<-sched.Stop().Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func mustSchedule(sched *cron.Cron, spec, name string, job func(context.Context) error) {
	_, err := sched.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		if err := job(ctx); err != nil {
			slog.Error("reconciler run failed", "job", name, "error", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule %s: %v", name, err)
	}
}
