// cmd/coordinator/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hike-coordinator/internal/app"
	"hike-coordinator/internal/common/camunda"
	"hike-coordinator/internal/common/config"
	"hike-coordinator/internal/common/logger"
	startcampaign "hike-coordinator/internal/workers/notification/start-campaign"
)

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("HIKE_CONFIG"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func main() {
	bootLog := logger.New("info", "console")

	cfg, err := loadConfig()
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}

	log, zapLog := app.NewLogger(cfg.Logging)
	defer zapLog.Sync()
	zapLog.Info("Starting hike coordinator...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("store", cfg.Database.Driver),
		zap.String("queue", cfg.Dispatch.Queue),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log, app.Options{ConnectAttempts: 15, ConnectDelay: 2 * time.Second})
	if err != nil {
		zapLog.Fatal("coordinator init failed", zap.Error(err))
	}
	defer a.Close()

	var wg sync.WaitGroup

	// --- Dispatcher ---
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Dispatcher.Run(ctx); err != nil {
			zapLog.Error("Dispatcher exited", zap.Error(err))
		}
	}()

	// --- Phase scheduler ---
	if cfg.Phase.AutoAdvance {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Scheduler.Run(ctx)
		}()
	} else {
		zapLog.Info("Automatic phase advance disabled; use hikectl advance")
	}

	// --- Zeebe workers ---
	var workers []*camunda.Worker
	if a.ZeebeStartsCampaigns() {
		wcfg := config.GetWorkerConfig(cfg, startcampaign.TaskType)
		timeout := config.GetDuration(wcfg.Timeout)
		handler := startcampaign.NewHandler(a.Campaigns, timeout, log)
		workers = append(workers, camunda.NewWorker(a.Zeebe.Zeebe(), handler, wcfg.MaxJobsActive, timeout, log))
	}

	// --- Health & Metrics Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy", "")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		rctx, rcancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer rcancel()
		if err := a.Ready(rctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
		writeStatus(w, http.StatusOK, "ready", "")
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping coordinator...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, w := range workers {
		w.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		zapLog.Warn("Timed out waiting for background loops")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping Health/Metrics server", zap.Error(err))
	}
	zapLog.Info("Hike coordinator stopped gracefully")
}

func writeStatus(w http.ResponseWriter, code int, status, detail string) {
	body := map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	}
	if detail != "" {
		body["error"] = detail
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
