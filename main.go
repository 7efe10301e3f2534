package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-optimizer/internal/engine"
	"media-optimizer/internal/filesystem"
	"media-optimizer/internal/handlers"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/memory"
	"media-optimizer/internal/metrics"
	"media-optimizer/internal/middleware"
	"media-optimizer/internal/startup"

	"github.com/gorilla/mux"
	"go.uber.org/multierr"
)

const (
	shutdownTimeout = 30 * time.Second
	collectInterval = time.Minute
)

func main() {
	startTime := time.Now()

	memResult := memory.ConfigureFromEnv()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}
	startup.LogMemoryConfig(memResult)

	metrics.InitializeMetrics()
	filesystem.SetObserver(metrics.NewFilesystemObserver())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, config)
	if err != nil {
		startup.LogFatal("Failed to initialize engine: %v", err)
	}
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion, eng.Backend())

	if err := eng.Start(ctx); err != nil {
		startup.LogFatal("Failed to start engine: %v", err)
	}

	collector := metrics.NewCollector(eng, collectInterval, eng.DatabasePath())
	collector.Start()

	h := handlers.New(eng)
	router := setupRouter(h, config)
	startup.LogHTTPRoutes(router)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggingConfig.SkipPaths = append(loggingConfig.SkipPaths, "/api/events")
	handler := middleware.Compression(middleware.DefaultCompressionConfig())(
		middleware.Logger(loggingConfig)(router),
	)

	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// The event stream and forced cleanup runs can outlive any write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	// Event streams only end when their request context does.
	streamCtx, endStreams := context.WithCancel(ctx)
	srv.BaseContext = func(net.Listener) context.Context { return streamCtx }
	srv.RegisterOnShutdown(endStreams)

	var metricsSrv *http.Server
	if config.MetricsEnabled && config.MetricsPort != config.Port {
		metricsSrv = newMetricsServer(h, config.MetricsPort)
		go func() {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	go handleShutdown(srv, metricsSrv, eng, collector)

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-shutdownDone
}

func setupRouter(h *handlers.Handlers, config *startup.Config) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))

	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")
	if config.MetricsEnabled && config.MetricsPort == config.Port {
		r.Handle("/metrics", h.MetricsHandler()).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	// Jobs
	api.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", h.RetryJob).Methods("POST")

	// Queue
	api.HandleFunc("/queue", h.GetQueue).Methods("GET")
	api.HandleFunc("/queue", h.ClearQueue).Methods("DELETE")

	// Analysis
	api.HandleFunc("/analyze", h.Analyze).Methods("POST")
	api.HandleFunc("/analyze/batch", h.AnalyzeBatch).Methods("POST")

	// Storage, stats and maintenance
	api.HandleFunc("/storage/analytics", h.StorageAnalytics).Methods("GET")
	api.HandleFunc("/stats/compression", h.CompressionStats).Methods("GET")
	api.HandleFunc("/stats/progress", h.ProgressStats).Methods("GET")
	api.HandleFunc("/cleanup", h.ForceCleanup).Methods("POST")
	api.HandleFunc("/cleanup/stats", h.CleanupStats).Methods("GET")
	api.HandleFunc("/accelerator", h.TestAccelerator).Methods("GET")

	api.HandleFunc("/events", h.Events).Methods("GET")

	return r
}

// newMetricsServer serves /metrics and /health on their own port so scrapes
// never queue behind API traffic.
func newMetricsServer(h *handlers.Handlers, port string) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", h.MetricsHandler()).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

var shutdownDone = make(chan struct{})

func handleShutdown(srv, metricsSrv *http.Server, eng *engine.Engine, collector *metrics.Collector) {
	defer close(shutdownDone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	var errs error
	errs = multierr.Append(errs, srv.Shutdown(ctx))
	if metricsSrv != nil {
		errs = multierr.Append(errs, metricsSrv.Shutdown(ctx))
	}
	if errs != nil {
		logging.Warn("Server shutdown error: %v", errs)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownStep("Stopping metrics collector")
	collector.Stop()
	startup.LogShutdownStepComplete("Metrics collector stopped")

	startup.LogShutdownStep("Stopping engine")
	engineCtx, engineCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer engineCancel()
	if err := eng.Stop(engineCtx); err != nil {
		logging.Warn("Engine shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Engine stopped, running jobs requeued")
	}

	startup.LogShutdownComplete()
}
