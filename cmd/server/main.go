package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/config"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/tracing"
	"github.com/kubilitics/kubilitics-authcore/internal/service"
)

func main() {
	configFile := flag.String("config", "", "path to config file (default: search /etc/authcore, $HOME/.authcore, .)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "authcore: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "kubilitics-authcore",
		Endpoint:     cfg.TracingEndpoint,
		Protocol:     cfg.TracingProtocol,
		SamplingRate: cfg.TracingSamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	log.Info("Kubilitics auth core starting",
		zap.Bool("redis", cfg.RedisEnabled),
		zap.String("lockout_fail_mode", cfg.LockoutFailMode),
		zap.Int("metrics_port", cfg.MetricsPort),
	)

	st, err := service.OpenStore(ctx, cfg, nil, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	rec, recCloser, err := service.OpenRecorder(cfg, log)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("open audit trail: %w", err)
	}
	if recCloser != nil {
		defer recCloser.Close()
	}

	core, err := service.NewCore(cfg, service.Deps{Store: st, Logger: log, Recorder: rec})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("init core: %w", err)
	}
	defer core.Close()

	var sweeper *service.IndexSweeper
	if interval := cfg.IndexSweepInterval(); interval > 0 {
		sweeper = service.NewIndexSweeper(core.Store, core.Sessions, interval, nil, log)
		sweeper.Start(ctx)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(core)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.Use(loggingMiddleware(log))
	router.Use(recoveryMiddleware(log))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      otelhttp.NewHandler(router, "authcore.ops", otelhttp.WithSpanNameFormatter(spanName)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("Ops server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	if sweeper != nil {
		sweeper.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Ops server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Auth core exited")
	return nil
}

func healthHandler(core *service.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := core.Store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable","service":"kubilitics-authcore"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"kubilitics-authcore"}`))
	}
}

func spanName(_ string, r *http.Request) string {
	return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
}

func loggingMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func recoveryMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("Panic recovered", zap.Any("panic", err), zap.String("path", r.URL.Path))
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
