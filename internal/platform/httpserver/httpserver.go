// Package httpserver holds the HTTP plumbing shared by dagflow services:
// middleware, probes, JSON responses and graceful shutdown.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/dagflow/internal/platform/requestid"
)

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

// Wrap applies panic recovery, request logging and request ids, outermost
// first.
func Wrap(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return recoverMiddleware(logger, requestLogMiddleware(logger, requestIDMiddleware(next)))
}

// Run serves handler until ctx ends, then shuts down within the configured
// timeout.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	if cfg.Service == "" {
		return errors.New("service is required")
	}
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "service", cfg.Service, "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"service": service, "status": "ok"})
	}
}

type ReadinessCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ReadyzWithChecks runs every check concurrently and answers 503 when any
// of them fails.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, len(checks))
		var group errgroup.Group
		for i, check := range checks {
			group.Go(func() error {
				results[i] = runCheck(r.Context(), check)
				return nil
			})
		}
		_ = group.Wait()

		status, code := "ready", http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		WriteJSON(w, code, map[string]any{"service": service, "status": status, "checks": results})
	}
}

func runCheck(ctx context.Context, check ReadinessCheck) checkResult {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := check.Check(ctx)
	res := checkResult{Name: check.Name, Status: "ok", DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	return res
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

// WriteError answers with the {"error", "message", "request_id"} envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := RequestIDFromContext(r.Context())
	body := map[string]any{"error": code, "request_id": requestID}
	if message != "" {
		body["message"] = message
	}
	WriteJSON(w, status, body)
}

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestid.FromHeader(r.Header.Get(requestid.Header))
		r.Header.Set(requestid.Header, id)
		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := []any{
			"request_id", r.Header.Get(requestid.Header),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if sw.status >= 500 {
			logger.Error("http request", attrs...)
			return
		}
		logger.Info("http request", attrs...)
	})
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				requestID := r.Header.Get(requestid.Header)
				logger.Error("panic recovered", "request_id", requestID, "panic", v)
				WriteJSON(w, http.StatusInternalServerError, map[string]any{
					"error":      "internal_server_error",
					"request_id": requestID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
