package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/runledger-labs/runledger-go/internal/platform/requestid"
)

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

// Wrap applies the standard middleware chain: panic recovery, request
// logging, and request-id propagation, outermost first.
func Wrap(logger *slog.Logger, service string, next http.Handler) http.Handler {
	return recoverMiddleware(logger, requestLogMiddleware(logger, requestIDMiddleware(service, next)))
}

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
		ReadTimeout:       15 * time.Minute,
		WriteTimeout:      0,
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
		return err
	}
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": service,
			"status":  "ok",
		})
	}
}

type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

func Readyz(service string, checks ...ReadinessCheck) http.HandlerFunc {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, 0, len(checks))
		ready := true
		for _, check := range checks {
			result := checkResult{Name: check.Name, Status: "ok"}
			if err := check.Check(r.Context()); err != nil {
				ready = false
				result.Status = "fail"
				result.Error = err.Error()
			}
			results = append(results, result)
		}
		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "not_ready"
		}
		body := map[string]any{"service": service, "status": state}
		if len(results) > 0 {
			body["checks"] = results
		}
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

func requestIDMiddleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			newID, err := requestid.New()
			if err != nil {
				newID = fmt.Sprintf("%s-%d", service, time.Now().UnixNano())
			}
			id = newID
		}

		r.Header.Set("X-Request-Id", id)
		w.Header().Set("X-Request-Id", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id))
		next.ServeHTTP(w, r)
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

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(w.ResponseWriter, r)
}

func requestLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		requestID, _ := RequestIDFromContext(r.Context())
		attrs := []any{
			"request_id", requestID,
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
				requestID, _ := RequestIDFromContext(r.Context())
				logger.Error("panic recovered", "request_id", requestID, "panic", v)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error":      "internal_server_error",
					"request_id": requestID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
