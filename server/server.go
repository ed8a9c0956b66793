package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"audioingest/core/ingest"
	"audioingest/logger"
	"audioingest/repository"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Ingest    *ingest.Service
	Users     repository.UserRepository
	JWTSecret string
	// Ready reports backend health for /healthz. Nil means always healthy.
	Ready func(ctx context.Context) error
}

// NewRouter builds the API router.
func NewRouter(d Deps) *mux.Router {
	uploads := NewUploadHandler(d.Ingest)
	authn := AuthMiddleware(d.JWTSecret, d.Users)

	router := mux.NewRouter()
	router.Use(requestLogger)

	// CORS, so browser clients can call the API before PUTting to the provider.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	router.HandleFunc("/healthz", healthHandler(d.Ready)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/uploads/presign", authn(uploads.PresignHandler)).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/uploads/complete", authn(uploads.CompleteHandler)).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/uploads/{id:[0-9]+}", authn(uploads.GetHandler)).Methods(http.MethodGet, http.MethodOptions)

	return router
}

func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				logger.Warn("Health check failed", logger.ErrorField(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		observeRequest(route, r.Method, rec.status, time.Since(start))
		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
			logger.Debug("HTTP request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", rec.status),
				logger.Duration("took", time.Since(start)))
		}
	})
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
