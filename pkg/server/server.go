package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iecmeter/iecmeter/pkg/common"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/storage"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// tokenVerifier validates a Google ID Token and returns its email.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// refresher is the part of the coordinator the server drives.
type refresher interface {
	Refresh(ctx context.Context) (types.Data, error)
	Wait()
}

type updateRequest struct {
	result chan error
}

// Server runs the refresh loop and serves the refreshed data over HTTP.
type Server struct {
	coordinator refresher
	storage     storage.Database

	listenAddr     string
	httpServer     *http.Server
	updateInterval time.Duration
	now            func() time.Time

	updateSpecificEmail string
	oidcVerifier        tokenVerifier
	serverName          string

	updates chan updateRequest

	mu            sync.RWMutex
	data          types.Data
	hasData       bool
	reauthNeeded  bool
	lastError     error
	lastAttemptAt time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c refresher, s storage.Database) *Server {
	srv := newServer(c, s)
	srv.serverName = "iecmeter/" + common.Version()

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	updateInterval := lflag.Duration("update-interval", time.Hour, "How often to refresh the IEC data")
	updateSpecificEmail := lflag.String("update-specific-email", "", "email to validate for /api/update and /api/debug")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate Google id tokens against, empty disables authentication")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *updateInterval <= 0 {
			log.Ctx(context.Background()).Error("update-interval must be positive")
			os.Exit(1)
		}
		srv.updateInterval = *updateInterval
		srv.updateSpecificEmail = *updateSpecificEmail
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = oidcEmailVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		}
	})

	return srv
}

func newServer(c refresher, s storage.Database) *Server {
	return &Server{
		coordinator:    c,
		storage:        s,
		updateInterval: time.Hour,
		now:            time.Now,
		updates:        make(chan updateRequest),
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.Handle("POST /api/update", s.authMiddleware(http.HandlerFunc(s.handleUpdate)))
	apiMux.Handle("GET /api/debug/coordinator", s.authMiddleware(http.HandlerFunc(s.handleDebugCoordinator)))
	apiMux.HandleFunc("GET /api/sensors", s.handleSensors)
	apiMux.HandleFunc("GET /api/statistics", s.handleStatistics)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the refresh loop and the HTTP server and blocks until the context
// is canceled or an error occurs.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.refreshLoop(ctx)
	}()

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	}

	if runErr == nil {
		<-loopDone
		s.coordinator.Wait()
	}
	return runErr
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reauthNeeded := s.reauthNeeded
	s.mu.RUnlock()

	if reauthNeeded {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("reauthentication required")); err != nil {
			panic(http.ErrAbortHandler)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
