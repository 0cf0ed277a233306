package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"geocountry/internal/ranges"
	"geocountry/internal/resolver"
)

const shutdownTimeout = 10 * time.Second

// CountryResolver is the part of resolver.Resolver the handlers use.
type CountryResolver interface {
	Resolve(latitude, longitude string, r *http.Request) resolver.Result
}

// DatabaseStatus exposes the range database state reported on /geo/status.
type DatabaseStatus interface {
	Ready() bool
	Counts() (int, int)
	LastUpdate() (time.Time, bool)
	ShouldUpdate() bool
}

// Dependencies wires the handlers. Updater and Nodes are optional.
type Dependencies struct {
	Resolver   CountryResolver
	Database   DatabaseStatus
	Updater    ranges.Updater
	AdminToken string
	Nodes      func(ctx context.Context) (int, error)
}

type handlers struct {
	deps Dependencies
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the HTTP handler with CORS and request logging applied.
func NewRouter(deps Dependencies) http.Handler {
	h := &handlers{deps: deps}

	router := http.NewServeMux()
	router.HandleFunc("GET /geo", h.getCountry)
	router.HandleFunc("GET /geo/status", h.getStatus)
	router.HandleFunc("POST /geo/update", h.triggerUpdate)
	router.HandleFunc("GET /version", getVersion)

	return enableCORS(annotateCountry(deps.Resolver, router))
}

// OpenRoutes serves handler on port until ctx is cancelled, then shuts down
// gracefully.
func OpenRoutes(ctx context.Context, port int, handler http.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting geocountry on port :%d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("Shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return <-errCh
}
