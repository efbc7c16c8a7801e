// Package server assembles the HTTP routes and runs the listener.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/auth"
	"github.com/ukydev/schoolbus-tracking/internal/db"
	"github.com/ukydev/schoolbus-tracking/internal/handlers"
	"github.com/ukydev/schoolbus-tracking/internal/hub"
	"github.com/ukydev/schoolbus-tracking/internal/middleware"
	"github.com/ukydev/schoolbus-tracking/internal/models"
)

// Deps are the collaborators the routes are built from.
type Deps struct {
	Auth            *auth.Service
	Users           db.UserCollection
	Vehicles        db.VehicleRegistry
	Tracking        handlers.TrackingService
	Hub             *hub.Hub
	IngestRateLimit int
}

// NewRouter registers every route behind request logging and authentication.
func NewRouter(deps Deps) http.Handler {
	authMiddleware := middleware.NewAuthMiddleware(deps.Auth)
	limiter := middleware.NewRateLimitMiddleware()

	authHandler := handlers.NewAuthHandler(deps.Auth, deps.Users, deps.Vehicles)
	trackingHandler := handlers.NewTrackingHandler(deps.Tracking)
	wsHandler := handlers.NewWSHandler(deps.Hub)

	report := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.RequirePermission("report_location")(limiter.RateLimit(deps.IngestRateLimit, 60)(h))
	}
	view := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.RequirePermission("view_tracking")(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)

	mux.Handle("POST /api/tracking/location", report(trackingHandler.ReportLocation))
	mux.Handle("POST /api/tracking/stop", report(trackingHandler.StopTracking))
	mux.Handle("GET /api/tracking/vehicles", view(trackingHandler.ListVehicles))
	mux.Handle("GET /api/tracking/vehicles/{id}", view(trackingHandler.GetVehicle))
	mux.Handle("GET /api/tracking/gtfs-rt", authMiddleware.RequireRole(models.RoleAdmin)(http.HandlerFunc(trackingHandler.GTFSRealtimeFeed)))
	mux.Handle("GET /ws", view(wsHandler.ServeWS))

	return middleware.RequestLogger(authMiddleware.Authenticate(mux))
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("HTTP server listening")
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

	log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
