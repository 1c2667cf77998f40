package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/deskmux/deskmux/internal/config"
	"github.com/deskmux/deskmux/internal/crypto"
	"github.com/deskmux/deskmux/internal/database"
	"github.com/deskmux/deskmux/internal/diag"
	"github.com/deskmux/deskmux/internal/handlers"
	"github.com/deskmux/deskmux/internal/launcher"
	"github.com/deskmux/deskmux/internal/logging"
	"github.com/deskmux/deskmux/internal/ports"
	"github.com/deskmux/deskmux/internal/rdclient"
	"github.com/deskmux/deskmux/internal/resilience"
	"github.com/deskmux/deskmux/internal/session"
	"github.com/deskmux/deskmux/internal/sshtunnel"
)

// logLayout is the default window/layout collaborator: it only announces
// the connected set. A desktop shell integration replaces it.
type logLayout struct {
	sink *diag.Sink
}

func (l *logLayout) Arrange(ids []session.ProfileID) {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	l.sink.Emit("", diag.LevelInfo, "layout",
		"arranging windows for: "+strings.Join(names, ", "))
}

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	keeper, err := crypto.NewKeeper(database.NewSettingsAccessor(database.DB))
	if err != nil {
		log.Fatalf("Credential keeper init: %v", err)
	}
	store := database.NewStore(database.DB, keeper)
	if err := store.Seed(context.Background(), config.Cfg.ProfileSeedPath); err != nil {
		log.Fatalf("Profile seed: %v", err)
	}

	sink := diag.NewSink()

	allocator, err := ports.NewAllocator(config.Cfg.PortRangeStart, config.Cfg.PortRangeEnd)
	if err != nil {
		log.Fatalf("Port allocator init: %v", err)
	}

	registry := session.NewRegistry(allocator, store, sshtunnel.NewOpener(), rdclient.NewClient(), sink)

	monitor := resilience.NewMonitor(registry, sink, resilience.Options{
		Interval:             config.Cfg.HealthCheckInterval,
		MaxReconnectAttempts: config.Cfg.ReconnectAttempts,
		ReconnectDelay:       config.Cfg.ReconnectDelay,
	})
	monitor.OnFailure(func(id session.ProfileID, err error) {
		registry.HandleExternalFailure(id, err)
	})

	// Sessions enter monitoring when they start connecting and leave it when
	// their cleanup completes.
	registry.OnTransition(func(id session.ProfileID, from, to session.State, _ string) {
		switch to {
		case session.StateConnecting:
			monitor.Register(id)
		case session.StateConnected:
			if from == session.StateConnecting {
				monitor.ReportStatus(id, resilience.StatusConnected, nil)
			}
		}
	})
	registry.OnCleanup(func(id session.ProfileID) {
		monitor.Unregister(id)
	})

	coordinator := launcher.NewCoordinator(registry, &logLayout{sink: sink}, sink, launcher.Options{
		MemberTimeout: config.Cfg.MemberLaunchTimeout,
		Stagger:       config.Cfg.LaunchStagger,
	})

	handlers.Init(handlers.Deps{
		Store:       store,
		Registry:    registry,
		Monitor:     monitor,
		Coordinator: coordinator,
		Allocator:   allocator,
		Sink:        sink,
	})

	// Periodic sweeps: drop resolved launch jobs and reclaim port leases
	// whose session is gone. A non-empty reclaim means a cleanup path was
	// missed somewhere.
	sweeper := cron.New()
	sweeper.AddFunc("@every 5m", func() {
		if n := coordinator.SweepCompleted(time.Hour); n > 0 {
			log.Printf("[sweep] dropped %d resolved launch job(s)", n)
		}
		reclaimed := allocator.Audit(func(profileID string) bool {
			return registry.Has(session.ProfileID(profileID))
		})
		if len(reclaimed) > 0 {
			log.Printf("[sweep] reclaimed orphaned port lease(s): %v", reclaimed)
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", handlers.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		// Profiles
		r.Get("/profiles", handlers.ListProfiles)
		r.Post("/profiles", handlers.CreateProfile)
		r.Get("/profiles/{id}", handlers.GetProfile)
		r.Put("/profiles/{id}", handlers.UpdateProfile)
		r.Delete("/profiles/{id}", handlers.DeleteProfile)

		// Sessions
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/ready", handlers.ReadySessions)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Get("/sessions/{id}/history", handlers.SessionHistory)
		r.Post("/sessions/{id}/connect", handlers.ConnectSession)
		r.Post("/sessions/{id}/disconnect", handlers.DisconnectSession)
		r.Post("/sessions/{id}/window", handlers.SessionWindow)

		// Health and ports
		r.Get("/health-records", handlers.HealthRecords)
		r.Get("/ports", handlers.PortLeases)

		// Launch groups
		r.Get("/groups", handlers.ListGroups)
		r.Post("/groups", handlers.CreateGroup)
		r.Delete("/groups/{id}", handlers.DeleteGroup)

		// Group launches
		r.Get("/launches", handlers.ListLaunches)
		r.Post("/launches", handlers.StartLaunch)
		r.Get("/launches/{id}", handlers.GetLaunch)
		r.Post("/launches/{id}/otp", handlers.ProvideLaunchOTP)
		r.Post("/launches/{id}/cancel", handlers.CancelLaunch)

		// Diagnostics
		r.Get("/diag/stream", handlers.DiagStream)
		r.Get("/diag/{id}", handlers.DiagEvents)
		r.Get("/server/logs", handlers.GetServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	coordinator.Close()
	monitor.Close()
	registry.CloseAll()
	allocator.ResetAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
