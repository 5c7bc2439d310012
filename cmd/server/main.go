package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forge/internal/auth"
	"forge/internal/builds"
	"forge/internal/config"
	"forge/internal/db"
	"forge/internal/events"
	"forge/internal/handlers"
	"forge/internal/middleware"
	"forge/internal/models"
	"forge/internal/notify"
	"forge/internal/plugins"
	"forge/internal/realtime"
	"forge/internal/settings"
	"forge/internal/storage"
	"forge/internal/version"
	"forge/internal/versions"
)

func main() {
	cfg := config.Load()

	if err := db.Init(cfg.DBPath); err != nil {
		log.Fatalf("❌ Database init failed: %v", err)
	}
	defer db.DB.Close()
	log.Printf("✅ Database connected (%s)", cfg.DBPath)

	if err := notify.Migrate(db.DB); err != nil {
		log.Fatalf("❌ Notification migration failed: %v", err)
	}
	if err := settings.InitSettingsTable(db.DB); err != nil {
		log.Fatalf("❌ Settings init failed: %v", err)
	}

	auth.CreateDefaultAdmin(cfg)
	auth.CleanupExpiredSessions()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		for range ticker.C {
			auth.CleanupExpiredSessions()
		}
	}()

	bus := events.NewBus()
	pluginStore := plugins.NewStore(db.DB)
	versionStore := versions.NewStore(db.DB)
	buildStore := builds.NewStore(db.DB)

	// Builds interrupted by the previous shutdown can never finish; mark
	// them failed before accepting new work.
	if n, err := buildStore.RecoverStale(); err != nil {
		log.Printf("⚠️  Stale build recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("🧹 Marked %d interrupted builds as failed", n)
	}

	capture := builds.NewLogCapture(db.DB, bus)
	defer capture.Close()

	blob, err := storage.NewLocalStore(cfg.ArtifactsDir, cfg.ArtifactBaseURL)
	if err != nil {
		log.Fatalf("❌ Artifact store init failed: %v", err)
	}

	// Cancelled on shutdown so in-flight container builds are killed
	// rather than orphaned; RecoverStale sweeps their records next start.
	buildCtx, cancelBuilds := context.WithCancel(context.Background())
	defer cancelBuilds()

	orch := builds.NewOrchestrator(buildCtx, buildStore, capture, pluginStore, versionStore,
		blob, bus, cfg.BuilderCommand, cfg.BuilderArgs, cfg.VolumesDir, cfg.MaxConcurrent)

	hub := realtime.NewHub(bus, pluginStore)
	defer hub.Close()

	dispatcher := notify.NewDispatcher(db.DB, bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Handler wiring
	handlers.Config = cfg
	handlers.Bus = bus
	handlers.Plugins = pluginStore
	handlers.Versions = versionStore
	handlers.Builds = buildStore
	handlers.Orch = orch
	handlers.ReleaseChecker = version.NewChecker(version.Current, "forge-plugins", "forge")

	mux := http.NewServeMux()
	registerRoutes(mux, cfg, hub)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.CORS(middleware.Logging(mux)),
	}

	go func() {
		log.Printf("🚀 Plugin build server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("⏳ Shutting down...")
	cancelBuilds()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Shutdown: %v", err)
	}
}

func registerRoutes(mux *http.ServeMux, cfg models.Config, hub *realtime.Hub) {
	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	buildLimiter := middleware.NewRateLimiter(30, time.Minute)

	// Health and system
	mux.HandleFunc("GET /api/health", handlers.Health)
	mux.HandleFunc("GET /api/system/update-check", handlers.CheckForUpdates)

	// Authentication
	mux.HandleFunc("POST /api/auth/login", loginLimiter.Limit(auth.Login(cfg)))
	mux.HandleFunc("POST /api/auth/logout", auth.Logout)
	mux.HandleFunc("GET /api/auth/status", auth.Status(cfg))
	mux.HandleFunc("POST /api/auth/change-password", auth.Middleware(cfg, auth.ChangePassword))

	// Plugins
	mux.HandleFunc("POST /api/plugins", auth.Middleware(cfg, handlers.CreatePlugin))
	mux.HandleFunc("GET /api/plugins", handlers.ListPlugins)
	mux.HandleFunc("GET /api/plugins/{slug}", handlers.GetPlugin)
	mux.HandleFunc("PUT /api/plugins/{slug}/visibility", auth.Middleware(cfg, handlers.SetPluginVisibility))
	mux.HandleFunc("DELETE /api/plugins/{slug}", auth.Middleware(cfg, handlers.DeletePlugin))

	// Builds
	mux.HandleFunc("POST /api/plugins/{slug}/builds", buildLimiter.Limit(auth.Middleware(cfg, handlers.TriggerBuild)))
	mux.HandleFunc("GET /api/plugins/{slug}/builds", handlers.ListBuilds)
	mux.HandleFunc("GET /api/plugins/{slug}/builds/{id}", handlers.GetBuild)
	mux.HandleFunc("GET /api/plugins/{slug}/builds/{id}/logs", handlers.GetBuildLogs)

	// Versions
	mux.HandleFunc("GET /api/plugins/{slug}/versions", handlers.ListVersions)
	mux.HandleFunc("POST /api/plugins/{slug}/versions/{ver}/{command}", auth.Middleware(cfg, handlers.VersionCommand))
	mux.HandleFunc("DELETE /api/plugins/{slug}/versions/{ver}", auth.Middleware(cfg, handlers.RemoveVersion))

	// Notifications
	mux.HandleFunc("GET /api/notifications/services", auth.Middleware(cfg, handlers.ListNotificationServices))
	mux.HandleFunc("POST /api/notifications/services", auth.Middleware(cfg, handlers.CreateNotificationService))
	mux.HandleFunc("GET /api/notifications/services/{id}", auth.Middleware(cfg, handlers.GetNotificationService))
	mux.HandleFunc("PUT /api/notifications/services/{id}", auth.Middleware(cfg, handlers.UpdateNotificationService))
	mux.HandleFunc("DELETE /api/notifications/services/{id}", auth.Middleware(cfg, handlers.DeleteNotificationService))
	mux.HandleFunc("PUT /api/notifications/services/{id}/rules", auth.Middleware(cfg, handlers.UpsertNotificationRule))
	mux.HandleFunc("POST /api/notifications/services/{id}/test", auth.Middleware(cfg, handlers.TestNotificationService))
	mux.HandleFunc("GET /api/notifications/history", auth.Middleware(cfg, handlers.GetNotificationHistory))

	// Settings
	mux.HandleFunc("GET /api/settings", auth.Middleware(cfg, handlers.GetSettings))
	mux.HandleFunc("PUT /api/settings/{category}/{key}", auth.Middleware(cfg, handlers.UpdateSetting))
	mux.HandleFunc("POST /api/settings/reset", auth.Middleware(cfg, handlers.ResetSettings))

	// Realtime build/version events
	mux.HandleFunc("GET /ws", hub.HandleConnection)

	// Uploaded artifacts
	mux.Handle("GET /artifacts/", http.StripPrefix("/artifacts/",
		http.FileServer(http.Dir(cfg.ArtifactsDir))))
}
