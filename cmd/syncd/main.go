// Package main - Einstiegspunkt für den schulsync-Daemon.
//
// Der Daemon hält den lokalen Datenstand einer Familie mit dem
// Schulmanager-Portal synchron: ein Scheduler stößt periodische
// Aktualisierungszyklen an, der HTTP-Server liefert die veröffentlichten
// Snapshots aus (Stundenplan, Hausaufgaben, Noten, Klausuren, Kalender)
// und nimmt manuelle Aktualisierungen entgegen.
//
// Die Architektur folgt Clean Architecture und DDD:
// - Domain: reine Fachlogik ohne externe Abhängigkeiten
// - Application: Koordinator, Event-Handler, Renderings
// - Infrastructure: Portal-Client, Persistenz, Scheduler, Event-Bus
// - Interface: HTTP-Lesefläche und Kalender-Export
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schulhub/schulsync/config"
	"github.com/schulhub/schulsync/internal/application/eventhandler"
	"github.com/schulhub/schulsync/internal/application/refresh"
	"github.com/schulhub/schulsync/internal/application/render"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/internal/infrastructure/external/schulmanager"
	"github.com/schulhub/schulsync/internal/infrastructure/messaging"
	"github.com/schulhub/schulsync/internal/infrastructure/persistence/memory"
	"github.com/schulhub/schulsync/internal/infrastructure/persistence/postgres"
	"github.com/schulhub/schulsync/internal/infrastructure/persistence/redis"
	"github.com/schulhub/schulsync/internal/infrastructure/scheduler"
	"github.com/schulhub/schulsync/internal/infrastructure/scheduler/jobs"
	"github.com/schulhub/schulsync/internal/infrastructure/service"
	httpserver "github.com/schulhub/schulsync/internal/interface/http"
	"github.com/schulhub/schulsync/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	// Wurzelkontext mit Abbruchmöglichkeit
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. KONFIGURATION LADEN
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING EINRICHTEN
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.New(logger.Options{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Debug:  cfg.App.Debug,
	})
	log.Info("starting schulsync daemon",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"accounts", len(cfg.Accounts),
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. POSTGRESQL (OPTIONAL, REFRESH-JOURNAL)
	// ─────────────────────────────────────────────────────────────────────────
	var dbConn *postgres.Connection
	var journalRepo *postgres.JournalRepository

	if cfg.Database.Enabled() {
		log.Info("connecting to database...", "host", cfg.Database.Host)
		pgCfg := postgres.DefaultConfig()
		pgCfg.Host = cfg.Database.Host
		pgCfg.Port = cfg.Database.Port
		pgCfg.Database = cfg.Database.Name
		pgCfg.User = cfg.Database.User
		pgCfg.Password = cfg.Database.Password
		pgCfg.SSLMode = cfg.Database.SSLMode
		pgCfg.MaxConns = int32(cfg.Database.MaxConns)
		pgCfg.MinConns = int32(cfg.Database.MinConns)
		pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		pgCfg.ConnectTimeout = cfg.Database.ConnectTimeout

		dbConn, err = postgres.NewConnection(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer func() {
			log.Info("closing database connection...")
			dbConn.Close()
		}()

		if err := dbConn.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}

		// Migrationen einspielen, damit das Journalschema aktuell ist
		migrator := postgres.NewMigrator(dbConn)
		if err := migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		status, err := migrator.Status(ctx)
		if err != nil {
			log.Warn("failed to get migration status", "error", err)
		} else {
			applied := 0
			for _, m := range status {
				if m.IsApplied {
					applied++
				}
			}
			log.Info("migrations completed", "applied", applied, "total", len(status))
		}

		journalRepo = postgres.NewJournalRepository(dbConn, log)
	} else {
		log.Info("no database configured, refresh journal disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (OPTIONAL, GETEILTE CACHES)
	// ─────────────────────────────────────────────────────────────────────────
	var redisCache *redis.Cache
	var subjectCache service.SubjectCache
	var bundleCache schulmanager.BundleCache

	if cfg.Redis.Enabled {
		log.Info("connecting to Redis...", "host", cfg.Redis.Host)
		redisCfg := redis.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		redisCache, err = redis.NewCache(redisCfg)
		if err != nil {
			// Redis ist eine Beschleunigung, keine Voraussetzung
			log.Warn("failed to connect to Redis, caching disabled", "error", err)
		} else {
			defer func() {
				log.Info("closing Redis connection...")
				_ = redisCache.Close()
			}()
			subjectCache = redis.NewSubjectCatalogCache(redisCache, log)
			bundleCache = redis.NewBundleVersionCache(redisCache, portalHost(cfg.Portal.BaseURL), log)
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT-BUS, DISPATCHER UND EVENT-HANDLER
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = log
	bus := messaging.NewInMemoryEventBus(busCfg)
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()

	dispatcherCfg := messaging.DefaultDispatcherConfig(bus)
	dispatcherCfg.Logger = log
	dispatcher := messaging.NewDispatcher(dispatcherCfg)
	dispatcher.Use(messaging.RecoveryMiddleware(log))
	dispatcher.Use(messaging.LoggingMiddleware(log))

	changeLogger := eventhandler.NewChangeLogger(log)
	for _, et := range changeLogger.EventTypes() {
		if err := dispatcher.Register(et, "change_logger", changeLogger.Handle); err != nil {
			return fmt.Errorf("failed to register change logger: %w", err)
		}
	}

	if journalRepo != nil {
		recorder := eventhandler.NewJournalRecorder(journalRepo, log, eventhandler.DefaultJournalRecorderConfig())
		for _, et := range recorder.EventTypes() {
			if err := dispatcher.Register(et, "journal_recorder", recorder.Handle); err != nil {
				return fmt.Errorf("failed to register journal recorder: %w", err)
			}
		}
	}

	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. PORTAL-CLIENT
	// ─────────────────────────────────────────────────────────────────────────
	clientCfg := schulmanager.DefaultClientConfig(cfg.Portal.BaseURL)
	clientCfg.Timeout = cfg.Portal.RequestTimeout
	clientCfg.RateLimiterConfig.RequestsPerSecond = cfg.Portal.RequestsPerSecond
	clientCfg.RateLimiterConfig.BurstSize = cfg.Portal.BurstSize
	clientCfg.RateLimiterConfig.MinInterval = cfg.Portal.MinInterval
	clientCfg.RetryConfig.MaxRetries = cfg.Portal.MaxRetries
	clientCfg.RetryConfig.InitialBackoff = cfg.Portal.RetryBaseDelay
	clientCfg.RetryConfig.MaxBackoff = cfg.Portal.RetryMaxDelay
	clientCfg.CircuitBreakerConfig.FailureThreshold = cfg.Portal.CircuitBreakerThreshold
	clientCfg.CircuitBreakerConfig.Timeout = cfg.Portal.CircuitBreakerTimeout
	clientCfg.Logger = log
	clientCfg.Debug = cfg.App.Debug
	clientCfg.UserAgent = cfg.Portal.UserAgent
	clientCfg.BundleCache = bundleCache
	client := schulmanager.NewClient(clientCfg)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. SESSION-MANAGER UND PORTAL-GATEWAY
	// ─────────────────────────────────────────────────────────────────────────
	auth := schulmanager.NewAuthenticator(client, cfg.Portal.SchoolIDs, log)
	mapper := schulmanager.NewMapper()

	var dumps *service.DumpWriter
	if cfg.Portal.DumpDir != "" {
		dumps = service.NewDumpWriter(cfg.Portal.DumpDir, log)
	}
	gateway := service.NewPortalGatewayAdapter(client, mapper, subjectCache, dumps, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. SNAPSHOT-STORE, RENDERER UND KOORDINATOR
	// ─────────────────────────────────────────────────────────────────────────
	store := memory.NewSnapshotStore()
	renderer := render.NewRenderer(cfg.App.Language, log)

	coordinator := refresh.NewCoordinator(auth, gateway, store, bus, renderer, log, refresh.DefaultCoordinatorConfig())

	for _, accCfg := range cfg.Accounts {
		acc, err := student.NewAccount(accCfg.ID, accCfg.Login)
		if err != nil {
			return fmt.Errorf("invalid account %q: %w", accCfg.Login, err)
		}
		if err := acc.ApplyOptions(syncOptionsFromConfig(accCfg)); err != nil {
			return fmt.Errorf("invalid options for %q: %w", accCfg.Login, err)
		}
		if err := coordinator.Register(acc, accCfg.Password); err != nil {
			return fmt.Errorf("failed to register account %q: %w", accCfg.Login, err)
		}
	}
	log.Info("accounts registered", "count", len(cfg.Accounts))

	// ─────────────────────────────────────────────────────────────────────────
	// 9. SCHEDULER UND JOBS
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.NewScheduler(scheduler.SchedulerConfig{
			Logger:   log,
			Timezone: cfg.App.Location,
		})

		refreshJob := jobs.NewRefreshAccountsJob(coordinator, log, jobs.RefreshAccountsConfig{
			Concurrency: cfg.Scheduler.RefreshConcurrency,
			Timeout:     cfg.Scheduler.JobTimeout,
		})
		if err := sched.Register(refreshJob, scheduler.NewIntervalSchedule(cfg.Scheduler.RefreshInterval)); err != nil {
			return fmt.Errorf("failed to register refresh job: %w", err)
		}

		if journalRepo != nil {
			pruneJob := jobs.NewPruneJournalJob(journalRepo, log, jobs.PruneJournalConfig{
				RetentionDays: cfg.Scheduler.JournalRetentionDays,
				Timeout:       time.Minute,
			})
			if err := sched.Register(pruneJob, scheduler.NewIntervalSchedule(cfg.Scheduler.PruneInterval)); err != nil {
				return fmt.Errorf("failed to register prune job: %w", err)
			}
		}
	} else {
		log.Info("scheduler disabled, refreshes only via POST /refresh")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. HTTP-SERVER
	// ─────────────────────────────────────────────────────────────────────────
	var httpServer *httpserver.Server
	if cfg.HTTP.Enabled {
		httpCfg := httpserver.DefaultConfig()
		httpCfg.Host = cfg.HTTP.Host
		httpCfg.Port = cfg.HTTP.Port
		httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
		httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
		httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
		httpCfg.EnableCORS = cfg.HTTP.EnableCORS
		httpCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
		httpCfg.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute

		deps := httpserver.Dependencies{
			Store:     store,
			Refresher: coordinator,
			Renderer:  renderer,
			Logger:    log,
		}
		// Nil-Zeiger nicht in das Interface-Feld heben
		if dbConn != nil {
			deps.Database = dbConn
		}

		httpServer = httpserver.NewServer(httpCfg, deps)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. DIENSTE STARTEN
	// ─────────────────────────────────────────────────────────────────────────
	var httpErr <-chan error
	if httpServer != nil {
		log.Info("starting HTTP server", "address", httpServer.Address())
		httpErr = httpServer.StartAsync()
	}

	// Erstlauf im Hintergrund, damit kurz nach dem Start Daten bereitstehen
	go func() {
		if err := coordinator.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("initial refresh pass aborted", "error", err)
		}
	}()

	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	log.Info("schulsync daemon is running",
		"http", cfg.HTTP.Enabled,
		"scheduler", cfg.Scheduler.Enabled,
		"journal", journalRepo != nil,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 12. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-httpErr:
		if err != nil {
			log.Error("http server failed", "error", err)
			runErr = err
		}
	case <-ctx.Done():
		log.Info("root context cancelled")
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	// Reihenfolge: erst keine neuen Zyklen mehr, dann die Lesefläche,
	// Event-Bus, Redis und Datenbank schließen über die defers.
	if sched != nil {
		log.Info("stopping scheduler...")
		if err := sched.Stop(); err != nil {
			log.Error("failed to stop scheduler gracefully", "error", err)
		}
	}
	if httpServer != nil {
		log.Info("stopping HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop HTTP server gracefully", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// syncOptionsFromConfig übersetzt die Umgebungskonfiguration eines Kontos in
// die Domänenoptionen.
func syncOptionsFromConfig(acc config.AccountConfig) student.SyncOptions {
	return student.SyncOptions{
		FetchSchedule:    acc.FetchSchedule,
		FetchExams:       acc.FetchExams,
		FetchHomework:    acc.FetchHomework,
		FetchGrades:      acc.FetchGrades,
		WeeksAhead:       acc.WeeksAhead,
		HighlightChanges: acc.HighlightChanges,
		HideCancelled:    acc.HideCancelled,
		CooldownMinutes:  acc.CooldownMinutes,
		WriteDebugDumps:  acc.WriteDebugDumps,
	}
}

// portalHost liefert den Hostnamen für den Bundle-Cache-Schlüssel. Eine
// leere Basis-URL steht für das Produktionsportal.
func portalHost(baseURL string) string {
	if baseURL == "" {
		return "login.schulmanager-online.de"
	}
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return baseURL
}
