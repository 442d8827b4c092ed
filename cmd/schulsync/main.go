// Package main - Einmalabruf über die Kommandozeile.
//
// schulsync lädt die Konfiguration, führt genau einen Aktualisierungszyklus
// aus und druckt die gerenderten Ansichten auf die Standardausgabe:
// Tagesplan, offene Hausaufgaben, nächste Prüfung und Notenschnitt je
// Schüler, danach die Änderungszusammenfassungen. Logs gehen nach stderr,
// damit die Ausgabe sauber in Pipes und Cron-Mails landet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schulhub/schulsync/config"
	"github.com/schulhub/schulsync/internal/application/refresh"
	"github.com/schulhub/schulsync/internal/application/render"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/internal/infrastructure/external/schulmanager"
	"github.com/schulhub/schulsync/internal/infrastructure/messaging"
	"github.com/schulhub/schulsync/internal/infrastructure/persistence/memory"
	"github.com/schulhub/schulsync/internal/infrastructure/service"
	"github.com/schulhub/schulsync/pkg/logger"
	"github.com/schulhub/schulsync/pkg/timeutil"
)

func main() {
	accountFlag := flag.String("account", "", "nur dieses Konto abrufen (Standard: alle)")
	dayFlag := flag.String("day", "", "Stundenplan für dieses Datum rendern (YYYY-MM-DD, Standard: heute)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *accountFlag, *dayFlag); err != nil {
		fmt.Fprintf(os.Stderr, "schulsync: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, accountID, day string) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. KONFIGURATION UND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Options{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Debug:  cfg.App.Debug,
		Output: os.Stderr,
	})

	loc := timeutil.BerlinTZ()
	now := time.Now().In(loc)

	date := shared.DateOf(now)
	if day != "" {
		parsed, err := time.ParseInLocation("2006-01-02", day, loc)
		if err != nil {
			return fmt.Errorf("invalid -day %q: %w", day, err)
		}
		date = shared.DateOf(parsed)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. PORTAL-CLIENT UND GATEWAY
	// Der Einmalabruf bleibt bewusst schlank: kein Journal, keine geteilten
	// Caches, kein Scheduler.
	// ─────────────────────────────────────────────────────────────────────────
	clientCfg := schulmanager.DefaultClientConfig(cfg.Portal.BaseURL)
	clientCfg.Timeout = cfg.Portal.RequestTimeout
	clientCfg.Logger = log
	clientCfg.Debug = cfg.App.Debug
	clientCfg.UserAgent = cfg.Portal.UserAgent
	client := schulmanager.NewClient(clientCfg)

	auth := schulmanager.NewAuthenticator(client, cfg.Portal.SchoolIDs, log)
	mapper := schulmanager.NewMapper()

	var dumps *service.DumpWriter
	if cfg.Portal.DumpDir != "" {
		dumps = service.NewDumpWriter(cfg.Portal.DumpDir, log)
	}
	gateway := service.NewPortalGatewayAdapter(client, mapper, nil, dumps, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. KOORDINATOR
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = log
	// Synchron, damit alle Nebenwirkungen vor dem Prozessende fertig sind
	busCfg.AsyncMode = false
	bus := messaging.NewInMemoryEventBus(busCfg)
	defer func() { _ = bus.Close() }()

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

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EIN ZYKLUS
	// ─────────────────────────────────────────────────────────────────────────
	ids := coordinator.AccountIDs()
	if accountID != "" {
		ids = []string{accountID}
	}

	var runErr error
	for _, id := range ids {
		if err := coordinator.RunScheduledRefresh(ctx, id); err != nil {
			log.Error("refresh failed", "account_id", id, "error", err)
			if runErr == nil {
				runErr = fmt.Errorf("refresh %q: %w", id, err)
			}
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. AUSGABE
	// Auch nach einem Teilfehler wird gedruckt, was da ist.
	// ─────────────────────────────────────────────────────────────────────────
	for _, id := range ids {
		printAccount(coordinator, store, renderer, id, date, now, len(ids) > 1)
	}

	return runErr
}

// printAccount druckt die Schülerberichte und Zusammenfassungen eines Kontos.
func printAccount(
	coordinator *refresh.Coordinator,
	store snapshot.Store,
	renderer *render.Renderer,
	accountID string,
	date shared.ISODate,
	now time.Time,
	multi bool,
) {
	snap, ok := store.Latest(accountID)
	if !ok {
		fmt.Printf("%s: keine Daten\n", accountID)
		return
	}

	if multi {
		fmt.Printf("══ %s ══\n\n", accountID)
	}

	opts := render.LineOptions{Highlight: true}
	if o, err := coordinator.Options(accountID); err == nil {
		opts.Highlight = o.HighlightChanges
		opts.HideCancelled = o.HideCancelled
	}

	for _, ss := range snap.Sorted() {
		fmt.Println(renderer.StudentReport(ss, date, now, opts))
		fmt.Println()
	}

	for _, cat := range snapshot.AllCategories() {
		for _, line := range snap.Summaries[string(cat)] {
			fmt.Println(line)
		}
	}
}

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
