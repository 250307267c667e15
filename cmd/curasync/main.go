// curasync keeps an on-device record store of entities and curations in sync
// with a remote service. Local edits are recorded offline and pushed when the
// service is reachable; remote changes are pulled by version.
//
// Usage:
//
//	curasync setup                         # interactive first-run wizard
//	curasync daemon [--config <path>]      # bootstrap, then sync on a timer
//	curasync sync-once [--config ...]      # one full sync (pull + push) then exit
//	curasync push [--config ...]           # push pending changes only
//	curasync status [--json]               # pending, conflict and failed counts
//	curasync resolve <kind> <key> <local|server>
//	curasync requeue <kind> <key>          # retry a record parked as failed
//	curasync add-entity --type <t> --name <n>
//	curasync add-curation --entity <id> --curator <id>
//	curasync delete <kind> <key>
//	curasync serve-mock [--addr :8080]     # in-memory remote service for testing
//	curasync version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/curasync/internal/catalog"
	"github.com/njoerd114/curasync/internal/config"
	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/remote/memserver"
	"github.com/njoerd114/curasync/internal/setup"
	"github.com/njoerd114/curasync/internal/store"
	syncp "github.com/njoerd114/curasync/internal/sync"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by args[0].
func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup(ctx)
	case "daemon":
		return runDaemon(ctx, rest)
	case "sync-once":
		return runSyncOnce(ctx, rest, true)
	case "push":
		return runSyncOnce(ctx, rest, false)
	case "status":
		return runStatus(ctx, rest)
	case "resolve":
		return runResolve(ctx, rest)
	case "requeue":
		return runRequeue(ctx, rest)
	case "add-entity":
		return runAddEntity(ctx, rest)
	case "add-curation":
		return runAddCuration(ctx, rest)
	case "delete":
		return runDelete(ctx, rest)
	case "serve-mock":
		return runServeMock(ctx, rest)
	case "version":
		fmt.Println("curasync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'curasync help' for usage", cmd)
}

func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "curasync: offline-first sync of entities and curations")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  curasync setup                              Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  curasync daemon [--config ...]              Run continuously")
	fmt.Fprintln(os.Stderr, "  curasync sync-once [--config ...]           One full sync then exit")
	fmt.Fprintln(os.Stderr, "  curasync push [--config ...]                Push pending changes only")
	fmt.Fprintln(os.Stderr, "  curasync status [--json]                    Show sync state counts")
	fmt.Fprintln(os.Stderr, "  curasync resolve <kind> <key> <local|server> Settle a conflict")
	fmt.Fprintln(os.Stderr, "  curasync requeue <kind> <key>               Retry a failed record")
	fmt.Fprintln(os.Stderr, "  curasync add-entity --type <t> --name <n>   Create an entity")
	fmt.Fprintln(os.Stderr, "  curasync add-curation --entity <id> ...     Create a curation")
	fmt.Fprintln(os.Stderr, "  curasync delete <kind> <key>                Soft-delete a record")
	fmt.Fprintln(os.Stderr, "  curasync serve-mock [--addr :8080]          Run an in-memory remote service")
	fmt.Fprintln(os.Stderr, "  curasync version                            Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'curasync setup' to get started.")
	}
}

// commonFlags registers --config and --verbose on fs.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

// --- Subcommands -------------------------------------------------------------

func runSetup(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	cfgPath, err := config.DefaultPath()
	if err != nil {
		return err
	}
	return setup.NewWizard(os.Stdin, os.Stdout, logger, cfgPath, nil).Run(ctx)
}

func runDaemon(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose, daemon: true, probe: true})
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger

	// --- First-run bootstrap -------------------------------------------------
	// Started offline, the engine's timer runs the first full sync instead.

	if a.monitor.IsOnline() {
		bootstrap := syncp.NewBootstrap(a.engine, a.store, log, os.Stdout)
		if _, err := bootstrap.Run(ctx); err != nil {
			log.Error("first-run bootstrap failed, will pull on the next full sync", "error", err)
		}
		logResult(log, "startup sync", a.engine.FullSync(ctx))
	}

	// --- Connectivity-driven timer -------------------------------------------

	unsubscribe := a.monitor.Subscribe(a.engine)
	defer unsubscribe()
	if a.monitor.IsOnline() {
		a.engine.OnOnline(ctx)
	}

	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		a.monitor.Run(ctx, a.prober, a.cfg.ProbeInterval)
	}()

	log.Info("daemon started",
		"sync_interval", a.cfg.SyncInterval,
		"probe_interval", a.cfg.ProbeInterval,
		"online", a.monitor.IsOnline(),
	)
	<-ctx.Done()

	log.Info("shutting down")
	a.engine.Shutdown()
	<-probeDone
	log.Info("shutdown complete")
	return nil
}

func runSyncOnce(ctx context.Context, args []string, full bool) error {
	name := "push"
	if full {
		name = "sync-once"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose, probe: true})
	if err != nil {
		return err
	}
	defer a.close()

	var res syncp.Result
	if full {
		if _, err := syncp.NewBootstrap(a.engine, a.store, a.logger, os.Stdout).Run(ctx); err != nil && !errors.Is(err, syncp.ErrOffline) {
			return err
		}
		res = a.engine.FullSync(ctx)
	} else {
		res = a.engine.QuickSync(ctx)
	}
	logResult(a.logger, name, res)

	switch res.Status {
	case syncp.StatusOffline:
		return fmt.Errorf("%s: %w", name, syncp.ErrOffline)
	case syncp.StatusWithErrors:
		return fmt.Errorf("%s finished with %d error(s): %w", name, len(res.Errors), errors.Join(res.Errors...))
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	asJSON := fs.Bool("json", false, "print the status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose, probe: true})
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	online := "offline"
	if st.Online {
		online = "online"
	}
	fmt.Println("curasync status")
	fmt.Println("───────────────")
	fmt.Printf("  Config:     %s\n", *cfgPath)
	fmt.Printf("  Remote:     %s (%s)\n", a.cfg.RemoteURL, online)
	fmt.Printf("  Interval:   %s\n", a.cfg.SyncInterval)
	if info, err := os.Stat(dbPathOf(a.cfg)); err == nil {
		fmt.Printf("  Store:      %s (%s)\n", dbPathOf(a.cfg), humanSize(info.Size()))
	}
	fmt.Printf("  Pending:    %d (%d entities, %d curations)\n", st.Pending.Total, st.Pending.Entities, st.Pending.Curations)
	fmt.Printf("  Conflicts:  %d (%d entities, %d curations)\n", st.Conflicts.Total, st.Conflicts.Entities, st.Conflicts.Curations)
	fmt.Printf("  Failed:     %d (%d entities, %d curations)\n", st.Failed.Total, st.Failed.Entities, st.Failed.Curations)
	fmt.Printf("  Last pull:  %s\n", formatWhen(st.LastSync.Pull))
	fmt.Printf("  Last push:  %s\n", formatWhen(st.LastSync.Push))
	return nil
}

func runResolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: curasync resolve <kind> <key> <local|server>")
	}
	kind, err := model.ParseKind(fs.Arg(0))
	if err != nil {
		return err
	}
	choice, err := model.ParseChoice(fs.Arg(2))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose, probe: true})
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.engine.Resolve(ctx, kind, fs.Arg(1), choice)
	if err != nil {
		return fmt.Errorf("resolving %s %s: %w", kind, fs.Arg(1), err)
	}
	if rec == nil || rec.Tombstone() {
		fmt.Printf("✓ %s %s resolved with the %s copy (deleted)\n", kind, fs.Arg(1), choice)
		return nil
	}
	fmt.Printf("✓ %s %s resolved with the %s copy, now at version %d\n", kind, fs.Arg(1), choice, rec.Meta().Version)
	return nil
}

func runRequeue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: curasync requeue <kind> <key>")
	}
	kind, err := model.ParseKind(fs.Arg(0))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose})
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.engine.Requeue(ctx, kind, fs.Arg(1)); err != nil {
		return fmt.Errorf("requeueing %s %s: %w", kind, fs.Arg(1), err)
	}
	fmt.Printf("✓ %s %s queued for the next push\n", kind, fs.Arg(1))
	return nil
}

func runAddEntity(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-entity", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	id := fs.String("id", "", "business key (generated when empty)")
	typ := fs.String("type", string(model.EntityRestaurant), "entity type")
	name := fs.String("name", "", "display name")
	status := fs.String("status", string(model.StatusActive), "entity status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose})
	if err != nil {
		return err
	}
	defer a.close()

	e, err := a.catalog.CreateEntity(ctx, catalog.EntityInput{
		EntityID: *id,
		Type:     model.EntityType(*typ),
		Name:     *name,
		Status:   model.EntityStatus(*status),
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ entity %s created (pending push)\n", e.EntityID)
	return nil
}

func runAddCuration(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-curation", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	id := fs.String("id", "", "business key (generated when empty)")
	entity := fs.String("entity", "", "entity the curation is about")
	curator := fs.String("curator", "", "curator id")
	category := fs.String("category", "", "category")
	notes := fs.String("notes", "", "free-form notes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose})
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.catalog.CreateCuration(ctx, catalog.CurationInput{
		CurationID: *id,
		EntityID:   *entity,
		CuratorID:  *curator,
		Category:   *category,
		Notes:      *notes,
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ curation %s created (pending push)\n", c.CurationID)
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: curasync delete <kind> <key>")
	}
	kind, err := model.ParseKind(fs.Arg(0))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{cfgPath: *cfgPath, verbose: *verbose})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.catalog.Delete(ctx, kind, fs.Arg(1)); err != nil {
		return err
	}
	fmt.Printf("✓ %s %s deleted (pending push)\n", kind, fs.Arg(1))
	return nil
}

func runServeMock(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve-mock", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	token := fs.String("token", "", "required bearer token (empty accepts any)")
	verbose := fs.Bool("verbose", false, "log every request")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(os.Stderr, *verbose, false)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           memserver.New(memserver.WithToken(*token), memserver.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("mock remote service listening", "addr", *addr)

	select {
	case err := <-errc:
		return fmt.Errorf("serving mock remote: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stopping mock remote: %w", err)
	}
	logger.Info("mock remote service stopped")
	return nil
}

// --- Helpers -----------------------------------------------------------------

func logResult(log *slog.Logger, what string, res syncp.Result) {
	log.Info(what+" complete",
		"status", res.Status,
		"pulled", res.Pulled(),
		"pushed", res.Pushed(),
		"conflicts", res.Conflicts(),
		"failed", res.Failed(),
		"errors", len(res.Errors),
		"duration", res.Duration,
	)
}

func dbPathOf(cfg *config.Config) string {
	if cfg.DBPath != "" {
		return cfg.DBPath
	}
	p, _ := store.DefaultDBPath()
	return p
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.DateTime), time.Since(t).Round(time.Second))
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
