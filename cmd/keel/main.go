package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/api"
	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/blob"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/entity"
	"github.com/Mindburn-Labs/keel/pkg/eventstore"
	"github.com/Mindburn-Labs/keel/pkg/intent"
	"github.com/Mindburn-Labs/keel/pkg/migrate"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/projection"
	"github.com/Mindburn-Labs/keel/pkg/registry"
	"github.com/Mindburn-Labs/keel/pkg/rules"
	"github.com/Mindburn-Labs/keel/pkg/snapshot"
	"github.com/Mindburn-Labs/keel/pkg/subscription"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServe is a variable so command tests can stub the server out.
var startServe = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServe()
	}

	switch args[1] {
	case "serve", "server":
		return startServe()
	case "migrate":
		return runMigrateCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "keel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return startServe()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%skeel %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sThe event log is the system of record.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  keel <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the keel server (default)")
	printCommand(w, "health", "Check a running server over HTTP")

	printSection(w, "DATABASE")
	printCommand(w, "migrate", "Apply pending migrations and exit")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

//nolint:gocognit,gocyclo
func runServer() int {
	ctx := context.Background()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	fmt.Fprintf(os.Stdout, "%skeel %s starting...%s\n", ColorBold+ColorBlue, version, ColorReset)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Printf("[keel] database open failed: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		log.Printf("[keel] database ping failed: %v", err)
		return 1
	}
	log.Printf("[keel] %s: connected", db.Dialect())

	applied, err := migrate.Up(ctx, db)
	if err != nil {
		log.Printf("[keel] migrate: %v", err)
		return 1
	}
	log.Printf("[keel] migrations: %d applied", applied)

	reg := registry.New()
	if err := intent.RegisterDefaultSchemas(ctx, db, reg); err != nil {
		log.Printf("[keel] register default schemas: %v", err)
		return 1
	}
	log.Println("[keel] registry: ready")

	eng, err := rules.NewEngine()
	if err != nil {
		log.Printf("[keel] rules engine: %v", err)
		return 1
	}
	loaded, err := intent.LoadDefaultRules(eng)
	if err != nil {
		log.Printf("[keel] load default rules: %v", err)
		return 1
	}
	if cfg.RulesDir != "" {
		extra, err := eng.LoadFS(os.DirFS(cfg.RulesDir), ".")
		if err != nil {
			log.Printf("[keel] load rules from %s: %v", cfg.RulesDir, err)
			return 1
		}
		loaded += extra
	}
	log.Printf("[keel] rules: %d rulesets loaded", loaded)

	events := eventstore.New()
	entities := entity.New()
	projections := projection.NewEngine(events)
	if err := projections.Register(projection.NewVendorList(), projection.VendorListTable); err != nil {
		log.Printf("[keel] register vendor projection: %v", err)
		return 1
	}
	if err := projections.Register(projection.NewItemList(), projection.ItemListTable); err != nil {
		log.Printf("[keel] register item projection: %v", err)
		return 1
	}
	log.Println("[keel] projections: ready")

	environment := "production"
	if cfg.JWTSecret == "" {
		environment = "development"
	}
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTELEnabled,
		Insecure:       true,
	})
	if err != nil {
		log.Printf("[keel] observability: %v", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shCtx); err != nil {
			log.Printf("[keel] observability shutdown: %v", err)
		}
	}()
	if cfg.OTELEnabled {
		log.Printf("[keel] telemetry: exporting to %s", cfg.OTELEndpoint)
	}

	pipeline := intent.NewPipeline(intent.Deps{
		DB:          db,
		Events:      events,
		Entities:    entities,
		Registry:    reg,
		Rules:       eng,
		Projections: projections,
	}, intent.WithLogger(logger), intent.WithTelemetry(obs))
	handlers, err := intent.DefaultHandlers(entities)
	if err != nil {
		log.Printf("[keel] build handlers: %v", err)
		return 1
	}
	if err := pipeline.Register(handlers...); err != nil {
		log.Printf("[keel] register handlers: %v", err)
		return 1
	}
	log.Printf("[keel] pipeline: %d intent types", len(pipeline.IntentTypes()))

	snapOpts := []snapshot.Option{snapshot.WithLogger(logger)}
	if cfg.SnapshotArchive != "" {
		archive, err := blob.NewStore(ctx, cfg.SnapshotArchive)
		if err != nil {
			log.Printf("[keel] snapshot archive: %v", err)
			return 1
		}
		snapOpts = append(snapOpts, snapshot.WithArchive(archive))
		log.Printf("[keel] snapshot archive: %s", cfg.SnapshotArchive)
	}
	snapshots := snapshot.New(db, projections, events, snapOpts...)

	subscriptions := subscription.New(db, events)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if verifier.DevMode() {
		log.Println("[keel] auth: dev mode, token verification disabled")
	}

	var limiter api.Limiter
	if cfg.RateLimitRPS > 0 {
		if cfg.RedisAddr != "" {
			limiter = api.NewRedisLimiter(cfg.RedisAddr, cfg.RateLimitRPS, cfg.RateLimitBurst)
			log.Printf("[keel] rate limit: %.1f rps via redis %s", cfg.RateLimitRPS, cfg.RedisAddr)
		} else {
			limiter = api.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
			log.Printf("[keel] rate limit: %.1f rps local", cfg.RateLimitRPS)
		}
	}

	server := api.NewServer(api.Deps{
		DB:            db,
		Pipeline:      pipeline,
		Events:        events,
		Registry:      reg,
		Projections:   projections,
		Snapshots:     snapshots,
		Subscriptions: subscriptions,
		Verifier:      verifier,
		Limiter:       limiter,
		Telemetry:     obs,
		Version:       version,
	}, api.WithLogger(logger))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[keel] ready: http://localhost:%s", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[keel] server: %v", err)
			return 1
		}
	case sig := <-sigCh:
		log.Printf("[keel] %s: shutting down", sig)
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shCtx); err != nil {
			log.Printf("[keel] shutdown: %v", err)
			return 1
		}
	}

	log.Println("[keel] stopped")
	return 0
}

func runMigrateCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	db, err := database.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(stderr, "ping database: %v\n", err)
		return 1
	}

	applied, err := migrate.Up(ctx, db)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%d migrations applied\n", applied)
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", cfg.Port))
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "OK")
	return 0
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
