package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/audit"
	"github.com/basket/go-conductor/internal/breaker"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/gateway"
	"github.com/basket/go-conductor/internal/ingest"
	"github.com/basket/go-conductor/internal/notify"
	otelPkg "github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/reconcile"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/telemetry"
	"github.com/basket/go-conductor/internal/tracker"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the orchestrator daemon

SUBCOMMANDS:
  %s agents [-status S] [-owner K] [-limit N]
                              List agent records from the registry
  %s reconcile                Ask the running daemon for one reconcile pass
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run local preflight checks
  %s version                  Print the version

ENVIRONMENT VARIABLES:
  CONDUCTOR_HOME              Data directory (default: ~/.conductor)
  CONDUCTOR_AUTH_TOKEN        Gateway bearer token
  CONDUCTOR_TRACKER_TOKEN     Tracker API token
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "agents":
			os.Exit(runAgentsCommand(ctx, args[1:], os.Stdout))
		case "reconcile":
			os.Exit(runReconcileCommand(ctx, args[1:], os.Stdout))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "version":
			fmt.Println("conductor", otelPkg.Version)
			os.Exit(0)
		case "daemon":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// On a terminal the JSON log goes to the file only and a short banner is
	// printed instead.
	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit is initialised before the logger so E_LOGGER_INIT is audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.Gateway.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without an auth token", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.FromConfig(cfg.OTel))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	tracer := otelProvider.Tracer

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "db_opened", "path", cfg.DatabasePath())

	policyPath := filepath.Join(cfg.HomeDir, config.PolicyFileName)
	pol, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(pol)
	live := config.NewLive(cfg)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", livePolicy.PolicyVersion())

	rt, closeRuntime, err := newRuntime(ctx, cfg, store, logger)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer closeRuntime()

	trackerClient := tracker.NewClient(tracker.ClientConfig{
		Backend:           newTrackerBackend(cfg, logger),
		Policy:            livePolicy,
		Logger:            logger,
		Bus:               eventBus,
		MaxDependentItems: func() int { return live.Get().MaxDependentItems },
	})
	registry := agent.NewRegistry(agent.Config{
		Store:    store,
		Logger:   logger,
		MaxDepth: func() int { return live.Get().MaxDependencyDepth },
	})
	brk := breaker.New(breaker.Options{Bus: eventBus, Logger: logger})
	orch := engine.New(engine.Config{
		Registry:    registry,
		Runtime:     rt,
		Tracker:     trackerClient,
		Breaker:     brk,
		Policy:      livePolicy,
		Live:        live,
		Bus:         eventBus,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
		Credentials: credentialsFor(cfg),
	})

	ingestor, err := ingest.New(ingest.Config{
		Identity:    cfg.Identity,
		SelfAllow:   cfg.Ingest.SelfAllow,
		DedupWindow: cfg.Ingest.DedupWindow,
		DedupSize:   cfg.Ingest.DedupCapacity,
		Logger:      logger,
		Bus:         eventBus,
	})
	if err != nil {
		fatalStartup(logger, "E_INGEST_INIT", err)
	}
	pipeline, err := engine.NewPipeline(engine.PipelineConfig{
		Ingestor:     ingestor,
		Orchestrator: orch,
		Tracker:      trackerClient.Backend(),
		Conditions:   livePolicy,
		Live:         live,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_TRIGGER_RULES", err)
	}

	reconciler := reconcile.New(reconcile.Config{
		Orchestrator: orch,
		Registry:     registry,
		Tracker:      trackerClient,
		Runtime:      rt,
		Breaker:      brk,
		Live:         live,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	rep, err := reconciler.Rebuild(ctx)
	if err != nil {
		fatalStartup(logger, "E_REBUILD", err)
	}
	logger.Info("startup phase", "phase", "state_rebuilt",
		"checked", rep.Checked, "corrections", len(rep.Corrections), "errors", len(rep.Errors))
	reconciler.Start(ctx)

	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(notify.Config{
			Token:   cfg.Notify.Telegram.Token,
			ChatIDs: cfg.Notify.Telegram.ChatIDs,
			Bus:     eventBus,
			Logger:  logger,
		})
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
		} else if err := tg.Start(ctx); err != nil {
			logger.Error("telegram notifier failed to start", "error", err)
		} else {
			defer tg.Stop()
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go watchReloads(ctx, watcher, reloadTargets{
			live:     live,
			policy:   livePolicy,
			path:     policyPath,
			pipeline: pipeline,
			ingestor: ingestor,
			bus:      eventBus,
			logger:   logger,
		})
	}

	gw := gateway.New(gateway.Config{
		Intake:       pipeline,
		Registry:     registry,
		Pool:         orch,
		Breakers:     brk,
		Reconciler:   reconciler,
		Policy:       livePolicy,
		Bus:          eventBus,
		Live:         live,
		Logger:       logger,
		Tracer:       tracer,
		AuthToken:    cfg.Gateway.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		RateLimit:    cfg.Gateway.RateLimit,
	})
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_PORT_IN_USE", fmt.Errorf("%w\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTEN", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "bind_addr", cfg.BindAddr)
	if interactive {
		fmt.Printf("conductor %s listening on %s (logs: %s)\n", otelPkg.Version, cfg.BindAddr,
			filepath.Join(cfg.HomeDir, "logs", telemetry.LogFileName))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Intake stops first, then reconciliation, then queued actions drain,
	// then runners stop.
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	reconciler.Stop()
	pipeline.Close()
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	orch.Shutdown(drainTimeout)
	logger.Info("shutdown complete")
}

func newRuntime(ctx context.Context, cfg config.Config, store *persistence.Store, logger *slog.Logger) (runtime.Runtime, func(), error) {
	switch cfg.Runtime.Kind {
	case "genkit":
		g, err := runtime.NewGenkit(ctx, cfg.Runtime.Genkit, store, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("genkit runtime: %w", err)
		}
		return g, func() {}, nil
	default:
		d, err := runtime.NewDocker(cfg.Runtime.Docker, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("docker runtime: %w", err)
		}
		return d, func() { _ = d.Close() }, nil
	}
}

// newTrackerBackend returns the HTTP tracker when one is configured. Without
// one the daemon runs against an in-process tracker, which is only useful
// for local trials driven through /webhook.
func newTrackerBackend(cfg config.Config, logger *slog.Logger) tracker.Tracker {
	if cfg.Tracker.BaseURL == "" {
		logger.Warn("tracker.base_url not set; using the in-memory tracker")
		return tracker.NewMemory()
	}
	return tracker.NewHTTP(cfg.Tracker.BaseURL, cfg.Tracker.Token, cfg.Tracker.Timeout)
}

func credentialsFor(cfg config.Config) func(shared.Role) map[string]string {
	return func(shared.Role) map[string]string {
		if cfg.Tracker.Token == "" {
			return nil
		}
		return map[string]string{
			"TRACKER_URL":   cfg.Tracker.BaseURL,
			"TRACKER_TOKEN": cfg.Tracker.Token,
		}
	}
}

type reloadTargets struct {
	live     *config.Live
	policy   *policy.LivePolicy
	path     string
	pipeline *engine.Pipeline
	ingestor *ingest.Ingestor
	bus      *bus.Bus
	logger   *slog.Logger
}

// watchReloads applies config.yaml and policy.yaml edits. A file that fails
// to load leaves the previous version active.
func watchReloads(ctx context.Context, w *config.Watcher, t reloadTargets) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if err := applyReload(ev, t); err != nil {
				audit.Record(audit.DecisionDeny, "config.reload", "invalid_file", t.policy.PolicyVersion(), ev.Path)
				t.logger.Error("reload rejected; keeping previous version", "path", ev.Path, "error", err)
				continue
			}
			cfgHash := t.live.Get().Fingerprint()
			audit.Record(audit.DecisionAllow, "config.reload", "applied", t.policy.PolicyVersion(), ev.Path)
			t.logger.Info("reload applied", "path", ev.Path, "config_hash", cfgHash, "policy_version", t.policy.PolicyVersion())
			t.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
				Path:          ev.Path,
				ConfigHash:    cfgHash,
				PolicyVersion: t.policy.PolicyVersion(),
			})
		}
	}
}

func applyReload(ev config.ReloadEvent, t reloadTargets) error {
	if ev.IsPolicy() {
		return policy.ReloadFromFile(t.policy, t.path)
	}
	prev := t.live.Get()
	cfg, err := t.live.Reload()
	if err != nil {
		return err
	}
	if err := t.pipeline.ReloadRules(cfg); err != nil {
		t.live.Set(prev)
		return err
	}
	t.ingestor.SetSelfFilter(cfg.Identity, cfg.Ingest.SelfAllow)
	if cfg.Concurrency.MaxActive != prev.Concurrency.MaxActive {
		t.logger.Warn("concurrency.max_active changed; takes effect on restart",
			"running", prev.Concurrency.MaxActive, "configured", cfg.Concurrency.MaxActive)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.DecisionFatal, "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = func(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv loads KEY=VALUE pairs without overriding variables already set.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", path, err)
	}
}

// baseURL turns bind_addr into the daemon's http base URL.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.Default().BindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
