package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/castellandev/majordomo/internal/agent"
	"github.com/castellandev/majordomo/internal/config"
	"github.com/castellandev/majordomo/internal/convstore"
	"github.com/castellandev/majordomo/internal/integrations"
	"github.com/castellandev/majordomo/internal/provider"
	"github.com/castellandev/majordomo/internal/sandbox"
	"github.com/castellandev/majordomo/internal/schedule"
	"github.com/castellandev/majordomo/internal/tools"
	"github.com/castellandev/majordomo/internal/transport"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("majordomo %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `majordomo

Usage:
  majordomo init [flags]
  majordomo run [flags]
  majordomo version

Commands:
  init        Write a starter config file.
  run         Run the assistant using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	workspace := fs.String("workspace", "", "Sandbox root for file tools (required)")
	providerType := fs.String("provider", "anthropic", "Provider type: openai|anthropic|openai_compatible")
	model := fs.String("model", "", "Model name (required)")
	baseURL := fs.String("base-url", "", "Provider base URL (required for openai_compatible)")
	apiKeyEnv := fs.String("api-key-env", "", "Env var holding the API key (default per provider type)")
	listen := fs.String("listen", "", "HTTP listen address (default 127.0.0.1:7777)")
	seedFile := fs.String("seed-file", "", "YAML file of scheduled actions imported at startup")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *workspace == "" || *model == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		Listen:    *listen,
		Workspace: *workspace,
		Provider: config.ProviderConfig{
			Type:      *providerType,
			Model:     *model,
			BaseURL:   *baseURL,
			APIKeyEnv: *apiKeyEnv,
		},
		SeedFile:  *seedFile,
		LogFormat: *logFormat,
		LogLevel:  *logLevel,
	}

	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutdown requested")
		cancel()
	}()

	if err := run(ctx, cfg, path, log); err != nil && ctx.Err() == nil {
		log.Error("exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cfgPath string, log *slog.Logger) error {
	dataDir := cfg.EffectiveDataDir(cfgPath)

	conversations, err := convstore.Open(filepath.Join(dataDir, "conversations.db"))
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer func() { _ = conversations.Close() }()

	sched, err := schedule.Open(filepath.Join(dataDir, "schedule.db"))
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}
	defer func() { _ = sched.Close() }()

	box, err := sandbox.New(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("init workspace sandbox: %w", err)
	}

	registry := tools.NewRegistry()
	tools.RegisterFileTools(registry, box)
	tools.RegisterNoteTools(registry, box, time.Now)
	tools.RegisterSystemTool(registry)

	var clients tools.Integrations
	if key := cfg.Integrations.WebSearchAPIKey(); key != "" {
		clients.Web = integrations.NewBraveWeb(key)
		log.Info("web search enabled")
	}
	tools.RegisterIntegrationTools(registry, clients)

	llm, err := provider.New(cfg.Provider.Type, cfg.Provider.BaseURL, cfg.Provider.APIKey())
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	runner := &agent.Runner{
		Provider:        llm,
		Registry:        registry,
		Store:           conversations,
		Log:             log.With("component", "agent"),
		Model:           cfg.Provider.Model,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		MaxIterations:   cfg.Agent.EffectiveMaxIterations(),
		ToolTimeout:     cfg.Agent.EffectiveToolTimeout(),
		ProviderTimeout: cfg.Agent.EffectiveProviderTimeout(),
		MaxToolParallel: cfg.Agent.EffectiveMaxToolParallel(),
	}

	if cfg.SeedFile != "" {
		if err := schedule.ImportSeedFile(ctx, sched, cfg.SeedFile, log); err != nil {
			return fmt.Errorf("import seed file: %w", err)
		}
	}

	defaultScope := tools.PermissionSetFromStrings(cfg.Permissions)
	if len(defaultScope) == 0 {
		defaultScope = nil // full registry
	}

	scheduler := &schedule.Scheduler{
		Store:          sched,
		Runner:         scheduledRunner(runner, conversations, defaultScope),
		Log:            log.With("component", "scheduler"),
		TickInterval:   cfg.Scheduler.EffectiveTick(),
		MaxRunsPerHour: cfg.Scheduler.EffectiveMaxRunsPerHour(),
		RetryBase:      cfg.Scheduler.EffectiveRetryBase(),
	}

	schedulerDone := make(chan error, 1)
	go func() { schedulerDone <- scheduler.Start(ctx) }()

	server := &transport.Server{
		Runner:        runner,
		Conversations: conversations,
		Schedule:      sched,
		Log:           log.With("component", "http"),
		Allowed:       defaultScope,
	}

	httpServer := &http.Server{
		Addr:              cfg.EffectiveListen(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpDone := make(chan error, 1)
	go func() { httpDone <- httpServer.ListenAndServe() }()
	log.Info("majordomo started", "listen", httpServer.Addr, "workspace", box.Root(), "provider", cfg.Provider.Type, "model", cfg.Provider.Model)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-httpDone:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	<-schedulerDone

	return serveErr
}

// scheduledRunner adapts the agent to the scheduler: one attempt = one fresh
// scheduled conversation running the action's prompt under its permission
// tags. An action without tags falls back to the server's default scope.
func scheduledRunner(runner *agent.Runner, conversations *convstore.Store, defaultScope tools.PermissionSet) schedule.RunnerFunc {
	return func(ctx context.Context, action schedule.Action) (schedule.Outcome, error) {
		conv, err := conversations.CreateConversation(ctx, convstore.Conversation{
			Source: convstore.SourceScheduled,
			Title:  action.Name,
		})
		if err != nil {
			return schedule.Outcome{}, fmt.Errorf("create conversation: %w", err)
		}

		allowed := defaultScope
		if len(action.Permissions) > 0 {
			allowed = tools.PermissionSetFromStrings(action.Permissions)
		}

		out := schedule.Outcome{ConversationID: conv.ID}
		for ev := range runner.Run(ctx, agent.RunRequest{
			ConversationID: conv.ID,
			UserMessage:    action.Prompt,
			Allowed:        allowed,
		}) {
			switch ev.Type {
			case agent.EventEnd:
				if ev.Result != nil {
					out.Result = ev.Result.Text
				}
			case agent.EventError:
				if ev.Err != nil {
					return out, ev.Err
				}
				return out, errors.New("run failed")
			}
		}
		return out, nil
	}
}
