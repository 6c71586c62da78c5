// Command agentstart runs the example agent server: an HTTP RPC surface
// over a single configured agent, with pluggable memory, KV, and sandbox
// backends.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/agentstart/agentstart"
	"github.com/agentstart/agentstart/internal/config"
	"github.com/agentstart/agentstart/internal/sweep"
	"github.com/agentstart/agentstart/kv/redis"
	"github.com/agentstart/agentstart/memory/inmem"
	"github.com/agentstart/agentstart/memory/postgres"
	"github.com/agentstart/agentstart/memory/sqlite"
	"github.com/agentstart/agentstart/observer"
	"github.com/agentstart/agentstart/provider/resolve"
	"github.com/agentstart/agentstart/sandbox/docker"
	"github.com/agentstart/agentstart/sandbox/local"
	"github.com/agentstart/agentstart/tools/file"
	"github.com/agentstart/agentstart/tools/shell"
	"github.com/agentstart/agentstart/tools/todo"
)

const defaultInstructions = `You are a coding agent working inside a sandboxed workspace.
Use the available tools to read, write, and run code. Keep changes small
and verify them before reporting back.`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load(os.Getenv("AGENTSTART_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []agentstart.Option{agentstart.WithLogger(logger)}

	// Tracing.
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
		opts = append(opts, agentstart.WithTracer(observer.NewTracer()))
	}

	// Memory adapter.
	switch cfg.Memory.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Memory.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		adapter := postgres.New(pool, postgres.WithLogger(logger))
		if err := adapter.Init(ctx); err != nil {
			return err
		}
		opts = append(opts, agentstart.WithMemory(adapter))
	case "inmem":
		opts = append(opts, agentstart.WithMemory(inmem.New()))
	default:
		adapter := sqlite.New(cfg.Memory.Path, sqlite.WithLogger(logger))
		if err := adapter.Init(ctx); err != nil {
			return err
		}
		defer adapter.Close()
		opts = append(opts, agentstart.WithMemory(adapter))
	}

	// Lease store.
	if cfg.KV.Driver == "redis" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.KV.RedisAddr})
		defer rdb.Close()
		opts = append(opts, agentstart.WithKV(redis.New(rdb)))
	}

	// Sandbox provisioner.
	var provisioner agentstart.Provisioner
	switch cfg.Sandbox.Driver {
	case "docker":
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return err
		}
		defer cli.Close()
		provisioner = docker.NewProvisioner(cli,
			docker.WithImage(cfg.Sandbox.Image),
			docker.WithWorkDir(cfg.Sandbox.WorkDir))
	default:
		provisioner = local.NewProvisioner(cfg.Sandbox.Root)
	}
	opts = append(opts, agentstart.WithSandbox(provisioner))

	// Provider.
	provider, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
	})
	if err != nil {
		return err
	}

	instructions := cfg.Agent.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	workDir := cfg.Sandbox.WorkDir
	if cfg.Sandbox.Driver != "docker" {
		// Local sandboxes are rooted at the workspace directory itself.
		workDir = "."
	}

	agent, err := agentstart.New(agentstart.Config{
		Instructions:        instructions,
		AgentsMDPrompt:      cfg.Agent.AgentsMDPrompt,
		Provider:            provider,
		Tools:               []agentstart.Tool{file.New(), shell.New(), todo.New()},
		StopWhen:            agentstart.StepCountIs(cfg.Agent.MaxSteps),
		GenerateTitle:       &agentstart.TitleConfig{},
		GenerateSuggestions: &agentstart.SuggestionsConfig{},
		AutoStopDelay:       cfg.AutoStop(),
		Timeout:             cfg.Timeout(),
		ParallelTools:       cfg.Agent.ParallelTools,
		AppName:             cfg.Agent.AppName,
		BaseURL:             cfg.Server.BaseURL,
		WorkDir:             workDir,
		Commit: agentstart.CommitConfig{
			UserName:  cfg.Agent.CommitName,
			UserEmail: cfg.Agent.CommitEmail,
		},
	}, opts...)
	if err != nil {
		return err
	}

	// Reclaim sandboxes whose lease lapsed while no stream was running.
	sweeper := sweep.New(agent.Memory(), agent.Leases(), provisioner, agent.Leases().TTL(), logger)
	go sweeper.Run(ctx)

	server := agentstart.NewServer(agent, headerUser)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("agentstart server listening", "addr", cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// headerUser trusts the X-User-ID header. The example server is meant to
// sit behind an authenticating proxy; replace this with real session
// resolution in production.
func headerUser(r *http.Request) (string, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return "", agentstart.ErrUnauthorized
	}
	return id, nil
}
