package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uesteibar/autoflow/internal/autoflow/agents"
	"github.com/uesteibar/autoflow/internal/autoflow/config"
	"github.com/uesteibar/autoflow/internal/autoflow/credentials"
	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/executor"
	"github.com/uesteibar/autoflow/internal/autoflow/gateway"
	ghclient "github.com/uesteibar/autoflow/internal/autoflow/github"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/metrics"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/processor"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/ratelimit"
	"github.com/uesteibar/autoflow/internal/autoflow/retry"
	"github.com/uesteibar/autoflow/internal/autoflow/sandbox"
	"github.com/uesteibar/autoflow/internal/autoflow/scheduler"
	"github.com/uesteibar/autoflow/internal/autoflow/server"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
	"github.com/uesteibar/autoflow/internal/autoflow/webhook"
)

const (
	agentTimeout       = 10 * time.Minute
	housekeepingPeriod = time.Hour
	shutdownTimeout    = 15 * time.Second
)

type serveOptions struct {
	addr      string
	logFormat string
	logLevel  string
	linearURL string
	githubURL string
}

func serveCmd(configPath *string) *cobra.Command {
	opts := serveOptions{
		linearURL: os.Getenv("AUTOFLOW_LINEAR_URL"),
		githubURL: os.Getenv("AUTOFLOW_GITHUB_URL"),
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, processor, webhook endpoint, and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(os.Stderr, opts.logFormat, opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config (run `autoflow init` to create one): %w", err)
			}
			if opts.addr != "" {
				cfg.Server.Addr = opts.addr
			}
			issues := cfg.Validate()
			for _, issue := range issues {
				logger.Warn("config", "issue", issue)
			}
			if errs := config.Errors(issues); len(errs) > 0 {
				return fmt.Errorf("invalid config %s: %s", *configPath, strings.Join(errs, "; "))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, filepath.Dir(*configPath), opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Address to listen on (overrides server.addr)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.linearURL, "linear-url", opts.linearURL, "Override Linear API endpoint (env: AUTOFLOW_LINEAR_URL)")
	cmd.Flags().StringVar(&opts.githubURL, "github-url", opts.githubURL, "Override GitHub API endpoint (env: AUTOFLOW_GITHUB_URL)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, configDir string, opts serveOptions, logger *slog.Logger) error {
	// --- 1. Credentials and database ---
	creds, err := credentials.Resolve(configDir, cfg.CredentialsProfile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = db.DefaultPath(); err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()
	conn := database.Conn()

	// --- 2. Live feed and metrics ---
	hub := server.NewHub(logger)
	m := metrics.New()

	// --- 3. Rate-limited gateway ---
	limit := ratelimit.NewState(database, logger)
	limit.OnSet = func(resetAt time.Time) {
		hub.Publish(server.MsgRateLimited, map[string]string{"reset_at": resetAt.UTC().Format(time.RFC3339)})
	}
	var linearOpts []linear.Option
	if opts.linearURL != "" {
		linearOpts = append(linearOpts, linear.WithEndpoint(opts.linearURL))
	}
	gw := gateway.New(gateway.Config{
		Tokens:        creds.Source(),
		ClientOptions: linearOpts,
		Limit:         limit,
		MaxRetries:    cfg.Gateway.MaxRetries,
		Backoff:       retry.Backoff{Base: cfg.Gateway.BackoffBase, Cap: cfg.Gateway.BackoffCap, Jitter: 0.25},
		Metrics:       m,
		Logger:        logger,
	})

	teamID, botUserID := resolveIdentity(ctx, gw, cfg.Linear.TeamID, logger)

	// --- 4. Stores ---
	mir := mirror.New(conn, mirror.TTLs{
		Tickets:        cfg.Mirror.Tickets,
		Comments:       cfg.Mirror.Comments,
		Labels:         cfg.Mirror.Labels,
		WorkflowStates: cfg.Mirror.WorkflowStates,
	})
	queueOpts := queue.Options{
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryBackoff: retry.Backoff{Base: cfg.Queue.RetryBase, Cap: cfg.Queue.RetryCap, Jitter: 0.25},
		Metrics:      m,
		Logger:       logger,
	}
	workflow := queue.NewWorkflow(conn, queueOpts)
	execution := queue.NewExecution(conn, queueOpts)
	sessions := queue.NewSessions(conn)
	registry := scheduler.NewRegistry(conn)

	machine := statemachine.New(database, statemachine.Config{
		Metrics: m,
		Logger:  logger,
		OnTransition: func(ev statemachine.Event) {
			hub.Publish(server.MsgStateChanged, ev)
		},
	})
	tags := statemachine.NewTagSyncer(gw, mir, logger)

	// --- 5. Recover work interrupted by the last shutdown ---
	recoverOrphans(ctx, workflow, execution, logger)

	// --- 6. Collaborators ---
	runner := executor.New(executor.Config{
		Command:     cfg.Execution.Command,
		Timeout:     cfg.Execution.Timeout,
		GracePeriod: cfg.Execution.GracePeriod,
		MaxTurns:    cfg.Execution.MaxTurns,
		Logger:      logger,
	})
	claude := agents.NewClaude(agents.CLICompleter{
		Exec: executor.New(executor.Config{
			Command:     cfg.Execution.Command,
			Timeout:     agentTimeout,
			GracePeriod: cfg.Execution.GracePeriod,
			Logger:      logger,
		}),
		Dir: cfg.Repo.LocalPath,
	}, agents.ClaudeConfig{TemplateDir: cfg.Repo.TemplateDir, Logger: logger})

	prs, err := newGithubClient(creds, opts.githubURL, cfg.Github,
		retry.Backoff{Base: cfg.Gateway.BackoffBase, Cap: cfg.Gateway.BackoffCap, Jitter: 0.25})
	if err != nil {
		return err
	}

	// --- 7. Processor and scheduler ---
	wake := make(chan struct{}, 1)
	proc := processor.New(processor.Deps{
		Tracker:   gw,
		Mirror:    mir,
		Workflow:  workflow,
		Execution: execution,
		Sessions:  sessions,
		Machine:   machine,
		Tags:      tags,
		Registry:  registry,
		Agents: processor.Agents{
			Scorer:       claude,
			Refiner:      claude,
			Consolidator: claude,
			Prompter:     claude,
			Planner:      claude,
		},
		Codebase: agents.ContextBuilder{
			Root:     cfg.Repo.LocalPath,
			Globs:    cfg.Repo.ContextGlobs,
			DocFiles: cfg.Repo.DocFiles,
		},
		Runner: runner,
		Sandboxes: sandbox.New(sandbox.Config{
			RepoPath:     cfg.Repo.LocalPath,
			Root:         cfg.Worktrees(),
			BaseBranch:   cfg.Repo.DefaultBase,
			BranchPrefix: cfg.Repo.BranchPrefix,
			CopyPatterns: cfg.Repo.CopyPatterns,
			Logger:       logger,
		}),
		Pusher: processor.Git{},
		PRs:    prs,
		DB:     database,
	}, processor.Config{
		TeamID:       teamID,
		Owner:        cfg.Github.Owner,
		Repo:         cfg.Github.Repo,
		Constraints:  cfg.Repo.Constraints,
		TickInterval: cfg.Processor.TickInterval,
		Slots:        cfg.Execution.Slots,
		MaxPRRetries: cfg.Execution.MaxPRRetries,
		PRRetryDelay: cfg.Execution.PRRetryDelay,
		StartedState: cfg.Linear.StartedState,
		ReviewState:  cfg.Linear.ReviewState,
		OnTask: func(ev processor.TaskEvent) {
			hub.Publish(server.MsgTaskSettled, ev)
		},
		Wake:    wake,
		Metrics: m,
		Logger:  logger,
	})

	sched := scheduler.New(scheduler.Deps{
		Gateway:   gw,
		Mirror:    mir,
		Workflow:  workflow,
		Execution: execution,
		Machine:   machine,
		Registry:  registry,
	}, scheduler.Config{
		TeamID:            teamID,
		LabelFilter:       cfg.Linear.LabelFilter,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		FullSyncInterval:  cfg.Scheduler.FullSyncInterval,
		RecentWindow:      cfg.Queue.RecentWindow,
		TerminalRetention: cfg.Queue.TerminalRetention,
		PageSize:          cfg.Scheduler.PageSize,
		Logger:            logger,
	})

	// --- 8. Webhook router and HTTP server ---
	secret := creds.WebhookSecret
	if secret == "" {
		secret = cfg.Linear.WebhookSecret
	}
	if secret == "" {
		logger.Warn("no webhook secret configured, signatures will not be checked")
	}
	router := webhook.New(webhook.Deps{
		Tracker:  gw,
		Mirror:   mir,
		Workflow: workflow,
		Machine:  machine,
		Registry: registry,
		DB:       database,
		Tags:     tags,
	}, webhook.Config{
		TeamID:        teamID,
		Secret:        secret,
		BotName:       cfg.Linear.BotName,
		BotUserID:     botUserID,
		Deadline:      cfg.Webhook.Deadline,
		DebounceQuiet: cfg.Webhook.DebounceQuiet,
		MaxAge:        cfg.Webhook.MaxAge,
		Metrics:       m,
		Logger:        logger,
	})
	srv, err := server.New(cfg.Server.Addr, server.Config{
		Hub:       hub,
		Webhook:   router,
		Metrics:   m.Handler(),
		DB:        database,
		Workflow:  workflow,
		Execution: execution,
		Machine:   machine,
		Registry:  registry,
		RateLimit: limit,
		Gateway:   gw,
		Tags:      tags,
		TeamID:    teamID,
		Running:   proc.Running,
		Slots:     cfg.Execution.Slots,
		Wake:      wake,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("autoflow listening", "addr", srv.Addr(), "team_id", teamID, "bot", cfg.Linear.BotName)

	// --- 9. Run until signalled ---
	g, gctx := errgroup.WithContext(ctx)
	procDone := make(chan struct{})

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer close(procDone)
		proc.Run(gctx)
		// Running executions see the cancelled context and return; their
		// tasks are recovered as orphans on the next start.
		proc.Wait()
		return nil
	})
	g.Go(func() error {
		return srv.Serve()
	})
	g.Go(func() error {
		housekeeping(gctx, router, cfg.Webhook.DeliveryTTL, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		<-procDone
		logger.Info("shutting down")
		router.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// identityResolver is the slice of the gateway used at startup.
type identityResolver interface {
	ResolveTeamID(ctx context.Context, identifier string) (string, error)
	FetchViewer(ctx context.Context) (linear.Viewer, error)
}

// resolveIdentity turns a team key into its id and learns the bot's user
// id so its own comments and reactions can be ignored. Failures fall back
// to the configured team and an unknown bot id.
func resolveIdentity(ctx context.Context, gw identityResolver, team string, logger *slog.Logger) (teamID, botUserID string) {
	teamID = team
	if resolved, err := gw.ResolveTeamID(ctx, team); err != nil {
		logger.Warn("resolving team", "team_id", team, "error", err)
	} else if resolved != team {
		logger.Info("resolved team", "from", team, "to", resolved)
		teamID = resolved
	}

	viewer, err := gw.FetchViewer(ctx)
	if err != nil {
		logger.Warn("fetching bot identity", "error", err)
		return teamID, ""
	}
	return teamID, viewer.ID
}

func newGithubClient(creds credentials.Credentials, baseURL string, repo config.GithubConfig, backoff retry.Backoff) (processor.PullRequests, error) {
	if repo.Owner == "" || (creds.GithubToken == "" && !creds.HasGithubApp()) {
		return nil, nil
	}
	opts := []ghclient.Option{ghclient.WithRetryBackoff(backoff)}
	if baseURL != "" {
		opts = append(opts, ghclient.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if creds.HasGithubApp() {
		opts = append(opts, ghclient.WithAppAuth(ghclient.AppCredentials{
			ClientID:       creds.GithubAppClientID,
			InstallationID: creds.GithubAppInstallationID,
			PrivateKeyPath: creds.GithubAppPrivateKeyPath,
		}))
	}
	gc, err := ghclient.New(creds.GithubToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating github client: %w", err)
	}
	return gc, nil
}

type orphanRecoverer interface {
	RecoverOrphans(ctx context.Context) (int, error)
}

// recoverOrphans returns tasks left processing by a crash or shutdown to
// pending.
func recoverOrphans(ctx context.Context, workflow, execution orphanRecoverer, logger *slog.Logger) {
	for name, q := range map[string]orphanRecoverer{"workflow": workflow, "execution": execution} {
		n, err := q.RecoverOrphans(ctx)
		if err != nil {
			logger.Warn("recovering orphaned tasks", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			logger.Info("recovered orphaned tasks", "queue", name, "count", n)
		}
	}
}

type deliveryPruner interface {
	PruneDeliveries(ctx context.Context, olderThan time.Duration) (int, error)
}

// housekeeping forgets old webhook deliveries until ctx is cancelled.
// Queue and mirror pruning happen in the scheduler's full sync.
func housekeeping(ctx context.Context, p deliveryPruner, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(housekeepingPeriod)
	defer ticker.Stop()
	for {
		if n, err := p.PruneDeliveries(ctx, ttl); err != nil && ctx.Err() == nil {
			logger.Warn("pruning webhook deliveries", "error", err)
		} else if n > 0 {
			logger.Debug("pruned webhook deliveries", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
