// Command agentcomd boots the AgentCom hub: the durable task/goal stores,
// the scheduler, the agent and hub state machines, the rate limiter and
// cost ledger, the WebSocket sidecar hub, and the HTTP/JSON surface.
//
// Subcommand layout (serve/backup/compact/restore) is grounded on the
// cobra root-plus-subcommand idiom seen across the example corpus (e.g.
// cuemby-warren's cmd/warren): a persistent --data-dir flag, cobra.OnInitialize
// for logging, one command per operational action.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentcom/internal/agentfsm"
	"agentcom/internal/alerts"
	"agentcom/internal/auth"
	"agentcom/internal/config"
	"agentcom/internal/costledger"
	"agentcom/internal/detsbackup"
	"agentcom/internal/eventbus"
	"agentcom/internal/goalbacklog"
	"agentcom/internal/httpapi"
	"agentcom/internal/hubfsm"
	"agentcom/internal/logging"
	"agentcom/internal/mailbox"
	"agentcom/internal/metrics"
	"agentcom/internal/ratelimiter"
	"agentcom/internal/reaper"
	"agentcom/internal/scheduler"
	"agentcom/internal/store"
	"agentcom/internal/taskqueue"
	"agentcom/internal/wire"
)

var dataDir string
var yamlConfigPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentcomd",
	Short: "AgentCom multi-agent task orchestration hub",
}

func init() {
	cobra.OnInitialize(logging.Init)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override configured data directory")
	rootCmd.PersistentFlags().StringVar(&yamlConfigPath, "config", "", "optional YAML config file")

	rootCmd.AddCommand(serveCmd, backupCmd, compactCmd, restoreCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub: HTTP/JSON API, WebSocket sidecar hub, scheduler, reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot every durable table to the configured backup directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := wireSystem()
		if err != nil {
			return err
		}
		defer sys.closeAll()
		paths, err := sys.maintainer.BackupAll()
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <table>",
	Short: "Compact one durable table in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := wireSystem()
		if err != nil {
			return err
		}
		defer sys.closeAll()
		return sys.maintainer.CompactTable(args[0])
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <table>",
	Short: "Restore one durable table from its most recent backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := wireSystem()
		if err != nil {
			return err
		}
		defer sys.closeAll()
		return sys.maintainer.RestoreTable(args[0])
	},
}

// system holds every wired component, grouped so cobra subcommands that
// don't need the full server (backup/compact/restore) can stand one up
// without also building the HTTP/WS surface.
type system struct {
	cfg        config.Config
	bus        *eventbus.Bus
	queue      *taskqueue.Queue
	backlog    *goalbacklog.Backlog
	registry   *agentfsm.Registry
	hub        *hubfsm.Hub
	limiter    *ratelimiter.Limiter
	ledger     *costledger.Ledger
	mailbox    *mailbox.Mailbox
	tokens     *auth.Registry
	alerts     *alerts.Registry
	maintainer *detsbackup.Maintainer
	wireHub    *wire.Hub
	scheduler  *scheduler.Scheduler
	reaper     *reaper.Reaper

	handles []*store.Handle
}

func (s *system) closeAll() {
	for _, h := range s.handles {
		_ = h.Close()
	}
}

func wireSystem() (*system, error) {
	cfg, err := config.Load(yamlConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	bus := eventbus.New()
	backupRoot := cfg.DataDir + "/backups"
	storage := detsbackup.NewLocalStorage(backupRoot)
	maintainer := detsbackup.New(cfg.DataDir, storage, bus, detsbackup.RetentionPolicy{
		RetainDaily:   cfg.RetainDaily,
		RetainWeekly:  cfg.RetainWeekly,
		RetainMonthly: cfg.RetainMonthly,
	})

	var handles []*store.Handle
	open := func(table string) (*store.Handle, error) {
		h, err := store.Open(cfg.DataDir+"/"+table+".db", table, maintainer, backupRoot)
		if err != nil {
			return nil, fmt.Errorf("open table %s: %w", table, err)
		}
		handles = append(handles, h)
		maintainer.Register(table, h)
		return h, nil
	}

	tasksMain, err := open("tasks")
	if err != nil {
		return nil, err
	}
	tasksDead, err := open("tasks_dead_letter")
	if err != nil {
		return nil, err
	}
	goalsHandle, err := open("goals")
	if err != nil {
		return nil, err
	}
	mailboxHandle, err := open("mailbox")
	if err != nil {
		return nil, err
	}
	ledgerHandle, err := open("cost_ledger")
	if err != nil {
		return nil, err
	}

	queue, err := taskqueue.New(tasksMain, tasksDead, bus)
	if err != nil {
		return nil, fmt.Errorf("init task queue: %w", err)
	}
	backlog, err := goalbacklog.New(goalsHandle, bus)
	if err != nil {
		return nil, fmt.Errorf("init goal backlog: %w", err)
	}
	mb, err := mailbox.New(mailboxHandle, bus)
	if err != nil {
		return nil, fmt.Errorf("init mailbox: %w", err)
	}

	registry := agentfsm.NewRegistry(queue, bus, cfg.HeartbeatInterval, cfg.HeartbeatTimeoutMultiple)
	hub := hubfsm.New(bus)
	limiter := ratelimiter.New()
	ledger := costledger.New(ledgerHandle, nil)
	tokens := auth.New(cfg.TokenTTL)
	alertRegistry := alerts.New(bus)
	wireHub := wire.NewHub(registry, queue, limiter, bus, tokens)
	sched := scheduler.New(queue, registry, bus, cfg.SchedulerTickInterval)

	r := reaper.New(reaper.Config{
		Interval:     cfg.ReaperInterval,
		OfflineGrace: cfg.ReaperOfflineGrace,
		BucketTTL:    cfg.ReaperBucketIdleTTL,
		Agents:       registry,
		Rates:        limiter,
		Mailboxes:    mb,
	})

	return &system{
		cfg:        cfg,
		bus:        bus,
		queue:      queue,
		backlog:    backlog,
		registry:   registry,
		hub:        hub,
		limiter:    limiter,
		ledger:     ledger,
		mailbox:    mb,
		tokens:     tokens,
		alerts:     alertRegistry,
		maintainer: maintainer,
		wireHub:    wireHub,
		scheduler:  sched,
		reaper:     r,
		handles:    handles,
	}, nil
}

func runServe() error {
	sys, err := wireSystem()
	if err != nil {
		return err
	}
	defer sys.closeAll()

	if err := sys.maintainer.Start(sys.cfg.BackupCron); err != nil {
		return fmt.Errorf("start backup scheduler: %w", err)
	}
	defer sys.maintainer.Stop()

	sys.tokens.Start()
	defer sys.tokens.Stop()

	sys.registry.StartHeartbeatSweep(sys.cfg.HeartbeatInterval)
	defer sys.registry.Stop()

	go sys.scheduler.Run()
	defer sys.scheduler.Stop()

	sys.reaper.Start()
	defer sys.reaper.Stop()

	go sys.alerts.Run()
	defer sys.alerts.Stop()

	go sys.wireHub.Run()
	defer sys.wireHub.Stop()

	sys.hub.Run(sys.cfg.HubTickInterval, func() hubfsm.SystemState {
		return gatherSystemState(sys)
	})
	defer sys.hub.Stop()

	httpapi.HubWSURL = os.Getenv("HUB_WS_URL")
	httpapi.HubAPIURL = os.Getenv("HUB_API_URL")

	srv := &httpapi.Server{
		Queue:               sys.queue,
		Backlog:             sys.backlog,
		Hub:                 sys.hub,
		Registry:            sys.registry,
		Limiter:             sys.limiter,
		Ledger:              sys.ledger,
		Maintainer:          sys.maintainer,
		Mailbox:             sys.mailbox,
		Alerts:              sys.alerts,
		Tokens:              sys.tokens,
		WireHub:             sys.wireHub,
		GitHubWebhookSecret: sys.cfg.GitHubWebhookSecret,
		RegisteredRepos:     registeredRepos(),
	}

	collector := metrics.NewCollector(srv, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	router := srv.Router()
	router.GET("/ws/agent", func(c *gin.Context) {
		if err := sys.wireHub.ServeHTTP(c.Writer, c.Request); err != nil {
			logging.L().Warn("wire: upgrade failed", zap.Error(err))
		}
	})

	httpServer := &http.Server{
		Addr:              sys.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logging.L().Info("agentcomd: listening", zap.String("addr", sys.cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logging.L().Info("agentcomd: shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// gatherSystemState builds hubfsm's tick input from the already-wired
// components, per spec.md §4.5: goal backlog pressure, the cost ledger's
// budget check for the current state, and (no standalone health
// aggregator exists in this repo, so health never goes critical on its
// own — only ForceTransition can still drive the hub into healing).
func gatherSystemState(sys *system) hubfsm.SystemState {
	pending := 0
	for _, g := range sys.backlog.List() {
		if g.Status != goalbacklog.StatusComplete && g.Status != goalbacklog.StatusFailed {
			pending++
		}
	}

	state := hubfsm.SystemState{GoalsPending: pending}

	current := costledger.HubState(sys.hub.State())
	if err := sys.ledger.CheckBudget(current); err != nil {
		state.BudgetDenied = true
		state.BudgetReason = err.Error()
	}
	return state
}

// registeredRepos reads GITHUB_REGISTERED_REPOS as a comma-separated
// owner/repo allowlist for the webhook handler.
func registeredRepos() map[string]bool {
	out := map[string]bool{}
	raw := os.Getenv("GITHUB_REGISTERED_REPOS")
	if raw == "" {
		return out
	}
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if repo := raw[start:i]; repo != "" {
				out[repo] = true
			}
			start = i + 1
		}
	}
	return out
}
