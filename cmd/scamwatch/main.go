// Command scamwatch is a terminal dashboard for live scam-engagement
// sessions: it submits scammer messages to the engagement backend, shows the
// persona's replies and accumulates the intelligence extracted along the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scamwatch/internal/api"
	"scamwatch/internal/config"
	"scamwatch/internal/engine"
	"scamwatch/internal/intel"
	"scamwatch/internal/logging"
	"scamwatch/internal/metrics"
	"scamwatch/internal/mockbackend"
	"scamwatch/internal/poller"
	"scamwatch/internal/snapshot"
	"scamwatch/internal/syncstate"
)

const (
	Version = "0.3.0"
	appName = "scamwatch"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.New()
	var (
		configPath string
		envFile    string
		cfg        config.Config
	)

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Live dashboard for scam-engagement sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(v, configPath, envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&envFile, "env-file", ".env", "Dotenv file with SCAMWATCH_* variables")
	pf.String(config.KeyBaseURL, "http://localhost:8000", "Engagement backend base URL")
	pf.String(config.KeyAPIKey, "", "API key sent as X-API-Key")
	pf.String(config.KeyPersona, "", "Persona requested for new sessions (empty lets the backend choose)")
	pf.Duration(config.KeyPollInterval, 3*time.Second, "Transcript poll interval while a session is active")
	pf.Duration(config.KeyRequestTimeout, 45*time.Second, "Timeout of one engage/continue call")
	pf.String(config.KeyStatePath, "scamwatch.db", "SQLite file holding the resumable session state")
	pf.Bool(config.KeyResume, true, "Resume the session saved in the state file")
	pf.String(config.KeyLogFile, "scamwatch.log", "Log file ('-' for stderr)")
	pf.String(config.KeyLogLevel, "info", "Log level (debug, info, warn, error)")
	pf.String(config.KeyMetricsAddr, "", "Serve Prometheus metrics on this address (disabled when empty)")
	pf.Int(config.KeyScrollThreshold, 3, "Rows above the bottom after which the transcript stops following")
	if err := v.BindPFlags(pf); err != nil {
		panic(err)
	}

	tui := tuiCmd(&cfg)
	cmd.RunE = tui.RunE
	cmd.Flags().AddFlagSet(tui.Flags())

	cmd.AddCommand(tui, sendCmd(&cfg), mockBackendCmd(&cfg), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func tuiCmd(cfg *config.Config) *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Run the interactive dashboard (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(cfg.LogFile, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, *cfg, logger, fresh)
			if err != nil {
				return err
			}
			defer rt.Close()

			p := tea.NewProgram(newModel(*cfg, rt), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("%s fatal error: %w", appName, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Discard the saved session and start clean")
	return cmd
}

func sendCmd(cfg *config.Config) *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Submit one scammer message and print the persona's reply",
		Long: `send starts a session when none is saved and continues the saved one
otherwise, exactly like pressing Enter in the dashboard.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(cfg.LogFile, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, *cfg, logger, fresh)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.engine.Send(ctx, strings.Join(args, " "))
			printResult(cmd, rt, res)
			return res.Err
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Start a new session instead of continuing the saved one")
	return cmd
}

func printResult(cmd *cobra.Command, rt *appRuntime, res engine.Result) {
	out := cmd.OutOrStdout()
	if res.Err != nil {
		fmt.Fprintf(out, "%s failed: %v\n", res.Action, res.Err)
		return
	}
	snap := rt.engine.State().Snapshot()
	if s := snap.Session; s != nil {
		fmt.Fprintf(out, "session  %s  status=%s turn=%d persona=%s\n", s.ID, s.Status, s.TurnCount, nullCoalesce(s.PersonaUsed, "n/a"))
		if s.ScamType != "" {
			fmt.Fprintf(out, "scam     %s  confidence=%.2f risk=%s threat=%s\n", s.ScamType, s.Confidence, s.RiskLevel, s.ThreatLevel())
		}
	}
	if res.Reply != nil {
		fmt.Fprintf(out, "reply    %s\n", res.Reply.AgentReply)
	}
	for _, e := range res.Added {
		fmt.Fprintf(out, "new      %-14s %s\n", e.Type, e.Value)
	}
	fmt.Fprintf(out, "entities %d total %s\n", len(snap.Entities), strings.Join(entityCounts(snap.Entities), " "))
}

func mockBackendCmd(cfg *config.Config) *cobra.Command {
	var (
		addr       string
		scriptPath string
		latency    time.Duration
		apiKey     string
	)
	cmd := &cobra.Command{
		Use:   "mock-backend",
		Short: "Serve a scripted engagement backend for demos and tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New("-", cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			script, err := mockbackend.DefaultScript()
			if scriptPath != "" {
				script, err = mockbackend.LoadScript(scriptPath)
			}
			if err != nil {
				return err
			}
			if apiKey == "" {
				apiKey = cfg.APIKey
			}

			srv := mockbackend.NewServer(script,
				mockbackend.WithAPIKey(apiKey),
				mockbackend.WithLatency(latency),
				mockbackend.WithLogger(logger),
			)
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			logger.Info("mock backend listening",
				zap.String("addr", addr),
				zap.Strings("personas", script.PersonaNames()),
				zap.Bool("api_key", apiKey != ""),
			)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	cmd.Flags().StringVar(&scriptPath, "script", "", "YAML reply script (embedded default when empty)")
	cmd.Flags().DurationVar(&latency, "latency", 600*time.Millisecond, "Artificial delay before engage/continue replies")
	cmd.Flags().StringVar(&apiKey, "require-key", "", "Require this X-API-Key (defaults to --api-key)")
	return cmd
}

// appRuntime wires the core for one process.
type appRuntime struct {
	cfg     config.Config
	logger  *zap.Logger
	client  *api.Client
	metrics *metrics.Metrics
	engine  *engine.Engine
	sync    *poller.Sync
	store   *snapshot.Store
	saver   *snapshot.Saver
	slot    string
}

func newRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger, fresh bool) (*appRuntime, error) {
	client, err := api.NewClient(cfg.BaseURL, api.WithAPIKey(cfg.APIKey), api.WithLogger(logger.Named("api")))
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	eng := engine.New(syncstate.New(), client,
		engine.WithPersona(cfg.Persona),
		engine.WithRequestTimeout(cfg.RequestTimeout),
		engine.WithLogger(logger.Named("engine")),
		engine.WithMetrics(m),
	)
	rt := &appRuntime{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		metrics: m,
		engine:  eng,
		slot:    client.BaseURL(),
	}

	if cfg.StatePath != "" {
		store, err := snapshot.Open(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		rt.store = store
		switch {
		case fresh || !cfg.Resume:
			if err := store.Delete(ctx, rt.slot); err != nil {
				logger.Warn("discard saved session", zap.Error(err))
			}
		default:
			saved, ok, err := store.Load(ctx, rt.slot)
			if err != nil {
				logger.Warn("load saved session", zap.Error(err))
			} else if ok {
				eng.State().Restore(saved)
				logger.Info("resumed session", zap.String("session_id", saved.SessionID()), zap.Int("messages", len(saved.Messages)))
			}
		}
		rt.saver = snapshot.NewSaver(store, rt.slot, eng.State(), logger.Named("snapshot"))
	}

	rt.sync = poller.New(eng.State(), client,
		poller.WithInterval(cfg.PollInterval),
		poller.WithLogger(logger.Named("poller")),
		poller.WithMetrics(m),
	)
	rt.sync.Start()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, logger.Named("metrics")); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}
	return rt, nil
}

// Close stops polling and flushes the saved state.
func (r *appRuntime) Close() {
	r.sync.Close()
	if r.saver != nil {
		r.saver.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close state store", zap.Error(err))
		}
	}
}

func entityCounts(entities []intel.Entity) []string {
	counts := intel.CountByType(entities)
	out := make([]string, 0, len(counts))
	for t, n := range counts {
		out = append(out, fmt.Sprintf("%s=%d", t, n))
	}
	sort.Strings(out)
	return out
}
