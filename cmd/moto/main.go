// Command moto runs the multi-tier research pipeline.
//
// Usage:
//
//	moto run "your research question" --config config.yaml
//	moto resume
//	moto status --config config.yaml
//	moto validate --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/coordinator"
	"github.com/intrafere/moto/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run a full workflow for a research prompt."`
	Resume   ResumeCmd   `cmd:"" help:"Resume an interrupted workflow from its checkpoint."`
	Status   StatusCmd   `cmd:"" help:"Show session and workflow status."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("moto version %s\n", version)
	return nil
}

// RunCmd starts a fresh workflow.
type RunCmd struct {
	Prompt      string `arg:"" help:"Research prompt to investigate."`
	MetricsAddr string `name:"metrics-addr" help:"Serve Prometheus metrics on this address (e.g. :9090)." placeholder:"ADDR"`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Stop() }()

	if app.Coordinator.HasInterruptedWorkflow() {
		state := app.Workflow.State()
		fmt.Printf("An interrupted workflow exists (tier %d, topic %s).\n", int(state.CurrentTier), state.CurrentTopicID)
		fmt.Println("Use 'moto resume' to continue it, or delete the session directory to start over.")
		return errors.New("refusing to overwrite an interrupted workflow")
	}

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start background services: %w", err)
	}
	stopMetrics := serveMetrics(c.MetricsAddr)
	defer stopMetrics()

	return app.Coordinator.Run(ctx, c.Prompt)
}

// ResumeCmd continues an interrupted workflow.
type ResumeCmd struct {
	Prompt      string `arg:"" optional:"" help:"Research prompt (defaults to the persisted session goal)."`
	MetricsAddr string `name:"metrics-addr" help:"Serve Prometheus metrics on this address (e.g. :9090)." placeholder:"ADDR"`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Stop() }()

	if !app.Coordinator.HasInterruptedWorkflow() {
		return errors.New("no interrupted workflow to resume")
	}

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start background services: %w", err)
	}
	stopMetrics := serveMetrics(c.MetricsAddr)
	defer stopMetrics()

	return app.Coordinator.Resume(ctx, c.Prompt)
}

// StatusCmd prints the session's checkpoint and counters without
// touching the backend.
type StatusCmd struct{}

func (c *StatusCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	session, err := store.OpenSession(cfg.Session.Dir)
	if err != nil {
		return err
	}
	workflow, err := store.NewWorkflow(session.Path(store.WorkflowStateFile))
	if err != nil {
		return err
	}

	state := workflow.State()
	stats := session.GetStats()

	fmt.Printf("Session:  %s\n", cfg.Session.Dir)
	if state.Resumable() {
		fmt.Printf("Workflow: interrupted (resumable)\n")
		fmt.Printf("  Tier:   %d\n", int(state.CurrentTier))
		fmt.Printf("  Topic:  %s\n", state.CurrentTopicID)
		if state.CurrentPaperID != "" {
			fmt.Printf("  Paper:  %s (phase %s)\n", state.CurrentPaperID, state.PaperPhase)
		}
	} else {
		fmt.Printf("Workflow: idle\n")
	}
	fmt.Printf("Stats:\n")
	fmt.Printf("  Accepted:        %d\n", stats.Accepted)
	fmt.Printf("  Rejected:        %d\n", stats.Rejected)
	fmt.Printf("  Declined:        %d\n", stats.Declined)
	fmt.Printf("  Papers complete: %d\n", stats.PapersComplete)
	fmt.Printf("  Cleanup removed: %d\n", stats.CleanupRemoved)
	return nil
}

// ValidateCmd checks the configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return errors.New("--config is required for validate")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid: %s\n", cli.Config)
	fmt.Printf("  Backend: %s\n", cfg.Backend.BaseURL)
	fmt.Printf("  Roles:   %d configured\n", len(cfg.Roles))
	return nil
}

func buildApp(configPath string) (*coordinator.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	app, err := coordinator.NewApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	return app, nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

// serveMetrics exposes the Prometheus registry when an address is
// given. Returns a shutdown func.
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err)
		}
	}()
	slog.Info("Metrics server listening", "addr", addr)
	return func() { _ = srv.Close() }
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("moto"),
		kong.Description("moto - multi-tier LLM research pipeline"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
