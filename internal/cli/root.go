// Package cli wires the cobra commands: the root command runs the
// supervisor TUI, the rest inspect configuration.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/agent-racer/pitwall/internal/app"
	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/instance"
	"github.com/agent-racer/pitwall/internal/logging"
	"github.com/agent-racer/pitwall/internal/supervisor"
)

var (
	ui *UI

	cfgFile string
	logFile string
	verbose bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pitwall [launch-target...]",
	Short: "Supervise long-running dev processes from one terminal",
	Long: `pitwall starts dev-tool processes, reads their line-JSON event stream,
attaches to their realtime endpoint and lets you hot reload, restart and
stop them from a terminal UI.

With no arguments the launch targets marked auto_start are started. Naming
targets starts exactly those instead.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	Args:              cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd.Context(), args)
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initDeps)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file, YAML or TOML (default ./pitwall.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file, - for stderr (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging and verbose output")
}

func initDeps() {
	ui = newUI()
	ui.Verbose = verbose
}

// loadConfig reads --config when given. Otherwise pitwall.yaml, then
// pitwall.toml, in the working directory; defaults when neither exists.
func loadConfig() (*config.Config, string, error) {
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		return cfg, cfgFile, err
	}
	for _, path := range []string{config.DefaultPath(), "pitwall.toml"} {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	return config.Default(), "", nil
}

// selectTargets makes exactly the named targets auto-start.
func selectTargets(cfg *config.Config, names []string) error {
	if len(names) == 0 {
		return nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := cfg.LaunchByName(n); !ok {
			return fmt.Errorf("unknown launch target %q", n)
		}
		want[n] = true
	}
	for i := range cfg.Launch {
		cfg.Launch[i].AutoStart = want[cfg.Launch[i].Name]
	}
	return nil
}

func rootRun(ctx context.Context, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	if err := selectTargets(cfg, args); err != nil {
		return err
	}

	path := logFile
	if path == "" {
		path = cfg.LogFile
	}
	if path == "" {
		path = config.DefaultLogFile()
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, closer, err := logging.New(path, level)
	if err != nil {
		return err
	}
	defer closer.Close()

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	lock, err := instance.Acquire(wd)
	if errors.Is(err, instance.ErrLocked) {
		return fmt.Errorf("%w (%s)", err, wd)
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "version", buildVersion, "config", cfgPath, "targets", len(cfg.Launch))

	d := supervisor.NewDispatcher(ctx, supervisor.Options{Config: cfg, Logger: logger})
	m := app.New(app.Options{
		Config:     cfg,
		Dispatcher: d,
		Registry:   d.Registry(),
		Bus:        d.Bus(),
		Logger:     logger,
	})

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := p.Run()

	// Nothing reads events any more. The UI shuts sessions down on quit;
	// this covers signals and crashes.
	d.Bus().Close()
	report := d.Shutdown(cfg.Supervisor.ShutdownTimeout)
	for _, id := range report.TimedOut() {
		ui.Warning("session %d did not stop in time and was killed", id)
	}
	logger.Info("stopped", "elapsed", report.Elapsed)

	if runErr != nil && ctx.Err() != nil {
		return nil
	}
	return runErr
}
