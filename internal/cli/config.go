package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent-racer/pitwall/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		return configShowRun(cfg, path)
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			ui.Error("%v", err)
			return err
		}
		return configCheckRun(cfg, path)
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}

func configShowRun(cfg *config.Config, path string) error {
	if path == "" {
		ui.Info("No config file found, using defaults")
	} else {
		ui.Info("Config: %s", cyan(path))
	}

	table := ui.Table([]string{"Name", "Command", "Dir", "Auto"})
	for _, l := range cfg.Launch {
		auto := dim("no")
		if l.AutoStart {
			auto = green("yes")
		}
		dir := l.WorkingDir
		if dir == "" {
			dir = "."
		}
		table.Append([]string{
			cyan(l.Name),
			strings.TrimSpace(l.Command + " " + strings.Join(l.Args, " ")),
			dir,
			auto,
		})
	}
	table.Render()

	fmt.Fprintln(ui.Out)
	settings := ui.Table([]string{"Setting", "Value"})
	for _, row := range settingRows(cfg) {
		settings.Append(row)
	}
	settings.Render()
	return nil
}

func configCheckRun(cfg *config.Config, path string) error {
	if path == "" {
		ui.Warning("No config file found; defaults are valid")
		return nil
	}
	ui.Success("%s is valid: %d launch target(s), %d command(s)", path, len(cfg.Launch), len(cfg.Commands))
	for _, l := range cfg.Launch {
		ui.VerboseLog("%s: %s", l.Name, l.Command)
	}
	return nil
}

func settingRows(cfg *config.Config) [][]string {
	s, r := cfg.Supervisor, cfg.Realtime
	rows := [][]string{
		{"supervisor.watchdog_interval", s.WatchdogInterval.String()},
		{"supervisor.exit_grace", s.ExitGrace.String()},
		{"supervisor.shutdown_timeout", s.ShutdownTimeout.String()},
		{"supervisor.stop_method", s.StopMethod},
		{"realtime.auto_connect", fmt.Sprint(r.AutoConnect)},
		{"realtime.max_attempts", fmt.Sprint(r.MaxAttempts)},
		{"realtime.heartbeat", fmt.Sprintf("every %v, trips after %d", r.HeartbeatInterval, r.HeartbeatThreshold)},
		{"telemetry.interval", cfg.Telemetry.Interval.String()},
		{"watch.enabled", fmt.Sprint(cfg.Watch.Enabled)},
		{"log_file", cfg.LogFile},
	}

	kinds := make([]string, 0, len(cfg.Commands))
	for k := range cfg.Commands {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		rows = append(rows, []string{"commands." + k, cfg.Commands[k].Method})
	}
	return rows
}
