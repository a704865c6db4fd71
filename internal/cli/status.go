package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/halim/relay/internal/config"
	"github.com/halim/relay/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the relay daemon.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	if !isRunning(pidFile) {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Status: running")
	fmt.Fprintf(cmd.OutOrStdout(), "PID: %d\n", pid)

	// PID file modification time approximates the start time
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	if cfg.Gateway.Enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "Gateway: ws://%s:%d/ws\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
