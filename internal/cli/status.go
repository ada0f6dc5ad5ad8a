package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether a Ranya server is running, plus persisted session and job counts.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Status   string `yaml:"status"`
	PID      int    `yaml:"pid,omitempty"`
	Uptime   string `yaml:"uptime,omitempty"`
	Sessions int    `yaml:"sessions"`
	Jobs     int    `yaml:"jobs"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report := statusReport{Status: "stopped"}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		report.Status = "running"
		report.PID = pid
		if info, err := os.Stat(pidFile); err == nil {
			report.Uptime = formatDuration(time.Since(info.ModTime()))
		}
	}

	records, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	list, err := records.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	report.Sessions = len(list)

	mgr, err := daemon.OpenJobManager(cfg, quietLogger())
	if err != nil {
		return err
	}
	jobList, err := mgr.ListJobs("")
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	report.Jobs = len(jobList)

	return printYAML(cmd, report)
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
