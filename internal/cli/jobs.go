package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/harun/ranya-runtime/pkg/jobs"
	"github.com/spf13/cobra"
)

var (
	jobsSession      string
	jobsWait         int
	cleanupRetention int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job, optionally waiting for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished job records older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runJobsCleanup,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsSession, "session", "", "only jobs started by this session")
	jobsShowCmd.Flags().IntVar(&jobsWait, "wait", 0, "seconds to wait for a terminal state")
	jobsCleanupCmd.Flags().IntVar(&cleanupRetention, "retention-hours", 0, "override jobs.retention_hours")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsCleanupCmd)
	rootCmd.AddCommand(jobsCmd)
}

// jobRow is the YAML shape of a job record
type jobRow struct {
	ID        string         `yaml:"id"`
	Session   string         `yaml:"session,omitempty"`
	Connector string         `yaml:"connector"`
	Command   string         `yaml:"command"`
	Status    jobs.Status    `yaml:"status"`
	Created   time.Time      `yaml:"created"`
	Duration  string         `yaml:"duration,omitempty"`
	ExitCode  *int           `yaml:"exit_code,omitempty"`
	Stdout    string         `yaml:"stdout,omitempty"`
	Stderr    string         `yaml:"stderr,omitempty"`
	Error     string         `yaml:"error,omitempty"`
	Input     map[string]any `yaml:"input,omitempty"`
}

func toJobRow(j *jobs.Job, detailed bool) jobRow {
	row := jobRow{
		ID:        j.ID,
		Session:   j.SessionID,
		Connector: j.ConnectorName,
		Command:   j.Command,
		Status:    j.Status,
		Created:   j.CreatedAt,
	}
	if d := j.Duration(); d > 0 {
		row.Duration = d.Round(time.Millisecond).String()
	}
	if j.Error != nil {
		row.Error = fmt.Sprintf("%s: %s", j.Error.Code, j.Error.Message)
	}
	if detailed {
		row.Input = j.Input
		if j.Result != nil {
			code := j.Result.ExitCode
			row.ExitCode = &code
			row.Stdout = j.Result.Stdout
			row.Stderr = j.Result.Stderr
		}
	}
	return row
}

func openJobs() (*jobs.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.OpenJobManager(cfg, quietLogger())
}

func runJobsList(cmd *cobra.Command, args []string) error {
	mgr, err := openJobs()
	if err != nil {
		return err
	}
	list, err := mgr.ListJobs(jobsSession)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(list) == 0 {
		cmd.Println("No jobs.")
		return nil
	}

	rows := make([]jobRow, 0, len(list))
	for _, j := range list {
		rows = append(rows, toJobRow(j, false))
	}
	return printYAML(cmd, rows)
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	mgr, err := openJobs()
	if err != nil {
		return err
	}
	job, err := mgr.GetJobResult(cmd.Context(), args[0], time.Duration(jobsWait)*time.Second)
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", args[0], err)
	}
	return printYAML(cmd, toJobRow(job, true))
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	mgr, err := openJobs()
	if err != nil {
		return err
	}
	cancelled, err := mgr.CancelJob(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", args[0], err)
	}
	if cancelled {
		cmd.Printf("Job %s cancelled\n", args[0])
	} else {
		cmd.Printf("Job %s already finished\n", args[0])
	}
	return nil
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := daemon.OpenJobManager(cfg, quietLogger())
	if err != nil {
		return err
	}

	retention := cfg.Jobs.Retention()
	if cleanupRetention > 0 {
		retention = time.Duration(cleanupRetention) * time.Hour
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deleted, err := mgr.Cleanup(ctx, retention)
	if err != nil {
		return fmt.Errorf("failed to clean up jobs: %w", err)
	}
	cmd.Printf("Deleted %d job record(s)\n", deleted)
	return nil
}
