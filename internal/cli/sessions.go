package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted session records",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session records, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete closed session records past sessions.prune_after_days",
	Args:  cobra.NoArgs,
	RunE:  runSessionsPrune,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

type sessionRow struct {
	ID        string         `yaml:"id"`
	Label     string         `yaml:"label,omitempty"`
	Status    session.Status `yaml:"status"`
	CWD       string         `yaml:"cwd"`
	StartedAt time.Time      `yaml:"started_at"`
	UpdatedAt time.Time      `yaml:"updated_at"`
}

func openSessionStore(cfg *config.Config) (*session.Store, error) {
	return session.NewStore(filepath.Join(cfg.DataDir, "sessions"), quietLogger())
}

// quietLogger is used by one-shot commands whose output is YAML
func quietLogger() zerolog.Logger {
	return zerolog.Nop()
}

// configPathFor resolves the config file a command reads
func configPathFor(path string) string {
	return config.NewLoader(path).GetConfigPath()
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(records) == 0 {
		cmd.Println("No sessions.")
		return nil
	}

	rows := make([]sessionRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, sessionRow{
			ID:        rec.ID,
			Label:     rec.Label,
			Status:    rec.Status,
			CWD:       rec.CWD,
			StartedAt: rec.StartedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return printYAML(cmd, rows)
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	pruned, err := session.NewPruner(store, cfg.Sessions.PruneAfter(), 0, quietLogger()).PruneNow()
	if err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}
	cmd.Printf("Pruned %d session record(s)\n", pruned)
	return nil
}
