package cli

import (
	"context"
	"fmt"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the Ranya runtime with the gateway in the foreground",
	Long: `Run the Ranya runtime in the foreground with the WebSocket/HTTP gateway.
Clients drive sessions and jobs over JSON-RPC. SIGINT or SIGTERM shuts
down gracefully: sessions close and running jobs are cancelled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway.shared_secret is required to serve; run 'ranya configure'")
	}

	if pid, err := daemon.ReadPID(daemon.PIDFilePath(cfg.DataDir)); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{
		Gateway:    true,
		ConfigPath: configPathFor(cfgFile),
		PIDFile:    true,
	})
	if err != nil {
		return err
	}
	if err := d.Start(context.Background()); err != nil {
		return err
	}

	cmd.Printf("Ranya gateway listening on %s\n", d.Gateway().Addr())
	d.Wait()
	return nil
}
