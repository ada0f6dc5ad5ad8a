package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureForce bool
	configurePrint bool
)

var configureCmd = &cobra.Command{
	Use:     "configure",
	Aliases: []string{"init"},
	Short:   "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Ranya.
The wizard asks for API keys, the model and job defaults, then writes the
config file with owner-only permissions. An existing file is kept unless
--force is given. Use --print to show the current file with secrets masked.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVarP(&configureForce, "force", "f", false, "overwrite an existing config file")
	configureCmd.Flags().BoolVar(&configurePrint, "print", false, "print the current config with secrets masked")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if configurePrint {
		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		cmd.Println(cfg.String())
		return nil
	}

	if _, err := os.Stat(path); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	cfg, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("\nConfiguration saved to: %s\n", path)
	cmd.Println("\nStart chatting with: ranya chat")
	cmd.Println("Or expose the gateway with: ranya serve")
	return nil
}
