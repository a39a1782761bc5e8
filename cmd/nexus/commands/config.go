package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/nexus/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the merged configuration as JSON, after applying global and
project files, environment overrides, and defaults.`,
	RunE: runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter project config file",
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, sources, _, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if len(sources) > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "loaded from:")
		for _, s := range sources {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", s)
		}
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, _, dir, err := loadConfig()
	if err != nil {
		return err
	}

	path := filepath.Join(dir, "nexus.json")
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
