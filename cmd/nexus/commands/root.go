// Package commands provides the CLI commands for the nexus daemon.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/nexus/internal/config"
	"github.com/opencode-ai/nexus/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel  string
	logPretty bool
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Nexus - supervisor and chat gateway for a local AI server",
	Long: `Nexus runs a local AI server binary as a supervised subprocess and
exposes its streaming responses as chat sessions over an HTTP API.

Run 'nexus serve' to start the daemon.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", false, "Human-readable log output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "d", "", "Working directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("nexus %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the root command.
func Execute() error {
	// Optional .env next to the binary invocation; absence is fine.
	godotenv.Load()
	return rootCmd.Execute()
}

// loadConfig resolves the working directory, loads configuration, and
// installs the logger. It returns the config together with the file paths
// it was assembled from.
func loadConfig() (*config.Config, []string, string, error) {
	dir := workDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, nil, "", err
		}
	}

	cfg, sources, err := config.Load(dir)
	if err != nil {
		return nil, nil, "", err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logPretty {
		cfg.Log.Pretty = true
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})

	return cfg, sources, dir, nil
}
