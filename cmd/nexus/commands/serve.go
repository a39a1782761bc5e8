package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/nexus/internal/app"
	"github.com/opencode-ai/nexus/internal/config"
	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/logging"
	"github.com/opencode-ai/nexus/internal/server"
)

var (
	serveListen      string
	serveStartServer bool
	serveNoCORS      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nexus daemon",
	Long: `Start the nexus daemon: supervise the configured AI server binary and
expose chat sessions over an HTTP API.

The managed server is not launched until a client asks for it, unless
--start-server is given.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Daemon listen address (host:port)")
	serveCmd.Flags().BoolVar(&serveStartServer, "start-server", false, "Launch the managed server immediately")
	serveCmd.Flags().BoolVar(&serveNoCORS, "no-cors", false, "Disable CORS headers")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, sources, dir, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}

	log := logging.Component("daemon")
	log.Info().Str("version", Version).Str("directory", dir).Msg("starting nexus")

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Listen = cfg.Listen
	serverConfig.EnableCORS = !serveNoCORS
	srv := server.New(serverConfig, a)

	// Reload the launch config when any contributing file changes. The
	// watcher fires with the changed path; the merged result may or may
	// not take effect immediately depending on the managed server state.
	watcher, err := config.NewWatcher(sources, func(path string) {
		updated, _, err := config.Load(dir)
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("config reload failed")
			return
		}
		applied := a.SetServerConfig(updated.Server)
		a.Bus().Publish(event.ConfigUpdated, event.ConfigUpdatedData{
			Path:    path,
			Applied: applied,
		})
		log.Info().Str("path", path).Bool("applied", applied).Msg("config reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watching unavailable")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveStartServer {
		if err := a.StartServer(ctx); err != nil {
			log.Error().Err(err).Msg("managed server failed to start")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Run(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("listen", cfg.Listen).Msg("http server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown error")
		}
		return a.Close()
	})

	return g.Wait()
}
