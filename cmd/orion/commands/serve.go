package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orionchat/orion-core/internal/budget"
	"github.com/orionchat/orion-core/internal/config"
	"github.com/orionchat/orion-core/internal/logging"
	"github.com/orionchat/orion-core/internal/provider"
	"github.com/orionchat/orion-core/internal/retry"
	"github.com/orionchat/orion-core/internal/server"
	"github.com/orionchat/orion-core/internal/session"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orion HTTP server",
	Long: `Start the orion session server, exposing the session lifecycle
and event stream over HTTP.

Without a real provider configured the server answers with a scripted
echo provider, which is useful for UI development.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	port := appConfig.Server.Port
	if servePort != 0 {
		port = servePort
	}

	logging.Info().
		Str("version", Version).
		Str("directory", workDir).
		Msg("starting orion server")

	registry := session.NewRegistry(session.Options{
		Namespace:      appConfig.Namespace,
		MaxLive:        appConfig.Session.MaxLive,
		Eviction:       appConfig.Session.Eviction,
		RequestTimeout: time.Duration(appConfig.Session.RequestTimeoutMS) * time.Millisecond,
		Dispatcher:     provider.NewScripted(),
		Retry:          retry.FromTypes(appConfig.Retry),
		Budget:         budget.NewMonitor(appConfig.Budget.SoftLimitUSD),
	})

	serverConfig := server.DefaultConfig()
	serverConfig.Port = port
	serverConfig.EnableCORS = appConfig.Server.EnableCORS

	srv := server.New(serverConfig, appConfig, registry)

	go func() {
		logging.Info().Int("port", port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}
