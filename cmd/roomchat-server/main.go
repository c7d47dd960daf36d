package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/roomchat/internal/devserver"
)

var rootCmd = &cobra.Command{
	Use:   "roomchat-server",
	Short: "Development realtime backend for roomchat (websocket channels + presence)",
	RunE:  runServer,
}

var (
	flagAddr      string
	flagAPIKey    string
	flagDataPath  string
	flagRelayURL  string
	flagRelayName string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddr, "addr", ":4020", "listen address")
	flags.StringVar(&flagAPIKey, "api-key", "dev-key", "public API key clients must present")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to persist message history via PebbleDB")
	flags.StringVar(&flagRelayURL, "relay-url", "", "optional relay websocket URL to publish through (empty to disable)")
	flags.StringVar(&flagRelayName, "relay-name", "roomchat", "backend display name on the relay")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute server command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := devserver.New(devserver.Options{APIKey: flagAPIKey, DataPath: flagDataPath})
	if err != nil {
		return err
	}

	// Optionally expose the backend through a portal relay alongside the
	// local listener, so remote clients can reach a dev instance without
	// port forwarding.
	if flagRelayURL != "" {
		relay, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{flagRelayURL} })
		if err != nil {
			return fmt.Errorf("relay client: %w", err)
		}
		defer relay.Close()

		cred := sdk.NewCredential()
		listener, err := relay.Listen(cred, flagRelayName, []string{"http/1.1"})
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		log.Info().Msgf("[server] published on relay %s as %q", flagRelayURL, flagRelayName)
		go func() {
			if err := http.Serve(listener, srv.Handler()); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Msg("[server] relay serve error")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = listener.Close()
		}()
	}

	httpSrv := &http.Server{
		Addr:              flagAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info().Msgf("[server] realtime backend listening on %s", flagAddr)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[server] http error")
		}
	}()

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("[server] http shutdown error")
	}
	srv.Close()
	log.Info().Msg("[server] shutdown complete")
	return nil
}
