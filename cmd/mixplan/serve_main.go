package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/mixplan/mixplan/internal/interfaces/http"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local optimization API",
		Long:  "Serves POST /optimize, GET /plans/{id}, GET /health, and GET /metrics on a local-only HTTP listener",
		RunE:  runServe,
	}

	cmd.Flags().String("host", "127.0.0.1", "HTTP server host")
	cmd.Flags().Int("port", 8080, "HTTP server port")
	addStorageFlags(cmd.Flags())

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	pgDSN, _ := cmd.Flags().GetString("pg-dsn")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")

	d, err := buildDeps(pgDSN, redisAddr, log.Logger)
	if err != nil {
		return err
	}
	defer d.Close()

	handlers := httpapi.NewHandlers(d.engineFor(log.Logger), d.plans, d.metrics, log.Logger)

	cfg := httpapi.DefaultServerConfig()
	cfg.Host = host
	cfg.Port = port
	server, err := httpapi.NewServer(cfg, handlers, log.Logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
