package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"restaurant-agent/handler"
	"restaurant-agent/internal/catalog"
)

const shutdownTimeout = 10 * time.Second

var seedDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API locally",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as an AWS Lambda behind API Gateway",
	Args:  cobra.NoArgs,
	RunE:  runLambda,
}

var clearCmd = &cobra.Command{
	Use:   "clear [restaurant-key]",
	Short: "Delete every stored session of a restaurant",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres catalog schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load restaurant JSON files into the Postgres catalog",
	Long: `Reads every <restaurant-key>.json in the data directory, replaces the
Postgres catalog with their contents and drops the matching cache entries.`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, settings)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := handler.NewHandler(a.svc)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              settings.App.HTTPAddr,
		Handler:           handler.NewRouter(h, settings.App.AllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runLambda(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), settings)
	if err != nil {
		return err
	}
	h, err := handler.NewHandler(a.svc)
	if err != nil {
		return err
	}
	lambda.Start(h.Handle)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, settings)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.svc.Clear(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d turns for %s\n", n, args[0])
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a := &app{}
	defer a.Close()

	pg, err := a.postgres(ctx, settings)
	if err != nil {
		return err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info().Msg("catalog schema is up to date")
	return nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dir := seedDir
	if dir == "" {
		dir = settings.App.DataDir
	}
	static, err := catalog.LoadDir(dir)
	if err != nil {
		return err
	}

	a := &app{}
	defer a.Close()

	pg, err := a.postgres(ctx, settings)
	if err != nil {
		return err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}
	restaurants := static.Restaurants()
	if err := pg.Seed(ctx, restaurants); err != nil {
		return err
	}

	keys := make([]string, 0, len(restaurants))
	for _, r := range restaurants {
		keys = append(keys, r.Profile.Key)
	}
	cached, err := a.cache(ctx, settings, pg)
	if err != nil {
		return err
	}
	if cached != nil {
		if err := cached.Invalidate(ctx, keys...); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d restaurants from %s\n", len(restaurants), dir)
	return nil
}
