package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rapee/flowmap.blue/config"
	"github.com/rapee/flowmap.blue/loader"
	"github.com/rapee/flowmap.blue/runner"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve clustered flows over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r := runner.NewDatasetRunner(runnerOptions(cfg))
		defer r.CloseAll()
		go r.Run(ctx)

		server := NewServer(r)
		if cfg.Data.Locations != "" {
			flows := cfg.Data.Flows
			if flows == "" {
				flows = cfg.Data.Locations
			}
			info, err := r.CreateDataset(ctx, loader.ParseSource(cfg.Data.Locations), loader.ParseSource(flows))
			if err != nil {
				return eris.Wrap(err, "load startup dataset")
			}
			server.setDefault(info.ID)
		}

		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: server.Router(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func runnerOptions(c *config.Config) runner.Options {
	return runner.Options{
		MaxDatasets:    c.Runner.MaxDatasets,
		IdleTimeout:    time.Duration(c.Runner.IdleTimeoutMins) * time.Minute,
		IndexOptions:   c.Clustering.IndexOptions(),
		Clustering:     c.Clustering.Enabled,
		Animation:      c.View.AnimateFlows,
		IgnoreErrors:   c.View.IgnoreErrors,
		HighlightDelay: time.Duration(c.Highlight.DebounceMs) * time.Millisecond,
		SnapshotDir:    c.Snapshot.Dir,
		Loader:         loader.New(loader.Options{UserAgent: "flowmap"}),
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
