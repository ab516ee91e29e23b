package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/assessment"
	"github.com/sells-group/assessment-api/internal/server"
	"github.com/sells-group/assessment-api/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assessment API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initService(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		pool := assessment.NewPool(env.Service, cfg.Worker.QueueSize)
		pool.Start(ctx, cfg.Worker.Count)
		defer pool.Stop()

		if cfg.Retention.Days > 0 {
			go runRetention(ctx, env.Store)
		}

		serverCfg := cfg.Server
		if servePort != 0 {
			serverCfg.Port = servePort
		}

		srv := server.New(serverCfg, env.Service, pool)
		if err := srv.Run(ctx); err != nil {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// runRetention purges expired tasks on the configured interval.
func runRetention(ctx context.Context, st store.TaskStore) {
	log := zap.L().Named("retention")
	ticker := time.NewTicker(cfg.Retention.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Retention.Days)
			n, err := st.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				log.Error("purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged expired tasks", zap.Int64("count", n))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
