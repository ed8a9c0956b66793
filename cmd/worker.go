package cmd

import (
	"audioingest/core/audio"
	"audioingest/core/transcode"
	"audioingest/logger"
	"audioingest/server"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerRecover bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the transcode worker pool",
	Long: `Consume transcode jobs until interrupted. Metrics are served on METRICS_ADDR.
Use --recover after a crash to move jobs stranded in the processing list back to ready.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, "worker", appNeeds{db: true, queue: true, storage: true})
		if err != nil {
			logger.Fatal("Startup failed", logger.ErrorField(err))
		}
		defer a.close()

		if workerRecover {
			n, err := a.jobs.Recover(ctx)
			if err != nil {
				return err
			}
			logger.Info("Recovered stranded jobs", logger.Int("count", n))
		}

		metrics := mux.NewRouter()
		metrics.Handle("/metrics", promhttp.Handler())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Serve(gctx, a.cfg.MetricsAddr, metrics)
		})
		g.Go(func() error {
			return newWorker(a).Run(gctx)
		})
		return g.Wait()
	},
}

func newWorker(a *app) *transcode.Worker {
	analyzer := audio.NewFFmpegProcessor(a.cfg.FFmpegPath, a.cfg.AudioBitrate, a.cfg.WaveformBuckets)
	return transcode.NewWorker(transcode.Config{
		Concurrency:      a.cfg.WorkerConcurrency,
		MaxAttempts:      a.cfg.WorkerMaxAttempts,
		JobTimeout:       a.cfg.WorkerJobTimeout,
		BackoffBase:      a.cfg.WorkerBackoffBase,
		BackoffMax:       a.cfg.WorkerBackoffMax,
		DequeueWait:      a.cfg.WorkerDequeueWait,
		DownloadExpiry:   a.cfg.DownloadURLExpiry,
		TranscodedPrefix: a.cfg.TranscodedKeyPrefix,
	}, a.jobs, a.audios, a.storage, analyzer)
}

func init() {
	workerCmd.Flags().BoolVar(&workerRecover, "recover", false, "requeue jobs left in the processing list before starting")
	rootCmd.AddCommand(workerCmd)
}
