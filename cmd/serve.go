package cmd

import (
	"audioingest/core/ingest"
	"audioingest/logger"
	"audioingest/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveWithWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the upload API",
	Long: `Start the HTTP API serving /uploads/presign, /uploads/complete and /uploads/{id}.
With --with-worker a transcode worker pool runs in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, "api", appNeeds{db: true, queue: true, storage: true})
		if err != nil {
			logger.Fatal("Startup failed", logger.ErrorField(err))
		}
		defer a.close()

		svc := ingest.NewService(a.storage, a.audios, a.jobs, ingest.Options{
			UploadExpiry: a.cfg.UploadURLExpiry,
			VerifyUpload: a.cfg.VerifyUploadOnClose,
		})
		router := server.NewRouter(server.Deps{
			Ingest:    svc,
			Users:     a.users,
			JWTSecret: a.cfg.JWTSecret,
			Ready:     a.ready,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Serve(gctx, a.cfg.HTTPAddr, router)
		})
		if serveWithWorker {
			w := newWorker(a)
			g.Go(func() error {
				return w.Run(gctx)
			})
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also run the transcode worker in this process")
	rootCmd.AddCommand(serveCmd)
}
