package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "audioingest",
	Short: "Direct-to-storage audio ingestion with background transcoding.",
	Long: `audioingest hands clients presigned upload URLs for S3, GCS or Azure,
records completed uploads and transcodes them in a background worker pool.`,
	SilenceUsage: true,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
