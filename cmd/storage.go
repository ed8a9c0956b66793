package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"audioingest/logger"
	"audioingest/storage"

	"github.com/spf13/cobra"
)

var (
	storageOwner       int64
	storagePrefix      string
	storageFilename    string
	storageContentType string
	storageExpiry      time.Duration
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Object storage diagnostics",
	Long:  `Check provider credentials by issuing URLs, and audit uploaded objects.`,
}

var storagePresignCmd = &cobra.Command{
	Use:   "presign",
	Short: "Issue an upload URL for a fresh key",
	Example: `  audioingest storage presign --owner 7 --filename song.wav --content-type audio/wav`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "cli", appNeeds{storage: true})
		if err != nil {
			return err
		}
		defer a.close()

		if storageOwner <= 0 {
			return fmt.Errorf("--owner must be a positive user id")
		}
		key := storage.NewUploadKey(storageOwner, storageFilename)
		cred, err := a.storage.GenerateUploadURL(ctx, key, storageContentType, storageExpiry)
		if err != nil {
			return err
		}
		fmt.Printf("provider: %s\nkey:      %s\nmethod:   %s\nurl:      %s\n", a.storage.Provider(), key, cred.Method, cred.URL)
		for k, v := range cred.Headers {
			fmt.Printf("header:   %s: %s\n", k, v)
		}
		return nil
	},
}

var storageURLCmd = &cobra.Command{
	Use:   "url KEY",
	Short: "Issue a download URL for an existing key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "cli", appNeeds{storage: true})
		if err != nil {
			return err
		}
		defer a.close()

		u, err := a.storage.GenerateDownloadURL(ctx, args[0], storageExpiry)
		if err != nil {
			return err
		}
		fmt.Println(u)
		return nil
	},
}

var storageLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List uploaded objects and the owner encoded in each key",
	Example: `  audioingest storage ls --owner 7
  audioingest storage ls --prefix transcoded/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "cli", appNeeds{storage: true})
		if err != nil {
			return err
		}
		defer a.close()

		lister, ok := a.storage.(storage.Lister)
		if !ok {
			return fmt.Errorf("provider %s does not support listing", a.storage.Provider())
		}
		prefix := storagePrefix
		if storageOwner > 0 {
			prefix = storage.OwnerPrefix(storageOwner)
		}

		objects, err := lister.List(ctx, prefix)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OWNER\tSIZE\tMODIFIED\tKEY")
		var total int64
		for _, obj := range objects {
			owner := "-"
			if k, err := storage.ParseUploadKey(obj.Key); err == nil {
				owner = fmt.Sprint(k.OwnerID)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", owner, obj.Size, obj.LastModified.UTC().Format(time.RFC3339), obj.Key)
			total += obj.Size
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		logger.Debug("Listed objects", logger.String("prefix", prefix), logger.Int("count", len(objects)))
		fmt.Printf("\n%d objects, %d bytes\n", len(objects), total)
		return nil
	},
}

func init() {
	storagePresignCmd.Flags().Int64Var(&storageOwner, "owner", 0, "owner user id encoded in the key")
	storagePresignCmd.Flags().StringVar(&storageFilename, "filename", "probe.wav", "client filename")
	storagePresignCmd.Flags().StringVar(&storageContentType, "content-type", "audio/wav", "content type the upload must carry")
	storageCmd.PersistentFlags().DurationVar(&storageExpiry, "expiry", time.Hour, "URL lifetime")

	storageLsCmd.Flags().Int64Var(&storageOwner, "owner", 0, "list uploads of one user")
	storageLsCmd.Flags().StringVarP(&storagePrefix, "prefix", "p", storage.UploadPrefix+"/", "key prefix to list")

	storageCmd.AddCommand(storagePresignCmd, storageURLCmd, storageLsCmd)
	rootCmd.AddCommand(storageCmd)
}
