package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/blociq/docpipe/internal/ingest"
	"github.com/blociq/docpipe/internal/logging"
	"github.com/blociq/docpipe/internal/upload"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Bulk document intake",
	}
	cmd.AddCommand(newIngestWatchCmd())
	return cmd
}

func newIngestWatchCmd() *cobra.Command {
	var (
		dir      string
		user     string
		variant  string
		debounce time.Duration
		scan     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Upload PDF and DOCX files dropped into a folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dir == "" || user == "" {
				return errors.New("--dir and --user are required")
			}
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.close()
			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			blobs, err := e.blobs(ctx)
			if err != nil {
				return err
			}
			q, err := e.queue()
			if err != nil {
				return err
			}
			log := logging.Must(e.cfg.LogLevel, "console").Named("ingest")
			svc := upload.NewService(e.cfg, store, blobs, q, log)
			w, err := ingest.New(ingest.Config{
				Dir:         dir,
				UserID:      user,
				Variant:     variant,
				Debounce:    debounce,
				InitialScan: scan,
			}, svc, log)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Folder to watch")
	cmd.Flags().StringVar(&user, "user", "", "User id the documents are uploaded for")
	cmd.Flags().StringVar(&variant, "variant", "", "Document variant: lease, compliance or general")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Quiet period before a file is uploaded")
	cmd.Flags().BoolVar(&scan, "scan", false, "Also upload files already in the folder")
	return cmd
}
