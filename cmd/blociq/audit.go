package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/blociq/docpipe/internal/app"
	"github.com/blociq/docpipe/internal/audit"
	"github.com/blociq/docpipe/internal/s3storage"
)

func newAuditCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check dependencies and report stalled or failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.close()
			if staleAfter <= 0 {
				staleAfter = e.cfg.StaleAfter
			}

			// A store or bucket that cannot be opened is reported as a failed
			// check rather than aborting the audit.
			checks := app.Checks(e.cfg, nil, nil, nil)
			store, storeErr := e.openStore(ctx)
			if storeErr != nil {
				checks["database"] = failing(storeErr)
			} else {
				checks["database"] = store.Ping
			}
			if blobs, err := s3storage.New(e.cfg); err != nil {
				checks["bucket"] = failing(err)
			} else {
				checks["bucket"] = blobs.Ping
			}
			if rdb := e.redis(); rdb != nil {
				checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
			}

			opts := audit.Options{Checks: checks, StaleAfter: staleAfter}
			if storeErr == nil {
				opts.Store = store
			}
			report, err := audit.Run(ctx, opts)
			if report != nil {
				if werr := report.Write(cmd.OutOrStdout(), time.Now()); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if !report.OK() {
				return errors.New("audit found problems")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Idle time before an in-flight job is reported (defaults to BLOCIQ_STALE_AFTER)")
	return cmd
}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}
