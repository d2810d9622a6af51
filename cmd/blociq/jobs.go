package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blociq/docpipe/internal/app"
	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/ocr"
	"github.com/blociq/docpipe/internal/pipeline"
	"github.com/blociq/docpipe/internal/report"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and re-drive document jobs",
	}
	cmd.AddCommand(newJobsStaleCmd(), newJobsRequeueCmd(), newJobsExportCmd())
	return cmd
}

func newJobsStaleCmd() *cobra.Command {
	var (
		olderThan time.Duration
		requeue   bool
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List in-flight jobs that have not moved recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.close()
			if olderThan <= 0 {
				olderThan = e.cfg.StaleAfter
			}
			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			jobs, err := store.List(ctx, repository.ListFilter{
				Statuses:      model.InFlight(),
				UpdatedBefore: time.Now().Add(-olderThan),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tUPDATED\tFILENAME")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Status, j.Attempts, j.UpdatedAt.UTC().Format(time.RFC3339), j.Filename)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !requeue || len(jobs) == 0 {
				return nil
			}

			q, err := e.queue()
			if err != nil {
				return err
			}
			var failed int
			for _, j := range jobs {
				task, err := pipeline.Redrive(ctx, q, j)
				if err != nil {
					failed++
					fmt.Fprintf(out, "requeue %s: %v\n", j.ID, err)
					continue
				}
				fmt.Fprintf(out, "requeued %s as %s\n", j.ID, task)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs could not be requeued", failed, len(jobs))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Idle time before a job counts as stale (defaults to BLOCIQ_STALE_AFTER)")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Re-enqueue the task for each stale job's current stage")
	return cmd
}

func newJobsRequeueCmd() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Re-enqueue the task for a job's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.close()
			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			job, err := store.Get(ctx, args[0])
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			q, err := e.queue()
			if err != nil {
				return err
			}
			if fresh {
				blobs, err := e.blobs(ctx)
				if err != nil {
					return err
				}
				cached, err := app.OCR(e.cfg, e.redis(), e.log)
				if err != nil {
					return err
				}
				if err := dropCachedOCR(ctx, cached, blobs, job); err != nil {
					return err
				}
			}
			task, err := pipeline.Redrive(ctx, q, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s) as %s\n", job.ID, job.Status, task)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Drop the cached OCR result first so the document is read again")
	return cmd
}

// dropCachedOCR removes the cached extraction of the job's stored document.
func dropCachedOCR(ctx context.Context, cached *ocr.Cached, blobs s3storage.BlobStore, job *model.Job) error {
	data, err := blobs.Get(ctx, job.StorageKey)
	if err != nil {
		return fmt.Errorf("read %s: %w", job.StorageKey, err)
	}
	if err := cached.Invalidate(ctx, data); err != nil {
		return fmt.Errorf("drop cached ocr for %s: %w", job.ID, err)
	}
	return nil
}

func newJobsExportCmd() *cobra.Command {
	var (
		outPath  string
		user     string
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write jobs to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := repository.ListFilter{UserID: user, Limit: limit}
			for _, raw := range statuses {
				st := model.Status(strings.ToUpper(raw))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, st)
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
			jobs, err := store.List(ctx, filter)
			if err != nil {
				return err
			}
			rows := make([]model.Job, len(jobs))
			for i, j := range jobs {
				rows[i] = *j
			}
			data, err := report.JobsXLSX(rows)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d jobs to %s\n", len(rows), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "jobs.xlsx", "Output file")
	cmd.Flags().StringVar(&user, "user", "", "Only jobs owned by this user")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only jobs in these statuses (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs (0 for all)")
	return cmd
}
