// Package audit runs the operator health report: dependency reachability
// followed by a listing of stalled and failed jobs.
package audit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/blociq/docpipe/internal/health"
	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/repository"
)

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Name    string
	Err     error
	Elapsed time.Duration
}

// Report is what Run produces.
type Report struct {
	Checks  []CheckResult
	Stalled []*model.Job
	Failed  []*model.Job
}

// OK reports whether every check passed and no job is stalled.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if c.Err != nil {
			return false
		}
	}
	return len(r.Stalled) == 0
}

// Options configures Run.
type Options struct {
	Checks map[string]health.Check
	// Store may be nil when the database check itself failed to connect.
	Store      repository.Store
	StaleAfter time.Duration
	// FailedLimit caps how many recent failures are listed.
	FailedLimit int
	Now         func() time.Time
}

// Run executes the checks in name order and then scans the job table.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FailedLimit <= 0 {
		opts.FailedLimit = 20
	}
	report := &Report{}

	names := make([]string, 0, len(opts.Checks))
	for name := range opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		start := time.Now()
		err := opts.Checks[name](cctx)
		cancel()
		report.Checks = append(report.Checks, CheckResult{Name: name, Err: err, Elapsed: time.Since(start)})
	}

	if opts.Store == nil {
		return report, nil
	}
	stalled, err := opts.Store.List(ctx, repository.ListFilter{
		Statuses:      model.InFlight(),
		UpdatedBefore: opts.Now().Add(-opts.StaleAfter),
	})
	if err != nil {
		return report, fmt.Errorf("list stalled jobs: %w", err)
	}
	report.Stalled = stalled

	failed, err := opts.Store.List(ctx, repository.ListFilter{
		Statuses: []model.Status{model.StatusFailed},
		Limit:    opts.FailedLimit,
	})
	if err != nil {
		return report, fmt.Errorf("list failed jobs: %w", err)
	}
	report.Failed = failed
	return report, nil
}

// Write renders the report as aligned plain text.
func (r *Report) Write(w io.Writer, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tTIME\tDETAIL")
	for _, c := range r.Checks {
		status, detail := "ok", ""
		if c.Err != nil {
			status, detail = "FAIL", c.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, status, c.Elapsed.Round(time.Millisecond), detail)
	}
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "STALLED JOBS (%d)\n", len(r.Stalled))
	if len(r.Stalled) > 0 {
		fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tIDLE\tFILENAME")
		for _, j := range r.Stalled {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Status, j.Attempts, now.Sub(j.UpdatedAt).Round(time.Second), j.Filename)
		}
	}
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "RECENT FAILURES (%d)\n", len(r.Failed))
	if len(r.Failed) > 0 {
		fmt.Fprintln(tw, "ID\tCODE\tUPDATED\tMESSAGE")
		for _, j := range r.Failed {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, deref(j.ErrorCode), j.UpdatedAt.UTC().Format(time.RFC3339), deref(j.ErrorMessage))
		}
	}
	return tw.Flush()
}

// HTTPReachable returns a check that succeeds when url answers with anything
// other than a 5xx. Auth failures still prove the service is up, so 4xx is
// reported but tolerated unless strict is set.
func HTTPReachable(client *http.Client, url string, header http.Header, strict bool) health.Check {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s answered %d", url, resp.StatusCode)
		case strict && resp.StatusCode >= 400:
			return fmt.Errorf("%s rejected the request with %d", url, resp.StatusCode)
		}
		return nil
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
