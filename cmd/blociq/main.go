package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/blociq/docpipe/internal/app"
	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/logging"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
)

var (
	composeFile  string
	pollInterval = time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "blociq: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blociq",
		Short: "Operate the BlocIQ document pipeline",
		Long: `blociq brings the compose stack up and waits until the API and the worker report
healthy, runs either binary locally, and gives operators tools to inspect and re-drive
document jobs, export them, audit dependencies and ingest documents from a folder.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file for up, down and logs")
	cmd.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newLogsCmd(),
		newRunCmd(),
		newTokenCmd(),
		newJobsCmd(),
		newAuditCmd(),
		newIngestCmd(),
	)
	return cmd
}

// env holds what the operator commands share. Collaborators are opened on
// demand and released by close.
type env struct {
	cfg     *config.Config
	log     *zap.Logger
	store   repository.Store
	rdb     *redis.Client
	closers []func() error
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// Operators read the command output; keep the log quiet and readable.
	log := logging.Must("warn", "console")
	return &env{cfg: cfg, log: log}, nil
}

func (e *env) openStore(ctx context.Context) (repository.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	store, err := repository.Open(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, store.Close)
	return store, nil
}

func (e *env) blobs(ctx context.Context) (s3storage.BlobStore, error) {
	blobs, err := app.Blobs(ctx, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("open document bucket: %w", err)
	}
	return blobs, nil
}

// redis returns nil in inline mode, where nothing else shares a Redis.
func (e *env) redis() redis.UniversalClient {
	if e.cfg.QueueMode != config.QueueAsynq {
		return nil
	}
	if e.rdb == nil {
		e.rdb = app.Redis(e.cfg)
		e.closers = append(e.closers, e.rdb.Close)
	}
	return e.rdb
}

func (e *env) queue() (queue.Enqueuer, error) {
	if e.cfg.QueueMode != config.QueueAsynq {
		return nil, fmt.Errorf("tasks can only be queued from the CLI with BLOCIQ_QUEUE=%s", config.QueueAsynq)
	}
	q, client := app.QueueClient(e.cfg)
	e.closers = append(e.closers, client.Close)
	return q, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	_ = e.log.Sync()
}

func newUpCmd() *cobra.Command {
	var (
		skipBuild bool
		wait      bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the compose stack and wait for the API and worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "up", "-d"}
			if !skipBuild {
				composeArgs = append(composeArgs, "--build")
			}
			composeArgs = append(composeArgs, args...)
			if err := runCommand(ctx, nil, "docker", composeArgs...); err != nil {
				return err
			}
			if !wait {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			if err := waitHTTP(ctx, http.DefaultClient, cfg.PublicBaseURL+"/healthz"); err != nil {
				return fmt.Errorf("api not ready: %w", err)
			}
			fmt.Fprintf(out, "api ready at %s\n", cfg.PublicBaseURL)
			status, err := waitGRPCHealth(ctx, dialTarget(cfg.HealthAddress))
			if err != nil {
				return fmt.Errorf("worker not ready: %w", err)
			}
			fmt.Fprintf(out, "worker health: %s\n", status)
			if status != grpc_health_v1.HealthCheckResponse_SERVING {
				fmt.Fprintln(out, "run `blociq audit` to see which dependency is failing")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip rebuilding images before starting")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for /healthz and the worker health service")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for the stack")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return runCommand(cmd.Context(), nil, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Also remove the Postgres and MinIO volumes")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show api and worker logs (or the named services)",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "logs"}
			if follow {
				composeArgs = append(composeArgs, "--follow")
			}
			if len(args) == 0 {
				args = []string{"api", "worker"}
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(cmd.Context(), nil, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream logs continuously")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the API or the worker from source",
	}

	var inline bool
	api := &cobra.Command{
		Use:   "api",
		Short: "go run ./cmd/server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []string
			if inline {
				// The API processes jobs itself; no Redis or worker is needed.
				extra = append(extra, "BLOCIQ_QUEUE="+config.QueueInline)
			}
			return runCommand(cmd.Context(), extra, "go", append([]string{"run", "./cmd/server"}, args...)...)
		},
	}
	api.Flags().BoolVar(&inline, "inline", false, "Process jobs in the API process (BLOCIQ_QUEUE=inline)")

	worker := &cobra.Command{
		Use:   "worker",
		Short: "go run ./cmd/worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), nil, "go", append([]string{"run", "./cmd/worker"}, args...)...)
		},
	}
	cmd.AddCommand(api, worker)
	return cmd
}

// waitHTTP polls url until it answers 200.
func waitHTTP(ctx context.Context, client *http.Client, url string) error {
	var last error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if ctx.Err() != nil {
			return fmt.Errorf("%w (last: %v)", ctx.Err(), last)
		}
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("%s returned %d", url, resp.StatusCode)
		}
		last = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %v)", ctx.Err(), last)
		case <-time.After(pollInterval):
		}
	}
}

// waitGRPCHealth polls the overall health status at target until the worker
// answers, and returns whatever status it reports.
func waitGRPCHealth(ctx context.Context, target string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)
	for {
		cctx, cancel := context.WithTimeout(ctx, pollInterval)
		resp, err := client.Check(cctx, &grpc_health_v1.HealthCheckRequest{})
		cancel()
		if err == nil {
			return resp.GetStatus(), nil
		}
		select {
		case <-ctx.Done():
			return grpc_health_v1.HealthCheckResponse_UNKNOWN, fmt.Errorf("%w (last: %v)", ctx.Err(), err)
		case <-time.After(pollInterval):
		}
	}
}

// dialTarget turns a listen address such as ":9090" into one a client can
// dial.
func dialTarget(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func runCommand(ctx context.Context, extraEnv []string, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	if len(extraEnv) > 0 {
		execCmd.Env = append(os.Environ(), extraEnv...)
	}
	return execCmd.Run()
}
