// runnerd runs on the instance itself.  "runnerd run" executes the
// bootstrap sequence that turns a fresh machine into a registered
// GitHub Actions runner, and "runnerd cleanup" is invoked by the
// runner's job-completed hook to reset the machine between jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerfleet/internal/bootstrap"
	"github.com/terrpan/runnerfleet/internal/health"
	"github.com/terrpan/runnerfleet/internal/otel"
)

var (
	repoURL       string
	token         string
	runnerName    string
	labels        []string
	runnerDir     string
	runnerVersion string
	sshKeyPath    string
	setupFile     string
	healthAddr    string
	otelEndpoint  string

	workDir string
	shmDir  string

	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var perr *bootstrap.PhaseError
		if errors.As(err, &perr) {
			// The exit code tells the operator which phase failed
			// without fishing through the instance log.
			os.Exit(perr.Index + 1)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "runnerd",
	Short:        "Bootstrap and maintain a GitHub Actions runner instance",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bootstrap sequence and register this machine as a runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runBootstrap(ctx)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reset the machine between jobs (job-completed hook)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runCleanup(ctx)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rf := runCmd.Flags()
	rf.StringVar(&repoURL, "repo-url", "", "Repository URL the runner serves")
	rf.StringVar(&token, "token", "", "Registration token minted by the fleet manager")
	rf.StringVar(&runnerName, "name", "", "Runner name (defaults to the hostname)")
	rf.StringSliceVar(&labels, "labels", nil, "Runner labels")
	rf.StringVar(&runnerDir, "runner-dir", "", "Runner install directory (default /opt/actions-runner)")
	rf.StringVar(&runnerVersion, "runner-version", "", "actions/runner release to install")
	rf.StringVar(&sshKeyPath, "ssh-key", "", "SSH key to provision (default ~/.ssh/id_ed25519)")
	rf.StringVar(&setupFile, "setup-file", "", "YAML file with setup steps to run before registration")
	rf.StringVar(&healthAddr, "health-addr", "", "Listen address for /healthz and /metrics (e.g. :8080)")
	rf.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces and metrics")

	cf := cleanupCmd.Flags()
	cf.StringVar(&workDir, "work-dir", "", "Runner job workspace (e.g. /opt/actions-runner/_work)")
	cf.StringVar(&shmDir, "shm-dir", "", "Shared memory directory to reset (default /dev/shm)")

	rootCmd.AddCommand(runCmd, cleanupCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	if strings.ToLower(logFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runBootstrap(ctx context.Context) error {
	logger := newLogger()

	if runnerName == "" {
		runnerName = defaultRunnerName()
	}

	if otelEndpoint != "" || healthAddr != "" {
		shutdown, err := otel.SetupSDK(ctx, "runnerd", otel.Config{
			Enabled:    otelEndpoint != "",
			Endpoint:   otelEndpoint,
			Insecure:   true,
			Prometheus: healthAddr != "",
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("shutting down telemetry", slog.String("error", err.Error()))
			}
		}()
	}

	steps, err := loadSetupSteps(setupFile)
	if err != nil {
		return err
	}

	b, err := bootstrap.New(bootstrap.Config{
		RepoURL:       repoURL,
		Token:         token,
		RunnerName:    runnerName,
		Labels:        labels,
		RunnerDir:     runnerDir,
		RunnerVersion: runnerVersion,
		SSHKeyPath:    sshKeyPath,
		Setup:         steps,
		Logger:        logger.WithGroup("bootstrap"),
	})
	if err != nil {
		return err
	}

	stopHealth := startHealthServer(logger, b.Status)
	defer stopHealth()

	logger.Info("starting bootstrap",
		slog.String("runner", runnerName),
		slog.String("repoUrl", repoURL),
	)
	if err := b.Run(ctx); err != nil {
		return err
	}
	logger.Info("bootstrap complete", slog.String("runner", runnerName))
	return nil
}

func runCleanup(ctx context.Context) error {
	logger := newLogger()

	c := bootstrap.NewCleanup(bootstrap.CleanupConfig{
		WorkDir: workDir,
		ShmDir:  shmDir,
		Docker:  dockerPruner(ctx, logger),
		Logger:  logger.WithGroup("cleanup"),
	})
	return c.Run(ctx)
}

// dockerPruner returns a docker client when the daemon is reachable.
// The hook must succeed on a machine with a wedged daemon, so an
// unreachable engine only downgrades the cleanup.
func dockerPruner(ctx context.Context, logger *slog.Logger) bootstrap.Pruner {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		logger.Warn("docker client unavailable", slog.String("error", err.Error()))
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		logger.Warn("docker daemon unreachable", slog.String("error", err.Error()))
		cli.Close()
		return nil
	}
	return cli
}

// loadSetupSteps reads a YAML list of {name, commands} steps.
func loadSetupSteps(path string) ([]bootstrap.Step, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading setup file %s: %w", path, err)
	}
	var steps []bootstrap.Step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parsing setup file %s: %w", path, err)
	}
	return steps, nil
}

func defaultRunnerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "runner-" + uuid.NewString()[:8]
}

// startHealthServer exposes /healthz and /metrics while the bootstrap
// runs so the fleet manager can poll instance progress.  The returned
// stop shuts the server down, draining in-flight requests for up to
// five seconds.
func startHealthServer(logger *slog.Logger, progress health.Progress) func() {
	if healthAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(progress))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              healthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health server listening", slog.String("addr", healthAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("health server shutdown", slog.String("error", err.Error()))
		}
	}
}
