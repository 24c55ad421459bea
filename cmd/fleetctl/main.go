// fleetctl is the fleet manager: it deploys, lists, and undeploys
// GitHub Actions self-hosted runners on a compute backend.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terrpan/runnerfleet/internal/config"
	"github.com/terrpan/runnerfleet/internal/fleet"
	"github.com/terrpan/runnerfleet/internal/otel"
	"github.com/terrpan/runnerfleet/internal/userdata"
)

var (
	cfgPath      string
	userDataPath string
	repoOverride string
	labelFilter  []string
	force        bool

	logLevelOverride  string
	logFormatOverride string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Manage GitHub Actions self-hosted runners on EC2",
	Long: `fleetctl applies a declarative runner configuration: it launches EC2
instances that bootstrap and register themselves as self-hosted runners,
cross-references registered runners with live instances, and tears the
fleet down again.

Configuration is read from a YAML file (--config) with ${VAR} and
${VAR:default} environment interpolation.  The GitHub token comes from
the GITHUB_TOKEN environment variable.`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Launch runner instances until each spec's count is met",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runDeploy(ctx)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered runners and live instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runList(ctx)
	},
}

var undeployCmd = &cobra.Command{
	Use:   "undeploy",
	Short: "Deregister runners and terminate their instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runUndeploy(ctx)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "runner_config.yaml", "Path to YAML configuration file")
	pf.StringVar(&repoOverride, "repo", "", "GitHub repository in owner/name form (overrides config)")
	pf.StringVar(&logLevelOverride, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormatOverride, "log-format", "", "Log format (text, json)")

	deployCmd.Flags().StringVar(&userDataPath, "user-data", "setup_runner.sh", "Path to the user data template")
	deployCmd.Flags().BoolVar(&force, "force", false, "Launch the full count even when existing instances satisfy it")

	undeployCmd.Flags().StringSliceVar(&labelFilter, "labels", nil, "Only terminate instances whose runner carries all of these labels")
	undeployCmd.Flags().BoolVar(&force, "force", false, "Terminate without confirmation")

	rootCmd.AddCommand(deployCmd, listCmd, undeployCmd)
}

// setup loads and validates configuration and wires the manager's
// collaborators.  The returned cleanup releases the engine and, when
// telemetry is enabled, flushes the exporters.
func setup(ctx context.Context) (*fleet.Manager, *config.Config, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("repo", cfg.Repo),
		slog.String("engine", cfg.Engine.Type),
		slog.Int("runnerSpecs", len(cfg.Runners)),
	)

	var otelShutdown func(context.Context) error
	if cfg.OTel.Enabled {
		otelShutdown, err = otel.SetupSDK(ctx, "fleetctl", otel.Config{
			Enabled:  cfg.OTel.Enabled,
			Endpoint: cfg.OTel.Endpoint,
			Insecure: cfg.OTel.Insecure,
			StdOut:   cfg.OTel.StdOut,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initializing telemetry: %w", err)
		}
	}

	registry, err := cfg.NewRegistry(logger)
	if err != nil {
		return nil, nil, nil, err
	}

	eng, err := cfg.NewEngine(logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing engine: %w", err)
	}

	cleanup := func() {
		if err := eng.Close(); err != nil {
			logger.Error("closing engine", slog.String("error", err.Error()))
		}
		if otelShutdown != nil {
			if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("shutting down telemetry", slog.String("error", err.Error()))
			}
		}
	}

	m := fleet.New(fleet.Config{
		Repo:     cfg.Repo,
		RepoURL:  cfg.RepoURL(),
		Registry: registry,
		Engine:   eng,
		Logger:   logger.WithGroup("fleet"),
	})
	return m, cfg, cleanup, nil
}

func applyFlagOverrides(cfg *config.Config) {
	if repoOverride != "" {
		cfg.Repo = repoOverride
	}
	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}
	if logFormatOverride != "" {
		cfg.Logging.Format = logFormatOverride
	}
}

func runDeploy(ctx context.Context) error {
	m, cfg, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	template, err := userdata.Load(userDataPath)
	if err != nil {
		return err
	}

	specs := make([]fleet.Spec, 0, len(cfg.Runners))
	for _, r := range cfg.Runners {
		specs = append(specs, fleet.Spec{
			InstanceType: r.InstanceType,
			AMIID:        r.AMIID,
			Count:        r.Count,
			DiskSizeGB:   r.DiskSizeGB,
			Labels:       r.EffectiveLabels(),
		})
	}

	report, err := m.Deploy(ctx, specs, template, force)
	if err != nil {
		return err
	}

	for _, res := range report.Results {
		if res.Err != nil {
			fmt.Printf("FAILED  %s: %v\n", res.Name, res.Err)
			continue
		}
		fmt.Printf("LAUNCHED  %s (%s)\n", res.Name, res.InstanceID)
	}
	fmt.Printf("%d launched, %d failed, %d already present\n",
		len(report.Results)-report.Failed(), report.Failed(), report.Existing)

	return report.Err()
}

func runList(ctx context.Context) error {
	m, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	overview, err := m.List(ctx)
	if err != nil {
		return err
	}

	managed := overview.ManagedRunners()
	fmt.Printf("Registered runners: %d\n", len(managed))
	for _, r := range managed {
		busy := ""
		if r.Busy {
			busy = " (busy)"
		}
		fmt.Printf("  %-12s %s%s\n", r.Status, r.Name, busy)
		fmt.Printf("               labels: %s\n", strings.Join(r.Labels, ", "))
	}

	fmt.Printf("Instances: %d\n", len(overview.Instances))
	for _, inst := range overview.Instances {
		ip := inst.PublicIP
		if ip == "" {
			ip = "-"
		}
		fmt.Printf("  %-10s %s (%s) type=%s ip=%s\n", inst.State, inst.Name, inst.ID, inst.Type, ip)
	}

	if orphans := overview.Orphans(); len(orphans) > 0 {
		fmt.Printf("Instances without a registered runner: %d\n", len(orphans))
		for _, inst := range orphans {
			fmt.Printf("  %s (%s)\n", inst.Name, inst.ID)
		}
	}
	return nil
}

func runUndeploy(ctx context.Context) error {
	m, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	targets, err := m.FindTargets(ctx, labelFilter)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("no matching instances found")
		return nil
	}

	fmt.Printf("Found %d instance(s) to terminate:\n", len(targets))
	for _, t := range targets {
		fmt.Printf("  %s (%s)\n", t.Instance.Name, t.Instance.ID)
	}

	if !force && !confirm("Terminate these instances? (y/N): ") {
		fmt.Println("cancelled")
		return nil
	}

	report := m.Undeploy(ctx, targets)
	for _, res := range report.Results {
		if res.Err != nil {
			fmt.Printf("FAILED  %s: %v\n", res.Name, res.Err)
		}
	}
	fmt.Printf("%d/%d terminated, %d/%d deregistered\n",
		report.Terminated(), len(report.Results),
		report.Deregistered(), len(report.Results))

	return report.Err()
}

// confirm prompts on stdin and reports whether the operator answered yes.
func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "y")
}
