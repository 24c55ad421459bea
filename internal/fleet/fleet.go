// Package fleet implements the batch runner lifecycle operations:
// deploy, list, and undeploy.  It is engine-agnostic -- provisioning
// and teardown are delegated to an engine.Engine, and runner
// registration state lives in the GitHub runner registry.
//
// Fleet operations are partial-failure tolerant: a failed instance is
// reported in the operation's report without aborting the rest of the
// batch.  Per-instance work within a batch runs concurrently; the only
// shared state is the aggregated report.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/ghapi"
	"github.com/terrpan/runnerfleet/internal/userdata"
)

// namePrefix marks every instance and runner the fleet manages.
const namePrefix = "github-ec2-runner"

// repoTag is the instance tag correlating instances with the repository.
const repoTag = "GitHubRepo"

// Spec describes one group of identical runners to deploy.
type Spec struct {
	InstanceType string
	AMIID        string
	Count        int
	DiskSizeGB   int64
	// Labels is the full (augmented) label set for this group.
	Labels []string
}

// Config holds the manager's collaborators.
type Config struct {
	// Repo is the GitHub repository in "owner/name" form.
	Repo string
	// RepoURL is the https URL runners register against.
	RepoURL  string
	Registry ghapi.Registry
	Engine   engine.Engine
	Logger   *slog.Logger
}

// Manager executes fleet operations against one repository.
type Manager struct {
	repo     string
	repoURL  string
	registry ghapi.Registry
	engine   engine.Engine
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	instancesLaunched   metric.Int64Counter
	instancesTerminated metric.Int64Counter
	runnersDeregistered metric.Int64Counter
	launchDuration      metric.Float64Histogram
}

// New creates a Manager.
func New(cfg Config) *Manager {
	m := &Manager{
		repo:     cfg.Repo,
		repoURL:  cfg.RepoURL,
		registry: cfg.Registry,
		engine:   cfg.Engine,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("runnerfleet/fleet"),
		meter:    otel.Meter("runnerfleet/fleet"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	m.instancesLaunched, err = m.meter.Int64Counter(
		"runnerfleet.instances.launched",
		metric.WithDescription("Total number of runner instances launched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesLaunched counter", slog.String("error", err.Error()))
	}

	m.instancesTerminated, err = m.meter.Int64Counter(
		"runnerfleet.instances.terminated",
		metric.WithDescription("Total number of runner instances terminated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesTerminated counter", slog.String("error", err.Error()))
	}

	m.runnersDeregistered, err = m.meter.Int64Counter(
		"runnerfleet.runners.deregistered",
		metric.WithDescription("Total number of runners deregistered from GitHub"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersDeregistered counter", slog.String("error", err.Error()))
	}

	m.launchDuration, err = m.meter.Float64Histogram(
		"runnerfleet.instance.launch.duration",
		metric.WithDescription("Time to launch a runner instance (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create launchDuration histogram", slog.String("error", err.Error()))
	}

	return m
}

// ---------------------------------------------------------------------------
// Deploy
// ---------------------------------------------------------------------------

// LaunchResult is the final status of one instance launch.
type LaunchResult struct {
	Name       string
	InstanceID string
	Err        error
}

// DeployReport aggregates per-instance launch statuses for one deploy.
type DeployReport struct {
	// Existing counts instances that already satisfied the spec.
	Existing int
	Results  []LaunchResult
}

// Failed returns how many launches failed.
func (r *DeployReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Err returns a non-nil error when any instance failed, so callers can
// exit non-zero after reporting the whole batch.
func (r *DeployReport) Err() error {
	if n := r.Failed(); n > 0 {
		return fmt.Errorf("%d of %d instance launches failed", n, len(r.Results))
	}
	return nil
}

// Deploy reconciles each spec against the already-registered fleet and
// launches the missing instances.  When force is set, the existing
// count is ignored and a full count of new instances is launched.
func (m *Manager) Deploy(ctx context.Context, specs []Spec, userDataTemplate string, force bool) (*DeployReport, error) {
	ctx, span := m.tracer.Start(ctx, "fleet.Deploy")
	defer span.End()

	if err := m.engine.EnsureNetwork(ctx); err != nil {
		return nil, fmt.Errorf("ensure network: %w", err)
	}

	report := &DeployReport{}
	for _, spec := range specs {
		if err := m.deploySpec(ctx, spec, userDataTemplate, force, report); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.Int("fleet.launched", len(report.Results)),
		attribute.Int("fleet.failed", report.Failed()),
	)
	return report, nil
}

// deploySpec reconciles a single spec.  Launches within the spec run
// concurrently; results are appended to the shared report.
func (m *Manager) deploySpec(ctx context.Context, spec Spec, userDataTemplate string, force bool, report *DeployReport) error {
	m.logger.Info("processing runner spec",
		slog.String("instanceType", spec.InstanceType),
		slog.String("ami", spec.AMIID),
		slog.Int("count", spec.Count),
		slog.Int64("diskGB", spec.DiskSizeGB),
		slog.String("labels", strings.Join(spec.Labels, ",")),
	)

	existing, err := m.matchedInstances(ctx, spec.Labels)
	if err != nil {
		return err
	}
	m.logger.Info("found existing instances", slog.Int("count", len(existing)))

	need := spec.Count - len(existing)
	if force {
		need = spec.Count
	}
	if need <= 0 {
		m.logger.Info("target count already met, skipping",
			slog.Int("target", spec.Count),
			slog.Int("existing", len(existing)),
		)
		report.Existing += len(existing)
		return nil
	}
	report.Existing += len(existing)

	timestamp := time.Now().Unix()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			name := m.instanceName(spec.InstanceType, timestamp, index+1)
			id, err := m.launchInstance(ctx, spec, userDataTemplate, name)

			mu.Lock()
			report.Results = append(report.Results, LaunchResult{Name: name, InstanceID: id, Err: err})
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return nil
}

// launchInstance mints a registration token, renders the user data,
// and launches one instance.
func (m *Manager) launchInstance(ctx context.Context, spec Spec, userDataTemplate, name string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "fleet.launchInstance")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", name))

	start := time.Now()

	token, err := m.registry.CreateRegistrationToken(ctx)
	if err != nil {
		return "", fmt.Errorf("registration token for %s: %w", name, err)
	}

	params := userdata.Params{
		RepoURL: m.repoURL,
		Labels:  spec.Labels,
		Token:   token,
		Name:    name,
	}

	inst, err := m.engine.Launch(ctx, engine.LaunchSpec{
		Name:         name,
		InstanceType: spec.InstanceType,
		ImageID:      spec.AMIID,
		DiskSizeGB:   spec.DiskSizeGB,
		UserData:     userdata.Render(userDataTemplate, params),
		Env: map[string]string{
			"GITHUB_REPO_URL": params.RepoURL,
			"RUNNER_LABELS":   strings.Join(params.Labels, ","),
			"RUNNER_TOKEN":    params.Token,
			"RUNNER_NAME":     params.Name,
		},
		Tags: map[string]string{
			"Name":  name,
			repoTag: m.repo,
		},
	})
	if err != nil {
		return "", fmt.Errorf("launch %s: %w", name, err)
	}

	if m.launchDuration != nil {
		m.launchDuration.Record(ctx, time.Since(start).Seconds())
	}
	if m.instancesLaunched != nil {
		m.instancesLaunched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("instance_type", spec.InstanceType),
		))
	}

	m.logger.Info("instance launched",
		slog.String("name", name),
		slog.String("instanceID", inst.ID),
	)
	return inst.ID, nil
}

func (m *Manager) instanceName(instanceType string, timestamp int64, index int) string {
	return fmt.Sprintf("%s-%s-%s-%d-%d",
		namePrefix,
		strings.ReplaceAll(m.repo, "/", "-"),
		instanceType,
		timestamp,
		index,
	)
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

// Overview is the cross-referenced view of registered runners and
// live compute instances.
type Overview struct {
	Runners   []ghapi.Runner
	Instances []engine.Instance
}

// ManagedRunners returns the registered runners this fleet created.
func (o *Overview) ManagedRunners() []ghapi.Runner {
	var out []ghapi.Runner
	for _, r := range o.Runners {
		if strings.Contains(r.Name, namePrefix) {
			out = append(out, r)
		}
	}
	return out
}

// Orphans returns instances with no matching registered runner --
// these are the "half configured" machines the fleet invariant is
// meant to surface.
func (o *Overview) Orphans() []engine.Instance {
	registered := make(map[string]bool, len(o.Runners))
	for _, r := range o.Runners {
		registered[r.Name] = true
	}
	var out []engine.Instance
	for _, inst := range o.Instances {
		if !registered[inst.Name] {
			out = append(out, inst)
		}
	}
	return out
}

// List fetches registered runners and live instances for the repository.
func (m *Manager) List(ctx context.Context) (*Overview, error) {
	ctx, span := m.tracer.Start(ctx, "fleet.List")
	defer span.End()

	runners, err := m.registry.ListRunners(ctx)
	if err != nil {
		return nil, err
	}

	instances, err := m.repoInstances(ctx)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("fleet.runners", len(runners)),
		attribute.Int("fleet.instances", len(instances)),
	)
	return &Overview{Runners: runners, Instances: instances}, nil
}

// ---------------------------------------------------------------------------
// Undeploy
// ---------------------------------------------------------------------------

// Target pairs an instance with its registered runner (RunnerID 0
// when no runner matches the instance name).
type Target struct {
	Instance engine.Instance
	RunnerID int64
}

// TerminateResult is the final status of one instance teardown.
type TerminateResult struct {
	Name         string
	InstanceID   string
	Deregistered bool
	Err          error
}

// UndeployReport aggregates per-instance teardown statuses.
type UndeployReport struct {
	Results []TerminateResult
}

// Terminated returns how many instances were terminated.
func (r *UndeployReport) Terminated() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Deregistered returns how many runners were deregistered.
func (r *UndeployReport) Deregistered() int {
	n := 0
	for _, res := range r.Results {
		if res.Deregistered {
			n++
		}
	}
	return n
}

// Err returns a non-nil error when any teardown failed.
func (r *UndeployReport) Err() error {
	failed := len(r.Results) - r.Terminated()
	if failed > 0 {
		return fmt.Errorf("%d of %d instance teardowns failed", failed, len(r.Results))
	}
	return nil
}

// FindTargets resolves the instances to terminate.  With labels, only
// instances whose registered runner carries every label match; without
// labels, every instance tagged for the repository matches.
func (m *Manager) FindTargets(ctx context.Context, labels []string) ([]Target, error) {
	ctx, span := m.tracer.Start(ctx, "fleet.FindTargets")
	defer span.End()

	var (
		instances []engine.Instance
		err       error
	)
	if len(labels) == 0 {
		instances, err = m.repoInstances(ctx)
	} else {
		instances, err = m.matchedInstances(ctx, labels)
	}
	if err != nil {
		return nil, err
	}

	runnerIDs, err := m.managedRunnerIDs(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(instances))
	for _, inst := range instances {
		targets = append(targets, Target{
			Instance: inst,
			RunnerID: runnerIDs[inst.Name],
		})
	}

	span.SetAttributes(attribute.Int("fleet.targets", len(targets)))
	return targets, nil
}

// Undeploy deregisters and terminates the targets.  Each target is
// handled independently: a failed deregistration still terminates the
// instance, and a failed instance does not abort the batch.
func (m *Manager) Undeploy(ctx context.Context, targets []Target) *UndeployReport {
	ctx, span := m.tracer.Start(ctx, "fleet.Undeploy")
	defer span.End()

	report := &UndeployReport{}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, target := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			res := m.teardown(ctx, t)

			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Int("fleet.terminated", report.Terminated()),
		attribute.Int("fleet.deregistered", report.Deregistered()),
	)
	return report
}

func (m *Manager) teardown(ctx context.Context, t Target) TerminateResult {
	res := TerminateResult{
		Name:       t.Instance.Name,
		InstanceID: t.Instance.ID,
	}

	if t.RunnerID != 0 {
		if err := m.registry.RemoveRunner(ctx, t.RunnerID); err != nil {
			// Keep going: a stale registration must not leave the
			// instance running and billing.
			m.logger.Warn("failed to deregister runner, terminating anyway",
				slog.String("name", t.Instance.Name),
				slog.Int64("runnerID", t.RunnerID),
				slog.String("error", err.Error()),
			)
		} else {
			res.Deregistered = true
			if m.runnersDeregistered != nil {
				m.runnersDeregistered.Add(ctx, 1)
			}
		}
	} else {
		m.logger.Warn("no matching registered runner for instance",
			slog.String("name", t.Instance.Name),
		)
	}

	if err := m.engine.Terminate(ctx, t.Instance.ID); err != nil {
		res.Err = err
		return res
	}
	if m.instancesTerminated != nil {
		m.instancesTerminated.Add(ctx, 1)
	}
	return res
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// repoInstances lists every live instance the fleet tagged for the
// repository.
func (m *Manager) repoInstances(ctx context.Context) ([]engine.Instance, error) {
	instances, err := m.engine.List(ctx, engine.Filter{
		Tags: map[string]string{repoTag: m.repo},
	})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

// matchedInstances returns the instances whose registered runner
// carries every label in labels.  Instances and runners correlate by
// name.
func (m *Manager) matchedInstances(ctx context.Context, labels []string) ([]engine.Instance, error) {
	runners, err := m.registry.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	matching := ghapi.FilterByLabels(runners, labels)

	names := make(map[string]bool, len(matching))
	for _, r := range matching {
		names[r.Name] = true
	}

	instances, err := m.repoInstances(ctx)
	if err != nil {
		return nil, err
	}

	var matched []engine.Instance
	for _, inst := range instances {
		if names[inst.Name] {
			matched = append(matched, inst)
		}
	}
	return matched, nil
}

// managedRunnerIDs maps fleet-managed runner names to registry IDs.
func (m *Manager) managedRunnerIDs(ctx context.Context) (map[string]int64, error) {
	runners, err := m.registry.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	ids := make(map[string]int64)
	for _, r := range runners {
		if strings.Contains(r.Name, namePrefix) {
			ids[r.Name] = r.ID
		}
	}
	return ids, nil
}
