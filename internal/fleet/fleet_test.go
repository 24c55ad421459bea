package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/ghapi"
)

// ---------------------------------------------------------------------------
// Mock registry (satisfies ghapi.Registry)
// ---------------------------------------------------------------------------

type mockRegistry struct {
	mu sync.Mutex

	runners      []ghapi.Runner
	tokenCalls   int
	removedIDs   []int64
	nextTokenSeq int

	tokenErr  error
	listErr   error
	removeErr error
}

func (m *mockRegistry) CreateRegistrationToken(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokenCalls++
	if m.tokenErr != nil {
		return "", m.tokenErr
	}
	m.nextTokenSeq++
	return fmt.Sprintf("token-%d", m.nextTokenSeq), nil
}

func (m *mockRegistry) ListRunners(_ context.Context) ([]ghapi.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]ghapi.Runner(nil), m.runners...), nil
}

func (m *mockRegistry) RemoveRunner(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removeErr != nil {
		return m.removeErr
	}
	m.removedIDs = append(m.removedIDs, id)
	return nil
}

// ---------------------------------------------------------------------------
// Mock engine (satisfies engine.Engine)
// ---------------------------------------------------------------------------

type mockEngine struct {
	mu sync.Mutex

	networkCalls  int
	launchCalls   []engine.LaunchSpec
	listCalls     []engine.Filter
	terminatedIDs []string
	closed        bool

	instances []engine.Instance

	networkErr   error
	launchErr    error
	listErr      error
	terminateErr error
	nextID       int
}

func (m *mockEngine) EnsureNetwork(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkCalls++
	return m.networkErr
}

func (m *mockEngine) Launch(_ context.Context, spec engine.LaunchSpec) (engine.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.launchCalls = append(m.launchCalls, spec)
	if m.launchErr != nil {
		return engine.Instance{}, m.launchErr
	}
	m.nextID++
	return engine.Instance{
		ID:    fmt.Sprintf("i-%04d", m.nextID),
		Name:  spec.Name,
		State: "pending",
	}, nil
}

func (m *mockEngine) List(_ context.Context, f engine.Filter) ([]engine.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls = append(m.listCalls, f)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]engine.Instance(nil), m.instances...), nil
}

func (m *mockEngine) Terminate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminateErr != nil {
		return m.terminateErr
	}
	m.terminatedIDs = append(m.terminatedIDs, id)
	return nil
}

func (m *mockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

const testTemplate = "url=${github_repo_url} token=${runner_token} name=${runner_name} labels=${runner_labels}"

type FleetSuite struct {
	suite.Suite
	ctx      context.Context
	registry *mockRegistry
	engine   *mockEngine
	manager  *Manager
}

func (s *FleetSuite) SetupTest() {
	s.ctx = context.Background()
	s.registry = &mockRegistry{}
	s.engine = &mockEngine{}
	s.manager = New(Config{
		Repo:     "my-org/my-repo",
		RepoURL:  "https://github.com/my-org/my-repo",
		Registry: s.registry,
		Engine:   s.engine,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestFleetSuite(t *testing.T) {
	suite.Run(t, new(FleetSuite))
}

// seedRunnerWithInstance registers a runner and its backing instance
// under the fleet naming convention.
func (s *FleetSuite) seedRunnerWithInstance(id int64, name string, labels ...string) {
	s.registry.runners = append(s.registry.runners, ghapi.Runner{
		ID:     id,
		Name:   name,
		Status: "online",
		Labels: labels,
	})
	s.engine.instances = append(s.engine.instances, engine.Instance{
		ID:    fmt.Sprintf("i-seed-%d", id),
		Name:  name,
		State: "running",
		Tags:  map[string]string{"Name": name, "GitHubRepo": "my-org/my-repo"},
	})
}

// ---------------------------------------------------------------------------
// Deploy tests
// ---------------------------------------------------------------------------

func (s *FleetSuite) TestDeploy_LaunchesRequestedCount() {
	spec := Spec{
		InstanceType: "t3.large",
		AMIID:        "ami-1",
		Count:        3,
		DiskSizeGB:   40,
		Labels:       []string{"self-hosted", "linux", "type-ec2-t3.large", "ami-1"},
	}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), report.Err())

	assert.Equal(s.T(), 1, s.engine.networkCalls)
	assert.Equal(s.T(), 3, s.registry.tokenCalls, "one registration token per instance")
	require.Len(s.T(), s.engine.launchCalls, 3)
	require.Len(s.T(), report.Results, 3)
	assert.Zero(s.T(), report.Existing)
}

func (s *FleetSuite) TestDeploy_LaunchSpecContents() {
	spec := Spec{
		InstanceType: "t3.large",
		AMIID:        "ami-1",
		Count:        1,
		DiskSizeGB:   40,
		Labels:       []string{"self-hosted", "type-ec2-t3.large"},
	}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), report.Err())

	require.Len(s.T(), s.engine.launchCalls, 1)
	launched := s.engine.launchCalls[0]

	assert.Equal(s.T(), "t3.large", launched.InstanceType)
	assert.Equal(s.T(), "ami-1", launched.ImageID)
	assert.Equal(s.T(), int64(40), launched.DiskSizeGB)
	assert.True(s.T(), strings.HasPrefix(launched.Name, "github-ec2-runner-my-org-my-repo-t3.large-"),
		"name %q should follow the fleet convention", launched.Name)

	assert.Equal(s.T(), "my-org/my-repo", launched.Tags["GitHubRepo"])
	assert.Equal(s.T(), launched.Name, launched.Tags["Name"])

	assert.Contains(s.T(), launched.UserData, "url=https://github.com/my-org/my-repo")
	assert.Contains(s.T(), launched.UserData, "token=token-1")
	assert.Contains(s.T(), launched.UserData, "name="+launched.Name)
	assert.Contains(s.T(), launched.UserData, "labels=self-hosted,type-ec2-t3.large")

	assert.Equal(s.T(), "token-1", launched.Env["RUNNER_TOKEN"])
	assert.Equal(s.T(), launched.Name, launched.Env["RUNNER_NAME"])
}

func (s *FleetSuite) TestDeploy_SkipsWhenCountSatisfied() {
	labels := []string{"self-hosted", "linux"}
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", labels...)
	s.seedRunnerWithInstance(2, "github-ec2-runner-my-org-my-repo-t3.large-1-2", labels...)

	spec := Spec{InstanceType: "t3.large", AMIID: "ami-1", Count: 2, Labels: labels}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)

	assert.Empty(s.T(), s.engine.launchCalls, "count already met, nothing to launch")
	assert.Equal(s.T(), 2, report.Existing)
	assert.Empty(s.T(), report.Results)
}

func (s *FleetSuite) TestDeploy_TopsUpPartialFleet() {
	labels := []string{"self-hosted", "linux"}
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", labels...)

	spec := Spec{InstanceType: "t3.large", AMIID: "ami-1", Count: 3, Labels: labels}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)

	assert.Len(s.T(), s.engine.launchCalls, 2, "launches only the missing instances")
	assert.Equal(s.T(), 1, report.Existing)
}

func (s *FleetSuite) TestDeploy_ForceIgnoresExisting() {
	labels := []string{"self-hosted", "linux"}
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", labels...)
	s.seedRunnerWithInstance(2, "github-ec2-runner-my-org-my-repo-t3.large-1-2", labels...)

	spec := Spec{InstanceType: "t3.large", AMIID: "ami-1", Count: 2, Labels: labels}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, true)
	require.NoError(s.T(), err)

	assert.Len(s.T(), s.engine.launchCalls, 2, "force launches the full count")
	require.NoError(s.T(), report.Err())
}

func (s *FleetSuite) TestDeploy_RedeployLaunchesNothing() {
	spec := Spec{
		InstanceType: "t3.large",
		AMIID:        "ami-123",
		Count:        3,
		Labels:       []string{"self-hosted", "linux", "type-ec2-t3.large", "ami-123"},
	}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)
	require.Len(s.T(), s.engine.launchCalls, 3)

	for i, launched := range s.engine.launchCalls {
		assert.Contains(s.T(), launched.UserData, "type-ec2-t3.large")
		assert.Contains(s.T(), launched.UserData, "ami-123")
		s.seedRunnerWithInstance(int64(i+1), launched.Name, spec.Labels...)
	}

	report, err = s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)

	assert.Len(s.T(), s.engine.launchCalls, 3, "second deploy launches nothing new")
	assert.Equal(s.T(), 3, report.Existing)
	assert.Empty(s.T(), report.Results)
}

func (s *FleetSuite) TestDeploy_ExistingInstanceMatchesByLabels() {
	// Runner carries different labels; it must not count toward the spec.
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-c5.xlarge-1-1", "self-hosted", "gpu")

	spec := Spec{InstanceType: "t3.large", AMIID: "ami-1", Count: 1,
		Labels: []string{"self-hosted", "linux"}}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)

	assert.Len(s.T(), s.engine.launchCalls, 1)
	assert.Zero(s.T(), report.Existing)
}

func (s *FleetSuite) TestDeploy_PartialFailureReported() {
	s.engine.launchErr = fmt.Errorf("InsufficientInstanceCapacity")

	spec := Spec{InstanceType: "t3.large", AMIID: "ami-1", Count: 2,
		Labels: []string{"self-hosted"}}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err, "launch failures land in the report, not the error")

	assert.Equal(s.T(), 2, report.Failed())
	require.Error(s.T(), report.Err())
	assert.Contains(s.T(), report.Err().Error(), "2 of 2")
}

func (s *FleetSuite) TestDeploy_TokenFailureReported() {
	s.registry.tokenErr = fmt.Errorf("403 forbidden")

	spec := Spec{InstanceType: "t3.large", AMIID: "ami-1", Count: 1,
		Labels: []string{"self-hosted"}}

	report, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)

	assert.Empty(s.T(), s.engine.launchCalls, "no launch without a token")
	assert.Equal(s.T(), 1, report.Failed())
}

func (s *FleetSuite) TestDeploy_NetworkFailureAborts() {
	s.engine.networkErr = fmt.Errorf("UnauthorizedOperation")

	_, err := s.manager.Deploy(s.ctx, []Spec{{InstanceType: "t3.large", AMIID: "ami-1", Count: 1}}, testTemplate, false)
	require.Error(s.T(), err)
	assert.Empty(s.T(), s.engine.launchCalls)
}

func (s *FleetSuite) TestDeploy_MultipleSpecs() {
	specs := []Spec{
		{InstanceType: "t3.large", AMIID: "ami-1", Count: 1, Labels: []string{"small"}},
		{InstanceType: "c5.xlarge", AMIID: "ami-2", Count: 2, Labels: []string{"big"}},
	}

	report, err := s.manager.Deploy(s.ctx, specs, testTemplate, false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), report.Err())

	require.Len(s.T(), s.engine.launchCalls, 3)

	var small, big int
	for _, call := range s.engine.launchCalls {
		switch call.InstanceType {
		case "t3.large":
			small++
		case "c5.xlarge":
			big++
		}
	}
	assert.Equal(s.T(), 1, small)
	assert.Equal(s.T(), 2, big)
}

func (s *FleetSuite) TestDeploy_UniqueNamesWithinBatch() {
	spec := Spec{InstanceType: "t3.large", AMIID: "ami-1", Count: 4,
		Labels: []string{"self-hosted"}}

	_, err := s.manager.Deploy(s.ctx, []Spec{spec}, testTemplate, false)
	require.NoError(s.T(), err)

	seen := make(map[string]bool)
	for _, call := range s.engine.launchCalls {
		assert.False(s.T(), seen[call.Name], "duplicate instance name %q", call.Name)
		seen[call.Name] = true
	}
}

// ---------------------------------------------------------------------------
// List tests
// ---------------------------------------------------------------------------

func (s *FleetSuite) TestList_CrossReferences() {
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", "self-hosted")
	// Instance with no registered runner.
	s.engine.instances = append(s.engine.instances, engine.Instance{
		ID:   "i-orphan",
		Name: "github-ec2-runner-my-org-my-repo-t3.large-1-9",
	})
	// Registered runner the fleet does not manage.
	s.registry.runners = append(s.registry.runners, ghapi.Runner{
		ID: 99, Name: "someones-laptop",
	})

	overview, err := s.manager.List(s.ctx)
	require.NoError(s.T(), err)

	require.Len(s.T(), overview.Runners, 2)
	require.Len(s.T(), overview.Instances, 2)

	managed := overview.ManagedRunners()
	require.Len(s.T(), managed, 1)
	assert.Equal(s.T(), int64(1), managed[0].ID)

	orphans := overview.Orphans()
	require.Len(s.T(), orphans, 1)
	assert.Equal(s.T(), "i-orphan", orphans[0].ID)
}

func (s *FleetSuite) TestList_FiltersByRepoTag() {
	_, err := s.manager.List(s.ctx)
	require.NoError(s.T(), err)

	require.Len(s.T(), s.engine.listCalls, 1)
	assert.Equal(s.T(), "my-org/my-repo", s.engine.listCalls[0].Tags["GitHubRepo"])
}

// ---------------------------------------------------------------------------
// Undeploy tests
// ---------------------------------------------------------------------------

func (s *FleetSuite) TestFindTargets_AllWithoutLabels() {
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", "small")
	s.seedRunnerWithInstance(2, "github-ec2-runner-my-org-my-repo-c5.xlarge-1-1", "big")

	targets, err := s.manager.FindTargets(s.ctx, nil)
	require.NoError(s.T(), err)
	require.Len(s.T(), targets, 2)
	assert.Equal(s.T(), int64(1), targets[0].RunnerID)
	assert.Equal(s.T(), int64(2), targets[1].RunnerID)
}

func (s *FleetSuite) TestFindTargets_LabelFilter() {
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", "small")
	s.seedRunnerWithInstance(2, "github-ec2-runner-my-org-my-repo-c5.xlarge-1-1", "big")

	targets, err := s.manager.FindTargets(s.ctx, []string{"big"})
	require.NoError(s.T(), err)
	require.Len(s.T(), targets, 1)
	assert.Equal(s.T(), "i-seed-2", targets[0].Instance.ID)
	assert.Equal(s.T(), int64(2), targets[0].RunnerID)
}

func (s *FleetSuite) TestFindTargets_OrphanHasNoRunnerID() {
	s.engine.instances = append(s.engine.instances, engine.Instance{
		ID:   "i-orphan",
		Name: "github-ec2-runner-my-org-my-repo-t3.large-1-9",
	})

	targets, err := s.manager.FindTargets(s.ctx, nil)
	require.NoError(s.T(), err)
	require.Len(s.T(), targets, 1)
	assert.Zero(s.T(), targets[0].RunnerID)
}

func (s *FleetSuite) TestUndeploy_DeregistersThenTerminates() {
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", "small")

	targets, err := s.manager.FindTargets(s.ctx, nil)
	require.NoError(s.T(), err)

	report := s.manager.Undeploy(s.ctx, targets)
	require.NoError(s.T(), report.Err())

	assert.Equal(s.T(), []int64{1}, s.registry.removedIDs)
	assert.Equal(s.T(), []string{"i-seed-1"}, s.engine.terminatedIDs)
	assert.Equal(s.T(), 1, report.Terminated())
	assert.Equal(s.T(), 1, report.Deregistered())
}

func (s *FleetSuite) TestUndeploy_TerminatesDespiteDeregisterFailure() {
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", "small")
	s.registry.removeErr = fmt.Errorf("422 runner is busy")

	targets, err := s.manager.FindTargets(s.ctx, nil)
	require.NoError(s.T(), err)

	report := s.manager.Undeploy(s.ctx, targets)
	require.NoError(s.T(), report.Err(), "termination still succeeded")

	assert.Equal(s.T(), []string{"i-seed-1"}, s.engine.terminatedIDs)
	assert.Equal(s.T(), 1, report.Terminated())
	assert.Zero(s.T(), report.Deregistered())
}

func (s *FleetSuite) TestUndeploy_TerminateFailureReported() {
	s.seedRunnerWithInstance(1, "github-ec2-runner-my-org-my-repo-t3.large-1-1", "small")
	s.engine.terminateErr = fmt.Errorf("api throttled")

	targets, err := s.manager.FindTargets(s.ctx, nil)
	require.NoError(s.T(), err)

	report := s.manager.Undeploy(s.ctx, targets)
	require.Error(s.T(), report.Err())
	assert.Zero(s.T(), report.Terminated())
}

func (s *FleetSuite) TestUndeploy_OrphanSkipsDeregistration() {
	s.engine.instances = append(s.engine.instances, engine.Instance{
		ID:   "i-orphan",
		Name: "github-ec2-runner-my-org-my-repo-t3.large-1-9",
	})

	targets, err := s.manager.FindTargets(s.ctx, nil)
	require.NoError(s.T(), err)

	report := s.manager.Undeploy(s.ctx, targets)
	require.NoError(s.T(), report.Err())

	assert.Empty(s.T(), s.registry.removedIDs)
	assert.Equal(s.T(), []string{"i-orphan"}, s.engine.terminatedIDs)
}

func (s *FleetSuite) TestUndeploy_EmptyTargets() {
	report := s.manager.Undeploy(s.ctx, nil)
	require.NoError(s.T(), report.Err())
	assert.Empty(s.T(), report.Results)
}

// ---------------------------------------------------------------------------
// Naming
// ---------------------------------------------------------------------------

func TestInstanceName(t *testing.T) {
	m := New(Config{
		Repo:   "my-org/my-repo",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	name := m.instanceName("t3.large", 1700000000, 2)
	assert.Equal(t, "github-ec2-runner-my-org-my-repo-t3.large-1700000000-2", name)
}
