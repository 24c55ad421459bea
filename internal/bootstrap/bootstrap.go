// Package bootstrap implements the one-time instance initialization
// sequence that turns a fresh machine into a registered GitHub Actions
// runner, and the post-job cleanup hook that reclaims disk between
// jobs.
//
// The sequence is a fixed list of ordered phases.  Each phase is
// either idempotent or fatal on failure: the first error aborts the
// whole bootstrap with a non-zero exit so a half-configured instance
// is always surfaced to the operator.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// defaultRunnerVersion is the actions/runner release installed when
// the config does not pin one.
const defaultRunnerVersion = "2.321.0"

// hookScript names the post-job cleanup hook installed next to the
// runner.
const hookScript = "cleanup-hook.sh"

// packageManager is the detected system package manager.
type packageManager string

const (
	pmApt packageManager = "apt"
	pmDnf packageManager = "dnf"
	pmYum packageManager = "yum"
)

// Step is a named list of shell commands run during the setup phase.
type Step struct {
	Name     string
	Commands []string
}

// Config holds the registration parameters and host paths for one
// bootstrap run.
type Config struct {
	// RepoURL is the https URL of the repository the runner serves.
	RepoURL string

	// Token is the registration token minted by the fleet manager.
	Token string

	// RunnerName registers the runner under the instance name so the
	// fleet can correlate the two.
	RunnerName string

	// Labels are the runner's labels.
	Labels []string

	// RunnerDir is where the runner is installed.
	// Default: /opt/actions-runner.
	RunnerDir string

	// RunnerVersion pins the actions/runner release.
	RunnerVersion string

	// SSHKeyPath is the operator SSH key provisioned on the instance.
	// The phase is skipped when the key already exists.
	// Default: ~/.ssh/id_ed25519.
	SSHKeyPath string

	// Setup are the global steps followed by the runner-specific
	// steps, executed in order before runner registration.
	Setup []Step

	// ExecutablePath is the binary the cleanup hook invokes.
	// Default: the current executable.
	ExecutablePath string

	// Runner executes host commands.  Default: ExecRunner.
	Runner CommandRunner

	Logger *slog.Logger
}

// Bootstrap executes the instance initialization sequence.
type Bootstrap struct {
	cfg    Config
	runner CommandRunner
	logger *slog.Logger

	// pm is set by the detect phase and read by the later ones.
	pm packageManager

	seq *Sequencer
}

// New creates a Bootstrap, filling in defaults for unset fields.
func New(cfg Config) (*Bootstrap, error) {
	if cfg.RepoURL == "" {
		return nil, fmt.Errorf("bootstrap: repo URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("bootstrap: registration token is required")
	}
	if cfg.RunnerName == "" {
		return nil, fmt.Errorf("bootstrap: runner name is required")
	}
	if cfg.RunnerDir == "" {
		cfg.RunnerDir = "/opt/actions-runner"
	}
	if cfg.RunnerVersion == "" {
		cfg.RunnerVersion = defaultRunnerVersion
	}
	if cfg.SSHKeyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/root"
		}
		cfg.SSHKeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	if cfg.ExecutablePath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: resolving executable: %w", err)
		}
		cfg.ExecutablePath = exe
	}
	if cfg.Runner == nil {
		cfg.Runner = &ExecRunner{Logger: cfg.Logger}
	}

	b := &Bootstrap{
		cfg:    cfg,
		runner: cfg.Runner,
		logger: cfg.Logger,
	}
	b.seq = NewSequencer([]Phase{
		{Name: "detect-package-manager", Run: b.detectPackageManager},
		{Name: "system-update", Run: b.systemUpdate},
		{Name: "install-dependencies", Run: b.installDependencies},
		{Name: "verify-services", Run: b.verifyServices},
		{Name: "provision-ssh-key", Run: b.provisionSSHKey},
		{Name: "install-cleanup-hook", Run: b.installCleanupHook},
		{Name: "setup-steps", Run: b.runSetupSteps},
		{Name: "register-runner", Run: b.registerRunner},
	}, cfg.Logger)

	return b, nil
}

// Run executes the whole sequence.  The returned error, if any, is a
// *PhaseError.
func (b *Bootstrap) Run(ctx context.Context) error {
	return b.seq.Run(ctx)
}

// Status exposes sequencer progress for the health endpoint.
func (b *Bootstrap) Status() (phase string, done bool, err error) {
	return b.seq.Status()
}

// WorkDir is the runner's job workspace directory.
func (b *Bootstrap) WorkDir() string {
	return filepath.Join(b.cfg.RunnerDir, "_work")
}

// ---------------------------------------------------------------------------
// Phases
// ---------------------------------------------------------------------------

// detectPackageManager probes for exactly one supported package
// manager.  apt wins over dnf, dnf over yum, matching how the
// distributions layer them.
func (b *Bootstrap) detectPackageManager(ctx context.Context) error {
	switch {
	case b.lookPathOK("apt-get"):
		b.pm = pmApt
	case b.lookPathOK("dnf"):
		b.pm = pmDnf
	case b.lookPathOK("yum"):
		b.pm = pmYum
	default:
		return fmt.Errorf("no supported package manager found (apt, dnf, yum)")
	}
	b.logger.Info("package manager detected", slog.String("manager", string(b.pm)))
	return nil
}

func (b *Bootstrap) lookPathOK(file string) bool {
	_, err := b.runner.LookPath(file)
	return err == nil
}

func (b *Bootstrap) systemUpdate(ctx context.Context) error {
	switch b.pm {
	case pmApt:
		if err := b.runner.Run(ctx, "apt-get", "update", "-y"); err != nil {
			return err
		}
		return b.runner.Run(ctx, "apt-get", "upgrade", "-y")
	case pmDnf:
		return b.runner.Run(ctx, "dnf", "-y", "update")
	case pmYum:
		return b.runner.Run(ctx, "yum", "-y", "update")
	default:
		return fmt.Errorf("package manager not detected")
	}
}

// installDependencies installs the container engine, CLI helpers, and
// the image scan tool.
func (b *Bootstrap) installDependencies(ctx context.Context) error {
	packages := []string{"git", "curl", "jq", "tar"}
	switch b.pm {
	case pmApt:
		packages = append(packages, "docker.io")
		args := append([]string{"install", "-y"}, packages...)
		if err := b.runner.Run(ctx, "apt-get", args...); err != nil {
			return err
		}
	case pmDnf, pmYum:
		packages = append(packages, "docker")
		args := append([]string{"-y", "install"}, packages...)
		if err := b.runner.Run(ctx, string(b.pm), args...); err != nil {
			return err
		}
	default:
		return fmt.Errorf("package manager not detected")
	}

	// Trivy ships outside the distro repositories.
	return b.runner.Run(ctx, "sh", "-c",
		"curl -sfL https://raw.githubusercontent.com/aquasecurity/trivy/main/contrib/install.sh | sh -s -- -b /usr/local/bin")
}

// verifyServices starts the container engine and confirms the daemon
// responds before anything depends on it.
func (b *Bootstrap) verifyServices(ctx context.Context) error {
	if err := b.runner.Run(ctx, "systemctl", "enable", "--now", "docker"); err != nil {
		return err
	}
	return b.runner.Run(ctx, "docker", "info")
}

// provisionSSHKey generates the operator key.  Idempotent: an existing
// key is left untouched.
func (b *Bootstrap) provisionSSHKey(ctx context.Context) error {
	if _, err := os.Stat(b.cfg.SSHKeyPath); err == nil {
		b.logger.Info("ssh key already exists, skipping",
			slog.String("path", b.cfg.SSHKeyPath),
		)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.cfg.SSHKeyPath), 0o700); err != nil {
		return fmt.Errorf("creating ssh dir: %w", err)
	}
	return b.runner.Run(ctx, "ssh-keygen", "-t", "ed25519", "-N", "", "-f", b.cfg.SSHKeyPath)
}

// installCleanupHook writes the post-job hook script and points the
// runner at it via ACTIONS_RUNNER_HOOK_JOB_COMPLETED.
func (b *Bootstrap) installCleanupHook(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.RunnerDir, 0o755); err != nil {
		return fmt.Errorf("creating runner dir: %w", err)
	}

	hookPath := filepath.Join(b.cfg.RunnerDir, hookScript)
	script := fmt.Sprintf("#!/bin/sh\nexec %q cleanup --work-dir %q\n",
		b.cfg.ExecutablePath, b.WorkDir())
	if err := os.WriteFile(hookPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("writing cleanup hook: %w", err)
	}

	envPath := filepath.Join(b.cfg.RunnerDir, ".env")
	env := fmt.Sprintf("ACTIONS_RUNNER_HOOK_JOB_COMPLETED=%s\n", hookPath)
	if err := os.WriteFile(envPath, []byte(env), 0o644); err != nil {
		return fmt.Errorf("writing runner env: %w", err)
	}

	b.logger.Info("cleanup hook installed", slog.String("path", hookPath))
	return nil
}

// runSetupSteps executes the configured global and runner-specific
// setup commands in order.
func (b *Bootstrap) runSetupSteps(ctx context.Context) error {
	for _, step := range b.cfg.Setup {
		b.logger.Info("running setup step", slog.String("step", step.Name))
		for _, command := range step.Commands {
			if err := b.runner.Run(ctx, "sh", "-c", command); err != nil {
				return fmt.Errorf("setup step %q: %w", step.Name, err)
			}
		}
	}
	return nil
}

// registerRunner downloads the runner release, configures it against
// the repository, and starts it as a service.  Registration is a
// single attempt: a failure here fails the bootstrap.
func (b *Bootstrap) registerRunner(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.RunnerDir, 0o755); err != nil {
		return fmt.Errorf("creating runner dir: %w", err)
	}

	version := b.cfg.RunnerVersion
	tarball := fmt.Sprintf("actions-runner-linux-%s-%s.tar.gz", runnerArch(), version)
	url := fmt.Sprintf("https://github.com/actions/runner/releases/download/v%s/%s", version, tarball)
	tarballPath := filepath.Join(b.cfg.RunnerDir, tarball)

	if err := b.runner.Run(ctx, "curl", "-sfL", "-o", tarballPath, url); err != nil {
		return fmt.Errorf("downloading runner: %w", err)
	}
	if err := b.runner.RunIn(ctx, b.cfg.RunnerDir, "tar", "-xzf", tarballPath); err != nil {
		return fmt.Errorf("extracting runner: %w", err)
	}

	if err := b.runner.RunIn(ctx, b.cfg.RunnerDir, "./config.sh",
		"--url", b.cfg.RepoURL,
		"--token", b.cfg.Token,
		"--name", b.cfg.RunnerName,
		"--labels", strings.Join(b.cfg.Labels, ","),
		"--unattended",
	); err != nil {
		return fmt.Errorf("configuring runner: %w", err)
	}

	if err := b.runner.RunIn(ctx, b.cfg.RunnerDir, "./svc.sh", "install"); err != nil {
		return fmt.Errorf("installing runner service: %w", err)
	}
	if err := b.runner.RunIn(ctx, b.cfg.RunnerDir, "./svc.sh", "start"); err != nil {
		return fmt.Errorf("starting runner service: %w", err)
	}

	b.logger.Info("runner registered and started",
		slog.String("name", b.cfg.RunnerName),
		slog.String("labels", strings.Join(b.cfg.Labels, ",")),
	)
	return nil
}

// runnerArch maps GOARCH to the actions/runner release architecture.
func runnerArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64"
	default:
		return "x64"
	}
}
