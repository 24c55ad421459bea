// Package config handles loading, validating, and applying
// configuration for the runner fleet.  Configuration is read from a
// YAML file with environment-variable interpolation and can be
// overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/engine/docker"
	"github.com/terrpan/runnerfleet/internal/engine/ec2"
	"github.com/terrpan/runnerfleet/internal/ghapi"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// Repo is the GitHub repository in "owner/name" form.
	Repo string `yaml:"repo"`

	// Region is the AWS region for runner instances.
	Region string `yaml:"region"`

	// VPCID and SubnetID locate the network for EC2 instances.
	VPCID    string `yaml:"vpc_id"`
	SubnetID string `yaml:"subnet_id"`

	// SecurityGroupID is an existing security group to attach.  When
	// empty, deploy creates one named after the repository.
	SecurityGroupID string `yaml:"security_group_id"`

	// DefaultDiskSizeGB is the root volume size for runners that do
	// not set their own.  Default: 20.
	DefaultDiskSizeGB int64 `yaml:"default_disk_size"`

	Engine      EngineConfig  `yaml:"engine"`
	Runners     []RunnerSpec  `yaml:"runners"`
	GlobalSetup []SetupStep   `yaml:"global_setup"`
	Logging     LoggingConfig `yaml:"logging"`
	OTel        OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

// RunnerSpec describes one group of identical runner instances.
type RunnerSpec struct {
	InstanceType string   `yaml:"instance_type"`
	AMIID        string   `yaml:"ami_id"`
	Count        int      `yaml:"count"`
	DiskSizeGB   int64    `yaml:"disk_size"`
	Labels       []string `yaml:"labels"`

	// Setup are runner-specific setup steps, executed after the
	// global steps during instance bootstrap.
	Setup []SetupStep `yaml:"setup"`
}

// EffectiveLabels returns the configured labels augmented with the
// auto-derived instance-type and AMI labels.  Deploy, list, and
// undeploy all match on the augmented set.
func (r RunnerSpec) EffectiveLabels() []string {
	labels := make([]string, 0, len(r.Labels)+2)
	labels = append(labels, r.Labels...)

	typeLabel := "type-ec2-" + r.InstanceType
	if !containsLabel(labels, typeLabel) {
		labels = append(labels, typeLabel)
	}
	if !containsLabel(labels, r.AMIID) {
		labels = append(labels, r.AMIID)
	}
	return labels
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// SetupStep is a named list of shell commands run during bootstrap.
type SetupStep struct {
	Name     string   `yaml:"name"`
	Commands []string `yaml:"commands"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "ec2" (default) or "docker".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image is the container image for local runners.
	// Default: "ghcr.io/actions/actions-runner:latest".
	Image string `yaml:"image"`
	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each runner container.
	Dind bool `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path, interpolates ${VAR} and
// ${VAR:default} references from the environment, and returns the
// parsed Config.  A ${VAR} reference without a default fails the load
// when VAR is unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	interpolated, err := Interpolate(string(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("interpolating config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// GitHubToken returns the CI access token from the environment.
func GitHubToken() (string, error) {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return "", fmt.Errorf("GITHUB_TOKEN environment variable not set")
	}
	return token, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Engine.Type == "" {
		c.Engine.Type = "ec2"
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.DefaultDiskSizeGB == 0 {
		c.DefaultDiskSizeGB = 20
	}
	for i := range c.Runners {
		if c.Runners[i].Count == 0 {
			c.Runners[i].Count = 1
		}
		if c.Runners[i].DiskSizeGB == 0 {
			c.Runners[i].DiskSizeGB = c.DefaultDiskSizeGB
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if !strings.Contains(c.Repo, "/") {
		return fmt.Errorf("repo: %q is not in owner/name form", c.Repo)
	}
	if len(c.Runners) == 0 {
		return fmt.Errorf("runners: at least one runner spec is required")
	}

	for i, r := range c.Runners {
		if r.InstanceType == "" {
			return fmt.Errorf("runners[%d].instance_type is required", i)
		}
		if r.AMIID == "" {
			return fmt.Errorf("runners[%d].ami_id is required", i)
		}
		if r.Count < 1 {
			return fmt.Errorf("runners[%d].count must be >= 1, got %d", i, r.Count)
		}
		for j, l := range r.Labels {
			if strings.TrimSpace(l) == "" {
				return fmt.Errorf("runners[%d].labels[%d] is empty", i, j)
			}
		}
	}

	switch c.Engine.Type {
	case "ec2":
		if c.Region == "" {
			return fmt.Errorf("region is required when engine.type is \"ec2\"")
		}
		if c.VPCID == "" {
			return fmt.Errorf("vpc_id is required when engine.type is \"ec2\"")
		}
		if c.SubnetID == "" {
			return fmt.Errorf("subnet_id is required when engine.type is \"ec2\"")
		}
	case "docker":
		// OK
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: ec2, docker)", c.Engine.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RepoURL is the https URL runners register against.
func (c *Config) RepoURL() string {
	return "https://github.com/" + c.Repo
}

// SecurityGroupName is the managed security group name derived from
// the repository, used when no security_group_id is configured.
func (c *Config) SecurityGroupName() string {
	return "github-runner-sg-" + strings.ReplaceAll(c.Repo, "/", "-")
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "ec2":
		return ec2.New(ec2.Config{
			Region:                   c.Region,
			VPCID:                    c.VPCID,
			SubnetID:                 c.SubnetID,
			SecurityGroupID:          c.SecurityGroupID,
			SecurityGroupName:        c.SecurityGroupName(),
			SecurityGroupDescription: fmt.Sprintf("Security group for GitHub runners in %s", c.Repo),
		}, logger.WithGroup("engine.ec2"))
	case "docker":
		return docker.New(docker.Config{
			Image: c.Engine.Docker.Image,
			Dind:  c.Engine.Docker.Dind,
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// NewRegistry creates the GitHub runner registry client for the
// configured repository.
func (c *Config) NewRegistry(logger *slog.Logger) (*ghapi.Client, error) {
	token, err := GitHubToken()
	if err != nil {
		return nil, err
	}
	return ghapi.New(token, c.Repo, logger.WithGroup("github"))
}
