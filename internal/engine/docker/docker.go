// Package docker implements the engine.Engine interface using the
// Docker daemon.  It is the local development backend: runner
// "instances" are containers, instance tags become container labels,
// and the bootstrap parameters are passed as environment variables
// instead of user data.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/runnerfleet/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container so
	// workflows can run Docker commands.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool
}

// Engine manages GitHub Actions runner containers.
type Engine struct {
	client *dockerclient.Client
	image  string
	dind   bool
	logger *slog.Logger

	pullOnce sync.Once
	pullErr  error
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine connected to the daemon from the
// environment.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/actions/actions-runner:latest"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Engine{
		client: client,
		image:  cfg.Image,
		dind:   cfg.Dind,
		logger: logger,
	}, nil
}

// EnsureNetwork pulls the runner image so container creation does not
// race the first pull.  Safe to call repeatedly.
func (e *Engine) EnsureNetwork(ctx context.Context) error {
	e.pullOnce.Do(func() {
		e.logger.Info("pulling runner image", slog.String("image", e.image))

		pull, err := e.client.ImagePull(ctx, e.image, image.PullOptions{})
		if err != nil {
			e.pullErr = fmt.Errorf("image pull %s: %w", e.image, err)
			return
		}
		// Drain and close the pull stream so the image is fully downloaded.
		if _, err := io.Copy(io.Discard, pull); err != nil {
			e.pullErr = fmt.Errorf("reading image pull response: %w", err)
			return
		}
		if err := pull.Close(); err != nil {
			e.pullErr = fmt.Errorf("closing image pull stream: %w", err)
			return
		}

		e.logger.Info("runner image ready", slog.String("image", e.image))
	})
	return e.pullErr
}

// Launch creates and starts a runner container.  spec.Env carries the
// bootstrap parameters; spec.UserData is ignored because containers
// have no user-data channel.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (engine.Instance, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	// On Linux, the docker group has write permission; on macOS Docker
	// Desktop, only the owner does.  Running as root works on both.
	user := "runner"
	var hostCfg *container.HostConfig
	if e.dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
	}

	img := spec.ImageID
	if img == "" {
		img = e.image
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  img,
			User:   user,
			Cmd:    []string{"/home/runner/run.sh"},
			Env:    env,
			Labels: spec.Tags,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return engine.Instance{}, fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return engine.Instance{}, fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	e.logger.Info("runner container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)

	return engine.Instance{
		ID:         resp.ID,
		Name:       spec.Name,
		State:      "running",
		Type:       img,
		LaunchTime: time.Now(),
		Tags:       spec.Tags,
	}, nil
}

// List returns runner containers whose labels match the filter tags.
func (e *Engine) List(ctx context.Context, f engine.Filter) ([]engine.Instance, error) {
	args := filters.NewArgs()
	for k, v := range f.Tags {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	for _, s := range f.States {
		args.Add("status", s)
	}

	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	instances := make([]engine.Instance, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		instances = append(instances, engine.Instance{
			ID:         c.ID,
			Name:       name,
			State:      c.State,
			Type:       c.Image,
			LaunchTime: time.Unix(c.Created, 0),
			Tags:       c.Labels,
		})
	}
	return instances, nil
}

// Terminate force-removes the container identified by id.  Removing an
// already-removed container is not an error.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	e.logger.Info("removing runner container", slog.String("containerID", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			e.logger.Info("runner container already gone", slog.String("containerID", id))
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

// Close releases the daemon connection.
func (e *Engine) Close() error {
	return e.client.Close()
}
