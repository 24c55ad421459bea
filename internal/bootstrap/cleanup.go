package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
)

// transientDirs are the runner workspace directories safe to remove
// between jobs.  In-progress job state lives elsewhere under _work and
// is never touched.
var transientDirs = []string{"_temp", "_instances"}

// Pruner is the subset of the Docker client the cleanup hook uses.
type Pruner interface {
	ContainersPrune(ctx context.Context, pruneFilters filters.Args) (container.PruneReport, error)
	ImagesPrune(ctx context.Context, pruneFilters filters.Args) (image.PruneReport, error)
	VolumesPrune(ctx context.Context, pruneFilters filters.Args) (volume.PruneReport, error)
	NetworksPrune(ctx context.Context, pruneFilters filters.Args) (network.PruneReport, error)
}

// CleanupConfig holds the paths and clients for one hook invocation.
type CleanupConfig struct {
	// WorkDir is the runner's job workspace (e.g.
	// /opt/actions-runner/_work).  Only its transient subdirectories
	// are removed.
	WorkDir string

	// ShmDir is the volatile memory device to reset.
	// Default: /dev/shm.
	ShmDir string

	// Docker prunes stopped containers, unused images, volumes, and
	// networks.
	Docker Pruner

	Logger *slog.Logger
}

// Cleanup reclaims disk and process state after a completed job.  It
// is idempotent: running it when nothing needs cleaning succeeds.
type Cleanup struct {
	cfg CleanupConfig
}

// NewCleanup creates a Cleanup, filling in defaults.
func NewCleanup(cfg CleanupConfig) *Cleanup {
	if cfg.ShmDir == "" {
		cfg.ShmDir = "/dev/shm"
	}
	return &Cleanup{cfg: cfg}
}

// Run executes the hook: container engine prune, transient workspace
// removal, volatile memory reset.
func (c *Cleanup) Run(ctx context.Context) error {
	if err := c.pruneEngine(ctx); err != nil {
		return err
	}
	if err := c.removeTransientDirs(); err != nil {
		return err
	}
	return c.resetShm()
}

func (c *Cleanup) pruneEngine(ctx context.Context) error {
	if c.cfg.Docker == nil {
		c.cfg.Logger.Warn("no container engine client, skipping prune")
		return nil
	}

	containers, err := c.cfg.Docker.ContainersPrune(ctx, filters.NewArgs())
	if err != nil {
		return fmt.Errorf("pruning containers: %w", err)
	}

	// dangling=false prunes every unused image, not just untagged ones.
	images, err := c.cfg.Docker.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "false")))
	if err != nil {
		return fmt.Errorf("pruning images: %w", err)
	}

	volumes, err := c.cfg.Docker.VolumesPrune(ctx, filters.NewArgs())
	if err != nil {
		return fmt.Errorf("pruning volumes: %w", err)
	}

	if _, err := c.cfg.Docker.NetworksPrune(ctx, filters.NewArgs()); err != nil {
		return fmt.Errorf("pruning networks: %w", err)
	}

	c.cfg.Logger.Info("container engine pruned",
		slog.Uint64("containersReclaimedBytes", containers.SpaceReclaimed),
		slog.Uint64("imagesReclaimedBytes", images.SpaceReclaimed),
		slog.Uint64("volumesReclaimedBytes", volumes.SpaceReclaimed),
	)
	return nil
}

// removeTransientDirs deletes the _temp/_instances directories under
// the work dir.  Missing directories are fine.
func (c *Cleanup) removeTransientDirs() error {
	if c.cfg.WorkDir == "" {
		return nil
	}
	for _, dir := range transientDirs {
		path := filepath.Join(c.cfg.WorkDir, dir)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		c.cfg.Logger.Debug("removed transient dir", slog.String("path", path))
	}
	return nil
}

// resetShm clears the volatile memory device without removing the
// device directory itself.
func (c *Cleanup) resetShm() error {
	entries, err := os.ReadDir(c.cfg.ShmDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", c.cfg.ShmDir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(c.cfg.ShmDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	c.cfg.Logger.Info("volatile memory reset",
		slog.String("dir", c.cfg.ShmDir),
		slog.Int("entries", len(entries)),
	)
	return nil
}
