// Package engine defines the abstraction for compute backends that host
// GitHub Actions self-hosted runners. Each backend (EC2, Docker) implements
// the Engine interface so the fleet operations remain compute-agnostic.
package engine

import (
	"context"
	"time"
)

// LaunchSpec describes a single runner instance to create.
type LaunchSpec struct {
	// Name is the instance name.  It must match the runner registration
	// name exactly: the fleet correlates cloud instances with registered
	// runners by name.
	Name string

	// InstanceType is the backend machine type (e.g. "t3.large").
	// Ignored by backends without machine sizing (Docker).
	InstanceType string

	// ImageID is the machine image to boot (e.g. an AMI ID).  For the
	// Docker backend this is a container image reference.
	ImageID string

	// DiskSizeGB is the root volume size in GB.
	DiskSizeGB int64

	// UserData is the rendered launch script handed to the instance at
	// boot.  VM backends pass it verbatim as instance user data.
	UserData string

	// Env carries the bootstrap parameters as environment variables for
	// backends that cannot consume user data (Docker).
	Env map[string]string

	// Tags are attached to the instance.  The fleet always sets "Name"
	// and "GitHubRepo".
	Tags map[string]string
}

// Instance is a backend-neutral view of a launched runner instance.
type Instance struct {
	ID         string
	Name       string
	State      string
	Type       string
	PublicIP   string
	LaunchTime time.Time
	Tags       map[string]string
}

// Filter narrows a List call.
type Filter struct {
	// Tags must all be present on a matching instance.
	Tags map[string]string

	// States limits results to instances in these backend states.  When
	// empty, each backend applies its default "not yet terminated" set.
	States []string
}

// Engine is the contract every compute backend must satisfy.
//
// Instances are long-lived: they are launched once, bootstrap and
// register a runner, and live until the fleet terminates them.  The
// returned IDs are opaque to callers -- an EC2 instance ID, a Docker
// container ID, etc.
type Engine interface {
	// EnsureNetwork prepares whatever shared networking the backend
	// needs before launching (e.g. the security group on EC2).  It is
	// idempotent and must tolerate the resources already existing.
	EnsureNetwork(ctx context.Context) error

	// Launch creates and starts one runner instance.
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)

	// List returns the instances matching the filter.
	List(ctx context.Context, f Filter) ([]Instance, error)

	// Terminate permanently destroys the instance identified by id --
	// never merely stops it.  It must be idempotent: terminating an
	// already-terminated instance is not an error.
	Terminate(ctx context.Context, id string) error

	// Close releases backend API clients.
	Close() error
}
