// Package ghapi wraps the GitHub REST API calls the fleet needs:
// minting runner registration tokens and listing / removing the
// self-hosted runners registered to a repository.
package ghapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v57/github"
)

// Runner is the fleet's view of a registered self-hosted runner.
type Runner struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
	Labels []string
}

// HasLabels reports whether the runner carries every label in want.
func (r Runner) HasLabels(want []string) bool {
	for _, w := range want {
		found := false
		for _, l := range r.Labels {
			if l == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry is the surface the fleet manager consumes.  *Client is the
// production implementation; tests provide fakes.
type Registry interface {
	CreateRegistrationToken(ctx context.Context) (string, error)
	ListRunners(ctx context.Context) ([]Runner, error)
	RemoveRunner(ctx context.Context, id int64) error
}

// Client talks to the GitHub Actions runners API for one repository.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// Compile-time check.
var _ Registry = (*Client)(nil)

// New creates a Client for the "owner/name" repository authenticated
// with a personal access token.
func New(token, repo string, logger *slog.Logger) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repository %q is not in owner/name form", repo)
	}
	return &Client{
		gh:     github.NewClient(nil).WithAuthToken(token),
		owner:  owner,
		repo:   name,
		logger: logger,
	}, nil
}

// NewWithClient wires an existing go-github client; used by tests to
// point at a stub server.
func NewWithClient(gh *github.Client, repo string, logger *slog.Logger) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repository %q is not in owner/name form", repo)
	}
	return &Client{gh: gh, owner: owner, repo: name, logger: logger}, nil
}

// CreateRegistrationToken mints a short-lived token a runner uses to
// register itself with the repository.
func (c *Client) CreateRegistrationToken(ctx context.Context) (string, error) {
	token, _, err := c.gh.Actions.CreateRegistrationToken(ctx, c.owner, c.repo)
	if err != nil {
		return "", fmt.Errorf("create registration token for %s/%s: %w", c.owner, c.repo, err)
	}
	if token.GetToken() == "" {
		return "", fmt.Errorf("create registration token for %s/%s: empty token", c.owner, c.repo)
	}
	return token.GetToken(), nil
}

// ListRunners returns every self-hosted runner registered to the
// repository, following pagination.
func (c *Client) ListRunners(ctx context.Context) ([]Runner, error) {
	opts := &github.ListOptions{PerPage: 100}

	var runners []Runner
	for {
		page, resp, err := c.gh.Actions.ListRunners(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list runners for %s/%s: %w", c.owner, c.repo, err)
		}
		for _, r := range page.Runners {
			runners = append(runners, toRunner(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runners, nil
}

// RemoveRunner deregisters the runner from the repository.
func (c *Client) RemoveRunner(ctx context.Context, id int64) error {
	if _, err := c.gh.Actions.RemoveRunner(ctx, c.owner, c.repo, id); err != nil {
		return fmt.Errorf("remove runner %d from %s/%s: %w", id, c.owner, c.repo, err)
	}
	c.logger.Info("runner deregistered", slog.Int64("runnerID", id))
	return nil
}

func toRunner(r *github.Runner) Runner {
	out := Runner{
		ID:     r.GetID(),
		Name:   r.GetName(),
		Status: r.GetStatus(),
		Busy:   r.GetBusy(),
	}
	for _, l := range r.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

// FilterByLabels returns the runners whose label set covers want.
func FilterByLabels(runners []Runner, want []string) []Runner {
	if len(want) == 0 {
		return runners
	}
	var out []Runner
	for _, r := range runners {
		if r.HasLabels(want) {
			out = append(out, r)
		}
	}
	return out
}
