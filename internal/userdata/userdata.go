// Package userdata renders the launch script handed to runner
// instances at boot.  Templates use shell-style placeholders so the
// same file works whether it is rendered here or by hand:
//
//	${github_repo_url}   full https URL of the repository
//	${runner_labels}     comma-separated runner labels
//	${runner_token}      registration token
//	${runner_name}       runner / instance name
package userdata

import (
	"fmt"
	"os"
	"strings"
)

// Params are the per-instance substitution values.
type Params struct {
	RepoURL string
	Labels  []string
	Token   string
	Name    string
}

// Load reads a user-data template from disk.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading user data template %s: %w", path, err)
	}
	return string(data), nil
}

// Render substitutes the launch parameters into the template.
// Unknown placeholders are left untouched: the template may contain
// its own shell variables.
func Render(template string, p Params) string {
	return strings.NewReplacer(
		"${github_repo_url}", p.RepoURL,
		"${runner_labels}", strings.Join(p.Labels, ","),
		"${runner_token}", p.Token,
		"${runner_name}", p.Name,
	).Replace(template)
}
