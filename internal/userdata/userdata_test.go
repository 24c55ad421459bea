package userdata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	template := `#!/bin/bash
runnerd run \
  --repo-url "${github_repo_url}" \
  --token "${runner_token}" \
  --name "${runner_name}" \
  --labels "${runner_labels}"
`
	got := Render(template, Params{
		RepoURL: "https://github.com/my-org/my-repo",
		Labels:  []string{"self-hosted", "linux", "type-ec2-t3.large"},
		Token:   "AABBCC",
		Name:    "github-ec2-runner-my-org-my-repo-t3.large-1700000000-1",
	})

	assert.Contains(t, got, `--repo-url "https://github.com/my-org/my-repo"`)
	assert.Contains(t, got, `--token "AABBCC"`)
	assert.Contains(t, got, `--name "github-ec2-runner-my-org-my-repo-t3.large-1700000000-1"`)
	assert.Contains(t, got, `--labels "self-hosted,linux,type-ec2-t3.large"`)
	assert.NotContains(t, got, "${github_repo_url}")
}

func TestRenderLeavesShellVariablesAlone(t *testing.T) {
	template := "export HOME=${HOME}\necho ${runner_name}\n"
	got := Render(template, Params{Name: "runner-1"})

	assert.Equal(t, "export HOME=${HOME}\necho runner-1\n", got)
}

func TestRenderRepeatedPlaceholders(t *testing.T) {
	got := Render("${runner_name} ${runner_name}", Params{Name: "r"})
	assert.Equal(t, "r r", got)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "setup_runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\n", got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.sh"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.sh")
}
