package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// ============================================================================
// Fixture helpers
// ============================================================================

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func initRepo(t *testing.T) (*git.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return repo, dir
}

func commitFile(t *testing.T, repo *git.Repository, name, content, msg string, when time.Time) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(wt.Filesystem, name, []byte(content), 0o644))
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: when},
	})
	require.NoError(t, err)
	return hash
}

func setRef(t *testing.T, repo *git.Repository, name plumbing.ReferenceName, hash plumbing.Hash) {
	t.Helper()
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(name, hash)))
}

func checkout(t *testing.T, repo *git.Repository, branch string) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}))
}

// repoWithBase creates a repository whose master branch has one commit.
func repoWithBase(t *testing.T) (*git.Repository, string, plumbing.Hash) {
	t.Helper()
	repo, dir := initRepo(t)
	base := commitFile(t, repo, "README.md", "base", "initial", baseTime)
	setRef(t, repo, plumbing.NewBranchReferenceName("master"), base)
	return repo, dir, base
}

func gitProvider(dir string) *GitProvider {
	return NewGitProvider(GitConfig{RepoPath: dir, BaseBranch: "master"})
}

// ============================================================================
// Tests
// ============================================================================

func TestGitProvider_MissingBranchIsNotStarted(t *testing.T) {
	_, dir, _ := repoWithBase(t)

	sig, err := gitProvider(dir).Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/none"})
	require.NoError(t, err)
	assert.False(t, sig.HasActivity)
	assert.False(t, sig.ExplicitComplete)
}

func TestGitProvider_BranchAtBaseHasNoActivity(t *testing.T) {
	repo, dir, base := repoWithBase(t)
	setRef(t, repo, plumbing.NewBranchReferenceName("feat/a"), base)

	sig, err := gitProvider(dir).Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/a"})
	require.NoError(t, err)
	assert.False(t, sig.HasActivity)
}

func TestGitProvider_BranchBehindBaseHasNoActivity(t *testing.T) {
	repo, dir, base := repoWithBase(t)
	setRef(t, repo, plumbing.NewBranchReferenceName("feat/old"), base)
	commitFile(t, repo, "main.go", "package main", "advance base", baseTime.Add(time.Hour))

	sig, err := gitProvider(dir).Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/old"})
	require.NoError(t, err)
	assert.False(t, sig.HasActivity)
}

func TestGitProvider_CommitOnBranchReportsCommitterTime(t *testing.T) {
	repo, dir, base := repoWithBase(t)
	setRef(t, repo, plumbing.NewBranchReferenceName("feat/work"), base)
	checkout(t, repo, "feat/work")
	when := baseTime.Add(45 * time.Minute)
	commitFile(t, repo, "work.txt", "progress", "wip: progress", when)

	sig, err := gitProvider(dir).Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/work"})
	require.NoError(t, err)
	assert.True(t, sig.HasActivity)
	assert.False(t, sig.ExplicitComplete)
	assert.Equal(t, when.Unix(), sig.LastActivity.Unix())
}

func TestGitProvider_CompletionToken(t *testing.T) {
	repo, dir, base := repoWithBase(t)
	setRef(t, repo, plumbing.NewBranchReferenceName("feat/done"), base)
	checkout(t, repo, "feat/done")
	commitFile(t, repo, "work.txt", "final", "finish task [worker-complete]", baseTime.Add(time.Hour))

	sig, err := gitProvider(dir).Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/done"})
	require.NoError(t, err)
	assert.True(t, sig.HasActivity)
	assert.True(t, sig.ExplicitComplete)
}

func TestGitProvider_MarkerFile(t *testing.T) {
	repo, dir, base := repoWithBase(t)
	setRef(t, repo, plumbing.NewBranchReferenceName("feat/marker"), base)
	checkout(t, repo, "feat/marker")
	commitFile(t, repo, DefaultMarkerFile, "", "mark done", baseTime.Add(time.Hour))

	sig, err := gitProvider(dir).Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/marker"})
	require.NoError(t, err)
	assert.True(t, sig.ExplicitComplete)
}

func TestGitProvider_RemoteTrackingFallback(t *testing.T) {
	repo, dir, base := repoWithBase(t)
	setRef(t, repo, plumbing.NewBranchReferenceName("tmp"), base)
	checkout(t, repo, "tmp")
	tip := commitFile(t, repo, "remote.txt", "pushed", "remote work", baseTime.Add(2*time.Hour))
	setRef(t, repo, plumbing.NewRemoteReferenceName("origin", "feat/remote"), tip)

	sig, err := gitProvider(dir).Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/remote"})
	require.NoError(t, err)
	assert.True(t, sig.HasActivity)
	assert.Equal(t, baseTime.Add(2*time.Hour).Unix(), sig.LastActivity.Unix())
}

func TestGitProvider_UnreadableRepositoryIsProbeError(t *testing.T) {
	p := NewGitProvider(GitConfig{RepoPath: t.TempDir()})

	_, err := p.Probe(context.Background(), types.WorkerDef{ID: "w1", Branch: "feat/a"})
	require.Error(t, err)
	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.WorkerID("w1"), pe.Worker)
}
