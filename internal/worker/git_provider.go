package worker

// ============================================================================
// Git branch provider
// Responsibilities:
// 1. Resolve the worker branch (local first, then remote-tracking)
// 2. Ignore tips that are already part of the base branch
// 3. Report committer time of the tip as last activity
// 4. Detect the explicit completion token or marker file
// ============================================================================

import (
	"context"
	"errors"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

const (
	DefaultCompletionToken = "[worker-complete]"
	DefaultMarkerFile      = ".worker-complete"
	DefaultRemote          = "origin"
)

// GitConfig configures a GitProvider.
type GitConfig struct {
	RepoPath        string // working tree or bare repository
	BaseBranch      string // branch workers fork from; empty disables the ancestry check
	Remote          string // remote consulted when the local branch is missing
	CompletionToken string // substring of the tip commit message that marks completion
	MarkerFile      string // path in the tip tree that marks completion
}

// GitProvider reads worker activity from branch tips.
type GitProvider struct {
	cfg GitConfig
}

// NewGitProvider returns a provider for the repository at cfg.RepoPath.
// Empty fields fall back to the package defaults.
func NewGitProvider(cfg GitConfig) *GitProvider {
	if cfg.Remote == "" {
		cfg.Remote = DefaultRemote
	}
	if cfg.CompletionToken == "" {
		cfg.CompletionToken = DefaultCompletionToken
	}
	if cfg.MarkerFile == "" {
		cfg.MarkerFile = DefaultMarkerFile
	}
	return &GitProvider{cfg: cfg}
}

// Probe implements Provider.
//
// The repository is opened per probe. go-git repositories are not safe for
// concurrent use and the pool probes workers in parallel.
func (p *GitProvider) Probe(ctx context.Context, w types.WorkerDef) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, &ProbeError{Worker: w.ID, Err: err}
	}

	repo, err := git.PlainOpenWithOptions(p.cfg.RepoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Signal{}, probeErr(w.ID, "open repository %s: %w", p.cfg.RepoPath, err)
	}

	tip, err := p.resolveBranch(repo, w.Branch)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Branch not created yet: the worker has not started.
		return Signal{}, nil
	}
	if err != nil {
		return Signal{}, probeErr(w.ID, "resolve branch %s: %w", w.Branch, err)
	}

	commit, err := repo.CommitObject(tip)
	if err != nil {
		return Signal{}, probeErr(w.ID, "read tip %s: %w", tip, err)
	}

	merged, err := p.containedInBase(repo, commit)
	if err != nil {
		return Signal{}, probeErr(w.ID, "compare with %s: %w", p.cfg.BaseBranch, err)
	}
	if merged {
		return Signal{}, nil
	}

	if err := ctx.Err(); err != nil {
		return Signal{}, &ProbeError{Worker: w.ID, Err: err}
	}

	complete, err := p.explicitComplete(commit)
	if err != nil {
		return Signal{}, probeErr(w.ID, "inspect tip tree: %w", err)
	}

	return Signal{
		LastActivity:     commit.Committer.When,
		HasActivity:      true,
		ExplicitComplete: complete,
	}, nil
}

// resolveBranch returns the tip hash of refs/heads/<branch>, falling back to
// refs/remotes/<remote>/<branch>.
func (p *GitProvider) resolveBranch(repo *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == nil {
		return ref.Hash(), nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, err
	}

	ref, err = repo.Reference(plumbing.NewRemoteReferenceName(p.cfg.Remote, branch), true)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// containedInBase reports whether tip is the base branch tip or one of its
// ancestors, meaning the worker has produced nothing of its own yet.
func (p *GitProvider) containedInBase(repo *git.Repository, tip *object.Commit) (bool, error) {
	if p.cfg.BaseBranch == "" {
		return false, nil
	}

	baseHash, err := p.resolveBranch(repo, p.cfg.BaseBranch)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if baseHash == tip.Hash {
		return true, nil
	}

	base, err := repo.CommitObject(baseHash)
	if err != nil {
		return false, err
	}
	return tip.IsAncestor(base)
}

func (p *GitProvider) explicitComplete(tip *object.Commit) (bool, error) {
	if strings.Contains(tip.Message, p.cfg.CompletionToken) {
		return true, nil
	}

	tree, err := tip.Tree()
	if err != nil {
		return false, err
	}
	if _, err := tree.File(p.cfg.MarkerFile); err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
