// Command demo drives phasepilot through a scripted two-phase project on a
// throwaway git repository: workers commit, finish, and the next phase is
// triggered exactly once, even after a simulated restart.
//
//	go run ./cmd/demo [dir]
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/ChuLiYu/phase-pilot/internal/cli"
)

const demoConfig = `
project: demo
state_dir: .phasepilot
thresholds:
  idle: 10m
  stuck: 30m
  check_interval: 1m
  probe_timeout: 10s
probe:
  kind: git
  repo: .
  base_branch: main
launch:
  kind: log
daemon:
  watch: false
logging:
  level: warn
  stdout: true
phases:
  - id: foundation
    name: "rebrand+architect"
    workers:
      - {id: rebrand, branch: feat/rebrand}
      - {id: architect, branch: feat/architect}
  - id: polish
    workers:
      - {id: docs, branch: feat/docs}
`

func main() {
	dir := ""
	if len(os.Args) > 1 {
		dir = os.Args[1]
	} else {
		tmp, err := os.MkdirTemp("", "phasepilot-demo-*")
		if err != nil {
			log.Fatalf("create demo directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		log.Fatalf("init repository: %v", err)
	}
	cfgPath := filepath.Join(dir, "phasepilot.yaml")
	if err := os.WriteFile(cfgPath, []byte(demoConfig), 0o644); err != nil {
		log.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".phasepilot/\nphasepilot.yaml\n"), 0o644); err != nil {
		log.Fatalf("write .gitignore: %v", err)
	}

	initialCommit(repo)

	step("1. no worker has started")
	run(cfgPath, "tick")

	step("2. both workers commit")
	mustCommit(repo, "feat/rebrand", "brand.txt", "new name\n", "rename product", true)
	mustCommit(repo, "feat/architect", "ARCH.md", "layers\n", "sketch architecture", true)
	run(cfgPath, "tick")

	step("3. both workers mark themselves complete")
	mustCommit(repo, "feat/rebrand", "brand.txt", "new name, final\n", "finish rebrand [worker-complete]", false)
	mustCommit(repo, "feat/architect", "ARCH.md", "layers, final\n", "finish architecture [worker-complete]", false)
	run(cfgPath, "tick")

	step("4. restart: the next phase is not launched again")
	run(cfgPath, "tick")

	step("5. status and decision trail")
	run(cfgPath, "status")
	run(cfgPath, "decisions", "--verify")
}

func step(title string) {
	fmt.Printf("\n=== %s ===\n", title)
}

func run(cfgPath string, args ...string) {
	cmd := cli.BuildCLI()
	cmd.SetArgs(append([]string{"-c", cfgPath}, args...))
	if err := cmd.Execute(); err != nil {
		log.Fatalf("phasepilot %v: %v", args, err)
	}
}

// mustCommit writes name on branch and commits it. create forks the branch
// from main first.
func mustCommit(repo *git.Repository, branch, name, content, msg string, create bool) {
	wt, err := repo.Worktree()
	if err != nil {
		log.Fatalf("worktree: %v", err)
	}

	if create {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("main")}); err != nil {
			log.Fatalf("checkout main: %v", err)
		}
	}
	opts := &git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Create: create}
	if err := wt.Checkout(opts); err != nil {
		log.Fatalf("checkout %s: %v", branch, err)
	}
	commit(wt, name, content, msg)
}

// initialCommit commits a README on the default branch and points main at it.
func initialCommit(repo *git.Repository) {
	wt, err := repo.Worktree()
	if err != nil {
		log.Fatalf("worktree: %v", err)
	}
	hash := commit(wt, "README.md", "# demo\n", "initial commit")
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)
	if err := repo.Storer.SetReference(ref); err != nil {
		log.Fatalf("create main: %v", err)
	}
}

func commit(wt *git.Worktree, name, content, msg string) plumbing.Hash {
	if err := util.WriteFile(wt.Filesystem, name, []byte(content), 0o644); err != nil {
		log.Fatalf("write %s: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		log.Fatalf("add %s: %v", name, err)
	}
	sig := &object.Signature{Name: "demo", Email: "demo@example.com", When: time.Now()}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		log.Fatalf("commit %s: %v", name, err)
	}
	return hash
}
