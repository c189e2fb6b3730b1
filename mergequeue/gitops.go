package mergequeue

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/AmeliaRose802/overseer/log"
	"github.com/AmeliaRose802/overseer/workspace"
)

// GitOps is the version-control collaborator the queue drives. The split
// lets tests exercise the queue's serialization and result contract against
// a fake repository.
type GitOps interface {
	// Resync rebases the workspace onto the current target tip to absorb
	// merges that landed while the request waited. On conflict the rebase
	// is aborted (pre-attempt state restored) and an error returned; the
	// caller proceeds to Merge anyway.
	Resync(ws *workspace.Workspace) error
	// IsClean reports whether the workspace has uncommitted changes.
	IsClean(ws *workspace.Workspace) (bool, error)
	// PartitionStrayChanges inspects the target checkout for uncommitted
	// changes and splits them into recognized bookkeeping files and
	// everything else.
	PartitionStrayChanges() (recognized, unrecognized []string, err error)
	// CommitBookkeeping commits the given recognized files on the target.
	CommitBookkeeping(paths []string) error
	// Merge integrates the branch into the target. It returns the list of
	// conflicting paths when the merge conflicts textually.
	Merge(branch string) ([]string, error)
	// Push publishes the target branch to the remote.
	Push() error
	// IsMerged reports whether the branch is reachable from the target.
	IsMerged(branch string) (bool, error)
	// Cleanup removes the workspace and its branch after a landed merge.
	Cleanup(ws *workspace.Workspace) error
}

// RepoGitOps runs real git against the shared repository checkout.
type RepoGitOps struct {
	repoPath     string
	targetBranch string
	remote       string
	// bookkeepingPrefixes are path prefixes whose uncommitted changes on
	// the target checkout may be auto-committed (tracker store, manifest).
	bookkeepingPrefixes []string
	manager             *workspace.Manager
	pushEnabled         bool
}

// NewRepoGitOps creates GitOps for the repository at repoPath. pushEnabled
// is false for repositories without a remote.
func NewRepoGitOps(repoPath, targetBranch string, manager *workspace.Manager, pushEnabled bool) *RepoGitOps {
	return &RepoGitOps{
		repoPath:            repoPath,
		targetBranch:        targetBranch,
		remote:              "origin",
		bookkeepingPrefixes: []string{".overseer/", ".beads/"},
		manager:             manager,
		pushEnabled:         pushEnabled,
	}
}

func (g *RepoGitOps) Resync(ws *workspace.Workspace) error {
	if _, err := g.runGit(ws.Path, "rebase", g.targetBranch); err != nil {
		if _, abortErr := g.runGit(ws.Path, "rebase", "--abort"); abortErr != nil {
			log.WarningLog.Printf("rebase abort in %s: %v", ws.Path, abortErr)
		}
		return fmt.Errorf("rebase onto %s: %w", g.targetBranch, err)
	}
	return nil
}

func (g *RepoGitOps) IsClean(ws *workspace.Workspace) (bool, error) {
	output, err := g.runGit(ws.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check workspace status: %w", err)
	}
	return len(strings.TrimSpace(output)) == 0, nil
}

func (g *RepoGitOps) PartitionStrayChanges() (recognized, unrecognized []string, err error) {
	output, err := g.runGit(g.repoPath, "status", "--porcelain")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check target status: %w", err)
	}
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if g.isBookkeeping(path) {
			recognized = append(recognized, path)
		} else {
			unrecognized = append(unrecognized, path)
		}
	}
	return recognized, unrecognized, nil
}

func (g *RepoGitOps) isBookkeeping(path string) bool {
	for _, prefix := range g.bookkeepingPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *RepoGitOps) CommitBookkeeping(paths []string) error {
	args := append([]string{"add", "--"}, paths...)
	if _, err := g.runGit(g.repoPath, args...); err != nil {
		return fmt.Errorf("failed to stage bookkeeping files: %w", err)
	}
	if _, err := g.runGit(g.repoPath, "commit", "-m", "chore: commit tracker bookkeeping", "--no-verify"); err != nil {
		return fmt.Errorf("failed to commit bookkeeping files: %w", err)
	}
	return nil
}

func (g *RepoGitOps) Merge(branch string) ([]string, error) {
	if _, err := g.runGit(g.repoPath, "merge", "--no-ff", branch, "-m", fmt.Sprintf("merge %s", branch)); err != nil {
		conflicts := g.conflictingPaths()
		if _, abortErr := g.runGit(g.repoPath, "merge", "--abort"); abortErr != nil {
			log.WarningLog.Printf("merge abort: %v", abortErr)
		}
		if len(conflicts) > 0 {
			return conflicts, nil
		}
		return nil, fmt.Errorf("merge %s: %w", branch, err)
	}
	return nil, nil
}

func (g *RepoGitOps) conflictingPaths() []string {
	output, err := g.runGit(g.repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

func (g *RepoGitOps) Push() error {
	if !g.pushEnabled {
		return nil
	}
	if _, err := g.runGit(g.repoPath, "push", g.remote, g.targetBranch); err != nil {
		return fmt.Errorf("failed to push %s: %w", g.targetBranch, err)
	}
	return nil
}

func (g *RepoGitOps) IsMerged(branch string) (bool, error) {
	_, err := g.runGit(g.repoPath, "merge-base", "--is-ancestor", branch, g.targetBranch)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check ancestry of %s: %w", branch, err)
	}
	return true, nil
}

func (g *RepoGitOps) Cleanup(ws *workspace.Workspace) error {
	return g.manager.Release(ws.TaskID, true)
}

// runGit executes a git command and returns any error
func (g *RepoGitOps) runGit(path string, args ...string) (string, error) {
	baseArgs := []string{"-C", path}
	cmd := exec.Command("git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}

	return string(output), nil
}
