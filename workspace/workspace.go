package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/AmeliaRose802/overseer/log"
)

// Pre-compiled regexes for branch name sanitization.
var (
	unsafeCharsRegex = regexp.MustCompile(`[^a-z0-9\-_/.]+`)
	multiDashRegex   = regexp.MustCompile(`-+`)
)

// sanitizeBranchName transforms an arbitrary string into a Git branch name friendly string.
func sanitizeBranchName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = unsafeCharsRegex.ReplaceAllString(s, "")
	s = multiDashRegex.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/")
	return s
}

// Workspace is an isolated, branch-backed working copy owned by one agent
// for the duration of one task.
type Workspace struct {
	TaskID     string
	BranchName string
	Path       string
	RepoPath   string
}

// Manager creates, validates, and removes task workspaces. Each workspace
// is a git worktree named deterministically from the task id, so acquire is
// idempotent under restart.
type Manager struct {
	repoPath     string
	baseDir      string
	branchPrefix string
	targetBranch string
	manifest     *Manifest

	// removal retry pacing, overridable in tests
	removeAttempts int
	removeDelay    time.Duration
}

// NewManager creates a workspace Manager rooted at the given repository.
// Worktrees live under <repo>/.worktrees; removal failures are recorded in
// the manifest for a later sweep.
func NewManager(repoPath, branchPrefix, targetBranch string, manifest *Manifest) *Manager {
	return &Manager{
		repoPath:       repoPath,
		baseDir:        filepath.Join(repoPath, ".worktrees"),
		branchPrefix:   branchPrefix,
		targetBranch:   targetBranch,
		manifest:       manifest,
		removeAttempts: 3,
		removeDelay:    200 * time.Millisecond,
	}
}

// BranchFor returns the deterministic branch name for a task id.
func (m *Manager) BranchFor(taskID string) string {
	return m.branchPrefix + sanitizeBranchName(taskID)
}

// Acquire creates (or reuses) the workspace for a task. Reuse is matched by
// branch name, not an assumed path, so a workspace left by a crashed run is
// picked up rather than recreated.
func (m *Manager) Acquire(taskID string) (*Workspace, error) {
	branch := m.BranchFor(taskID)

	if existing, err := m.findWorktreeForBranch(branch); err != nil {
		return nil, err
	} else if existing != "" {
		log.InfoLog.Printf("reusing workspace for %s at %s", taskID, existing)
		return &Workspace{TaskID: taskID, BranchName: branch, Path: existing, RepoPath: m.repoPath}, nil
	}

	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	wtPath := filepath.Join(m.baseDir, sanitizeBranchName(taskID))
	args := []string{"worktree", "add"}
	if m.branchExists(branch) {
		args = append(args, wtPath, branch)
	} else {
		args = append(args, "-b", branch, wtPath, m.targetBranch)
	}
	if _, err := m.runGitCommand(m.repoPath, args...); err != nil {
		return nil, fmt.Errorf("failed to create worktree for %s: %w", taskID, err)
	}

	return &Workspace{TaskID: taskID, BranchName: branch, Path: wtPath, RepoPath: m.repoPath}, nil
}

// IsClean reports whether the workspace has zero uncommitted changes. This
// is the mandatory precondition before any merge attempt.
func (m *Manager) IsClean(ws *Workspace) (bool, error) {
	output, err := m.runGitCommand(ws.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check workspace status: %w", err)
	}
	return len(strings.TrimSpace(output)) == 0, nil
}

// CommitAll stages and commits everything in the workspace. A clean
// workspace is a no-op.
func (m *Manager) CommitAll(ws *Workspace, message string) error {
	clean, err := m.IsClean(ws)
	if err != nil {
		return err
	}
	if clean {
		return nil
	}
	if _, err := m.runGitCommand(ws.Path, "add", "."); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := m.runGitCommand(ws.Path, "commit", "-m", message, "--no-verify"); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	return nil
}

// CommitCountSince returns how many commits the workspace branch carries on
// top of base. Zero means there is nothing to integrate.
func (m *Manager) CommitCountSince(base string, ws *Workspace) (int, error) {
	output, err := m.runGitCommand(ws.Path, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to count commits since %s: %w", base, err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", output, err)
	}
	return count, nil
}

// Release removes the workspace and its branch. Already-removed is success.
// Removal is retried briefly in case a just-exited child still holds file
// handles, then falls back to a forceful recursive delete. Unremovable
// workspaces are recorded in the manifest for a later sweep.
func (m *Manager) Release(taskID string, force bool) error {
	branch := m.BranchFor(taskID)
	wtPath, err := m.findWorktreeForBranch(branch)
	if err != nil {
		return err
	}

	if wtPath != "" {
		if err := m.removeWorktree(wtPath, force); err != nil {
			m.manifest.Add(taskID, wtPath, err.Error())
			return fmt.Errorf("failed to remove workspace %s: %w", wtPath, err)
		}
	}

	if err := m.deleteBranch(branch); err != nil {
		log.WarningLog.Printf("failed to delete branch %s: %v", branch, err)
	}

	if _, err := m.runGitCommand(m.repoPath, "worktree", "prune"); err != nil {
		log.WarningLog.Printf("failed to prune worktrees: %v", err)
	}

	// The workspace is gone; a stale manifest entry for it is now moot.
	m.manifest.Remove(taskID)
	return nil
}

func (m *Manager) removeWorktree(wtPath string, force bool) error {
	args := []string{"worktree", "remove", wtPath}
	if force {
		args = []string{"worktree", "remove", "-f", wtPath}
	}

	var lastErr error
	for attempt := 0; attempt < m.removeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(m.removeDelay)
		}
		if _, err := m.runGitCommand(m.repoPath, args...); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if _, statErr := os.Stat(wtPath); os.IsNotExist(statErr) {
			return nil
		}
	}

	// git gave up; clear read-only attributes and delete outright.
	_ = filepath.Walk(wtPath, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && info.Mode()&0200 == 0 {
			_ = os.Chmod(path, info.Mode()|0200)
		}
		return nil
	})
	if err := os.RemoveAll(wtPath); err != nil {
		return fmt.Errorf("forced removal failed after %v: %w", lastErr, err)
	}
	return nil
}

func (m *Manager) deleteBranch(branch string) error {
	repo, err := git.PlainOpen(m.repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, false); err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil
		}
		return fmt.Errorf("error checking branch %s existence: %w", branch, err)
	}
	if err := repo.Storer.RemoveReference(branchRef); err != nil {
		return fmt.Errorf("failed to remove branch %s: %w", branch, err)
	}
	return nil
}

func (m *Manager) branchExists(branch string) bool {
	repo, err := git.PlainOpen(m.repoPath)
	if err != nil {
		return false
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

// findWorktreeForBranch returns the checked-out worktree path for a branch,
// or "" if the branch is not checked out anywhere.
func (m *Manager) findWorktreeForBranch(branch string) (string, error) {
	output, err := m.runGitCommand(m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("failed to list worktrees: %w", err)
	}
	currentPath := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "worktree ") {
			currentPath = strings.TrimPrefix(line, "worktree ")
		} else if strings.HasPrefix(line, "branch ") {
			ref := strings.TrimPrefix(line, "branch ")
			if strings.TrimPrefix(ref, "refs/heads/") == branch && currentPath != "" {
				return currentPath, nil
			}
		}
	}
	return "", nil
}

// runGitCommand executes a git command and returns any error
func (m *Manager) runGitCommand(path string, args ...string) (string, error) {
	baseArgs := []string{"-C", path}
	cmd := exec.Command("git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}

	return string(output), nil
}
