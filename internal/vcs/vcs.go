// Package vcs wraps the git operations the fix orchestrator needs: the
// current branch, staging, one commit per round and working-tree diffs.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNoChanges is returned when there are no changes to commit.
var ErrNoChanges = errors.New("no changes to commit")

// ErrDetached is returned by CurrentBranch on a detached HEAD.
var ErrDetached = errors.New("not on a branch (detached HEAD)")

// maxSubjectLen bounds the first line of a commit message.
const maxSubjectLen = 72

// Repo is the version-control surface used by the fix orchestrator.
type Repo interface {
	CurrentBranch() (string, error)
	StageAll() error
	Commit(message string) (string, error)
	Diff(ctx context.Context, staged bool, paths ...string) (string, error)
}

// GitRepo implements Repo with go-git, shelling out to git only for text
// diffs.
type GitRepo struct {
	Dir    string
	Author object.Signature

	repo *git.Repository
}

// Open opens the repository containing dir.
func Open(dir string) (*GitRepo, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	return &GitRepo{
		Dir:    wt.Filesystem.Root(),
		Author: object.Signature{Name: "Conclave", Email: "conclave@jywlabs.com"},
		repo:   repo,
	}, nil
}

// CurrentBranch returns the short name of the checked-out branch.
func (r *GitRepo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", ErrDetached
	}
	return head.Name().Short(), nil
}

// StageAll stages every change in the working tree, like git add -A.
func (r *GitRepo) StageAll() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	return nil
}

// Commit commits the staged changes and returns the new commit hash.
// It returns ErrNoChanges when nothing is staged.
func (r *GitRepo) Commit(message string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	staged := false
	for _, s := range status {
		if s.Staging != git.Unmodified && s.Staging != git.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return "", ErrNoChanges
	}

	author := r.Author
	author.When = time.Now()
	hash, err := wt.Commit(message, &git.CommitOptions{Author: &author})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// Diff returns the unified diff of the working tree against the index, or of
// the index against HEAD when staged is set, limited to paths when given.
func (r *GitRepo) Diff(ctx context.Context, staged bool, paths ...string) (string, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if staged {
		args = append(args, "--cached")
	}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git diff failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// CommitMessage formats the message of a fix round commit. The subject names
// as many issue codes as fit; the body lists all of them.
func CommitMessage(round int, codes []string) string {
	subject := fmt.Sprintf("conclave: fix %s", strings.Join(codes, ", "))
	if len(subject) > maxSubjectLen {
		subject = fmt.Sprintf("conclave: fix %d issues", len(codes))
	}
	var b strings.Builder
	b.WriteString(subject)
	fmt.Fprintf(&b, "\n\nRound %d resolved:\n", round)
	for _, c := range codes {
		b.WriteString("- " + c + "\n")
	}
	return b.String()
}
