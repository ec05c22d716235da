// Package git is a thin wrapper over git invocations returning
// structured results. It shells out through os/exec rather than linking
// a git library so the user's SSH keys, GPG signing, and credential
// helpers keep working. Arguments are always passed as argv vectors;
// nothing is ever interpolated through a shell. The driver never reads
// or writes the registry.
package git

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cloudharness/commander/types"
)

// Commander executes commands. The seam exists so tests can replay
// canned git output without a repository.
type Commander interface {
	Run(name string, args ...string) (string, error)
	RunInDir(dir, name string, args ...string) (string, error)
}

// ShellCommander executes real commands.
type ShellCommander struct{}

// Run executes a command in the current directory.
func (c *ShellCommander) Run(name string, args ...string) (string, error) {
	return c.RunInDir("", name, args...)
}

// RunInDir executes a command in the specified directory. Stderr is
// folded into the returned error so callers can classify failures.
func (c *ShellCommander) RunInDir(dir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg != "" {
			return "", fmt.Errorf("%w: %s", err, errMsg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Client runs git operations against one repository (or worktree).
type Client struct {
	commander Commander
	workDir   string
}

// Factory builds a client for a directory. Injected wherever a
// component needs per-repo clients, so tests can substitute mocks.
type Factory func(dir string) *Client

// NewClient creates a git client for the given directory.
func NewClient(workDir string) *Client {
	return &Client{commander: &ShellCommander{}, workDir: workDir}
}

// NewClientWithCommander creates a client with a custom commander.
func NewClientWithCommander(workDir string, commander Commander) *Client {
	return &Client{commander: commander, workDir: workDir}
}

// WorkDir returns the directory the client operates in.
func (c *Client) WorkDir() string { return c.workDir }

func (c *Client) git(args ...string) (string, error) {
	return c.commander.RunInDir(c.workDir, "git", args...)
}

func gitErr(op string, err error) error {
	return types.Errorf(types.KindGitError, "git %s failed", op).WithErr(err)
}

// IsRepository checks whether the working directory is inside a git
// work tree.
func (c *Client) IsRepository() bool {
	_, err := c.git("rev-parse", "--is-inside-work-tree")
	return err == nil
}

// Status is the structured result of a status query.
type Status struct {
	Branch       string
	Clean        bool
	FilesChanged int
	Ahead        int
	Behind       int
}

// Status reports branch, cleanliness, and ahead/behind counts for the
// client's directory.
func (c *Client) Status() (Status, error) {
	branch, err := c.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Status{}, gitErr("rev-parse", err)
	}

	porcelain, err := c.git("status", "--porcelain")
	if err != nil {
		return Status{}, gitErr("status", err)
	}
	st := Status{Branch: branch, Clean: porcelain == ""}
	if porcelain != "" {
		st.FilesChanged = len(strings.Split(porcelain, "\n"))
	}

	// Ahead/behind only exists relative to an upstream; a branch with no
	// upstream reports 0/0.
	if counts, err := c.git("rev-list", "--left-right", "--count", "@{upstream}...HEAD"); err == nil {
		parts := strings.Fields(counts)
		if len(parts) == 2 {
			st.Behind, _ = strconv.Atoi(parts[0])
			st.Ahead, _ = strconv.Atoi(parts[1])
		}
	}
	return st, nil
}

// Worktree is one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
	Bare   bool
}

// WorktreeList returns all worktrees attached to the repository.
func (c *Client) WorktreeList() ([]Worktree, error) {
	output, err := c.git("worktree", "list", "--porcelain")
	if err != nil {
		return nil, gitErr("worktree list", err)
	}
	return parseWorktrees(output), nil
}

func parseWorktrees(output string) []Worktree {
	var (
		worktrees []Worktree
		current   Worktree
		open      bool
	)
	flush := func() {
		if open {
			worktrees = append(worktrees, current)
			current = Worktree{}
			open = false
		}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
			open = true
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			current.Bare = true
		}
	}
	flush()
	return worktrees
}

// WorktreeAdd creates a worktree at path on a new branch cut from
// baseRef. A name collision on the branch or path surfaces as Conflict.
func (c *Client) WorktreeAdd(path, branch, baseRef string) error {
	_, err := c.git("worktree", "add", "-b", branch, path, baseRef)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return types.Errorf(types.KindConflict, "branch or worktree %q already exists", branch).
				WithHint("Choose a different run name.").WithErr(err)
		}
		return gitErr("worktree add", err)
	}
	return nil
}

// WorktreeRemove detaches a worktree. With force, uncommitted changes in
// the worktree are discarded.
func (c *Client) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := c.git(args...); err != nil {
		return gitErr("worktree remove", err)
	}
	return nil
}

// WorktreePrune drops stale worktree bookkeeping.
func (c *Client) WorktreePrune() error {
	if _, err := c.git("worktree", "prune"); err != nil {
		return gitErr("worktree prune", err)
	}
	return nil
}

// BranchCreate creates a branch at baseRef without checking it out.
func (c *Client) BranchCreate(name, baseRef string) error {
	_, err := c.git("branch", name, baseRef)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return types.Errorf(types.KindConflict, "branch %q already exists", name).WithErr(err)
		}
		return gitErr("branch", err)
	}
	return nil
}

// BranchExists checks if a local branch exists.
func (c *Client) BranchExists(name string) bool {
	_, err := c.git("rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// BranchDelete removes a local branch. A branch that is already gone is
// not an error.
func (c *Client) BranchDelete(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.git("branch", flag, name)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return gitErr("branch delete", err)
	}
	return nil
}

// Push publishes a branch. Rejections are classified: a non-fast-forward
// surfaces as PushRejected, credential failures as AuthError, anything
// else as GitError with the captured stderr.
func (c *Client) Push(remote, branch string) error {
	_, err := c.git("push", remote, branch)
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "non-fast-forward"),
		strings.Contains(msg, "fetch first"),
		strings.Contains(msg, "[rejected]"):
		return types.Errorf(types.KindPushRejected, "push of %s to %s was rejected", branch, remote).
			WithHint("The remote branch has moved. Fetch and rebase, then finish again.").WithErr(err)
	case strings.Contains(msg, "Authentication failed"),
		strings.Contains(msg, "Permission denied"),
		strings.Contains(msg, "could not read Username"),
		strings.Contains(msg, "403"):
		return types.Errorf(types.KindAuthError, "authentication to %s failed", remote).
			WithHint("Check your credentials or SSH agent.").WithErr(err)
	default:
		return gitErr("push", err)
	}
}

// Commit is one entry from the log.
type Commit struct {
	Hash    string
	Subject string
}

// Log returns up to n commits reachable from ref, newest first.
func (c *Client) Log(ref string, n int) ([]Commit, error) {
	output, err := c.git("log", "--pretty=format:%H\t%s", "-n", strconv.Itoa(n), ref)
	if err != nil {
		return nil, gitErr("log", err)
	}
	var commits []Commit
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		hash, subject, _ := strings.Cut(line, "\t")
		commits = append(commits, Commit{Hash: hash, Subject: subject})
	}
	return commits, nil
}

// HeadCommit returns the commit hash at HEAD.
func (c *Client) HeadCommit() (string, error) {
	hash, err := c.git("rev-parse", "HEAD")
	if err != nil {
		return "", gitErr("rev-parse HEAD", err)
	}
	return hash, nil
}

// RevParse resolves a ref to a commit hash.
func (c *Client) RevParse(ref string) (string, error) {
	hash, err := c.git("rev-parse", "--verify", ref)
	if err != nil {
		return "", gitErr("rev-parse", err)
	}
	return hash, nil
}

// RemoteURL returns the URL of the named remote.
func (c *Client) RemoteURL(remote string) (string, error) {
	url, err := c.git("remote", "get-url", remote)
	if err != nil {
		return "", gitErr("remote get-url", err)
	}
	return url, nil
}
