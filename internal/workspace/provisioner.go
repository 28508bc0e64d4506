// Package workspace materializes a working directory for each session from
// a repository descriptor and tears it down on session end.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// Error is a provisioning failure with a user-readable reason. It aborts
// session start.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// CleanupFunc tears down a provisioned workspace. Idempotent and safe to
// call after the agent process has already terminated.
type CleanupFunc func() error

// Config holds workspace provisioning configuration.
type Config struct {
	// SessionsBaseDir is the tmpfs-style root for local-copy workspaces.
	SessionsBaseDir string

	// CacheDir is the root for remote-git repository caches.
	CacheDir string

	// ContainerMode returns source paths unchanged instead of copying or
	// creating worktrees.
	ContainerMode bool
}

// Provisioner materializes session working directories.
type Provisioner struct {
	cfg    Config
	logger *logger.Logger

	// repoMus is a map of repo path → *sync.Mutex so clone, fetch and
	// worktree operations on the same repository never run concurrently.
	repoMus sync.Map
}

// NewProvisioner creates a provisioner and ensures its base directories
// exist.
func NewProvisioner(cfg Config, log *logger.Logger) (*Provisioner, error) {
	if cfg.SessionsBaseDir == "" {
		return nil, fmt.Errorf("sessions base dir is required")
	}
	if err := os.MkdirAll(cfg.SessionsBaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions base dir: %w", err)
	}
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(filepath.Join(cfg.CacheDir, "repos"), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}
	return &Provisioner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "workspace")),
	}, nil
}

// repoMu returns (or lazily creates) the mutex for a repository path.
func (p *Provisioner) repoMu(path string) *sync.Mutex {
	mu, _ := p.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Provision materializes a working directory for the session. The returned
// path is absolute and writable; cleanup is nil when nothing was created.
func (p *Provisioner) Provision(ctx context.Context, sessionID string, desc v1.WorkspaceDescriptor) (string, CleanupFunc, error) {
	switch desc.Kind {
	case v1.WorkspaceLocalCopy, "":
		return p.provisionLocalCopy(ctx, sessionID, desc)
	case v1.WorkspaceLocalWorktree:
		return p.provisionLocalWorktree(ctx, sessionID, desc)
	case v1.WorkspaceRemoteGit:
		return p.provisionRemoteGit(ctx, sessionID, desc)
	default:
		return "", nil, &Error{Reason: fmt.Sprintf("unknown workspace kind %q", desc.Kind)}
	}
}

func (p *Provisioner) provisionLocalCopy(ctx context.Context, sessionID string, desc v1.WorkspaceDescriptor) (string, CleanupFunc, error) {
	source, err := filepath.Abs(desc.Source)
	if err != nil {
		return "", nil, &Error{Reason: "invalid source path", Err: err}
	}
	if info, statErr := os.Stat(source); statErr != nil || !info.IsDir() {
		return "", nil, &Error{Reason: fmt.Sprintf("source directory does not exist: %s", source), Err: statErr}
	}

	if p.cfg.ContainerMode {
		return source, nil, nil
	}

	target := filepath.Join(p.cfg.SessionsBaseDir, sessionID)
	if err := copyTree(ctx, source, target); err != nil {
		_ = os.RemoveAll(target)
		return "", nil, &Error{Reason: "failed to copy workspace", Err: err}
	}

	p.logger.Info("provisioned local-copy workspace",
		zap.String("session_id", sessionID),
		zap.String("source", source),
		zap.String("path", target))

	return target, p.removeAllCleanup(target), nil
}

func (p *Provisioner) provisionLocalWorktree(ctx context.Context, sessionID string, desc v1.WorkspaceDescriptor) (string, CleanupFunc, error) {
	repo, err := filepath.Abs(desc.Source)
	if err != nil {
		return "", nil, &Error{Reason: "invalid repository path", Err: err}
	}

	if p.cfg.ContainerMode {
		return repo, nil, nil
	}

	if !isGitRepo(repo) {
		return "", nil, &Error{Reason: fmt.Sprintf("not a git repository: %s", repo)}
	}

	mu := p.repoMu(repo)
	mu.Lock()
	defer mu.Unlock()

	path, err := p.addWorktree(ctx, repo, sessionID, desc.WorktreeName)
	if err != nil {
		return "", nil, err
	}

	p.logger.Info("provisioned local-worktree workspace",
		zap.String("session_id", sessionID),
		zap.String("repo", repo),
		zap.String("path", path))

	return path, p.worktreeCleanup(repo, path), nil
}

func (p *Provisioner) provisionRemoteGit(ctx context.Context, sessionID string, desc v1.WorkspaceDescriptor) (string, CleanupFunc, error) {
	if desc.RepoID == "" {
		return "", nil, &Error{Reason: "remote-git workspace requires a repo id"}
	}
	if p.cfg.CacheDir == "" {
		return "", nil, &Error{Reason: "remote-git workspace requires a cache dir"}
	}

	cachePath := filepath.Join(p.cfg.CacheDir, "repos", desc.RepoID)

	mu := p.repoMu(cachePath)
	mu.Lock()
	defer mu.Unlock()

	if err := p.ensureCloned(ctx, desc.Source, cachePath); err != nil {
		return "", nil, err
	}

	if p.cfg.ContainerMode {
		return cachePath, nil, nil
	}

	path, err := p.addWorktree(ctx, cachePath, sessionID, desc.WorktreeName)
	if err != nil {
		return "", nil, err
	}

	p.logger.Info("provisioned remote-git workspace",
		zap.String("session_id", sessionID),
		zap.String("cache", cachePath),
		zap.String("path", path))

	return path, p.worktreeCleanup(cachePath, path), nil
}

// ensureCloned clones the repository if it doesn't exist locally, or
// fetches if it does. The caller holds the repo mutex.
func (p *Provisioner) ensureCloned(ctx context.Context, cloneURL, targetPath string) error {
	gitDir := filepath.Join(targetPath, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		p.logger.Debug("repository already cloned, fetching", zap.String("path", targetPath))
		cmd := exec.CommandContext(ctx, "git", "-C", targetPath, "fetch", "--all", "--prune")
		if out, err := cmd.CombinedOutput(); err != nil {
			p.logger.Warn("git fetch failed (non-fatal)",
				zap.String("path", targetPath),
				zap.String("output", string(out)),
				zap.Error(err))
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return &Error{Reason: "failed to create cache directory", Err: err}
	}

	p.logger.Info("cloning repository",
		zap.String("url", cloneURL),
		zap.String("target", targetPath))

	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, targetPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &Error{Reason: fmt.Sprintf("git clone failed: %s", string(out)), Err: err}
	}
	return nil
}

// addWorktree creates a detached worktree at the repository's current HEAD
// under <repo>/.worktree/. The caller holds the repo mutex.
func (p *Provisioner) addWorktree(ctx context.Context, repo, sessionID, name string) (string, error) {
	worktreeBase := filepath.Join(repo, ".worktree")
	if err := os.MkdirAll(worktreeBase, 0o755); err != nil {
		return "", &Error{Reason: "failed to create worktree directory", Err: err}
	}

	if name == "" {
		name = "agentdock-" + sessionID
	}
	path := filepath.Join(worktreeBase, name)

	// A worktree left over from a previous run is reused as-is, so a
	// rehydrated session can start new turns after a restart.
	if isGitRepo(path) {
		p.logger.Debug("reusing existing worktree",
			zap.String("session_id", sessionID),
			zap.String("path", path))
		return path, nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", path, "HEAD")
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", &Error{Reason: fmt.Sprintf("git worktree add failed: %s", string(out)), Err: err}
	}
	return path, nil
}

// removeAllCleanup returns an idempotent cleanup removing the given subtree.
func (p *Provisioner) removeAllCleanup(path string) CleanupFunc {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			err = os.RemoveAll(path)
			if err != nil {
				p.logger.Warn("workspace cleanup failed",
					zap.String("path", path),
					zap.Error(err))
			}
		})
		return err
	}
}

// worktreeCleanup returns an idempotent cleanup force-removing the
// worktree, falling back to directory deletion plus prune.
func (p *Provisioner) worktreeCleanup(repo, path string) CleanupFunc {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			mu := p.repoMu(repo)
			mu.Lock()
			defer mu.Unlock()

			cmd := exec.Command("git", "worktree", "remove", "--force", path)
			cmd.Dir = repo
			if out, removeErr := cmd.CombinedOutput(); removeErr != nil {
				p.logger.Debug("git worktree remove failed, falling back to rm",
					zap.String("output", string(out)),
					zap.Error(removeErr))

				if err = os.RemoveAll(path); err != nil {
					return
				}

				prune := exec.Command("git", "worktree", "prune")
				prune.Dir = repo
				if pruneErr := prune.Run(); pruneErr != nil {
					p.logger.Debug("git worktree prune failed", zap.Error(pruneErr))
				}
			}
		})
		return err
	}
}

// isGitRepo checks if a path is a git repository. .git can be either a
// directory (regular repo) or a file (worktree).
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}
