package advisorydb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// Transport brings a local directory in line with a remote location.
// Implementations must be idempotent.
type Transport interface {
	Sync(ctx context.Context, localPath, remote string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, localPath, remote string) error

func (f TransportFunc) Sync(ctx context.Context, localPath, remote string) error {
	return f(ctx, localPath, remote)
}

// GitTransport clones or fast-forwards a git checkout with go-git.
type GitTransport struct {
	// Ref is the branch, tag or commit to check out.
	Ref string
	// Retries is the number of additional attempts for the network step.
	Retries int
	// InitialInterval is the first backoff delay between attempts.
	InitialInterval time.Duration
}

// NewGitTransport returns a transport tracking master with two retries.
func NewGitTransport() *GitTransport {
	return &GitTransport{Ref: "master", Retries: 2, InitialInterval: 500 * time.Millisecond}
}

// Sync clones remote into localPath, or fetches and checks out Ref when
// localPath is already a checkout.
func (g *GitTransport) Sync(ctx context.Context, localPath, remote string) error {
	if strings.TrimSpace(remote) == "" {
		return errors.New("remote cannot be empty")
	}
	ref := g.Ref
	if ref == "" {
		ref = "master"
	}

	if repo, err := git.PlainOpen(localPath); err == nil {
		if err := g.retry(ctx, "fetch", func() error { return fetchLatest(ctx, repo) }); err != nil {
			return err
		}
		return checkoutRef(repo, ref)
	}

	if entries, err := os.ReadDir(localPath); err == nil && len(entries) > 0 {
		return fmt.Errorf("%s exists and is not a git checkout; refusing to replace it", localPath)
	}
	return g.cloneInto(ctx, localPath, remote, ref)
}

// cloneInto clones into a sibling temp directory and renames it into place
// so a failed clone never leaves a partial database behind.
func (g *GitTransport) cloneInto(ctx context.Context, localPath, remote, ref string) error {
	parent := filepath.Dir(localPath)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, ".gemaudit-clone-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	cloneURL, err := buildCloneURL(remote)
	if err != nil {
		return err
	}

	logger.Info(fmt.Sprintf("Cloning advisory database %s (%s) into %s", cloneURL, ref, localPath))
	var repo *git.Repository
	err = g.retry(ctx, "clone", func() error {
		_ = os.RemoveAll(staging)
		var cerr error
		repo, cerr = git.PlainCloneContext(ctx, staging, false, &git.CloneOptions{
			URL:  cloneURL,
			Tags: git.AllTags,
		})
		return cerr
	})
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", cloneURL, err)
	}
	if err := checkoutRef(repo, ref); err != nil {
		return err
	}

	_ = os.Remove(localPath) // empty directory left by a previous attempt
	if err := os.Rename(staging, localPath); err != nil {
		return fmt.Errorf("failed to move clone into place: %w", err)
	}
	return nil
}

// retry runs op with exponential backoff. Authentication and missing
// repository errors are not retried.
func (g *GitTransport) retry(ctx context.Context, what string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if g.InitialInterval > 0 {
		bo.InitialInterval = g.InitialInterval
	}
	bo.MaxElapsedTime = 0

	var permanent error
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrAuthenticationRequired) ||
			errors.Is(err, transport.ErrAuthorizationFailed) ||
			errors.Is(err, transport.ErrRepositoryNotFound) {
			permanent = err
			return nil
		}
		if ctx.Err() != nil {
			permanent = err
			return nil
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(g.Retries, 0))), ctx)
	err := backoff.RetryNotify(wrapped, policy, func(err error, wait time.Duration) {
		logger.Warn(fmt.Sprintf("advisory database %s failed, retrying", what),
			logger.Int("attempt", attempt), logger.Duration("wait", wait), logger.Err(err))
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func fetchLatest(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Tags:       git.AllTags,
		Force:      true,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// checkoutRef prefers the remote-tracking branch so a fetch is reflected even
// when a stale local branch of the same name exists.
func checkoutRef(repo *git.Repository, ref string) error {
	hash, err := resolveRefHash(repo, ref)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", ref, err)
	}
	return nil
}

func resolveRefHash(repo *git.Repository, ref string) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", ref),
		plumbing.NewTagReferenceName(ref),
		plumbing.NewBranchReferenceName(ref),
		plumbing.ReferenceName(ref),
	}
	for _, candidate := range candidates {
		if reference, err := repo.Reference(candidate, true); err == nil {
			return reference.Hash(), nil
		}
	}
	if hash, err := repo.ResolveRevision(plumbing.Revision(ref)); err == nil {
		return *hash, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("ref %s not found", ref)
}

func buildCloneURL(remote string) (string, error) {
	trimmed := strings.TrimSpace(remote)
	for _, scheme := range []string{"http://", "https://", "ssh://", "git://", "file://"} {
		if strings.HasPrefix(trimmed, scheme) {
			return trimmed, nil
		}
	}
	if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("unsupported remote URL scheme: %s", trimmed)
	}
	if filepath.IsAbs(trimmed) || strings.HasPrefix(trimmed, "git@") {
		return trimmed, nil
	}
	trimmed = strings.TrimSuffix(trimmed, ".git")
	return fmt.Sprintf("https://github.com/%s.git", trimmed), nil
}
