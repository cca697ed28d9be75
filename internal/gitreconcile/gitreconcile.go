// Package gitreconcile reconciles a local source tree with a pinned remote
// Git revision: clone-or-open, remote URL reconciliation, fetch, checkout by
// revspec, and recursive submodule initialization.
package gitreconcile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// Error wraps a failure from the Git engine with a user-facing message that
// embeds the underlying library's description, matching the GitError
// variant of the shared error taxonomy.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Cause }

func wrapf(cause error, format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Prepare reconciles the repository at path with url and checks out rev,
// returning the resolved commit SHA. See SPEC_FULL.md §4.3 for the full
// algorithm.
func Prepare(path, url, rev string) (string, error) {
	if err := reconcileOrigin(path, url); err != nil {
		return "", err
	}

	repo, err := cloneOrOpen(path, url)
	if err != nil {
		return "", err
	}

	if err := fetchOriginMaster(repo); err != nil {
		return "", err
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", wrapf(err, "revspec %q not found: %s", rev, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", wrapf(err, "%s", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return "", wrapf(err, "checkout %s: %s", hash, err)
	}

	if err := updateSubmodules(repo); err != nil {
		return "", wrapf(err, "submodules: %s", err)
	}

	return hash.String(), nil
}

// reconcileOrigin erases path when it holds a repository whose origin no
// longer matches url, or when it's a stale non-repository directory.
func reconcileOrigin(path, url string) error {
	repo, err := git.PlainOpen(path)
	switch {
	case err == nil:
		current, urlErr := originURL(repo)
		if urlErr == nil && current != url {
			return os.RemoveAll(path)
		}
		return nil
	case errors.Is(err, git.ErrRepositoryNotExists):
		if _, statErr := os.Stat(path); statErr == nil {
			return os.RemoveAll(path)
		}
		return nil
	default:
		return wrapf(err, "open %s: %s", path, err)
	}
}

func originURL(repo *git.Repository) (string, error) {
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", errors.New("gitreconcile: origin has no URLs")
	}
	return urls[0], nil
}

func cloneOrOpen(path, url string) (*git.Repository, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, wrapf(err, "%s", err)
		}
		repo, err := git.PlainClone(path, false, &git.CloneOptions{
			URL:  url,
			Auth: sshAuth(),
		})
		if err != nil {
			return nil, wrapf(err, "clone %s: %s", url, err)
		}
		return repo, nil
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, wrapf(err, "open %s: %s", path, err)
	}
	return repo, nil
}

// fetchOriginMaster fetches origin/master, hard-coded per the Open Question
// recorded in DESIGN.md: repositories whose default branch differs only
// work if the requested rev is already present after the initial clone.
func fetchOriginMaster(repo *git.Repository) error {
	err := repo.Fetch(&git.FetchOptions{
		RemoteName: "origin",
		Auth:       sshAuth(),
		RefSpecs:   []config.RefSpec{"refs/heads/master:refs/remotes/origin/master"},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return wrapf(err, "fetch origin: %s", err)
	}
	return nil
}

// sshAuth builds SSH-key credentials from $HOME/.ssh/id_rsa. It returns nil
// (no auth) when the key is unreadable, so http(s)/local transports used in
// tests keep working.
func sshAuth() transport.AuthMethod {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	keyPath := filepath.Join(home, ".ssh", "id_rsa")
	auth, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
	if err != nil {
		return nil
	}
	return auth
}

// updateSubmodules recursively initializes and updates all submodules,
// depth-first, until none remain.
func updateSubmodules(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}
	subs, err := worktree.Submodules()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := sub.Update(&git.SubmoduleUpdateOptions{Init: true}); err != nil {
			return fmt.Errorf("submodule %s: %w", sub.Config().Name, err)
		}
		subRepo, err := sub.Repository()
		if err != nil {
			return fmt.Errorf("submodule %s: %w", sub.Config().Name, err)
		}
		if err := updateSubmodules(subRepo); err != nil {
			return err
		}
	}
	return nil
}
