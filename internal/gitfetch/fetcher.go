// Package gitfetch keeps each course's working copy in sync with its git
// origin and computes the changed-file set for incremental builds.
package gitfetch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
)

// Fetcher clones and updates per-course working copies under workingRoot.
type Fetcher struct {
	workingRoot string
	sshKeyPath  string
}

// NewFetcher creates a fetcher rooted at workingRoot. sshKeyPath is the
// default key for ssh origins without an explicit key.
func NewFetcher(workingRoot, sshKeyPath string) *Fetcher {
	return &Fetcher{workingRoot: workingRoot, sshKeyPath: sshKeyPath}
}

// WorkDir returns the working copy path for a course key.
func (f *Fetcher) WorkDir(key string) string {
	return filepath.Join(f.workingRoot, key)
}

// PriorBuild is one entry of a course's build history, newest first, used
// to compute the changed-file set since the last successful build.
type PriorBuild struct {
	Commit  string
	Success bool
}

// Result describes a completed fetch.
type Result struct {
	Path   string
	Commit string
	// Changed is the file set modified since the last successful build.
	// nil means unknown; the caller must treat the whole tree as changed.
	Changed []string
}

// Fetch brings the course working copy to the head of its configured
// branch: clone when absent (or when the origin URL changed), otherwise
// fetch plus hard reset. On failure the working copy is preserved for
// diagnosis.
func (f *Fetcher) Fetch(c *course.Course, history []PriorBuild) (*Result, error) {
	path := f.WorkDir(c.Key)

	cloned, err := f.cloneIfNeeded(path, c)
	if err != nil {
		return nil, Classify(err, "clone", c.GitOrigin)
	}
	if !cloned {
		if err := f.updateExisting(path, c); err != nil {
			return nil, Classify(err, "update", c.GitOrigin)
		}
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, Classify(&FetchError{Op: "open", URL: c.GitOrigin, Err: err}, "open", c.GitOrigin)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, Classify(&FetchError{Op: "resolve head", URL: c.GitOrigin, Err: err}, "resolve head", c.GitOrigin)
	}
	commit := head.Hash().String()

	result := &Result{Path: path, Commit: commit}
	if !cloned {
		result.Changed = changedSinceLastSuccess(repo, commit, history)
	}

	slog.Info("Working copy updated",
		logfields.Course(c.Key),
		logfields.Branch(c.GitBranch),
		logfields.Commit(shortHash(commit)))
	return result, nil
}

// cloneIfNeeded clones the repository when the working copy is absent or
// points at a different origin. It reports whether a clone happened.
func (f *Fetcher) cloneIfNeeded(path string, c *course.Course) (bool, error) {
	if repo, err := git.PlainOpen(path); err == nil {
		if originMatches(repo, c.GitOrigin) {
			return false, nil
		}
		slog.Info("Wrong origin in working copy, recloning", logfields.Course(c.Key), logfields.URL(c.GitOrigin))
		if err := os.RemoveAll(path); err != nil {
			return false, &FetchError{Op: "remove stale working copy", URL: c.GitOrigin, Err: err}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, &FetchError{Op: "create working root", URL: c.GitOrigin, Err: err}
	}

	cloneOptions := &git.CloneOptions{
		URL:           c.GitOrigin,
		ReferenceName: plumbing.NewBranchReferenceName(c.GitBranch),
		SingleBranch:  true,
	}
	auth, err := f.authentication(c.Auth)
	if err != nil {
		return false, &FetchError{Op: "auth setup", URL: c.GitOrigin, Err: err}
	}
	cloneOptions.Auth = auth

	if _, err := git.PlainClone(path, false, cloneOptions); err != nil {
		return false, &FetchError{Op: "clone", URL: c.GitOrigin, Err: err}
	}
	return true, nil
}

// updateExisting fetches the origin branch and hard-resets the worktree
// onto it. A hard reset (rather than pull) makes the working copy follow
// force-pushed branches instead of failing on divergence.
func (f *Fetcher) updateExisting(path string, c *course.Course) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return &FetchError{Op: "open", URL: c.GitOrigin, Err: err}
	}

	auth, err := f.authentication(c.Auth)
	if err != nil {
		return &FetchError{Op: "auth setup", URL: c.GitOrigin, Err: err}
	}

	fetchOpts := &git.FetchOptions{
		RemoteName: "origin",
		Tags:       git.NoTags,
		Auth:       auth,
	}
	if err := repo.Fetch(fetchOpts); err != nil && err != git.NoErrAlreadyUpToDate {
		return &FetchError{Op: "fetch", URL: c.GitOrigin, Err: err}
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", c.GitBranch), true)
	if err != nil {
		return &FetchError{Op: "resolve branch " + c.GitBranch, URL: c.GitOrigin, Err: err}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return &FetchError{Op: "worktree", URL: c.GitOrigin, Err: err}
	}

	localRef := plumbing.NewBranchReferenceName(c.GitBranch)
	if _, err := repo.Reference(localRef, true); err != nil {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: localRef, Create: true, Force: true}); err != nil {
			return &FetchError{Op: "checkout new branch", URL: c.GitOrigin, Err: err}
		}
	} else {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: localRef, Force: true}); err != nil {
			return &FetchError{Op: "checkout branch", URL: c.GitOrigin, Err: err}
		}
	}

	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return &FetchError{Op: "reset", URL: c.GitOrigin, Err: err}
	}
	return nil
}

// authentication creates a transport auth method from course config.
func (f *Fetcher) authentication(auth *course.AuthConfig) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}
	switch auth.Type {
	case "none", "":
		return nil, nil

	case "ssh":
		keyPath := auth.KeyPath
		if keyPath == "" {
			keyPath = f.sshKeyPath
		}
		if keyPath == "" {
			keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
		}
		publicKeys, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key from %s: %w", keyPath, err)
		}
		return publicKeys, nil

	case "token":
		if auth.Token == "" {
			return nil, fmt.Errorf("token authentication requires a token")
		}
		return &http.BasicAuth{
			Username: "token", // GitHub/GitLab use "token" as username
			Password: auth.Token,
		}, nil

	case "basic":
		if auth.Username == "" || auth.Password == "" {
			return nil, fmt.Errorf("basic authentication requires username and password")
		}
		return &http.BasicAuth{
			Username: auth.Username,
			Password: auth.Password,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported authentication type: %s", auth.Type)
	}
}

func originMatches(repo *git.Repository, origin string) bool {
	remote, err := repo.Remote("origin")
	if err != nil {
		return false
	}
	urls := remote.Config().URLs
	return len(urls) > 0 && urls[0] == origin
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
