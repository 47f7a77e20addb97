package gitfetch

import (
	"log/slog"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
)

// changedSinceLastSuccess computes the file set modified since the last
// successful build. A failed build may have consumed (and half-processed)
// intermediate commits, so the diff is taken pairwise over every
// success/failed attempt back to the most recent success and unioned,
// not just between the last success and HEAD. Returns nil when the set
// cannot be determined, which callers treat as "everything changed".
func changedSinceLastSuccess(repo *git.Repository, head string, history []PriorBuild) []string {
	if len(history) == 0 {
		return nil
	}

	changed := make(map[string]struct{})
	last := head
	sawSuccess := false
	for _, prior := range history {
		if prior.Commit == "" {
			// An attempt without a recorded commit breaks the chain.
			return nil
		}
		files, err := diffNames(repo, prior.Commit, last)
		if err != nil {
			slog.Warn("Changed-file diff failed; falling back to full rebuild", logfields.Error(err))
			return nil
		}
		for _, f := range files {
			changed[f] = struct{}{}
		}
		last = prior.Commit
		if prior.Success {
			sawSuccess = true
			break
		}
	}
	if !sawSuccess {
		// No successful build on record to diff against.
		return nil
	}

	out := make([]string, 0, len(changed))
	for f := range changed {
		out = append(out, f)
	}
	return out
}

// diffNames lists the paths that differ between two commits.
func diffNames(repo *git.Repository, from, to string) ([]string, error) {
	fromTree, err := commitTree(repo, from)
	if err != nil {
		return nil, err
	}
	toTree, err := commitTree(repo, to)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		if change.From.Name != "" {
			names[change.From.Name] = struct{}{}
		}
		if change.To.Name != "" {
			names[change.To.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	return out, nil
}

func commitTree(repo *git.Repository, hash string) (*object.Tree, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}
