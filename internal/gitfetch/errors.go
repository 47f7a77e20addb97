package gitfetch

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/coursebuilder/internal/foundation/errors"
)

// FetchError is the typed failure for any fetch-stage problem. The
// orchestrator records it as a terminal failed update; the working copy
// is left as-is for post-mortem inspection.
type FetchError struct {
	Op  string
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("git %s failed for %s: %v", e.Op, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Classify translates a go-git error into a ClassifiedError for
// category-aware handling upstream.
func Classify(err error, op, url string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsClassified(err); ok {
		return err
	}

	l := strings.ToLower(err.Error())
	builder := errors.WrapError(err, errors.CategoryGit, "git operation failed").
		WithContext("op", op).
		WithContext("url", url)

	switch {
	case strings.Contains(l, "authentication") || strings.Contains(l, "not authorized") || strings.Contains(l, "invalid credentials"):
		builder.WithCategory(errors.CategoryAuth)
	case strings.Contains(l, "repository not found") || strings.Contains(l, "not found") || strings.Contains(l, "does not exist"):
		builder.WithCategory(errors.CategoryNotFound)
	case strings.Contains(l, "connection reset") || strings.Contains(l, "timeout") || strings.Contains(l, "no route to host") || strings.Contains(l, "remote hung up"):
		builder.WithCategory(errors.CategoryNetwork).Retryable()
	}

	return builder.Build()
}
