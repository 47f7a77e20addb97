package stage

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Index file names accepted at the top of a course tree, in preference
// order.
var indexNames = []string{"index.yaml", "index.json"}

// Validate checks that dir holds a structurally usable course tree: a
// parseable index file at the top level, and no file resolving outside
// the tree.
func Validate(courseKey, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return &ValidationError{CourseKey: courseKey, Reason: fmt.Sprintf("course directory missing: %v", err)}
	}

	found := false
	for _, name := range indexNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if err := checkIndex(name, data); err != nil {
			return &ValidationError{
				CourseKey: courseKey,
				Reason:    fmt.Sprintf("malformed %s: %v", name, err),
			}
		}
		found = true
		break
	}
	if !found {
		return &ValidationError{
			CourseKey: courseKey,
			Reason:    fmt.Sprintf("no %s at course root", strings.Join(indexNames, " or ")),
		}
	}

	if err := checkSelfContained(dir); err != nil {
		return &ValidationError{CourseKey: courseKey, Reason: err.Error()}
	}
	return nil
}

// checkIndex verifies the index document is syntactically valid. The
// schema belongs to the consuming frontend; only parseability is checked
// here so a broken build never replaces a good stored version.
func checkIndex(name string, data []byte) error {
	var doc any
	if strings.HasSuffix(name, ".json") {
		return json.Unmarshal(data, &doc)
	}
	return yaml.Unmarshal(data, &doc)
}

// checkSelfContained walks the tree and rejects symlinks that are
// absolute or resolve outside dir. Courses are served and swapped as a
// unit; a link escaping the tree would dangle or leak after a swap.
func checkSelfContained(dir string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Repo metadata is never staged, so whatever it links to is moot.
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if filepath.IsAbs(target) {
			return fmt.Errorf("absolute symlink %s -> %s", rel, target)
		}
		resolved := filepath.Clean(filepath.Join(filepath.Dir(path), target))
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return fmt.Errorf("symlink %s escapes the course tree (-> %s)", rel, target)
		}
		return nil
	})
}
