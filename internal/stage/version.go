package stage

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	versionFile   = "version_id"
	versionLength = 30
	versionChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewVersionID returns a fresh random version identifier. Clients compare
// it against the one they last saw to detect republished content.
func NewVersionID() string {
	buf := make([]byte, versionLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	var b strings.Builder
	b.Grow(versionLength)
	for _, c := range buf {
		b.WriteByte(versionChars[int(c)%len(versionChars)])
	}
	return b.String()
}

// writeVersionID stamps the tree with a version id and returns it.
func writeVersionID(dir string) (string, error) {
	id := NewVersionID()
	if err := os.WriteFile(filepath.Join(dir, versionFile), []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write version id: %w", err)
	}
	return id, nil
}

// ReadVersionID returns the version id stamped into dir, or "" when the
// tree carries none.
func ReadVersionID(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, versionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
