// Package course holds the read-only course registry. Courses are defined
// by an external admin surface and consumed here; the pipeline never
// mutates them.
package course

import (
	"crypto/subtle"
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys become path segments in every zone and in API routes, so they are
// restricted to a single safe segment.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// Course describes one buildable course. Key is the concurrency-control
// scope and the per-zone filesystem namespace root.
type Course struct {
	Key           string `yaml:"key"`
	GitOrigin     string `yaml:"git_origin"`
	GitBranch     string `yaml:"git_branch,omitempty"`
	WebhookSecret string `yaml:"webhook_secret"`
	RemoteID      *int64 `yaml:"remote_id,omitempty"`
	UpdateHook    string `yaml:"update_hook,omitempty"`
	BuildImage    string `yaml:"build_image,omitempty"`
	BuildCommand  string `yaml:"build_command,omitempty"`
	// UpdateAutomatically controls whether the forwarding hook fires after
	// a successful build.
	UpdateAutomatically *bool `yaml:"update_automatically,omitempty"`

	// Auth for the git origin. Optional; public origins need none.
	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// AuthConfig represents git authentication configuration.
type AuthConfig struct {
	Type     string `yaml:"type"` // "ssh", "token", "basic"
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
}

// NotifyEnabled reports whether the forwarding hook should fire for this
// course. Defaults to true when unset.
func (c *Course) NotifyEnabled() bool {
	return c.UpdateAutomatically == nil || *c.UpdateAutomatically
}

// CheckSecret compares a presented secret against the course webhook
// secret in constant time.
func (c *Course) CheckSecret(presented string) bool {
	if c.WebhookSecret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.WebhookSecret), []byte(presented)) == 1
}

type registryFile struct {
	Courses []*Course `yaml:"courses"`
}

// Registry is an in-memory view of the course registry file, safe for
// concurrent readers and reloadable in place.
type Registry struct {
	path string

	mu      sync.RWMutex
	courses map[string]*Course
}

// NewRegistry loads the registry from path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and swaps the course set atomically.
// On parse failure the previous set is kept.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read course registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return fmt.Errorf("parse course registry: %w", err)
	}

	courses := make(map[string]*Course, len(file.Courses))
	for _, c := range file.Courses {
		if c.Key == "" {
			return fmt.Errorf("course registry: course with empty key")
		}
		if !keyPattern.MatchString(c.Key) {
			return fmt.Errorf("course registry: invalid course key %q", c.Key)
		}
		if _, dup := courses[c.Key]; dup {
			return fmt.Errorf("course registry: duplicate course key %q", c.Key)
		}
		if c.GitBranch == "" {
			c.GitBranch = "main"
		}
		courses[c.Key] = c
	}

	r.mu.Lock()
	r.courses = courses
	r.mu.Unlock()
	return nil
}

// Get returns the course for key, or false when unknown.
func (r *Registry) Get(key string) (*Course, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.courses[key]
	return c, ok
}

// Keys returns all registered course keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.courses))
	for k := range r.courses {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of registered courses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.courses)
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}
