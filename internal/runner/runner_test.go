package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/coursebuilder/internal/buildlog"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{name: "empty", in: "", want: nil},
		{name: "plain words", in: "make html", want: []string{"make", "html"}},
		{name: "extra whitespace", in: "  make   html  ", want: []string{"make", "html"}},
		{name: "double quotes", in: `sh -c "make html"`, want: []string{"sh", "-c", "make html"}},
		{name: "single quotes", in: "echo 'a b'", want: []string{"echo", "a b"}},
		{name: "quotes joined to word", in: `--name="my build"`, want: []string{"--name=my build"}},
		{name: "empty quoted word", in: `echo ""`, want: []string{"echo", ""}},
		{name: "unterminated quote", in: `echo "oops`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitCommand(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEnv(t *testing.T) {
	t.Run("changed files are newline joined", func(t *testing.T) {
		env := buildEnv(Request{
			CourseKey: "intro",
			Changed:   []string{"a.yaml", "ex/b.yaml"},
		})
		require.Contains(t, env, "COURSE_KEY=intro")
		require.Contains(t, env, "CHANGED_FILES=a.yaml\nex/b.yaml")
	})

	t.Run("unknown changed set means everything", func(t *testing.T) {
		env := buildEnv(Request{CourseKey: "intro"})
		require.Contains(t, env, "CHANGED_FILES=*")
	})

	t.Run("extra env is appended", func(t *testing.T) {
		env := buildEnv(Request{CourseKey: "intro", Env: map[string]string{"COURSE_ID": "7"}})
		require.Contains(t, env, "COURSE_ID=7")
	})
}

// The runner only assembles arguments for the container CLI; these tests
// substitute harmless binaries for it.
func TestRun(t *testing.T) {
	t.Run("successful run streams output", func(t *testing.T) {
		log := buildlog.New()
		r := New("echo")
		err := r.Run(context.Background(), Request{
			CourseKey: "intro",
			Image:     "builder:latest",
			Command:   "make html",
			WorkDir:   t.TempDir(),
			Timeout:   time.Minute,
			Output:    log,
		})
		require.NoError(t, err)
		require.Contains(t, log.String(), "builder:latest make html")
	})

	t.Run("non-zero exit is a BuildError", func(t *testing.T) {
		r := New("false")
		err := r.Run(context.Background(), Request{
			CourseKey: "intro",
			Image:     "builder:latest",
			WorkDir:   t.TempDir(),
			Output:    buildlog.New(),
		})
		var be *BuildError
		require.ErrorAs(t, err, &be)
		require.Equal(t, ReasonExit, be.Reason)
		require.Equal(t, 1, be.ExitCode)
		require.False(t, IsTimeout(err))
	})

	t.Run("missing binary is a launch error", func(t *testing.T) {
		r := New("definitely-not-a-container-cli")
		err := r.Run(context.Background(), Request{
			CourseKey: "intro",
			Image:     "builder:latest",
			WorkDir:   t.TempDir(),
			Output:    buildlog.New(),
		})
		var be *BuildError
		require.ErrorAs(t, err, &be)
		require.Equal(t, ReasonLaunch, be.Reason)
	})

	t.Run("timeout kills the build", func(t *testing.T) {
		// A stand-in container CLI that hangs.
		stub := filepath.Join(t.TempDir(), "fakedocker")
		require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexec sleep 10\n"), 0o755))

		r := New(stub)
		start := time.Now()
		err := r.Run(context.Background(), Request{
			CourseKey: "intro",
			Image:     "builder:latest",
			WorkDir:   t.TempDir(),
			Timeout:   100 * time.Millisecond,
			Output:    buildlog.New(),
		})
		require.True(t, IsTimeout(err))
		require.Less(t, time.Since(start), 5*time.Second)
	})
}
