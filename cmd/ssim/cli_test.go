package main

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ssimBinary     string
	ssimBinaryOnce sync.Once
	ssimBinaryErr  error
)

// buildSSIM builds the ssim binary once and returns its path.
func buildSSIM(t *testing.T) string {
	t.Helper()
	ssimBinaryOnce.Do(func() {
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			ssimBinaryErr = os.ErrInvalid
			return
		}
		tmpDir, err := os.MkdirTemp("", "ssim-test-*")
		if err != nil {
			ssimBinaryErr = err
			return
		}
		ssimBinary = filepath.Join(tmpDir, "ssim")

		cmd := exec.Command("go", "build", "-o", ssimBinary, ".")
		cmd.Dir = filepath.Dir(filename)
		if output, err := cmd.CombinedOutput(); err != nil {
			ssimBinaryErr = errors.New(err.Error() + ": " + string(output))
		}
	})
	if ssimBinaryErr != nil {
		t.Fatalf("failed to build ssim: %v", ssimBinaryErr)
	}
	return ssimBinary
}

// runSSIM runs the binary in an isolated config home with extra environment
// entries and returns its stdout, stderr and exit code.
func runSSIM(t *testing.T, env []string, args ...string) (string, string, int) {
	t.Helper()
	bin := buildSSIM(t)
	work := t.TempDir()

	cmd := exec.Command(bin, args...)
	cmd.Dir = work
	cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+filepath.Join(work, "config"))
	cmd.Env = append(cmd.Env, env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else {
		require.NoError(t, err)
	}
	return stdout.String(), stderr.String(), code
}

func TestRebuildSetupFailuresGoToStderr(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the ssim binary")
	}
	notDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0644))

	dbPath := filepath.Join(t.TempDir(), "lib.db")

	tests := []struct {
		name string
		env  []string
		args []string
	}{
		{"bad log level", nil, []string{"rebuild", "--log-level", "loud", dbPath}},
		{"unknown embedder", []string{"SAMPLESIM_EMBEDDER=bogus"}, []string{"rebuild", dbPath}},
		{"database is a directory", nil, []string{"rebuild", t.TempDir()}},
		{"database under a file", nil, []string{"rebuild", filepath.Join(notDir, "lib.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, code := runSSIM(t, tt.env, tt.args...)
			assert.Equal(t, ExitError, code)
			assert.Empty(t, stdout)
			assert.Contains(t, stderr, "error: ")
		})
	}
}

func TestRebuildEmptyDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the ssim binary")
	}
	dbPath := filepath.Join(t.TempDir(), "lib.db")
	stdout, stderr, code := runSSIM(t, nil, "rebuild", dbPath)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, `"status": "rebuilt"`)
}
