package engine

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformOf(t *testing.T) {
	cases := []struct {
		system, arch, want string
	}{
		{"linux", "amd64", "linux-x64"},
		{"windows", "386", "windows-x86"},
		{"darwin", "arm64", "darwin-arm64"},
	}
	for _, c := range cases {
		got, err := platformOf(c.system, c.arch)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	_, err := platformOf("plan9", "amd64")
	assert.Error(t, err)
	_, err = platformOf("linux", "mips")
	assert.Error(t, err)
}

func TestResolveSharedLibPath(t *testing.T) {
	t.Run("configured path wins", func(t *testing.T) {
		got, err := ResolveSharedLibPath("/opt/ort/libonnxruntime.so")
		require.NoError(t, err)
		assert.Equal(t, "/opt/ort/libonnxruntime.so", got)
	})

	platform, err := platformOf(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		t.Skip(err)
	}

	t.Run("bundled build in working directory", func(t *testing.T) {
		dir := t.TempDir()
		libDir := filepath.Join(dir, LibDir, platform)
		require.NoError(t, os.MkdirAll(libDir, 0o755))
		lib := filepath.Join(libDir, libName(runtime.GOOS))
		require.NoError(t, os.WriteFile(lib, []byte("stub"), 0o644))
		chdir(t, dir)

		got, err := ResolveSharedLibPath("")
		require.NoError(t, err)
		assert.Equal(t, lib, got)
	})

	t.Run("nothing bundled", func(t *testing.T) {
		chdir(t, t.TempDir())
		got, err := ResolveSharedLibPath("")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (stand-in for testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Setenv("PWD", dir)
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
