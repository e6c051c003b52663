package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// LibDir is where bundled onnxruntime builds live, one subdirectory per
// platform, e.g. lib/linux-x64/libonnxruntime.so.
const LibDir = "lib"

func detArch(system, arch string) (string, error) {
	switch arch {
	case "amd64":
		return fmt.Sprintf("%s-%s", system, "x64"), nil
	case "386":
		return fmt.Sprintf("%s-%s", system, "x86"), nil
	case "arm64":
		return fmt.Sprintf("%s-%s", system, "arm64"), nil
	default:
		return "", fmt.Errorf("architecture %s not supported", arch)
	}
}

func platformOf(system, arch string) (string, error) {
	switch system {
	case "windows", "linux", "darwin":
		return detArch(system, arch)
	default:
		return "", fmt.Errorf("operating system %s not supported", system)
	}
}

func libName(system string) string {
	switch system {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// ResolveSharedLibPath picks the onnxruntime library to load. A configured
// path wins; otherwise the bundled platform build is searched next to the
// executable and then in the working directory. An empty result leaves the
// choice to the dynamic loader.
func ResolveSharedLibPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	platform, err := platformOf(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	rel := filepath.Join(LibDir, platform, libName(runtime.GOOS))

	var dirs []string
	if exePath, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exePath))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, rel)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", nil
}
