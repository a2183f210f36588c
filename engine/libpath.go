package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// RuntimeLibraryName is the onnxruntime shared library file name for goos.
func RuntimeLibraryName(goos string) (string, error) {
	switch goos {
	case "linux", "android":
		return "libonnxruntime.so", nil
	case "darwin", "ios":
		return "libonnxruntime.dylib", nil
	case "windows":
		return "onnxruntime.dll", nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func runtimeLibraryGlob(goos string) string {
	switch goos {
	case "windows":
		return "onnxruntime*.dll"
	case "darwin", "ios":
		return "libonnxruntime*.dylib"
	default:
		return "libonnxruntime.so*"
	}
}

var systemLibraryDirs = []string{
	"/usr/local/lib",
	"/usr/lib",
	"/opt/onnxruntime/lib",
	"/opt/homebrew/lib",
}

func globFirst(dir, pat string) string {
	if dir == "" {
		return ""
	}
	ms, err := filepath.Glob(filepath.Join(dir, pat))
	if err != nil || len(ms) == 0 {
		return ""
	}
	return ms[0]
}

// searchDirs looks for name, then for the glob, in each dir and its lib/ and .dist/
// subdirectories. tried collects every directory checked.
func searchDirs(dirs []string, name, glob string, tried *[]string) string {
	seen := map[string]bool{}
	for _, d := range dirs {
		for _, cand := range []string{d, filepath.Join(d, "lib"), filepath.Join(d, ".dist")} {
			if d == "" || seen[cand] {
				continue
			}
			seen[cand] = true
			*tried = append(*tried, cand)
			if p := filepath.Join(cand, name); fileExists(p) {
				return p
			}
			if m := globFirst(cand, glob); m != "" {
				return m
			}
		}
	}
	return ""
}

// ascend lists start and up to limit of its parents.
func ascend(start string, limit int) []string {
	var dirs []string
	cur := start
	for i := 0; i < limit && cur != ""; i++ {
		dirs = append(dirs, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return dirs
}

// FindRuntimeLibrary returns preferred when it names an existing file, otherwise
// searches the executable directory, the working directory, their parents and the
// common system locations.
func FindRuntimeLibrary(preferred string) (string, error) {
	if fileExists(preferred) {
		return preferred, nil
	}
	name, err := RuntimeLibraryName(runtime.GOOS)
	if err != nil {
		return "", err
	}
	if preferred != "" && !strings.ContainsAny(preferred, `/\`) {
		name = preferred
	}

	var dirs []string
	if exePath, err := os.Executable(); err == nil {
		dirs = append(dirs, ascend(filepath.Dir(exePath), 4)...)
	}
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, ascend(cwd, 4)...)
	}
	dirs = append(dirs, systemLibraryDirs...)

	var tried []string
	if p := searchDirs(dirs, name, runtimeLibraryGlob(runtime.GOOS), &tried); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("onnxruntime library %q not found; tried:\n  %s", name, strings.Join(tried, "\n  "))
}
