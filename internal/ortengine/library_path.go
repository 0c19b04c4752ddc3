package ortengine

import (
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// setSharedLibraryPath points the binding at an onnxruntime shared library.
// An explicit path wins, then env overrides, then well-known install
// locations, then the plain library name for the system loader to resolve.
func setSharedLibraryPath(explicit string) {
	for _, p := range candidateLibraryPaths(explicit) {
		if _, err := os.Stat(p); err == nil {
			ort.SetSharedLibraryPath(p)
			return
		}
	}
	ort.SetSharedLibraryPath("onnxruntime")
}

func candidateLibraryPaths(explicit string) []string {
	paths := []string{}
	if explicit != "" {
		paths = append(paths, explicit)
	}
	if env := os.Getenv("DETBRIDGE_ONNXRUNTIME_PATH"); env != "" {
		paths = append(paths, env)
	}
	if env := os.Getenv("ORT_SHARED_LIBRARY_PATH"); env != "" {
		paths = append(paths, env)
	}
	paths = append(paths,
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
	)

	seen := map[string]struct{}{}
	out := paths[:0]
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
