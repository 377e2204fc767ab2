//go:build windows

package loader

const libraryFileName = "engine.dll"

// Windows uses AddDllDirectory cookies when local plugins are supported;
// with plugin loading unavailable there these are inert placeholders so
// the loader compiles cross-platform.
type searchPathCookie struct {
	dir string
}

func addSearchPath(dir string) (searchPathCookie, error) {
	return searchPathCookie{dir: dir}, nil
}

func removeSearchPath(c searchPathCookie) error { return nil }
