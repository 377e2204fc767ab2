//go:build darwin

package loader

import (
	"os"
	"strings"
)

const libraryFileName = "libengine.dylib"
const searchPathVar = "DYLD_LIBRARY_PATH"

type searchPathCookie struct {
	dir string
}

func addSearchPath(dir string) (searchPathCookie, error) {
	cur := os.Getenv(searchPathVar)
	next := dir
	if cur != "" {
		next = dir + ":" + cur
	}
	if err := os.Setenv(searchPathVar, next); err != nil {
		return searchPathCookie{}, err
	}
	return searchPathCookie{dir: dir}, nil
}

func removeSearchPath(c searchPathCookie) error {
	parts := strings.Split(os.Getenv(searchPathVar), ":")
	out := make([]string, 0, len(parts))
	removed := false
	for _, p := range parts {
		if !removed && p == c.dir {
			removed = true
			continue
		}
		out = append(out, p)
	}
	return os.Setenv(searchPathVar, strings.Join(out, ":"))
}
