//go:build linux

package loader

import (
	"os"
	"strings"
)

const libraryFileName = "libengine.so"
const searchPathVar = "LD_LIBRARY_PATH"

// searchPathCookie records one entry we prepended, for symmetric removal.
type searchPathCookie struct {
	dir string
}

// addSearchPath prepends dir to LD_LIBRARY_PATH so sibling libraries of
// the plugin resolve.
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

// removeSearchPath drops the first occurrence of the cookie's entry.
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
