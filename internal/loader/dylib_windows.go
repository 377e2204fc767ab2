//go:build windows

package loader

import "errors"

type dylib interface {
	Lookup(symbol string) (any, error)
	Close() error
}

// Windows builds cannot open Go plugin libraries; local families are
// unavailable there and Load reports LoadFailed. Remote families work
// everywhere.
func openDylib(path string) (dylib, error) {
	return nil, errors.New("local engine plugins are not supported on windows")
}
