//go:build linux || darwin

package loader

import (
	"plugin"
)

// dylib abstracts the platform's dynamic-library handle.
type dylib interface {
	Lookup(symbol string) (any, error)
	Close() error
}

type goPlugin struct {
	p *plugin.Plugin
}

func (g *goPlugin) Lookup(symbol string) (any, error) {
	return g.p.Lookup(symbol)
}

// Close drops our reference. The Go runtime keeps plugin mappings for the
// process lifetime; the loader's bookkeeping (borrow drain, cookie
// revocation) is what guarantees nothing calls into a released handle.
func (g *goPlugin) Close() error {
	g.p = nil
	return nil
}

func openDylib(path string) (dylib, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &goPlugin{p: p}, nil
}
