// Package all registers every built-in tool.
package all

import (
	"github.com/wehubfusion/Daedalus/pkg/tool"
	"github.com/wehubfusion/Daedalus/pkg/tools/script"
	"github.com/wehubfusion/Daedalus/pkg/tools/text"
)

// Register adds the built-in tools to r. The returned function releases
// their resources.
func Register(r *tool.Registry) (closeFn func() error) {
	js := script.New(script.DefaultPoolConfig())
	script.Register(r, js)
	text.Register(r)
	return js.Close
}

// NewRegistry creates a registry with all built-in tools registered.
func NewRegistry() (*tool.Registry, func() error) {
	r := tool.NewRegistry()
	closeFn := Register(r)
	return r, closeFn
}
