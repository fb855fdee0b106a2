// Package tool holds the Tool contract and the explicit registry the engine
// resolves node tools from. Tools are registered at process start and looked up
// by identifier; nothing is loaded at runtime.
package tool

import (
	"context"
	"errors"
)

// ErrToolNotFound is returned when no tool is registered under an identifier.
var ErrToolNotFound = errors.New("tool not registered")

// Tool is a callable unit bound to a node.
type Tool interface {
	// ID returns the identifier nodes use to reference this tool.
	ID() string
	// Invoke runs the tool on resolved inputs. Returning a stream.Sequence
	// produces a lazy output.
	Invoke(ctx context.Context, inputs map[string]any) (any, error)
}

// Initializer is implemented by tools that need setup before the first line,
// e.g. opening a client from connection settings.
type Initializer interface {
	Init(ctx context.Context, kwargs map[string]any) error
}

// Param describes a declared tool parameter.
type Param struct {
	Name       string
	Default    any
	HasDefault bool
}

// Entry is a registered tool with its metadata.
type Entry struct {
	Tool Tool
	// Version is part of the cache key; bump it when the tool behaviour changes.
	Version string
	Params  []Param
}

// Default returns the declared default of a parameter.
func (e Entry) Default(name string) (any, bool) {
	for _, p := range e.Params {
		if p.Name == name {
			return p.Default, p.HasDefault
		}
	}
	return nil, false
}

// Func adapts a function into a Tool.
type Func struct {
	id string
	fn func(ctx context.Context, inputs map[string]any) (any, error)
}

// NewFunc creates a Tool from a function.
func NewFunc(id string, fn func(ctx context.Context, inputs map[string]any) (any, error)) *Func {
	return &Func{id: id, fn: fn}
}

func (f *Func) ID() string { return f.id }

func (f *Func) Invoke(ctx context.Context, inputs map[string]any) (any, error) {
	return f.fn(ctx, inputs)
}

var _ Tool = (*Func)(nil)

// Option configures a registration.
type Option func(*Entry)

// WithVersion sets the cache version of a tool.
func WithVersion(version string) Option {
	return func(e *Entry) { e.Version = version }
}

// WithParam declares a parameter without a default.
func WithParam(name string) Option {
	return func(e *Entry) { e.Params = append(e.Params, Param{Name: name}) }
}

// WithDefault declares a parameter with a default value.
func WithDefault(name string, value any) Option {
	return func(e *Entry) {
		e.Params = append(e.Params, Param{Name: name, Default: value, HasDefault: true})
	}
}
