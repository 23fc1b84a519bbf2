package expr

import (
	"sort"
	"strings"
)

// Renderer formats already-translated operands
type Renderer func(args []string) string

// Entry describes one operator or function: its accepted arity range and how
// it renders. MaxArgs < 0 means unbounded.
type Entry struct {
	MinArgs int
	MaxArgs int
	Render  Renderer
}

func (e Entry) accepts(n int) bool {
	return n >= e.MinArgs && (e.MaxArgs < 0 || n <= e.MaxArgs)
}

// Registry is the table of operators and functions the translator accepts.
// Configure it before sharing; lookups do not lock.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// DefaultRegistry returns a registry holding the standard OData v4 comparison
// and arithmetic operators and canonical functions
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, op := range []string{OpEq, OpNe, OpGt, OpGe, OpLt, OpLe, OpHas, OpIn,
		OpAdd, OpSub, OpMul, OpDiv, OpDivBy, OpMod} {
		r.Register(op, 2, 2, Infix(op))
	}
	r.Register(OpNeg, 1, 1, func(args []string) string { return "-" + args[0] })

	functions := []struct {
		name     string
		min, max int
	}{
		{"contains", 2, 2},
		{"startswith", 2, 2},
		{"endswith", 2, 2},
		{"length", 1, 1},
		{"indexof", 2, 2},
		{"substring", 2, 3},
		{"tolower", 1, 1},
		{"toupper", 1, 1},
		{"trim", 1, 1},
		{"concat", 2, 2},
		{"matchesPattern", 2, 2},
		{"year", 1, 1},
		{"month", 1, 1},
		{"day", 1, 1},
		{"hour", 1, 1},
		{"minute", 1, 1},
		{"second", 1, 1},
		{"fractionalseconds", 1, 1},
		{"totalseconds", 1, 1},
		{"totaloffsetminutes", 1, 1},
		{"date", 1, 1},
		{"time", 1, 1},
		{"now", 0, 0},
		{"maxdatetime", 0, 0},
		{"mindatetime", 0, 0},
		{"round", 1, 1},
		{"floor", 1, 1},
		{"ceiling", 1, 1},
		{"cast", 1, 2},
		{"isof", 1, 2},
	}
	for _, f := range functions {
		r.Register(f.name, f.min, f.max, CallOf(f.name))
	}
	return r
}

// Register adds or replaces an entry
func (r *Registry) Register(name string, minArgs, maxArgs int, render Renderer) {
	r.entries[name] = Entry{MinArgs: minArgs, MaxArgs: maxArgs, Render: render}
}

// Lookup returns the entry registered under name
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names lists registered names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy that can be extended
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for name, e := range r.entries {
		c.entries[name] = e
	}
	return c
}

// Infix renders "a op b"
func Infix(op string) Renderer {
	return func(args []string) string {
		return args[0] + " " + op + " " + args[1]
	}
}

// CallOf renders "name(a,b,...)"
func CallOf(name string) Renderer {
	return func(args []string) string {
		return name + "(" + strings.Join(args, ",") + ")"
	}
}
