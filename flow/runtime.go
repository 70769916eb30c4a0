package flow

import (
	"fmt"

	"github.com/ktstephano/gvm-flow/internal/signature"
)

// CallbackKind distinguishes a native function (used with CALL) from a
// native handler (used with HANDLER, which may terminate a run).
type CallbackKind int

const (
	KindFunction CallbackKind = iota
	KindHandler
)

// NativeFunc is the invocation target of a Callback: argc and a window
// into the caller's register file, plus the Runner for callbacks that
// need to allocate strings or read userdata. By convention argv[0] is
// the return-value slot; argv[1:] are arguments.
type NativeFunc func(argc int, argv []uint64, r *Runner)

// Callback is a typed native function or handler binding identified by
// its signature string.
type Callback struct {
	Signature signature.Signature
	Kind      CallbackKind
	Invoke    NativeFunc
}

// SignatureString returns the canonical signature string used as the
// link key.
func (c *Callback) SignatureString() string {
	return c.Signature.String()
}

// Runtime is the host-provided collaborator a Program links against: an
// import hook plus a lookup from signature string to a typed callback.
type Runtime interface {
	// Import is called once per (name, path) module entry in a Program's
	// module pool, in order. It returns false to signal a failed import.
	Import(moduleName, modulePath string) bool

	// Find returns the registered callback whose signature string equals
	// sig, if any.
	Find(sig string) (*Callback, bool)
}

// Registry is a reusable Runtime building block: a signature-string ->
// Callback map plus the fluent register_handler/register_function
// builders described by the native callback protocol. Concrete runtimes
// embed Registry to get Find and the builders for free; Import defaults
// to a no-op success and can be overridden by wrapping or shadowing.
type Registry struct {
	callbacks map[string]*Callback
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[string]*Callback)}
}

// Import is the default, no-op module import: it does nothing and
// reports success, matching the "the implementation may do nothing and
// return true" allowance in the runtime contract.
func (r *Registry) Import(moduleName, modulePath string) bool {
	return true
}

// Find looks up a callback by its exact signature string.
func (r *Registry) Find(sig string) (*Callback, bool) {
	cb, ok := r.callbacks[sig]
	return cb, ok
}

// CallbackBuilder accumulates argument types for a callback before it is
// bound and registered with Bind.
type CallbackBuilder struct {
	registry *Registry
	name     string
	kind     CallbackKind
	args     []signature.Type
	ret      signature.Type
}

// RegisterHandler begins building a native handler named name. Handlers
// return B (boolean accept/decline) by construction.
func (r *Registry) RegisterHandler(name string) *CallbackBuilder {
	return &CallbackBuilder{registry: r, name: name, kind: KindHandler, ret: signature.Type{Kind: signature.Bool}}
}

// RegisterFunction begins building a native function named name with the
// given return kind. Use signature.Void for a function with no return
// value.
func (r *Registry) RegisterFunction(name string, ret signature.Kind) *CallbackBuilder {
	return &CallbackBuilder{registry: r, name: name, kind: KindFunction, ret: signature.Type{Kind: ret}}
}

// Arg appends one argument type to the callback being built.
func (b *CallbackBuilder) Arg(k signature.Kind) *CallbackBuilder {
	b.args = append(b.args, signature.Type{Kind: k})
	return b
}

// Bind finalizes the callback's signature, registers it under that exact
// signature string, and returns it.
func (b *CallbackBuilder) Bind(fn NativeFunc) *Callback {
	cb := &Callback{
		Signature: signature.Signature{Name: b.name, Args: b.args, Return: b.ret},
		Kind:      b.kind,
		Invoke:    fn,
	}
	b.registry.callbacks[cb.SignatureString()] = cb
	return cb
}

// reportUnresolved prints one diagnostic line per unresolved symbol, the
// way the teacher prints one line per interpreter fault.
func reportUnresolved(kind, sig string) {
	fmt.Printf("link: unresolved native %s: %s\n", kind, sig)
}
