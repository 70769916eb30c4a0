package flow

import (
	"errors"
	"fmt"

	"github.com/dlclark/regexp2"

	"github.com/ktstephano/gvm-flow/internal/isa"
	"github.com/ktstephano/gvm-flow/internal/signature"
)

// Module is one (name, path) entry in a Program's import pool. Path may
// be empty.
type Module struct {
	Name string
	Path string
}

// Program is an immutable, linked bytecode unit: four constant pools,
// two native-symbol tables, and a list of owned Handlers. It is built
// populated, optionally linked exactly once against a Runtime, then kept
// immutable for the lifetime of any Runner it spawns.
type Program struct {
	integers []int64
	strings  []string
	regexes  []string
	modules  []Module

	handlerSignatures  []signature.Signature
	functionSignatures []signature.Signature

	// Populated by Link, parallel to handlerSignatures/functionSignatures.
	nativeHandlers  []*Callback
	nativeFunctions []*Callback

	// Populated by Link, parallel to regexes.
	compiledRegexes []*regexp2.Regexp

	handlers    []*Handler
	handlerByID map[string]int

	linked bool
}

// NewProgram builds a Program from its constant pools and native-symbol
// signature lists. Handler creation is a separate step via CreateHandler.
// Malformed signature strings are a construction error.
func NewProgram(integers []int64, strs []string, regexes []string, modules []Module, handlerSigs, functionSigs []string) (*Program, error) {
	p := &Program{
		integers:    append([]int64(nil), integers...),
		strings:     append([]string(nil), strs...),
		regexes:     append([]string(nil), regexes...),
		modules:     append([]Module(nil), modules...),
		handlerByID: make(map[string]int),
	}

	for _, s := range handlerSigs {
		sig, err := signature.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: handler signature %q: %v", errBadSignature, s, err)
		}
		p.handlerSignatures = append(p.handlerSignatures, sig)
	}
	for _, s := range functionSigs {
		sig, err := signature.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: function signature %q: %v", errBadSignature, s, err)
		}
		p.functionSignatures = append(p.functionSignatures, sig)
	}

	return p, nil
}

// Integers returns the integer constant pool, in pool order.
func (p *Program) Integers() []int64 { return append([]int64(nil), p.integers...) }

// Strings returns the string constant pool, in pool order.
func (p *Program) Strings() []string { return append([]string(nil), p.strings...) }

// Regexes returns the regex pattern pool, in pool order.
func (p *Program) Regexes() []string { return append([]string(nil), p.regexes...) }

// Modules returns the module import pool, in pool order.
func (p *Program) Modules() []Module { return append([]Module(nil), p.modules...) }

// HandlerSignatures returns the native handler signature strings, in
// table order.
func (p *Program) HandlerSignatures() []string {
	out := make([]string, len(p.handlerSignatures))
	for i, s := range p.handlerSignatures {
		out[i] = s.String()
	}
	return out
}

// FunctionSignatures returns the native function signature strings, in
// table order.
func (p *Program) FunctionSignatures() []string {
	out := make([]string, len(p.functionSignatures))
	for i, s := range p.functionSignatures {
		out[i] = s.String()
	}
	return out
}

// Handlers returns every handler owned by the Program, in creation
// order.
func (p *Program) Handlers() []*Handler { return append([]*Handler(nil), p.handlers...) }

// Integer returns the integer constant pool entry at idx.
func (p *Program) Integer(idx int) (int64, error) {
	if idx < 0 || idx >= len(p.integers) {
		return 0, fmt.Errorf("%w: integer pool index %d", ErrConstantIndexOOB, idx)
	}
	return p.integers[idx], nil
}

// String returns the string constant pool entry at idx. The returned
// string shares the Program's backing storage and is valid for the
// Program's lifetime.
func (p *Program) String(idx int) (string, error) {
	if idx < 0 || idx >= len(p.strings) {
		return "", fmt.Errorf("%w: string pool index %d", ErrConstantIndexOOB, idx)
	}
	return p.strings[idx], nil
}

// CreateHandler appends a new Handler owned by the Program. Duplicate
// names are rejected: the source tolerates them and has find_handler
// return the first match, but this implementation takes the spec's
// documented preference and errors instead.
func (p *Program) CreateHandler(name string, code []isa.Instruction) (*Handler, error) {
	if _, exists := p.handlerByID[name]; exists {
		return nil, fmt.Errorf("%w: %q", errDuplicateHandler, name)
	}

	h := &Handler{
		name:          name,
		code:          append([]isa.Instruction(nil), code...),
		registerCount: isa.ComputeRegisterCount(code),
		program:       p,
	}
	p.handlerByID[name] = len(p.handlers)
	p.handlers = append(p.handlers, h)
	return h, nil
}

// FindHandler looks up a handler by name.
func (p *Program) FindHandler(name string) (*Handler, bool) {
	idx, ok := p.handlerByID[name]
	if !ok {
		return nil, false
	}
	return p.handlers[idx], true
}

// Handler returns the handler at idx, as used by IMOV-loaded handler
// references.
func (p *Program) Handler(idx int) (*Handler, error) {
	if idx < 0 || idx >= len(p.handlers) {
		return nil, fmt.Errorf("%w: handler index %d", errHandlerNotFound, idx)
	}
	return p.handlers[idx], nil
}

// Linked reports whether Link has already completed successfully.
func (p *Program) Linked() bool { return p.linked }

// Link resolves the Program's module imports and native-symbol tables
// against rt. Once a Link call has succeeded, any further call returns
// errAlreadyLinked; a call after a failed Link resolves everything
// again. Partial linking is not permitted by contract: if Link
// returns a non-nil error, running any Handler's Runner is a programmer
// error.
func (p *Program) Link(rt Runtime) error {
	if p.linked {
		return errAlreadyLinked
	}

	var errs []error

	for _, m := range p.modules {
		if !rt.Import(m.Name, m.Path) {
			errs = append(errs, fmt.Errorf("%w: %s (%s)", errUnresolvedImport, m.Name, m.Path))
		}
	}

	p.nativeHandlers = make([]*Callback, len(p.handlerSignatures))
	for i, sig := range p.handlerSignatures {
		cb, ok := rt.Find(sig.String())
		if !ok {
			reportUnresolved("handler", sig.String())
			errs = append(errs, fmt.Errorf("%w: handler %s", errUnresolvedSymbol, sig.String()))
			continue
		}
		p.nativeHandlers[i] = cb
	}

	p.nativeFunctions = make([]*Callback, len(p.functionSignatures))
	for i, sig := range p.functionSignatures {
		cb, ok := rt.Find(sig.String())
		if !ok {
			reportUnresolved("function", sig.String())
			errs = append(errs, fmt.Errorf("%w: function %s", errUnresolvedSymbol, sig.String()))
			continue
		}
		p.nativeFunctions[i] = cb
	}

	p.compiledRegexes = make([]*regexp2.Regexp, len(p.regexes))
	for i, pattern := range p.regexes {
		re, err := regexp2.Compile(pattern, regexp2.None)
		if err != nil {
			fmt.Printf("link: regex compilation failed for pattern %d (%q): %v\n", i, pattern, err)
			errs = append(errs, fmt.Errorf("%w: pattern %d (%q): %v", ErrRegexCompilation, i, pattern, err))
			continue
		}
		p.compiledRegexes[i] = re
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.linked = true
	return nil
}

func (p *Program) regex(idx int) (*regexp2.Regexp, error) {
	if idx < 0 || idx >= len(p.compiledRegexes) {
		return nil, fmt.Errorf("%w: regex pool index %d", ErrConstantIndexOOB, idx)
	}
	re := p.compiledRegexes[idx]
	if re == nil {
		return nil, fmt.Errorf("%w: regex pool index %d failed to compile at link time", ErrRegexCompilation, idx)
	}
	return re, nil
}

func (p *Program) nativeFunction(idx int) (*Callback, error) {
	if idx < 0 || idx >= len(p.nativeFunctions) {
		return nil, fmt.Errorf("%w: native function index %d", ErrConstantIndexOOB, idx)
	}
	cb := p.nativeFunctions[idx]
	if cb == nil {
		return nil, fmt.Errorf("%w: function %s", ErrUnlinkedCallback, p.functionSignatures[idx].String())
	}
	return cb, nil
}

func (p *Program) nativeHandler(idx int) (*Callback, error) {
	if idx < 0 || idx >= len(p.nativeHandlers) {
		return nil, fmt.Errorf("%w: native handler index %d", ErrConstantIndexOOB, idx)
	}
	cb := p.nativeHandlers[idx]
	if cb == nil {
		return nil, fmt.Errorf("%w: handler %s", ErrUnlinkedCallback, p.handlerSignatures[idx].String())
	}
	return cb, nil
}

// Dump prints all pools and handlers to stdout for diagnostic purposes.
// Exact formatting is informational, matching the spec's framing of
// diagnostic output as a non-contract.
func (p *Program) Dump() {
	fmt.Println("integers:", p.integers)
	fmt.Println("strings:", p.strings)
	fmt.Println("regexes:", p.regexes)
	fmt.Println("modules:", p.modules)
	fmt.Println("handler signatures:")
	for _, s := range p.handlerSignatures {
		fmt.Println(" ", s.String())
	}
	fmt.Println("function signatures:")
	for _, s := range p.functionSignatures {
		fmt.Println(" ", s.String())
	}
	for _, h := range p.handlers {
		fmt.Printf("handler %s (%d registers):\n", h.name, h.registerCount)
		fmt.Println(h.Disassemble())
	}
}
