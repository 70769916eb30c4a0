package flow

import (
	"fmt"
	"testing"

	"github.com/ktstephano/gvm-flow/internal/isa"
	"github.com/ktstephano/gvm-flow/internal/signature"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	if !cond {
		t.Fatalf(fmt.Sprintf("%v %s", cond, format), args...)
	}
}

func acceptHandlerCode() []isa.Instruction {
	return []isa.Instruction{
		isa.EncodeI(isa.EXIT, 1),
	}
}

func TestNewProgramRejectsBadSignature(t *testing.T) {
	_, err := NewProgram(nil, nil, nil, nil, []string{"bad(Z)I"}, nil)
	assert(t, err != nil, "expected malformed handler signature to fail construction")
}

func TestCreateHandlerRejectsDuplicateName(t *testing.T) {
	p, err := NewProgram(nil, nil, nil, nil, nil, nil)
	assert(t, err == nil, "NewProgram failed: %v", err)

	_, err = p.CreateHandler("main", acceptHandlerCode())
	assert(t, err == nil, "first CreateHandler failed: %v", err)

	_, err = p.CreateHandler("main", acceptHandlerCode())
	assert(t, err != nil, "expected duplicate handler name to be rejected")
}

func TestFindAndIndexHandler(t *testing.T) {
	p, err := NewProgram(nil, nil, nil, nil, nil, nil)
	assert(t, err == nil, "NewProgram failed: %v", err)

	h, err := p.CreateHandler("main", acceptHandlerCode())
	assert(t, err == nil, "CreateHandler failed: %v", err)

	found, ok := p.FindHandler("main")
	assert(t, ok, "expected to find handler main")
	assert(t, found == h, "FindHandler returned a different handler")

	byIdx, err := p.Handler(0)
	assert(t, err == nil, "Handler(0) failed: %v", err)
	assert(t, byIdx == h, "Handler(0) returned a different handler")

	_, err = p.Handler(1)
	assert(t, err != nil, "expected out-of-range handler index to fail")
}

func TestConstantPoolBoundsChecks(t *testing.T) {
	p, err := NewProgram([]int64{10, 20}, []string{"a", "b"}, nil, nil, nil, nil)
	assert(t, err == nil, "NewProgram failed: %v", err)

	v, err := p.Integer(1)
	assert(t, err == nil && v == 20, "Integer(1) = %d, %v", v, err)

	_, err = p.Integer(2)
	assert(t, err != nil, "expected out-of-range integer index to fail")

	s, err := p.String(0)
	assert(t, err == nil && s == "a", "String(0) = %q, %v", s, err)

	_, err = p.String(5)
	assert(t, err != nil, "expected out-of-range string index to fail")
}

func TestLinkResolvesNativeSymbolsAndRegex(t *testing.T) {
	p, err := NewProgram(nil, nil, []string{"^a+$"}, nil, []string{"onReq(S)B"}, []string{"len(S)I"})
	assert(t, err == nil, "NewProgram failed: %v", err)

	reg := NewRegistry()
	reg.RegisterHandler("onReq").Arg(signature.String).Bind(func(argc int, argv []uint64, r *Runner) {
		argv[0] = 1
	})
	reg.RegisterFunction("len", signature.Int).Arg(signature.String).Bind(func(argc int, argv []uint64, r *Runner) {
		argv[0] = 0
	})

	err = p.Link(reg)
	assert(t, err == nil, "Link failed: %v", err)
	assert(t, p.Linked(), "expected program to report linked")

	err = p.Link(reg)
	assert(t, err != nil, "expected second Link call to fail")
}

func TestLinkReportsUnresolvedSymbol(t *testing.T) {
	p, err := NewProgram(nil, nil, nil, nil, nil, []string{"missing()V"})
	assert(t, err == nil, "NewProgram failed: %v", err)

	err = p.Link(NewRegistry())
	assert(t, err != nil, "expected Link to fail for an unresolved function")
}

func TestLinkReportsBadRegex(t *testing.T) {
	p, err := NewProgram(nil, nil, []string{"("}, nil, nil, nil)
	assert(t, err == nil, "NewProgram failed: %v", err)

	err = p.Link(NewRegistry())
	assert(t, err != nil, "expected Link to fail for an unparsable regex")
}
