package flow

import (
	"testing"

	"github.com/ktstephano/gvm-flow/internal/isa"
	"github.com/ktstephano/gvm-flow/internal/signature"
)

func newLinkedProgram(t *testing.T, integers []int64, strs []string, regexes []string) *Program {
	p, err := NewProgram(integers, strs, regexes, nil, nil, nil)
	assert(t, err == nil, "NewProgram failed: %v", err)
	err = p.Link(NewRegistry())
	assert(t, err == nil, "Link failed: %v", err)
	return p
}

func TestExitVerdict(t *testing.T) {
	cases := []struct {
		d    uint16
		want bool
	}{
		{0, false},
		{1, true},
	}
	for _, c := range cases {
		p := newLinkedProgram(t, nil, nil, nil)
		h, err := p.CreateHandler("main", []isa.Instruction{isa.EncodeI(isa.EXIT, c.d)})
		assert(t, err == nil, "CreateHandler failed: %v", err)

		verdict, err := h.CreateRunner().Run()
		assert(t, err == nil, "Run failed: %v", err)
		assert(t, verdict == c.want, "EXIT %d => %v, want %v", c.d, verdict, c.want)
	}
}

func TestFallOffEndIsImplicitDecline(t *testing.T) {
	p := newLinkedProgram(t, nil, nil, nil)
	h, err := p.CreateHandler("main", []isa.Instruction{isa.EncodeRR(isa.MOV, 0, 0)})
	assert(t, err == nil, "CreateHandler failed: %v", err)

	verdict, err := h.CreateRunner().Run()
	assert(t, err == nil, "Run failed: %v", err)
	assert(t, verdict == false, "expected implicit decline, got %v", verdict)
}

func TestArithmeticAndConditionalBranch(t *testing.T) {
	// r0 = 10, r1 = 3, r2 = r0 > r1; CONDBR r2 -> accept; else decline.
	p := newLinkedProgram(t, []int64{10, 3}, nil, nil)
	code := []isa.Instruction{
		isa.EncodeRI(isa.NCONST, 0, 0),
		isa.EncodeRI(isa.NCONST, 1, 1),
		isa.EncodeRRR(isa.NCMPGT, 2, 0, 1),
		isa.EncodeRI(isa.CONDBR, 2, 5),
		isa.EncodeI(isa.EXIT, 0),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	verdict, err := h.CreateRunner().Run()
	assert(t, err == nil, "Run failed: %v", err)
	assert(t, verdict == true, "expected accept, got decline")
}

func TestIMOVLoadsImmediate(t *testing.T) {
	p := newLinkedProgram(t, nil, nil, nil)
	code := []isa.Instruction{
		isa.EncodeRI(isa.IMOV, 5, 1),
		isa.EncodeRI(isa.IMOV, 6, 9),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	r := h.CreateRunner()
	_, err = r.Run()
	assert(t, err == nil, "Run failed: %v", err)

	v5, err := r.Register(5)
	assert(t, err == nil, "Register(5) failed: %v", err)
	assert(t, v5 == 1, "IMOV r5,1 loaded %d, want 1", v5)

	v6, err := r.Register(6)
	assert(t, err == nil, "Register(6) failed: %v", err)
	assert(t, v6 == 9, "IMOV r6,9 loaded %d, want 9", v6)
}

func TestHandlerAcceptShortCircuits(t *testing.T) {
	p, err := NewProgram(nil, nil, nil, nil, []string{"accept()B"}, nil)
	assert(t, err == nil, "NewProgram failed: %v", err)

	reg := NewRegistry()
	reg.RegisterHandler("accept").
		Bind(func(argc int, argv []uint64, r *Runner) {
			argv[0] = 1
		})

	err = p.Link(reg)
	assert(t, err == nil, "Link failed: %v", err)

	code := []isa.Instruction{
		isa.EncodeRRR(isa.HANDLER, 0, 1, 0),
		isa.EncodeI(isa.EXIT, 0),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	verdict, err := h.CreateRunner().Run()
	assert(t, err == nil, "Run failed: %v", err)
	assert(t, verdict == true, "expected HANDLER to accept before reaching the following EXIT 0")
}

func TestDivisionByZeroIsFatal(t *testing.T) {
	p := newLinkedProgram(t, []int64{1, 0}, nil, nil)
	code := []isa.Instruction{
		isa.EncodeRI(isa.NCONST, 0, 0),
		isa.EncodeRI(isa.NCONST, 1, 1),
		isa.EncodeRRR(isa.NDIV, 2, 0, 1),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	_, err = h.CreateRunner().Run()
	assert(t, err != nil, "expected division by zero to be fatal")
}

func TestIntegerOverflowIsFatal(t *testing.T) {
	p := newLinkedProgram(t, []int64{9223372036854775807, 1}, nil, nil)
	code := []isa.Instruction{
		isa.EncodeRI(isa.NCONST, 0, 0),
		isa.EncodeRI(isa.NCONST, 1, 1),
		isa.EncodeRRR(isa.NADD, 2, 0, 1),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	_, err = h.CreateRunner().Run()
	assert(t, err != nil, "expected overflow to be fatal")
}

func TestStringOpsConcatAndCompare(t *testing.T) {
	p := newLinkedProgram(t, nil, []string{"foo", "bar", "foobar"}, nil)
	code := []isa.Instruction{
		isa.EncodeRI(isa.SCONST, 0, 0), // r0 = "foo"
		isa.EncodeRI(isa.SCONST, 1, 1), // r1 = "bar"
		isa.EncodeRI(isa.SCONST, 2, 2), // r2 = "foobar"
		isa.EncodeRRR(isa.SADD, 3, 0, 1),
		isa.EncodeRRR(isa.SCMPEQ, 4, 3, 2),
		isa.EncodeRI(isa.CONDBR, 4, 7),
		isa.EncodeI(isa.EXIT, 0),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	verdict, err := h.CreateRunner().Run()
	assert(t, err == nil, "Run failed: %v", err)
	assert(t, verdict == true, "expected \"foo\"+\"bar\" == \"foobar\" to accept")
}

func TestSubstringOffsetAndLength(t *testing.T) {
	p := newLinkedProgram(t, []int64{1, 3}, []string{"hello world"}, nil)
	code := []isa.Instruction{
		isa.EncodeRI(isa.SCONST, 0, 0), // r0 = "hello world"
		isa.EncodeRI(isa.NCONST, 1, 0), // r1 = offset 1
		isa.EncodeRI(isa.NCONST, 2, 1), // r2 = length 3
		isa.EncodeRRR(isa.SSUBSTR, 3, 0, 1),
		isa.EncodeI(isa.EXIT, 0),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	r := h.CreateRunner()
	_, err = r.Run()
	assert(t, err == nil, "Run failed: %v", err)

	got, err := r.regStr(3)
	assert(t, err == nil, "reading r3 failed: %v", err)
	assert(t, got == "ell", "SSUBSTR(\"hello world\",1,3) = %q, want %q", got, "ell")
}

func TestSuffixComparisonMatchesStdlib(t *testing.T) {
	p := newLinkedProgram(t, nil, []string{"filename.txt", ".txt", ".csv"}, nil)
	code := []isa.Instruction{
		isa.EncodeRI(isa.SCONST, 0, 0),
		isa.EncodeRI(isa.SCONST, 1, 1),
		isa.EncodeRI(isa.SCONST, 2, 2),
		isa.EncodeRRR(isa.SCMPEND, 3, 0, 1),
		isa.EncodeRRR(isa.SCMPEND, 4, 0, 2),
		isa.EncodeI(isa.EXIT, 0),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	r := h.CreateRunner()
	_, err = r.Run()
	assert(t, err == nil, "Run failed: %v", err)

	matches, err := r.regBool(3)
	assert(t, err == nil, "reading r3 failed: %v", err)
	assert(t, matches == true, "expected filename.txt to end with .txt")

	noMatch, err := r.regBool(4)
	assert(t, err == nil, "reading r4 failed: %v", err)
	assert(t, noMatch == false, "expected filename.txt to not end with .csv")
}

func TestRegexMatchAndGroup(t *testing.T) {
	p := newLinkedProgram(t, []int64{0}, []string{"order-4821"}, []string{`order-(\d+)`})
	code := []isa.Instruction{
		isa.EncodeRI(isa.SCONST, 0, 0), // r0 = "order-4821"
		isa.EncodeRI(isa.NCONST, 1, 0), // r1 = regex pool index 0
		isa.EncodeRRR(isa.SREGMATCH, 2, 0, 1),
		isa.EncodeRI(isa.CONDBR, 2, 6),
		isa.EncodeI(isa.EXIT, 0),
		isa.EncodeI(isa.EXIT, 0),
		isa.EncodeRI(isa.NCONST, 3, 0),
		isa.EncodeRR(isa.SREGGROUP, 4, 3),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	r := h.CreateRunner()
	verdict, err := r.Run()
	assert(t, err == nil, "Run failed: %v", err)
	assert(t, verdict == true, "expected regex match to accept")

	got, err := r.regStr(4)
	assert(t, err == nil, "reading r4 failed: %v", err)
	assert(t, got == "order-4821", "SREGGROUP(0) = %q", got)
}

func TestCallInvokesNativeFunctionInPlace(t *testing.T) {
	p, err := NewProgram(nil, []string{"hello"}, nil, nil, nil, []string{"echo(S)S"})
	assert(t, err == nil, "NewProgram failed: %v", err)

	reg := NewRegistry()
	reg.RegisterFunction("echo", signature.String).Arg(signature.String).
		Bind(func(argc int, argv []uint64, r *Runner) {
			s, err := r.StringAt(argv[1])
			assert(t, err == nil, "StringAt failed: %v", err)
			argv[0] = r.CreateString(s + s)
		})

	err = p.Link(reg)
	assert(t, err == nil, "Link failed: %v", err)

	code := []isa.Instruction{
		isa.EncodeRI(isa.SCONST, 1, 0), // r1 = "hello" (argv window base 0, arg at 1)
		isa.EncodeRRR(isa.CALL, 0, 2, 0),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	r := h.CreateRunner()
	_, err = r.Run()
	assert(t, err == nil, "Run failed: %v", err)

	got, err := r.regStr(0)
	assert(t, err == nil, "reading r0 failed: %v", err)
	assert(t, got == "hellohello", "CALL echo(\"hello\") = %q", got)
}

func TestUnlinkedCallbackInvocationIsFatal(t *testing.T) {
	p, err := NewProgram(nil, nil, nil, nil, nil, nil)
	assert(t, err == nil, "NewProgram failed: %v", err)
	err = p.Link(NewRegistry())
	assert(t, err == nil, "Link failed: %v", err)

	code := []isa.Instruction{
		isa.EncodeRRR(isa.CALL, 0, 1, 0),
		isa.EncodeI(isa.EXIT, 1),
	}
	h, err := p.CreateHandler("main", code)
	assert(t, err == nil, "CreateHandler failed: %v", err)

	_, err = h.CreateRunner().Run()
	assert(t, err != nil, "expected CALL against an empty function table to be fatal")
}

func TestRunnerCannotBeRunTwice(t *testing.T) {
	p := newLinkedProgram(t, nil, nil, nil)
	h, err := p.CreateHandler("main", []isa.Instruction{isa.EncodeI(isa.EXIT, 1)})
	assert(t, err == nil, "CreateHandler failed: %v", err)

	r := h.CreateRunner()
	_, err = r.Run()
	assert(t, err == nil, "first Run failed: %v", err)

	_, err = r.Run()
	assert(t, err == ErrAlreadyRun, "expected ErrAlreadyRun, got %v", err)
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	p := newLinkedProgram(t, nil, nil, nil)
	h, err := p.CreateHandler("main", []isa.Instruction{isa.Instruction(0xFF)})
	assert(t, err == nil, "CreateHandler failed: %v", err)

	_, err = h.CreateRunner().Run()
	assert(t, err != nil, "expected unknown opcode to be fatal")
}
