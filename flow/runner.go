package flow

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/ktstephano/gvm-flow/internal/isa"
	. "github.com/ktstephano/gvm-flow/internal/isa"
)

// Runner is one execution of a Handler: its own register file, its own
// append-only string arena, and the bookkeeping (instruction count,
// userdata, cached regex match) that a single run needs. A Runner runs
// exactly once; create a new one from Handler.CreateRunner for the next
// run.
type Runner struct {
	handler *Handler
	program *Program

	registers []uint64
	arena     []string

	pc    int
	ticks uint64
	ran   bool

	userdata interface{}

	lastMatch *regexp2.Match
}

// Userdata returns whatever SetUserdata last stored, or nil.
func (r *Runner) Userdata() interface{} { return r.userdata }

// SetUserdata attaches host-defined state to the Runner, retrievable by
// native callbacks invoked during Run.
func (r *Runner) SetUserdata(v interface{}) { r.userdata = v }

// Ticks returns the number of instructions executed so far. It is
// advisory only: nothing in the instruction set enforces a budget on it.
func (r *Runner) Ticks() uint64 { return r.ticks }

// CreateString appends s to the Runner's string arena and returns its
// index. The index is stable for the remainder of the Runner's life:
// the arena only grows, never reallocates entries in place.
func (r *Runner) CreateString(s string) uint64 {
	idx := uint64(len(r.arena))
	r.arena = append(r.arena, s)
	return idx
}

// StringAt returns the arena string at idx, for native callbacks that
// receive a string register's raw uint64 value through argv.
func (r *Runner) StringAt(idx uint64) (string, error) {
	if idx >= uint64(len(r.arena)) {
		return "", fmt.Errorf("%w: string arena index %d", ErrRegisterOutOfBounds, idx)
	}
	return r.arena[idx], nil
}

// Register returns the raw uint64 value of register idx after a Run has
// completed (or mid-run, from inside a native callback).
func (r *Runner) Register(idx byte) (uint64, error) {
	return r.reg(idx)
}

// RegisterInt returns register idx reinterpreted as a signed 64-bit
// integer.
func (r *Runner) RegisterInt(idx byte) (int64, error) {
	return r.regInt(idx)
}

func (r *Runner) reg(idx byte) (uint64, error) {
	if int(idx) >= len(r.registers) {
		return 0, fmt.Errorf("%w: register %d (have %d)", ErrRegisterOutOfBounds, idx, len(r.registers))
	}
	return r.registers[idx], nil
}

func (r *Runner) setReg(idx byte, v uint64) error {
	if int(idx) >= len(r.registers) {
		return fmt.Errorf("%w: register %d (have %d)", ErrRegisterOutOfBounds, idx, len(r.registers))
	}
	r.registers[idx] = v
	return nil
}

func (r *Runner) regInt(idx byte) (int64, error) {
	v, err := r.reg(idx)
	return int64(v), err
}

func (r *Runner) setRegInt(idx byte, v int64) error {
	return r.setReg(idx, uint64(v))
}

func (r *Runner) regBool(idx byte) (bool, error) {
	v, err := r.reg(idx)
	return v != 0, err
}

func (r *Runner) setRegBool(idx byte, v bool) error {
	if v {
		return r.setReg(idx, 1)
	}
	return r.setReg(idx, 0)
}

func (r *Runner) regStr(idx byte) (string, error) {
	v, err := r.reg(idx)
	if err != nil {
		return "", err
	}
	return r.StringAt(v)
}

func (r *Runner) setRegStr(idx byte, s string) error {
	return r.setReg(idx, r.CreateString(s))
}

// Run executes the handler's code from the first instruction until an
// EXIT, a fall-off-the-end (treated as an implicit decline), or a fatal
// ExecutionError. The returned bool is the accept/decline verdict; it is
// only meaningful when err is nil.
func (r *Runner) Run() (bool, error) {
	if r.ran {
		return false, ErrAlreadyRun
	}
	if !r.program.linked {
		return false, errNotLinked
	}
	r.ran = true

	code := r.handler.code
	for {
		if r.pc < 0 || r.pc >= len(code) {
			return false, nil
		}

		instr := code[r.pc]
		op := instr.Opcode()
		if !op.Valid() {
			return false, fmt.Errorf("%w: byte value %d at instruction %d", ErrUnknownOpcode, byte(op), r.pc)
		}
		r.ticks++
		next := r.pc + 1

		switch op {
		case EXIT:
			return instr.D() != 0, nil

		case JMP:
			target := int(instr.D())
			if target < 0 || target >= len(code) {
				return false, fmt.Errorf("%w: JMP target %d", ErrJumpOutOfBounds, target)
			}
			next = target

		case CONDBR:
			cond, err := r.regBool(instr.A())
			if err != nil {
				return false, err
			}
			if cond {
				target := int(instr.D())
				if target < 0 || target >= len(code) {
					return false, fmt.Errorf("%w: CONDBR target %d", ErrJumpOutOfBounds, target)
				}
				next = target
			}

		case NDUMPN:
			start := instr.A()
			count := instr.D()
			for i := 0; i < int(count); i++ {
				v, err := r.regInt(start + byte(i))
				if err != nil {
					return false, err
				}
				fmt.Printf("r%d = %d\n", int(start)+i, v)
			}

		case NTICKS:
			if err := r.setReg(instr.A(), r.ticks); err != nil {
				return false, err
			}

		case MOV:
			v, err := r.reg(instr.B())
			if err != nil {
				return false, err
			}
			if err := r.setReg(instr.A(), v); err != nil {
				return false, err
			}

		case IMOV:
			if err := r.setReg(instr.A(), uint64(instr.D())); err != nil {
				return false, err
			}

		case NCONST:
			val, err := r.program.Integer(int(instr.D()))
			if err != nil {
				return false, err
			}
			if err := r.setRegInt(instr.A(), val); err != nil {
				return false, err
			}

		case SCONST:
			s, err := r.program.String(int(instr.D()))
			if err != nil {
				return false, err
			}
			if err := r.setRegStr(instr.A(), s); err != nil {
				return false, err
			}

		case NNEG:
			a, err := r.regInt(instr.B())
			if err != nil {
				return false, err
			}
			if a == math.MinInt64 {
				return false, fmt.Errorf("%w: NNEG of math.MinInt64", ErrIntegerOverflow)
			}
			if err := r.setRegInt(instr.A(), -a); err != nil {
				return false, err
			}

		case NADD, NSUB, NMUL, NDIV, NREM, NSHL, NSHR, NPOW, NAND, NOR, NXOR:
			if err := r.execBinaryArith(op, instr); err != nil {
				return false, err
			}

		case NCMPEQ, NCMPNE, NCMPLE, NCMPGE, NCMPLT, NCMPGT:
			if err := r.execIntCompare(op, instr); err != nil {
				return false, err
			}

		case SADD:
			b, err := r.regStr(instr.B())
			if err != nil {
				return false, err
			}
			c, err := r.regStr(instr.C())
			if err != nil {
				return false, err
			}
			if err := r.setRegStr(instr.A(), b+c); err != nil {
				return false, err
			}

		case SSUBSTR:
			src, err := r.regStr(instr.B())
			if err != nil {
				return false, err
			}
			offset, err := r.regInt(instr.C())
			if err != nil {
				return false, err
			}
			length, err := r.regInt(instr.C() + 1)
			if err != nil {
				return false, err
			}
			if err := r.setRegStr(instr.A(), clampedSubstring(src, offset, length)); err != nil {
				return false, err
			}

		case SCMPEQ, SCMPNE, SCMPLE, SCMPGE, SCMPLT, SCMPGT, SCMPBEG, SCMPEND, SCONTAINS:
			if err := r.execStrCompare(op, instr); err != nil {
				return false, err
			}

		case SLEN:
			s, err := r.regStr(instr.B())
			if err != nil {
				return false, err
			}
			if err := r.setRegInt(instr.A(), int64(len(s))); err != nil {
				return false, err
			}

		case SPRINT:
			s, err := r.regStr(instr.A())
			if err != nil {
				return false, err
			}
			fmt.Println(s)

		case SREGMATCH:
			if err := r.execRegMatch(instr); err != nil {
				return false, err
			}

		case SREGGROUP:
			if err := r.execRegGroup(instr); err != nil {
				return false, err
			}

		case I2S:
			v, err := r.regInt(instr.B())
			if err != nil {
				return false, err
			}
			if err := r.setRegStr(instr.A(), strconv.FormatInt(v, 10)); err != nil {
				return false, err
			}

		case S2I:
			s, err := r.regStr(instr.B())
			if err != nil {
				return false, err
			}
			v, convErr := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if convErr != nil {
				v = 0
			}
			if err := r.setRegInt(instr.A(), v); err != nil {
				return false, err
			}

		case SURLENC:
			s, err := r.regStr(instr.B())
			if err != nil {
				return false, err
			}
			if err := r.setRegStr(instr.A(), strings.ReplaceAll(url.QueryEscape(s), "+", "%20")); err != nil {
				return false, err
			}

		case SURLDEC:
			s, err := r.regStr(instr.B())
			if err != nil {
				return false, err
			}
			decoded, decErr := url.PathUnescape(s)
			if decErr != nil {
				decoded = s
			}
			if err := r.setRegStr(instr.A(), decoded); err != nil {
				return false, err
			}

		case CALL:
			if err := r.execInvoke(instr, false); err != nil {
				return false, err
			}

		case HANDLER:
			if err := r.execInvoke(instr, true); err != nil {
				return false, err
			}
			accepted, err := r.reg(instr.C())
			if err != nil {
				return false, err
			}
			if accepted != 0 {
				return true, nil
			}

		default:
			return false, fmt.Errorf("%w: %s has no execution case", ErrUnknownOpcode, op)
		}

		r.pc = next
	}
}

func clampedSubstring(s string, offset, length int64) string {
	n := int64(len(s))
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := offset + length
	if length < 0 || end > n {
		end = n
	}
	if end < offset {
		end = offset
	}
	return s[offset:end]
}

func (r *Runner) execBinaryArith(op isa.Opcode, instr isa.Instruction) error {
	a, err := r.regInt(instr.B())
	if err != nil {
		return err
	}
	b, err := r.regInt(instr.C())
	if err != nil {
		return err
	}

	var result int64
	switch op {
	case NADD:
		if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
			return fmt.Errorf("%w: NADD %d+%d", ErrIntegerOverflow, a, b)
		}
		result = a + b
	case NSUB:
		if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
			return fmt.Errorf("%w: NSUB %d-%d", ErrIntegerOverflow, a, b)
		}
		result = a - b
	case NMUL:
		if a != 0 && b != 0 {
			result = a * b
			if result/b != a {
				return fmt.Errorf("%w: NMUL %d*%d", ErrIntegerOverflow, a, b)
			}
		}
	case NDIV:
		if b == 0 {
			return fmt.Errorf("%w: NDIV by zero", ErrDivisionByZero)
		}
		if a == math.MinInt64 && b == -1 {
			return fmt.Errorf("%w: NDIV %d/-1", ErrIntegerOverflow, a)
		}
		result = a / b
	case NREM:
		if b == 0 {
			return fmt.Errorf("%w: NREM by zero", ErrDivisionByZero)
		}
		if a == math.MinInt64 && b == -1 {
			result = 0
		} else {
			result = a % b
		}
	case NSHL:
		result = a << (uint64(b) & 63)
	case NSHR:
		result = a >> (uint64(b) & 63)
	case NPOW:
		result, err = intPow(a, b)
		if err != nil {
			return err
		}
	case NAND:
		result = a & b
	case NOR:
		result = a | b
	case NXOR:
		result = a ^ b
	}

	return r.setRegInt(instr.A(), result)
}

func intPow(base, exp int64) (int64, error) {
	if exp < 0 {
		return 0, nil
	}
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		if base != 0 && result != 0 {
			next := result * base
			if next/base != result {
				return 0, fmt.Errorf("%w: NPOW overflow", ErrIntegerOverflow)
			}
			result = next
		} else {
			result = 0
		}
	}
	return result, nil
}

func (r *Runner) execIntCompare(op isa.Opcode, instr isa.Instruction) error {
	a, err := r.regInt(instr.B())
	if err != nil {
		return err
	}
	b, err := r.regInt(instr.C())
	if err != nil {
		return err
	}
	var result bool
	switch op {
	case NCMPEQ:
		result = a == b
	case NCMPNE:
		result = a != b
	case NCMPLE:
		result = a <= b
	case NCMPGE:
		result = a >= b
	case NCMPLT:
		result = a < b
	case NCMPGT:
		result = a > b
	}
	return r.setRegBool(instr.A(), result)
}

func (r *Runner) execStrCompare(op isa.Opcode, instr isa.Instruction) error {
	a, err := r.regStr(instr.B())
	if err != nil {
		return err
	}
	b, err := r.regStr(instr.C())
	if err != nil {
		return err
	}
	var result bool
	switch op {
	case SCMPEQ:
		result = a == b
	case SCMPNE:
		result = a != b
	case SCMPLE:
		result = a <= b
	case SCMPGE:
		result = a >= b
	case SCMPLT:
		result = a < b
	case SCMPGT:
		result = a > b
	case SCMPBEG:
		result = strings.HasPrefix(a, b)
	case SCMPEND:
		result = strings.HasSuffix(a, b)
	case SCONTAINS:
		result = strings.Contains(a, b)
	}
	return r.setRegBool(instr.A(), result)
}

func (r *Runner) execRegMatch(instr isa.Instruction) error {
	s, err := r.regStr(instr.B())
	if err != nil {
		return err
	}
	// C is read as a register holding the pattern index, not as an
	// immediate pool index; the wording "regex-pool entry C" is ambiguous
	// and the original left this opcode a TODO stub.
	patIdx, err := r.regInt(instr.C())
	if err != nil {
		return err
	}
	re, err := r.program.regex(int(patIdx))
	if err != nil {
		return err
	}

	m, matchErr := re.FindStringMatch(s)
	if matchErr != nil {
		return fmt.Errorf("%w: %v", ErrRegexCompilation, matchErr)
	}
	r.lastMatch = m
	return r.setRegBool(instr.A(), m != nil)
}

func (r *Runner) execRegGroup(instr isa.Instruction) error {
	groupIdx, err := r.regInt(instr.B())
	if err != nil {
		return err
	}
	if r.lastMatch == nil {
		return r.setRegStr(instr.A(), "")
	}
	groups := r.lastMatch.Groups()
	if groupIdx < 0 || int(groupIdx) >= len(groups) {
		return r.setRegStr(instr.A(), "")
	}
	g := groups[groupIdx]
	if len(g.Captures) == 0 {
		return r.setRegStr(instr.A(), "")
	}
	return r.setRegStr(instr.A(), g.String())
}

func (r *Runner) execInvoke(instr isa.Instruction, isHandler bool) error {
	if !r.program.linked {
		return fmt.Errorf("%w: program has not been linked", ErrUnlinkedCallback)
	}

	symIdx := int(instr.A())
	argc := int(instr.B())
	if argc <= 0 {
		argc = 1
	}
	base := int(instr.C())

	if base < 0 || base+argc > len(r.registers) {
		return fmt.Errorf("%w: argv window [%d,%d)", ErrRegisterOutOfBounds, base, base+argc)
	}

	var cb *Callback
	var err error
	if isHandler {
		cb, err = r.program.nativeHandler(symIdx)
	} else {
		cb, err = r.program.nativeFunction(symIdx)
	}
	if err != nil {
		return err
	}

	argv := r.registers[base : base+argc]
	cb.Invoke(argc, argv, r)
	return nil
}
