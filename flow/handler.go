package flow

import (
	"fmt"
	"strings"

	"github.com/ktstephano/gvm-flow/internal/isa"
)

// Handler is a named subroutine: a flat instruction vector plus the
// register count computed from it at construction time. A Handler is
// immutable once created and may spawn any number of independent
// Runners.
type Handler struct {
	name          string
	code          []isa.Instruction
	registerCount int
	program       *Program
}

// Name returns the handler's name.
func (h *Handler) Name() string { return h.name }

// RegisterCount returns 1 + the highest register operand referenced
// anywhere in the handler's code.
func (h *Handler) RegisterCount() int { return h.registerCount }

// Len returns the number of instructions in the handler's code.
func (h *Handler) Len() int { return len(h.code) }

// Code returns the handler's instruction vector.
func (h *Handler) Code() []isa.Instruction { return append([]isa.Instruction(nil), h.code...) }

// CreateRunner returns a fresh Runner bound to this handler, with a
// zeroed register file of RegisterCount() cells and an empty string
// arena. The owning Program must have been linked before the Runner is
// run.
func (h *Handler) CreateRunner() *Runner {
	return &Runner{
		handler:   h,
		program:   h.program,
		registers: make([]uint64, h.registerCount),
	}
}

// Disassemble renders the handler's code as one mnemonic line per
// instruction, prefixed with its index.
func (h *Handler) Disassemble() string {
	var b strings.Builder
	for i, instr := range h.code {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%04d: %s", i, instr)
	}
	return b.String()
}
