// Package container implements a best-effort binary serialization format
// for a flow.Program: a fixed-width header followed by length-prefixed
// segments for each constant pool and handler, in the spirit of the
// teacher's fixed-width instruction encoding carried one level up to
// whole-program persistence.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ktstephano/gvm-flow/flow"
	"github.com/ktstephano/gvm-flow/internal/isa"
)

const (
	magic          uint32 = 0xBEAFBABE
	currentVersion uint16 = 1
)

var (
	// ErrBadMagic is returned by Decode when the leading magic number
	// does not match, meaning the input is not a container file.
	ErrBadMagic = fmt.Errorf("container: bad magic number")
	// ErrUnsupportedVersion is returned by Decode for a version newer
	// than this package understands.
	ErrUnsupportedVersion = fmt.Errorf("container: unsupported version")
)

// Encode serializes p into the container binary format.
func Encode(p *flow.Program) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, magic); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, currentVersion); err != nil {
		return nil, err
	}

	if err := writeInt64Slice(&buf, p.Integers()); err != nil {
		return nil, err
	}
	if err := writeStringSlice(&buf, p.Strings()); err != nil {
		return nil, err
	}
	if err := writeStringSlice(&buf, p.Regexes()); err != nil {
		return nil, err
	}

	modules := p.Modules()
	if err := writeUint32(&buf, uint32(len(modules))); err != nil {
		return nil, err
	}
	for _, m := range modules {
		if err := writeString(&buf, m.Name); err != nil {
			return nil, err
		}
		if err := writeString(&buf, m.Path); err != nil {
			return nil, err
		}
	}

	if err := writeStringSlice(&buf, p.HandlerSignatures()); err != nil {
		return nil, err
	}
	if err := writeStringSlice(&buf, p.FunctionSignatures()); err != nil {
		return nil, err
	}

	handlers := p.Handlers()
	if err := writeUint32(&buf, uint32(len(handlers))); err != nil {
		return nil, err
	}
	for _, h := range handlers {
		if err := writeString(&buf, h.Name()); err != nil {
			return nil, err
		}
		code := h.Code()
		if err := writeUint32(&buf, uint32(len(code))); err != nil {
			return nil, err
		}
		for _, instr := range code {
			if err := binary.Write(&buf, binary.LittleEndian, uint32(instr)); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a container binary blob back into a Program. The result
// is not linked; the caller must call Link against a chosen Runtime
// before running any of its handlers.
func Decode(data []byte) (*flow.Program, error) {
	r := bytes.NewReader(data)

	var gotMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return nil, fmt.Errorf("container: reading magic: %w", err)
	}
	if gotMagic != magic {
		return nil, ErrBadMagic
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("container: reading version: %w", err)
	}
	if version > currentVersion {
		return nil, ErrUnsupportedVersion
	}

	integers, err := readInt64Slice(r)
	if err != nil {
		return nil, fmt.Errorf("container: integers: %w", err)
	}
	strs, err := readStringSlice(r)
	if err != nil {
		return nil, fmt.Errorf("container: strings: %w", err)
	}
	regexes, err := readStringSlice(r)
	if err != nil {
		return nil, fmt.Errorf("container: regexes: %w", err)
	}

	nModules, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("container: module count: %w", err)
	}
	modules := make([]flow.Module, 0, nModules)
	for i := uint32(0); i < nModules; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("container: module %d name: %w", i, err)
		}
		path, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("container: module %d path: %w", i, err)
		}
		modules = append(modules, flow.Module{Name: name, Path: path})
	}

	handlerSigs, err := readStringSlice(r)
	if err != nil {
		return nil, fmt.Errorf("container: handler signatures: %w", err)
	}
	functionSigs, err := readStringSlice(r)
	if err != nil {
		return nil, fmt.Errorf("container: function signatures: %w", err)
	}

	program, err := flow.NewProgram(integers, strs, regexes, modules, handlerSigs, functionSigs)
	if err != nil {
		return nil, fmt.Errorf("container: reconstructing program: %w", err)
	}

	nHandlers, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("container: handler count: %w", err)
	}
	for i := uint32(0); i < nHandlers; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("container: handler %d name: %w", i, err)
		}
		nInstr, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("container: handler %d code length: %w", i, err)
		}
		code := make([]isa.Instruction, nInstr)
		for j := uint32(0); j < nInstr; j++ {
			var word uint32
			if err := binary.Read(r, binary.LittleEndian, &word); err != nil {
				return nil, fmt.Errorf("container: handler %d instruction %d: %w", i, j, err)
			}
			code[j] = isa.Instruction(word)
		}
		if _, err := program.CreateHandler(name, code); err != nil {
			return nil, fmt.Errorf("container: handler %d: %w", i, err)
		}
	}

	return program, nil
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStringSlice(w io.Writer, ss []string) error {
	if err := writeUint32(w, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r io.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func writeInt64Slice(w io.Writer, vs []int64) error {
	if err := writeUint32(w, uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readInt64Slice(r io.Reader) ([]int64, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, n)
	for i := uint32(0); i < n; i++ {
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
