// Package signature implements the compact type-encoding grammar used to
// link native callbacks against bytecode: NAME '(' arg_type* ')' return_type,
// where each type is a single character (with two recursive forms for
// arrays and associative arrays). Linking matches by exact signature
// string equality, so the parser doubles as the canonical serializer.
package signature

import (
	"fmt"
	"strings"
)

// Kind identifies one of the primitive or composite argument/return types.
type Kind byte

const (
	Void Kind = iota
	Bool
	Int
	String
	IPAddress
	CIDR
	Regexp
	Handler
	Array
	Map
)

var kindChar = map[Kind]byte{
	Void: 'V', Bool: 'B', Int: 'I', String: 'S',
	IPAddress: 'P', CIDR: 'C', Regexp: 'R', Handler: 'H',
}

var charKind = map[byte]Kind{}

func init() {
	for k, c := range kindChar {
		charKind[c] = k
	}
}

// Type is a single argument or return type, recursively for Array/Map.
type Type struct {
	Kind Kind
	// Elem is the element type for Array, the value type for Map.
	Elem *Type
	// Key is the key type for Map; nil otherwise.
	Key *Type
}

func (t Type) String() string {
	switch t.Kind {
	case Array:
		return "[" + t.Elem.String()
	case Map:
		return ">" + t.Key.String() + t.Elem.String()
	default:
		c, ok := kindChar[t.Kind]
		if !ok {
			return "?"
		}
		return string(c)
	}
}

// Signature is a parsed native-callback signature string.
type Signature struct {
	Name   string
	Args   []Type
	Return Type
}

// String reconstructs the canonical signature string. Parse(s).String()
// == s for any s that Parse accepts, which is what link-time equality
// relies on.
func (s Signature) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for _, a := range s.Args {
		b.WriteString(a.String())
	}
	b.WriteByte(')')
	b.WriteString(s.Return.String())
	return b.String()
}

// Parse runs the Name -> ArgsBegin -> Args -> ReturnType -> End state
// machine over s. Trailing garbage and a premature end are both
// construction errors; this function never silently accepts malformed
// input.
func Parse(s string) (Signature, error) {
	p := &parser{src: s}

	name, err := p.parseName()
	if err != nil {
		return Signature{}, err
	}

	if err := p.expect('('); err != nil {
		return Signature{}, err
	}

	var args []Type
	for {
		c, ok := p.peek()
		if !ok {
			return Signature{}, fmt.Errorf("signature %q: unexpected end of input in argument list", s)
		}
		if c == ')' {
			break
		}
		t, err := p.parseType()
		if err != nil {
			return Signature{}, err
		}
		args = append(args, t)
	}

	if err := p.expect(')'); err != nil {
		return Signature{}, err
	}

	ret, err := p.parseType()
	if err != nil {
		return Signature{}, err
	}

	if !p.atEnd() {
		return Signature{}, fmt.Errorf("signature %q: trailing garbage after return type", s)
	}

	return Signature{Name: name, Args: args, Return: ret}, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.src) }

func (p *parser) peek() (byte, bool) {
	if p.atEnd() {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *parser) advance() (byte, bool) {
	c, ok := p.peek()
	if ok {
		p.pos++
	}
	return c, ok
}

func (p *parser) expect(c byte) error {
	got, ok := p.advance()
	if !ok {
		return fmt.Errorf("signature %q: expected %q, got end of input", p.src, c)
	}
	if got != c {
		return fmt.Errorf("signature %q: expected %q at offset %d, got %q", p.src, c, p.pos-1, got)
	}
	return nil
}

func (p *parser) parseName() (string, error) {
	start := p.pos
	for {
		c, ok := p.peek()
		if !ok {
			return "", fmt.Errorf("signature %q: unexpected end of input in name", p.src)
		}
		if c == '(' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("signature %q: empty callback name", p.src)
	}
	return p.src[start:p.pos], nil
}

func (p *parser) parseType() (Type, error) {
	c, ok := p.advance()
	if !ok {
		return Type{}, fmt.Errorf("signature %q: unexpected end of input parsing a type", p.src)
	}

	switch c {
	case '[':
		elem, err := p.parseType()
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: Array, Elem: &elem}, nil
	case '>':
		key, err := p.parseType()
		if err != nil {
			return Type{}, err
		}
		val, err := p.parseType()
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: Map, Key: &key, Elem: &val}, nil
	default:
		k, ok := charKind[c]
		if !ok {
			return Type{}, fmt.Errorf("signature %q: unknown type character %q at offset %d", p.src, c, p.pos-1)
		}
		return Type{Kind: k}, nil
	}
}
