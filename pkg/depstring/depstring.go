package depstring

import (
	"fmt"
	"strings"
)

// StoreIdentifier is the reserved pseudo-identifier that routes a reference
// to the run-scoped store instead of an ancestor's outputs.
const StoreIdentifier = "store"

// Dependent is one parsed `${{ ... }}` reference plus the literal text that
// follows it up to the next placeholder.
type Dependent struct {
	// Identifier is the template-local node identifier, or StoreIdentifier.
	Identifier string
	// Field is the output field name, or the store key for store references.
	Field string
	// Tail is the literal text between this placeholder and the next.
	Tail string

	value string
	set   bool
}

// Value returns the resolved value and whether it has been set.
func (d *Dependent) Value() (string, bool) {
	return d.value, d.set
}

// IdentifierField names one (identifier, field) pair referenced by a value.
type IdentifierField struct {
	Identifier string
	Field      string
}

// DependentString is a parsed template input value: a literal head followed
// by an ordered list of dependents.
type DependentString struct {
	Head       string
	Dependents []*Dependent
}

// parser walks the input byte-wise so errors can report exact offsets.
type parser struct {
	input string
	pos   int
}

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// Parse parses a template input value. The zero placeholder case yields a
// DependentString whose Head is the whole input.
func Parse(s string) (*DependentString, error) {
	p := &parser{input: s}
	ds := &DependentString{}

	head, found := p.scanLiteral()
	ds.Head = head
	for found {
		start := p.pos
		p.pos += len(openMarker)
		dep, err := p.scanRef(start)
		if err != nil {
			return nil, err
		}
		tail, more := p.scanLiteral()
		dep.Tail = tail
		ds.Dependents = append(ds.Dependents, dep)
		found = more
	}
	return ds, nil
}

// scanLiteral consumes literal text up to the next placeholder opener (or end
// of input) and reports whether an opener was found.
func (p *parser) scanLiteral() (string, bool) {
	rest := p.input[p.pos:]
	idx := strings.Index(rest, openMarker)
	if idx < 0 {
		p.pos = len(p.input)
		return rest, false
	}
	p.pos += idx
	return rest[:idx], true
}

// scanRef parses the reference between "${{" and "}}". start is the offset of
// the opener, used for error messages.
func (p *parser) scanRef(start int) (*Dependent, error) {
	rest := p.input[p.pos:]
	end := strings.Index(rest, closeMarker)
	if end < 0 {
		return nil, fmt.Errorf("unterminated placeholder at offset %d: missing %q", start, closeMarker)
	}
	ref := strings.TrimSpace(rest[:end])
	p.pos += end + len(closeMarker)

	if ref == "" {
		return nil, fmt.Errorf("empty placeholder at offset %d", start)
	}
	parts := strings.Split(ref, ".")
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment %d in placeholder %q at offset %d", i, ref, start)
		}
		if strings.ContainsAny(part, " \t") {
			return nil, fmt.Errorf("whitespace inside segment %q of placeholder at offset %d", part, start)
		}
	}

	switch {
	case len(parts) == 2 && parts[0] == StoreIdentifier:
		return &Dependent{Identifier: StoreIdentifier, Field: parts[1]}, nil
	case len(parts) == 3 && parts[1] == "outputs":
		if parts[0] == StoreIdentifier {
			return nil, fmt.Errorf("reserved identifier %q cannot reference outputs at offset %d", StoreIdentifier, start)
		}
		return &Dependent{Identifier: parts[0], Field: parts[2]}, nil
	case len(parts) == 3:
		return nil, fmt.Errorf("placeholder %q at offset %d: expected %q, got %q", ref, start, parts[0]+".outputs."+parts[2], ref)
	default:
		return nil, fmt.Errorf("placeholder %q at offset %d: expected identifier.outputs.field or store.key", ref, start)
	}
}

// HasDependents reports whether the value contains any placeholder.
func (ds *DependentString) HasDependents() bool {
	return len(ds.Dependents) > 0
}

// IdentifierFields returns every (identifier, field) pair in placeholder
// order, duplicates included. Used by graph validation.
func (ds *DependentString) IdentifierFields() []IdentifierField {
	out := make([]IdentifierField, 0, len(ds.Dependents))
	for _, d := range ds.Dependents {
		out = append(out, IdentifierField{Identifier: d.Identifier, Field: d.Field})
	}
	return out
}

// SetValue fills every dependent slot matching (identifier, field).
func (ds *DependentString) SetValue(identifier, field, value string) {
	for _, d := range ds.Dependents {
		if d.Identifier == identifier && d.Field == field {
			d.value = value
			d.set = true
		}
	}
}

// Render concatenates head and every resolved dependent with its tail.
// It fails if any slot is unfilled.
func (ds *DependentString) Render() (string, error) {
	var b strings.Builder
	b.WriteString(ds.Head)
	for _, d := range ds.Dependents {
		if !d.set {
			return "", fmt.Errorf("unresolved reference %s.%s", d.Identifier, d.Field)
		}
		b.WriteString(d.value)
		b.WriteString(d.Tail)
	}
	return b.String(), nil
}
