package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"deploy-keeper/internal/models"
)

type stepKind int

const (
	stepName stepKind = iota
	stepAny
	stepSelf
	stepParent
)

type step struct {
	kind  stepKind
	name  string
	pos   int
	attr  string
	value string
}

func (s step) String() string {
	var b strings.Builder
	switch s.kind {
	case stepAny:
		b.WriteString("*")
	case stepSelf:
		b.WriteString(".")
	case stepParent:
		b.WriteString("..")
	default:
		b.WriteString(s.name)
	}
	if s.pos > 0 {
		b.WriteString("[" + strconv.Itoa(s.pos) + "]")
	}
	if s.attr != "" {
		b.WriteString("[@" + s.attr + "='" + s.value + "']")
	}
	return b.String()
}

/**
 * Compiled xpath subset used to address descriptor beans
 * @description
 * - Steps separated by "/", a leading "/" makes the path absolute
 * - A step is an element name, "*", "." or ".."
 * - A step may carry one predicate: [n] (1-based) or [@attr='value']
 * @example
 * p, err := ParsePath("/web-app/servlet[@id='s1']/servlet-name")
 */
type Path struct {
	absolute bool
	steps    []step
}

func invalidPath(expr, reason string) error {
	return fmt.Errorf("%w: %q: %s", models.ErrInvalidXpath, expr, reason)
}

func ParsePath(expr string) (Path, error) {
	var p Path
	s := strings.TrimSpace(expr)
	if s == "" {
		return p, invalidPath(expr, "empty path")
	}
	if strings.HasPrefix(s, "/") {
		p.absolute = true
		s = s[1:]
		if s == "" {
			return p, nil
		}
	}
	parts, err := splitSteps(s)
	if err != nil {
		return p, invalidPath(expr, err.Error())
	}
	for _, part := range parts {
		st, err := parseStep(part)
		if err != nil {
			return p, invalidPath(expr, err.Error())
		}
		p.steps = append(p.steps, st)
	}
	return p, nil
}

// MustParsePath panics on syntax errors, for constant paths.
func MustParsePath(expr string) Path {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func splitSteps(s string) ([]string, error) {
	var parts []string
	var quote rune
	depth := 0
	start := 0
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			if depth == 0 {
				return nil, fmt.Errorf("quote outside predicate")
			}
			quote = r
		case r == '[':
			depth++
		case r == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ']'")
			}
		case r == '/' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if quote != 0 || depth != 0 {
		return nil, fmt.Errorf("unterminated predicate")
	}
	parts = append(parts, s[start:])
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, fmt.Errorf("empty step")
		}
	}
	return parts, nil
}

func parseStep(part string) (step, error) {
	var st step
	part = strings.TrimSpace(part)
	head := part
	pred := ""
	if i := strings.IndexByte(part, '['); i >= 0 {
		if !strings.HasSuffix(part, "]") {
			return st, fmt.Errorf("text after predicate in %q", part)
		}
		head = strings.TrimSpace(part[:i])
		pred = strings.TrimSpace(part[i+1 : len(part)-1])
		if strings.ContainsAny(pred, "[]") && !strings.HasPrefix(pred, "@") {
			return st, fmt.Errorf("nested predicate in %q", part)
		}
	}
	switch head {
	case "*":
		st.kind = stepAny
	case ".":
		st.kind = stepSelf
	case "..":
		st.kind = stepParent
	default:
		if !validName(head) {
			return st, fmt.Errorf("invalid element name %q", head)
		}
		st.kind = stepName
		st.name = head
	}
	if i := strings.IndexByte(part, '['); i >= 0 {
		if err := parsePredicate(&st, pred); err != nil {
			return st, err
		}
	}
	return st, nil
}

func parsePredicate(st *step, pred string) error {
	if pred == "" {
		return fmt.Errorf("empty predicate")
	}
	if pred[0] != '@' {
		n, err := strconv.Atoi(pred)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid position %q", pred)
		}
		st.pos = n
		return nil
	}
	eq := strings.IndexByte(pred, '=')
	if eq < 0 {
		return fmt.Errorf("attribute predicate without value %q", pred)
	}
	name := strings.TrimSpace(pred[1:eq])
	val := strings.TrimSpace(pred[eq+1:])
	if !validName(name) {
		return fmt.Errorf("invalid attribute name %q", name)
	}
	if len(val) < 2 || (val[0] != '\'' && val[0] != '"') || val[len(val)-1] != val[0] {
		return fmt.Errorf("attribute value must be quoted in %q", pred)
	}
	st.attr = name
	st.value = val[1 : len(val)-1]
	return nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == ':' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 0x7f:
		case i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}

func (p Path) IsAbsolute() bool { return p.absolute }

func (p Path) String() string {
	parts := make([]string, len(p.steps))
	for i, s := range p.steps {
		parts[i] = s.String()
	}
	if p.absolute {
		return "/" + strings.Join(parts, "/")
	}
	return strings.Join(parts, "/")
}

// Join appends a relative path to p.
func (p Path) Join(rel Path) (Path, error) {
	if rel.absolute {
		return p, invalidPath(rel.String(), "cannot join an absolute path")
	}
	out := Path{absolute: p.absolute}
	out.steps = append(append(out.steps, p.steps...), rel.steps...)
	return out, nil
}

func (s step) candidates(b *Bean) []*Bean {
	switch s.kind {
	case stepSelf:
		return []*Bean{b}
	case stepParent:
		if b.parent == nil {
			return nil
		}
		return []*Bean{b.parent}
	case stepAny:
		return b.children
	}
	var out []*Bean
	for _, c := range b.children {
		if c.name == s.name {
			out = append(out, c)
		}
	}
	return out
}

func (s step) filter(cands []*Bean) []*Bean {
	if s.attr != "" {
		var out []*Bean
		for _, c := range cands {
			if v, ok := c.Attribute(s.attr); ok && v == s.value {
				out = append(out, c)
			}
		}
		cands = out
	}
	if s.pos > 0 {
		if s.pos > len(cands) {
			return nil
		}
		return cands[s.pos-1 : s.pos]
	}
	return cands
}

// Select evaluates the path from b, never returns nil.
func (p Path) Select(b *Bean) []*Bean {
	cur := []*Bean{b}
	if p.absolute && b.root != nil {
		cur = []*Bean{&b.root.Bean}
	}
	for _, s := range p.steps {
		next := make([]*Bean, 0)
		seen := make(map[*Bean]bool)
		for _, c := range cur {
			for _, m := range s.filter(s.candidates(c)) {
				if !seen[m] {
					seen[m] = true
					next = append(next, m)
				}
			}
		}
		cur = next
		if len(cur) == 0 {
			break
		}
	}
	return cur
}

// ValidatePattern checks that p can be used as a subscription pattern.
func (p Path) ValidatePattern() error {
	if !p.absolute {
		return invalidPath(p.String(), "subscription pattern must be absolute")
	}
	for _, s := range p.steps {
		if s.kind == stepSelf || s.kind == stepParent {
			return invalidPath(p.String(), "subscription pattern cannot navigate with . or ..")
		}
	}
	return nil
}

/**
 * Report whether an absolute pattern addresses bean b
 * @param {*Bean} b - Bean to test
 * @returns {bool} True when every step matches the ancestor at the same depth
 * @description
 * - "*" matches any element name
 * - [n] compares with the sibling position, [@a='v'] with the ancestor's attribute
 */
func (p Path) Matches(b *Bean) bool {
	if !p.absolute {
		return false
	}
	var chain []*Bean
	for cur := b; cur != nil && cur.parent != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	if len(chain) != len(p.steps) {
		return false
	}
	for i, s := range p.steps {
		c := chain[len(chain)-1-i]
		switch s.kind {
		case stepName:
			if c.name != s.name {
				return false
			}
		case stepAny:
		default:
			return false
		}
		if s.pos > 0 && c.index != s.pos {
			return false
		}
		if s.attr != "" {
			if v, ok := c.Attribute(s.attr); !ok || v != s.value {
				return false
			}
		}
	}
	return true
}
