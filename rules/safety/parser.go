package safety

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxPatternLength bounds the analyzed pattern size in bytes
	MaxPatternLength = 1024

	maxGroupDepth  = 64
	maxRepeatCount = 1000
)

type nodeKind int

const (
	kindEmpty nodeKind = iota
	kindChar           // one code point from set
	kindAnchor         // zero-width assertion
	kindGroup
	kindConcat
	kindAlternate
	kindRepeat
)

// node is one element of the pattern tree. Literals are kindChar nodes with a
// singleton set, so `a` and `[a]` are indistinguishable to the analysis.
type node struct {
	kind   nodeKind
	pos    int // rune offset in the pattern
	set    charSet
	anchor rune // ^ $ A z b B
	// weak anchors (^ and $ under the m flag) can match at many positions
	weak bool
	sub  []*node
	min  int
	max  int // -1 means unbounded

	// summaries filled in by finalize
	nullable     bool
	chars        charSet // everything the node can consume
	first        charSet // characters a match can start with
	hasUnbounded bool    // contains an unbounded repeat
	unbounded    charSet // everything consumed under unbounded repeats
	hasVariable  bool    // contains a repeat whose count is not fixed
	variable     charSet // everything consumed under such repeats
	hash         uint64  // structural hash
}

type flags struct {
	foldCase  bool
	dotNL     bool
	multiLine bool
}

// ParseError reports why a pattern could not be analyzed
type ParseError struct {
	Offset int
	Msg    string
	reason Reason
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.Msg, e.Offset)
}

type parser struct {
	src   []rune
	pos   int
	depth int
}

// parse builds the pattern tree in a single left-to-right pass. The parser
// never re-reads input except for fixed-size lookahead.
func parse(pattern string) (*node, error) {
	if len(pattern) > MaxPatternLength {
		return nil, &ParseError{Offset: MaxPatternLength, Msg: fmt.Sprintf("pattern longer than %d bytes", MaxPatternLength), reason: ReasonTooComplex}
	}
	if !utf8.ValidString(pattern) {
		return nil, &ParseError{Msg: "invalid UTF-8", reason: ReasonParseError}
	}

	p := &parser{src: []rune(pattern)}
	fl := flags{}
	root, err := p.parseAlternate(&fl)
	if err != nil {
		return nil, err
	}
	if p.more() {
		return nil, p.errorf("unexpected )")
	}
	root.finalize()
	return root, nil
}

func (p *parser) more() bool { return p.pos < len(p.src) }

func (p *parser) peek() rune { return p.src[p.pos] }

func (p *parser) peekAt(off int) (rune, bool) {
	if p.pos+off >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos+off], true
}

func (p *parser) next() rune {
	c := p.src[p.pos]
	p.pos++
	return c
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Offset: p.pos, Msg: fmt.Sprintf(format, args...), reason: ReasonParseError}
}

func (p *parser) parseAlternate(fl *flags) (*node, error) {
	start := p.pos
	var branches []*node
	for {
		branch, err := p.parseConcat(fl)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
		if p.more() && p.peek() == '|' {
			p.pos++
			continue
		}
		break
	}
	if len(branches) == 1 {
		return branches[0], nil
	}
	return &node{kind: kindAlternate, pos: start, sub: branches}, nil
}

func (p *parser) parseConcat(fl *flags) (*node, error) {
	start := p.pos
	var items []*node
	for p.more() {
		if c := p.peek(); c == '|' || c == ')' {
			break
		}
		atom, err := p.parseAtom(fl)
		if err != nil {
			return nil, err
		}
		if atom == nil {
			// flag-only group such as (?i)
			continue
		}
		atom, err = p.parseQuantifier(atom)
		if err != nil {
			return nil, err
		}
		items = append(items, atom)
	}
	switch len(items) {
	case 0:
		return &node{kind: kindEmpty, pos: start}, nil
	case 1:
		return items[0], nil
	}
	return &node{kind: kindConcat, pos: start, sub: items}, nil
}

// scanQuantifier reads a quantifier at the current position. ok is false
// (and the position untouched) when the input is not a quantifier, which
// makes a malformed brace a literal as in RE2.
func (p *parser) scanQuantifier() (lo, hi int, ok bool, err error) {
	if !p.more() {
		return 0, 0, false, nil
	}
	switch p.peek() {
	case '*':
		p.pos++
		return 0, -1, true, nil
	case '+':
		p.pos++
		return 1, -1, true, nil
	case '?':
		p.pos++
		return 0, 1, true, nil
	case '{':
	default:
		return 0, 0, false, nil
	}

	save := p.pos
	p.pos++
	lo, okLo := p.scanInt()
	if !okLo {
		p.pos = save
		return 0, 0, false, nil
	}
	hi = lo
	if p.more() && p.peek() == ',' {
		p.pos++
		if p.more() && p.peek() == '}' {
			hi = -1
		} else {
			var okHi bool
			hi, okHi = p.scanInt()
			if !okHi {
				p.pos = save
				return 0, 0, false, nil
			}
		}
	}
	if !p.more() || p.peek() != '}' {
		p.pos = save
		return 0, 0, false, nil
	}
	p.pos++
	if lo > maxRepeatCount || hi > maxRepeatCount || (hi >= 0 && hi < lo) {
		return 0, 0, false, &ParseError{Offset: save, Msg: "invalid repeat count", reason: ReasonParseError}
	}
	return lo, hi, true, nil
}

func (p *parser) scanInt() (int, bool) {
	start := p.pos
	for p.more() && p.peek() >= '0' && p.peek() <= '9' {
		p.pos++
		if p.pos-start > 4 {
			// beyond any legal repeat count
			return maxRepeatCount + 1, true
		}
	}
	if p.pos == start {
		return 0, false
	}
	n, err := strconv.Atoi(string(p.src[start:p.pos]))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p *parser) parseQuantifier(atom *node) (*node, error) {
	start := p.pos
	lo, hi, ok, err := p.scanQuantifier()
	if err != nil {
		return nil, err
	}
	if !ok {
		return atom, nil
	}
	if p.more() && p.peek() == '?' {
		// non-greedy marker
		p.pos++
	}

	save := p.pos
	_, _, again, err := p.scanQuantifier()
	if err != nil {
		return nil, err
	}
	if again {
		return nil, &ParseError{Offset: save, Msg: "invalid nested repetition operator", reason: ReasonParseError}
	}

	return &node{kind: kindRepeat, pos: start, min: lo, max: hi, sub: []*node{atom}}, nil
}

func (p *parser) parseAtom(fl *flags) (*node, error) {
	start := p.pos
	switch c := p.peek(); c {
	case '(':
		p.pos++
		return p.parseGroup(fl, start)
	case '[':
		p.pos++
		return p.parseClass(fl, start)
	case '.':
		p.pos++
		if fl.dotNL {
			return &node{kind: kindChar, pos: start, set: anySet}, nil
		}
		return &node{kind: kindChar, pos: start, set: anyNotNLSet}, nil
	case '^', '$':
		p.pos++
		return &node{kind: kindAnchor, pos: start, anchor: c, weak: fl.multiLine}, nil
	case '\\':
		p.pos++
		return p.parseEscape(fl, start)
	case '*', '+', '?':
		return nil, p.errorf("missing argument to repetition operator")
	case '{':
		if _, _, ok, err := p.scanQuantifier(); err != nil {
			return nil, err
		} else if ok {
			return nil, &ParseError{Offset: start, Msg: "missing argument to repetition operator", reason: ReasonParseError}
		}
		p.pos++
		return literal(c, fl, start), nil
	default:
		p.pos++
		return literal(c, fl, start), nil
	}
}

func literal(c rune, fl *flags, pos int) *node {
	set := singleton(c)
	if fl.foldCase {
		set = set.foldCase()
	}
	return &node{kind: kindChar, pos: pos, set: set}
}

func (p *parser) parseGroup(fl *flags, start int) (*node, error) {
	if p.depth >= maxGroupDepth {
		return nil, &ParseError{Offset: start, Msg: fmt.Sprintf("groups nested deeper than %d", maxGroupDepth), reason: ReasonTooComplex}
	}

	inner := *fl
	if p.more() && p.peek() == '?' {
		p.pos++
		if !p.more() {
			return nil, p.errorf("missing closing )")
		}
		switch c := p.peek(); c {
		case ':':
			p.pos++
		case '=', '!':
			return nil, p.errorf("lookahead assertions are not supported")
		case 'P':
			p.pos++
			if !p.more() || p.peek() != '<' {
				return nil, p.errorf("named backreferences are not supported")
			}
			p.pos++
			if err := p.parseGroupName(); err != nil {
				return nil, err
			}
		case '<':
			if n, ok := p.peekAt(1); ok && (n == '=' || n == '!') {
				return nil, p.errorf("lookbehind assertions are not supported")
			}
			p.pos++
			if err := p.parseGroupName(); err != nil {
				return nil, err
			}
		default:
			scoped, err := p.parseFlags(&inner)
			if err != nil {
				return nil, err
			}
			if !scoped {
				// (?flags) changes the rest of the enclosing group
				*fl = inner
				return nil, nil
			}
		}
	}

	p.depth++
	body, err := p.parseAlternate(&inner)
	p.depth--
	if err != nil {
		return nil, err
	}
	if !p.more() || p.peek() != ')' {
		return nil, p.errorf("missing closing )")
	}
	p.pos++
	return &node{kind: kindGroup, pos: start, sub: []*node{body}}, nil
}

func (p *parser) parseGroupName() error {
	start := p.pos
	for p.more() {
		c := p.next()
		if c == '>' {
			if p.pos-1 == start {
				return p.errorf("empty group name")
			}
			return nil
		}
		if c != '_' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			return p.errorf("invalid character %q in group name", c)
		}
	}
	return p.errorf("missing closing > in group name")
}

// parseFlags consumes `i-s)` or `i:`; scoped reports the `:` form
func (p *parser) parseFlags(fl *flags) (scoped bool, err error) {
	negated, sawFlag := false, false
	for p.more() {
		c := p.next()
		switch c {
		case 'i':
			fl.foldCase = !negated
			sawFlag = true
		case 's':
			fl.dotNL = !negated
			sawFlag = true
		case 'm':
			fl.multiLine = !negated
			sawFlag = true
		case 'U':
			sawFlag = true
		case '-':
			if negated {
				return false, p.errorf("invalid flag syntax")
			}
			negated, sawFlag = true, false
		case ')', ':':
			if !sawFlag {
				return false, p.errorf("missing flags")
			}
			return c == ':', nil
		default:
			return false, p.errorf("invalid flag %q", c)
		}
	}
	return false, p.errorf("missing closing )")
}

func (p *parser) parseClass(fl *flags, start int) (*node, error) {
	negated := false
	if p.more() && p.peek() == '^' {
		p.pos++
		negated = true
	}

	var ranges []runeRange
	first := true
	for {
		if !p.more() {
			return nil, p.errorf("missing closing ]")
		}
		c := p.peek()
		if c == ']' && !first {
			p.pos++
			break
		}
		first = false

		if n, ok := p.peekAt(1); c == '[' && ok && n == ':' {
			set, err := p.parsePOSIX()
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, set...)
			continue
		}

		lo, set, err := p.classAtom()
		if err != nil {
			return nil, err
		}
		if set != nil {
			ranges = append(ranges, set...)
			continue
		}
		if n, ok := p.peekAt(1); ok && p.peek() == '-' && n != ']' {
			p.pos++
			hi, hiSet, err := p.classAtom()
			if err != nil {
				return nil, err
			}
			if hiSet != nil || hi < lo {
				return nil, p.errorf("invalid character class range")
			}
			ranges = append(ranges, runeRange{lo, hi})
			continue
		}
		ranges = append(ranges, runeRange{lo, lo})
	}

	set := normalize(ranges)
	if fl.foldCase {
		set = set.foldCase()
	}
	if negated {
		set = set.negate()
	}
	return &node{kind: kindChar, pos: start, set: set}, nil
}

func (p *parser) parsePOSIX() (charSet, error) {
	p.pos += 2 // [:
	start := p.pos
	for p.more() && p.peek() != ':' {
		p.pos++
	}
	if n, ok := p.peekAt(1); !p.more() || !ok || n != ']' {
		return nil, p.errorf("invalid character class range")
	}
	name := string(p.src[start:p.pos])
	p.pos += 2 // :]

	negated := false
	if len(name) > 0 && name[0] == '^' {
		negated, name = true, name[1:]
	}
	set, ok := posixClasses[name]
	if !ok {
		return nil, p.errorf("invalid character class range [:%s:]", name)
	}
	if negated {
		return set.negate(), nil
	}
	return set, nil
}

// classAtom returns either one rune or, for escapes like \d, a set
func (p *parser) classAtom() (rune, charSet, error) {
	c := p.next()
	if c != '\\' {
		return c, nil, nil
	}
	if !p.more() {
		return 0, nil, p.errorf("trailing backslash at end of expression")
	}
	if set := p.perlClass(); set != nil {
		return 0, set, nil
	}
	if p.peek() == 'p' || p.peek() == 'P' {
		if err := p.skipUnicodeClass(); err != nil {
			return 0, nil, err
		}
		return 0, anySet, nil
	}
	r, err := p.escapedRune()
	return r, nil, err
}

// perlClass consumes \d \w \s and their negations
func (p *parser) perlClass() charSet {
	var set charSet
	switch p.peek() {
	case 'd':
		set = digitSet
	case 'D':
		set = digitSet.negate()
	case 'w':
		set = wordSet
	case 'W':
		set = wordSet.negate()
	case 's':
		set = spaceSet
	case 'S':
		set = spaceSet.negate()
	default:
		return nil
	}
	p.pos++
	return set
}

// skipUnicodeClass consumes \pL or \p{Greek}. The class is approximated by
// every code point, which can only make the analysis stricter.
func (p *parser) skipUnicodeClass() error {
	p.pos++ // p or P
	if !p.more() {
		return p.errorf("invalid character class range")
	}
	if p.peek() != '{' {
		p.pos++
		return nil
	}
	for p.more() {
		if p.next() == '}' {
			return nil
		}
	}
	return p.errorf("invalid character class range")
}

func (p *parser) escapedRune() (rune, error) {
	c := p.next()
	switch c {
	case 'n':
		return '\n', nil
	case 't':
		return '\t', nil
	case 'r':
		return '\r', nil
	case 'f':
		return '\f', nil
	case 'v':
		return '\v', nil
	case 'a':
		return '\a', nil
	case '0':
		v := 0
		for i := 0; i < 2 && p.more() && p.peek() >= '0' && p.peek() <= '7'; i++ {
			v = v*8 + int(p.next()-'0')
		}
		return rune(v), nil
	case '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return 0, p.errorf("backreferences are not supported")
	case 'x':
		return p.hexEscape()
	}
	if c < utf8.RuneSelf && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
		return c, nil
	}
	return 0, p.errorf("invalid escape sequence \\%c", c)
}

func (p *parser) hexEscape() (rune, error) {
	if !p.more() {
		return 0, p.errorf("invalid escape sequence")
	}
	var digits []rune
	if p.peek() == '{' {
		p.pos++
		for p.more() && p.peek() != '}' {
			digits = append(digits, p.next())
		}
		if !p.more() || len(digits) == 0 || len(digits) > 8 {
			return 0, p.errorf("invalid escape sequence")
		}
		p.pos++
	} else {
		for i := 0; i < 2 && p.more(); i++ {
			digits = append(digits, p.next())
		}
		if len(digits) != 2 {
			return 0, p.errorf("invalid escape sequence")
		}
	}
	v, err := strconv.ParseUint(string(digits), 16, 32)
	if err != nil || v > unicode.MaxRune {
		return 0, p.errorf("invalid escape sequence")
	}
	return rune(v), nil
}

func (p *parser) parseEscape(fl *flags, start int) (*node, error) {
	if !p.more() {
		return nil, p.errorf("trailing backslash at end of expression")
	}
	if set := p.perlClass(); set != nil {
		if fl.foldCase {
			set = set.foldCase()
		}
		return &node{kind: kindChar, pos: start, set: set}, nil
	}

	switch c := p.peek(); c {
	case 'p', 'P':
		if err := p.skipUnicodeClass(); err != nil {
			return nil, err
		}
		return &node{kind: kindChar, pos: start, set: anySet}, nil
	case 'b', 'B', 'A', 'z':
		p.pos++
		return &node{kind: kindAnchor, pos: start, anchor: c}, nil
	case 'Q':
		p.pos++
		return p.parseQuoted(fl, start), nil
	}

	r, err := p.escapedRune()
	if err != nil {
		return nil, err
	}
	return literal(r, fl, start), nil
}

// parseQuoted handles \Q...\E; a missing \E quotes to the end
func (p *parser) parseQuoted(fl *flags, start int) *node {
	var items []*node
	for p.more() {
		if n, ok := p.peekAt(1); p.peek() == '\\' && ok && n == 'E' {
			p.pos += 2
			break
		}
		items = append(items, literal(p.next(), fl, p.pos-1))
	}
	switch len(items) {
	case 0:
		return &node{kind: kindEmpty, pos: start}
	case 1:
		return items[0]
	}
	return &node{kind: kindConcat, pos: start, sub: items}
}

// finalize computes the per-node summaries bottom-up, once
func (n *node) finalize() {
	for _, s := range n.sub {
		s.finalize()
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%d|%c|", n.kind, n.min, n.max, n.anchor)

	switch n.kind {
	case kindEmpty, kindAnchor:
		n.nullable = true
	case kindChar:
		n.chars, n.first = n.set, n.set
		for _, r := range n.set {
			fmt.Fprintf(h, "%d-%d,", r.lo, r.hi)
		}
	case kindGroup:
		body := n.sub[0]
		n.nullable, n.chars, n.first = body.nullable, body.chars, body.first
		n.hasUnbounded, n.unbounded = body.hasUnbounded, body.unbounded
		n.hasVariable, n.variable = body.hasVariable, body.variable
	case kindConcat, kindAlternate:
		n.nullable = n.kind == kindConcat
		for _, s := range n.sub {
			if n.kind == kindConcat {
				if n.nullable {
					n.first = n.first.union(s.first)
				}
				n.nullable = n.nullable && s.nullable
			} else {
				n.first = n.first.union(s.first)
				n.nullable = n.nullable || s.nullable
			}
			n.chars = n.chars.union(s.chars)
			n.unbounded = n.unbounded.union(s.unbounded)
			n.hasUnbounded = n.hasUnbounded || s.hasUnbounded
			n.variable = n.variable.union(s.variable)
			n.hasVariable = n.hasVariable || s.hasVariable
		}
	case kindRepeat:
		body := n.sub[0]
		n.nullable = n.min == 0 || body.nullable
		n.chars = body.chars
		if n.max != 0 {
			n.first = body.first
		}
		n.hasUnbounded, n.unbounded = body.hasUnbounded, body.unbounded
		n.hasVariable, n.variable = body.hasVariable, body.variable
		if n.max < 0 {
			n.hasUnbounded = true
			n.unbounded = n.unbounded.union(body.chars)
		}
		if n.max != n.min {
			n.hasVariable = true
			n.variable = n.variable.union(body.chars)
		}
	}

	for _, s := range n.sub {
		fmt.Fprintf(h, "(%x)", s.hash)
	}
	n.hash = h.Sum64()
}
