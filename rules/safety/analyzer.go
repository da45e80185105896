// Package safety classifies regular expression patterns before they are ever
// matched against row data. A pattern is Safe only when it parses completely
// and contains none of the repetition shapes that lead to catastrophic
// backtracking.
package safety

import (
	"errors"
	"fmt"
	"regexp"
)

// Reason is a stable, machine-readable code for an Unsafe verdict
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonNestedQuantifier     Reason = "nested_quantifier"
	ReasonAmbiguousAlternation Reason = "ambiguous_alternation"
	ReasonOverlappingSuffix    Reason = "overlapping_suffix"
	ReasonParseError           Reason = "parse_error"
	ReasonTooComplex           Reason = "too_complex"
)

// Verdict is the classification of one pattern. Verdicts are immutable once
// built and may be shared between goroutines.
type Verdict struct {
	Pattern string `json:"pattern"`
	Safe    bool   `json:"safe"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern, or nil for unsafe verdicts
func (v *Verdict) Regexp() *regexp.Regexp {
	if v == nil || !v.Safe {
		return nil
	}
	return v.re
}

// MatchString reports whether s contains a match. Unsafe verdicts never match.
func (v *Verdict) MatchString(s string) bool {
	re := v.Regexp()
	if re == nil {
		return false
	}
	return re.MatchString(s)
}

func (v *Verdict) String() string {
	if v.Safe {
		return fmt.Sprintf("safe %q", v.Pattern)
	}
	return fmt.Sprintf("unsafe %q (%s): %s", v.Pattern, v.Reason, v.Detail)
}

// Analyze classifies pattern without consulting any cache. Callers that see
// the same patterns repeatedly should go through an Analyzer.
func Analyze(pattern string) *Verdict {
	root, err := parse(pattern)
	if err != nil {
		reason := ReasonParseError
		var perr *ParseError
		if errors.As(err, &perr) && perr.reason != ReasonNone {
			reason = perr.reason
		}
		return unsafe(pattern, reason, err.Error())
	}

	if f := inspect(root, false); f != nil {
		return unsafe(pattern, f.reason, fmt.Sprintf("%s at offset %d", f.msg, f.pos))
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return unsafe(pattern, ReasonParseError, err.Error())
	}
	return &Verdict{Pattern: pattern, Safe: true, re: re}
}

func unsafe(pattern string, reason Reason, detail string) *Verdict {
	return &Verdict{Pattern: pattern, Reason: reason, Detail: detail}
}

type finding struct {
	reason Reason
	msg    string
	pos    int
}

// inspect walks the tree in pre-order and returns the first unsafe shape.
// underRepeat is set inside the body of a repeat that can iterate more than once.
func inspect(n *node, underRepeat bool) *finding {
	switch n.kind {
	case kindRepeat:
		body := n.sub[0]
		if iterates(n) {
			if body.hasUnbounded && !bounded(body, body.unbounded) {
				return &finding{ReasonNestedQuantifier, "quantified expression contains an unbounded quantifier", n.pos}
			}
			if (n.max < 0 || n.max > maxFixedIterations) && body.hasVariable && !bounded(body, body.variable) {
				return &finding{ReasonNestedQuantifier, "quantifier over a variable-length repetition", n.pos}
			}
		}
		return inspect(body, underRepeat || iterates(n))

	case kindAlternate:
		if underRepeat {
			if f := ambiguous(n); f != nil {
				return f
			}
		}

	case kindConcat:
		for i := 0; i+1 < len(n.sub); i++ {
			if overlappingSuffix(n.sub[i], n.sub[i+1]) {
				return &finding{ReasonOverlappingSuffix, "quantified group followed by a quantifier over the same characters", n.sub[i+1].pos}
			}
		}
	}

	for _, s := range n.sub {
		if f := inspect(s, underRepeat); f != nil {
			return f
		}
	}
	return nil
}

// maxFixedIterations is the largest repeat bound allowed over a
// variable-length body. `(a?){25}` already has 2^25 ways to split a run of a's.
const maxFixedIterations = 10

func iterates(n *node) bool {
	return n.kind == kindRepeat && (n.max < 0 || n.max > 1)
}

// bounded reports whether every match of n must consume a character outside
// set or pass a strong anchor. Either one separates successive iterations.
func bounded(n *node, set charSet) bool {
	found := false
	walkMandatory(n, func(m *node) bool {
		switch m.kind {
		case kindAnchor:
			found = !m.weak && (m.anchor == '^' || m.anchor == '$' || m.anchor == 'A' || m.anchor == 'z')
		case kindChar:
			found = !m.set.intersects(set)
		}
		return found
	})
	return found
}

// walkMandatory visits the leaves that every match of n passes through.
// Alternation branches are optional from the point of view of the whole.
func walkMandatory(n *node, visit func(*node) bool) bool {
	switch n.kind {
	case kindChar, kindAnchor:
		return visit(n)
	case kindGroup:
		return walkMandatory(n.sub[0], visit)
	case kindConcat:
		for _, s := range n.sub {
			if walkMandatory(s, visit) {
				return true
			}
		}
	case kindRepeat:
		if n.min >= 1 {
			return walkMandatory(n.sub[0], visit)
		}
	}
	return false
}

func ambiguous(n *node) *finding {
	seen := make(map[uint64]bool, len(n.sub))
	var classes, firsts charSet
	for _, b := range n.sub {
		if seen[b.hash] {
			return &finding{ReasonAmbiguousAlternation, "alternation has identical branches", b.pos}
		}
		seen[b.hash] = true

		if !b.nullable {
			if b.first.intersects(firsts) {
				return &finding{ReasonAmbiguousAlternation, "alternation branches share a first character", b.pos}
			}
			firsts = firsts.union(b.first)
		}

		set, ok := reducible(b)
		if !ok {
			continue
		}
		if set.intersects(classes) {
			return &finding{ReasonAmbiguousAlternation, "alternation branches overlap", b.pos}
		}
		classes = classes.union(set)
	}
	return nil
}

// reducible reports whether n only ever consumes characters of a single class,
// returning that class. `a`, `[ab]+` and `aa` all reduce.
func reducible(n *node) (charSet, bool) {
	switch n.kind {
	case kindChar:
		return n.set, true
	case kindGroup:
		return reducible(n.sub[0])
	case kindRepeat:
		if n.max == 0 {
			return nil, false
		}
		return reducible(n.sub[0])
	case kindConcat:
		var set charSet
		for i, s := range n.sub {
			sub, ok := reducible(s)
			if !ok || (i > 0 && !sub.equal(set)) {
				return nil, false
			}
			set = sub
		}
		return set, len(n.sub) > 0
	}
	return nil, false
}

// overlappingSuffix matches `(X)+Y+` where Y can consume what X consumes and
// X offers no mandatory character that Y cannot.
func overlappingSuffix(a, b *node) bool {
	if a.kind != kindRepeat || a.max >= 0 || a.sub[0].kind != kindGroup {
		return false
	}
	if b.kind != kindRepeat || b.max >= 0 {
		return false
	}
	group, suffix := a.sub[0], b.sub[0]
	return group.chars.intersects(suffix.chars) && !bounded(group, suffix.chars)
}
