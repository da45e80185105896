package safety

import (
	"strings"
	"testing"
)

// TestAnalyzeRejectsCatastrophicShapes verifies that the backtracking shapes are unsafe
func TestAnalyzeRejectsCatastrophicShapes(t *testing.T) {
	tests := []struct {
		pattern string
		reason  Reason
	}{
		{`(a+)+`, ReasonNestedQuantifier},
		{`(a*)*`, ReasonNestedQuantifier},
		{`(x*)*`, ReasonNestedQuantifier},
		{`([a-z]+)*`, ReasonNestedQuantifier},
		{`([a-z]+)*@`, ReasonNestedQuantifier},
		{`(a+)+b`, ReasonNestedQuantifier},
		{`^(\d+)*$`, ReasonNestedQuantifier},
		{`(x+){2,}`, ReasonNestedQuantifier},
		{`(a{1,5})+`, ReasonNestedQuantifier},
		{`([a-z]+|[a-z]+)*@`, ReasonNestedQuantifier},
		{`(?:a+)+`, ReasonNestedQuantifier},
		{`(a|a)+`, ReasonAmbiguousAlternation},
		{`(\w|\d)+`, ReasonAmbiguousAlternation},
		{`(a|aa)+`, ReasonAmbiguousAlternation},
		{`(foo|foo)*bar`, ReasonAmbiguousAlternation},
		{`(a|b|ab)*c`, ReasonAmbiguousAlternation},
		{`(ab|a)*c`, ReasonAmbiguousAlternation},
		{`(?:x|xy)+$`, ReasonAmbiguousAlternation},
		{`(a?){25}a{25}`, ReasonNestedQuantifier},
		{`(a|b?){2,20}`, ReasonNestedQuantifier},
		{`(\w)+\w+`, ReasonOverlappingSuffix},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			v := Analyze(tt.pattern)
			if v.Safe {
				t.Fatalf("Analyze(%q) = safe, want unsafe", tt.pattern)
			}
			if v.Reason != tt.reason {
				t.Errorf("Analyze(%q) reason = %s, want %s (%s)", tt.pattern, v.Reason, tt.reason, v.Detail)
			}
			if v.Regexp() != nil {
				t.Error("unsafe verdict should not carry a compiled pattern")
			}
		})
	}
}

// TestAnalyzeAcceptsSafePatterns verifies that ordinary patterns are classified safe
func TestAnalyzeAcceptsSafePatterns(t *testing.T) {
	patterns := []string{
		``,
		`hello`,
		`^[a-z]+@[a-z]+\.[a-z]+$`,
		`^\d{3}-\d{4}$`,
		`(\w+,)*\w+`,
		`(foo|bar)+`,
		`(a|b)+`,
		`(ab|cd)*e`,
		`(a?){3}`,
		`(?i)^order-\d+$`,
		`(?P<year>\d{4})-(?P<month>\d{2})`,
		`\bfoo\b`,
		`[^@\s]+@[^@\s]+`,
		`(\d{1,3}\.){3}\d{1,3}`,
		`^https?://[\w.-]+(/[\w./-]*)?$`,
		`x{`,
		`[[:alpha:]]+`,
		`\Q(a+)+\E`,
	}

	for _, p := range patterns {
		t.Run(p, func(t *testing.T) {
			v := Analyze(p)
			if !v.Safe {
				t.Fatalf("Analyze(%q) = unsafe (%s: %s), want safe", p, v.Reason, v.Detail)
			}
			if v.Regexp() == nil {
				t.Error("safe verdict should carry a compiled pattern")
			}
		})
	}
}

// TestAnalyzeParseFailures verifies that malformed or unsupported patterns never come back safe
func TestAnalyzeParseFailures(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		reason  Reason
	}{
		{"unclosed group", `(a`, ReasonParseError},
		{"unopened group", `a)`, ReasonParseError},
		{"unclosed class", `[a-`, ReasonParseError},
		{"reversed range", `[z-a]`, ReasonParseError},
		{"lookahead", `(?=a)b`, ReasonParseError},
		{"negative lookbehind", `(?<!a)b`, ReasonParseError},
		{"backreference", `(a)\1`, ReasonParseError},
		{"named backreference", `(?P=name)`, ReasonParseError},
		{"leading quantifier", `*a`, ReasonParseError},
		{"double quantifier", `a**`, ReasonParseError},
		{"trailing backslash", `abc\`, ReasonParseError},
		{"unknown escape", `\y`, ReasonParseError},
		{"repeat too large", `a{1001}`, ReasonParseError},
		{"invalid utf8", "\xff", ReasonParseError},
		{"too long", strings.Repeat("a", MaxPatternLength+1), ReasonTooComplex},
		{"too deep", strings.Repeat("(", maxGroupDepth+1) + "a" + strings.Repeat(")", maxGroupDepth+1), ReasonTooComplex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Analyze(tt.pattern)
			if v.Safe {
				t.Fatalf("Analyze(%q) = safe, want %s", tt.pattern, tt.reason)
			}
			if v.Reason != tt.reason {
				t.Errorf("reason = %s, want %s (%s)", v.Reason, tt.reason, v.Detail)
			}
			if v.Detail == "" {
				t.Error("unsafe verdict should explain itself")
			}
		})
	}
}

// TestAnalyzeDeepNesting verifies nested quantifiers are found through many group levels
func TestAnalyzeDeepNesting(t *testing.T) {
	depth := maxGroupDepth - 4
	pattern := strings.Repeat("(", depth) + "a+" + strings.Repeat(")", depth) + "+"

	v := Analyze(pattern)
	if v.Safe || v.Reason != ReasonNestedQuantifier {
		t.Errorf("Analyze() = %v, want nested_quantifier", v)
	}
}

// TestAnalyzeLongPattern verifies a maximum-length pattern is analyzed
func TestAnalyzeLongPattern(t *testing.T) {
	pattern := strings.Repeat("(a|b)", MaxPatternLength/5)

	v := Analyze(pattern)
	if !v.Safe {
		t.Errorf("Analyze() = %v, want safe", v)
	}
}

// TestAnalyzeDeterministic verifies the same text always yields the same verdict
func TestAnalyzeDeterministic(t *testing.T) {
	for _, p := range []string{`(a+)+`, `^[a-z]+$`, `(a`} {
		first, second := Analyze(p), Analyze(p)
		if first.Safe != second.Safe || first.Reason != second.Reason || first.Detail != second.Detail {
			t.Errorf("Analyze(%q) not deterministic: %v vs %v", p, first, second)
		}
	}
}

// TestVerdictMatchString verifies matching goes through the compiled pattern
func TestVerdictMatchString(t *testing.T) {
	safe := Analyze(`^[a-z]+@[a-z]+\.[a-z]+$`)
	if !safe.MatchString("bob@example.com") {
		t.Error("expected match for bob@example.com")
	}
	if safe.MatchString("Bob@Example.com") {
		t.Error("matching should be case-sensitive")
	}

	unsafe := Analyze(`(a+)+`)
	if unsafe.MatchString("aaaa") {
		t.Error("unsafe verdict should never match")
	}

	var nilVerdict *Verdict
	if nilVerdict.MatchString("a") {
		t.Error("nil verdict should never match")
	}
}
