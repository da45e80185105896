package safety

import (
	"sort"
	"unicode"
)

// runeRange is an inclusive code point interval
type runeRange struct {
	lo, hi rune
}

// charSet is a set of code points kept as sorted, disjoint, non-adjacent ranges
type charSet []runeRange

var (
	digitSet = charSet{{'0', '9'}}
	wordSet  = charSet{{'0', '9'}, {'A', 'Z'}, {'_', '_'}, {'a', 'z'}}
	spaceSet = charSet{{'\t', '\n'}, {'\f', '\r'}, {' ', ' '}}
	anySet   = charSet{{0, unicode.MaxRune}}
	// dot without the s flag
	anyNotNLSet = charSet{{0, '\n' - 1}, {'\n' + 1, unicode.MaxRune}}
)

// posixClasses mirrors the ASCII classes RE2 accepts inside brackets
var posixClasses = map[string]charSet{
	"alnum":  {{'0', '9'}, {'A', 'Z'}, {'a', 'z'}},
	"alpha":  {{'A', 'Z'}, {'a', 'z'}},
	"ascii":  {{0, 0x7f}},
	"blank":  {{'\t', '\t'}, {' ', ' '}},
	"cntrl":  {{0, 0x1f}, {0x7f, 0x7f}},
	"digit":  {{'0', '9'}},
	"graph":  {{'!', '~'}},
	"lower":  {{'a', 'z'}},
	"print":  {{' ', '~'}},
	"punct":  {{'!', '/'}, {':', '@'}, {'[', '`'}, {'{', '~'}},
	"space":  {{'\t', '\r'}, {' ', ' '}},
	"upper":  {{'A', 'Z'}},
	"word":   {{'0', '9'}, {'A', 'Z'}, {'_', '_'}, {'a', 'z'}},
	"xdigit": {{'0', '9'}, {'A', 'F'}, {'a', 'f'}},
}

func singleton(r rune) charSet {
	return charSet{{r, r}}
}

func normalize(ranges []runeRange) charSet {
	if len(ranges) == 0 {
		return nil
	}
	out := make([]runeRange, len(ranges))
	copy(out, ranges)
	sort.Slice(out, func(i, j int) bool { return out[i].lo < out[j].lo })

	merged := out[:1]
	for _, r := range out[1:] {
		last := &merged[len(merged)-1]
		if r.lo <= last.hi+1 {
			if r.hi > last.hi {
				last.hi = r.hi
			}
			continue
		}
		merged = append(merged, r)
	}
	return charSet(merged)
}

func (s charSet) union(o charSet) charSet {
	if len(o) == 0 {
		return s
	}
	if len(s) == 0 {
		return o
	}
	all := make([]runeRange, 0, len(s)+len(o))
	all = append(all, s...)
	all = append(all, o...)
	return normalize(all)
}

func (s charSet) negate() charSet {
	var out charSet
	next := rune(0)
	for _, r := range s {
		if r.lo > next {
			out = append(out, runeRange{next, r.lo - 1})
		}
		next = r.hi + 1
	}
	if next <= unicode.MaxRune {
		out = append(out, runeRange{next, unicode.MaxRune})
	}
	return out
}

// intersects walks both range lists once
func (s charSet) intersects(o charSet) bool {
	i, j := 0, 0
	for i < len(s) && j < len(o) {
		a, b := s[i], o[j]
		switch {
		case a.hi < b.lo:
			i++
		case b.hi < a.lo:
			j++
		default:
			return true
		}
	}
	return false
}

func (s charSet) equal(o charSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// foldCase adds the simple case folds of the set's members. Wide ranges are
// only folded over ASCII letters; the analysis only needs an over-approximation.
func (s charSet) foldCase() charSet {
	extra := make([]runeRange, 0, len(s))
	for _, r := range s {
		if lo, hi := max(r.lo, 'A'), min(r.hi, 'Z'); lo <= hi {
			extra = append(extra, runeRange{lo + 'a' - 'A', hi + 'a' - 'A'})
		}
		if lo, hi := max(r.lo, 'a'), min(r.hi, 'z'); lo <= hi {
			extra = append(extra, runeRange{lo - ('a' - 'A'), hi - ('a' - 'A')})
		}
		if r.hi-r.lo > 128 {
			continue
		}
		for c := r.lo; c <= r.hi; c++ {
			for f := unicode.SimpleFold(c); f != c; f = unicode.SimpleFold(f) {
				extra = append(extra, runeRange{f, f})
			}
		}
	}
	return s.union(normalize(extra))
}
