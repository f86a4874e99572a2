package matching

import (
	"errors"
	"io/fs"
	"unicode"
	"unicode/utf8"
)

// MatchWildcard matches name against pattern case-insensitively.
// Unlike path.Match, '*' also crosses '/' so that "dir/*" covers the whole
// subtree.
func MatchWildcard(pattern, name string) bool {
	p, n := 0, 0
	starP, starN := -1, 0

	for n < len(name) {
		if p < len(pattern) {
			pc, pw := utf8.DecodeRuneInString(pattern[p:])
			nc, nw := utf8.DecodeRuneInString(name[n:])
			switch {
			case pc == '*':
				starP = p
				starN = n
				p += pw
				continue
			case pc == '?' || unicode.ToLower(pc) == unicode.ToLower(nc):
				p += pw
				n += nw
				continue
			}
		}
		if starP < 0 {
			return false
		}
		// backtrack: let the last '*' absorb one more rune
		_, nw := utf8.DecodeRuneInString(name[starN:])
		starN += nw
		n = starN
		p = starP + 1
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
