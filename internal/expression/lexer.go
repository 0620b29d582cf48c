package expression

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lex(src string) ([]token, error) {
	var (
		toks []token
		rs   = []rune(src)
	)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case isIdentStart(r):
			start := i
			for i < len(rs) && isIdentPart(rs[i]) {
				i++
			}
			text := string(rs[start:i])
			if strings.HasSuffix(text, ".") || strings.Contains(text, "..") {
				return nil, fmt.Errorf("malformed path %q at %d", text, start)
			}
			toks = append(toks, token{kind: tokIdent, text: text, pos: start})
		case unicode.IsDigit(r):
			start := i
			seenDot := false
			for i < len(rs) && (unicode.IsDigit(rs[i]) || (rs[i] == '.' && !seenDot)) {
				if rs[i] == '.' {
					seenDot = true
				}
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[start:i]), pos: start})
		case r == '"' || r == '\'':
			start := i
			i++
			var sb strings.Builder
			for {
				if i >= len(rs) {
					return nil, fmt.Errorf("unterminated string at %d", start)
				}
				if rs[i] == '\\' && i+1 < len(rs) {
					sb.WriteRune(rs[i+1])
					i += 2
					continue
				}
				if rs[i] == r {
					i++
					break
				}
				sb.WriteRune(rs[i])
				i++
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})
		default:
			matched := false
			if i+1 < len(rs) {
				pair := string(rs[i : i+2])
				for _, op := range twoCharOps {
					if pair == op {
						toks = append(toks, token{kind: tokOp, text: op, pos: i})
						i += 2
						matched = true
						break
					}
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune("<>!()[],-", r) {
				toks = append(toks, token{kind: tokOp, text: string(r), pos: i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}
