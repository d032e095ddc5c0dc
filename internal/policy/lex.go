package policy

import (
	"strings"

	"github.com/pkg/errors"
)

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkIdent
	tkString
	tkNumber
	tkLParen
	tkRParen
	tkLBracket
	tkRBracket
	tkComma
	tkPlus
	tkEq
	tkNe
	tkLt
	tkLe
	tkGt
	tkGe
	tkAnd
	tkOr
	tkNot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdent(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func lex(src string) ([]token, error) {
	var tokens []token

	i := 0
	for i < len(src) {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdent(src[i]) {
				i++
			}
			tokens = append(tokens, token{tkIdent, src[start:i], start})

		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
			tokens = append(tokens, token{tkNumber, src[start:i], start})

		case c == '\'':
			end := strings.IndexByte(src[i+1:], '\'')
			if end < 0 {
				return nil, errors.Errorf("unterminated string at offset %d", i)
			}
			tokens = append(tokens, token{tkString, src[i+1 : i+1+end], i})
			i += end + 2

		case c == '(':
			tokens = append(tokens, token{tkLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tkRParen, ")", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tkLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tkRBracket, "]", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tkComma, ",", i})
			i++
		case c == '+':
			tokens = append(tokens, token{tkPlus, "+", i})
			i++

		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, errors.Errorf("unexpected '=' at offset %d", i)
			}
			tokens = append(tokens, token{tkEq, "==", i})
			i += 2

		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tkNot, "!", i})
				i++
			}

		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tkLe, "<=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tkLt, "<", i})
				i++
			}

		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tkGe, ">=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tkGt, ">", i})
				i++
			}

		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, errors.Errorf("unexpected '&' at offset %d", i)
			}
			tokens = append(tokens, token{tkAnd, "&&", i})
			i += 2

		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, errors.Errorf("unexpected '|' at offset %d", i)
			}
			tokens = append(tokens, token{tkOr, "||", i})
			i += 2

		default:
			return nil, errors.Errorf("unexpected character '%c' at offset %d", c, i)
		}
	}

	tokens = append(tokens, token{tkEOF, "", len(src)})

	return tokens, nil
}
