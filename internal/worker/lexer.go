package worker

import (
	"strconv"
	"strings"
)

// This file implements a small hand-written lexer for the cell language, a
// Python-like subset: tokenize each logical line, then build a parse tree
// over an indentation-grouped set of lines. The standard library's
// go/parser only understands Go, so cell source gets its own tokenizer.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokKeyword
)

type token struct {
	kind tokenKind
	text string
	num  float64
	isInt bool
}

var keywords = map[string]bool{}

func init() {
	for _, kw := range []string{
		"import", "from", "def", "class", "if", "elif", "else", "for", "while",
		"try", "except", "finally", "with", "assert", "del", "global",
		"nonlocal", "pass", "break", "continue", "return", "raise", "yield",
		"and", "or", "not", "in", "True", "False", "None",
	} {
		keywords[kw] = true
	}
}

// lex tokenizes a single logical line (no newlines inside).
func lex(line string) ([]token, error) {
	var toks []token
	r := []rune(line)
	i := 0
	n := len(r)
	for i < n {
		c := r[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '#':
			i = n // comment runs to end of line
		case isDigit(c):
			start := i
			isFloat := false
			for i < n && (isDigit(r[i]) || r[i] == '.') {
				if r[i] == '.' {
					isFloat = true
				}
				i++
			}
			text := string(r[start:i])
			f, _ := strconv.ParseFloat(text, 64)
			toks = append(toks, token{kind: tokNumber, text: text, num: f, isInt: !isFloat})
		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(r[i]) {
				i++
			}
			text := string(r[start:i])
			if keywords[text] {
				toks = append(toks, token{kind: tokKeyword, text: text})
			} else {
				toks = append(toks, token{kind: tokIdent, text: text})
			}
		case c == '"' || c == '\'':
			quote := c
			i++
			var sb strings.Builder
			for i < n && r[i] != quote {
				if r[i] == '\\' && i+1 < n {
					i++
					switch r[i] {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					case '\\':
						sb.WriteRune('\\')
					case quote:
						sb.WriteRune(quote)
					default:
						sb.WriteRune(r[i])
					}
					i++
					continue
				}
				sb.WriteRune(r[i])
				i++
			}
			i++ // skip closing quote
			toks = append(toks, token{kind: tokString, text: sb.String()})
		default:
			// Operators, possibly multi-character.
			two := ""
			if i+1 < n {
				two = string(r[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=", "//", "**":
				toks = append(toks, token{kind: tokOp, text: two})
				i += 2
				continue
			}
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		}
	}
	return toks, nil
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }
func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isIdentPart(c rune) bool { return isIdentStart(c) || isDigit(c) }
