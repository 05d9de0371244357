package worker

import "strings"

// ClassifyLine reports whether a single logical line of cell source is a
// statement or a bare expression, the distinction the evaluator needs to
// decide whether a top-level line's value should be auto-displayed the way
// a REPL echoes an expression result. parseSimple calls this once per line
// at parse time to tag ExprStmt.IsExpr; it is kept as a pure function over
// the raw text, independent of the rest of parseCell's state, so it can
// also be golden-tested on its own and reused anywhere else a line needs
// classifying without running the full parser.
func ClassifyLine(line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false // empty lines carry no expression value either way
	}
	if strings.HasPrefix(text, "!") {
		return false // shell escape
	}
	for _, kw := range KnownReservedKeywords {
		if !strings.HasPrefix(text, kw) {
			continue
		}
		rest := text[len(kw):]
		if rest == "" || !isIdentPart(rune(rest[0])) {
			return false
		}
	}
	if name, _, ok := splitAssign(text); ok && name != "" {
		return false
	}
	// A function-call form is treated as a statement: it runs once through
	// exec and its return value is not echoed as the cell's result.
	if strings.Contains(text, "(") && strings.Contains(text, ")") {
		return false
	}
	return true
}

// KnownReservedKeywords lists the keywords that make a line a statement
// rather than an expression, mirroring workerproto.KnownReservedKeywords so
// classify.go doesn't need to import workerproto just for this list.
var KnownReservedKeywords = []string{
	"import", "from", "def", "class", "if", "elif", "else", "for", "while",
	"try", "except", "finally", "with", "assert", "del", "global",
	"nonlocal", "pass", "break", "continue", "return", "raise", "yield",
}
