package worker

import (
	"strings"

	"github.com/pkg/errors"
)

// parseCell splits cell source into physical lines, groups them into a
// block tree by indentation, and recursive-descends over tokens to build
// the statement list. Blank lines and comment-only lines are dropped
// before grouping.
func parseCell(source string) ([]Stmt, error) {
	var lines []sourceLine
	for i, raw := range strings.Split(source, "\n") {
		trimmed := strings.TrimRight(raw, " \t\r")
		stripped := strings.TrimLeft(trimmed, " \t")
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		lines = append(lines, sourceLine{indent: indentOf(trimmed), text: stripped, lineNo: i})
	}
	p := &blockParser{lines: lines}
	stmts, err := p.parseBlock(0)
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.lines) {
		return nil, errors.Errorf("line %d: unexpected indentation", p.lines[p.pos].lineNo+1)
	}
	return stmts, nil
}

type blockParser struct {
	lines []sourceLine
	pos   int
}

func (p *blockParser) peek() (sourceLine, bool) {
	if p.pos >= len(p.lines) {
		return sourceLine{}, false
	}
	return p.lines[p.pos], true
}

// parseBlock consumes every line whose indent equals the first line's
// indent (which must be >= minIndent), recursing into a nested block
// whenever a compound-statement header (trailing ':') is found.
func (p *blockParser) parseBlock(minIndent int) ([]Stmt, error) {
	first, ok := p.peek()
	if !ok {
		return nil, nil
	}
	if first.indent < minIndent {
		return nil, errors.Errorf("line %d: expected indented block", first.lineNo+1)
	}
	blockIndent := first.indent
	var stmts []Stmt
	for {
		line, ok := p.peek()
		if !ok || line.indent < blockIndent {
			break
		}
		if line.indent > blockIndent {
			return nil, errors.Errorf("line %d: unexpected indentation", line.lineNo+1)
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func (p *blockParser) parseStatement() (Stmt, error) {
	line := p.lines[p.pos]
	text := line.text

	switch {
	case strings.HasPrefix(text, "!"):
		p.pos++
		return &ShellStmt{stmtBase{line.lineNo}, strings.TrimSpace(text[1:])}, nil
	case text == "pass":
		p.pos++
		return &PassStmt{stmtBase{line.lineNo}}, nil
	case text == "break":
		p.pos++
		return &BreakStmt{stmtBase{line.lineNo}}, nil
	case text == "continue":
		p.pos++
		return &ContinueStmt{stmtBase{line.lineNo}}, nil
	case text == "return" || strings.HasPrefix(text, "return "):
		p.pos++
		rest := strings.TrimSpace(strings.TrimPrefix(text, "return"))
		if rest == "" {
			return &ReturnStmt{stmtBase: stmtBase{line.lineNo}}, nil
		}
		x, err := parseExprString(rest)
		if err != nil {
			return nil, err
		}
		return &ReturnStmt{stmtBase{line.lineNo}, x}, nil
	case strings.HasPrefix(text, "assert "):
		p.pos++
		x, err := parseExprString(strings.TrimSpace(text[len("assert "):]))
		if err != nil {
			return nil, err
		}
		return &AssertStmt{stmtBase{line.lineNo}, x}, nil
	case strings.HasPrefix(text, "import "):
		p.pos++
		return &ImportStmt{stmtBase{line.lineNo}, strings.TrimSpace(text[len("import "):])}, nil
	case strings.HasPrefix(text, "if ") && strings.HasSuffix(text, ":"):
		return p.parseIf()
	case strings.HasPrefix(text, "while ") && strings.HasSuffix(text, ":"):
		return p.parseWhile()
	case strings.HasPrefix(text, "for ") && strings.HasSuffix(text, ":"):
		return p.parseFor()
	case strings.HasPrefix(text, "def ") && strings.HasSuffix(text, ":"):
		return p.parseDef()
	default:
		return p.parseSimple(line)
	}
}

func (p *blockParser) parseSimple(line sourceLine) (Stmt, error) {
	p.pos++
	if name, rhs, ok := splitAssign(line.text); ok {
		x, err := parseExprString(rhs)
		if err != nil {
			return nil, err
		}
		return &AssignStmt{stmtBase{line.lineNo}, name, x}, nil
	}
	x, err := parseExprString(line.text)
	if err != nil {
		return nil, err
	}
	return &ExprStmt{stmtBase{line.lineNo}, x, ClassifyLine(line.text)}, nil
}

// splitAssign recognizes `name = expr` at the top level (not `==`, not
// inside parens/brackets, not a keyword-argument inside a call).
func splitAssign(text string) (name, rhs string, ok bool) {
	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			if i+1 < len(text) && text[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && (text[i-1] == '!' || text[i-1] == '<' || text[i-1] == '>') {
				continue
			}
			lhs := strings.TrimSpace(text[:i])
			if !isValidName(lhs) {
				return "", "", false
			}
			return lhs, strings.TrimSpace(text[i+1:]), true
		}
	}
	return "", "", false
}

func isValidName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if i == 0 && !isIdentStart(c) {
			return false
		}
		if i > 0 && !isIdentPart(c) {
			return false
		}
	}
	return true
}

func (p *blockParser) parseIf() (*IfStmt, error) {
	line := p.lines[p.pos]
	cond, err := parseExprString(strings.TrimSuffix(strings.TrimSpace(line.text[len("if "):]), ":"))
	if err != nil {
		return nil, err
	}
	p.pos++
	body, err := p.parseBlock(line.indent + 1)
	if err != nil {
		return nil, err
	}
	stmt := &IfStmt{stmtBase: stmtBase{line.lineNo}, Cond: cond, Body: body}
	for {
		next, ok := p.peek()
		if !ok || next.indent != line.indent {
			break
		}
		if strings.HasPrefix(next.text, "elif ") && strings.HasSuffix(next.text, ":") {
			econd, err := parseExprString(strings.TrimSuffix(strings.TrimSpace(next.text[len("elif "):]), ":"))
			if err != nil {
				return nil, err
			}
			p.pos++
			ebody, err := p.parseBlock(line.indent + 1)
			if err != nil {
				return nil, err
			}
			stmt.ElseIfs = append(stmt.ElseIfs, struct {
				Cond Expr
				Body []Stmt
			}{econd, ebody})
			continue
		}
		if next.text == "else:" {
			p.pos++
			ebody, err := p.parseBlock(line.indent + 1)
			if err != nil {
				return nil, err
			}
			stmt.Else = ebody
		}
		break
	}
	return stmt, nil
}

func (p *blockParser) parseWhile() (*WhileStmt, error) {
	line := p.lines[p.pos]
	cond, err := parseExprString(strings.TrimSuffix(strings.TrimSpace(line.text[len("while "):]), ":"))
	if err != nil {
		return nil, err
	}
	p.pos++
	body, err := p.parseBlock(line.indent + 1)
	if err != nil {
		return nil, err
	}
	return &WhileStmt{stmtBase{line.lineNo}, cond, body}, nil
}

// parseFor only supports `for x in range(...)`, the common notebook idiom;
// arbitrary-iterable for-loops are out of scope (see Non-goals).
func (p *blockParser) parseFor() (*ForStmt, error) {
	line := p.lines[p.pos]
	header := strings.TrimSuffix(strings.TrimSpace(line.text[len("for "):]), ":")
	parts := strings.SplitN(header, " in ", 2)
	if len(parts) != 2 {
		return nil, errors.Errorf("line %d: expected 'for VAR in range(...)'", line.lineNo+1)
	}
	varName := strings.TrimSpace(parts[0])
	rangeExpr, err := parseExprString(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	call, ok := rangeExpr.(*CallExpr)
	if !ok {
		return nil, errors.Errorf("line %d: for-loops only support range(...)", line.lineNo+1)
	}
	if fn, ok := call.Fn.(*NameExpr); !ok || fn.Name != "range" {
		return nil, errors.Errorf("line %d: for-loops only support range(...)", line.lineNo+1)
	}
	start, stop, step := 0, 0, 1
	switch len(call.Args) {
	case 1:
		stop = mustConstInt(call.Args[0])
	case 2:
		start = mustConstInt(call.Args[0])
		stop = mustConstInt(call.Args[1])
	case 3:
		start = mustConstInt(call.Args[0])
		stop = mustConstInt(call.Args[1])
		step = mustConstInt(call.Args[2])
	default:
		return nil, errors.Errorf("line %d: range() takes 1 to 3 arguments", line.lineNo+1)
	}
	p.pos++
	body, err := p.parseBlock(line.indent + 1)
	if err != nil {
		return nil, err
	}
	return &ForStmt{stmtBase{line.lineNo}, varName, start, stop, step, body}, nil
}

func mustConstInt(e Expr) int {
	if n, ok := e.(*NumberLit); ok {
		return int(n.Value)
	}
	return 0
}

func (p *blockParser) parseDef() (*FuncDef, error) {
	line := p.lines[p.pos]
	header := strings.TrimSuffix(strings.TrimSpace(line.text[len("def "):]), ":")
	open := strings.Index(header, "(")
	close := strings.LastIndex(header, ")")
	if open < 0 || close < open {
		return nil, errors.Errorf("line %d: malformed def header", line.lineNo+1)
	}
	name := strings.TrimSpace(header[:open])
	var params []string
	paramList := strings.TrimSpace(header[open+1 : close])
	if paramList != "" {
		for _, p := range strings.Split(paramList, ",") {
			params = append(params, strings.TrimSpace(p))
		}
	}
	p.pos++
	body, err := p.parseBlock(line.indent + 1)
	if err != nil {
		return nil, err
	}
	return &FuncDef{stmtBase{line.lineNo}, name, params, body}, nil
}
