package worker

import "testing"

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		line   string
		isExpr bool
	}{
		{"a == b", true},
		{"f(x)", false},      // function-call form: a statement, its value is not echoed
		{"assert(x)", false}, // "assert" keyword prefix wins even without a space before '('
		{"x := 1", true},     // not valid assignment syntax, so it falls through as an expression attempt
		{"x = 1", false},
		{"if x:", false},
		{"for i in range(3):", false},
		{"!ls -la", false},
		{"", false},
		{"   ", false},
		{"return 1", false},
		{"x.y.z()", false}, // attribute-chain call is still a call form
	}
	for _, c := range cases {
		got := ClassifyLine(c.line)
		if got != c.isExpr {
			t.Errorf("ClassifyLine(%q) = %v, want %v", c.line, got, c.isExpr)
		}
	}
}
