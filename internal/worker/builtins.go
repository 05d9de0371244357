package worker

import (
	"strconv"
	"strings"

	"github.com/nimbusnb/nimbus/internal/worker/displayapi"
	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// builtinNames are the handful of built-in functions the cell language
// exposes directly, independent of anything imported or user-defined.
var builtinNames = map[string]bool{
	"print": true, "len": true, "str": true, "int": true, "float": true,
	"abs": true, "min": true, "max": true, "range": true, "round": true,
	"figure": true, "display_html": true, "display_markdown": true, "display_svg": true,
}

func isBuiltin(name string) bool { return builtinNames[name] }

func callBuiltin(e *Evaluator, name string, args []any) (any, error) {
	out := e.out
	switch name {
	case "print":
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = toDisplayString(a)
		}
		out.Stream(workerproto.StreamStdout, strings.Join(parts, " ")+"\n")
		return nil, nil
	case "len":
		if len(args) != 1 {
			return nil, newError("TypeError", "len() takes exactly one argument")
		}
		switch v := args[0].(type) {
		case []any:
			return float64(len(v)), nil
		case string:
			return float64(len([]rune(v))), nil
		default:
			return nil, newError("TypeError", "object of type %s has no len()", typeName(v))
		}
	case "str":
		if len(args) != 1 {
			return nil, newError("TypeError", "str() takes exactly one argument")
		}
		return toDisplayString(args[0]), nil
	case "int":
		if len(args) != 1 {
			return nil, newError("TypeError", "int() takes exactly one argument")
		}
		return toInt(args[0])
	case "float":
		if len(args) != 1 {
			return nil, newError("TypeError", "float() takes exactly one argument")
		}
		return toFloat(args[0])
	case "abs":
		f, err := asNumber1(args)
		if err != nil {
			return nil, err
		}
		if f < 0 {
			return -f, nil
		}
		return f, nil
	case "round":
		f, err := asNumber1(args)
		if err != nil {
			return nil, err
		}
		return float64(int64(f + 0.5*sign(f))), nil
	case "min", "max":
		return minMax(name, args)
	case "range":
		return rangeBuiltin(args)
	case "figure":
		if len(args) != 0 {
			return nil, newError("TypeError", "figure() takes no arguments")
		}
		fb := &figureBuilder{}
		e.trackFigure(fb)
		return fb, nil
	case "display_html":
		s, err := oneString(name, args)
		if err != nil {
			return nil, err
		}
		out.Display(displayapi.HTML(s))
		return nil, nil
	case "display_markdown":
		s, err := oneString(name, args)
		if err != nil {
			return nil, err
		}
		out.Display(displayapi.Markdown(s))
		return nil, nil
	case "display_svg":
		s, err := oneString(name, args)
		if err != nil {
			return nil, err
		}
		out.Display(displayapi.SVG(s))
		return nil, nil
	default:
		return nil, newError("NameError", "name %q is not defined", name)
	}
}

func oneString(fname string, args []any) (string, error) {
	if len(args) != 1 {
		return "", newError("TypeError", "%s() takes exactly one argument", fname)
	}
	s, ok := args[0].(string)
	if !ok {
		return "", newError("TypeError", "%s() expects a string", fname)
	}
	return s, nil
}

func asNumber1(args []any) (float64, error) {
	if len(args) != 1 {
		return 0, newError("TypeError", "expected exactly one argument")
	}
	return asNumber(args[0])
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return float64(int64(x)), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, newError("ValueError", "invalid literal for int(): %q", x)
		}
		return float64(int64(f)), nil
	case bool:
		if x {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, newError("TypeError", "int() argument must be a string or a number")
	}
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, newError("ValueError", "could not convert string to float: %q", x)
		}
		return f, nil
	default:
		return nil, newError("TypeError", "float() argument must be a string or a number")
	}
}

func minMax(name string, args []any) (any, error) {
	vals := args
	if len(vals) == 1 {
		list, ok := vals[0].([]any)
		if !ok {
			return nil, newError("TypeError", "%s() argument must be a list when called with one argument", name)
		}
		vals = list
	}
	if len(vals) == 0 {
		return nil, newError("ValueError", "%s() arg is an empty sequence", name)
	}
	best, err := asNumber(vals[0])
	if err != nil {
		return nil, err
	}
	for _, v := range vals[1:] {
		f, err := asNumber(v)
		if err != nil {
			return nil, err
		}
		if (name == "min" && f < best) || (name == "max" && f > best) {
			best = f
		}
	}
	return best, nil
}

func rangeBuiltin(args []any) (any, error) {
	start, stop, step := 0, 0, 1
	toI := func(v any) (int, error) {
		f, err := asNumber(v)
		if err != nil {
			return 0, err
		}
		return int(f), nil
	}
	switch len(args) {
	case 1:
		n, err := toI(args[0])
		if err != nil {
			return nil, err
		}
		stop = n
	case 2:
		n, err := toI(args[0])
		if err != nil {
			return nil, err
		}
		start = n
		n, err = toI(args[1])
		if err != nil {
			return nil, err
		}
		stop = n
	case 3:
		n, err := toI(args[0])
		if err != nil {
			return nil, err
		}
		start = n
		n, err = toI(args[1])
		if err != nil {
			return nil, err
		}
		stop = n
		n, err = toI(args[2])
		if err != nil {
			return nil, err
		}
		step = n
	default:
		return nil, newError("TypeError", "range() takes 1 to 3 arguments")
	}
	if step == 0 {
		return nil, newError("ValueError", "range() arg 3 must not be zero")
	}
	var out []any
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		out = append(out, float64(i))
	}
	return out, nil
}
