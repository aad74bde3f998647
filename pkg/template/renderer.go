package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope is the variable environment a template renders against. Roots
// are top-level names (inputs, steps, ctx, item, loop, nodes).
type Scope map[string]any

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Render evaluates all {{ expr }} placeholders in s. When s is exactly
// one placeholder the expression's typed value is returned; otherwise
// the substitutions are concatenated into a string. A string without
// placeholders is returned unchanged.
func Render(s string, scope Scope) (any, error) {
	if !strings.Contains(s, openDelim) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) {
		inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
		if !strings.Contains(inner, closeDelim) {
			return Eval(strings.TrimSpace(inner), scope)
		}
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(openDelim):]

		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return nil, fmt.Errorf("unterminated %q in template", openDelim)
		}
		val, err := Eval(strings.TrimSpace(rest[:end]), scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[end+len(closeDelim):]
	}
}

// RenderValue renders v recursively: strings are rendered, maps and
// slices are walked, everything else passes through untouched.
func RenderValue(v any, scope Scope) (any, error) {
	switch tv := v.(type) {
	case string:
		return Render(tv, scope)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			rendered, err := RenderValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			rendered, err := RenderValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvalBool renders s and interprets the result as a boolean guard
func EvalBool(s string, scope Scope) (bool, error) {
	val, err := Render(s, scope)
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}

// RenderSequence renders s and requires the result to be a finite
// sequence, as needed by step loop expressions.
func RenderSequence(s string, scope Scope) ([]any, error) {
	val, err := Render(s, scope)
	if err != nil {
		return nil, err
	}
	switch seq := val.(type) {
	case []any:
		return seq, nil
	case []string:
		out := make([]any, len(seq))
		for i, e := range seq {
			out[i] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("loop expression %q rendered to %T, not a sequence", s, val)
	}
}

// Eval evaluates a single expression: a dotted path, a literal, an
// optional "not", or a binary comparison. No method calls, no arbitrary
// evaluation; unknown references fail.
func Eval(expr string, scope Scope) (any, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	if toks[0].kind == tokIdent && toks[0].text == "not" {
		val, err := evalOperandSeq(toks[1:], expr, scope)
		if err != nil {
			return nil, err
		}
		return !Truthy(val), nil
	}

	opIdx := -1
	for i, t := range toks {
		if t.kind == tokOp {
			if opIdx >= 0 {
				return nil, fmt.Errorf("expression %q has more than one operator", expr)
			}
			opIdx = i
		}
	}

	if opIdx < 0 {
		return evalOperandSeq(toks, expr, scope)
	}

	left, err := evalOperandSeq(toks[:opIdx], expr, scope)
	if err != nil {
		return nil, err
	}
	right, err := evalOperandSeq(toks[opIdx+1:], expr, scope)
	if err != nil {
		return nil, err
	}
	return compare(toks[opIdx].text, left, right)
}

func evalOperandSeq(toks []token, expr string, scope Scope) (any, error) {
	if len(toks) != 1 {
		return nil, fmt.Errorf("malformed expression %q", expr)
	}
	return evalOperand(toks[0], scope)
}

func evalOperand(t token, scope Scope) (any, error) {
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return int(i), nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number literal %q", t.text)
		}
		return f, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "none":
			return nil, nil
		}
		return lookupPath(t.text, scope)
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

// lookupPath walks a dotted path with optional [n] index segments
func lookupPath(p string, scope Scope) (any, error) {
	segs, err := splitPath(p)
	if err != nil {
		return nil, err
	}

	var cur any = map[string]any(scope)
	for i, seg := range segs {
		if seg.index >= 0 {
			list, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index %s: not a sequence", strings.Join(pathNames(segs[:i]), "."))
			}
			if seg.index >= len(list) {
				return nil, fmt.Errorf("index %d out of range in %q", seg.index, p)
			}
			cur = list[seg.index]
			continue
		}

		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unknown reference %q", p)
		}
		next, ok := m[seg.name]
		if !ok {
			return nil, fmt.Errorf("unknown reference %q", p)
		}
		cur = next
	}
	return cur, nil
}

type pathSeg struct {
	name  string
	index int // -1 for name segments
}

func pathNames(segs []pathSeg) []string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		if s.index < 0 {
			out = append(out, s.name)
		}
	}
	return out
}

func splitPath(p string) ([]pathSeg, error) {
	var segs []pathSeg
	for _, part := range strings.Split(p, ".") {
		if part == "" {
			return nil, fmt.Errorf("malformed path %q", p)
		}
		for {
			open := strings.Index(part, "[")
			if open < 0 {
				if part != "" {
					segs = append(segs, pathSeg{name: part, index: -1})
				}
				break
			}
			if open > 0 {
				segs = append(segs, pathSeg{name: part[:open], index: -1})
			}
			closeIdx := strings.Index(part, "]")
			if closeIdx < open {
				return nil, fmt.Errorf("malformed index in path %q", p)
			}
			idx, err := strconv.Atoi(part[open+1 : closeIdx])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("malformed index in path %q", p)
			}
			segs = append(segs, pathSeg{index: idx})
			part = part[closeIdx+1:]
			if part == "" {
				break
			}
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("malformed path %q", p)
	}
	return segs, nil
}

// Truthy interprets a rendered value as a boolean
func Truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	case int:
		return tv != 0
	case int64:
		return tv != 0
	case float64:
		return tv != 0
	case []any:
		return len(tv) > 0
	case map[string]any:
		return len(tv) > 0
	default:
		return true
	}
}

func compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, fmt.Errorf("cannot compare %T and %T with %s", left, right, op)
}

func equal(left, right any) bool {
	if lf, ok := asFloat(left); ok {
		if rf, ok := asFloat(right); ok {
			return lf == rf
		}
		return false
	}
	return left == right
}

func asFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	default:
		return fmt.Sprintf("%v", tv)
	}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string in %q", expr)
			}
			toks = append(toks, token{kind: tokString, text: expr[i+1 : i+1+end]})
			i += end + 2
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if i+1 < len(expr) && expr[i+1] == '=' {
				op += "="
				i++
			}
			i++
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("bad operator %q in %q", op, expr)
			}
			toks = append(toks, token{kind: tokOp, text: op})
		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: expr[i:j]})
			i = j
		case isIdentByte(c):
			j := i + 1
			for j < len(expr) && (isIdentByte(expr[j]) || expr[j] == '.' || expr[j] == '[' || expr[j] == ']') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: expr[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in %q", string(c), expr)
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
