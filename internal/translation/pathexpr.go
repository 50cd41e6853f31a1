package translation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expression is a compiled selector over a clinical-data bundle. Expressions
// navigate map[string]interface{} resources the way a decoded JSON document
// lays them out. Compiled expressions are immutable and safe for concurrent
// use.
type Expression struct {
	src string
	ast *exprNode
}

// Compile parses an expression once so repeated evaluations skip the parse.
func Compile(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, newSchemaError("empty expression")
	}
	tokens, err := scan(src)
	if err != nil {
		return nil, newSchemaError("scan %q: %v", src, err)
	}
	p := &exprParser{tokens: tokens}
	ast, err := p.parseExpr(0)
	if err != nil {
		return nil, newSchemaError("parse %q: %v", src, err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, newSchemaError("parse %q: trailing token %q", src, tok.text)
	}
	return &Expression{src: src, ast: ast}, nil
}

// String returns the source text the expression was compiled from.
func (e *Expression) String() string { return e.src }

// Scope carries everything an evaluation can reference: the whole bundle,
// the current focus resource, and the named constants in effect.
type Scope struct {
	Bundle    map[string]interface{}
	Focus     map[string]interface{}
	Constants map[string]string
}

// Evaluate runs the expression against the scope's focus resource and returns
// the resulting collection. An empty collection means the path resolved to
// nothing.
func (e *Expression) Evaluate(scope Scope) ([]interface{}, error) {
	ev := &evaluator{scope: scope}
	out, err := ev.eval(e.ast, []interface{}{scope.Focus})
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", e.src, err)
	}
	return out, nil
}

// EvaluateString returns the first result rendered as a string, "" when the
// collection is empty.
func (e *Expression) EvaluateString(scope Scope) (string, error) {
	out, err := e.Evaluate(scope)
	if err != nil {
		return "", err
	}
	if len(out) == 0 || out[0] == nil {
		return "", nil
	}
	return stringify(out[0]), nil
}

// EvaluateBool applies singleton-collection truthiness: empty is false, a
// lone boolean is itself, anything else non-empty is true.
func (e *Expression) EvaluateBool(scope Scope) (bool, error) {
	out, err := e.Evaluate(scope)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// EvaluateResources returns the result filtered down to resource maps,
// which is what focus-resource selectors yield.
func (e *Expression) EvaluateResources(scope Scope) ([]map[string]interface{}, error) {
	out, err := e.Evaluate(scope)
	if err != nil {
		return nil, err
	}
	var resources []map[string]interface{}
	for _, item := range out {
		if m, ok := item.(map[string]interface{}); ok {
			resources = append(resources, m)
		}
	}
	return resources, nil
}

// ---------------------------------------------------------------------------
// Scanner
// ---------------------------------------------------------------------------

type tokKind int

const (
	tokIdent tokKind = iota
	tokConst         // %name
	tokNumber
	tokString
	tokDot
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
	tokEq
	tokNe
	tokLt
	tokGt
	tokLe
	tokGe
	tokPipe
	tokEOF
)

type exprToken struct {
	kind tokKind
	text string
	pos  int
}

func scan(input string) ([]exprToken, error) {
	var tokens []exprToken
	i, n := 0, len(input)

	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, exprToken{tokDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, exprToken{tokLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, exprToken{tokRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, exprToken{tokLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, exprToken{tokRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, exprToken{tokComma, ",", start})
			i++
		case ch == '|':
			tokens = append(tokens, exprToken{tokPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, exprToken{tokEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, exprToken{tokNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at %d", start)
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, exprToken{tokLe, "<=", start})
				i += 2
			} else {
				tokens = append(tokens, exprToken{tokLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, exprToken{tokGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, exprToken{tokGt, ">", start})
				i++
			}
		case ch == '\'':
			i++
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
				}
				sb.WriteByte(input[i])
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			i++
			tokens = append(tokens, exprToken{tokString, sb.String(), start})
		case ch == '%':
			i++
			j := i
			for j < n && identByte(input[j]) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("empty constant name at %d", start)
			}
			tokens = append(tokens, exprToken{tokConst, input[i:j], start})
			i = j
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j += 2
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, exprToken{tokNumber, input[i:j], start})
			i = j
		case identByte(ch):
			j := i
			for j < n && identByte(input[j]) {
				j++
			}
			tokens = append(tokens, exprToken{tokIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", string(ch), start)
		}
	}

	tokens = append(tokens, exprToken{tokEOF, "", n})
	return tokens, nil
}

func identByte(b byte) bool {
	return b == '_' || b == '-' || unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type exprNodeKind int

const (
	ndLiteral exprNodeKind = iota
	ndConst                // %name
	ndPath                 // bare identifier
	ndDot                  // a.b
	ndIndex                // a[n]
	ndCall                 // a.fn(args...) or fn(args...)
	ndCompare              // = != < > <= >=
	ndAnd
	ndOr
	ndUnion
)

type exprNode struct {
	kind     exprNodeKind
	value    interface{} // literal value, identifier, operator, or function name
	children []*exprNode
}

type exprParser struct {
	tokens []exprToken
	pos    int
}

func (p *exprParser) peek() exprToken {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return exprToken{kind: tokEOF}
}

func (p *exprParser) next() exprToken {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) expect(kind tokKind) (exprToken, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q at %d", t.text, t.pos)
	}
	return t, nil
}

// Precedence, lowest first: or, and, |, comparisons, postfix.
func (p *exprParser) parseExpr(minPrec int) (*exprNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, op := infix(tok)
		if prec < minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &exprNode{kind: kind, children: []*exprNode{left, right}}
		if kind == ndCompare {
			node.value = op
		}
		left = node
	}
}

func infix(tok exprToken) (int, exprNodeKind, string) {
	switch {
	case tok.kind == tokIdent && tok.text == "or":
		return 1, ndOr, "or"
	case tok.kind == tokIdent && tok.text == "and":
		return 2, ndAnd, "and"
	case tok.kind == tokPipe:
		return 3, ndUnion, "|"
	case tok.kind == tokEq:
		return 4, ndCompare, "="
	case tok.kind == tokNe:
		return 4, ndCompare, "!="
	case tok.kind == tokLt:
		return 4, ndCompare, "<"
	case tok.kind == tokGt:
		return 4, ndCompare, ">"
	case tok.kind == tokLe:
		return 4, ndCompare, "<="
	case tok.kind == tokGe:
		return 4, ndCompare, ">="
	}
	return -1, 0, ""
}

func (p *exprParser) parsePostfix() (*exprNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			ident, err := p.expect(tokIdent)
			if err != nil {
				return nil, fmt.Errorf("expected identifier after '.': %w", err)
			}
			if p.peek().kind == tokLParen {
				p.next()
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(tokRParen); err != nil {
					return nil, err
				}
				node = &exprNode{kind: ndCall, value: ident.text, children: append([]*exprNode{node}, args...)}
			} else {
				field := &exprNode{kind: ndPath, value: ident.text}
				node = &exprNode{kind: ndDot, children: []*exprNode{node, field}}
			}
		case tokLBrack:
			p.next()
			idxTok, err := p.expect(tokNumber)
			if err != nil {
				return nil, fmt.Errorf("expected index: %w", err)
			}
			if _, err := p.expect(tokRBrack); err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(idxTok.text)
			if err != nil {
				return nil, fmt.Errorf("bad index %q", idxTok.text)
			}
			node = &exprNode{kind: ndIndex, value: idx, children: []*exprNode{node}}
		default:
			return node, nil
		}
	}
}

func (p *exprParser) parsePrimary() (*exprNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tokString:
		return &exprNode{kind: ndLiteral, value: tok.text}, nil

	case tokNumber:
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad decimal %q", tok.text)
			}
			return &exprNode{kind: ndLiteral, value: f}, nil
		}
		v, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", tok.text)
		}
		return &exprNode{kind: ndLiteral, value: v}, nil

	case tokConst:
		return &exprNode{kind: ndConst, value: tok.text}, nil

	case tokIdent:
		switch tok.text {
		case "true":
			return &exprNode{kind: ndLiteral, value: true}, nil
		case "false":
			return &exprNode{kind: ndLiteral, value: false}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen); err != nil {
				return nil, err
			}
			return &exprNode{kind: ndCall, value: tok.text, children: append([]*exprNode{nil}, args...)}, nil
		}
		return &exprNode{kind: ndPath, value: tok.text}, nil

	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at %d", tok.text, tok.pos)
	}
}

func (p *exprParser) parseArgs() ([]*exprNode, error) {
	var args []*exprNode
	if p.peek().kind == tokRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tokComma {
			return args, nil
		}
		p.next()
	}
}

// ---------------------------------------------------------------------------
// Evaluator
// ---------------------------------------------------------------------------

type evaluator struct {
	scope Scope
}

func (ev *evaluator) eval(node *exprNode, input []interface{}) ([]interface{}, error) {
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndConst:
		return ev.evalConst(node.value.(string))

	case ndPath:
		return ev.evalPath(node.value.(string), input)

	case ndDot:
		left, err := ev.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ev.eval(node.children[1], left)

	case ndIndex:
		coll, err := ev.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := node.value.(int)
		if idx < 0 || idx >= len(coll) {
			return nil, nil
		}
		return []interface{}{coll[idx]}, nil

	case ndCall:
		return ev.evalCall(node, input)

	case ndCompare:
		return ev.evalCompare(node, input)

	case ndAnd:
		left, err := ev.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return []interface{}{false}, nil
		}
		right, err := ev.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return []interface{}{truthy(right)}, nil

	case ndOr:
		left, err := ev.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return []interface{}{true}, nil
		}
		right, err := ev.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return []interface{}{truthy(right)}, nil

	case ndUnion:
		left, err := ev.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ev.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

// evalConst resolves %name. The reserved names %resource and %bundle address
// the focus resource and the whole bundle; anything else looks up the
// constants in scope, which hold plain string values.
func (ev *evaluator) evalConst(name string) ([]interface{}, error) {
	switch name {
	case "resource":
		if ev.scope.Focus == nil {
			return nil, nil
		}
		return []interface{}{ev.scope.Focus}, nil
	case "bundle":
		if ev.scope.Bundle == nil {
			return nil, nil
		}
		return []interface{}{ev.scope.Bundle}, nil
	}
	v, ok := ev.scope.Constants[name]
	if !ok {
		return nil, fmt.Errorf("undefined constant %%%s", name)
	}
	return []interface{}{v}, nil
}

func (ev *evaluator) evalPath(name string, input []interface{}) ([]interface{}, error) {
	// A leading capitalized identifier is a resource-type filter: it keeps
	// only the items of that type. "Bundle" additionally matches the bundle
	// itself so expressions can start from the top.
	if name != "" && unicode.IsUpper(rune(name[0])) {
		var out []interface{}
		for _, item := range input {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if rt, _ := m["resourceType"].(string); rt == name {
				out = append(out, m)
			}
		}
		if out != nil {
			return out, nil
		}
		if name == "Bundle" && ev.scope.Bundle != nil {
			return []interface{}{ev.scope.Bundle}, nil
		}
		return nil, nil
	}

	var out []interface{}
	for _, item := range input {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		v, ok := m[name]
		if !ok {
			continue
		}
		if arr, isArr := v.([]interface{}); isArr {
			out = append(out, arr...)
		} else {
			out = append(out, v)
		}
	}
	return out, nil
}

func (ev *evaluator) evalCall(node *exprNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)
	receiver := node.children[0]
	args := node.children[1:]

	coll := input
	if receiver != nil {
		var err error
		coll, err = ev.eval(receiver, input)
		if err != nil {
			return nil, err
		}
	}

	switch name {
	case "where":
		if len(args) != 1 {
			return nil, fmt.Errorf("where() takes one argument")
		}
		var out []interface{}
		for _, item := range coll {
			ok, err := ev.evalItemBool(args[0], item)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, item)
			}
		}
		return out, nil

	case "exists":
		if len(args) == 0 {
			return []interface{}{len(coll) > 0}, nil
		}
		for _, item := range coll {
			ok, err := ev.evalItemBool(args[0], item)
			if err != nil {
				return nil, err
			}
			if ok {
				return []interface{}{true}, nil
			}
		}
		return []interface{}{false}, nil

	case "empty":
		return []interface{}{len(coll) == 0}, nil

	case "not":
		return []interface{}{!truthy(coll)}, nil

	case "count":
		return []interface{}{int64(len(coll))}, nil

	case "first":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[:1], nil

	case "last":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[len(coll)-1:], nil

	case "resolve":
		return ev.fnResolve(coll)

	case "upper":
		return ev.fnTransform(coll, strings.ToUpper), nil

	case "lower":
		return ev.fnTransform(coll, strings.ToLower), nil

	case "trim":
		return ev.fnTransform(coll, strings.TrimSpace), nil

	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func (ev *evaluator) evalItemBool(node *exprNode, item interface{}) (bool, error) {
	out, err := ev.eval(node, []interface{}{item})
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// fnResolve follows reference objects to their bundle entries. A reference
// like {"reference": "Patient/abc"} matches the entry whose resource has that
// type and id, or whose fullUrl equals the reference verbatim.
func (ev *evaluator) fnResolve(coll []interface{}) ([]interface{}, error) {
	entries, _ := ev.scope.Bundle["entry"].([]interface{})
	var out []interface{}
	for _, item := range coll {
		ref := ""
		switch v := item.(type) {
		case map[string]interface{}:
			ref, _ = v["reference"].(string)
		case string:
			ref = v
		}
		if ref == "" {
			continue
		}
		for _, entry := range entries {
			em, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			if full, _ := em["fullUrl"].(string); full != "" && full == ref {
				if res, ok := em["resource"].(map[string]interface{}); ok {
					out = append(out, res)
				}
				continue
			}
			res, ok := em["resource"].(map[string]interface{})
			if !ok {
				continue
			}
			rt, _ := res["resourceType"].(string)
			id, _ := res["id"].(string)
			if rt != "" && id != "" && ref == rt+"/"+id {
				out = append(out, res)
			}
		}
	}
	return out, nil
}

func (ev *evaluator) fnTransform(coll []interface{}, fn func(string) string) []interface{} {
	var out []interface{}
	for _, item := range coll {
		if s, ok := item.(string); ok {
			out = append(out, fn(s))
		}
	}
	return out
}

func (ev *evaluator) evalCompare(node *exprNode, input []interface{}) ([]interface{}, error) {
	op := node.value.(string)
	left, err := ev.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		return nil, nil
	}
	return []interface{}{compare(left[0], right[0], op)}, nil
}

func compare(l, r interface{}, op string) bool {
	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if lok && rok {
		switch op {
		case "=":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
		return false
	}

	ls, rs := stringify(l), stringify(r)
	switch op {
	case "=":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case ">":
		return ls > rs
	case "<=":
		return ls <= rs
	case ">=":
		return ls >= rs
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func truthy(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		if b, ok := coll[0].(bool); ok {
			return b
		}
		return coll[0] != nil
	}
	return true
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
