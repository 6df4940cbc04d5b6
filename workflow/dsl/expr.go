package dsl

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ErrStepBudgetExceeded 表达式求值超过步数预算
var ErrStepBudgetExceeded = errors.New("expression step budget exceeded")

// DefaultMaxSteps 单次求值允许的最大节点访问次数
const DefaultMaxSteps = 10000

// Expr is a compiled expression. It is immutable and safe for concurrent use.
//
// Supported operators: ||, &&, ==, !=, >, <, >=, <=, +, -, *, /, %, !, unary -
// Supported literals: numbers, quoted strings, true, false, null
// Supported builtins: min, max, abs, round, len, contains
// Dot-notation field access: result.score looks up vars["result"].(map[string]any)["score"]
type Expr struct {
	source string
	root   exprNode
}

// Compile parses an expression string.
func Compile(expr string) (*Expr, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return &Expr{source: expr, root: root}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Expr {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.source }

// Eval evaluates the expression against vars with the default step budget.
func (e *Expr) Eval(vars map[string]any) (any, error) {
	return e.EvalWithBudget(vars, DefaultMaxSteps)
}

// EvalWithBudget evaluates the expression, failing once more than maxSteps nodes are visited.
func (e *Expr) EvalWithBudget(vars map[string]any, maxSteps int) (any, error) {
	st := &evalState{vars: vars, maxSteps: maxSteps}
	return e.root.eval(st)
}

// EvalBool evaluates the expression and converts the result to a boolean.
func (e *Expr) EvalBool(vars map[string]any) (bool, error) {
	v, err := e.Eval(vars)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Evaluate compiles and evaluates expr as a condition. An empty expression is false.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	e, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return e.EvalBool(vars)
}

// EvaluateValue compiles and evaluates expr, returning the raw value.
func EvaluateValue(expr string, vars map[string]any) (any, error) {
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return e.Eval(vars)
}

// --- Token types ---

type tokenKind int

const (
	tkNumber tokenKind = iota // 42, 0.8, -3.14
	tkString                  // "hello"
	tkIdent                   // variable name or true/false
	tkOp                      // ==, !=, >, <, >=, <=, &&, ||, !, + - * / %
	tkLParen                  // (
	tkRParen                  // )
	tkComma                   // ,
)

type token struct {
	kind  tokenKind
	value string
}

// --- Tokenizer ---

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	runes := []rune(expr)

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		case ',':
			tokens = append(tokens, token{tkComma, ","})
			i++
			continue
		}

		// String literal (double or single quoted)
		if ch == '"' || ch == '\'' {
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = n
			continue
		}

		// Two-character operators
		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two})
				i += 2
				continue
			}
		}

		// Number (including negative literal when '-' cannot be a binary operator)
		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && isNumberStart(tokens)) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = n
			continue
		}

		// Single-character operators
		switch ch {
		case '>', '<', '!', '+', '-', '*', '/', '%':
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
			continue
		}

		if isIdentStart(ch) {
			ident, n := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident})
			i = n
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	i := start + 1
	var sb strings.Builder
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if i < len(runes) && runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// isNumberStart returns true if a '-' should be treated as a negative number prefix
// rather than a subtraction operator.
func isNumberStart(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen || last.kind == tkComma
}

// --- AST ---

type evalState struct {
	vars     map[string]any
	steps    int
	maxSteps int
}

func (s *evalState) step() error {
	s.steps++
	if s.maxSteps > 0 && s.steps > s.maxSteps {
		return ErrStepBudgetExceeded
	}
	return nil
}

type exprNode interface {
	eval(st *evalState) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(st *evalState) (any, error) {
	if err := st.step(); err != nil {
		return nil, err
	}
	return n.value, nil
}

type varNode struct{ path string }

func (n varNode) eval(st *evalState) (any, error) {
	if err := st.step(); err != nil {
		return nil, err
	}
	return ResolvePath(n.path, st.vars), nil
}

type unaryNode struct {
	op string
	x  exprNode
}

func (n unaryNode) eval(st *evalState) (any, error) {
	if err := st.step(); err != nil {
		return nil, err
	}
	v, err := n.x.eval(st)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !Truthy(v), nil
	case "-":
		f, ok := ToFloat64(v)
		if !ok {
			return nil, fmt.Errorf("unary - on non-numeric value %v", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryNode struct {
	op   string
	l, r exprNode
}

func (n binaryNode) eval(st *evalState) (any, error) {
	if err := st.step(); err != nil {
		return nil, err
	}
	left, err := n.l.eval(st)
	if err != nil {
		return nil, err
	}

	// 短路求值
	switch n.op {
	case "||":
		if Truthy(left) {
			return true, nil
		}
		right, err := n.r.eval(st)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "&&":
		if !Truthy(left) {
			return false, nil
		}
		right, err := n.r.eval(st)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	right, err := n.r.eval(st)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==", "!=", ">", "<", ">=", "<=":
		return evalComparison(left, n.op, right), nil
	case "+":
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
		return arith(left, n.op, right)
	case "-", "*", "/", "%":
		return arith(left, n.op, right)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

type callNode struct {
	name string
	args []exprNode
}

func (n callNode) eval(st *evalState) (any, error) {
	if err := st.step(); err != nil {
		return nil, err
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(st)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	fn, ok := builtins[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", n.name)
	}
	return fn(args)
}

// --- Recursive descent parser ---

type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *exprParser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *exprParser) peekOp(ops ...string) (string, bool) {
	t := p.peek()
	if t == nil || t.kind != tkOp {
		return "", false
	}
	for _, op := range ops {
		if t.value == op {
			return op, true
		}
	}
	return "", false
}

// parseOr handles: expr || expr
func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", l: left, r: right}
	}
}

// parseAnd handles: expr && expr
func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", l: left, r: right}
	}
}

// parseComparison handles: expr (==|!=|>|<|>=|<=) expr
func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<="); ok {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: op, l: left, r: right}, nil
	}
	return left, nil
}

// parseAdditive handles: expr (+|-) expr
func (p *exprParser) parseAdditive() (exprNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("+", "-")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
}

// parseMultiplicative handles: expr (*|/|%) expr
func (p *exprParser) parseMultiplicative() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
}

// parseUnary handles: !expr, -expr, primary
func (p *exprParser) parseUnary() (exprNode, error) {
	if op, ok := p.peekOp("!", "-"); ok {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

// parsePrimary handles: literals, identifiers, calls, parenthesized expressions
func (p *exprParser) parsePrimary() (exprNode, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, err
		}
		return literalNode{value: f}, nil

	case tkString:
		p.advance()
		return literalNode{value: t.value}, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null", "nil":
			return literalNode{value: nil}, nil
		}
		if next := p.peek(); next != nil && next.kind == tkLParen {
			return p.parseCall(t.value)
		}
		return varNode{path: t.value}, nil

	case tkLParen:
		p.advance()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return x, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

func (p *exprParser) parseCall(name string) (exprNode, error) {
	if _, ok := builtins[name]; !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	p.advance() // (
	var args []exprNode
	if t := p.peek(); t != nil && t.kind == tkRParen {
		p.advance()
		return callNode{name: name}, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		t := p.peek()
		if t == nil {
			return nil, fmt.Errorf("unterminated call to %s", name)
		}
		if t.kind == tkComma {
			p.advance()
			continue
		}
		if t.kind == tkRParen {
			p.advance()
			return callNode{name: name, args: args}, nil
		}
		return nil, fmt.Errorf("unexpected token %q in call to %s", t.value, name)
	}
}

// --- Builtins ---

var builtins = map[string]func(args []any) (any, error){
	"min": func(args []any) (any, error) { return foldNumbers("min", args, math.Min) },
	"max": func(args []any) (any, error) { return foldNumbers("max", args, math.Max) },
	"abs": func(args []any) (any, error) {
		f, err := oneNumber("abs", args)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	},
	"round": func(args []any) (any, error) {
		if len(args) == 0 || len(args) > 2 {
			return nil, fmt.Errorf("round expects 1 or 2 arguments")
		}
		f, ok := ToFloat64(args[0])
		if !ok {
			return nil, fmt.Errorf("round: non-numeric argument %v", args[0])
		}
		places := 0.0
		if len(args) == 2 {
			places, ok = ToFloat64(args[1])
			if !ok {
				return nil, fmt.Errorf("round: non-numeric precision %v", args[1])
			}
		}
		scale := math.Pow(10, places)
		return math.Round(f*scale) / scale, nil
	},
	"len": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects 1 argument")
		}
		switch v := args[0].(type) {
		case string:
			return float64(len([]rune(v))), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		case nil:
			return 0.0, nil
		}
		return nil, fmt.Errorf("len: unsupported argument %T", args[0])
	},
	"contains": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("contains expects 2 arguments")
		}
		switch v := args[0].(type) {
		case string:
			return strings.Contains(v, fmt.Sprintf("%v", args[1])), nil
		case []any:
			for _, item := range v {
				if evalComparison(item, "==", args[1]) {
					return true, nil
				}
			}
			return false, nil
		case nil:
			return false, nil
		}
		return nil, fmt.Errorf("contains: unsupported argument %T", args[0])
	},
}

func oneNumber(name string, args []any) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s expects 1 argument", name)
	}
	f, ok := ToFloat64(args[0])
	if !ok {
		return 0, fmt.Errorf("%s: non-numeric argument %v", name, args[0])
	}
	return f, nil
}

func foldNumbers(name string, args []any, fn func(a, b float64) float64) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s expects at least 1 argument", name)
	}
	acc, ok := ToFloat64(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: non-numeric argument %v", name, args[0])
	}
	for _, a := range args[1:] {
		f, ok := ToFloat64(a)
		if !ok {
			return nil, fmt.Errorf("%s: non-numeric argument %v", name, a)
		}
		acc = fn(acc, f)
	}
	return acc, nil
}

// --- Evaluation helpers ---

// ResolvePath resolves a dot-notation variable path from the vars map.
// "status" -> vars["status"]
// "result.score" -> vars["result"].(map[string]any)["score"]
func ResolvePath(path string, vars map[string]any) any {
	parts := strings.Split(path, ".")
	var current any = vars

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func arith(left any, op string, right any) (any, error) {
	lf, lok := ToFloat64(left)
	rf, rok := ToFloat64(right)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s requires numeric operands, got %v and %v", op, left, right)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// evalComparison evaluates a comparison between two values.
// nil is treated as less than any non-nil value; two nils are equal.
func evalComparison(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		if op == "!=" {
			return true
		}
		if op == "==" {
			return false
		}
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	lf, lok := ToFloat64(left)
	rf, rok := ToFloat64(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

// Truthy converts a value to boolean.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

// ToFloat64 attempts to convert a value to float64.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
