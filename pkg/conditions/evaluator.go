// Package conditions evaluates transition guard expressions against instance
// state data. The language is deliberately small and side-effect free: dotted
// field lookup, comparisons, boolean operators and literals. Anything an
// expression cannot express belongs in a condition node's handler instead.
package conditions

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalidExpression indicates the expression could not be parsed.
var ErrInvalidExpression = errors.New("invalid expression")

// Evaluate parses the expression and evaluates it to a boolean against the
// given state data. Callers treat an error as "no match", never as fatal.
func Evaluate(expression string, state map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	parser := &parser{tokens: scan(expression)}

	node, err := parser.parseExpression()
	if err != nil {
		return false, err
	}

	if !parser.atEnd() {
		return false, fmt.Errorf("%w: unexpected %q", ErrInvalidExpression, parser.peek().text)
	}

	value, err := node.eval(state)
	if err != nil {
		return false, err
	}

	return truthy(value), nil
}

// truthy converts an evaluated value to a boolean the way loosely typed
// workflow payloads expect: empty and zero values are false.
func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		return true
	}
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOperator
	tokenParenOpen
	tokenParenClose
)

type token struct {
	kind tokenKind
	text string
}

func scan(input string) []token {
	tokens := make([]token, 0, 16)
	runes := []rune(input)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokenParenOpen, text: "("})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokenParenClose, text: ")"})
			i++
		case r == '"' || r == '\'':
			quote := r
			j := i + 1

			for j < len(runes) && runes[j] != quote {
				j++
			}

			text := string(runes[i+1 : min(j, len(runes))])
			if j >= len(runes) {
				// Unterminated string; surface it as an operator token the
				// parser will reject with a clear error.
				tokens = append(tokens, token{kind: tokenOperator, text: string(quote) + text})
				i = len(runes)

				continue
			}

			tokens = append(tokens, token{kind: tokenString, text: text})
			i = j + 1
		case strings.ContainsRune("=!<>&|", r):
			j := i

			for j < len(runes) && strings.ContainsRune("=!<>&|", runes[j]) {
				j++
			}

			tokens = append(tokens, token{kind: tokenOperator, text: string(runes[i:j])})
			i = j
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1

			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{kind: tokenNumber, text: string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i

			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{kind: tokenIdent, text: string(runes[i:j])})
			i = j
		default:
			tokens = append(tokens, token{kind: tokenOperator, text: string(r)})
			i++
		}
	}

	return append(tokens, token{kind: tokenEOF})
}

type exprNode interface {
	eval(state map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type lookupNode struct{ path []string }

func (n lookupNode) eval(state map[string]any) (any, error) {
	var current any = state

	for _, segment := range n.path {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q is not addressable in %q", segment, strings.Join(n.path, "."))
		}

		current, ok = asMap[segment]
		if !ok {
			// Missing fields evaluate to null rather than erroring so guards
			// can probe optional payload fields.
			return nil, nil
		}
	}

	return normalize(current), nil
}

type notNode struct{ operand exprNode }

func (n notNode) eval(state map[string]any) (any, error) {
	value, err := n.operand.eval(state)
	if err != nil {
		return nil, err
	}

	return !truthy(value), nil
}

type boolNode struct {
	op          string
	left, right exprNode
}

func (n boolNode) eval(state map[string]any) (any, error) {
	left, err := n.left.eval(state)
	if err != nil {
		return nil, err
	}

	if n.op == "&&" && !truthy(left) {
		return false, nil
	}

	if n.op == "||" && truthy(left) {
		return true, nil
	}

	right, err := n.right.eval(state)
	if err != nil {
		return nil, err
	}

	return truthy(right), nil
}

type compareNode struct {
	op          string
	left, right exprNode
}

func (n compareNode) eval(state map[string]any) (any, error) {
	left, err := n.left.eval(state)
	if err != nil {
		return nil, err
	}

	right, err := n.right.eval(state)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	leftNum, leftOK := asNumber(left)
	rightNum, rightOK := asNumber(right)

	if leftOK && rightOK {
		switch n.op {
		case "<":
			return leftNum < rightNum, nil
		case "<=":
			return leftNum <= rightNum, nil
		case ">":
			return leftNum > rightNum, nil
		case ">=":
			return leftNum >= rightNum, nil
		}
	}

	leftStr, leftOK := left.(string)
	rightStr, rightOK := right.(string)

	if leftOK && rightOK {
		switch n.op {
		case "<":
			return leftStr < rightStr, nil
		case "<=":
			return leftStr <= rightStr, nil
		case ">":
			return leftStr > rightStr, nil
		case ">=":
			return leftStr >= rightStr, nil
		}
	}

	return nil, fmt.Errorf("cannot order %T against %T", left, right)
}

func equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	if leftNum, ok := asNumber(left); ok {
		rightNum, ok := asNumber(right)

		return ok && leftNum == rightNum
	}

	return left == right
}

// asNumber coerces the numeric types JSON decoding and Go callers produce.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func normalize(value any) any {
	if num, ok := asNumber(value); ok {
		return num
	}

	return value
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}

	return t
}

func (p *parser) atEnd() bool { return p.peek().kind == tokenEOF }

func (p *parser) parseExpression() (exprNode, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tokenOperator && p.peek().text == "||" {
		p.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = boolNode{op: "||", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tokenOperator && p.peek().text == "&&" {
		p.next()

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = boolNode{op: "&&", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if p.peek().kind == tokenOperator && p.peek().text == "!" {
		p.next()

		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return notNode{operand: operand}, nil
	}

	return p.parseComparison()
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if p.peek().kind == tokenOperator && comparisonOps[p.peek().text] {
		op := p.next().text

		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}

		return compareNode{op: op, left: left, right: right}, nil
	}

	return left, nil
}

func (p *parser) parseOperand() (exprNode, error) {
	t := p.next()

	switch t.kind {
	case tokenParenOpen:
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}

		if closing := p.next(); closing.kind != tokenParenClose {
			return nil, fmt.Errorf("%w: expected ')' got %q", ErrInvalidExpression, closing.text)
		}

		return inner, nil
	case tokenString:
		return literalNode{value: t.text}, nil
	case tokenNumber:
		num, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrInvalidExpression, t.text)
		}

		return literalNode{value: num}, nil
	case tokenIdent:
		switch t.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null", "nil":
			return literalNode{value: nil}, nil
		}

		return lookupNode{path: strings.Split(t.text, ".")}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidExpression, t.text)
	}
}
