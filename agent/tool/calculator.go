package tool

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const ToolCalculator = "calculator"

// Accepts digits, identifiers, whitespace, decimal points, operators, and
// parentheses. Identifiers resolve against the variables argument.
var calcExpressionPattern = regexp.MustCompile(`^[\w\s\+\-\*/%\^\(\)\.]+$`)

type CalculatorOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

// NewCalculator evaluates arithmetic expressions deterministically, so the
// planner never does mental math on financial figures.
func NewCalculator() Definition {
	return Definition{
		Name:        ToolCalculator,
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, and named variables bound via the variables argument.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Expression to evaluate, e.g. (revenue - cost) / revenue * 100",
				},
				"variables": map[string]any{
					"type":                 "object",
					"description":          "Numeric bindings for identifiers used in the expression",
					"additionalProperties": map[string]any{"type": "number"},
				},
			},
			"required":             []any{"expression"},
			"additionalProperties": false,
		},
		Handler: calculatorHandler,
	}
}

func calculatorHandler(_ context.Context, args map[string]any) (any, error) {
	expression, _ := args["expression"].(string)
	expression = strings.TrimSpace(expression)

	vars, err := numericVariables(args["variables"])
	if err != nil {
		return nil, err
	}
	if err := validateExpression(expression); err != nil {
		return nil, err
	}

	result, err := evaluateExpression(expression, vars)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil, fmt.Errorf("expression result is not a finite number")
	}

	return CalculatorOutput{Expression: expression, Result: result}, nil
}

func numericVariables(raw any) (map[string]float64, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("variables must be an object of numbers")
	}

	vars := make(map[string]float64, len(m))
	for name, v := range m {
		switch n := v.(type) {
		case float64:
			vars[name] = n
		case int:
			vars[name] = float64(n)
		case int64:
			vars[name] = float64(n)
		default:
			return nil, fmt.Errorf("variable %q is not a number", name)
		}
	}
	return vars, nil
}

func validateExpression(expression string) error {
	if expression == "" {
		return fmt.Errorf("expression is empty")
	}
	if !calcExpressionPattern.MatchString(expression) {
		return fmt.Errorf("expression contains invalid characters")
	}

	balance := 0
	for _, ch := range expression {
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
			if balance < 0 {
				return fmt.Errorf("expression has unbalanced parentheses")
			}
		}
	}
	if balance != 0 {
		return fmt.Errorf("expression has unbalanced parentheses")
	}
	return nil
}

func evaluateExpression(expression string, vars map[string]float64) (float64, error) {
	p := &exprParser{input: expression, vars: vars}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.hasNext() {
		return 0, fmt.Errorf("unexpected token at position %d", p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	vars  map[string]float64
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}

	for {
		p.skipSpaces()
		switch {
		case p.match('+'):
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case p.match('-'):
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}

	for {
		p.skipSpaces()
		switch {
		case p.match('*'):
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			left *= right
		case p.match('/'):
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case p.match('%'):
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}

	p.skipSpaces()
	if p.match('^') {
		right, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(left, right), nil
	}
	return left, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpaces()
	if p.match('+') {
		return p.parseUnary()
	}
	if p.match('-') {
		value, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -value, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpaces()
	if p.match('(') {
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if !p.match(')') {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		return value, nil
	}
	if p.hasNext() && isIdentStart(p.peek()) {
		return p.parseIdentifier()
	}
	return p.parseNumber()
}

func (p *exprParser) parseIdentifier() (float64, error) {
	start := p.pos
	for p.hasNext() && isIdentPart(p.peek()) {
		p.pos++
	}
	name := p.input[start:p.pos]

	value, ok := p.vars[name]
	if !ok {
		return 0, fmt.Errorf("unbound variable %q", name)
	}
	return value, nil
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpaces()
	start := p.pos
	hasDigit := false
	hasDot := false

	for p.hasNext() {
		ch := p.peek()
		switch {
		case ch >= '0' && ch <= '9':
			hasDigit = true
			p.pos++
		case ch == '.':
			if hasDot {
				return 0, fmt.Errorf("invalid number format at position %d", p.pos)
			}
			hasDot = true
			p.pos++
		default:
			goto done
		}
	}

done:
	if !hasDigit {
		return 0, fmt.Errorf("expected number at position %d", start)
	}

	raw := p.input[start:p.pos]
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", raw, err)
	}
	return value, nil
}

func (p *exprParser) skipSpaces() {
	for p.hasNext() && p.peek() == ' ' {
		p.pos++
	}
}

func (p *exprParser) hasNext() bool {
	return p.pos < len(p.input)
}

func (p *exprParser) peek() byte {
	return p.input[p.pos]
}

func (p *exprParser) match(expected byte) bool {
	if p.hasNext() && p.peek() == expected {
		p.pos++
		return true
	}
	return false
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}
