package tools

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

var errDivideByZero = errors.New("division by zero")

var calcConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var calcFuncs = map[string]func(args []float64) (float64, error){
	"sqrt": unary(func(x float64) (float64, error) {
		if x < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(x), nil
	}),
	"abs":   unary(func(x float64) (float64, error) { return math.Abs(x), nil }),
	"floor": unary(func(x float64) (float64, error) { return math.Floor(x), nil }),
	"ceil":  unary(func(x float64) (float64, error) { return math.Ceil(x), nil }),
	"round": unary(func(x float64) (float64, error) { return math.Round(x), nil }),
	"log": unary(func(x float64) (float64, error) {
		if x <= 0 {
			return 0, fmt.Errorf("log of non-positive number")
		}
		return math.Log(x), nil
	}),
	"pow": func(args []float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("pow takes 2 arguments, got %d", len(args))
		}
		return math.Pow(args[0], args[1]), nil
	},
	"min": variadic(math.Min),
	"max": variadic(math.Max),
}

func unary(fn func(float64) (float64, error)) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(args[0])
	}
}

func variadic(fn func(a, b float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("expected at least 1 argument")
		}
		acc := args[0]
		for _, v := range args[1:] {
			acc = fn(acc, v)
		}
		return acc, nil
	}
}

// Evaluate computes an arithmetic expression. It supports + - * / %,
// ** or ^ for exponentiation (right-associative, binding tighter than
// unary minus), parentheses, the constants pi and e, and the functions
// in calcFuncs. Nothing else is accepted.
func Evaluate(expr string) (float64, error) {
	p := &calcParser{src: strings.TrimSpace(expr)}
	if p.src == "" {
		return 0, fmt.Errorf("empty expression")
	}
	v, err := p.sum()
	if err != nil {
		return 0, err
	}
	p.space()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.src[p.pos:], p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

// calcParser is a recursive-descent parser over the grammar
//
//	sum     = product { ("+" | "-") product }
//	product = unary { ("*" | "/" | "%") unary }
//	unary   = ("+" | "-") unary | power
//	power   = atom [ ("^" | "**") unary ]
//	atom    = number | name | name "(" [ sum { "," sum } ] ")" | "(" sum ")"
type calcParser struct {
	src string
	pos int
}

func (p *calcParser) space() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *calcParser) peek() byte {
	p.space()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *calcParser) sum() (float64, error) {
	x, err := p.product()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return x, nil
		}
		p.pos++
		y, err := p.product()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			x += y
		} else {
			x -= y
		}
	}
}

func (p *calcParser) product() (float64, error) {
	x, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return x, nil
		}
		if op == '*' && strings.HasPrefix(p.src[p.pos:], "**") {
			return x, nil
		}
		p.pos++
		y, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			x *= y
		case '/':
			if y == 0 {
				return 0, errDivideByZero
			}
			x /= y
		case '%':
			if y == 0 {
				return 0, errDivideByZero
			}
			x = math.Mod(x, y)
		}
	}
}

func (p *calcParser) unary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		x, err := p.unary()
		return -x, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.power()
}

func (p *calcParser) power() (float64, error) {
	x, err := p.atom()
	if err != nil {
		return 0, err
	}
	switch {
	case p.peek() == '^':
		p.pos++
	case strings.HasPrefix(p.src[p.pos:], "**"):
		p.pos += 2
	default:
		return x, nil
	}
	y, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(x, y), nil
}

func (p *calcParser) atom() (float64, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.sum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == '.' || (c >= '0' && c <= '9'):
		start := p.pos
		for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
			p.pos++
		}
		// Exponent suffix: 1e3, 2.5E-4.
		if p.pos < len(p.src) && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
			q := p.pos + 1
			if q < len(p.src) && (p.src[q] == '+' || p.src[q] == '-') {
				q++
			}
			if q < len(p.src) && p.src[q] >= '0' && p.src[q] <= '9' {
				for q < len(p.src) && p.src[q] >= '0' && p.src[q] <= '9' {
					q++
				}
				p.pos = q
			}
		}
		v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", p.src[start:p.pos])
		}
		return v, nil
	case unicode.IsLetter(rune(c)):
		start := p.pos
		for p.pos < len(p.src) && (unicode.IsLetter(rune(p.src[p.pos])) || unicode.IsDigit(rune(p.src[p.pos]))) {
			p.pos++
		}
		name := strings.ToLower(p.src[start:p.pos])
		if p.peek() != '(' {
			if v, ok := calcConstants[name]; ok {
				return v, nil
			}
			return 0, fmt.Errorf("unknown name %q", name)
		}
		fn, ok := calcFuncs[name]
		if !ok {
			return 0, fmt.Errorf("unknown function %q", name)
		}
		p.pos++
		var args []float64
		if p.peek() != ')' {
			for {
				v, err := p.sum()
				if err != nil {
					return 0, err
				}
				args = append(args, v)
				if p.peek() != ',' {
					break
				}
				p.pos++
			}
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis after %s arguments", name)
		}
		p.pos++
		return fn(args)
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	}
	return 0, fmt.Errorf("unexpected %q at position %d", string(c), p.pos)
}

// FormatNumber renders whole numbers without a decimal point.
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', 12, 64)
}
