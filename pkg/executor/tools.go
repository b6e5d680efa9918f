package executor

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Tool is a capability the model may call in agentic mode.
type Tool interface {
	// Name is the identifier the model uses to call the tool.
	Name() string
	// Description tells the model when to use the tool.
	Description() string
	// Schema is the JSON Schema of the tool arguments.
	Schema() map[string]any
	// Call runs the tool and returns text for the model.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// ToolRegistry holds the tools offered to the model.
// It is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a registry with the given tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// DefaultTools returns a registry with the built-in tools.
func DefaultTools() *ToolRegistry {
	return NewToolRegistry(Calculator{}, CurrentDate{})
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// callTool runs a tool by name. Unknown tools and tool failures come back as
// text with isError set, so the model can recover instead of the whole
// invocation failing.
func (r *ToolRegistry) callTool(ctx context.Context, name string, args map[string]any) (result string, isError bool) {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("unknown tool %q", name), true
	}
	out, err := t.Call(ctx, args)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

// Calculator evaluates arithmetic expressions.
type Calculator struct{}

func (Calculator) Name() string { return "calculator" }

func (Calculator) Description() string {
	return "Evaluates an arithmetic expression. Supports + - * / %, parentheses, " +
		"and the functions sqrt, pow, abs, round, floor, ceil, log, exp. " +
		"Use it for any math instead of computing in your head."
}

func (Calculator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Expression to evaluate, e.g. (3 + 4) * sqrt(16)",
			},
		},
		"required": []string{"expression"},
	}
}

// Call evaluates args["expression"].
func (Calculator) Call(ctx context.Context, args map[string]any) (string, error) {
	expr, _ := args["expression"].(string)
	if expr == "" {
		return "", errors.New("expression is required")
	}
	v, err := Evaluate(expr)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

// Evaluate computes the value of an arithmetic expression.
func Evaluate(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("parse expression: %w", err)
	}
	v, err := eval(node)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

func eval(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return eval(n.X)
	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, errors.New("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, errors.New("division by zero")
			}
			return math.Mod(x, y), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.CallExpr:
		return evalCall(n)
	case *ast.Ident:
		switch n.Name {
		case "pi":
			return math.Pi, nil
		case "e":
			return math.E, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", n.Name)
	}
	return 0, fmt.Errorf("unsupported expression %T", node)
}

func evalCall(n *ast.CallExpr) (float64, error) {
	fn, ok := n.Fun.(*ast.Ident)
	if !ok {
		return 0, errors.New("unsupported function call")
	}
	args := make([]float64, len(n.Args))
	for i, a := range n.Args {
		v, err := eval(a)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}

	unary := map[string]func(float64) float64{
		"sqrt":  math.Sqrt,
		"abs":   math.Abs,
		"round": math.Round,
		"floor": math.Floor,
		"ceil":  math.Ceil,
		"log":   math.Log,
		"exp":   math.Exp,
	}
	if f, ok := unary[fn.Name]; ok {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s takes 1 argument", fn.Name)
		}
		return f(args[0]), nil
	}
	if fn.Name == "pow" {
		if len(args) != 2 {
			return 0, errors.New("pow takes 2 arguments")
		}
		return math.Pow(args[0], args[1]), nil
	}
	return 0, fmt.Errorf("unknown function %q", fn.Name)
}

// CurrentDate reports today's date, optionally in a named time zone.
type CurrentDate struct {
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (CurrentDate) Name() string { return "current_date" }

func (CurrentDate) Description() string {
	return "Returns the current date and time. Optionally takes an IANA time zone such as Europe/Paris."
}

func (CurrentDate) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA time zone name; defaults to UTC",
			},
		},
	}
}

// Call formats the current time.
func (c CurrentDate) Call(ctx context.Context, args map[string]any) (string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown time zone %q", tz)
		}
		loc = l
	}
	return now().In(loc).Format("Monday, 2006-01-02 15:04 MST"), nil
}
