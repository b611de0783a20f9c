package delivery

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Selector is a compiled CEL expression that decides whether a link wants a
// message. The expression sees:
//
//	id          int
//	priority    int
//	durable     bool
//	size        int
//	text        string (body as UTF-8)
//	properties  map(string, string)
//	redelivered bool
type Selector struct {
	expr string
	prog cel.Program
}

// CompileSelector compiles expr. An empty expression yields a nil selector
// that matches everything.
func CompileSelector(expr string) (*Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.IntType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("durable", cel.BoolType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("redelivered", cel.BoolType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("delivery: selector %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("delivery: selector %q must be boolean, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Selector{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Match evaluates the selector. Evaluation errors count as no match.
func (s *Selector) Match(m *Message, redelivered bool) bool {
	if s == nil {
		return true
	}
	props := m.Properties
	if props == nil {
		props = map[string]string{}
	}
	out, _, err := s.prog.Eval(map[string]any{
		"id":          int64(m.ID),
		"priority":    int64(m.Priority),
		"durable":     m.Durable,
		"size":        int64(len(m.Body)),
		"text":        string(m.Body),
		"properties":  props,
		"redelivered": redelivered,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
