package enforcement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/asakaida/banken/internal/entities"
	pkgcache "github.com/asakaida/banken/pkg/cache"
)

// CELEngine evaluates opaque rule() expressions from the policy model.
// Expressions see two variables: "row" (the current row's attributes,
// nested relations included when fetched) and "auth" (the caller's auth
// context attributes).
type CELEngine struct {
	env      *cel.Env
	programs pkgcache.Cache // optional compiled-program cache
	ttl      time.Duration
}

// NewCELEngine creates a CEL engine without program caching.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("auth", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEngine{env: env}, nil
}

// NewCELEngineWithCache creates a CEL engine that caches compiled
// programs, keyed by a hash of the expression source.
func NewCELEngineWithCache(c pkgcache.Cache, ttl time.Duration) (*CELEngine, error) {
	e, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	e.programs = c
	e.ttl = ttl
	return e, nil
}

// Evaluate evaluates a rule expression against the row and auth context.
// A runtime evaluation failure (such as a reference to an attribute the
// caller did not supply) evaluates to false rather than erroring, so an
// absent auth context behaves as the defined sentinel.
func (e *CELEngine) Evaluate(ctx context.Context, source string, row entities.Row, auth entities.AuthContext) (bool, error) {
	program, err := e.program(ctx, source)
	if err != nil {
		return false, err
	}

	vars := map[string]any{
		"row":  celValue(map[string]any(row)),
		"auth": celValue(map[string]any(auth)),
	}
	result, _, err := program.Eval(vars)
	if err != nil {
		// Missing attributes fail closed.
		return false, nil
	}
	allowed, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule expression did not evaluate to boolean, got: %T", result.Value())
	}
	return allowed, nil
}

// Validate compiles a rule expression and checks that it returns boolean.
func (e *CELEngine) Validate(source string) error {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid rule expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("rule expression must return boolean, got: %s", ast.OutputType())
	}
	return nil
}

func (e *CELEngine) program(ctx context.Context, source string) (cel.Program, error) {
	var key string
	if e.programs != nil {
		sum := sha256.Sum256([]byte(source))
		key = hex.EncodeToString(sum[:])
		if cached, ok := e.programs.Get(ctx, key); ok {
			if program, ok := cached.(cel.Program); ok {
				return program, nil
			}
		}
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule expression: %w", issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule program: %w", err)
	}

	if e.programs != nil {
		_ = e.programs.Set(ctx, key, program, e.ttl)
	}
	return program, nil
}

// celValue converts rows to plain maps/slices CEL can bind as dyn values.
func celValue(v any) any {
	switch val := v.(type) {
	case nil:
		return map[string]any{}
	case entities.Row:
		return celValue(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = celItem(item)
		}
		return out
	default:
		return v
	}
}

func celItem(v any) any {
	switch val := v.(type) {
	case entities.Row:
		return celValue(map[string]any(val))
	case []entities.Row:
		out := make([]any, len(val))
		for i, r := range val {
			out[i] = celValue(map[string]any(r))
		}
		return out
	default:
		return v
	}
}
