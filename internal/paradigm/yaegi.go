package paradigm

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Affordance code and function-concept code run interpreted rather than
// compiled: no go toolchain at runtime, no dependency resolution, and a
// whitelist keeps filesystem, network, and exec out of reach.

var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"errors":          true,
}

// AffordanceFunc is the evaluated form of an affordance code string.
type AffordanceFunc func(states, tool, params map[string]interface{}) (interface{}, error)

// InferenceFunc is the evaluated form of a function-concept code string.
type InferenceFunc func(inputs map[string]interface{}) (interface{}, error)

// evalAffordance compiles an affordance code string into a callable. The
// code is the body of a function receiving states, tool, and params; it must
// assign result (and may assign err).
func evalAffordance(ctx context.Context, code string) (AffordanceFunc, error) {
	if err := validateImports(code); err != nil {
		return nil, err
	}
	src := code
	if !strings.Contains(code, "package main") {
		src = fmt.Sprintf(`package main

import (
	"fmt"
	"strings"
)

var _ = fmt.Sprint
var _ = strings.TrimSpace

func Affordance(states map[string]interface{}, tool map[string]interface{}, params map[string]interface{}) (result interface{}, err error) {
%s
	return result, err
}
`, code)
	}
	fn, err := evalSymbol(ctx, src, "main.Affordance")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(func(map[string]interface{}, map[string]interface{}, map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("paradigm: affordance has wrong signature %T", fn)
	}
	return typed, nil
}

// EvalInferenceCode compiles a function-concept code string into the
// callable applied per value combination. The code is either a full
// package main defining Infer, or a bare body that must assign result from
// the inputs map.
func EvalInferenceCode(ctx context.Context, code string) (InferenceFunc, error) {
	if err := validateImports(code); err != nil {
		return nil, err
	}
	src := code
	if !strings.Contains(code, "package main") {
		src = fmt.Sprintf(`package main

import (
	"fmt"
	"strconv"
	"strings"
)

var _ = fmt.Sprint
var _ = strconv.Itoa
var _ = strings.TrimSpace

func Infer(inputs map[string]interface{}) (result interface{}, err error) {
%s
	return result, err
}
`, code)
	}
	fn, err := evalSymbol(ctx, src, "main.Infer")
	if err != nil {
		return nil, err
	}
	typed, ok := fn.(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("paradigm: inference code has wrong signature %T", fn)
	}
	return typed, nil
}

// evalSymbol evaluates a source file and extracts one symbol, guarded by the
// context deadline.
func evalSymbol(ctx context.Context, src, symbol string) (interface{}, error) {
	type outcome struct {
		v   interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		i := interp.New(interp.Options{})
		if err := i.Use(stdlib.Symbols); err != nil {
			done <- outcome{err: fmt.Errorf("paradigm: loading stdlib symbols: %w", err)}
			return
		}
		if _, err := i.Eval(src); err != nil {
			done <- outcome{err: fmt.Errorf("paradigm: code evaluation failed: %w", err)}
			return
		}
		v, err := i.Eval(symbol)
		if err != nil {
			done <- outcome{err: fmt.Errorf("paradigm: symbol %s not found: %w", symbol, err)}
			return
		}
		done <- outcome{v: v.Interface()}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("paradigm: code evaluation timed out: %w", ctx.Err())
	}
}

// validateImports rejects code importing outside the whitelist.
func validateImports(code string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := strings.Trim(trimmed, `"`); pkg != "" && !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			if !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("paradigm: forbidden imports %v", forbidden)
	}
	return nil
}
