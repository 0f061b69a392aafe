/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package authz

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// The condition DSL is a small JSON AST. Each node is an object with exactly
// one operator key:
//
//	{"eq":  [a, b]}            {"ne": [a, b]}
//	{"in":  [a, [b...]]}       {"gt": [a, b]}        {"lt": [a, b]}
//	{"all": [node...]}         {"any": [node...]}    {"not": node}
//	{"time_between": ["08:00", "18:00"]}
//	{"var": "principal.role"}
//
// Operands are literals or nested nodes. Evaluation is pure and total:
// a missing var yields undefined, and undefined never satisfies any
// comparison.

// undefined marks a var reference that resolved to nothing.
type undefined struct{}

// EvalContext is the request context visible to conditions.
type EvalContext struct {
	PrincipalRole     string
	PrincipalTenantID string
	PrincipalSubject  string
	ResourceLabels    map[string]string
	Action            string
	RequestTime       time.Time
	RequestIP         string
}

func (c EvalContext) lookup(path string) any {
	switch path {
	case "principal.role":
		return c.PrincipalRole
	case "principal.tenant_id":
		return c.PrincipalTenantID
	case "principal.subject_id":
		return c.PrincipalSubject
	case "action":
		return c.Action
	case "request.time":
		return c.RequestTime.UTC().Format(time.RFC3339)
	case "request.ip":
		return c.RequestIP
	}
	if label, ok := strings.CutPrefix(path, "resource.labels."); ok {
		if value, present := c.ResourceLabels[label]; present {
			return value
		}
	}
	return undefined{}
}

// Condition is a parsed AST ready for evaluation.
type Condition struct {
	node any
}

// ParseCondition validates the AST shape eagerly so malformed policies are
// rejected at write time rather than surfacing per-request.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decoding condition, %w", err)
	}
	if err := validateNode(node); err != nil {
		return nil, err
	}
	return &Condition{node: node}, nil
}

func validateNode(node any) error {
	obj, ok := node.(map[string]any)
	if !ok {
		return fmt.Errorf("condition node must be an object, got %T", node)
	}
	if len(obj) != 1 {
		return fmt.Errorf("condition node must carry exactly one operator, got %d", len(obj))
	}
	for op, args := range obj {
		switch op {
		case "eq", "ne", "gt", "lt":
			list, ok := args.([]any)
			if !ok || len(list) != 2 {
				return fmt.Errorf("%s requires exactly two operands", op)
			}
			for _, arg := range list {
				if err := validateOperand(arg); err != nil {
					return err
				}
			}
		case "in":
			list, ok := args.([]any)
			if !ok || len(list) != 2 {
				return fmt.Errorf("in requires a needle and a list")
			}
			if _, ok := list[1].([]any); !ok {
				return fmt.Errorf("in requires its second operand to be a list")
			}
			if err := validateOperand(list[0]); err != nil {
				return err
			}
		case "all", "any":
			list, ok := args.([]any)
			if !ok || len(list) == 0 {
				return fmt.Errorf("%s requires a non-empty list of conditions", op)
			}
			for _, child := range list {
				if err := validateNode(child); err != nil {
					return err
				}
			}
		case "not":
			return validateNode(args)
		case "time_between":
			list, ok := args.([]any)
			if !ok || len(list) != 2 {
				return fmt.Errorf("time_between requires [start, end]")
			}
			for _, bound := range list {
				s, ok := bound.(string)
				if !ok {
					return fmt.Errorf("time_between bounds must be HH:MM strings")
				}
				if _, err := time.Parse("15:04", s); err != nil {
					return fmt.Errorf("time_between bound %q is not HH:MM", s)
				}
			}
		case "var":
			if _, ok := args.(string); !ok {
				return fmt.Errorf("var requires a string path")
			}
		default:
			return fmt.Errorf("unknown condition operator %q", op)
		}
	}
	return nil
}

func validateOperand(arg any) error {
	if obj, ok := arg.(map[string]any); ok {
		return validateNode(obj)
	}
	return nil
}

// Eval evaluates the condition. A nil condition always matches.
func (c *Condition) Eval(ctx EvalContext) bool {
	if c == nil {
		return true
	}
	return evalBool(c.node, ctx)
}

func evalBool(node any, ctx EvalContext) bool {
	obj, ok := node.(map[string]any)
	if !ok || len(obj) != 1 {
		return false
	}
	for op, args := range obj {
		switch op {
		case "eq":
			a, b := evalPair(args, ctx)
			return defined(a) && defined(b) && equal(a, b)
		case "ne":
			a, b := evalPair(args, ctx)
			return defined(a) && defined(b) && !equal(a, b)
		case "in":
			list := args.([]any)
			needle := evalValue(list[0], ctx)
			if !defined(needle) {
				return false
			}
			for _, candidate := range list[1].([]any) {
				if equal(needle, evalValue(candidate, ctx)) {
					return true
				}
			}
			return false
		case "gt":
			a, b := evalPair(args, ctx)
			cmp, comparable := compare(a, b)
			return comparable && cmp > 0
		case "lt":
			a, b := evalPair(args, ctx)
			cmp, comparable := compare(a, b)
			return comparable && cmp < 0
		case "all":
			for _, child := range args.([]any) {
				if !evalBool(child, ctx) {
					return false
				}
			}
			return true
		case "any":
			for _, child := range args.([]any) {
				if evalBool(child, ctx) {
					return true
				}
			}
			return false
		case "not":
			return !evalBool(args, ctx)
		case "time_between":
			list := args.([]any)
			start, _ := time.Parse("15:04", list[0].(string))
			end, _ := time.Parse("15:04", list[1].(string))
			now := ctx.RequestTime.UTC()
			minutes := now.Hour()*60 + now.Minute()
			startM := start.Hour()*60 + start.Minute()
			endM := end.Hour()*60 + end.Minute()
			if startM <= endM {
				return minutes >= startM && minutes < endM
			}
			// window wraps midnight
			return minutes >= startM || minutes < endM
		}
	}
	return false
}

func evalPair(args any, ctx EvalContext) (any, any) {
	list := args.([]any)
	return evalValue(list[0], ctx), evalValue(list[1], ctx)
}

func evalValue(arg any, ctx EvalContext) any {
	obj, ok := arg.(map[string]any)
	if !ok {
		return arg
	}
	if path, isVar := obj["var"].(string); isVar && len(obj) == 1 {
		return ctx.lookup(path)
	}
	// nested boolean node used as a value
	return evalBool(obj, ctx)
}

func defined(v any) bool {
	_, isUndefined := v.(undefined)
	return !isUndefined
}

func equal(a, b any) bool {
	if !defined(a) || !defined(b) {
		return false
	}
	if fa, fb, ok := numericPair(a, b); ok {
		return fa == fb
	}
	return a == b
}

// compare returns -1/0/1 and whether the operands were comparable. Strings
// compare lexically, numbers numerically; mixed or undefined operands are
// not comparable.
func compare(a, b any) (int, bool) {
	if !defined(a) || !defined(b) {
		return 0, false
	}
	if fa, fb, ok := numericPair(a, b); ok {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func numericPair(a, b any) (float64, float64, bool) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	return fa, fb, okA && okB
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
