// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscale

import (
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

var exprFunctions = map[string]function.Function{
	"min":   stdlib.MinFunc,
	"max":   stdlib.MaxFunc,
	"ceil":  stdlib.CeilFunc,
	"floor": stdlib.FloorFunc,
	"abs":   stdlib.AbsoluteFunc,
}

// exprFormula is a user-supplied expression such as
//
//	pending_tasks > 0 ? min(pending_tasks, max_nodes) : floor(current_dedicated / 2)
//
// or, to request low-priority nodes as well,
//
//	{ dedicated = 1, low_priority = min(pending_tasks, 4) }
type exprFormula struct {
	text     string
	expr     hcl.Expression
	maxNodes int
}

func compileExpr(text string, maxNodes int) (*exprFormula, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(text), "formula", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, diags
	}
	f := &exprFormula{text: text, expr: expr, maxNodes: maxNodes}
	// Catch unknown variables and type errors now rather than at
	// the first evaluation.
	if _, err := f.Evaluate(Metrics{PendingTasks: 1, ElapsedMinutes: 1, TaskSlotsPerNode: 1, CurrentDedicated: 1}); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *exprFormula) Name() string { return f.text }

func (f *exprFormula) Evaluate(m Metrics) (Target, error) {
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"pending_tasks":       cty.NumberIntVal(int64(sampledTasks(m))),
			"elapsed_minutes":     cty.NumberFloatVal(m.ElapsedMinutes),
			"task_slots_per_node": cty.NumberIntVal(int64(m.TaskSlotsPerNode)),
			"current_dedicated":   cty.NumberIntVal(int64(m.CurrentDedicated)),
			"max_nodes":           cty.NumberIntVal(int64(f.maxNodes)),
		},
		Functions: exprFunctions,
	}
	val, diags := f.expr.Value(ctx)
	if diags.HasErrors() {
		return Target{}, diags
	}
	if val.IsNull() || !val.IsWhollyKnown() {
		return Target{}, fmt.Errorf("formula %q evaluated to null", f.text)
	}
	var target Target
	var err error
	switch {
	case val.Type() == cty.Number:
		target.Dedicated, err = f.count(val)
	case val.Type().IsObjectType():
		if val.Type().HasAttribute("dedicated") {
			if target.Dedicated, err = f.count(val.GetAttr("dedicated")); err != nil {
				return Target{}, err
			}
		}
		if val.Type().HasAttribute("low_priority") {
			target.LowPriority, err = f.count(val.GetAttr("low_priority"))
		}
	default:
		err = fmt.Errorf("formula %q must evaluate to a number or an object, not %s", f.text, val.Type().FriendlyName())
	}
	if err != nil {
		return Target{}, err
	}
	if f.maxNodes > 0 && target.Total() > f.maxNodes {
		target.LowPriority = clamp(target.LowPriority, 0, f.maxNodes-target.Dedicated)
		target.Dedicated = clamp(target.Dedicated, 0, f.maxNodes)
	}
	return target, nil
}

func (f *exprFormula) count(val cty.Value) (int, error) {
	var n float64
	if err := gocty.FromCtyValue(val, &n); err != nil {
		return 0, fmt.Errorf("formula %q: %w", f.text, err)
	}
	if math.IsNaN(n) || n < 0 {
		return 0, nil
	}
	if f.maxNodes > 0 && n > float64(f.maxNodes) {
		return f.maxNodes, nil
	}
	return int(math.Floor(n)), nil
}
