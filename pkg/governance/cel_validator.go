package governance

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// newCELValidator compiles params.expression once at load. The expression sees the
// candidate through a fixed set of variables and must return a bool.
func newCELValidator(p Params) (Check, error) {
	expr, err := p.String("expression", "")
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, fmt.Errorf("cel validator requires params.expression")
	}
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("tier", types.StringType),
			decls.NewVariable("change_type", types.StringType),
			decls.NewVariable("agent_id", types.StringType),
			decls.NewVariable("paths", types.NewListType(types.StringType)),
			decls.NewVariable("signed", types.BoolType),
			decls.NewVariable("metrics", types.NewMapType(types.StringType, types.DoubleType)),
			decls.NewVariable("labels", types.NewMapType(types.StringType, types.StringType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(types.BoolType) {
		return nil, fmt.Errorf("cel expression must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}

	return func(in Input) Result {
		out, _, err := prg.Eval(celActivation(in))
		if err != nil {
			return fail("cel_evaluation_error", map[string]any{"error": err.Error(), "expression": expr})
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fail("cel_non_boolean", map[string]any{"expression": expr})
		}
		if !allowed {
			return fail("cel_rule_denied", map[string]any{"expression": expr})
		}
		return pass("cel_rule_allowed", nil)
	}, nil
}

func celActivation(in Input) map[string]any {
	c := in.Candidate
	metrics := map[string]float64{}
	put := func(name string, v *float64) {
		if v != nil {
			metrics[name] = *v
		}
	}
	put("coverage_baseline", c.Metrics.CoverageBaseline)
	put("coverage_post", c.Metrics.CoveragePost)
	put("mutations_per_hour", c.Metrics.MutationsPerHour)
	put("memory_mb", c.Metrics.MemoryMB)
	put("cpu_seconds", c.Metrics.CPUSeconds)
	put("wall_seconds", c.Metrics.WallSeconds)
	put("entropy_bits", c.Metrics.EntropyBits)
	put("epoch_entropy_bits", c.Metrics.EpochEntropyBits)

	labels := c.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return map[string]any{
		"tier":        in.Tier.String(),
		"change_type": c.ChangeType,
		"agent_id":    c.AgentID,
		"paths":       c.Paths(),
		"signed":      c.Signature != "",
		"metrics":     metrics,
		"labels":      labels,
	}
}
