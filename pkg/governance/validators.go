package governance

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

func builtinValidators() map[string]Factory {
	return map[string]Factory{
		"single_file_scope":        newSingleFileScope,
		"ast_validity":             newASTValidity,
		"import_policy":            newImportPolicy,
		"signature_present":        newSignaturePresent,
		"banned_tokens":            newBannedTokens,
		"lineage_continuity":       newLineageContinuity,
		"max_complexity_delta":     newComplexityDelta,
		"test_coverage_maintained": newCoverageMaintained,
		"max_mutation_rate":        newMutationRate,
		"resource_bounds":          newResourceBounds,
		"entropy_budget":           newEntropyBudget,
		"cel":                      newCELValidator,
	}
}

func pass(reason string, details map[string]any) Result {
	return Result{OK: true, Reason: reason, Details: details}
}

func fail(reason string, details map[string]any) Result {
	return Result{OK: false, Reason: reason, Details: details}
}

func goSources(c Candidate) []Target {
	var out []Target
	for _, t := range c.Targets {
		if t.Op == OpDelete || !strings.HasSuffix(t.Path, ".go") {
			continue
		}
		out = append(out, t)
	}
	return out
}

func newSingleFileScope(p Params) (Check, error) {
	limit, err := p.Float("max_targets", 0)
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		paths := in.Candidate.Paths()
		details := map[string]any{"target_count": len(paths), "targets": paths}
		if limit > 0 && float64(len(paths)) > limit {
			details["max_targets"] = limit
			return fail("scope_exceeded", details)
		}
		return pass("scope_reported", details)
	}, nil
}

func newASTValidity(Params) (Check, error) {
	return func(in Input) Result {
		sources := goSources(in.Candidate)
		if len(sources) == 0 {
			return pass("no_go_targets", nil)
		}
		failures := map[string]any{}
		for _, t := range sources {
			fset := token.NewFileSet()
			if _, err := parser.ParseFile(fset, t.Path, t.Source, parser.SkipObjectResolution); err != nil {
				failures[NormalizePath(t.Path)] = err.Error()
			}
		}
		if len(failures) > 0 {
			return fail("ast_parse_failed", map[string]any{"errors": failures})
		}
		return pass("ast_ok", map[string]any{"checked": len(sources)})
	}, nil
}

func newImportPolicy(p Params) (Check, error) {
	denied, err := p.Strings("denied", []string{"unsafe", "os/exec", "syscall"})
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		found := map[string]any{}
		for _, t := range goSources(in.Candidate) {
			fset := token.NewFileSet()
			file, err := parser.ParseFile(fset, t.Path, t.Source, parser.ImportsOnly)
			if err != nil {
				return fail("import_parse_failed", map[string]any{"target": NormalizePath(t.Path), "error": err.Error()})
			}
			var hits []string
			for _, spec := range file.Imports {
				imported, err := strconv.Unquote(spec.Path.Value)
				if err != nil {
					continue
				}
				for _, d := range denied {
					if imported == d || strings.HasPrefix(imported, d+"/") {
						hits = append(hits, imported)
					}
				}
			}
			if len(hits) > 0 {
				found[NormalizePath(t.Path)] = hits
			}
		}
		if len(found) > 0 {
			return fail("import_denied", map[string]any{"found": found})
		}
		return pass("imports_ok", nil)
	}, nil
}

func newSignaturePresent(Params) (Check, error) {
	return func(in Input) Result {
		sig := strings.TrimSpace(in.Candidate.Signature)
		switch {
		case sig == "":
			return fail("missing_signature", nil)
		case strings.HasPrefix(sig, "ed25519:"):
			return pass("signature_present", map[string]any{"method": "ed25519"})
		case strings.HasPrefix(sig, "dev-"):
			return pass("signature_present", map[string]any{"method": "dev_signature"})
		}
		return fail("unrecognized_signature_format", nil)
	}, nil
}

func newBannedTokens(p Params) (Check, error) {
	tokens, err := p.Strings("tokens", []string{"//go:linkname", "unsafe.Pointer"})
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		found := map[string]any{}
		for _, t := range in.Candidate.Targets {
			if t.Op == OpDelete {
				continue
			}
			var hits []string
			for _, tok := range tokens {
				if strings.Contains(t.Source, tok) {
					hits = append(hits, tok)
				}
			}
			if len(hits) > 0 {
				found[NormalizePath(t.Path)] = hits
			}
		}
		if len(found) > 0 {
			return fail("banned_tokens", map[string]any{"found": found})
		}
		return pass("no_banned_tokens", nil)
	}, nil
}

func newLineageContinuity(Params) (Check, error) {
	return func(in Input) Result {
		c := in.Candidate
		if c.ChangeType == ChangeTypeGenesis {
			return pass("lineage_genesis", nil)
		}
		if strings.TrimSpace(c.ParentID) == "" {
			return fail("missing_parent", nil)
		}
		return pass("lineage_ok", map[string]any{"parent_id": c.ParentID})
	}, nil
}

// cyclomatic counts decision points in a Go source file.
func cyclomatic(path, source string) (int, error) {
	if source == "" {
		return 0, nil
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, source, parser.SkipObjectResolution)
	if err != nil {
		return 0, err
	}
	complexity := 1
	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.FuncLit:
			complexity++
		case *ast.CaseClause:
			if node.List != nil {
				complexity++
			}
		case *ast.CommClause:
			if node.Comm != nil {
				complexity++
			}
		case *ast.BinaryExpr:
			if node.Op == token.LAND || node.Op == token.LOR {
				complexity++
			}
		}
		return true
	})
	return complexity, nil
}

func newComplexityDelta(p Params) (Check, error) {
	threshold, err := p.Float("threshold", 5)
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		sources := goSources(in.Candidate)
		if len(sources) == 0 {
			return pass("no_go_targets", map[string]any{"threshold": threshold})
		}
		perTarget := map[string]any{}
		baselineTotal, candidateTotal := 0, 0
		for _, t := range sources {
			base, err := cyclomatic(t.Path, t.Baseline)
			if err != nil {
				return fail("complexity_ast_parse_failed", map[string]any{"target": NormalizePath(t.Path), "side": "baseline"})
			}
			cand, err := cyclomatic(t.Path, t.Source)
			if err != nil {
				return fail("complexity_ast_parse_failed", map[string]any{"target": NormalizePath(t.Path), "side": "candidate"})
			}
			baselineTotal += base
			candidateTotal += cand
			perTarget[NormalizePath(t.Path)] = map[string]any{"baseline": base, "candidate": cand, "delta": cand - base}
		}
		delta := candidateTotal - baselineTotal
		details := map[string]any{
			"threshold":       threshold,
			"baseline_total":  baselineTotal,
			"candidate_total": candidateTotal,
			"delta":           delta,
			"targets":         perTarget,
		}
		if float64(delta) > threshold {
			return fail("complexity_delta_exceeded", details)
		}
		return pass("complexity_delta_ok", details)
	}, nil
}

func newCoverageMaintained(p Params) (Check, error) {
	tolerance, err := p.Float("tolerance", 0)
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		m := in.Candidate.Metrics
		if m.CoverageBaseline == nil || m.CoveragePost == nil {
			return fail("coverage_unavailable", nil)
		}
		details := map[string]any{"baseline": *m.CoverageBaseline, "post": *m.CoveragePost, "tolerance": tolerance}
		if *m.CoveragePost+tolerance < *m.CoverageBaseline {
			return fail("coverage_regressed", details)
		}
		return pass("coverage_ok", details)
	}, nil
}

func newMutationRate(p Params) (Check, error) {
	limit, err := p.Float("max_per_hour", 60)
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		if limit <= 0 {
			return pass("rate_limit_disabled", map[string]any{"max_per_hour": limit})
		}
		rate := in.Candidate.Metrics.MutationsPerHour
		if rate == nil {
			return pass("rate_not_reported", map[string]any{"max_per_hour": limit})
		}
		details := map[string]any{"max_per_hour": limit, "rate_per_hour": *rate}
		if *rate > limit {
			return fail("rate_limit_exceeded", details)
		}
		return pass("rate_limit_ok", details)
	}, nil
}

func newResourceBounds(p Params) (Check, error) {
	memory, err := p.Float("memory_mb", 2048)
	if err != nil {
		return nil, err
	}
	cpu, err := p.Float("cpu_seconds", 30)
	if err != nil {
		return nil, err
	}
	wall, err := p.Float("wall_seconds", 60)
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		m := in.Candidate.Metrics
		bounds := []struct {
			name     string
			observed *float64
			limit    float64
		}{
			{"memory_mb", m.MemoryMB, memory},
			{"cpu_seconds", m.CPUSeconds, cpu},
			{"wall_seconds", m.WallSeconds, wall},
		}
		details := map[string]any{}
		var exceeded []string
		measured := false
		for _, b := range bounds {
			if b.observed == nil {
				continue
			}
			measured = true
			details[b.name] = map[string]any{"observed": *b.observed, "limit": b.limit}
			if *b.observed > b.limit {
				exceeded = append(exceeded, b.name)
			}
		}
		if !measured {
			return pass("no_measurements", nil)
		}
		if len(exceeded) > 0 {
			details["exceeded"] = exceeded
			return fail("resource_bounds_exceeded", details)
		}
		return pass("resource_bounds_ok", details)
	}, nil
}

func newEntropyBudget(p Params) (Check, error) {
	perMutation, err := p.Float("max_mutation_bits", 128)
	if err != nil {
		return nil, err
	}
	perEpoch, err := p.Float("max_epoch_bits", 4096)
	if err != nil {
		return nil, err
	}
	return func(in Input) Result {
		if perMutation <= 0 {
			if in.Tier == TierProduction {
				return fail("entropy_budget_disabled_in_production", nil)
			}
			return pass("entropy_budget_disabled", nil)
		}
		m := in.Candidate.Metrics
		details := map[string]any{"max_mutation_bits": perMutation, "max_epoch_bits": perEpoch}
		if m.EntropyBits != nil {
			details["mutation_bits"] = *m.EntropyBits
			if *m.EntropyBits > perMutation {
				return fail("mutation_entropy_budget_exceeded", details)
			}
		}
		if m.EpochEntropyBits != nil {
			details["epoch_bits"] = *m.EpochEntropyBits
			if perEpoch > 0 && *m.EpochEntropyBits > perEpoch {
				return fail("epoch_entropy_budget_exceeded", details)
			}
		}
		return pass("entropy_budget_ok", details)
	}, nil
}

// recoverCheck turns a panicking validator into a failed result.
func recoverCheck(check Check, in Input) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fail("validator_panic", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	return check(in)
}
