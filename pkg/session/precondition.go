package session

import (
	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/types"
)

// PreconditionDeclarations returns read-only declarations for the paths
// conditions refer to
func PreconditionDeclarations(conds []types.Condition) []types.Declaration {
	seen := make(map[string]bool)
	var out []types.Declaration
	for _, c := range conds {
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		d := types.Declaration{Path: c.Path, PathGet: 1}
		if c.Op != "exists" {
			d.AttrGet = map[string]int64{"value": 1}
		}
		out = append(out, d)
	}
	return out
}

// MatchConditions reports whether every condition holds. A condition on a
// pattern holds when any matching parameter satisfies it.
func MatchConditions(tree *devicedata.Tree, conds []types.Condition) bool {
	for _, c := range conds {
		if !matchCondition(tree, c) {
			return false
		}
	}
	return true
}

func matchCondition(tree *devicedata.Tree, c types.Condition) bool {
	matches := tree.Match(c.Path)
	if c.Op == "exists" {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return (len(matches) > 0) == want
	}

	for _, m := range matches {
		param := tree.Get(m)
		if param.Value == nil {
			continue
		}
		cmp, ok := devicedata.Compare(devicedata.Native(param.Value.Value, param.Value.Type), c.Value)
		if !ok {
			continue
		}
		var hit bool
		switch c.Op {
		case "=", "==":
			hit = cmp == 0
		case "<>", "!=":
			hit = cmp != 0
		case "<":
			hit = cmp < 0
		case ">":
			hit = cmp > 0
		case "<=":
			hit = cmp <= 0
		case ">=":
			hit = cmp >= 0
		}
		if hit {
			return true
		}
	}
	return false
}
