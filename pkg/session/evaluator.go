package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/localcache"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/sandbox"
	"github.com/cuemby/acs/pkg/types"
	"github.com/rs/zerolog"
)

// Defaults for the cwmp.* limits read from the snapshot config
const (
	DefaultMaxCommitIterations = 32
	DefaultMaxRPCCount         = 255
)

// Evaluator runs the provisions of a session and decides the next RPC
type Evaluator struct {
	sandbox *sandbox.Sandbox
	logger  zerolog.Logger
}

// NewEvaluator creates an evaluator that runs scripts in sb
func NewEvaluator(sb *sandbox.Sandbox) *Evaluator {
	return &Evaluator{
		sandbox: sb,
		logger:  log.WithComponent("session"),
	}
}

// outcome is the merged result of running every provision once
type outcome struct {
	declarations []types.Declaration
	clears       []types.Clear
	done         []bool
}

// RPCRequest runs the queued provisions plus extra declarations and returns
// either a fault, the next RPC to send, or neither when everything is
// satisfied. Provisions that stop at a commit without needing an RPC are
// advanced to their next revision and run again.
func (e *Evaluator) RPCRequest(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot, extra []types.Declaration) (*types.Fault, *types.ACSRequest, error) {
	maxIterations := int(localcache.ConfigInt(snap, "cwmp.maxCommitIterations", DefaultMaxCommitIterations))
	maxRPCs := int(localcache.ConfigInt(snap, "cwmp.maxRpcCount", DefaultMaxRPCCount))
	for len(sc.ProvisionRevisions) < len(sc.Provisions) {
		sc.ProvisionRevisions = append(sc.ProvisionRevisions, 0)
	}
	completed := make(map[string]bool)

	for {
		out, fault, err := e.runProvisions(ctx, sc, snap)
		if err != nil || fault != nil {
			return fault, nil, err
		}
		decs := append(out.declarations, extra...)

		p := newPlanner(sc, snap)
		for _, c := range out.clears {
			p.tree.Clear(c.Path, c.Timestamp, c.Attributes)
		}
		p.applyLocal(decs)

		vpDecs, pending, fault, err := e.virtualParameters(ctx, sc, snap, p, decs, completed)
		if err != nil || fault != nil {
			return fault, nil, err
		}
		decs = append(decs, vpDecs...)

		req, fault := p.next(decs)
		if fault != nil {
			return fault, nil, nil
		}
		if req != nil {
			sc.RPCCount++
			if sc.RPCCount > maxRPCs {
				return &types.Fault{
					Code:      "too_many_rpcs",
					Message:   fmt.Sprintf("session exceeded %d RPCs", maxRPCs),
					Timestamp: sc.Timestamp,
				}, nil, nil
			}
			req.ID = strconv.Itoa(sc.RPCCount)
			sc.RPCRequest = req
			return nil, req, nil
		}

		advanced := false
		for i, done := range out.done {
			if done {
				continue
			}
			sc.ProvisionRevisions[i]++
			advanced = true
			if sc.ProvisionRevisions[i] > maxIterations {
				return tooManyCommits(sc, fmt.Sprint(sc.Provisions[i]...)), nil, nil
			}
		}
		for _, name := range pending {
			if sc.VirtualRevisions == nil {
				sc.VirtualRevisions = make(map[string]int)
			}
			sc.VirtualRevisions[name]++
			advanced = true
			if sc.VirtualRevisions[name] > maxIterations {
				return tooManyCommits(sc, RootVirtualParameters+"."+name), nil, nil
			}
		}
		if !advanced {
			return nil, nil, nil
		}
	}
}

func tooManyCommits(sc *types.SessionContext, what string) *types.Fault {
	return &types.Fault{
		Code:      "too_many_commits",
		Message:   fmt.Sprintf("too many commit iterations in %s", what),
		Timestamp: sc.Timestamp,
	}
}

// runProvisions runs every queued provision up to its current revision
func (e *Evaluator) runProvisions(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot) (*outcome, *types.Fault, error) {
	out := &outcome{done: make([]bool, len(sc.Provisions))}
	for i, provision := range sc.Provisions {
		if len(provision) == 0 {
			out.done[i] = true
			continue
		}
		name, _ := provision[0].(string)
		args := provision[1:]

		if fn, ok := builtins[name]; ok {
			decs, err := fn(sc, args)
			if err != nil {
				return nil, &types.Fault{
					Code:      "invalid_arguments",
					Message:   fmt.Sprintf("provision %s: %s", name, err),
					Timestamp: sc.Timestamp,
				}, nil
			}
			out.declarations = append(out.declarations, decs...)
			out.done[i] = true
			continue
		}

		source, ok := snapshotScript(snap, name, false)
		if !ok {
			return nil, &types.Fault{
				Code:      "missing_provision",
				Message:   fmt.Sprintf("provision %q does not exist", name),
				Timestamp: sc.Timestamp,
			}, nil
		}
		script, err := e.sandbox.Script(snap.Revision, "provision:"+name, source)
		if err != nil {
			return nil, &types.Fault{
				Code:      "script.SyntaxError",
				Message:   err.Error(),
				Timestamp: sc.Timestamp,
			}, nil
		}
		res, err := e.sandbox.Execute(ctx, script, map[string]any{"args": args}, sc, 0, sc.ProvisionRevisions[i])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to run provision %s: %w", name, err)
		}
		if res.Fault != nil {
			return nil, res.Fault, nil
		}
		out.declarations = append(out.declarations, res.Declare...)
		out.clears = append(out.clears, res.Clear...)
		out.done[i] = res.Done
	}
	return out, nil, nil
}

func snapshotScript(snap *types.Snapshot, name string, virtual bool) (string, bool) {
	if snap == nil {
		return "", false
	}
	if virtual {
		s, ok := snap.VirtualParameters[name]
		return s, ok
	}
	s, ok := snap.Provisions[name]
	return s, ok
}

// virtualParameters runs the scripts of virtual parameters that declarations
// need. It returns the device declarations the scripts made and the names
// of scripts that stopped at a commit.
func (e *Evaluator) virtualParameters(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot, p *planner, decs []types.Declaration, completed map[string]bool) ([]types.Declaration, []string, *types.Fault, error) {
	touched := false
	for i := range decs {
		if root, _, _ := strings.Cut(decs[i].Path, "."); root == RootVirtualParameters {
			touched = true
			break
		}
	}
	if !touched {
		return nil, nil, nil, nil
	}
	p.syncVirtualParameters()

	var (
		out     []types.Declaration
		pending []string
	)
	ran := make(map[string]bool)
	for i := range decs {
		d := &decs[i]
		if root, _, _ := strings.Cut(d.Path, "."); root != RootVirtualParameters {
			continue
		}
		for _, m := range p.tree.Match(d.Path) {
			name := m[len(RootVirtualParameters)+1:]
			if strings.Contains(name, ".") || completed[name] || ran[name] {
				continue
			}
			if !p.virtualNeeded(m, d) {
				continue
			}
			ran[name] = true

			res, fault, err := e.runVirtual(ctx, sc, snap, name, d, p.tree.Get(m))
			if err != nil || fault != nil {
				return nil, nil, fault, err
			}
			out = append(out, res.Declare...)
			for _, c := range res.Clear {
				p.tree.Clear(c.Path, c.Timestamp, c.Attributes)
			}
			if !res.Done {
				pending = append(pending, name)
				continue
			}
			if fault := p.storeVirtual(m, res.ReturnValue); fault != nil {
				return nil, nil, fault, nil
			}
			completed[name] = true
			delete(sc.VirtualRevisions, name)
		}
	}
	return out, pending, nil, nil
}

// virtualNeeded reports whether d asks for data the stored virtual
// parameter does not satisfy
func (p *planner) virtualNeeded(path string, d *types.Declaration) bool {
	param := p.tree.Get(path)
	if ts := p.clamp(d.AttrGet["value"]); ts > 0 && (param.Value == nil || param.Value.Timestamp < ts) {
		return true
	}
	if ts := p.clamp(d.AttrGet["writable"]); ts > 0 && (param.Writable == nil || param.Writable.Timestamp < ts) {
		return true
	}
	if v, ok := d.AttrSet["value"]; ok {
		value, _ := desiredValue(v, param.Value)
		return !sameValue(param.Value, value)
	}
	return false
}

func (e *Evaluator) runVirtual(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot, name string, d *types.Declaration, param *devicedata.Param) (*sandbox.Result, *types.Fault, error) {
	source, ok := snapshotScript(snap, name, true)
	if !ok {
		return nil, &types.Fault{
			Code:      "missing_virtual_parameter",
			Message:   fmt.Sprintf("virtual parameter %q does not exist", name),
			Timestamp: sc.Timestamp,
		}, nil
	}
	script, err := e.sandbox.Script(snap.Revision, "virtual:"+name, source)
	if err != nil {
		return nil, &types.Fault{Code: "script.SyntaxError", Message: err.Error(), Timestamp: sc.Timestamp}, nil
	}

	attrGet := make(map[string]any, len(d.AttrGet))
	for k, v := range d.AttrGet {
		attrGet[k] = v
	}
	attrSet := make(map[string]any, len(d.AttrSet))
	for k, v := range d.AttrSet {
		attrSet[k] = v
	}
	current := map[string]any{}
	if param != nil && param.Value != nil {
		current["value"] = []any{devicedata.Native(param.Value.Value, param.Value.Type), param.Value.Type}
	}
	if param != nil && param.Writable != nil {
		current["writable"] = param.Writable.Value
	}

	res, err := e.sandbox.Execute(ctx, script, map[string]any{
		"args": []any{attrGet, attrSet, current},
	}, sc, 0, sc.VirtualRevisions[name])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run virtual parameter %s: %w", name, err)
	}
	if res.Fault != nil {
		return nil, res.Fault, nil
	}
	return res, nil, nil
}

// storeVirtual writes the table a virtual parameter script returned
func (p *planner) storeVirtual(path string, ret any) *types.Fault {
	m, ok := ret.(map[string]any)
	if !ok || m["value"] == nil {
		return &types.Fault{
			Code:      "script.InvalidReturn",
			Message:   fmt.Sprintf("virtual parameter %s must return a table with a value", path),
			Timestamp: p.ts,
		}
	}
	value, typ := desiredValue(m["value"], nil)
	p.tree.SetValue(path, value, typ, p.ts)
	writable, _ := m["writable"].(bool)
	p.tree.SetWritable(path, writable, p.ts)
	return nil
}
