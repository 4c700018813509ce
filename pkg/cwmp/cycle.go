package cwmp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cuemby/acs/pkg/events"
	"github.com/cuemby/acs/pkg/localcache"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/scheduler"
	"github.com/cuemby/acs/pkg/session"
	"github.com/cuemby/acs/pkg/types"
)

// nextRPC runs work cycles until one needs an RPC. It returns nil when
// there is nothing left to do in this session.
func (e *Engine) nextRPC(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot) (*types.ACSRequest, error) {
	for {
		if sc.Cycle == "" {
			started, err := e.startCycle(ctx, sc, snap)
			if err != nil || !started {
				return nil, err
			}
			continue
		}

		fault, req, err := e.evaluator.RPCRequest(ctx, sc, snap, sc.ExtraDeclarations)
		if err != nil {
			return nil, err
		}
		if req != nil {
			return req, nil
		}
		if fault != nil {
			e.cycleFault(sc, fault)
			continue
		}
		e.completeCycle(sc, snap)
	}
}

// endCycle drops the queued provisions of the current cycle
func endCycle(sc *types.SessionContext) {
	session.ClearProvisions(sc)
	sc.Cycle = ""
	sc.Whitelist = ""
}

// cycleFault attributes fault to the channels of the current cycle and
// abandons it
func (e *Engine) cycleFault(sc *types.SessionContext, fault *types.Fault) {
	fault.Precondition = sc.Cycle == types.CyclePreconditions
	if err := e.RecordFault(sc, fault, sc.Provisions, sc.Channels); err != nil {
		logger := log.WithSessionID(sc.DeviceID, sc.SessionID)
		logger.Warn().Err(err).Str("code", fault.Code).Msg("Dropping fault")
	}
	endCycle(sc)
}

// completeCycle settles a cycle whose declarations are all satisfied
func (e *Engine) completeCycle(sc *types.SessionContext, snap *types.Snapshot) {
	switch sc.Cycle {
	case types.CyclePreconditions:
		e.queueMatchingPresets(sc, snap)
		return

	case types.CycleTask:
		for channel := range sc.Channels {
			e.clearFault(sc, channel)
			if task := findTask(sc, channel); task != nil {
				e.completeTask(sc, task)
			}
		}

	case types.CyclePresets:
		for channel := range sc.Channels {
			e.clearFault(sc, channel)
		}
		if sc.Whitelist == "" && sc.Tree().Version() == sc.PresetChangeMark {
			sc.PresetsDone = true
		}
	}
	endCycle(sc)
}

func findTask(sc *types.SessionContext, channel string) *types.Task {
	for _, t := range sc.Tasks {
		if t.Channel() == channel {
			return t
		}
	}
	return nil
}

func (e *Engine) completeTask(sc *types.SessionContext, task *types.Task) {
	sc.Tasks = slices.DeleteFunc(sc.Tasks, func(t *types.Task) bool { return t.ID == task.ID })
	sc.DoneTasks = append(sc.DoneTasks, task.ID)
	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)
	logger.Info().
		Str("task_id", task.ID).
		Str("task", string(task.Name)).
		Msg("Task completed")
	e.broker.Publish(events.NewEvent(events.EventTaskCompleted, sc.DeviceID, sc.SessionID, string(task.Name)).
		With("task_id", task.ID))
}

// startCycle queues the next unit of work: a whitelisted channel first,
// then tasks in order, then presets. It returns false when nothing is left.
func (e *Engine) startCycle(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot) (bool, error) {
	e.expireTasks(sc)
	retryDelay := localcache.ConfigInt(snap, "cwmp.retryDelay", DefaultRetryDelay)
	white := whitelist(sc, retryDelay)

	for _, task := range sc.Tasks {
		channel := task.Channel()
		if white != "" && channel != white {
			continue
		}
		if _, faulted := sc.Faults[channel]; faulted && channel != white {
			continue
		}
		provisions, err := TaskProvisions(task)
		if err != nil {
			e.RecordFault(sc, &types.Fault{
				Code:      "invalid_arguments",
				Message:   err.Error(),
				Timestamp: sc.Timestamp,
			}, nil, map[string]types.ProvisionSet{channel: nil})
			return true, nil
		}
		sc.Cycle = types.CycleTask
		if channel == white {
			sc.Whitelist = white
		}
		session.AddProvisions(sc, channel, provisions)
		return true, nil
	}

	if strings.HasPrefix(white, "task_") {
		// The task behind this fault no longer exists
		e.clearFault(sc, white)
		return true, nil
	}
	if white == "" && sc.PresetsDone {
		return false, nil
	}
	return e.applyPresets(ctx, sc, snap, white)
}

// expireTasks drops tasks whose expiry has passed
func (e *Engine) expireTasks(sc *types.SessionContext) {
	var expired []*types.Task
	for _, t := range sc.Tasks {
		if t.Expiry > 0 && t.Expiry <= sc.Timestamp {
			expired = append(expired, t)
		}
	}
	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)
	for _, t := range expired {
		logger.Info().Str("task_id", t.ID).Msg("Task expired")
		e.clearFault(sc, t.Channel())
		sc.Tasks = slices.DeleteFunc(sc.Tasks, func(x *types.Task) bool { return x.ID == t.ID })
		sc.DoneTasks = append(sc.DoneTasks, t.ID)
	}
}

// presetChannel is the channel a preset's provisions run on
func presetChannel(p *types.Preset) string {
	if p.Channel != "" {
		return p.Channel
	}
	return p.Name
}

// eventsMatch reports whether the session's Inform events satisfy the
// preset's event filter. Filter keys match either the full event code or
// the code without its numeric prefix.
func eventsMatch(sessionEvents []string, filter map[string]bool) bool {
	for name, want := range filter {
		found := false
		for _, ev := range sessionEvents {
			_, short, _ := strings.Cut(ev, " ")
			if ev == name || short == name {
				found = true
				break
			}
		}
		if found != want {
			return false
		}
	}
	return true
}

// presetSelection is the outcome of filtering presets for one cycle
type presetSelection struct {
	presets []*types.Preset
	// deferred channels faulted after their preconditions passed; their
	// provisions are appended to the stored fault instead of run
	deferred map[string]bool
}

// selectPresets filters presets by whitelist, blacklist, events and schedule
func (e *Engine) selectPresets(sc *types.SessionContext, snap *types.Snapshot, white string) presetSelection {
	sel := presetSelection{deferred: make(map[string]bool)}
	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)

	for _, p := range snap.Presets {
		channel := presetChannel(p)
		if white != "" && channel != white {
			continue
		}
		if f, ok := sc.Faults[channel]; ok && channel != white {
			if f.Precondition {
				continue
			}
			sel.deferred[channel] = true
		}
		if !eventsMatch(sc.Events, p.Events) {
			continue
		}
		if p.Schedule != nil {
			schedule, err := scheduler.ParseCron(p.Schedule.Expression)
			if err != nil {
				logger.Warn().Err(err).Str("preset", p.Name).Msg("Invalid preset schedule")
				continue
			}
			in, err := scheduler.Window(sc.Timestamp, schedule, 0, p.Schedule.Duration*1000)
			if err != nil || !in {
				continue
			}
		}
		sel.presets = append(sel.presets, p)
	}
	return sel
}

// applyPresets starts a preset cycle by declaring the paths the candidate
// presets' preconditions read
func (e *Engine) applyPresets(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot, white string) (bool, error) {
	sel := e.selectPresets(sc, snap, white)
	if len(sel.presets) == 0 {
		if white != "" {
			e.clearFault(sc, white)
			return true, nil
		}
		sc.PresetsDone = true
		return false, nil
	}

	sc.PresetCycles++
	var conds []types.Condition
	for _, p := range sel.presets {
		session.AddProvisions(sc, presetChannel(p), nil)
		conds = append(conds, p.Precondition...)
	}
	if sc.PresetCycles > MaxPresetCycles {
		e.RecordFault(sc, &types.Fault{
			Code:      "preset_loop",
			Message:   fmt.Sprintf("The presets are stuck in an endless configuration loop after %d cycles", MaxPresetCycles),
			Timestamp: sc.Timestamp,
		}, nil, sc.Channels)
		endCycle(sc)
		sc.PresetsDone = true
		return true, nil
	}

	sc.Cycle = types.CyclePreconditions
	sc.Whitelist = white
	sc.ExtraDeclarations = session.PreconditionDeclarations(conds)
	return true, nil
}

// queueMatchingPresets runs after the precondition paths are fetched and
// queues the provisions of the presets whose conditions hold
func (e *Engine) queueMatchingPresets(sc *types.SessionContext, snap *types.Snapshot) {
	white := sc.Whitelist
	sel := e.selectPresets(sc, snap, white)
	tree := sc.Tree()

	session.ClearProvisions(sc)
	sc.Whitelist = white
	sc.Cycle = types.CyclePresets
	sc.PresetChangeMark = tree.Version()

	for _, p := range sel.presets {
		if !session.MatchConditions(tree, p.Precondition) {
			continue
		}
		channel := presetChannel(p)
		if sel.deferred[channel] {
			f := *sc.Faults[channel]
			for _, prov := range p.Provisions {
				if !slices.ContainsFunc(f.Provisions, func(q []any) bool { return fmt.Sprint(q) == fmt.Sprint(prov) }) {
					f.Provisions = append(f.Provisions, prov)
				}
			}
			sc.Faults[channel] = &f
			sc.FaultsTouched[channel] = true
			continue
		}
		session.AddProvisions(sc, channel, p.Provisions)
	}

	if len(sc.Provisions) == 0 {
		if white != "" {
			e.clearFault(sc, white)
		} else {
			sc.PresetsDone = true
		}
		endCycle(sc)
	}
}

// TaskProvisions maps a task to the provisions that carry it out
func TaskProvisions(task *types.Task) ([][]any, error) {
	switch task.Name {
	case types.TaskGetParameterValues:
		if len(task.ParameterNames) == 0 {
			return nil, fmt.Errorf("task %s has no parameterNames", task.ID)
		}
		out := make([][]any, 0, len(task.ParameterNames))
		for _, name := range task.ParameterNames {
			out = append(out, []any{"refresh", name})
		}
		return out, nil

	case types.TaskSetParameterValues:
		if len(task.ParameterValues) == 0 {
			return nil, fmt.Errorf("task %s has no parameterValues", task.ID)
		}
		out := make([][]any, 0, len(task.ParameterValues))
		for _, pv := range task.ParameterValues {
			if len(pv) < 2 {
				return nil, fmt.Errorf("task %s has a malformed parameter value", task.ID)
			}
			name, ok := pv[0].(string)
			if !ok {
				return nil, fmt.Errorf("task %s has a malformed parameter name", task.ID)
			}
			value := pv[1]
			if len(pv) > 2 {
				value = []any{pv[1], pv[2]}
			}
			out = append(out, []any{"value", name, value})
		}
		return out, nil

	case types.TaskRefreshObject:
		if task.ObjectName == "" {
			return nil, fmt.Errorf("task %s has no objectName", task.ID)
		}
		return [][]any{{"refresh", strings.TrimSuffix(task.ObjectName, ".")}}, nil

	case types.TaskReboot:
		return [][]any{{"reboot"}}, nil

	case types.TaskFactoryReset:
		return [][]any{{"reset"}}, nil

	case types.TaskDownload:
		if task.FileName == "" {
			return nil, fmt.Errorf("task %s has no fileName", task.ID)
		}
		return [][]any{{"download", task.FileType, task.FileName, task.TargetFileName}}, nil

	case types.TaskDeleteObject:
		if task.ObjectName == "" {
			return nil, fmt.Errorf("task %s has no objectName", task.ID)
		}
		return [][]any{{"instances", strings.TrimSuffix(task.ObjectName, "."), 0}}, nil

	case types.TaskProvisions:
		if len(task.Provisions) == 0 {
			return nil, fmt.Errorf("task %s has no provisions", task.ID)
		}
		return task.Provisions, nil
	}
	return nil, fmt.Errorf("unknown task %q", task.Name)
}
