package session

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/types"
)

// planner turns declarations into the next RPC against the device tree
type planner struct {
	sc   *types.SessionContext
	snap *types.Snapshot
	tree *devicedata.Tree
	ts   int64
}

func newPlanner(sc *types.SessionContext, snap *types.Snapshot) *planner {
	return &planner{sc: sc, snap: snap, tree: sc.Tree(), ts: sc.Timestamp}
}

// clamp keeps requested freshness within the session clock
func (p *planner) clamp(ts int64) int64 {
	return min(ts, p.ts)
}

func (p *planner) valueGet(d *types.Declaration) int64 {
	return p.clamp(d.AttrGet["value"])
}

func getNames(path string, nextLevel bool) *types.ACSRequest {
	if path != "" {
		path += "."
	}
	return &types.ACSRequest{Name: "GetParameterNames", ParameterPath: path, NextLevel: nextLevel}
}

// next returns the first RPC needed to satisfy decs, or nil
func (p *planner) next(decs []types.Declaration) (*types.ACSRequest, *types.Fault) {
	steps := []func([]types.Declaration) *types.ACSRequest{
		p.discover,
		p.attributes,
		p.subtrees,
		p.values,
		p.instances,
		p.sets,
	}
	for _, step := range steps {
		if req := step(decs); req != nil {
			return req, nil
		}
	}
	return p.actions(decs)
}

// discover enumerates the paths needed to resolve every declared pattern
func (p *planner) discover(decs []types.Declaration) *types.ACSRequest {
	for i := range decs {
		d := &decs[i]
		if IsLocal(d.Path) || d.PathGet <= 0 {
			continue
		}
		if prefix, depth, ok := p.undiscovered(d.Path, p.clamp(d.PathGet)); ok {
			return getNames(prefix, depth == 1)
		}
	}
	return nil
}

// undiscovered walks pattern and returns the first prefix whose children
// must be enumerated, along with the number of segments left below it
func (p *planner) undiscovered(pattern string, pathGet int64) (string, int, bool) {
	segs := strings.Split(pattern, ".")
	prefixes := []string{""}
	for i, seg := range segs {
		var next []string
		for _, pre := range prefixes {
			if seg == "*" {
				if p.tree.DiscoveredAt(pre) < pathGet {
					return pre, len(segs) - i, true
				}
				next = append(next, p.tree.Children(pre)...)
				continue
			}
			child := seg
			if pre != "" {
				child = pre + "." + seg
			}
			param := p.tree.Get(child)
			switch {
			case param != nil && param.Timestamp >= pathGet:
				next = append(next, child)
			case p.tree.DiscoveredAt(pre) >= pathGet:
				if param != nil {
					next = append(next, child)
				}
			default:
				return pre, len(segs) - i, true
			}
		}
		prefixes = next
	}
	return "", 0, false
}

// attributes fetches object and writable flags of declared paths
func (p *planner) attributes(decs []types.Declaration) *types.ACSRequest {
	for i := range decs {
		d := &decs[i]
		if IsLocal(d.Path) {
			continue
		}
		objectGet := p.clamp(d.AttrGet["object"])
		if objectGet == 0 && (d.AttrGet["value"] > 0 || d.AttrSet["value"] != nil || d.AttrGet["writable"] > 0) {
			objectGet = 1
		}
		writableGet := p.clamp(d.AttrGet["writable"])
		if objectGet == 0 && writableGet == 0 {
			continue
		}
		for _, m := range p.tree.Match(d.Path) {
			param := p.tree.Get(m)
			if objectGet > 0 && (param.Object == nil || param.Object.Timestamp < objectGet) {
				return getNames(devicedata.Parent(m), true)
			}
			if writableGet > 0 && (param.Writable == nil || param.Writable.Timestamp < writableGet) {
				return getNames(devicedata.Parent(m), true)
			}
		}
	}
	return nil
}

// subtrees enumerates objects whose values are requested
func (p *planner) subtrees(decs []types.Declaration) *types.ACSRequest {
	for i := range decs {
		d := &decs[i]
		ts := p.valueGet(d)
		if IsLocal(d.Path) || ts <= 0 {
			continue
		}
		for _, m := range p.tree.Match(d.Path) {
			if !p.tree.Get(m).IsObject() {
				continue
			}
			for _, k := range p.tree.Subtree(m) {
				if p.tree.Get(k).IsObject() && p.tree.DiscoveredAt(k) < ts {
					return getNames(m, false)
				}
			}
		}
	}
	return nil
}

// values batches stale leaf values into one GetParameterValues
func (p *planner) values(decs []types.Declaration) *types.ACSRequest {
	var names []string
	seen := make(map[string]bool)
	for i := range decs {
		d := &decs[i]
		ts := p.valueGet(d)
		if IsLocal(d.Path) || ts <= 0 {
			continue
		}
		for _, m := range p.tree.Match(d.Path) {
			leaves := []string{m}
			if p.tree.Get(m).IsObject() {
				leaves = p.tree.Subtree(m)
			}
			for _, k := range leaves {
				param := p.tree.Get(k)
				if param.IsObject() || seen[k] {
					continue
				}
				if param.Value == nil || param.Value.Timestamp < ts {
					seen[k] = true
					names = append(names, k)
				}
			}
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &types.ACSRequest{Name: "GetParameterValues", ParameterNames: names}
}

// instances adds or deletes one object instance toward a declared count
func (p *planner) instances(decs []types.Declaration) *types.ACSRequest {
	for i := range decs {
		d := &decs[i]
		if d.PathSet == nil || IsLocal(d.Path) {
			continue
		}
		want := *d.PathSet
		parentPattern, last := devicedata.Parent(d.Path), d.Path[strings.LastIndexByte(d.Path, '.')+1:]

		if last != "*" {
			if want == 0 && p.tree.Get(d.Path) != nil {
				return &types.ACSRequest{Name: "DeleteObject", ObjectName: d.Path + "."}
			}
			continue
		}

		for _, parent := range p.tree.Match(parentPattern) {
			children := p.instanceChildren(parent)
			switch {
			case len(children) < want:
				return &types.ACSRequest{Name: "AddObject", ObjectName: parent + "."}
			case len(children) > want:
				return &types.ACSRequest{Name: "DeleteObject", ObjectName: children[len(children)-1] + "."}
			}
		}
	}
	return nil
}

// instanceChildren returns the object children of parent in instance order
func (p *planner) instanceChildren(parent string) []string {
	var out []string
	for _, c := range p.tree.Children(parent) {
		if p.tree.Get(c).IsObject() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, errA := strconv.Atoi(out[i][len(parent)+1:])
		b, errB := strconv.Atoi(out[j][len(parent)+1:])
		if errA != nil || errB != nil {
			return out[i] < out[j]
		}
		return a < b
	})
	return out
}

// desiredValue normalizes a declared value, either v or [v, type]
func desiredValue(v any, current *devicedata.ValueAttr) (string, string) {
	typ := ""
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		v = arr[0]
		if len(arr) > 1 {
			typ, _ = arr[1].(string)
		}
	}
	if typ == "" && current != nil {
		typ = current.Type
	}
	return devicedata.Format(v, typ)
}

// sameValue reports whether the stored attribute already holds value
func sameValue(current *devicedata.ValueAttr, value string) bool {
	if current == nil {
		return false
	}
	stored, _ := devicedata.Format(devicedata.Native(current.Value, current.Type), current.Type)
	return stored == value
}

// sets batches changed leaf values into one SetParameterValues
func (p *planner) sets(decs []types.Declaration) *types.ACSRequest {
	var list []types.ParameterValue
	seen := make(map[string]bool)
	for i := range decs {
		d := &decs[i]
		v, ok := d.AttrSet["value"]
		if !ok || IsLocal(d.Path) {
			continue
		}
		for _, m := range p.tree.Match(d.Path) {
			param := p.tree.Get(m)
			if param.IsObject() || seen[m] {
				continue
			}
			value, typ := desiredValue(v, param.Value)
			if sameValue(param.Value, value) {
				continue
			}
			seen[m] = true
			list = append(list, types.ParameterValue{Name: m, Value: value, Type: typ})
		}
	}
	if len(list) == 0 {
		return nil
	}
	return &types.ACSRequest{Name: "SetParameterValues", ParameterList: list}
}

// storedStamp reads a local dateTime parameter as milliseconds
func (p *planner) storedStamp(path string) int64 {
	param := p.tree.Get(path)
	if param == nil || param.Value == nil {
		return 0
	}
	ms, _ := toInt64(devicedata.Native(param.Value.Value, param.Value.Type))
	return ms
}

func (p *planner) localString(path string) string {
	if param := p.tree.Get(path); param != nil && param.Value != nil {
		return param.Value.Value
	}
	return ""
}

// actions issues Reboot, FactoryReset and Download when their declared
// stamp is newer than the last one sent
func (p *planner) actions(decs []types.Declaration) (*types.ACSRequest, *types.Fault) {
	for i := range decs {
		d := &decs[i]
		want, ok := toInt64(d.AttrSet["value"])
		if !ok {
			continue
		}
		switch {
		case d.Path == ParamReboot || d.Path == ParamFactoryReset:
			if want <= p.storedStamp(d.Path) {
				continue
			}
			return &types.ACSRequest{
				Name:       d.Path,
				CommandKey: fmt.Sprintf("%s_%d", strings.ToLower(d.Path), want),
				Stamp:      want,
			}, nil

		case strings.HasPrefix(d.Path, RootDownloads+".") && strings.HasSuffix(d.Path, ".Download"):
			if want <= p.storedStamp(d.Path) {
				continue
			}
			base := devicedata.Parent(d.Path)
			key := base[len(RootDownloads)+1:]
			args := &types.DownloadArgs{
				Key:            key,
				FileType:       p.localString(base + ".FileType"),
				FileName:       p.localString(base + ".FileName"),
				TargetFileName: p.localString(base + ".TargetFileName"),
			}
			var file *types.File
			if p.snap != nil {
				file = p.snap.Files[args.FileName]
			}
			if file == nil {
				return nil, &types.Fault{
					Code:      "download.FileNotFound",
					Message:   fmt.Sprintf("file %q does not exist", args.FileName),
					Timestamp: p.ts,
				}
			}
			return &types.ACSRequest{
				Name:           "Download",
				CommandKey:     fmt.Sprintf("%s_%d", key, want),
				FileType:       args.FileType,
				URL:            file.URL,
				FileSize:       file.Size,
				TargetFileName: args.TargetFileName,
				Download:       args,
				Stamp:          want,
			}, nil
		}
	}
	return nil, nil
}

// applyLocal writes declared values of ACS-side parameters. A false tag
// removes the tag.
func (p *planner) applyLocal(decs []types.Declaration) {
	for i := range decs {
		d := &decs[i]
		v, ok := d.AttrSet["value"]
		if !ok || !IsLocal(d.Path) {
			continue
		}
		root, _, _ := strings.Cut(d.Path, ".")
		switch {
		case root == RootVirtualParameters, root == ParamReboot, root == ParamFactoryReset,
			strings.HasSuffix(d.Path, ".Download") && root == RootDownloads:
			continue
		case root == RootTags:
			if b, ok := v.(bool); ok && !b {
				for _, m := range p.tree.Match(d.Path) {
					p.tree.Delete(m)
				}
				continue
			}
		}
		if strings.Contains(d.Path, "*") {
			continue
		}
		value, typ := desiredValue(v, nil)
		if param := p.tree.Get(d.Path); param == nil || !sameValue(param.Value, value) {
			p.tree.SetValue(d.Path, value, typ, p.ts)
		}
	}
}

// syncVirtualParameters mirrors the snapshot's virtual parameter names
func (p *planner) syncVirtualParameters() {
	names := make([]string, 0)
	if p.snap != nil {
		for name := range p.snap.VirtualParameters {
			names = append(names, name)
		}
	}
	for _, c := range p.tree.Children(RootVirtualParameters) {
		if !slices.Contains(names, c[len(RootVirtualParameters)+1:]) {
			p.tree.Delete(c)
		}
	}
	for _, name := range names {
		path := RootVirtualParameters + "." + name
		p.tree.SetExists(path, p.ts)
		if param := p.tree.Get(path); param.Object == nil {
			p.tree.SetObject(path, false, p.ts)
		}
	}
	p.tree.SetDiscovered(RootVirtualParameters, p.ts)
}
