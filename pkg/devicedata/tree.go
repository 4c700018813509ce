package devicedata

import (
	"sort"
	"strings"
)

// BoolAttr is a boolean parameter attribute stamped with the session time it
// was last confirmed.
type BoolAttr struct {
	Timestamp int64 `json:"t"`
	Value     bool  `json:"v"`
}

// ValueAttr is a parameter value with its xsd type.
type ValueAttr struct {
	Timestamp int64  `json:"t"`
	Value     string `json:"v"`
	Type      string `json:"type"`
}

// Param holds the known attributes of one parameter path. Timestamp records
// when the path was last confirmed to exist.
type Param struct {
	Timestamp int64      `json:"t"`
	Object    *BoolAttr  `json:"object,omitempty"`
	Writable  *BoolAttr  `json:"writable,omitempty"`
	Value     *ValueAttr `json:"value,omitempty"`
}

// IsObject reports whether the parameter is known to be an object.
func (p *Param) IsObject() bool {
	return p != nil && p.Object != nil && p.Object.Value
}

// Tree is a device parameter tree. Paths are stored without a trailing dot;
// Discovered maps a path ("" for the root) to the time its children were
// last enumerated.
type Tree struct {
	Params     map[string]*Param `json:"params"`
	Discovered map[string]int64  `json:"discovered"`

	// Change tracking travels with a serialized session.
	Changed  map[string]bool `json:"changed,omitempty"`
	Modified bool            `json:"modified,omitempty"`
	Rev      uint64          `json:"rev,omitempty"`
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		Params:     make(map[string]*Param),
		Discovered: make(map[string]int64),
		Changed:    make(map[string]bool),
	}
}

// Init prepares a tree decoded from storage.
func (t *Tree) Init() *Tree {
	if t.Params == nil {
		t.Params = make(map[string]*Param)
	}
	if t.Discovered == nil {
		t.Discovered = make(map[string]int64)
	}
	if t.Changed == nil {
		t.Changed = make(map[string]bool)
	}
	return t
}

// Version is bumped whenever a value or the structure of the tree changes.
// Timestamp refreshes do not bump it.
func (t *Tree) Version() uint64 {
	return t.Rev
}

// Dirty reports whether anything, including timestamps, changed since load.
func (t *Tree) Dirty() bool {
	return t.Modified
}

// Changes returns the sorted paths whose value or existence changed.
func (t *Tree) Changes() []string {
	paths := make([]string, 0, len(t.Changed))
	for p := range t.Changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ResetChanges forgets recorded changes after a successful save.
func (t *Tree) ResetChanges() {
	t.Changed = make(map[string]bool)
	t.Modified = false
}

func (t *Tree) markChanged(path string) {
	t.Changed[path] = true
	t.Modified = true
	t.Rev++
}

// Get returns the parameter at path or nil.
func (t *Tree) Get(path string) *Param {
	return t.Params[path]
}

// Parent returns the parent path of p ("" for a top-level path).
func Parent(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[:i]
	}
	return ""
}

func (t *Tree) ensure(path string, ts int64) *Param {
	p, ok := t.Params[path]
	if !ok {
		p = &Param{}
		t.Params[path] = p
		t.markChanged(path)
	}
	if ts > p.Timestamp {
		p.Timestamp = ts
		t.Modified = true
	}
	return p
}

// SetExists records that path exists at ts, creating missing ancestors as
// objects.
func (t *Tree) SetExists(path string, ts int64) {
	for parent := Parent(path); parent != ""; parent = Parent(parent) {
		if _, ok := t.Params[parent]; ok {
			break
		}
		t.SetObject(parent, true, ts)
	}
	t.ensure(path, ts)
}

func (t *Tree) setBool(attr **BoolAttr, path string, v bool, ts int64) bool {
	changed := false
	if *attr == nil {
		*attr = &BoolAttr{}
		changed = true
	} else if (*attr).Value != v {
		changed = true
	}
	if changed {
		t.markChanged(path)
	}
	(*attr).Value = v
	if ts > (*attr).Timestamp {
		(*attr).Timestamp = ts
		t.Modified = true
	}
	return changed
}

// SetObject sets the object attribute.
func (t *Tree) SetObject(path string, v bool, ts int64) bool {
	p := t.ensure(path, ts)
	return t.setBool(&p.Object, path, v, ts)
}

// SetWritable sets the writable attribute.
func (t *Tree) SetWritable(path string, v bool, ts int64) bool {
	p := t.ensure(path, ts)
	return t.setBool(&p.Writable, path, v, ts)
}

// SetValue sets the value attribute, returning true when the value or type
// changed.
func (t *Tree) SetValue(path, value, typ string, ts int64) bool {
	t.SetExists(path, ts)
	p := t.Params[path]
	changed := p.Value == nil || p.Value.Value != value || p.Value.Type != typ
	if p.Value == nil {
		p.Value = &ValueAttr{}
	}
	if changed {
		p.Value.Value = value
		p.Value.Type = typ
		t.markChanged(path)
	}
	if ts > p.Value.Timestamp {
		p.Value.Timestamp = ts
		t.Modified = true
	}
	if p.Object == nil {
		p.Object = &BoolAttr{Timestamp: ts}
	}
	return changed
}

// SetDiscovered records that the children of path were enumerated at ts.
func (t *Tree) SetDiscovered(path string, ts int64) {
	if ts > t.Discovered[path] {
		t.Discovered[path] = ts
		t.Modified = true
	}
}

// Delete removes path and its descendants.
func (t *Tree) Delete(path string) {
	prefix := path + "."
	for k := range t.Params {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(t.Params, k)
			t.markChanged(k)
		}
	}
	for k := range t.Discovered {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(t.Discovered, k)
		}
	}
}

// Children returns the direct children of path.
func (t *Tree) Children(path string) []string {
	var out []string
	for k := range t.Params {
		if Parent(k) == path {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Subtree returns path and all its descendants that exist in the tree.
func (t *Tree) Subtree(path string) []string {
	prefix := path + "."
	var out []string
	for k := range t.Params {
		if k == path || path == "" || strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Match returns the sorted existing paths matching pattern. A "*" segment
// matches any single segment.
func (t *Tree) Match(pattern string) []string {
	if !strings.Contains(pattern, "*") {
		if _, ok := t.Params[pattern]; ok {
			return []string{pattern}
		}
		return nil
	}
	segs := strings.Split(pattern, ".")
	var out []string
	for k := range t.Params {
		if MatchPath(segs, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// MatchPath reports whether path matches the pattern segments.
func MatchPath(segs []string, path string) bool {
	parts := strings.Split(path, ".")
	if len(parts) != len(segs) {
		return false
	}
	for i, s := range segs {
		if s != "*" && s != parts[i] {
			return false
		}
	}
	return true
}

// DiscoveredAt returns the time the children of path were last enumerated.
func (t *Tree) DiscoveredAt(path string) int64 {
	return t.Discovered[path]
}

// Clear zeroes timestamps strictly older than ts on every path matching
// pattern and its descendants. attrs selects which attributes are cleared;
// an empty set clears existence, discovery and every attribute.
func (t *Tree) Clear(pattern string, ts int64, attrs map[string]bool) {
	all := len(attrs) == 0
	var roots []string
	if pattern == "" {
		roots = []string{""}
	} else {
		roots = t.Match(pattern)
	}
	for _, root := range roots {
		if all || attrs["path"] {
			if d, ok := t.Discovered[root]; ok && d < ts {
				t.Discovered[root] = 0
				t.Modified = true
			}
		}
		for _, k := range t.Subtree(root) {
			p := t.Params[k]
			if all || attrs["path"] {
				if p.Timestamp < ts {
					p.Timestamp = 0
					t.Modified = true
				}
				if d, ok := t.Discovered[k]; ok && d < ts {
					t.Discovered[k] = 0
				}
			}
			if (all || attrs["object"]) && p.Object != nil && p.Object.Timestamp < ts {
				p.Object.Timestamp = 0
				t.Modified = true
			}
			if (all || attrs["writable"]) && p.Writable != nil && p.Writable.Timestamp < ts {
				p.Writable.Timestamp = 0
				t.Modified = true
			}
			if (all || attrs["value"]) && p.Value != nil && p.Value.Timestamp < ts {
				p.Value.Timestamp = 0
				t.Modified = true
			}
		}
	}
}

// Clone returns a deep copy of the tree without change tracking.
func (t *Tree) Clone() *Tree {
	c := New()
	for k, p := range t.Params {
		cp := &Param{Timestamp: p.Timestamp}
		if p.Object != nil {
			o := *p.Object
			cp.Object = &o
		}
		if p.Writable != nil {
			w := *p.Writable
			cp.Writable = &w
		}
		if p.Value != nil {
			v := *p.Value
			cp.Value = &v
		}
		c.Params[k] = cp
	}
	for k, v := range t.Discovered {
		c.Discovered[k] = v
	}
	return c
}
