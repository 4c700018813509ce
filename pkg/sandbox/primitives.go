package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/scheduler"
	"github.com/cuemby/acs/pkg/types"
	lua "github.com/yuin/gopher-lua"
)

// declare(path, timestamps?, values?)
func (st *state) declare(L *lua.LState) int {
	path := L.CheckString(1)
	timestamps := L.OptTable(2, nil)
	values := L.OptTable(3, nil)

	dec := types.Declaration{Path: path, PathGet: 1, Defer: true}
	if ts, ok := tableInt(timestamps, "path"); ok {
		dec.PathGet = ts
	}
	for _, attr := range []string{"object", "writable", "value"} {
		if ts, ok := tableInt(timestamps, attr); ok {
			if dec.AttrGet == nil {
				dec.AttrGet = make(map[string]int64)
			}
			dec.AttrGet[attr] = ts
		}
	}
	if values != nil {
		if n, ok := tableInt(values, "path"); ok {
			count := int(n)
			dec.PathSet = &count
		}
		for _, attr := range []string{"object", "writable", "value"} {
			v := values.RawGetString(attr)
			if v == lua.LNil {
				continue
			}
			if dec.AttrSet == nil {
				dec.AttrSet = make(map[string]any)
			}
			dec.AttrSet[attr] = fromLua(v)
		}
	}

	if st.collecting() {
		st.declarations = append(st.declarations, dec)
	}
	st.uncommitted = true

	ud := L.NewUserData()
	ud.Value = path
	L.SetMetatable(ud, st.wrapperMeta)
	L.Push(ud)
	return 1
}

// clear(path, timestamp, attrs?)
func (st *state) clear(L *lua.LState) int {
	c := types.Clear{
		Path:      L.CheckString(1),
		Timestamp: int64(L.CheckNumber(2)),
	}
	if attrs := L.OptTable(3, nil); attrs != nil {
		c.Attributes = make(map[string]bool)
		attrs.ForEach(func(k, v lua.LValue) {
			if lua.LVAsBool(v) {
				c.Attributes[k.String()] = true
			}
		})
	}
	if st.collecting() {
		st.clears = append(st.clears, c)
	}
	st.uncommitted = true
	return 0
}

func (st *state) commit(L *lua.LState) int {
	if st.suspend != suspendNone {
		if st.suspend == suspendCommit {
			st.fatal = ErrCommitOverflow
		}
		L.RaiseError("execution suspended")
		return 0
	}
	st.revision++
	st.uncommitted = false
	switch {
	case st.revision == st.maxRevision+1:
		st.suspend = suspendCommit
		L.RaiseError("commit")
	case st.revision > st.maxRevision+1:
		st.fatal = ErrCommitOverflow
		L.RaiseError("commit overflow")
	}
	return 0
}

// ext(name, ...) returns the cached result of an extension call or suspends
// the pass until the call is resolved
func (st *state) ext(L *lua.LState) int {
	st.extCalls++
	args := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		args = append(args, lua.LVAsString(L.Get(i)))
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		L.RaiseError("invalid extension arguments: %s", err)
		return 0
	}
	key := fmt.Sprintf("%d:%s", st.revision, encoded)

	if v, ok := st.sc.ExtensionsCache[key]; ok {
		L.Push(toLua(L, v))
		return 1
	}
	if !st.pendingKeys[key] {
		st.pendingKeys[key] = true
		st.pending = append(st.pending, PendingCall{Key: key, Args: args})
	}
	if st.suspend == suspendNone {
		st.suspend = suspendExt
	}
	L.RaiseError("ext")
	return 0
}

// log(message) fires once per logical revision, not on replays
func (st *state) log(L *lua.LState) int {
	msg := L.CheckAny(1)
	if st.revision == st.maxRevision && st.extCalls >= st.extCounter {
		st.logger.Info().Msg(lua.LVAsString(L.ToStringMeta(msg)))
	}
	return 0
}

// Date.now(intervalOrCron?, variance?)
func (st *state) dateNow(L *lua.LState) int {
	ts := st.sc.Timestamp
	arg := L.Get(1)
	if arg == lua.LNil {
		L.Push(lua.LNumber(ts))
		return 1
	}
	offset := int64(0)
	if v, ok := L.Get(2).(lua.LNumber); ok {
		offset = scheduler.Variance(st.sc.DeviceID, int64(v))
	}

	switch x := arg.(type) {
	case lua.LNumber:
		if x <= 0 {
			L.ArgError(1, "interval must be positive")
			return 0
		}
		L.Push(lua.LNumber(scheduler.Interval(ts, int64(x), offset)))
	case lua.LString:
		schedule, err := scheduler.ParseCron(string(x))
		if err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
		prev, _, err := scheduler.Cron(ts, schedule, offset)
		if err != nil {
			L.RaiseError("%s", err)
			return 0
		}
		L.Push(lua.LNumber(prev))
	default:
		L.ArgError(1, "number or cron expression expected")
		return 0
	}
	return 1
}

// math.random with the usual (), (m) and (m, n) forms
func (st *state) random(L *lua.LState) int {
	switch L.GetTop() {
	case 0:
		L.Push(lua.LNumber(st.rng.Float64()))
	case 1:
		m := L.CheckInt64(1)
		if m < 1 {
			L.ArgError(1, "interval is empty")
			return 0
		}
		L.Push(lua.LNumber(1 + st.rng.Int64N(m)))
	default:
		m, n := L.CheckInt64(1), L.CheckInt64(2)
		if m > n {
			L.ArgError(2, "interval is empty")
			return 0
		}
		L.Push(lua.LNumber(m + st.rng.Int64N(n-m+1)))
	}
	return 1
}

// wrapperIndex reads an attribute of a declared path. Reading forces a
// commit when declarations are outstanding.
func (st *state) wrapperIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	key := L.CheckString(2)
	if st.uncommitted {
		st.commit(L)
	}

	path, _ := ud.Value.(string)
	tree := st.tree()
	matches := tree.Match(path)

	switch key {
	case "size":
		L.Push(lua.LNumber(len(matches)))
		return 1
	case "paths":
		L.Push(toLua(L, matches))
		return 1
	}
	if len(matches) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	p := tree.Get(matches[0])
	switch key {
	case "path":
		L.Push(lua.LString(matches[0]))
	case "value":
		if p.Value == nil {
			L.Push(lua.LNil)
			break
		}
		t := L.CreateTable(2, 0)
		t.Append(toLua(L, devicedata.Native(p.Value.Value, p.Value.Type)))
		t.Append(lua.LString(p.Value.Type))
		L.Push(t)
	case "writable":
		if p.Writable == nil {
			L.Push(lua.LNil)
			break
		}
		L.Push(lua.LBool(p.Writable.Value))
	case "object":
		if p.Object == nil {
			L.Push(lua.LNil)
			break
		}
		L.Push(lua.LBool(p.Object.Value))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func (st *state) wrapperLen(L *lua.LState) int {
	ud := L.CheckUserData(1)
	if st.uncommitted {
		st.commit(L)
	}
	path, _ := ud.Value.(string)
	L.Push(lua.LNumber(len(st.tree().Match(path))))
	return 1
}

func (st *state) tree() *devicedata.Tree {
	if st.sc.Device == nil || st.sc.Device.Tree == nil {
		return devicedata.New()
	}
	return st.sc.Tree()
}
