package sandbox

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/cuemby/acs/pkg/types"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"github.com/zeebo/blake3"
)

type suspend int

const (
	suspendNone suspend = iota
	suspendCommit
	suspendExt
)

// state is the per-pass execution context of one script
type state struct {
	sc            *types.SessionContext
	name          string
	startRevision int
	maxRevision   int
	extCounter    int
	logger        zerolog.Logger

	revision    int
	extCalls    int
	uncommitted bool
	suspend     suspend
	fatal       error

	declarations []types.Declaration
	clears       []types.Clear
	pending      []PendingCall
	pendingKeys  map[string]bool

	rng         *rand.Rand
	wrapperMeta *lua.LTable
}

func newState(sc *types.SessionContext, name string, startRevision, maxRevision, extCounter int, logger zerolog.Logger) *state {
	return &state{
		sc:            sc,
		name:          name,
		startRevision: startRevision,
		maxRevision:   maxRevision,
		extCounter:    extCounter,
		logger:        logger.With().Str("script", name).Str("device_id", sc.DeviceID).Logger(),
		pendingKeys:   make(map[string]bool),
		rng:           deviceRand(sc.DeviceID),
	}
}

// deviceRand returns a generator whose sequence depends only on deviceID
func deviceRand(deviceID string) *rand.Rand {
	sum := blake3.Sum256([]byte(deviceID))
	return rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(sum[0:8]),
		binary.BigEndian.Uint64(sum[8:16]),
	))
}

func (st *state) collecting() bool {
	return st.revision >= st.startRevision && st.revision <= st.maxRevision
}

// newLState builds an interpreter with only the safe libraries and the
// provisioning primitives installed
func (st *state) newLState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, err
		}
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "print", "collectgarbage", "getfenv", "setfenv"} {
		L.SetGlobal(name, lua.LNil)
	}

	st.wrapperMeta = L.NewTable()
	L.SetField(st.wrapperMeta, "__index", L.NewFunction(st.wrapperIndex))
	L.SetField(st.wrapperMeta, "__len", L.NewFunction(st.wrapperLen))

	L.SetGlobal("declare", L.NewFunction(st.declare))
	L.SetGlobal("clear", L.NewFunction(st.clear))
	L.SetGlobal("commit", L.NewFunction(st.commit))
	L.SetGlobal("ext", L.NewFunction(st.ext))
	L.SetGlobal("log", L.NewFunction(st.log))

	date := L.NewTable()
	L.SetField(date, "now", L.NewFunction(st.dateNow))
	L.SetGlobal("Date", date)

	if m, ok := L.GetGlobal(lua.MathLibName).(*lua.LTable); ok {
		L.SetField(m, "random", L.NewFunction(st.random))
		L.SetField(m, "randomseed", L.NewFunction(func(*lua.LState) int { return 0 }))
	}
	return L, nil
}
