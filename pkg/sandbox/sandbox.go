package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/acs/pkg/extension"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds the interpreter time of one pass
const DefaultTimeout = 50 * time.Millisecond

// ErrCommitOverflow means a script committed again after its execution was
// stopped at the maximum revision, usually because a pcall swallowed the
// stop. It is a script bug and cannot be recovered by retrying.
var ErrCommitOverflow = errors.New("commit called past the maximum revision")

// Extensions runs extension calls for Execute
type Extensions interface {
	Run(ctx context.Context, args []string) (*extension.Result, error)
}

// Script is a compiled provision or virtual parameter script
type Script struct {
	Name  string
	proto *lua.FunctionProto
}

// PendingCall is an extension call a pass could not resolve from the cache
type PendingCall struct {
	Key  string
	Args []string
}

// Result is the outcome of one script pass
type Result struct {
	Fault       *types.Fault
	Clear       []types.Clear
	Declare     []types.Declaration
	Done        bool
	ReturnValue any
	Pending     []PendingCall
	Revision    int
}

// Compile parses and compiles source
func Compile(name, source string) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script %s: %w", name, err)
	}
	return &Script{Name: name, proto: proto}, nil
}

// Sandbox runs scripts against session state
type Sandbox struct {
	ext     Extensions
	timeout time.Duration
	scripts *lru.Cache
	logger  zerolog.Logger
}

// Option configures a Sandbox
type Option func(*Sandbox)

// WithTimeout sets the interpreter time limit of one pass
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.timeout = d }
}

// WithLogger replaces the sandbox logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sandbox) { s.logger = logger }
}

// New creates a sandbox that resolves extension calls through ext
func New(ext Extensions, opts ...Option) *Sandbox {
	cache, _ := lru.New(512)
	s := &Sandbox{
		ext:     ext,
		timeout: DefaultTimeout,
		scripts: cache,
		logger:  log.WithComponent("sandbox"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Script returns the compiled script for (revision, name), compiling source
// on a cache miss
func (s *Sandbox) Script(revision, name, source string) (*Script, error) {
	key := revision + ":" + name
	if v, ok := s.scripts.Get(key); ok {
		return v.(*Script), nil
	}
	script, err := Compile(name, source)
	if err != nil {
		return nil, err
	}
	s.scripts.Add(key, script)
	return script, nil
}

// Run executes one pass of script from the top. Declarations and clears made
// at revisions in [startRevision, maxRevision] are returned. The pass stops at
// the commit that would exceed maxRevision, or at the first extension call
// missing from the session's extension cache. A pass stopped by an extension
// call returns only the pending calls.
func (s *Sandbox) Run(ctx context.Context, script *Script, globals map[string]any, sc *types.SessionContext, startRevision, maxRevision int) (*Result, error) {
	res, _, err := s.run(ctx, script, globals, sc, startRevision, maxRevision, 0)
	return res, err
}

// Execute runs script, resolving pending extension calls between passes,
// until a pass completes without pending calls.
func (s *Sandbox) Execute(ctx context.Context, script *Script, globals map[string]any, sc *types.SessionContext, startRevision, maxRevision int) (*Result, error) {
	extCounter := 0
	for {
		res, extCalls, err := s.run(ctx, script, globals, sc, startRevision, maxRevision, extCounter)
		if err != nil || res.Fault != nil || len(res.Pending) == 0 {
			return res, err
		}

		results := make([]*extension.Result, len(res.Pending))
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range res.Pending {
			g.Go(func() error {
				r, err := s.ext.Run(gctx, call.Args)
				results[i] = r
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("failed to run extensions: %w", err)
		}

		for i, call := range res.Pending {
			if f := results[i].Fault; f != nil {
				fault := *f
				fault.Timestamp = sc.Timestamp
				return &Result{Fault: &fault}, nil
			}
			if sc.ExtensionsCache == nil {
				sc.ExtensionsCache = make(map[string]any)
			}
			sc.ExtensionsCache[call.Key] = results[i].Value
		}
		extCounter = extCalls
	}
}

func (s *Sandbox) run(ctx context.Context, script *Script, globals map[string]any, sc *types.SessionContext, startRevision, maxRevision, extCounter int) (*Result, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	st := newState(sc, script.Name, startRevision, maxRevision, extCounter, s.logger)
	L, err := st.newLState()
	if err != nil {
		return nil, 0, err
	}
	defer L.Close()
	L.SetContext(runCtx)

	for k, v := range globals {
		L.SetGlobal(k, toLua(L, v))
	}

	L.Push(L.NewFunctionFromProto(script.proto))
	callErr := L.PCall(0, 1, nil)

	if st.fatal != nil {
		return nil, st.extCalls, fmt.Errorf("script %s: %w", script.Name, st.fatal)
	}

	res := &Result{
		Clear:    st.clears,
		Declare:  st.declarations,
		Revision: min(st.revision, maxRevision),
	}

	switch st.suspend {
	case suspendCommit:
		return res, st.extCalls, nil
	case suspendExt:
		return &Result{Pending: st.pending, Revision: res.Revision}, st.extCalls, nil
	}

	if callErr != nil {
		if ctx.Err() != nil {
			return nil, st.extCalls, ctx.Err()
		}
		if runCtx.Err() != nil {
			return &Result{Fault: &types.Fault{
				Code:      "script.Timeout",
				Message:   fmt.Sprintf("script %s exceeded %s", script.Name, s.timeout),
				Timestamp: sc.Timestamp,
			}}, st.extCalls, nil
		}
		return &Result{Fault: scriptFault(callErr, sc.Timestamp)}, st.extCalls, nil
	}

	res.Done = true
	res.ReturnValue = fromLua(L.Get(-1))
	return res, st.extCalls, nil
}

// scriptFault maps an uncaught Lua error to a script.<Name> fault
func scriptFault(err error, ts int64) *types.Fault {
	name := "Error"
	message := err.Error()
	stack := ""

	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		stack = trimStack(apiErr.StackTrace)
		switch obj := apiErr.Object.(type) {
		case *lua.LTable:
			if n, ok := obj.RawGetString("name").(lua.LString); ok && n != "" {
				name = string(n)
			}
			message = lua.LVAsString(obj.RawGetString("message"))
		case lua.LString:
			message = string(obj)
		}
	}

	return &types.Fault{
		Code:      "script." + name,
		Message:   message,
		Detail:    map[string]any{"name": name, "message": message, "stack": stack},
		Timestamp: ts,
	}
}

// trimStack drops interpreter frames from a Lua traceback
func trimStack(stack string) string {
	var kept []string
	for _, line := range strings.Split(stack, "\n") {
		if strings.Contains(line, "[G]:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
