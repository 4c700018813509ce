package cwmp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/events"
	"github.com/cuemby/acs/pkg/localcache"
	"github.com/cuemby/acs/pkg/lock"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/cuemby/acs/pkg/sandbox"
	"github.com/cuemby/acs/pkg/session"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/cuemby/acs/pkg/types"
	"github.com/rs/zerolog"
)

// Defaults for cluster configuration keys
const (
	DefaultRetryDelay      = 300
	DefaultSessionTimeout  = 30
	DefaultDownloadTimeout = 3600

	// MaxPresetCycles bounds preset re-evaluation within one session
	MaxPresetCycles = 4

	// sessionGrace keeps an idle session record in the shared cache past
	// its timeout so the reaper can still find it
	sessionGrace = 30 * time.Second

	// parkedSet is the shared set of session ids with a parked record
	parkedSet = "parked_sessions"
)

var (
	// ErrAlreadyInSession means another process holds the device lock
	ErrAlreadyInSession = errors.New("CPE already in session")

	// ErrProtocol is a request that does not fit the session state
	ErrProtocol = errors.New("protocol error")

	// ErrLockLost means the device lock could not be extended
	ErrLockLost = errors.New("session lock lost")

	// ErrNoChannel means a fault had no channel to be attributed to
	ErrNoChannel = errors.New("fault has no channel")
)

// Snapshots resolves configuration snapshots by revision
type Snapshots interface {
	Revision(ctx context.Context) (string, error)
	Get(revision string) (*types.Snapshot, error)
}

// Deps are the collaborators of an Engine
type Deps struct {
	Store      storage.Store
	Cache      storage.Cache
	Locks      *lock.Manager
	Snapshots  Snapshots
	Sandbox    *sandbox.Sandbox
	Extensions sandbox.Extensions
	Broker     *events.Broker
	Clock      func() time.Time
}

// Request is one decoded CPE HTTP request
type Request struct {
	Message       *types.CPEMessage
	Authorization string
	HTTPMethod    string
}

// Reply is the engine's answer to a Request. A nil Message with a zero
// Status is an empty response. End reports that the session is over.
type Reply struct {
	Message *types.ACSMessage
	Status  int
	Header  http.Header
	End     bool
}

// localSession tracks a session this process has served for the reaper
type localSession struct {
	lastActivity int64
	timeout      time.Duration
}

// Engine drives CWMP sessions
type Engine struct {
	store      storage.Store
	cache      storage.Cache
	locks      *lock.Manager
	snapshots  Snapshots
	evaluator  *session.Evaluator
	extensions sandbox.Extensions
	broker     *events.Broker
	now        func() time.Time
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]localSession
}

// NewEngine creates an engine
func NewEngine(deps Deps) *Engine {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      deps.Store,
		cache:      deps.Cache,
		locks:      deps.Locks,
		snapshots:  deps.Snapshots,
		evaluator:  session.NewEvaluator(deps.Sandbox),
		extensions: deps.Extensions,
		broker:     deps.Broker,
		now:        now,
		logger:     log.WithComponent("cwmp"),
		sessions:   make(map[string]localSession),
	}
}

func lockName(deviceID string) string {
	return "session_" + deviceID
}

// NewSession creates the context for a session opened by an Inform
func (e *Engine) NewSession(ctx context.Context, msg *types.CPEMessage) (*types.SessionContext, error) {
	if msg.Method != "Inform" || msg.Inform == nil {
		return nil, fmt.Errorf("%w: session must start with Inform", ErrProtocol)
	}
	revision, err := e.snapshots.Revision(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot revision: %w", err)
	}
	snap, err := e.snapshots.Get(revision)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	deviceID := session.DeviceID(msg.Inform.DeviceID)
	timeout := localcache.ConfigSeconds(snap, "cwmp.sessionTimeout", DefaultSessionTimeout)
	sc := session.New(deviceID, msg.CWMPVersion, timeout, e.now().UnixMilli())
	sc.DeviceInfo = msg.Inform.DeviceID
	sc.Revision = revision
	return sc, nil
}

// ProcessRequest consumes one CPE request and returns the reply
func (e *Engine) ProcessRequest(ctx context.Context, sc *types.SessionContext, req *Request) (*Reply, error) {
	msg := req.Message
	timer := metrics.NewTimer()
	method := msg.Method
	if method == "" {
		method = "Empty"
	}
	defer timer.ObserveDurationVec(metrics.RequestDuration, method)

	sc.LastActivity = e.now().UnixMilli()
	snap, err := e.snapshots.Get(sc.Revision)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", sc.Revision, err)
	}

	if msg.Method == "Inform" {
		return e.inform(ctx, sc, snap, req)
	}
	if sc.State == types.StateAwaitingInform || sc.LockToken == "" {
		return nil, fmt.Errorf("%w: expected Inform, got %s", ErrProtocol, method)
	}
	if err := e.extendLock(ctx, sc); err != nil {
		return nil, err
	}

	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)
	switch msg.Method {
	case "TransferComplete":
		if sc.State != types.StateReady {
			return nil, fmt.Errorf("%w: TransferComplete while awaiting a response", ErrProtocol)
		}
		e.transferComplete(sc, msg.TransferComplete)
		return &Reply{Message: &types.ACSMessage{
			ID:          msg.ID,
			CWMPVersion: sc.CWMPVersion,
			Name:        "TransferCompleteResponse",
		}}, nil

	case "GetRPCMethods":
		if sc.State != types.StateReady {
			return nil, fmt.Errorf("%w: GetRPCMethods while awaiting a response", ErrProtocol)
		}
		return &Reply{Message: &types.ACSMessage{
			ID:          msg.ID,
			CWMPVersion: sc.CWMPVersion,
			Name:        "GetRPCMethodsResponse",
			Methods:     []string{"Inform", "GetRPCMethods", "TransferComplete"},
		}}, nil

	case "Fault":
		if sc.State != types.StateAwaitingCPEResponse {
			return nil, fmt.Errorf("%w: unexpected fault", ErrProtocol)
		}
		fault := session.RPCFault(sc, msg.ID, msg.Fault)
		logger.Warn().Str("code", fault.Code).Msg("CPE returned a fault")
		e.cycleFault(sc, fault)
		sc.State = types.StateReady

	case "":
		if sc.State == types.StateAwaitingCPEResponse {
			logger.Warn().Msg("CPE sent an empty message while a response was due")
			sc.RPCRequest = nil
			sc.State = types.StateReady
		}
		e.timeoutOperations(sc, snap)

	default:
		if sc.State != types.StateAwaitingCPEResponse || msg.Response == nil {
			return nil, fmt.Errorf("%w: unexpected %s", ErrProtocol, msg.Method)
		}
		if err := session.RPCResponse(sc, msg.ID, msg.Response); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		sc.State = types.StateReady
	}

	rpc, err := e.nextRPC(ctx, sc, snap)
	if err != nil {
		return nil, err
	}
	if rpc == nil {
		if err := e.EndSession(ctx, sc); err != nil {
			return nil, err
		}
		return &Reply{End: true}, nil
	}

	sc.State = types.StateAwaitingCPEResponse
	metrics.RPCsTotal.WithLabelValues(rpc.Name).Inc()
	logger.Debug().Str("method", rpc.Name).Str("id", rpc.ID).Msg("Sending RPC")
	return &Reply{Message: &types.ACSMessage{
		ID:          rpc.ID,
		CWMPVersion: sc.CWMPVersion,
		Name:        rpc.Name,
		Request:     rpc,
	}}, nil
}

// inform authenticates the device, takes its lock and loads its state
func (e *Engine) inform(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot, req *Request) (*Reply, error) {
	if sc.State != types.StateAwaitingInform {
		return nil, fmt.Errorf("%w: Inform in an open session", ErrProtocol)
	}
	if reply, err := e.authenticate(ctx, sc, snap, req); err != nil || reply != nil {
		return reply, err
	}

	ttl := sc.Timeout
	token, err := e.locks.Acquire(ctx, lockName(sc.DeviceID), ttl, 0, "")
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if token == "" {
		return nil, ErrAlreadyInSession
	}
	sc.LockToken = token
	sc.ExtendLock = e.now().Add(ttl / 2).UnixMilli()

	if err := e.load(ctx, sc); err != nil {
		_ = e.locks.Release(ctx, lockName(sc.DeviceID), token)
		sc.LockToken = ""
		return nil, err
	}

	res := session.Inform(sc, req.Message.Inform)
	res.ID = req.Message.ID
	e.track(sc)

	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)
	logger.Info().
		Strs("events", sc.Events).
		Int("tasks", len(sc.Tasks)).
		Int("faults", len(sc.Faults)).
		Msg("Session started")
	ev := events.NewEvent(events.EventSessionStarted, sc.DeviceID, sc.SessionID, "session started")
	e.broker.Publish(ev)
	return &Reply{Message: res}, nil
}

// load reads the device and its queued work from the durable store
func (e *Engine) load(ctx context.Context, sc *types.SessionContext) error {
	device, err := e.store.GetDevice(ctx, sc.DeviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sc.New = true
		device = &types.Device{ID: sc.DeviceID}
	case err != nil:
		return fmt.Errorf("failed to load device: %w", err)
	}
	if device.Tree == nil {
		device.Tree = devicedata.New()
	}
	device.Tree.Init()
	sc.Device = device

	if sc.Tasks, err = e.store.ListTasks(ctx, sc.DeviceID); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	if sc.Faults, err = e.store.ListFaults(ctx, sc.DeviceID); err != nil {
		return fmt.Errorf("failed to load faults: %w", err)
	}
	if sc.Operations, err = e.store.ListOperations(ctx, sc.DeviceID); err != nil {
		return fmt.Errorf("failed to load operations: %w", err)
	}
	return nil
}

// extendLock refreshes the device lock once half its ttl has passed
func (e *Engine) extendLock(ctx context.Context, sc *types.SessionContext) error {
	now := e.now()
	if now.UnixMilli() < sc.ExtendLock {
		return nil
	}
	token, err := e.locks.Acquire(ctx, lockName(sc.DeviceID), sc.Timeout, 0, sc.LockToken)
	if err != nil {
		return fmt.Errorf("failed to extend session lock: %w", err)
	}
	if token == "" {
		return ErrLockLost
	}
	sc.ExtendLock = now.Add(sc.Timeout / 2).UnixMilli()
	return nil
}

// transferComplete settles a Download operation
func (e *Engine) transferComplete(sc *types.SessionContext, tc *types.TransferCompleteRequest) {
	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)
	op, fault := session.TransferComplete(sc, tc)
	if op == nil {
		logger.Warn().Str("command_key", tc.CommandKey).Msg("TransferComplete for unknown operation")
		return
	}
	if fault == nil {
		logger.Info().Str("command_key", tc.CommandKey).Msg("Transfer completed")
		return
	}
	if err := e.RecordFault(sc, fault, op.Provisions, op.Channels); err != nil {
		logger.Warn().Err(err).Msg("Failed to record transfer fault")
	}
}

// timeoutOperations turns operations pending past the download timeout
// into faults on their channels
func (e *Engine) timeoutOperations(sc *types.SessionContext, snap *types.Snapshot) {
	expired := session.TimeoutOperations(sc, localcache.ConfigSeconds(snap, "cwmp.downloadTimeout", DefaultDownloadTimeout))
	for _, x := range expired {
		if err := e.RecordFault(sc, x.Fault, x.Operation.Provisions, x.Operation.Channels); err != nil {
			e.logger.Warn().Err(err).Str("command_key", x.CommandKey).Msg("Failed to record operation timeout")
		}
		e.broker.Publish(events.NewEvent(events.EventOperationTimeout, sc.DeviceID, sc.SessionID, x.Fault.Message).
			With("command_key", x.CommandKey))
	}
}

// track registers a session served by this process for the reaper
func (e *Engine) track(sc *types.SessionContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sc.SessionID] = localSession{lastActivity: sc.LastActivity, timeout: sc.Timeout}
}

func (e *Engine) forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

func sessionKey(id string) string {
	return "session_" + id
}

// unpark removes id from the shared index of parked sessions
func (e *Engine) unpark(ctx context.Context, id string) {
	if err := e.cache.SetRemove(ctx, parkedSet, id); err != nil {
		e.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to unindex session")
	}
}

// SaveSession parks a session in the shared cache between HTTP requests
func (e *Engine) SaveSession(ctx context.Context, sc *types.SessionContext) error {
	data, err := session.Serialize(sc)
	if err != nil {
		return err
	}
	remaining := time.Duration(sc.LastActivity+sc.Timeout.Milliseconds()-e.now().UnixMilli()) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	if err := e.cache.Set(ctx, sessionKey(sc.SessionID), string(data), remaining+sessionGrace); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := e.cache.SetAdd(ctx, parkedSet, sc.SessionID); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	e.track(sc)
	return nil
}

// LoadSession returns the session parked under id, or nil if there is none
func (e *Engine) LoadSession(ctx context.Context, id string) (*types.SessionContext, error) {
	data, err := e.cache.Get(ctx, sessionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session.Deserialize([]byte(data))
}

// DropSession removes a parked session
func (e *Engine) DropSession(ctx context.Context, id string) {
	e.forget(id)
	if err := e.cache.Delete(ctx, sessionKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete session record")
	}
	e.unpark(ctx, id)
}

// EndSession persists the session and releases the device lock
func (e *Engine) EndSession(ctx context.Context, sc *types.SessionContext) error {
	return e.endSession(ctx, sc, events.EventSessionEnded, "ok")
}

func (e *Engine) endSession(ctx context.Context, sc *types.SessionContext, evType events.EventType, outcome string) error {
	e.forget(sc.SessionID)
	e.unpark(ctx, sc.SessionID)
	if sc.LockToken == "" {
		return nil
	}
	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)

	if len(sc.Provisions) > 0 {
		fault := &types.Fault{
			Code:      "session_terminated",
			Message:   "The session was terminated before its provisions completed",
			Timestamp: sc.Timestamp,
		}
		if err := e.RecordFault(sc, fault, sc.Provisions, sc.Channels); err != nil {
			logger.Warn().Err(err).Msg("Failed to record termination fault")
		}
		session.ClearProvisions(sc)
	}

	err := e.persist(ctx, sc)

	if relErr := e.locks.Release(ctx, lockName(sc.DeviceID), sc.LockToken); relErr != nil {
		logger.Warn().Err(relErr).Msg("Failed to release session lock")
		if err == nil && !errors.Is(relErr, lock.ErrLockExpired) {
			err = relErr
		}
	}
	sc.LockToken = ""

	elapsed := time.Duration(e.now().UnixMilli()-sc.Timestamp) * time.Millisecond
	metrics.SessionDuration.Observe(elapsed.Seconds())
	e.broker.Publish(events.NewEvent(evType, sc.DeviceID, sc.SessionID, "session ended").
		With("outcome", outcome))

	logger.Info().
		Str("outcome", outcome).
		Int("rpcs", sc.RPCCount).
		Dur("elapsed", elapsed).
		Msg("Session ended")
	return err
}

// persist writes the device, touched faults and operations, and removes
// completed tasks
func (e *Engine) persist(ctx context.Context, sc *types.SessionContext) error {
	if sc.Device == nil {
		return nil
	}
	tree := sc.Tree()
	if sc.New || tree.Dirty() {
		if err := e.store.SaveDevice(ctx, sc.Device); err != nil {
			return fmt.Errorf("failed to save device: %w", err)
		}
		tree.ResetChanges()
	}

	for channel := range sc.FaultsTouched {
		var err error
		if f, ok := sc.Faults[channel]; ok {
			err = e.store.SaveFault(ctx, sc.DeviceID, channel, f)
		} else {
			err = e.store.DeleteFault(ctx, sc.DeviceID, channel)
		}
		if err != nil {
			return fmt.Errorf("failed to persist fault %s: %w", channel, err)
		}
	}

	for key := range sc.OpsTouched {
		var err error
		if op, ok := sc.Operations[key]; ok {
			err = e.store.SaveOperation(ctx, sc.DeviceID, key, op)
		} else {
			err = e.store.DeleteOperation(ctx, sc.DeviceID, key)
		}
		if err != nil {
			return fmt.Errorf("failed to persist operation %s: %w", key, err)
		}
	}

	for _, id := range sc.DoneTasks {
		if err := e.store.DeleteTask(ctx, sc.DeviceID, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
	}
	return nil
}

// ReapStaleSessions ends idle sessions. Candidates are the sessions this
// process served plus every session in the shared parked index, so a
// session whose last worker died is still torn down. The parked record is
// consulted first since another process may have served the session since.
func (e *Engine) ReapStaleSessions(ctx context.Context) int {
	now := e.now().UnixMilli()

	e.mu.Lock()
	local := make(map[string]bool, len(e.sessions))
	candidates := make(map[string]bool, len(e.sessions))
	for id, s := range e.sessions {
		local[id] = true
		if s.lastActivity+s.timeout.Milliseconds() <= now {
			candidates[id] = true
		}
	}
	e.mu.Unlock()

	parked, err := e.cache.SetMembers(ctx, parkedSet)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to list parked sessions")
	}
	for _, id := range parked {
		if !local[id] {
			candidates[id] = true
		}
	}

	reaped := 0
	for id := range candidates {
		sc, err := e.LoadSession(ctx, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to read idle session")
			continue
		}
		if sc == nil {
			// Record expired or already ended
			e.forget(id)
			e.unpark(ctx, id)
			continue
		}
		if sc.LastActivity+sc.Timeout.Milliseconds() > now {
			if local[id] {
				e.track(sc)
			}
			continue
		}
		if _, err := e.cache.Pop(ctx, sessionKey(id)); err != nil {
			// Claimed by another process
			e.forget(id)
			continue
		}
		if err := e.endSession(ctx, sc, events.EventSessionTimeout, "timeout"); err != nil {
			e.logger.Error().Err(err).Str("session_id", id).Msg("Failed to end timed out session")
		}
		reaped++
	}
	return reaped
}

// ActiveSessions returns the number of sessions tracked by this process
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
