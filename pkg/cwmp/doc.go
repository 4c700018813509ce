/*
Package cwmp implements the ACS side of a TR-069 (CWMP) session.

A CPE opens a session with an Inform and then drives it with HTTP POSTs.
Each POST carries either an empty body, a response to the RPC the ACS sent
last, or a request of its own (TransferComplete, GetRPCMethods). The ACS
answers every POST with the next RPC it wants the device to run, or with
an empty 204 once there is nothing left to do. This package owns that
loop: the HTTP endpoint, the session state machine, and the work cycles
that turn queued tasks and matching presets into RPCs.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                        Server (HTTP)                         │
	│  • POST only, body capped at 10 MiB                          │
	│  • session cookie carries the session id                     │
	│  • rate limiter admits new sessions (503 + Retry-After)      │
	└────────┬─────────────────────────────────────────────────────┘
	         │ Request{Message, Authorization, HTTPMethod}
	         ▼
	┌──────────────────────────────────────────────────────────────┐
	│                           Engine                             │
	│  • authenticate (none / basic / digest)                      │
	│  • Inform: take device lock, load device, tasks, faults      │
	│  • nextRPC: whitelist → tasks → presets                      │
	│  • persist on session end, release lock                      │
	└────┬──────────────┬──────────────┬─────────────┬─────────────┘
	     ▼              ▼              ▼             ▼
	 session        sandbox        localcache    storage + lock
	 (plan RPCs)    (scripts)      (snapshot)    (rows, parked
	                                              sessions, locks)

Between HTTP requests a session is parked in the shared storage.Cache
under "session_<id>" and its id is added to the "parked_sessions" set, so
any process behind the load balancer can pick up the next request. The
record outlives the session timeout by a short grace period so the reaper
can still find it.

# Session Flow

	CPE                                   ACS
	 │── Inform ───────────────────────────▶│ lock device, load state
	 │◀──────────────────── InformResponse ─│
	 │── (empty) ──────────────────────────▶│ startCycle
	 │◀─────────────────── SetParameterValues
	 │── SetParameterValuesResponse ───────▶│ apply to tree, next cycle
	 │◀──────────────────────────── 204 ────│ nothing left: persist, unlock

A response is matched to the outstanding request by its message id. A
CPE fault, or a script fault raised while planning, is recorded against
every channel of the running cycle and the cycle is abandoned.

# Work Cycles

Work is grouped in channels. A task runs on channel "task_<id>"; a preset
runs on its Channel, or on its name when no channel is set. Each call to
startCycle picks one unit of work:

 1. The whitelist: the faulted channel whose retry deadline elapsed
    first. It runs alone, ahead of everything else.
 2. The oldest task whose channel carries no fault.
 3. The presets, in two steps. A preconditions cycle fetches the paths
    the candidate presets test. A presets cycle then queues the
    provisions of every preset whose precondition holds.

Presets are filtered before their preconditions run:

  - A channel whose fault was raised while evaluating preconditions is
    skipped until its retry deadline.
  - A channel with any other fault is not run. Provisions of its matching
    presets are appended to the stored fault, so a retry replays them.
  - Event filters match Inform event codes with or without the numeric
    prefix ("1 BOOT" or "BOOT").
  - A schedule admits the preset for Duration seconds after each firing
    of its cron expression.

Presets re-run while they keep changing the device. After MaxPresetCycles
rounds every involved channel faults with "preset_loop".

# Faults and Retries

RecordFault stores one fault per channel with the provisions that channel
owned. A channel that faults again has its retry count bumped. When
several channels fault together, each first-time fault is marked for
immediate retry because the cause may belong to only one of them. The
retry deadline is

	timestamp + cwmp.retryDelay * 2^retries seconds

# Authentication

The cwmp.auth config key selects the scheme:

	none     every Inform is accepted
	basic    Authorization: Basic, checked against cwmp.username/password
	digest   RFC 2617 digest with qop=auth and a per-session nonce

When cwmp.authExtension is set, credentials come from that extension
called with the device id. A CPE that fails once is challenged with 401.
A CPE that fails again after the challenge, with or without an
Authorization header, gets a 401 and its session ends.

# Configuration

Engine behavior is read from the configuration snapshot of the session:

	cwmp.auth                  none | basic | digest
	cwmp.username              static credentials
	cwmp.password
	cwmp.authExtension         extension returning [username, password]
	cwmp.sessionTimeout        seconds of idleness before a session dies
	cwmp.retryDelay            base retry delay in seconds
	cwmp.downloadTimeout       seconds before a pending Download faults
	cwmp.maxCommitIterations   script commit bound per declaration pass
	cwmp.maxRpcCount           RPCs allowed in one session

# Usage

	locks := lock.NewManager(stores.Locks)
	engine := cwmp.NewEngine(cwmp.Deps{
		Store:     stores.Durable,
		Cache:     stores.Cache,
		Locks:     locks,
		Snapshots: localcache.New(stores.Durable, stores.Cache, locks),
		Sandbox:   sandbox.New(extensions),
		Broker:    broker,
	})

	server := cwmp.NewServer(engine, cwmp.WithRateLimit(50, 100))
	if err := server.Start(ctx, ":7547"); err != nil {
		return err
	}

Start returns when ctx is done. It also returns, after shutting the
listener down, when a request detects lock.ErrClockSkew. Serving with a
skewed clock would let two processes hold the same device lock.

# Stale Sessions

A CPE may vanish mid-session. ReapStaleSessions, driven by the manager's
reaper loop, scans both the sessions this process tracks and the shared
parked set. A session idle past its timeout is claimed from the cache,
its task and preset channels fault with "session_terminated", and the
device lock is released. Only the process that pops the record ends the
session, so running the reaper on every process is safe.

# Integration Points

This package integrates with:

  - pkg/session: plans RPCs from declarations and applies responses
  - pkg/sandbox: runs provision and virtual parameter scripts
  - pkg/localcache: snapshot revision and config values per session
  - pkg/lock: one device lock per session, extended while it runs
  - pkg/storage: device rows, tasks, faults, operations, parked sessions
  - pkg/events: session, fault, task and operation events
  - pkg/reconciler: calls ReapStaleSessions on its interval
  - pkg/manager: builds the engine and serves the endpoint

# Event Types

EventSessionStarted:
  - Published when: an Inform is accepted and the device lock is held
  - Metadata: none

EventSessionEnded / EventSessionTimeout:
  - Published when: a session is persisted and its lock released
  - Metadata: outcome (ok, error, timeout)

EventFaultRecorded / EventFaultCleared:
  - Published when: a channel faults, or completes after faulting
  - Metadata: channel, plus code on EventFaultRecorded

EventTaskCompleted:
  - Published when: every provision of a task channel succeeded
  - Metadata: task_id

EventOperationTimeout:
  - Published when: a Download saw no TransferComplete in time
  - Metadata: command_key

# Performance Characteristics

Per request:
  - One cache read and one cache write to park the session
  - Script passes are bounded by the sandbox timeout
  - Durable writes happen once, when the session ends

Per session:
  - RPCs bounded by cwmp.maxRpcCount (too_many_rpcs fault beyond)
  - Preset rounds bounded by MaxPresetCycles
  - Provisions per cycle are unbounded; channel membership is a bitset

# Troubleshooting

Common Issues:

CPE Already In Session:
  - Symptom: 400 "CPE already in session" on Inform
  - Cause: Another process holds the device lock, or a crashed session
    has not expired yet
  - Solution: Wait for the lock TTL; the reaper ends abandoned sessions

Authentication Failures:
  - Symptom: CPE receives 401 and the session ends
  - Cause: Wrong credentials, or a CPE that retries without an
    Authorization header after the challenge
  - Check: cwmp.auth, cwmp.username, the auth extension output

Preset Never Runs:
  - Symptom: Matching device, no RPCs
  - Cause: The channel carries a fault and is waiting for its retry
    deadline, or the schedule window is closed
  - Check: Stored faults for the device, retries and timestamp

preset_loop Faults:
  - Symptom: Faults with code preset_loop on several channels
  - Cause: Presets that undo each other's changes
  - Solution: Tighten the preconditions so only one preset matches

Process Exits With Clock Skew:
  - Symptom: "Stopping CWMP endpoint" with lock.ErrClockSkew
  - Cause: This host's clock differs from the lock store by more than
    lock.ClockSkewTolerance
  - Solution: Fix NTP before restarting

# Monitoring

Key metrics:
  - acs_sessions_total{outcome}: sessions by outcome
  - acs_sessions_active: sessions open in this process
  - acs_session_duration_seconds: Inform to session end
  - acs_request_duration_seconds{method}: per request latency
  - acs_rpcs_total{method}: RPCs sent to CPEs
  - acs_faults_total{code}: recorded channel faults
  - acs_overload_rejected_total: Informs turned away with 503

# See Also

  - pkg/session for RPC planning and response handling
  - pkg/sandbox for the script execution model
  - pkg/localcache for snapshot revisions
  - TR-069 Amendment 6 for the CWMP protocol
*/
package cwmp
