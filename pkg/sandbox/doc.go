/*
Package sandbox runs provision and virtual parameter scripts.

Scripts are Lua, executed with gopher-lua in an interpreter that only has
the base, table, string and math libraries. File, module and environment
access (dofile, load, require, getfenv and friends) is removed before a
script runs. Scripts never touch the device directly. They declare what
they need to know or change about the data model, and the session layer
turns those declarations into RPCs.

# Execution Model

A script does not run once. It is replayed from the top on every pass of
a session until it completes:

	pass 1:  declare(A) ── commit ──▶ stop       (fetch A from the CPE)
	pass 2:  declare(A) ── commit ── declare(B) ── commit ──▶ stop
	pass 3:  declare(A) ── commit ── declare(B) ── commit ── return

Each commit advances a revision counter. Run is called with a window
[startRevision, maxRevision]: declarations and clears made at revisions
inside the window are collected, and the pass stops at the commit that
would move past maxRevision. Earlier revisions replay against data the
session already fetched, so a replay has no side effects. Reading an
attribute of a declared path (p.value, p.size) forces a commit first.

Replays must be deterministic:

  - math.random is seeded from the device id, so a device draws the same
    sequence on every pass.
  - Date.now() returns the session timestamp, never the wall clock.
    Date.now(interval, variance) and Date.now("cron expr") round down to
    the latest interval boundary or cron firing.
  - log(message) only fires on the pass that reaches a new revision.

A script that commits again after it was stopped, usually because a
pcall swallowed the stop, returns ErrCommitOverflow. That is a script bug
and retrying cannot fix it.

# Primitives

	declare(path, timestamps?, values?)   declare a path, returns a wrapper
	clear(path, timestamp, attrs?)        invalidate cached attributes
	commit()                              end the current revision
	ext(name, ...)                        call an extension
	log(message)                          write to the ACS log
	Date.now(intervalOrCron?, variance?)  session time in milliseconds

A declared path wrapper exposes path, value ({value, type}), writable,
object, size and paths, plus # for the match count.

# Extensions

ext() results are cached in the session under "<revision>:<args>". On a
cache miss the pass stops and returns the pending calls. Execute runs
them concurrently with an errgroup, stores the results in the session,
and replays the script. Run performs a single pass and leaves the calls
to the caller.

# Compilation Cache

Script compiles (parse plus gopher-lua bytecode) are kept in an LRU keyed
by snapshot revision and script name:

	sb := sandbox.New(extensions, sandbox.WithTimeout(100*time.Millisecond))
	script, err := sb.Script(snap.Revision, "inform", source)
	if err != nil {
		return err
	}
	res, err := sb.Execute(ctx, script, args, sc, 0, 1)

# Faults

A pass is bounded by the sandbox timeout (DefaultTimeout unless set with
WithTimeout). Errors a script raises become faults rather than Go
errors:

	error("boom")                      script.Error   message "boom"
	error({name="Bad", message="x"})   script.Bad     message "x"
	pass exceeds the timeout           script.Timeout

The fault detail carries name, message and the Lua stack with interpreter
frames trimmed. Go errors are reserved for failures the session cannot
attribute to a script: a cancelled context, a failed extension run, or a
commit overflow.

# Writing Scripts

A provision that pins the inform interval and reads the firmware version:

	local interval = declare("Device.ManagementServer.PeriodicInformInterval",
	    {value = 1}, {value = 300})
	local version = declare("Device.DeviceInfo.SoftwareVersion", {value = Date.now(86400000)})
	if version.value[1] < "2.0" then
	    log("firmware " .. version.value[1] .. " is due for an upgrade")
	end

A virtual parameter returns {writable, value}; the session stores the
returned value under VirtualParameters.<name>:

	local sn = declare("DeviceID.SerialNumber", {value = 1})
	return {writable = false, value = {"SN-" .. sn.value[1], "xsd:string"}}

Things that break replay and must be avoided:

  - Keeping state in globals between passes. Every pass starts from a
    fresh interpreter.
  - Wrapping commit points in pcall. The stop unwinds as an error; a pcall
    that swallows it leads to ErrCommitOverflow.
  - Branching on values that are not declared. Only the device tree, the
    session timestamp and cached ext() results are stable across passes.

# Integration Points

This package integrates with:

  - pkg/session: the evaluator calls Execute per provision and turns the
    returned declarations into RPCs
  - pkg/extension: the Extensions implementation behind ext()
  - pkg/scheduler: Date.now intervals, cron expressions and variance
  - pkg/devicedata: declare wrappers read the session's parameter tree

# Performance Characteristics

  - Compilation happens once per (revision, script) and is cached in an
    LRU of 512 entries, so a new snapshot revision recompiles lazily.
  - Each pass builds a fresh gopher-lua state. Opening only four
    libraries keeps that cheap.
  - Extension calls within one pass run concurrently, and identical
    concurrent calls across sessions are deduplicated by pkg/extension.

# Troubleshooting

Common Issues:

script.Timeout Faults:
  - Symptom: Fault code script.Timeout on a preset channel
  - Cause: A loop that does not reach commit, or heavy string work
  - Solution: Raise the sandbox timeout or simplify the script

ErrCommitOverflow:
  - Symptom: Session error "commit called past the maximum revision"
  - Cause: pcall around declare reads or commit
  - Solution: Remove the pcall; let script errors become faults

Extension Never Resolves:
  - Symptom: Session ends with an extension error
  - Cause: The extension program exits non-zero or prints invalid JSON
  - Check: The extension runner logs and acs_extension_calls_total

# See Also

  - pkg/session for how declarations become RPCs
  - pkg/extension for the extension process protocol
  - gopher-lua: https://github.com/yuin/gopher-lua
*/
package sandbox
