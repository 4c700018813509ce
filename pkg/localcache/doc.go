/*
Package localcache keeps the configuration snapshot every session runs
against.

Presets, provisions, virtual parameters, files and config entries change
rarely but are read on every CPE request. Cache holds an in-memory copy of
all of them, the Snapshot, keyed by its revision: the hex BLAKE3 hash of
its canonical JSON. A session records the revision it started with and
reads that same snapshot until it ends, even if an operator publishes a
new configuration in the meantime.

# Architecture

	┌────────────────────┐        ┌────────────────────┐
	│  ACS process A     │        │  ACS process B     │
	│  Cache             │        │  Cache             │
	│   rev 3f2a… (cur)  │        │   rev 3f2a… (cur)  │
	│   rev 9c01… (grace)│        │                    │
	└─────────┬──────────┘        └─────────┬──────────┘
	          │   Get / Set "presets_hash"  │
	          └──────────────┬──────────────┘
	                         ▼
	              ┌─────────────────────┐
	              │  storage.Cache      │   shared hash
	              │  lock.Manager       │   publish lock
	              └──────────┬──────────┘
	                         ▼
	              ┌─────────────────────┐
	              │  SnapshotSource     │   durable config rows
	              └─────────────────────┘

# Refresh

Revision returns the current revision without I/O until the refresh
interval passes. Then one caller per process, coalesced with
singleflight, checks the shared hash:

 1. The shared hash equals the local revision: nothing to do.
 2. Otherwise take the "presets_hash_lock" lock, rebuild the snapshot
    from the source, publish its hash if it differs, release the lock.

A process that cannot take the lock still rebuilds and serves its own
snapshot; it only skips publishing. The exception is lock.ErrClockSkew,
which Revision returns as an error so the caller stops serving.

# Grace Period

When a new revision is installed the previous one stays readable for the
grace period, so sessions that started on it can finish. After that Get
returns ErrRevisionEvicted and a session still reading it is aborted.

	t0     rev A current
	t1     rev B installed, A readable until t1 + grace
	t1+g   A evicted

# Invalidation

Writers of configuration call Invalidate after they commit. It deletes
the shared hash, so every process rebuilds on its next check instead of
waiting for a content change to be noticed:

	if err := store.SavePreset(ctx, preset); err != nil {
		return err
	}
	return snapshots.Invalidate(ctx)

# Config Values

Config entries are strings. ConfigString, ConfigInt and ConfigSeconds
read them from a snapshot with a default. Malformed integers are logged
and fall back to the default.

	timeout := localcache.ConfigSeconds(snap, "cwmp.sessionTimeout", 30)
	retry := localcache.ConfigInt(snap, "cwmp.retryDelay", 300)

# Options

	WithRefreshInterval(d)   how often the shared hash is checked (5s)
	WithGracePeriod(d)       how long superseded revisions stay (120s)
	WithClock(now)           time source for tests

The number of revisions held is exported as acs_snapshot_revisions and
refresh outcomes as acs_snapshot_refresh_total{result}.

# Integration Points

This package integrates with:

  - pkg/cwmp: every session pins a revision at Inform and reads it on each
    request; auth and timing keys come from its config values
  - pkg/session: provision scripts and virtual parameters resolve by name
    in the pinned snapshot
  - pkg/reconciler: nudges Revision so idle processes still pick up
    configuration changes
  - pkg/lock: the publish lock
  - pkg/storage: the shared hash lives in storage.Cache, the rows in the
    durable store
  - cmd/acs: apply calls Invalidate after writing resources

# Performance Characteristics

  - Revision is lock-free of I/O between refreshes; a session request pays
    at most one cache read per refresh interval per process.
  - Concurrent callers share a single refresh through singleflight.
  - A rebuild lists every configuration kind from the durable store. It
    runs only when the shared hash differs from the local revision.
  - Memory holds the current snapshot plus those still in their grace
    period, usually one or two.

# Troubleshooting

Common Issues:

Configuration Change Not Picked Up:
  - Symptom: New preset ignored by running sessions
  - Cause: Sessions keep the revision they started with
  - Solution: Expected; new sessions see the change within the refresh
    interval. acs apply invalidates the hash so this is immediate.

Sessions Aborted After Publish:
  - Symptom: Long sessions fail soon after a configuration change
  - Cause: The session outlived the grace period of its revision
  - Solution: Raise the grace period above cwmp.sessionTimeout

Processes Disagree On Revision:
  - Symptom: acs_snapshot_refresh_total{result="computed"} keeps rising
  - Cause: The shared hash cannot be published, usually because the
    publish lock is held or the cache write fails
  - Check: Warnings "Failed to publish snapshot hash"

# See Also

  - pkg/cwmp for how sessions pin revisions
  - pkg/lock for the publish lock and clock skew
  - BLAKE3: https://github.com/BLAKE3-team/BLAKE3
*/
package localcache
