/*
Package storage provides the persistence backends of the ACS.

Three interfaces split the state by how it is shared:

  - Store holds durable rows: devices with their data model trees, queued
    tasks, faults, pending operations and the configuration objects
    (presets, provisions, virtual parameters, files, config entries).
  - Cache is a key/value store with expiry plus named string sets. It
    holds parked sessions between HTTP requests, the set indexing them
    for the reaper, and the configuration snapshot hash.
  - LockStore holds lock rows with an atomic conditional upsert. The lock
    package builds its advisory locks on top of it.

# Backends

	┌───────────────── single process ─────────────────┐
	│  BoltStore  (<dataDir>/acs.db)                    │
	│    Store + Cache + LockStore                      │
	└───────────────────────────────────────────────────┘

	┌───────────────── multiple processes ─────────────┐
	│  postgres.Store   Store       (package postgres)  │
	│  RedisStore       Cache + LockStore               │
	│    keys: acs:cache:<key>  acs:set:<name>          │
	│          acs:lock:<name>                          │
	└───────────────────────────────────────────────────┘

BoltStore keeps one bucket per kind of row. Rows owned by a device are
keyed "<deviceId>:<suffix>" so a prefix scan lists them. Cache and lock rows
carry their expiry and are skipped once it passes; PurgeExpired deletes
them for good and is called by the reconciler.

bbolt takes an exclusive file lock, so only one process can open a data
directory at a time. Deployments that run several ACS processes use
PostgreSQL and Redis, and RedisStore implements the lock upsert as a Lua
script so the check and the write are atomic.

# Errors

Lookups of missing or expired keys return ErrNotFound. UpsertLock returns
ErrLockConflict when another unexpired token holds the row.
*/
package storage
