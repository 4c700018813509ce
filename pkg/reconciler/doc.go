/*
Package reconciler runs the periodic housekeeping of an ACS process.

Every pass (DefaultInterval, 10 seconds) does three things:

 1. Refreshes the local configuration snapshot so a change applied with
    "acs apply" reaches sessions that start later, and logs the new
    revision.
 2. Reaps sessions whose CPE stopped sending requests. Reaping records a
    session_terminated fault, releases the device lock and drops the
    parked session from the cache.
 3. Purges expired cache and lock rows when the embedded store is in use.
    Redis expires its own keys.

The reconciler depends on small interfaces rather than on the engine so
it can be tested with fakes:

	r := reconciler.NewReconciler(engine, snapshots,
		reconciler.WithPurger(boltStore))
	r.Start()
	defer r.Stop()

Stop waits for a pass in progress to finish.
*/
package reconciler
