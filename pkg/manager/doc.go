/*
Package manager wires the components of one ACS process.

Config selects the backends and listeners. OpenStores picks PostgreSQL or
the embedded bbolt file for durable rows, and Redis or the same bbolt file
for the shared cache and lock rows. NewManager then builds the lock manager,
the configuration snapshot cache, the extension runner, the script sandbox,
the event broker, the session engine and its HTTP server.

Run serves CWMP on Config.ListenAddr and metrics and health on
Config.MetricsAddr until its context is cancelled. Shutdown stops the
background loops and closes the stores.

	cfg, err := manager.LoadConfig("acs.yaml")
	if err != nil {
		return err
	}
	mgr, err := manager.NewManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()
	return mgr.Run(ctx)
*/
package manager
