// Package lifecycle drives a process through start, shutdown and exit.
//
// A Controller runs the same way in the master and in every worker; the
// role is detected from the environment the master sets when it spawns a
// worker. The controller owns the process event loop: hooks, control-link
// messages, worker exits and the escalation timer all execute on it, one
// at a time.
//
//	Idle ──Start──► Running ──Shutdown──► ShuttingDown ──done / timeout──► Exited
//	  │                │                                                     ▲
//	  └────────────────┴───────────── no shutdown hook ──────────────────────┘
//
// # Usage
//
//	app, err := lifecycle.New(lifecycle.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	app.OnStart(func(ctx context.Context) error {
//	    if app.Role() == lifecycle.Master {
//	        return app.Fleet().Spawn(ctx, 0)
//	    }
//	    return serve(ctx)
//	})
//	app.OnShutdown(func(ctx context.Context, done func(error)) {
//	    done(closeListeners())
//	})
//	app.Timeout(5*time.Second, nil)
//	app.Start()
//	app.Wait()
//
// Exit codes: 0 for a clean shutdown, 1 when a hook failed or shutdown was
// forced by the timeout. An explicit ShutdownWithCode overrides both.
package lifecycle
