// Package shutdown builds phased shutdown hooks for the lifecycle
// controller.
//
// A Plan holds named handlers, each in a phase. Running the plan calls the
// phases in ascending order and the handlers of one phase concurrently.
// Plan.Hook adapts the plan to lifecycle.ShutdownFunc: the plan runs on its
// own goroutine, so the controller's loop keeps serving worker exits and the
// escalation timer while handlers drain.
//
//	plan, _ := shutdown.New(shutdown.DefaultConfig())
//	plan.RegisterWithPhase("http", shutdown.HTTPServer(srv), 10)
//	plan.RegisterWithPhase("workers", shutdown.Workers(ctrl), 20)
//	plan.RegisterFuncWithPhase("db", db.Close, 30)
//	ctrl.OnShutdown(plan.Hook())
//
// Typical phase assignments:
//
//   - 10: frontends (stop accepting requests)
//   - 20: workers and queues
//   - 30: backend connections
//
// A failing or panicking handler fails the plan with SHUTDOWN_FAILURE,
// which makes the controller exit with 1. Unless ContinueOnError is false,
// later phases still run.
package shutdown
