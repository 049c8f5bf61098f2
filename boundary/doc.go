// Package boundary provides per-unit-of-work error isolation.
//
// A Scope captures every failure tied to one unit of work: errors returned
// or panics raised while it runs, errors reported later with Fail, and
// errors or panics from goroutines started with Go. Each failure is
// dispatched through a fixed chain:
//
//	failure ──► local handler ──(no preventDefault / panic)──► default handler
//	   │
//	   └─(scope already failing)──► default handler, scope closed
//
// The second arm is the recursion guard: once a scope has started handling
// a failure, any further failure skips the local handler, goes straight to
// the default handler and closes the scope, so a local handler that
// (directly or asynchronously) fails again cannot recurse forever.
//
// # Usage
//
//	b := boundary.New(func(err error, sc *boundary.Scope) {
//	    log.Printf("uncaught: %v", err)
//	})
//
//	b.Wrap(ctx, func(ctx context.Context) error {
//	    boundary.Go(ctx, func(ctx context.Context) error {
//	        return doAsyncWork(ctx) // failures land in the same scope
//	    })
//	    return doWork(ctx)
//	}, func(err error, sc *boundary.Scope, preventDefault func()) {
//	    preventDefault() // handled locally
//	})
//
// For HTTP servers, Middleware opens one scope per request.
package boundary
