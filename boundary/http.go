package boundary

import (
	"context"
	"net/http"
)

// HTTPHandler handles a failure raised while serving one request.
type HTTPHandler func(err error, w http.ResponseWriter, r *http.Request, preventDefault func())

type requestKey struct{}

type request struct {
	w http.ResponseWriter
	r *http.Request
}

// Request returns the response writer and request bound to a scope opened
// by Middleware.
func (s *Scope) Request() (http.ResponseWriter, *http.Request, bool) {
	v, ok := s.Get(requestKey{})
	if !ok {
		return nil, nil, false
	}
	rq := v.(request)
	return rq.w, rq.r, true
}

// Middleware opens one scope per request. Panics in next, failures passed
// to Redirect and failures from goroutines started with Go on the request
// context are handled by local, then the default handler. It should wrap
// the whole handler chain.
func (b *Boundary) Middleware(local HTTPHandler) func(http.Handler) http.Handler {
	var lh LocalHandler
	if local != nil {
		lh = func(err error, sc *Scope, preventDefault func()) {
			w, r, _ := sc.Request()
			local(err, w, r, preventDefault)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := b.NewScope(r.Context(), lh)
			defer s.End()

			r = r.WithContext(s.Context())
			s.Set(requestKey{}, request{w: w, r: r})

			s.Run(func(ctx context.Context) error {
				next.ServeHTTP(w, r)
				return nil
			})
		})
	}
}

// Redirect routes err into the scope of the request, as if the handler had
// panicked with it. It returns false when r was not served through
// Middleware.
func Redirect(r *http.Request, err error) bool {
	return Fail(r.Context(), err)
}
