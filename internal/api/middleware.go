package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/9ifrashaikh/project-builder/internal/auth"
)

// requireAuth rejects requests without a valid bearer token and stores the
// caller in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.verifier.FromRequest(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// optionalAuth lets anonymous requests through. A token that is present but
// invalid is still rejected.
func (s *Server) optionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.verifier.FromRequest(r)
		switch {
		case err == nil:
			r = r.WithContext(auth.WithPrincipal(r.Context(), p))
		case !errors.Is(err, auth.ErrMissingToken):
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.ObserveHTTP(route, r.Method, rec.status, time.Since(start))
		s.logger.Debug("request", "method", r.Method, "route", route, "status", rec.status, "duration", time.Since(start))
	})
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one token bucket per user.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	r        rate.Limit
	b        int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newLimiterStore(perMinute int) *limiterStore {
	if perMinute <= 0 {
		perMinute = 5
	}
	s := &limiterStore{
		limiters: make(map[string]*userLimiter),
		r:        rate.Limit(float64(perMinute) / 60.0),
		b:        perMinute,
		stopCh:   make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *limiterStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for id, l := range s.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(s.limiters, id)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *limiterStore) get(id string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[id]
	if !ok {
		l = &userLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[id] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

func (s *limiterStore) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// rateLimit limits an authenticated route per user. It must run after
// requireAuth.
func (s *Server) rateLimit(store *limiterStore, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := auth.FromContext(r.Context())
		reservation := store.get(caller.Subject).Reserve()
		if d := reservation.Delay(); d > 0 {
			reservation.Cancel()
			retryAfter := int(math.Ceil(d.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
