package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/emberchat/ember/internal/auth"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// limiterSet holds one token bucket per authenticated user. Buckets idle for
// an hour are dropped by the cleanup loop so the map stays bounded.
type limiterSet struct {
	mu        sync.Mutex
	users     map[uuid.UUID]*userLimiter
	limit     rate.Limit
	burst     int
	perMinute int
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(perMinute int) *limiterSet {
	ls := &limiterSet{
		users:     make(map[uuid.UUID]*userLimiter),
		limit:     rate.Limit(float64(perMinute) / 60.0),
		burst:     perMinute / 5,
		perMinute: perMinute,
	}
	if ls.burst < 1 {
		ls.burst = 1
	}
	go ls.cleanupLoop()
	return ls
}

func (ls *limiterSet) get(userID uuid.UUID) *rate.Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	u, ok := ls.users[userID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(ls.limit, ls.burst)}
		ls.users[userID] = u
	}
	u.lastSeen = time.Now()
	return u.lim
}

func (ls *limiterSet) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		ls.mu.Lock()
		for id, u := range ls.users {
			if u.lastSeen.Before(cutoff) {
				delete(ls.users, id)
			}
		}
		ls.mu.Unlock()
	}
}

// RateLimit enforces a per-user request budget. Each use creates its own
// limiter set, so routes can carry different budgets. Over-budget requests
// get 429 with a Retry-After header.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	set := newLimiterSet(perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == uuid.Nil {
				// Unauthenticated requests never reach here in the normal
				// stack; let auth middleware be the one to reject them.
				next.ServeHTTP(w, r)
				return
			}

			lim := set.get(userID)
			res := lim.Reserve()
			if !res.OK() {
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Error: "rate limit exceeded",
					Code:  "rate_limited",
				})
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				retryAfter := int(math.Ceil(delay.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				log.Warn().
					Str("user_id", userID.String()).
					Str("path", r.URL.Path).
					Int("retry_after", retryAfter).
					Msg("rate limit exceeded")
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Error: "rate limit exceeded, retry after " + strconv.Itoa(retryAfter) + "s",
					Code:  "rate_limited",
				})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(set.perMinute))
			next.ServeHTTP(w, r)
		})
	}
}
