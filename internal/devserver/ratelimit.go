package devserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// maxFailures is the number of consecutive rejected tokens from one
	// address before lockout begins.
	maxFailures = 10
	baseLockout = 30 * time.Second
	maxLockout  = 10 * time.Minute
	// failureExpiry is how long after the last failure a record is dropped.
	failureExpiry = time.Hour
)

// failureLimiter tracks rejected tokens per client address and enforces
// exponential backoff.
type failureLimiter struct {
	mu       sync.Mutex
	attempts map[string]*failureRecord
	now      func() time.Time
}

type failureRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		attempts: make(map[string]*failureRecord),
		now:      time.Now,
	}
}

// check reports whether ip is locked out and for how long.
func (rl *failureLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[ip]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > failureExpiry {
		delete(rl.attempts, ip)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *failureLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[ip]
	if !ok {
		rec = &failureRecord{}
		rl.attempts[ip] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= maxFailures {
		// baseLockout * 2^(failures - maxFailures), capped.
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *failureLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// sweep removes expired records.
func (rl *failureLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > failureExpiry {
			delete(rl.attempts, ip)
		}
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too_many_requests")
}
