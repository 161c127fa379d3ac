package rest

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerGlobal     = "X-RateLimit-Global"
	headerScope      = "X-RateLimit-Scope"
	headerRetryAfter = "Retry-After"
	headerReason     = "X-Audit-Log-Reason"
)

// rateLimit is what one response says about its bucket.
type rateLimit struct {
	hasLimit   bool
	limit      int
	remaining  int
	resetAt    time.Time
	bucket     string
	global     bool
	scope      string
	retryAfter time.Duration
}

func parseRateLimit(h http.Header, now time.Time) rateLimit {
	var rl rateLimit

	rl.bucket = h.Get(headerBucket)
	rl.scope = h.Get(headerScope)
	rl.global = strings.EqualFold(h.Get(headerGlobal), "true")

	limit, errLimit := strconv.Atoi(h.Get(headerLimit))
	remaining, errRemaining := strconv.Atoi(h.Get(headerRemaining))
	if errLimit == nil && errRemaining == nil {
		rl.hasLimit = true
		rl.limit = limit
		rl.remaining = remaining

		// Reset-After is relative and does not depend on clock skew.
		if after, ok := parseSeconds(h.Get(headerResetAfter)); ok {
			rl.resetAt = now.Add(after)
		} else if at, ok := parseSeconds(h.Get(headerReset)); ok {
			rl.resetAt = time.Unix(0, 0).Add(at)
		}
	}

	if after, ok := parseSeconds(h.Get(headerRetryAfter)); ok {
		rl.retryAfter = after
	}
	return rl
}

// parseSeconds reads a decimal number of seconds such as "1.250".
func parseSeconds(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// tooManyRequests is the body of a 429 response.
type tooManyRequests struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}
