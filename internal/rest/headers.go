package rest

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerGlobal     = "X-RateLimit-Global"
	headerScope      = "X-RateLimit-Scope"
	headerRetryAfter = "Retry-After"
)

// RateLimitHeaders is the typed view of the server's admission metadata for
// one response.
type RateLimitHeaders struct {
	// Present is false when the response carried no per-route limit headers.
	Present    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	BucketID   string
	Scope      string

	Global     bool
	RetryAfter time.Duration
}

// ParseRateLimitHeaders reads rate-limit metadata. body is consulted only for
// 429 responses, where a JSON retry_after in milliseconds wins over the
// seconds-based Retry-After header.
func ParseRateLimitHeaders(status int, h http.Header, body []byte) RateLimitHeaders {
	var out RateLimitHeaders

	limit, okLimit := parseInt(h.Get(headerLimit))
	remaining, okRemaining := parseInt(h.Get(headerRemaining))
	resetAfter, okReset := parseSeconds(h.Get(headerResetAfter))
	if okLimit && okRemaining {
		out.Present = true
		out.Limit = max(limit, 0)
		out.Remaining = min(max(remaining, 0), out.Limit)
		if okReset {
			out.ResetAfter = resetAfter
		}
	}
	out.BucketID = strings.TrimSpace(h.Get(headerBucket))
	out.Scope = strings.ToLower(strings.TrimSpace(h.Get(headerScope)))
	out.Global = parseBool(h.Get(headerGlobal))
	if ra, ok := parseSeconds(h.Get(headerRetryAfter)); ok {
		out.RetryAfter = ra
	}

	if status == http.StatusTooManyRequests {
		var b rateLimitBody
		if len(body) > 0 && json.Unmarshal(body, &b) == nil {
			if b.RetryAfter > 0 {
				out.RetryAfter = time.Duration(b.RetryAfter * float64(time.Millisecond))
			}
			if b.Global {
				out.Global = true
			}
		}
		if out.Scope == "global" {
			out.Global = true
		}
	}
	return out
}

type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
	Code       int     `json:"code"`
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseSeconds(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
