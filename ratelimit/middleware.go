package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorCodeRateLimitExceeded is the machine-readable code in 429 bodies.
const ErrorCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// KeyFunc extracts the admission key from an HTTP request.
// Returning an empty string skips rate limiting for that request.
type KeyFunc func(*http.Request) string

// MiddlewareConfig configures the inbound admission middleware.
type MiddlewareConfig struct {
	// KeyFunc determines what to rate limit by. Default: ByIP.
	KeyFunc KeyFunc

	// SkipSuccessfulRequests removes a request from the window after the
	// handler responds with a status below 400.
	SkipSuccessfulRequests bool

	// SkipFailedRequests removes a request from the window after the
	// handler responds with a status of 400 or above.
	SkipFailedRequests bool
}

// ByIP keys admission by client IP, stripping the port from RemoteAddr.
func ByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}

// ByHeader returns a KeyFunc keyed by a header value. Requests without the
// header skip rate limiting.
func ByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		val := r.Header.Get(header)
		if val == "" {
			return ""
		}
		return "header:" + header + ":" + val
	}
}

type rateLimitErrorBody struct {
	Error rateLimitErrorDetail `json:"error"`
}

type rateLimitErrorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	Timestamp  string `json:"timestamp"`
}

// statusRecorder captures the response status for the skip accounting modes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// Middleware adapts the limiter to inbound HTTP admission control.
//
// Every response carries X-RateLimit-Limit, X-RateLimit-Remaining,
// X-RateLimit-Reset (unix seconds) and X-RateLimit-Window (seconds).
// Rejections return 429 with a structured error body. Store failures under
// FailClosed return 500.
func (l *Limiter) Middleware(config MiddlewareConfig) func(http.Handler) http.Handler {
	keyFn := config.KeyFunc
	if keyFn == nil {
		keyFn = ByIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Admit(r.Context(), key)
			if err != nil {
				http.Error(w, "rate limit check failed", http.StatusInternalServerError)
				return
			}

			setRateLimitHeaders(w, res)

			if !res.Allowed {
				retryAfter := int64(res.RetryAfter().Seconds())
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rateLimitErrorBody{
					Error: rateLimitErrorDetail{
						Code:       ErrorCodeRateLimitExceeded,
						Message:    "Too many requests, please try again later.",
						RetryAfter: retryAfter,
						Timestamp:  time.Now().UTC().Format(time.RFC3339),
					},
				})
				return
			}

			if !config.SkipSuccessfulRequests && !config.SkipFailedRequests {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			succeeded := rec.status < http.StatusBadRequest
			if (succeeded && config.SkipSuccessfulRequests) || (!succeeded && config.SkipFailedRequests) {
				l.Forget(r.Context(), key, res.Member)
			}
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	w.Header().Set("X-RateLimit-Window", strconv.FormatInt(int64(res.Window.Seconds()), 10))
}
