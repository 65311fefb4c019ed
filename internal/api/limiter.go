package api

import (
	"sync"
	"time"

	"bookpay/internal/config"

	"golang.org/x/time/rate"
)

const defaultRateBurst = 5

// rateLimiter keeps one token bucket per client key. API keys with their own
// rate_limit block get a dedicated budget; everyone else uses the default.
type rateLimiter struct {
	limiters  sync.Map
	def       config.APIRateLimitConfig
	overrides map[string]config.APIRateLimitConfig
}

func newRateLimiter(cfg *config.APIConfig) *rateLimiter {
	l := &rateLimiter{
		def:       cfg.RateLimit,
		overrides: make(map[string]config.APIRateLimitConfig),
	}
	for _, k := range cfg.Auth.APIKeys {
		if k.Key != "" && k.RateLimit != nil {
			l.overrides[k.Key] = *k.RateLimit
		}
	}
	return l
}

// allow takes a token for key. When the bucket is empty it returns the wait
// until the next token, which callers surface as a retry hint.
func (l *rateLimiter) allow(key string) (bool, time.Duration) {
	lim := l.limiter(key)
	if lim == nil {
		return true, 0
	}

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

func (l *rateLimiter) limiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	cfg, ok := l.overrides[key]
	if !ok {
		cfg = l.def
	}
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultRateBurst
	}

	actual, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(cfg.RPS), burst))
	return actual.(*rate.Limiter)
}

// retryAfterSeconds rounds a wait up to whole seconds for Retry-After.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
