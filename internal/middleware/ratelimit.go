package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	apperrors "licensehub/internal/errors"
	"licensehub/internal/infrastructure"
	"licensehub/internal/security"
)

// DeviceIDHeader lets clients name their device so limits follow the device
// rather than a shared NAT address.
const DeviceIDHeader = "X-Device-ID"

// DefaultAddressFactor is the number of devices' worth of requests one
// client address may send in total
const DefaultAddressFactor = 10

// Bucket key prefixes
const (
	keyDevice  = "device:"
	keyIP      = "ip:"
	keyAddress = "net:"
)

// RateLimitConfig allows Requests per Window with bursts up to Burst
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Burst    int
	// AddressFactor scales the per-address bucket shared by every device
	// behind one client address. Defaults to DefaultAddressFactor.
	AddressFactor int
	// IdleTTL drops limiters not used for this long. Defaults to Window.
	IdleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter keeps one token bucket per client key
type KeyedRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	limit         rate.Limit
	burst         int
	addressFactor int
	retryAfter    time.Duration
	idleTTL    time.Duration

	errorHandler *apperrors.ErrorHandler
	metrics      *infrastructure.HTTPMetrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewKeyedRateLimiter creates a rate limiter. metrics may be nil.
func NewKeyedRateLimiter(cfg RateLimitConfig, errorHandler *apperrors.ErrorHandler, metrics *infrastructure.HTTPMetrics, logger *slog.Logger) *KeyedRateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = cfg.Window
	}
	if cfg.AddressFactor <= 0 {
		cfg.AddressFactor = DefaultAddressFactor
	}
	if logger == nil {
		logger = slog.Default()
	}

	interval := cfg.Window / time.Duration(cfg.Requests)
	return &KeyedRateLimiter{
		visitors:      make(map[string]*visitor),
		limit:         rate.Every(interval),
		burst:         cfg.Burst,
		addressFactor: cfg.AddressFactor,
		retryAfter:    interval,
		idleTTL:       cfg.IdleTTL,
		errorHandler:  errorHandler,
		metrics:       metrics,
		logger:        logger.With(slog.String("component", "rate_limiter")),
		now:           time.Now,
	}
}

// Allow takes a token from key's bucket. Address buckets hold
// AddressFactor times the per-device allowance.
func (rl *KeyedRateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rl.newLimiter(key)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

func (rl *KeyedRateLimiter) newLimiter(key string) *rate.Limiter {
	if strings.HasPrefix(key, keyAddress) {
		f := rl.addressFactor
		return rate.NewLimiter(rl.limit*rate.Limit(f), rl.burst*f)
	}
	return rate.NewLimiter(rl.limit, rl.burst)
}

// Handler rejects requests over the limit with a 429 problem
func (rl *KeyedRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := rl.allowRequest(r)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		if rl.metrics != nil {
			rl.metrics.RateLimited.Add(ctx, 1, metric.WithAttributes(
				attribute.String("route", routePattern(r)),
			))
		}
		rl.logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("key_kind", keyKind(key)))

		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.retryAfter.Seconds()))))
		rl.errorHandler.HandleError(w, r, apperrors.ErrRateLimitExceeded)
	})
}

// allowRequest draws from every bucket the request is charged to, stopping
// at the first that is empty. It returns that bucket's key on refusal.
func (rl *KeyedRateLimiter) allowRequest(r *http.Request) (string, bool) {
	for _, key := range RateLimitKeys(r) {
		if !rl.Allow(key) {
			return key, false
		}
	}
	return "", true
}

// Cleanup drops idle limiters and returns how many were removed
func (rl *KeyedRateLimiter) Cleanup() int {
	cutoff := rl.now().Add(-rl.idleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done
func (rl *KeyedRateLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				rl.logger.DebugContext(ctx, "rate limiters pruned", slog.Int("removed", n))
			}
		}
	}
}

// RateLimitKeys lists the buckets a request is charged to. A request that
// names its device draws from the device bucket and from the shared bucket
// of its client address, so a fresh device header on every request still
// runs into the address limit. Anonymous requests draw from the address
// bucket at the per-device rate.
func RateLimitKeys(r *http.Request) []string {
	ip := ClientIP(r)
	if device := security.SanitizeIdentifier(r.Header.Get(DeviceIDHeader)); device != "" && len(device) <= 512 {
		return []string{keyDevice + device, keyAddress + ip}
	}
	return []string{keyIP + ip}
}

func keyKind(key string) string {
	switch {
	case strings.HasPrefix(key, keyDevice):
		return "device"
	case strings.HasPrefix(key, keyAddress):
		return "address"
	}
	return "ip"
}
