// Package retry implements the pure failure classifier (permanent vs
// transient vs auth) and the backoff schedule used both at call time and
// during the auto-retry pass.
package retry

import (
	"math/rand"
	"time"

	"xblock/internal/model"
	"xblock/internal/util"
)

// Signal is the raw failure description fed to Classify. Any field may be
// the zero value; Classify never partially trusts an absent field — it is
// matched explicitly, never accessed as if present.
type Signal struct {
	HTTPStatus   int // 0 means absent
	ProviderMsg  string
	ProviderCode string
	NetworkErr   bool
	NowFn        func() time.Time // nil means time.Now
}

func (s Signal) now() time.Time {
	if s.NowFn != nil {
		return s.NowFn()
	}
	return time.Now()
}

type permanentMarker struct {
	needle string
	state  model.UserState
}

// Ordered (not a map) so that a message matching more than one marker
// classifies deterministically on the first match, per §8.
var permanentMarkers = []permanentMarker{
	{"suspended", model.StateSuspended},
	{"not_found", model.StateNotFound},
	{"not found", model.StateNotFound},
	{"deactivated", model.StateDeactivated},
}

var unavailableMarkers = []string{"unavailable", "temporarily unavailable"}

// RateLimitReset, when the caller knows the upstream reset epoch from
// response headers, is threaded in separately because Classify itself is a
// pure function of Signal and must not read wall-clock state beyond what is
// passed in.
type RateLimitReset struct {
	ResetAt time.Time
	Known   bool
}

// Classify maps a raw failure signal to exactly one of
// Permanent/Transient/Auth. It is a pure function: identical inputs always
// produce identical outputs (§8 Classifier determinism).
func Classify(sig Signal, rl RateLimitReset) model.Classification {
	switch sig.HTTPStatus {
	case 401:
		return model.Classification{Kind: model.ClassAuth, HTTPStatus: 401, Message: sig.ProviderMsg}
	case 429:
		wait := 60 * time.Second
		if rl.Known {
			wait = clampWait(rl.ResetAt.Sub(sig.now()))
		}
		return model.Classification{
			Kind:       model.ClassTransient,
			ErrorKind:  model.ErrorRateLimit,
			WaitHint:   wait,
			HTTPStatus: 429,
			Message:    sig.ProviderMsg,
		}
	case 500, 502, 503, 504:
		return model.Classification{
			Kind:       model.ClassTransient,
			ErrorKind:  model.ErrorServerError,
			WaitHint:   60 * time.Second,
			HTTPStatus: sig.HTTPStatus,
			Message:    sig.ProviderMsg,
		}
	case 403:
		if sig.ProviderMsg == "" {
			return model.Classification{
				Kind:       model.ClassTransient,
				ErrorKind:  model.ErrorUnknown,
				WaitHint:   180 * time.Second, // tripled base; see 403 cool-down
				HTTPStatus: 403,
			}
		}
	}

	if sig.ProviderMsg != "" {
		for _, m := range permanentMarkers {
			if util.ContainsAnyCaseInsensitive(sig.ProviderMsg, []string{m.needle}) {
				return model.Classification{Kind: model.ClassPermanent, UserState: m.state, Message: sig.ProviderMsg, HTTPStatus: sig.HTTPStatus}
			}
		}
		if util.ContainsAnyCaseInsensitive(sig.ProviderMsg, unavailableMarkers) {
			return model.Classification{Kind: model.ClassTransient, ErrorKind: model.ErrorUnavailable, WaitHint: 60 * time.Second, Message: sig.ProviderMsg, HTTPStatus: sig.HTTPStatus}
		}
	}

	if sig.NetworkErr {
		return model.Classification{Kind: model.ClassTransient, ErrorKind: model.ErrorNetwork, WaitHint: 60 * time.Second, Message: sig.ProviderMsg}
	}

	return model.Classification{Kind: model.ClassTransient, ErrorKind: model.ErrorUnknown, WaitHint: 60 * time.Second, Message: sig.ProviderMsg, HTTPStatus: sig.HTTPStatus}
}

func clampWait(d time.Duration) time.Duration {
	if d < 60*time.Second {
		return 60 * time.Second
	}
	if d > 900*time.Second {
		return 900 * time.Second
	}
	return d
}

// InteractiveCeiling and AutoRetryCeiling are the default attempt ceilings
// for the primary pass and the elevated auto-retry pass respectively.
const (
	InteractiveCeiling = 3
	AutoRetryCeiling   = 10
)

// Backoff computes the geometric backoff with jitter for the given attempt
// number (1-indexed), base 60s doubling per attempt, capped at 900s, with
// ±10% jitter; the jittered result is clamped to [60s, 900s]. randFn
// defaults to math/rand's global source when nil.
func Backoff(attempt int, randFn func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := 60.0
	wait := base * float64(int64(1)<<uint(attempt-1))
	if wait > 900 {
		wait = 900
	}
	r := rand.Float64
	if randFn != nil {
		r = randFn
	}
	jitter := (r()*2 - 1) * 0.10 * wait
	total := wait + jitter
	if total < 60 {
		total = 60
	}
	if total > 900 {
		total = 900
	}
	return time.Duration(total * float64(time.Second))
}

// IsRetryEligible reports whether a transient failure with the given
// attempt count is still below the supplied ceiling.
func IsRetryEligible(attempts, ceiling int) bool {
	return attempts < ceiling
}
