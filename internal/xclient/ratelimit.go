package xclient

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"xblock/internal/model"
)

// endpointFamily groups endpoints that share one upstream rate-limit bucket.
type endpointFamily string

const (
	familyGraphQLUserRead endpointFamily = "graphql_user_read"
	familyRESTBlockCreate endpointFamily = "rest_block_create"
)

// newFamilyLimiter returns the client-side token-bucket pacer for a family:
// its steady rate equals the documented upstream ceiling's average rate,
// with a burst of 5, so the dispatcher is paced even when the header-driven
// accountant snapshot is stale.
func newFamilyLimiter(family endpointFamily) *rate.Limiter {
	switch family {
	case familyGraphQLUserRead:
		// 150 req / 15 min upstream ceiling.
		return rate.NewLimiter(rate.Every(6*time.Second), 5)
	case familyRESTBlockCreate:
		// 300 req / 15 min upstream ceiling.
		return rate.NewLimiter(rate.Every(3*time.Second), 5)
	default:
		return rate.NewLimiter(rate.Every(time.Second), 1)
	}
}

// accountant tracks the header-driven rate-limit snapshot per endpoint
// family, shared across goroutines performing calls against the same
// family (§4.4.3).
type accountant struct {
	mu        sync.Mutex
	snapshots map[endpointFamily]model.RateSnapshot
}

func newAccountant() *accountant {
	return &accountant{snapshots: map[endpointFamily]model.RateSnapshot{}}
}

func (a *accountant) update(family endpointFamily, snap model.RateSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots[family] = snap
}

func (a *accountant) get(family endpointFamily) (model.RateSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.snapshots[family]
	return s, ok
}

// waitFor computes how long to block before the next call against
// family, given the last known snapshot: if remaining is exhausted and the
// reset is in the future, wait until reset + a 10s pad, bounded to 15 min.
func (a *accountant) waitFor(family endpointFamily, now time.Time) time.Duration {
	snap, ok := a.get(family)
	if !ok || snap.Remaining > 0 {
		return 0
	}
	if !snap.ResetAt.After(now) {
		return 0
	}
	wait := snap.ResetAt.Sub(now) + 10*time.Second
	if wait > 15*time.Minute {
		wait = 15 * time.Minute
	}
	return wait
}
