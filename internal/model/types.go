package model

import "time"

// TargetFormat is the identifier kind a target list is homogeneous in.
type TargetFormat string

const (
	FormatScreenName TargetFormat = "screen_name"
	FormatUserID     TargetFormat = "user_id"
)

// Target identifies one account to process, by handle, numeric id, or both
// once resolved.
type Target struct {
	Handle string
	UserID string
}

// Key returns the identifier the persistence layer keys on: numeric id when
// known, else handle.
func (t Target) Key() string {
	if t.UserID != "" {
		return t.UserID
	}
	return t.Handle
}

// UserState is the account state observed on the upstream, independent of
// whether the block attempt itself succeeded.
type UserState string

const (
	StateActive      UserState = "active"
	StateSuspended   UserState = "suspended"
	StateNotFound    UserState = "not_found"
	StateDeactivated UserState = "deactivated"
	StateUnavailable UserState = "unavailable"
	StateUnknown     UserState = "unknown"
)

// OutcomeStatus is the terminal disposition of one attempt.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusSkipped OutcomeStatus = "skipped"
	StatusFailed  OutcomeStatus = "failed"
)

// ErrorKind is the retry classifier's bucket for a failed attempt.
type ErrorKind string

const (
	ErrorNone        ErrorKind = ""
	ErrorRateLimit   ErrorKind = "rate_limit"
	ErrorServerError ErrorKind = "server_error"
	ErrorUnavailable ErrorKind = "unavailable"
	ErrorNetwork     ErrorKind = "network"
	ErrorUnknown     ErrorKind = "unknown"
	ErrorAuth        ErrorKind = "auth"
	ErrorPermanent   ErrorKind = "permanent"
)

// Outcome is one attempt record, persisted by internal/store.
type Outcome struct {
	Handle       string
	UserID       string
	DisplayName  string
	Status       OutcomeStatus
	UserState    UserState
	ErrorKind    ErrorKind
	ErrorMessage string
	HTTPStatus   int // 0 means absent
	Attempts     int
	FirstSeen    time.Time
	LastUpdated  time.Time
	SessionID    string
	SkipReason   string
}

// Profile is the subset of account fields the tool needs.
type Profile struct {
	ID          string
	Handle      string
	DisplayName string
	State       UserState
	Protected   bool
	Verified    bool
}

// Relationship captures the caller's relationship to a target account.
type Relationship struct {
	Following  bool
	FollowedBy bool
	Blocking   bool
	BlockedBy  bool
	Muted      bool
}

// ResolvedTarget is what C5.resolve_users produces for one target: a
// profile plus relationship snapshot, or a failure classification if the
// upstream rejected the lookup outright.
type ResolvedTarget struct {
	Target       Target
	Profile      Profile
	Relationship Relationship
	Failure      *Classification // non-nil when resolve itself failed
}

// Classification is C3's pure output: exactly one of Permanent, Transient,
// or Auth is meaningful, discriminated by Kind.
type Classification struct {
	Kind       ClassificationKind
	UserState  UserState // meaningful when Kind == Permanent
	ErrorKind  ErrorKind // meaningful when Kind == Transient
	WaitHint   time.Duration
	Message    string
	HTTPStatus int
}

type ClassificationKind string

const (
	ClassPermanent ClassificationKind = "permanent"
	ClassTransient ClassificationKind = "transient"
	ClassAuth      ClassificationKind = "auth"
)

// RateSnapshot is the per-endpoint rate-limit accountant state.
type RateSnapshot struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// SessionState is the in-memory, per-process caller session: cookie jar
// plus last known caller id and the single-shot auth-retry flag.
type SessionState struct {
	Cookies            map[string]string
	CookiesLoadedAt    time.Time
	CallerID           string
	AuthRetryAttempted bool
}

// CoverageKind classifies how much of a target's three cache tiers are warm.
type CoverageKind string

const (
	CoverageFullHit    CoverageKind = "full_hit"
	CoveragePartialHit CoverageKind = "partial_hit"
	CoverageMiss       CoverageKind = "miss"
)
