// Package xclient is the sole component permitted to perform outbound HTTP
// against the upstream (C5): session and header management, rate-limit
// accounting, batched GraphQL resolve backed by the three-tier cache,
// the legacy REST block call, session recovery, and the 403 empty-body
// cool-down circuit breaker.
package xclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"xblock/internal/cache"
	"xblock/internal/config"
	"xblock/internal/metrics"
	"xblock/internal/model"
	"xblock/internal/retry"
)

// featureFlags is the fixed set of GraphQL feature-flag parameters the
// upstream requires on every call. The exact set is a compatibility detail
// of the upstream surface, carried here as a constant table.
var featureFlags = map[string]bool{
	"responsive_web_graphql_exclude_directive_enabled":                  true,
	"verified_phone_label_enabled":                                      false,
	"responsive_web_graphql_timeline_navigation_enabled":                true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled": false,
	"creator_subscriptions_tweet_preview_api_enabled":                   true,
	"responsive_web_edit_tweet_api_enabled":                             true,
	"standardized_nudges_misinfo":                                       true,
	"responsive_web_enhance_cards_enabled":                              false,
	"subscriptions_verification_info_enabled":                           true,
	"blue_business_profile_image_shape_enabled":                         true,
}

// forwardedForPool is the small curated pool of regional IPs used for the
// optional forwarding header.
var forwardedForPool = []string{
	"104.28.12.4", "172.68.9.17", "198.51.100.23", "203.0.113.44",
}

// cooldownThreshold and cooldownWindow implement the 403 empty-body circuit
// breaker: k failures within window trips a cooldown.
const (
	cooldownThreshold = 5
	cooldownWindow     = 5 * time.Minute
	cooldownDuration   = 30 * time.Minute
)

// ErrCooldown is returned when the 403 circuit breaker is open.
var ErrCooldown = errors.New("xclient: in 403 cool-down")

// ErrAuth is returned when a call still classifies as Auth after the
// single session-recovery retry.
var ErrAuth = errors.New("xclient: session unauthenticated")

// Client is the upstream HTTP client.
type Client struct {
	graphqlBase string
	restBase    string
	httpClient  *http.Client

	cookiePath string
	headerCfg  config.HeadersConfig

	limiters   map[endpointFamily]*rate.Limiter
	accountant *accountant
	cache      *cache.Cache

	mu      sync.Mutex
	session model.SessionState

	cooldownMu     sync.Mutex
	recentFailures []time.Time
	cooldownUntil  time.Time

	nowFn   func() time.Time
	sleepFn func(time.Duration)
	randFn  func() float64
}

// New constructs a Client. c may be nil, in which case resolve skips the
// cache: id targets go straight to the batched id lookup, handle targets to
// one lookup per handle, and nothing is cached.
func New(cookiePath string, headerCfg config.HeadersConfig, c *cache.Cache) *Client {
	return &Client{
		graphqlBase: "https://x.com/i/api/graphql",
		restBase:    "https://x.com/i/api/1.1",
		httpClient:  &http.Client{Timeout: 20 * time.Second},
		cookiePath:  cookiePath,
		headerCfg:   headerCfg,
		limiters: map[endpointFamily]*rate.Limiter{
			familyGraphQLUserRead: newFamilyLimiter(familyGraphQLUserRead),
			familyRESTBlockCreate: newFamilyLimiter(familyRESTBlockCreate),
		},
		accountant: newAccountant(),
		cache:      c,
		nowFn:      time.Now,
		sleepFn:    time.Sleep,
		randFn:     rand.Float64,
	}
}

func (c *Client) now() time.Time { return c.nowFn() }

// SetBaseURLs overrides the GraphQL and REST base URLs, for tests that
// stand up a local httptest server in place of the upstream.
func (c *Client) SetBaseURLs(graphqlBase, restBase string) {
	c.graphqlBase = graphqlBase
	c.restBase = restBase
}

// loadSession loads the cookie jar from disk into the session if not
// already loaded for this process.
func (c *Client) loadSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Cookies != nil {
		return nil
	}
	return c.reloadSessionLocked()
}

func (c *Client) reloadSessionLocked() error {
	jar, err := config.LoadCookieJar(c.cookiePath)
	if err != nil {
		return err
	}
	c.session.Cookies = jar.Cookies
	c.session.CookiesLoadedAt = time.Unix(jar.LoadedAt, 0).UTC()
	return nil
}

// recoverSession implements §4.4.5: clear the cached caller id, re-read the
// cookie jar from disk, sleep 2s.
func (c *Client) recoverSession() error {
	metrics.AuthRecoveries.Inc()
	c.mu.Lock()
	c.session.CallerID = ""
	err := c.reloadSessionLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.sleepFn(2 * time.Second)
	return nil
}

func transactionID(randFn func() float64) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = alphabet[int(randFn()*float64(len(alphabet)))%len(alphabet)]
	}
	return string(b)
}

func (c *Client) forwardedFor(randFn func() float64) string {
	idx := int(randFn() * float64(len(forwardedForPool)))
	if idx >= len(forwardedForPool) {
		idx = len(forwardedForPool) - 1
	}
	return forwardedForPool[idx]
}

func (c *Client) applyHeaders(req *http.Request) {
	c.mu.Lock()
	cookies := c.session.Cookies
	c.mu.Unlock()

	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	if csrf := cookies[config.CSRFCookieName]; csrf != "" {
		req.Header.Set("x-csrf-token", csrf)
	}
	req.Header.Set("Accept", "application/json")

	if !c.headerCfg.DisableHeaderEnhancement {
		req.Header.Set("x-client-transaction-id", transactionID(c.randFn))
		if c.headerCfg.EnableForwardedFor {
			req.Header.Set("x-forwarded-for", c.forwardedFor(c.randFn))
		}
	}
}

// inCooldown reports whether the 403 circuit breaker is currently open.
func (c *Client) inCooldown() (bool, time.Duration) {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	now := c.now()
	if now.Before(c.cooldownUntil) {
		return true, c.cooldownUntil.Sub(now)
	}
	return false, 0
}

// recordEmptyForbidden records one 403-empty-body failure and trips the
// breaker once cooldownThreshold such failures land within cooldownWindow.
func (c *Client) recordEmptyForbidden() {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	now := c.now()
	cutoff := now.Add(-cooldownWindow)
	kept := c.recentFailures[:0]
	for _, t := range c.recentFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.recentFailures = kept
	if len(c.recentFailures) >= cooldownThreshold {
		c.cooldownUntil = now.Add(cooldownDuration)
		c.recentFailures = nil
	}
}

func (c *Client) updateAccountant(family endpointFamily, resp *http.Response) {
	limit, _ := strconv.Atoi(resp.Header.Get("x-rate-limit-limit"))
	remaining, err1 := strconv.Atoi(resp.Header.Get("x-rate-limit-remaining"))
	resetRaw, err2 := strconv.Atoi(resp.Header.Get("x-rate-limit-reset"))
	if err1 != nil || err2 != nil {
		return
	}
	c.accountant.update(family, model.RateSnapshot{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(int64(resetRaw), 0).UTC(),
	})
}

// dispatch performs one logical call against family, applying token bucket
// pacing, header-driven rate accounting, the 403 cool-down breaker, a
// single retry-after-sleep on a rate-limit classification, and §4.4.5
// session recovery. build is called once per physical attempt (at most
// three: the original call, one rate-limit retry, and one Auth retry).
func (c *Client) dispatch(ctx context.Context, family endpointFamily, build func() (*http.Request, error)) ([]byte, *http.Response, error) {
	if open, _ := c.inCooldown(); open {
		return nil, nil, ErrCooldown
	}
	if err := c.loadSession(); err != nil {
		return nil, nil, err
	}
	if wait := c.accountant.waitFor(family, c.now()); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if err := c.limiters[family].Wait(ctx); err != nil {
		return nil, nil, err
	}

	body, resp, classification, err := c.attempt(ctx, family, build)
	if err != nil {
		return body, resp, err
	}
	if classification != nil && classification.Kind == model.ClassTransient && classification.ErrorKind == model.ErrorRateLimit {
		wait := classification.WaitHint
		metrics.ObserveRateLimitWait(wait)
		c.sleepFn(wait)
		metrics.IncRetryAttempt(string(family))
		body, resp, classification, err = c.attempt(ctx, family, build)
		if err != nil {
			return body, resp, err
		}
	}
	if classification != nil && classification.Kind == model.ClassAuth {
		c.mu.Lock()
		alreadyRetried := c.session.AuthRetryAttempted
		c.mu.Unlock()
		if alreadyRetried {
			return body, resp, ErrAuth
		}
		if err := c.recoverSession(); err != nil {
			return body, resp, err
		}
		c.mu.Lock()
		c.session.AuthRetryAttempted = true
		c.mu.Unlock()
		body, resp, classification, err = c.attempt(ctx, family, build)
		c.mu.Lock()
		c.session.AuthRetryAttempted = false
		c.mu.Unlock()
		if err != nil {
			return body, resp, err
		}
		if classification != nil && classification.Kind == model.ClassAuth {
			return body, resp, ErrAuth
		}
	}
	if classification != nil {
		return body, resp, classificationError{c: *classification}
	}
	return body, resp, nil
}

func (c *Client) attempt(ctx context.Context, family endpointFamily, build func() (*http.Request, error)) ([]byte, *http.Response, *model.Classification, error) {
	req, err := build()
	if err != nil {
		return nil, nil, nil, err
	}
	req = req.WithContext(ctx)
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cl := retry.Classify(retry.Signal{NetworkErr: true}, retry.RateLimitReset{})
		return nil, nil, &cl, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	c.updateAccountant(family, resp)

	if resp.StatusCode == http.StatusForbidden && len(body) == 0 {
		c.recordEmptyForbidden()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp, nil, nil
	}

	rl, rlKnown := c.rateLimitResetFromHeaders(resp)
	cl := retry.Classify(retry.Signal{HTTPStatus: resp.StatusCode, ProviderMsg: providerMessage(body)}, retry.RateLimitReset{ResetAt: rl, Known: rlKnown})
	return body, resp, &cl, nil
}

func (c *Client) rateLimitResetFromHeaders(resp *http.Response) (time.Time, bool) {
	resetRaw, err := strconv.Atoi(resp.Header.Get("x-rate-limit-reset"))
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(resetRaw), 0).UTC(), true
}

func providerMessage(body []byte) string {
	var raw struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || len(raw.Errors) == 0 {
		return ""
	}
	return raw.Errors[0].Message
}

// classificationError wraps a non-2xx classification so callers can branch
// on it with errors.As without losing the raw status/message.
type classificationError struct{ c model.Classification }

func (e classificationError) Error() string {
	return fmt.Sprintf("xclient: %s (%s)", e.c.Kind, e.c.Message)
}

// Classification unwraps the classification carried by err, if any.
func Classification(err error) (model.Classification, bool) {
	var ce classificationError
	if errors.As(err, &ce) {
		return ce.c, true
	}
	return model.Classification{}, false
}

// UserByScreenName resolves one handle via the GraphQL lookup endpoint.
func (c *Client) UserByScreenName(ctx context.Context, handle string) (model.Profile, error) {
	p, _, err := c.userByScreenName(ctx, handle)
	return p, err
}

// userByScreenName is UserByScreenName plus the viewer's relationship to
// the resolved account, carried in the same GraphQL legacy payload.
func (c *Client) userByScreenName(ctx context.Context, handle string) (model.Profile, model.Relationship, error) {
	body, _, err := c.dispatch(ctx, familyGraphQLUserRead, func() (*http.Request, error) {
		u := c.graphqlQueryURL("UserByScreenName", map[string]any{"screen_name": handle})
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return model.Profile{}, model.Relationship{}, err
	}
	return parseProfile(body)
}

// UserByRestId resolves one numeric id via the GraphQL lookup endpoint.
func (c *Client) UserByRestId(ctx context.Context, id string) (model.Profile, error) {
	p, _, err := c.userByRestId(ctx, id)
	return p, err
}

func (c *Client) userByRestId(ctx context.Context, id string) (model.Profile, model.Relationship, error) {
	body, _, err := c.dispatch(ctx, familyGraphQLUserRead, func() (*http.Request, error) {
		u := c.graphqlQueryURL("UserByRestId", map[string]any{"userId": id})
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return model.Profile{}, model.Relationship{}, err
	}
	return parseProfile(body)
}

// UsersByRestIds resolves up to 50 numeric ids in one GraphQL call.
func (c *Client) UsersByRestIds(ctx context.Context, ids []string) (map[string]model.Profile, error) {
	profiles, _, err := c.usersByRestIds(ctx, ids)
	return profiles, err
}

func (c *Client) usersByRestIds(ctx context.Context, ids []string) (map[string]model.Profile, map[string]model.Relationship, error) {
	if len(ids) > 50 {
		return nil, nil, fmt.Errorf("xclient: UsersByRestIds accepts at most 50 ids, got %d", len(ids))
	}
	body, _, err := c.dispatch(ctx, familyGraphQLUserRead, func() (*http.Request, error) {
		u := c.graphqlQueryURL("UsersByRestIds", map[string]any{"userIds": ids})
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	return parseProfiles(body)
}

// BlockCreate issues the legacy REST block call for a numeric id.
func (c *Client) BlockCreate(ctx context.Context, id string) error {
	_, _, err := c.dispatch(ctx, familyRESTBlockCreate, func() (*http.Request, error) {
		form := url.Values{"user_id": {id}}
		req, err := http.NewRequest(http.MethodPost, c.restBase+"/blocks/create.json", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	return err
}

// VerifyCredentials fetches the caller's own numeric id, caching it on the
// session for the process lifetime.
func (c *Client) VerifyCredentials(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.session.CallerID != "" {
		id := c.session.CallerID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	body, _, err := c.dispatch(ctx, familyRESTBlockCreate, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.restBase+"/account/verify_credentials.json", nil)
	})
	if err != nil {
		return "", err
	}
	var raw struct {
		IDStr string `json:"id_str"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.session.CallerID = raw.IDStr
	c.mu.Unlock()
	return raw.IDStr, nil
}

func (c *Client) graphqlQueryURL(operation string, variables map[string]any) string {
	vb, _ := json.Marshal(variables)
	fb, _ := json.Marshal(featureFlags)
	q := url.Values{}
	q.Set("variables", string(vb))
	q.Set("features", string(fb))
	return fmt.Sprintf("%s/%s?%s", c.graphqlBase, operation, q.Encode())
}

// legacyUser is the subset of the upstream's legacy user object this tool
// needs: profile fields plus the viewer's relationship to the account,
// both returned together by every GraphQL user-lookup operation.
type legacyUser struct {
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
	Protected  bool   `json:"protected"`
	Verified   bool   `json:"verified"`
	Following  bool   `json:"following"`
	FollowedBy bool   `json:"followed_by"`
	Blocking   bool   `json:"blocking"`
	BlockedBy  bool   `json:"blocked_by"`
	Muting     bool   `json:"muting"`
}

func splitLegacy(restID string, l legacyUser) (model.Profile, model.Relationship) {
	p := model.Profile{
		ID:          restID,
		Handle:      l.ScreenName,
		DisplayName: l.Name,
		Protected:   l.Protected,
		Verified:    l.Verified,
		State:       model.StateActive,
	}
	rel := model.Relationship{
		Following:  l.Following,
		FollowedBy: l.FollowedBy,
		Blocking:   l.Blocking,
		BlockedBy:  l.BlockedBy,
		Muted:      l.Muting,
	}
	return p, rel
}

func parseProfile(body []byte) (model.Profile, model.Relationship, error) {
	var raw struct {
		Data struct {
			User struct {
				Result struct {
					RestID string     `json:"rest_id"`
					Legacy legacyUser `json:"legacy"`
				} `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.Profile{}, model.Relationship{}, err
	}
	u := raw.Data.User.Result
	p, rel := splitLegacy(u.RestID, u.Legacy)
	return p, rel, nil
}

func parseProfiles(body []byte) (map[string]model.Profile, map[string]model.Relationship, error) {
	var raw struct {
		Data struct {
			Users []struct {
				Result struct {
					RestID string     `json:"rest_id"`
					Legacy legacyUser `json:"legacy"`
				} `json:"result"`
			} `json:"users"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, err
	}
	profiles := make(map[string]model.Profile, len(raw.Data.Users))
	relationships := make(map[string]model.Relationship, len(raw.Data.Users))
	for _, u := range raw.Data.Users {
		r := u.Result
		p, rel := splitLegacy(r.RestID, r.Legacy)
		profiles[r.RestID] = p
		relationships[r.RestID] = rel
	}
	return profiles, relationships, nil
}

// ResolveUsers implements §4.4.4: coverage-aware batched resolve backed by
// the three-tier cache, returning at most one ResolvedTarget per input
// target, keyed by its Key(); an id the batch call does not return gets no
// entry.
func (c *Client) ResolveUsers(ctx context.Context, targets []model.Target) (map[string]model.ResolvedTarget, error) {
	out := make(map[string]model.ResolvedTarget, len(targets))
	var misses []model.Target

	for _, t := range targets {
		if c.cache == nil {
			misses = append(misses, t)
			continue
		}
		if t.Handle == "" {
			// A user_id-format target: the identity is already known, so
			// coverage is checked directly against the profile/relationship
			// tiers by id, with no lookup-tier step.
			if t.UserID == "" {
				misses = append(misses, t)
				continue
			}
			if c.cache.AnalyzeCoverageByID(t.UserID).Kind == model.CoverageFullHit {
				profile, _ := c.cache.GetProfile(t.UserID)
				rel, _ := c.cache.GetRelationship(t.UserID)
				out[t.Key()] = model.ResolvedTarget{Target: model.Target{Handle: profile.Handle, UserID: t.UserID}, Profile: profile, Relationship: rel}
				continue
			}
			misses = append(misses, t)
			continue
		}
		cov := c.cache.AnalyzeCoverage(t.Handle)
		switch cov.Kind {
		case model.CoverageFullHit:
			profile, _ := c.cache.GetProfile(cov.ID)
			rel, _ := c.cache.GetRelationship(cov.ID)
			out[t.Key()] = model.ResolvedTarget{Target: model.Target{Handle: t.Handle, UserID: cov.ID}, Profile: profile, Relationship: rel}
		case model.CoveragePartialHit:
			// The lookup tier already resolved an id for this handle; the
			// miss loop below re-finds it via the lookup cache and routes
			// the target into the id-based batch below rather than a full
			// handle resolve, refetching both tiers together.
			misses = append(misses, t)
		default:
			misses = append(misses, t)
		}
	}

	// idLookup pairs the numeric id actually sent upstream with the
	// originating target's Key(), which may still be a bare handle (the
	// lookup tier resolved the id, but the caller's target never carried
	// one) and must be preserved so the result lands under the same key
	// the caller indexed its target list by.
	type idLookup struct {
		key string
		id  string
	}
	var idByTarget []idLookup
	var handleOnly []model.Target
	for _, t := range misses {
		if t.UserID != "" {
			idByTarget = append(idByTarget, idLookup{key: t.Key(), id: t.UserID})
		} else if id, ok := c.lookupCached(t.Handle); ok {
			idByTarget = append(idByTarget, idLookup{key: t.Key(), id: id})
		} else {
			handleOnly = append(handleOnly, t)
		}
	}

	idBatch := make([]string, len(idByTarget))
	for i, l := range idByTarget {
		idBatch[i] = l.id
	}
	fetchedProfiles := make(map[string]model.Profile, len(idBatch))
	fetchedRelationships := make(map[string]model.Relationship, len(idBatch))
	for _, chunk := range chunkStrings(idBatch, 50) {
		profiles, relationships, err := c.usersByRestIds(ctx, chunk)
		if err != nil {
			return out, err
		}
		for id, p := range profiles {
			rel := relationships[id]
			c.populateCache(p, rel)
			fetchedProfiles[id] = p
			fetchedRelationships[id] = rel
		}
	}
	for _, l := range idByTarget {
		p, ok := fetchedProfiles[l.id]
		if !ok {
			continue
		}
		out[l.key] = model.ResolvedTarget{Target: model.Target{Handle: p.Handle, UserID: l.id}, Profile: p, Relationship: fetchedRelationships[l.id]}
	}

	for _, t := range handleOnly {
		p, rel, err := c.userByScreenName(ctx, t.Handle)
		if err != nil {
			if cl, ok := Classification(err); ok {
				out[t.Key()] = model.ResolvedTarget{Target: t, Failure: &cl}
				continue
			}
			return out, err
		}
		c.populateCache(p, rel)
		out[t.Key()] = model.ResolvedTarget{Target: model.Target{Handle: t.Handle, UserID: p.ID}, Profile: p, Relationship: rel}
	}

	return out, nil
}

// InvalidateRelationship drops the cached relationship entry for a numeric
// id, used by the manager after a successful block so a subsequent run
// does not skip the target as "already blocked" based on stale data.
func (c *Client) InvalidateRelationship(id string) {
	if c.cache != nil {
		c.cache.InvalidateRelationship(id)
	}
}

func (c *Client) lookupCached(handle string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	return c.cache.GetLookup(handle)
}

func (c *Client) populateCache(p model.Profile, rel model.Relationship) {
	if c.cache == nil || p.ID == "" {
		return
	}
	if p.Handle != "" {
		_ = c.cache.PutLookup(p.Handle, p.ID)
	}
	_ = c.cache.PutProfile(p.ID, p)
	_ = c.cache.PutRelationship(p.ID, rel)
}

func chunkStrings(in []string, size int) [][]string {
	if len(in) == 0 {
		return nil
	}
	var out [][]string
	for i := 0; i < len(in); i += size {
		end := i + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[i:end])
	}
	return out
}
