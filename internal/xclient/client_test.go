package xclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"xblock/internal/cache"
	"xblock/internal/config"
	"xblock/internal/model"
)

func writeCookieJar(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.json")
	b, _ := json.Marshal(map[string]string{"ct0": "csrf-value", "auth_token": "session-value"})
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New(writeCookieJar(t), config.HeadersConfig{EnableForwardedFor: true}, nil)
	c.SetBaseURLs(baseURL+"/graphql", baseURL+"/rest")
	c.sleepFn = func(time.Duration) {}
	return c
}

func newTestClientWithCache(t *testing.T, baseURL string) (*Client, *cache.Cache) {
	t.Helper()
	ch, err := cache.Open(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	c := New(writeCookieJar(t), config.HeadersConfig{EnableForwardedFor: true}, ch)
	c.SetBaseURLs(baseURL+"/graphql", baseURL+"/rest")
	c.sleepFn = func(time.Duration) {}
	return c, ch
}

func TestUserByScreenNameHappyPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-csrf-token") != "csrf-value" {
			t.Errorf("expected csrf header to be mirrored, got %q", r.Header.Get("x-csrf-token"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"42","legacy":{"screen_name":"alice","name":"Alice"}}}}}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	p, err := c.UserByScreenName(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "42" || p.Handle != "alice" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestAuthClassificationTriggersSessionRecoveryOnce(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"could not authenticate"}]}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.UserByScreenName(context.Background(), "alice")
	if err != ErrAuth {
		t.Fatalf("expected ErrAuth after exhausting the single retry, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (original + one retry), got %d", attempts)
	}
}

func TestForbiddenEmptyBodyTripsCooldown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return fixed }

	for i := 0; i < cooldownThreshold; i++ {
		if _, err := c.UserByScreenName(context.Background(), "alice"); err == nil {
			t.Fatal("expected classification error for 403")
		}
	}

	if _, err := c.UserByScreenName(context.Background(), "alice"); err != ErrCooldown {
		t.Fatalf("expected ErrCooldown after %d empty 403s, got %v", cooldownThreshold, err)
	}
}

func TestBlockCreatePostsFormEncoded(t *testing.T) {
	var gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("user_id") != "99" {
			t.Errorf("expected user_id=99, got %q", r.Form.Get("user_id"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if err := c.BlockCreate(context.Background(), "99"); err != nil {
		t.Fatal(err)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Fatalf("expected form-encoded content type, got %q", gotContentType)
	}
}

func TestRateLimitClassificationRetriesExactlyOnce(t *testing.T) {
	attempts := 0
	reset := time.Now().Add(120 * time.Second).Unix()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	var slept time.Duration
	c.sleepFn = func(d time.Duration) { slept = d }

	if err := c.BlockCreate(context.Background(), "99"); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (original + one retry), got %d", attempts)
	}
	if slept < 60*time.Second {
		t.Fatalf("expected rate-limit wait clamped to >= 60s, got %s", slept)
	}
}

func TestRateLimitHeadersUpdateAccountant(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-limit", "150")
		w.Header().Set("x-rate-limit-remaining", "0")
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"1","legacy":{"screen_name":"a"}}}}}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if _, err := c.UserByScreenName(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	snap, ok := c.accountant.get(familyGraphQLUserRead)
	if !ok || snap.Remaining != 0 {
		t.Fatalf("expected accountant to record remaining=0, got %+v ok=%v", snap, ok)
	}
}

func TestResolveUsersPopulatesRelationshipFromLegacyPayload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"55","legacy":{"screen_name":"frank","name":"Frank","following":true,"blocking":false}}}}}`))
	}))
	defer ts.Close()

	c, ch := newTestClientWithCache(t, ts.URL)
	resolved, err := c.ResolveUsers(context.Background(), []model.Target{{Handle: "frank"}})
	if err != nil {
		t.Fatal(err)
	}
	rt, ok := resolved["frank"]
	if !ok || !rt.Relationship.Following {
		t.Fatalf("expected the live resolve to populate Relationship.Following, got %+v", rt)
	}
	if rel, hit := ch.GetRelationship("55"); !hit || !rel.Following {
		t.Fatalf("expected PutRelationship to have persisted the parsed relationship, got %+v hit=%v", rel, hit)
	}
}

func TestResolveUsersReusesIDCacheAcrossCalls(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"users":[{"result":{"rest_id":"77","legacy":{"screen_name":"gina","name":"Gina"}}}]}}`))
	}))
	defer ts.Close()

	c, _ := newTestClientWithCache(t, ts.URL)
	targets := []model.Target{{UserID: "77"}}

	if _, err := c.ResolveUsers(context.Background(), targets); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call on the first resolve, got %d", calls)
	}

	if _, err := c.ResolveUsers(context.Background(), targets); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected the second resolve of the same id-only target to hit the cache, got %d calls", calls)
	}
}

func TestResolveUsersRefetchesOnPartialHit(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.URL.Path == "/graphql/UserByScreenName":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"88","legacy":{"screen_name":"hank","name":"Hank"}}}}}`))
		case r.URL.Path == "/graphql/UsersByRestIds":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"users":[{"result":{"rest_id":"88","legacy":{"screen_name":"hank","name":"Hank","following":true}}}]}}`))
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
		}
	}))
	defer ts.Close()

	c, ch := newTestClientWithCache(t, ts.URL)
	// Warm only the lookup+profile tiers, leaving the relationship tier
	// cold, to put this target in partial_hit coverage.
	_ = ch.PutLookup("hank", "88")
	_ = ch.PutProfile("88", model.Profile{ID: "88", Handle: "hank", DisplayName: "Hank"})

	resolved, err := c.ResolveUsers(context.Background(), []model.Target{{Handle: "hank"}})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one id-based refetch for the partial hit (not a handle lookup), got %d calls", calls)
	}
	rt, ok := resolved["hank"]
	if !ok || !rt.Relationship.Following {
		t.Fatalf("expected the refetch to populate the missing relationship tier, got %+v", rt)
	}
}

