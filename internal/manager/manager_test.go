package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"xblock/internal/config"
	"xblock/internal/model"
	"xblock/internal/store/blockstore"
	"xblock/internal/xclient"
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

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, *blockstore.DB) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	store, err := blockstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	c := xclient.New(writeCookieJar(t), config.HeadersConfig{EnableForwardedFor: true}, nil)
	c.SetBaseURLs(ts.URL+"/graphql", ts.URL+"/rest")

	m := New(store, c)
	m.sleep = func(time.Duration) {}
	return m, store
}

func testParams() Params {
	return Params{BatchSize: 50, InterCallDelay: 0, RetryCeiling: 3, SessionID: "test-session"}
}

func TestRunBlocksAndRecordsSuccess(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/graphql/UserByScreenName":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"42","legacy":{"screen_name":"alice","name":"Alice"}}}}}`))
		case r.URL.Path == "/rest/blocks/create.json":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	targets := []model.Target{{Handle: "alice"}}
	s, err := m.Run(context.Background(), targets, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s.Blocked != 1 || s.Completed != 1 || s.Errors != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}

	succ, err := store.GetSuccessful(context.Background(), []string{"42"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := succ["42"]; !ok {
		t.Fatalf("expected 42 recorded as successful, got %+v", succ)
	}
}

func TestRunSkipsAlreadySuccessfulOnReplay(t *testing.T) {
	calls := 0
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.URL.Path == "/graphql/UserByScreenName":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"42","legacy":{"screen_name":"alice","name":"Alice"}}}}}`))
		case r.URL.Path == "/rest/blocks/create.json":
			w.WriteHeader(http.StatusOK)
		}
	})

	targets := []model.Target{{Handle: "alice"}}
	if _, err := m.Run(context.Background(), targets, testParams()); err != nil {
		t.Fatal(err)
	}
	firstCalls := calls

	s, err := m.Run(context.Background(), targets, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s.Skipped != 1 || s.Blocked != 0 {
		t.Fatalf("expected replay to skip the already-successful target, got %+v", s)
	}
	if calls != firstCalls {
		t.Fatalf("expected no new upstream calls on replay, went from %d to %d", firstCalls, calls)
	}
}

func TestRunBlocksWhenRelationshipUncached(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/graphql/UserByScreenName":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"7","legacy":{"screen_name":"bob","name":"Bob"}}}}}`))
		case r.URL.Path == "/rest/blocks/create.json":
			w.WriteHeader(http.StatusOK)
		}
	})

	// bob's legacy payload carries no following/blocking flags, so the
	// resolved relationship is the zero value and the block proceeds; the
	// skip branch is covered by TestSafetySkipReasonFollowing and
	// TestRunSkipsFollowedTargetFromLiveResolve below.
	targets := []model.Target{{Handle: "bob"}}
	s, err := m.Run(context.Background(), targets, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s.Blocked != 1 {
		t.Fatalf("expected the block call since bob has no following/blocking relationship, got %+v", s)
	}
}

func TestRunSkipsFollowedTargetFromLiveResolve(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/graphql/UserByScreenName":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"9","legacy":{"screen_name":"eve","name":"Eve","following":true}}}}}`))
		case r.URL.Path == "/rest/blocks/create.json":
			t.Error("expected no block call for a followed account")
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
		}
	})

	targets := []model.Target{{Handle: "eve"}}
	s, err := m.Run(context.Background(), targets, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s.Skipped != 1 || s.Blocked != 0 {
		t.Fatalf("expected eve's following relationship (parsed live from the resolve) to skip the block, got %+v", s)
	}

	skipped, err := store.GetSuccessful(context.Background(), []string{"9"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := skipped["9"]; ok {
		t.Fatalf("a safety skip is not a success outcome")
	}
}

func TestSafetySkipReasonFollowing(t *testing.T) {
	if reason := safetySkipReason(model.Relationship{Following: true}); reason != "following" {
		t.Fatalf("expected following, got %q", reason)
	}
	if reason := safetySkipReason(model.Relationship{Blocking: true}); reason != "already_blocked" {
		t.Fatalf("expected already_blocked, got %q", reason)
	}
	if reason := safetySkipReason(model.Relationship{}); reason != "" {
		t.Fatalf("expected no skip reason for an unrelated account, got %q", reason)
	}
}

func TestRunRecordsPermanentFailureAndSkipsOnRetry(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/graphql/UserByScreenName" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":[{"message":"user is suspended"}]}`))
			return
		}
		t.Errorf("unexpected request path %q", r.URL.Path)
	})

	targets := []model.Target{{Handle: "ghost"}}
	s, err := m.Run(context.Background(), targets, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s.Skipped != 1 {
		t.Fatalf("expected the suspended lookup to count as skipped, got %+v", s)
	}

	perm, err := store.GetPermanentFailures(context.Background(), []string{"ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := perm["ghost"]; !ok {
		t.Fatalf("expected ghost recorded as a permanent failure, got %+v", perm)
	}

	s2, err := m.Run(context.Background(), targets, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s2.Skipped != 1 {
		t.Fatalf("expected the permanent failure to be prefiltered on replay, got %+v", s2)
	}
}

func TestRunRetryPassSkipsWhenNoCandidates(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected when there are no retry candidates")
	})

	s, err := m.RunRetryPass(context.Background(), testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s != (Summary{}) {
		t.Fatalf("expected an empty summary, got %+v", s)
	}
}

func TestRunRetryPassBacksOffBeforeRetrying(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/graphql/UsersByRestIds":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"users":[{"result":{"rest_id":"5","legacy":{"screen_name":"carol","name":"Carol"}}}]}}`))
		case r.URL.Path == "/rest/blocks/create.json":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
		}
	})

	if err := store.RecordOutcome(context.Background(), model.Outcome{
		Handle: "carol", UserID: "5", Status: model.StatusFailed, ErrorKind: model.ErrorServerError,
	}, time.Now()); err != nil {
		t.Fatal(err)
	}

	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }

	s, err := m.RunRetryPass(context.Background(), testParams())
	if err != nil {
		t.Fatal(err)
	}
	if s.Blocked != 1 {
		t.Fatalf("expected the sole retry candidate to be blocked, got %+v", s)
	}
	if len(slept) == 0 || slept[0] < 60*time.Second {
		t.Fatalf("expected the first sleep to be a backoff wait of at least 60s before the retry pass ran, got %v", slept)
	}
}

func TestRunRecordsTransientOutcomeBeforeAuthAbort(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/graphql/UserByScreenName":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"8","legacy":{"screen_name":"dave","name":"Dave"}}}}}`))
		case r.URL.Path == "/rest/blocks/create.json":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"message":"could not authenticate"}]}`))
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
		}
	})

	targets := []model.Target{{Handle: "dave"}}
	_, err := m.Run(context.Background(), targets, testParams())
	if err != ErrAuth {
		t.Fatalf("expected ErrAuth, got %v", err)
	}

	failed, err := store.ListRetryCandidates(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected dave's failed outcome to be recorded, got %+v", failed)
	}
	o := failed[0]
	if o.Handle != "dave" || o.ErrorKind != model.ErrorAuth || o.Attempts != 1 {
		t.Fatalf("expected a transient auth outcome with attempts=1, got %+v", o)
	}
}
