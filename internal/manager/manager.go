// Package manager implements the processing manager (C6): the resumable
// batch pipeline that reads targets, prefilters against persisted history,
// resolves identities, applies safety checks, performs the block call, and
// records every outcome.
package manager

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"xblock/internal/logging"
	"xblock/internal/metrics"
	"xblock/internal/model"
	"xblock/internal/retry"
	"xblock/internal/store/blockstore"
	"xblock/internal/xclient"
)

// ErrAuth is returned when the client surfaces an unrecovered Auth
// classification; the caller (cmd/xblock) treats this as fatal to the run.
var ErrAuth = errors.New("manager: session rejected after recovery attempt")

// Params controls one run of the pipeline.
type Params struct {
	BatchSize      int
	InterCallDelay time.Duration
	RetryCeiling   int
	SessionID      string
}

// Summary is the per-run progress tally emitted at the end of each batch
// and returned to the caller for the final progress line.
type Summary struct {
	Completed int
	Blocked   int
	Skipped   int
	Errors    int
}

func (s *Summary) add(o Summary) {
	s.Completed += o.Completed
	s.Blocked += o.Blocked
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Manager wires the store and client together into the pipeline of §4.5.
type Manager struct {
	store  *blockstore.DB
	client *xclient.Client
	sleep  func(time.Duration)
	now    func() time.Time
	randFn func() float64
}

// New constructs a Manager.
func New(store *blockstore.DB, client *xclient.Client) *Manager {
	return &Manager{store: store, client: client, sleep: time.Sleep, now: time.Now, randFn: rand.Float64}
}

// Run processes targets in batches of p.BatchSize, per the per-batch
// algorithm of §4.5, and returns the accumulated summary.
func (m *Manager) Run(ctx context.Context, targets []model.Target, p Params) (Summary, error) {
	var total Summary
	for start := 0; start < len(targets); start += p.BatchSize {
		end := start + p.BatchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		s, err := m.runBatch(ctx, batch, p)
		total.add(s)
		logging.Info("batch complete", map[string]any{
			"completed": total.Completed, "blocked": total.Blocked, "skipped": total.Skipped, "errors": total.Errors,
		})
		if err != nil {
			return total, err
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
	return total, nil
}

// RunRetryPass runs the same algorithm over the store's current retry
// candidates, those below p.RetryCeiling attempts. It does not recurse: candidates
// discovered as a side effect of this pass are left for the next run.
func (m *Manager) RunRetryPass(ctx context.Context, p Params) (Summary, error) {
	candidates, err := m.store.ListRetryCandidates(ctx, p.RetryCeiling)
	if err != nil {
		return Summary{}, err
	}
	if len(candidates) == 0 {
		return Summary{}, nil
	}
	targets := make([]model.Target, 0, len(candidates))
	minAttempts := candidates[0].Attempts
	for _, o := range candidates {
		targets = append(targets, model.Target{Handle: o.Handle, UserID: o.UserID})
		if o.Attempts < minAttempts {
			minAttempts = o.Attempts
		}
	}
	// The caller, not the classifier, owns backoff pacing for a resumed
	// retry pass: wait the geometric schedule for the least-retried
	// candidate before re-contacting the upstream at all.
	m.sleep(retry.Backoff(minAttempts, m.randFn))
	return m.Run(ctx, targets, p)
}

func (m *Manager) runBatch(ctx context.Context, batch []model.Target, p Params) (Summary, error) {
	var s Summary
	keys := make([]string, len(batch))
	for i, t := range batch {
		keys[i] = t.Key()
	}

	permanent, err := m.store.GetPermanentFailures(ctx, keys)
	if err != nil {
		return s, err
	}
	successful, err := m.store.GetSuccessful(ctx, keys)
	if err != nil {
		return s, err
	}

	var remaining []model.Target
	for _, t := range batch {
		k := t.Key()
		if _, ok := permanent[k]; ok {
			s.Skipped++
			continue
		}
		if _, ok := successful[k]; ok {
			s.Skipped++
			continue
		}
		remaining = append(remaining, t)
	}
	if len(remaining) == 0 {
		return s, nil
	}

	resolved, err := m.client.ResolveUsers(ctx, remaining)
	if err != nil {
		if errors.Is(err, xclient.ErrAuth) {
			return s, ErrAuth
		}
		return s, err
	}

	for _, t := range remaining {
		rt, ok := resolved[t.Key()]
		if !ok {
			continue
		}
		if rt.Failure != nil {
			s.add(m.recordResolveFailure(ctx, t, *rt.Failure, p.SessionID))
			continue
		}
		batchSummary, err := m.processResolved(ctx, rt, p)
		s.add(batchSummary)
		if err != nil {
			if errors.Is(err, xclient.ErrAuth) {
				return s, ErrAuth
			}
			return s, err
		}
	}
	return s, nil
}

func (m *Manager) recordResolveFailure(ctx context.Context, t model.Target, cl model.Classification, sessionID string) Summary {
	var s Summary
	o := model.Outcome{
		Handle: t.Handle, UserID: t.UserID, Status: model.StatusFailed,
		ErrorMessage: cl.Message, HTTPStatus: cl.HTTPStatus, SessionID: sessionID,
	}
	switch cl.Kind {
	case model.ClassPermanent:
		o.UserState = cl.UserState
		o.ErrorKind = model.ErrorPermanent
		s.Skipped++
	case model.ClassTransient:
		o.ErrorKind = cl.ErrorKind
		s.Errors++
		metrics.IncBlockError(string(cl.ErrorKind))
	}
	if err := m.store.RecordOutcome(ctx, o, m.now()); err != nil {
		logging.Error("record outcome failed", map[string]any{"target": t.Key(), "error": err.Error()})
	}
	return s
}

func (m *Manager) processResolved(ctx context.Context, rt model.ResolvedTarget, p Params) (Summary, error) {
	var s Summary

	if reason := safetySkipReason(rt.Relationship); reason != "" {
		s.Skipped++
		o := model.Outcome{
			Handle: rt.Profile.Handle, UserID: rt.Profile.ID, DisplayName: rt.Profile.DisplayName,
			Status: model.StatusSkipped, SkipReason: reason, SessionID: p.SessionID,
		}
		if o.Handle == "" {
			o.Handle = rt.Target.Handle
		}
		if o.UserID == "" {
			o.UserID = rt.Target.UserID
		}
		return s, m.store.RecordOutcome(ctx, o, m.now())
	}

	err := m.client.BlockCreate(ctx, rt.Profile.ID)
	if err == nil {
		s.Completed++
		s.Blocked++
		metrics.BlocksIssued.Inc()
		o := model.Outcome{
			Handle: rt.Profile.Handle, UserID: rt.Profile.ID, DisplayName: rt.Profile.DisplayName,
			Status: model.StatusSuccess, UserState: model.StateActive, SessionID: p.SessionID,
		}
		if err := m.store.RecordOutcome(ctx, o, m.now()); err != nil {
			return s, err
		}
		m.client.InvalidateRelationship(rt.Profile.ID)
		m.sleep(p.InterCallDelay)
		return s, nil
	}

	if errors.Is(err, xclient.ErrAuth) {
		s.Errors++
		metrics.IncBlockError(string(model.ErrorAuth))
		o := model.Outcome{
			Handle: rt.Profile.Handle, UserID: rt.Profile.ID, DisplayName: rt.Profile.DisplayName,
			Status: model.StatusFailed, ErrorKind: model.ErrorAuth, ErrorMessage: err.Error(), SessionID: p.SessionID,
		}
		if recErr := m.store.RecordOutcome(ctx, o, m.now()); recErr != nil {
			logging.Error("record outcome failed", map[string]any{"target": rt.Target.Key(), "error": recErr.Error()})
		}
		return s, err
	}
	cl, isClassified := xclient.Classification(err)
	if !isClassified {
		return s, err
	}

	s.Errors++
	metrics.IncBlockError(string(cl.ErrorKind))
	o := model.Outcome{
		Handle: rt.Profile.Handle, UserID: rt.Profile.ID, DisplayName: rt.Profile.DisplayName,
		Status: model.StatusFailed, ErrorMessage: cl.Message, HTTPStatus: cl.HTTPStatus, SessionID: p.SessionID,
	}
	switch cl.Kind {
	case model.ClassPermanent:
		o.UserState = cl.UserState
		o.ErrorKind = model.ErrorPermanent
	case model.ClassTransient:
		o.ErrorKind = cl.ErrorKind
	}
	if err := m.store.RecordOutcome(ctx, o, m.now()); err != nil {
		return s, err
	}
	if cl.Kind == model.ClassTransient {
		m.sleep(p.InterCallDelay)
	}
	return s, nil
}

// safetySkipReason reports the relationship field that should prevent a
// block call, or "" if none applies.
func safetySkipReason(r model.Relationship) string {
	switch {
	case r.Following:
		return "following"
	case r.FollowedBy:
		return "followed_by"
	case r.Blocking:
		return "already_blocked"
	default:
		return ""
	}
}

