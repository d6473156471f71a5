// Package stats is the read-only reporter (C7): totals, retry-candidate
// counts, and per-bucket histograms over the outcome store, with sample
// error messages for diagnosis. It never writes.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"xblock/internal/model"
	"xblock/internal/store/blockstore"
	"xblock/internal/util"
)

const maxSampleMessageRunes = 160

// Report is the rendered snapshot produced by Collect.
type Report struct {
	Totals       Totals
	ByUserState  map[model.UserState]int
	ByErrorKind  map[model.ErrorKind]int
	ErrorSamples map[model.ErrorKind][]blockstore.ErrorSample
}

// Totals mirrors blockstore.Stats with the names the reporter exposes.
type Totals struct {
	All               int
	Blocked           int
	Remaining         int
	Failed            int
	PermanentFailures int
	RetryEligible     int
	RetryCeilingHit   int
}

const samplesPerKind = 5

// Collect runs the read-only aggregate queries and assembles a Report.
// retryCeiling must match the value the run used, so RetryEligible vs.
// RetryCeilingHit matches what a subsequent retry pass would see.
func Collect(ctx context.Context, store *blockstore.DB, retryCeiling int) (Report, error) {
	s, err := store.Stats(ctx, retryCeiling)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		Totals: Totals{
			All:               s.Total,
			Blocked:           s.Succeeded,
			Remaining:         s.Total - s.Succeeded - s.Skipped - s.PermanentFailures - s.RetryCeilingHit,
			Failed:            s.Failed,
			PermanentFailures: s.PermanentFailures,
			RetryEligible:     s.RetryEligible,
			RetryCeilingHit:   s.RetryCeilingHit,
		},
		ByUserState:  s.ByUserState,
		ByErrorKind:  s.ByErrorKind,
		ErrorSamples: map[model.ErrorKind][]blockstore.ErrorSample{},
	}
	if r.Totals.Remaining < 0 {
		r.Totals.Remaining = 0
	}
	for kind := range s.ByErrorKind {
		samples, err := store.ErrorSamples(ctx, kind, samplesPerKind)
		if err != nil {
			return Report{}, err
		}
		r.ErrorSamples[kind] = samples
	}
	return r, nil
}

// Render formats the report the way the run summary is printed: a short
// totals block, then the two histograms, one line per bucket.
func Render(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "totals: all=%d blocked=%d remaining=%d failed=%d permanent=%d retry_eligible=%d retry_ceiling_hit=%d\n",
		r.Totals.All, r.Totals.Blocked, r.Totals.Remaining, r.Totals.Failed, r.Totals.PermanentFailures, r.Totals.RetryEligible, r.Totals.RetryCeilingHit)

	fmt.Fprintln(&b, "by user state:")
	for _, k := range sortedUserStates(r.ByUserState) {
		fmt.Fprintf(&b, "  %-12s %d\n", k, r.ByUserState[k])
	}

	fmt.Fprintln(&b, "by error kind:")
	for _, k := range sortedErrorKinds(r.ByErrorKind) {
		fmt.Fprintf(&b, "  %-12s %d\n", k, r.ByErrorKind[k])
	}
	return b.String()
}

// RenderErrorSamples formats the dedicated diagnosis dump: up to
// samplesPerKind messages per error kind, newest first.
func RenderErrorSamples(r Report) string {
	var b strings.Builder
	for _, k := range sortedErrorKindsFromSamples(r.ErrorSamples) {
		fmt.Fprintf(&b, "%s:\n", k)
		for _, sample := range r.ErrorSamples[k] {
			fmt.Fprintf(&b, "  %s: %s\n", sample.Key, util.Truncate(sample.Message, maxSampleMessageRunes))
		}
	}
	return b.String()
}

func sortedUserStates(m map[model.UserState]int) []model.UserState {
	out := make([]model.UserState, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedErrorKinds(m map[model.ErrorKind]int) []model.ErrorKind {
	out := make([]model.ErrorKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedErrorKindsFromSamples(m map[model.ErrorKind][]blockstore.ErrorSample) []model.ErrorKind {
	out := make([]model.ErrorKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
