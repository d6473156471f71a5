package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xblock/internal/cache"
	"xblock/internal/cmdlog"
	"xblock/internal/config"
	"xblock/internal/manager"
	"xblock/internal/metrics"
	"xblock/internal/model"
	"xblock/internal/stats"
	"xblock/internal/store/blockstore"
	"xblock/internal/theme"
	"xblock/internal/xclient"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	metrics.StartServer("")

	var err error
	switch cmd {
	case "default-test-run":
		err = cmdlog.Run(cmd, cmdDefaultTestRun)
	case "run-all":
		err = cmdlog.Run(cmd, cmdRunAll)
	case "retry-only":
		err = cmdlog.Run(cmd, cmdRetryOnly)
	case "reset-retry-counts":
		err = cmdlog.Run(cmd, cmdResetRetryCounts)
	case "print-stats":
		err = cmdlog.Run(cmd, cmdPrintStats)
	case "debug-errors-sample":
		err = cmdlog.Run(cmd, cmdDebugErrorsSample)
	case "debug-single-target":
		err = cmdlog.Run(cmd, cmdDebugSingleTarget)
	default:
		printHelp()
		return
	}
	if err != nil {
		fmt.Println("error:", err)
		if isConfigOrAuthOrPersistenceError(err) {
			os.Exit(1)
		}
	}
}

// isConfigOrAuthOrPersistenceError reports whether err should set a
// non-zero exit code. Per-target failures are absorbed into outcome
// records elsewhere and never reach this check.
func isConfigOrAuthOrPersistenceError(err error) bool {
	var ce *config.ConfigError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, manager.ErrAuth) {
		return true
	}
	var pe persistenceOpenError
	return errors.As(err, &pe)
}

// persistenceOpenError wraps a failure to open the store, distinct from
// any other error the manager returns, so only this one trips exit 1.
type persistenceOpenError struct{ error }

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: xblock <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  default-test-run      Process a small bounded slice of the target list")
	fmt.Println("  run-all               Process the entire target list, then the auto-retry pass")
	fmt.Println("  retry-only            Run only the retry pass over existing retry candidates")
	fmt.Println("  reset-retry-counts    Zero attempt counters for failed, non-permanent targets")
	fmt.Println("  print-stats           Print totals and histograms from the persistence store")
	fmt.Println("  debug-errors-sample   Dump sample error messages per error kind")
	fmt.Println("  debug-single-target   Resolve and report on one target without blocking it")
}

// commonFlags is the flag set shared by every run-shaped command.
type commonFlags struct {
	fs                       *flag.FlagSet
	maxTargets               *int
	interCallDelay           *float64
	cookiePath               *string
	targetListPath           *string
	persistencePath          *string
	cacheDir                 *string
	enableForwardedFor       *bool
	disableHeaderEnhancement *bool
}

func newCommonFlags(name string) *commonFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &commonFlags{
		fs:                       fs,
		maxTargets:               fs.Int("max-targets", 0, "cap on targets processed this run (0 means all)"),
		interCallDelay:           fs.Float64("inter-call-delay", 0, "seconds to sleep between block calls (0 uses config default)"),
		cookiePath:               fs.String("cookie-path", "", "path to the cookie jar file"),
		targetListPath:           fs.String("target-list-path", "", "path to the target list file"),
		persistencePath:          fs.String("persistence-path", "", "path to the outcome persistence file"),
		cacheDir:                 fs.String("cache-dir", "", "path to the three-tier cache directory"),
		enableForwardedFor:       fs.Bool("enable-forwarded-for", false, "force-enable the dynamic forwarded-for header"),
		disableHeaderEnhancement: fs.Bool("disable-header-enhancement", false, "disable the dynamic transaction-id/forwarded-for headers"),
	}
}

func (c *commonFlags) loadConfig() (config.Config, error) {
	cfg := config.Default()
	defaults := cfg.Paths
	cfg.Paths = config.PathsConfig{}
	if *c.cookiePath != "" {
		cfg.Paths.CookiePath = *c.cookiePath
	}
	if *c.targetListPath != "" {
		cfg.Paths.TargetListPath = *c.targetListPath
	}
	if *c.persistencePath != "" {
		cfg.Paths.PersistencePath = *c.persistencePath
	}
	if *c.cacheDir != "" {
		cfg.Paths.CacheDir = *c.cacheDir
	}
	cfg.ResolveEnv()
	if cfg.Paths.CookiePath == "" {
		cfg.Paths.CookiePath = defaults.CookiePath
	}
	if cfg.Paths.TargetListPath == "" {
		cfg.Paths.TargetListPath = defaults.TargetListPath
	}
	if cfg.Paths.PersistencePath == "" {
		cfg.Paths.PersistencePath = defaults.PersistencePath
	}
	if cfg.Paths.CacheDir == "" {
		cfg.Paths.CacheDir = defaults.CacheDir
	}
	if *c.maxTargets > 0 {
		cfg.Run.MaxTargets = *c.maxTargets
	}
	if *c.interCallDelay > 0 {
		cfg.Run.InterCallDelay = *c.interCallDelay
	}
	if *c.enableForwardedFor {
		cfg.Headers.EnableForwardedFor = true
	}
	if *c.disableHeaderEnhancement {
		cfg.Headers.DisableHeaderEnhancement = true
	}
	return cfg, nil
}

// runtime holds every collaborator a run-shaped command needs, opened in
// dependency order (store, cache, client, manager) per §1's component list.
type runtime struct {
	cfg     config.Config
	store   *blockstore.DB
	cache   *cache.Cache
	client  *xclient.Client
	manager *manager.Manager
}

func openRuntime(cfg config.Config) (*runtime, error) {
	store, err := blockstore.Open(cfg.Paths.PersistencePath)
	if err != nil {
		return nil, persistenceOpenError{err}
	}
	c, err := cache.Open(cfg.Paths.CacheDir, cache.Options{
		LookupTTL:           time.Duration(cfg.Cache.LookupTTLHours) * time.Hour,
		ProfileTTL:          time.Duration(cfg.Cache.ProfileTTLMinutes) * time.Minute,
		RelationshipTTL:     time.Duration(cfg.Cache.RelationshipTTLMinutes) * time.Minute,
		ProfileCeiling:      cfg.Cache.ProfileCeiling,
		RelationshipCeiling: cfg.Cache.RelationshipCeiling,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client := xclient.New(cfg.Paths.CookiePath, cfg.Headers, c)
	mgr := manager.New(store, client)
	return &runtime{cfg: cfg, store: store, cache: c, client: client, manager: mgr}, nil
}

func (r *runtime) Close() { _ = r.store.Close() }

func loadTargets(cfg config.Config) ([]model.Target, error) {
	tl, err := config.LoadTargetList(cfg.Paths.TargetListPath)
	if err != nil {
		return nil, err
	}
	targets := make([]model.Target, 0, len(tl.Users))
	for _, u := range tl.Users {
		switch tl.Format {
		case model.FormatScreenName:
			targets = append(targets, model.Target{Handle: u})
		case model.FormatUserID:
			targets = append(targets, model.Target{UserID: u})
		}
	}
	if cfg.Run.MaxTargets > 0 && len(targets) > cfg.Run.MaxTargets {
		targets = targets[:cfg.Run.MaxTargets]
	}
	return targets, nil
}

func runParams(cfg config.Config, sessionID string) manager.Params {
	return manager.Params{
		BatchSize:      cfg.Run.BatchSize,
		InterCallDelay: time.Duration(cfg.Run.InterCallDelay * float64(time.Second)),
		RetryCeiling:   cfg.Run.RetryCeiling,
		SessionID:      sessionID,
	}
}

// newSessionID stamps one run so the reporter can distinguish it from
// others without relying on wall-clock time (unavailable at author time).
func newSessionID(cmd string) string {
	return cmd + "-" + fmt.Sprintf("%d", os.Getpid())
}

func withCancellation(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}

func cmdDefaultTestRun() error {
	cf := newCommonFlags("default-test-run")
	_ = cf.fs.Parse(os.Args[2:])
	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Run.MaxTargets == 0 {
		cfg.Run.MaxTargets = 5
	}
	return runPipeline(cfg, "default-test-run", false)
}

func cmdRunAll() error {
	cf := newCommonFlags("run-all")
	_ = cf.fs.Parse(os.Args[2:])
	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	return runPipeline(cfg, "run-all", cfg.Run.AutoRetry)
}

func runPipeline(cfg config.Config, cmdName string, autoRetry bool) error {
	targets, err := loadTargets(cfg)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := withCancellation(context.Background())
	defer cancel()

	sessionID := newSessionID(cmdName)
	summary, err := rt.manager.Run(ctx, targets, runParams(cfg, sessionID))
	fmt.Printf("primary pass: completed=%d blocked=%d skipped=%d errors=%d\n", summary.Completed, summary.Blocked, summary.Skipped, summary.Errors)
	if err != nil {
		return err
	}

	if autoRetry {
		params := runParams(cfg, sessionID)
		params.RetryCeiling = cfg.Run.AutoRetryCeiling
		retrySummary, err := rt.manager.RunRetryPass(ctx, params)
		fmt.Printf("auto-retry pass: completed=%d blocked=%d skipped=%d errors=%d\n", retrySummary.Completed, retrySummary.Blocked, retrySummary.Skipped, retrySummary.Errors)
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdRetryOnly() error {
	cf := newCommonFlags("retry-only")
	_ = cf.fs.Parse(os.Args[2:])
	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := withCancellation(context.Background())
	defer cancel()

	summary, err := rt.manager.RunRetryPass(ctx, runParams(cfg, newSessionID("retry-only")))
	fmt.Printf("retry pass: completed=%d blocked=%d skipped=%d errors=%d\n", summary.Completed, summary.Blocked, summary.Skipped, summary.Errors)
	return err
}

func cmdResetRetryCounts() error {
	cf := newCommonFlags("reset-retry-counts")
	_ = cf.fs.Parse(os.Args[2:])
	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	candidates, err := rt.store.ListRetryCandidates(ctx, math.MaxInt32)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(candidates))
	for _, o := range candidates {
		k := o.UserID
		if k == "" {
			k = o.Handle
		}
		keys = append(keys, k)
	}
	if err := rt.store.ResetAttempts(ctx, keys); err != nil {
		return err
	}
	fmt.Printf("reset attempts for %d targets\n", len(keys))
	return nil
}

func cmdPrintStats() error {
	cf := newCommonFlags("print-stats")
	_ = cf.fs.Parse(os.Args[2:])
	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := stats.Collect(context.Background(), rt.store, cfg.Run.RetryCeiling)
	if err != nil {
		return err
	}
	fmt.Print(stats.Render(report))
	return nil
}

func cmdDebugErrorsSample() error {
	cf := newCommonFlags("debug-errors-sample")
	_ = cf.fs.Parse(os.Args[2:])
	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := stats.Collect(context.Background(), rt.store, cfg.Run.RetryCeiling)
	if err != nil {
		return err
	}
	fmt.Print(stats.RenderErrorSamples(report))
	return nil
}

func cmdDebugSingleTarget() error {
	cf := newCommonFlags("debug-single-target")
	handle := cf.fs.String("handle", "", "screen name to resolve")
	userID := cf.fs.String("user-id", "", "numeric id to resolve")
	_ = cf.fs.Parse(os.Args[2:])
	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	if *handle == "" && *userID == "" {
		return &config.ConfigError{Msg: "debug-single-target: one of -handle or -user-id is required"}
	}

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	target := model.Target{Handle: *handle, UserID: *userID}
	resolved, err := rt.client.ResolveUsers(context.Background(), []model.Target{target})
	if err != nil {
		return err
	}
	rt2, ok := resolved[target.Key()]
	if !ok {
		fmt.Println("no result for target")
		return nil
	}
	if rt2.Failure != nil {
		fmt.Printf("resolve failed: kind=%s user_state=%s message=%s\n", rt2.Failure.Kind, rt2.Failure.UserState, rt2.Failure.Message)
		return nil
	}
	fmt.Printf("id=%s handle=%s display_name=%s state=%s\n", rt2.Profile.ID, rt2.Profile.Handle, rt2.Profile.DisplayName, rt2.Profile.State)
	fmt.Printf("relationship: following=%v followed_by=%v blocking=%v\n", rt2.Relationship.Following, rt2.Relationship.FollowedBy, rt2.Relationship.Blocking)
	if reason := safetySkipReasonDebug(rt2.Relationship); reason != "" {
		fmt.Printf("would skip: %s\n", reason)
	} else {
		fmt.Println("would block")
	}
	return nil
}

func safetySkipReasonDebug(r model.Relationship) string {
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
