package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BlocksIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xblock_blocks_issued_total",
		Help: "Total successful blocks/create calls",
	})
	BlockErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xblock_block_errors_total",
		Help: "Total failed attempts by error kind",
	}, []string{"kind"})
	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xblock_retry_attempts_total",
		Help: "Total retry attempts by endpoint family",
	}, []string{"endpoint"})
	AuthRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xblock_auth_recoveries_total",
		Help: "Total session-recovery attempts after an Auth classification",
	})
	RateLimitWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "xblock_rate_limit_wait_seconds",
		Help:    "Seconds spent waiting on the rate-limit accountant before dispatch",
		Buckets: prometheus.DefBuckets,
	})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xblock_command_runs_total",
		Help: "Total CLI command invocations by command name",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xblock_command_errors_total",
		Help: "Total CLI command invocations that returned an error, by command name",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(BlocksIssued, BlockErrors, RetryAttempts, AuthRecoveries, RateLimitWaitSeconds, CommandRuns, CommandErrors)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090"). Empty
// addr (with no METRICS_ADDR override) disables the server entirely.
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveRateLimitWait records a rate-limit wait duration.
func ObserveRateLimitWait(d time.Duration) { RateLimitWaitSeconds.Observe(d.Seconds()) }

// IncBlockError increments the block-error counter for a failure kind.
func IncBlockError(kind string) { BlockErrors.WithLabelValues(kind).Inc() }

// IncRetryAttempt increments the retry counter for an endpoint family.
func IncRetryAttempt(endpoint string) { RetryAttempts.WithLabelValues(endpoint).Inc() }

// IncCommandRun increments the invocation counter for a CLI command.
func IncCommandRun(cmd string) { CommandRuns.WithLabelValues(cmd).Inc() }

// IncCommandError increments the error counter for a CLI command.
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
