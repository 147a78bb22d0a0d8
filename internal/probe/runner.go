// Package probe checks every pooled key against its upstream and feeds the
// outcome back into the pool, so dead or exhausted keys are found before
// client traffic hits them.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixaill76/keypool/internal/logger"
	"github.com/mixaill76/keypool/internal/monitoring"
	"github.com/mixaill76/keypool/internal/pool"
	"github.com/mixaill76/keypool/internal/ratelimit"
	"github.com/mixaill76/keypool/internal/security"
	"github.com/mixaill76/keypool/internal/utils"
	"github.com/mixaill76/keypool/internal/worker"
)

var ErrAlreadyRunning = errors.New("probe: a run is already in progress")

// Target is the pool the runner probes and reports to.
type Target interface {
	Credentials() []string
	// ReportIfCredential records the outcome (nil err is a success) only
	// while index still holds key, and fails otherwise.
	ReportIfCredential(ctx context.Context, index int, key string, err error) error
}

type Config struct {
	Workers int
	// Timeout bounds a single check.
	Timeout time.Duration
	// Spacing is the minimum delay between two checks against the provider.
	Spacing time.Duration
	Logger  *slog.Logger
	Metrics *monitoring.Metrics
}

// Result is the outcome for one credential. Key is masked.
type Result struct {
	Index    int           `json:"index"`
	Key      string        `json:"key"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes one run.
type Report struct {
	Provider  string        `json:"provider"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Results   []Result      `json:"results"`
}

type Runner struct {
	checker Checker
	target  Target
	config  Config
	logger  *slog.Logger
	spacing *ratelimit.IntervalLimiter
	running atomic.Bool
}

func NewRunner(checker Checker, target Target, cfg Config) *Runner {
	if checker == nil || target == nil {
		panic("probe.NewRunner: checker and target must not be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Runner{
		checker: checker,
		target:  target,
		config:  cfg,
		logger:  log,
		spacing: ratelimit.NewIntervalLimiter(cfg.Spacing),
	}
}

// Run probes every credential once. Only one run may be in progress.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	keys := r.target.Credentials()
	report := Report{
		Provider:  r.checker.Provider(),
		StartedAt: utils.NowUTC(),
		Results:   make([]Result, len(keys)),
	}

	r.logger.Info("Probe run started",
		"provider", report.Provider,
		"credentials", len(keys),
		"workers", r.config.Workers,
	)

	var mu sync.Mutex
	jobs := make([]worker.Job, len(keys))
	for i, key := range keys {
		i, key := i, key
		jobs[i] = worker.JobFunc(func(ctx context.Context) error {
			res := r.probeOne(ctx, i, key)
			mu.Lock()
			report.Results[i] = res
			mu.Unlock()
			return nil
		})
	}

	errs := worker.RunAll(ctx, r.config.Workers, jobs, r.logger)
	for i, err := range errs {
		if err != nil {
			report.Results[i] = Result{Index: i, Key: security.MaskAPIKey(keys[i]), Skipped: true, Error: err.Error()}
		}
	}

	for _, res := range report.Results {
		if res.Skipped {
			continue
		}
		report.Checked++
		if res.OK {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	report.Duration = time.Since(report.StartedAt)

	r.logger.Info("Probe run finished",
		"provider", report.Provider,
		"checked", report.Checked,
		"passed", report.Passed,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, ctx.Err()
}

func (r *Runner) probeOne(ctx context.Context, index int, key string) Result {
	res := Result{Index: index, Key: security.MaskAPIKey(key)}

	if err := r.spacing.Wait(ctx, r.checker.Provider()); err != nil {
		res.Skipped = true
		res.Error = err.Error()
		return res
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	start := time.Now()
	err := r.checker.Check(checkCtx, key)
	res.Duration = time.Since(start)
	cancel()

	// A check cut short by the caller says nothing about the key.
	if err != nil && ctx.Err() != nil {
		res.Skipped = true
		res.Error = ctx.Err().Error()
		return res
	}

	// The list may have been replaced while the check ran; the pool drops
	// reports for an index that now holds another key.
	if repErr := r.target.ReportIfCredential(ctx, index, key, err); repErr != nil {
		if errors.Is(repErr, pool.ErrCredentialChanged) || errors.Is(repErr, pool.ErrUnknownCredential) {
			res.Skipped = true
			res.Error = "credential replaced during probe"
			return res
		}
		r.logger.Warn("Failed to report probe result", "index", index, "error", repErr)
	}

	r.config.Metrics.RecordProbe(r.checker.Provider(), err == nil)
	if err != nil {
		res.Error = logger.TruncateMessage(err.Error(), 300)
		r.logger.Warn("Credential failed probe",
			"index", index,
			"credential", res.Key,
			"error", res.Error,
		)
		return res
	}

	res.OK = true
	r.logger.Debug("Credential passed probe",
		"index", index,
		"credential", res.Key,
		"duration", res.Duration,
	)
	return res
}
