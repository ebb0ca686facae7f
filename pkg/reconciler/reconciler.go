package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/chainsafe/bridge-relayer/internal/metrics"
	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/relayer"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// Reasons passed to Trigger by the relayer itself.
const (
	ReasonStart    = "start"
	ReasonSchedule = "schedule"
)

const (
	passPending = "pending"
	passFailed  = "failed"
)

// Store is the part of the transfer store the reconciler reads.
type Store interface {
	PendingTransfers(ctx context.Context, filter db.RetryFilter) ([]*db.Transfer, error)
	FailedTransfersSince(ctx context.Context, since time.Time, filter db.RetryFilter) ([]*db.Transfer, error)
	CountByStatus(ctx context.Context) (map[db.BridgeStatus]int, error)
}

// Advancer is the transfer state machine.
type Advancer interface {
	Advance(ctx context.Context, key string, trigger relayer.Trigger) (*db.Transfer, error)
	MaxRetries() int
}

// Options selects what one run looks at.
type Options struct {
	// RunID names the run; a fresh one is generated when empty.
	RunID  string
	Reason string
	// FailedWindow enables the failed pass over records updated within it.
	FailedWindow time.Duration
	// Manual runs also retry permanent failures and exhausted records.
	Manual bool
}

// Report summarizes one run.
type Report struct {
	RunID    string        `json:"run_id"`
	Reason   string        `json:"reason"`
	Visited  int           `json:"visited"`
	Minted   int           `json:"minted"`
	Failed   int           `json:"failed"`
	Pending  int           `json:"pending"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Reconciler resumes transfers left incomplete by a crash, a disconnect or a
// missed event. Runs never overlap.
type Reconciler struct {
	store   Store
	machine Advancer
	cfg     config.ReconciliationConfig
	logger  *zap.Logger

	group    singleflight.Group
	mu       sync.Mutex
	funds    *rate.Limiter
	triggers chan string
	now      func() time.Time

	// started runs live on base, which Run replaces with its own context
	baseMu  sync.Mutex
	base    context.Context
	started sync.WaitGroup
	reports *reportLog
}

// New creates a new Reconciler
func New(store Store, machine Advancer, cfg config.ReconciliationConfig, logger *zap.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	funds := rate.NewLimiter(rate.Inf, 1)
	if cfg.InsufficientFundsPeriod > 0 {
		funds = rate.NewLimiter(rate.Every(cfg.InsufficientFundsPeriod), 1)
	}
	return &Reconciler{
		store:    store,
		machine:  machine,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "reconciler")),
		funds:    funds,
		triggers: make(chan string, 1),
		now:      time.Now,
		base:     context.Background(),
		reports:  newReportLog(64),
	}
}

// Trigger asks for a run as soon as the current one finishes. Triggers that
// arrive while one is already queued are merged into it.
func (r *Reconciler) Trigger(reason string) {
	select {
	case r.triggers <- reason:
	default:
		r.logger.Debug("Reconciliation already queued", zap.String("reason", reason))
	}
}

// Run reconciles on start, on every Trigger and on the configured interval
// until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.baseMu.Lock()
	r.base = ctx
	r.baseMu.Unlock()
	defer r.started.Wait()

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if r.cfg.Interval > 0 {
		spec := fmt.Sprintf("@every %s", r.cfg.Interval)
		if _, err := scheduler.AddFunc(spec, func() { r.Trigger(ReasonSchedule) }); err != nil {
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	r.logger.Info("Started periodic reconciliation", zap.Duration("interval", r.cfg.Interval))
	r.Trigger(ReasonStart)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping periodic reconciliation")
			return nil
		case reason := <-r.triggers:
			_, err := r.RunOnce(ctx, Options{Reason: reason, FailedWindow: r.cfg.FailedWindow})
			if err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciliation failed", zap.String("reason", reason), zap.Error(err))
			}
		}
	}
}

// Start runs a reconciliation in the background and returns its run id at
// once. The run is bound to the context of Run rather than to the caller, so
// an HTTP client that goes away does not cancel it. The report is available
// from Report when the run ends.
func (r *Reconciler) Start(opts Options) string {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	r.baseMu.Lock()
	ctx := r.base
	r.started.Add(1)
	r.baseMu.Unlock()

	go func() {
		defer r.started.Done()
		if _, err := r.RunOnce(ctx, opts); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconciliation failed",
				zap.String("run_id", opts.RunID),
				zap.String("reason", opts.Reason),
				zap.Error(err))
		}
	}()
	return opts.RunID
}

// Report returns the report of a finished run among the most recent ones.
func (r *Reconciler) Report(runID string) (*Report, bool) {
	return r.reports.get(runID)
}

// RunOnce runs the pending pass and, when opts.FailedWindow is set, the
// failed pass. Concurrent callers with the same options share one run;
// runs with a RunID of their own are never shared.
func (r *Reconciler) RunOnce(ctx context.Context, opts Options) (*Report, error) {
	key := fmt.Sprintf("%s/%t/%s/%s", opts.Reason, opts.Manual, opts.FailedWindow, opts.RunID)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.run(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (r *Reconciler) run(ctx context.Context, opts Options) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PassTimeout)
		defer cancel()
	}

	start := r.now()
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &Report{RunID: runID, Reason: opts.Reason}
	logger := r.logger.With(zap.String("run_id", report.RunID), zap.String("reason", opts.Reason))
	logger.Info("Running reconciliation",
		zap.Duration("failed_window", opts.FailedWindow),
		zap.Bool("manual", opts.Manual))

	trigger := relayer.TriggerReconcile
	if opts.Manual {
		trigger = relayer.TriggerManual
	}
	visit := &visitor{
		r:         r,
		trigger:   trigger,
		manual:    opts.Manual,
		report:    report,
		attempted: make(map[string]bool),
		logger:    logger,
	}

	// exhausted failures are filtered before the batch limit so they never
	// crowd out retryable work
	filter := db.RetryFilter{
		Limit:            r.cfg.BatchSize,
		MaxRetries:       r.machine.MaxRetries(),
		IncludeExhausted: opts.Manual,
	}
	pending, err := r.store.PendingTransfers(ctx, filter)
	if err != nil {
		metrics.ReconciliationRuns.WithLabelValues(metricTrigger(opts), "error").Inc()
		return nil, fmt.Errorf("failed to get pending transfers: %w", err)
	}
	visit.pass(ctx, passPending, pending)

	if opts.FailedWindow > 0 {
		failed, err := r.store.FailedTransfersSince(ctx, r.now().Add(-opts.FailedWindow), filter)
		if err != nil {
			metrics.ReconciliationRuns.WithLabelValues(metricTrigger(opts), "error").Inc()
			return nil, fmt.Errorf("failed to get failed transfers: %w", err)
		}
		visit.pass(ctx, passFailed, failed)
	}

	r.updateGauge(ctx)
	report.Duration = r.now().Sub(start)

	result := "success"
	if ctx.Err() != nil {
		result = "timeout"
	}
	metrics.ReconciliationRuns.WithLabelValues(metricTrigger(opts), result).Inc()
	logger.Info("Reconciliation completed",
		zap.Int("visited", report.Visited),
		zap.Int("minted", report.Minted),
		zap.Int("failed", report.Failed),
		zap.Int("pending", report.Pending),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration))
	r.reports.add(report)
	return report, nil
}

func (r *Reconciler) updateGauge(ctx context.Context) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		r.logger.Warn("Failed to count transfers", zap.Error(err))
		return
	}
	for _, status := range []db.BridgeStatus{db.BridgeStatusPending, db.BridgeStatusFailed, db.BridgeStatusMinted} {
		metrics.Transfers.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// metricTrigger keeps the label set small: reconnect reasons carry the chain name.
func metricTrigger(opts Options) string {
	switch {
	case opts.Manual:
		return "manual"
	case opts.Reason == ReasonStart || opts.Reason == ReasonSchedule:
		return opts.Reason
	case strings.HasPrefix(opts.Reason, "reconnect"):
		return "reconnect"
	default:
		return "other"
	}
}

// visitor holds the state of one run.
type visitor struct {
	r       *Reconciler
	trigger relayer.Trigger
	manual  bool
	logger  *zap.Logger

	mu        sync.Mutex
	report    *Report
	attempted map[string]bool
}

// pass advances records grouped by recipient: groups run concurrently up to
// the configured limit, records of one group one after another.
func (v *visitor) pass(ctx context.Context, name string, records []*db.Transfer) {
	var order []string
	groups := make(map[string][]*db.Transfer)
	for _, rec := range records {
		if !v.eligible(rec) {
			continue
		}
		key := rec.TargetAddress
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}
	v.logger.Debug("Reconciliation pass",
		zap.String("pass", name),
		zap.Int("records", len(records)),
		zap.Int("recipients", len(order)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.r.cfg.Concurrency)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			for _, rec := range group {
				if ctx.Err() != nil {
					return nil
				}
				v.advance(ctx, name, rec)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (v *visitor) eligible(rec *db.Transfer) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.attempted[rec.Key] {
		return false
	}
	v.attempted[rec.Key] = true

	if rec.Stage() == db.StageFailed && !v.manual {
		if rec.Permanent || rec.RetryCount >= v.r.machine.MaxRetries() {
			v.report.Skipped++
			return false
		}
		if rec.ErrorKind == string(retry.KindInsufficientFunds) && !v.r.funds.Allow() {
			v.report.Skipped++
			return false
		}
	}
	return true
}

func (v *visitor) advance(ctx context.Context, pass string, rec *db.Transfer) {
	logger := v.logger.With(zap.String("key", rec.Key), zap.String("pass", pass))

	updated, err := v.r.machine.Advance(ctx, rec.Key, v.trigger)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.report.Visited++
	if err != nil {
		v.report.Errors++
		metrics.ReconciledTransfers.WithLabelValues(pass, "error").Inc()
		logger.Warn("Transfer not advanced",
			zap.String("error_kind", string(retry.KindOf(err))),
			zap.Error(err))
		return
	}

	stage := updated.Stage()
	metrics.ReconciledTransfers.WithLabelValues(pass, string(stage)).Inc()
	switch stage {
	case db.StageDestinationConfirmed:
		v.report.Minted++
	case db.StageFailed:
		v.report.Failed++
	default:
		v.report.Pending++
	}
	logger.Debug("Transfer reconciled", zap.String("stage", string(stage)))
}

// reportLog keeps the reports of the most recent runs.
type reportLog struct {
	mu    sync.Mutex
	size  int
	order []string
	byID  map[string]*Report
}

func newReportLog(size int) *reportLog {
	return &reportLog{size: size, byID: make(map[string]*Report)}
}

func (l *reportLog) add(report *Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[report.RunID]; !ok {
		l.order = append(l.order, report.RunID)
	}
	l.byID[report.RunID] = report
	for len(l.order) > l.size {
		delete(l.byID, l.order[0])
		l.order = l.order[1:]
	}
}

func (l *reportLog) get(runID string) (*Report, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	report, ok := l.byID[runID]
	return report, ok
}
