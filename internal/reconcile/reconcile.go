// Package reconcile periodically checks every cached balance against the sum of its completed
// ledger rows and reports open reconciliation flags. It only reports; balances are corrected by
// support, never by this job.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civicbounty/service_layer/internal/database"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/metrics"
)

// DefaultSchedule runs the check every hour.
const DefaultSchedule = "@every 1h"

// Drift is one profile whose cached balance disagrees with its ledger.
type Drift struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Difference int64  `json:"difference"`
}

// Report is the result of one pass.
type Report struct {
	StartedAt    time.Time                     `json:"started_at"`
	Duration     time.Duration                 `json:"duration"`
	CheckedUsers int                           `json:"checked_users"`
	Drift        []Drift                       `json:"drift,omitempty"`
	OpenFlags    []database.ReconciliationFlag `json:"open_flags,omitempty"`
	Errors       int                           `json:"errors"`
}

// Clean reports whether nothing needs attention.
func (r *Report) Clean() bool {
	return len(r.Drift) == 0 && len(r.OpenFlags) == 0 && r.Errors == 0
}

// Reconciler runs the balance check on a cron schedule.
type Reconciler struct {
	repo     database.LedgerRepository
	schedule string
	log      *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	last    *Report
	now     func() time.Time
}

// New validates schedule and returns a stopped reconciler.
func New(repo database.LedgerRepository, schedule string, log *logging.Logger) (*Reconciler, error) {
	if log == nil {
		log = logging.NewDefault("reconcile")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return &Reconciler{repo: repo, schedule: schedule, log: log, now: time.Now}, nil
}

func (r *Reconciler) Name() string { return "ledger-reconcile" }

// Start schedules the check. Overlapping runs are skipped.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Run(ctx); err != nil {
			r.log.WithError(err).Warn("Reconciliation pass failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	c.Start()
	r.cron = c
	r.running = true

	r.log.WithField("schedule", r.schedule).Info("Ledger reconciliation scheduled")
	return nil
}

// Stop cancels the schedule and waits for a running pass or ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.cron = nil
	r.running = false
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the most recent report, or nil before the first pass.
func (r *Reconciler) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run performs one pass now.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: r.now().UTC()}

	profiles, err := r.repo.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, err := r.repo.SumCompletedTransactions(ctx, p.ID)
		if err != nil {
			report.Errors++
			r.log.WithContext(ctx).WithError(err).WithField("user_id", p.ID).Warn("Failed to sum ledger")
			continue
		}
		report.CheckedUsers++
		if sum != p.Balance {
			report.Drift = append(report.Drift, Drift{
				UserID:     p.ID,
				Balance:    p.Balance,
				LedgerSum:  sum,
				Difference: p.Balance - sum,
			})
		}
	}

	flags, err := r.repo.ListOpenReconciliationFlags(ctx)
	if err != nil {
		report.Errors++
		r.log.WithContext(ctx).WithError(err).Warn("Failed to list reconciliation flags")
	} else {
		report.OpenFlags = flags
	}

	report.Duration = r.now().Sub(report.StartedAt)
	metrics.SetReconcileDrift(len(report.Drift))
	r.logReport(ctx, report)

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

func (r *Reconciler) logReport(ctx context.Context, report *Report) {
	for _, d := range report.Drift {
		r.log.LogCritical(ctx, "ledger_balance_drift", map[string]interface{}{
			"user_id":    d.UserID,
			"balance":    d.Balance,
			"ledger_sum": d.LedgerSum,
			"difference": d.Difference,
		})
	}
	entry := r.log.WithContext(ctx).WithFields(map[string]interface{}{
		"checked_users": report.CheckedUsers,
		"drift_users":   len(report.Drift),
		"open_flags":    len(report.OpenFlags),
		"errors":        report.Errors,
	})
	if report.Clean() {
		entry.Info("Ledger reconciliation clean")
		return
	}
	entry.Warn("Ledger reconciliation needs attention")
}
