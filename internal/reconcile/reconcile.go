// Package reconcile implements the State-Change Reconciler: it binds the
// Indexed Source Pager to the Deployment Validator, checks each candidate
// deployment with bounded concurrency, and emits the deny-flag flips
// needed to bring on-chain state in line with the validation verdicts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/graphprotocol/availability-oracle/internal/contentstore"
	"github.com/graphprotocol/availability-oracle/internal/networksubgraph"
	"github.com/graphprotocol/availability-oracle/internal/validator"
)

// defaultConcurrency bounds how many deployments are validated at once.
const defaultConcurrency = 100

// Flip is one deny-flag change to submit on chain.
type Flip struct {
	DeploymentID [32]byte
	Deny         bool
}

// Metrics groups the reconciler's exported run counters.
type Metrics struct {
	RunsTotal   func()
	RunsOK      func()
	RunsErr     func()
	RunsIPFSErr func()
}

func (m *Metrics) fillDefaults() {
	if m.RunsTotal == nil {
		m.RunsTotal = func() {}
	}
	if m.RunsOK == nil {
		m.RunsOK = func() {}
	}
	if m.RunsErr == nil {
		m.RunsErr = func() {}
	}
	if m.RunsIPFSErr == nil {
		m.RunsIPFSErr = func() {}
	}
}

// Reconciler owns one run's worth of wiring between the pager, the
// content fetcher, and the validator.
type Reconciler struct {
	Pager        *networksubgraph.Pager
	Fetcher      *contentstore.Fetcher
	Validator    validator.Config
	ThresholdGRT uint64
	Concurrency  int
	Metrics      Metrics
	Logger       *zap.Logger
}

// New constructs a Reconciler with the default concurrency bound.
func New(pager *networksubgraph.Pager, fetcher *contentstore.Fetcher, cfg validator.Config, thresholdGRT uint64, logger *zap.Logger, metrics Metrics) *Reconciler {
	metrics.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		Pager:        pager,
		Fetcher:      fetcher,
		Validator:    cfg,
		ThresholdGRT: thresholdGRT,
		Concurrency:  defaultConcurrency,
		Metrics:      metrics,
		Logger:       logger,
	}
}

// outcome is one deployment's validation result, delivered through its
// per-task slot channel so results are consumed in submission order even
// though tasks complete in any order.
type outcome struct {
	rec     networksubgraph.Deployment
	verdict validator.Verdict
	err     error
}

// Run streams the pager's candidates through the validator with bounded
// concurrency and returns the flips needed to reconcile on-chain deny
// flags with the verdicts, in the pager's stable pagination order. The
// stream is consumed with back-pressure: at most Concurrency validations
// are in flight, and the pager is not drained ahead of them. A
// pager-fatal error aborts the run and is returned; a systemic
// (non-content) validator error for a single deployment is logged,
// counted, and that deployment is skipped, but the run otherwise
// continues.
func (r *Reconciler) Run(ctx context.Context, grace time.Duration) ([]Flip, error) {
	r.Metrics.RunsTotal()
	start := time.Now()

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	// slots carries one future per deployment, in pager order. The
	// producer stops enqueuing when every permit is taken, so the stream
	// stays back-pressured against validation throughput.
	slots := make(chan chan outcome, concurrency)
	var pagerErr error

	go func() {
		defer close(slots)
		for res := range r.Pager.Stream(ctx, r.ThresholdGRT, grace) {
			if res.Err != nil {
				var pe *networksubgraph.PageError
				if errors.As(res.Err, &pe) && pe.Fatal {
					pagerErr = fmt.Errorf("pager: %w", pe)
					return
				}
				r.Logger.Warn("page error, continuing with next page", zap.Error(res.Err))
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				pagerErr = err
				return
			}
			rec := res.Deployment
			slot := make(chan outcome, 1)
			go func() {
				defer sem.Release(1)
				v, err := validator.Check(ctx, r.Fetcher, rec.ID, r.Validator)
				slot <- outcome{rec: rec, verdict: v, err: err}
			}()
			slots <- slot
		}
	}()

	var flips []Flip
	for slot := range slots {
		out := <-slot
		if out.err != nil {
			r.Metrics.RunsIPFSErr()
			r.Logger.Error("error checking deployment, skipping for this run",
				zap.String("deployment", out.rec.IPFSHash()), zap.Error(out.err))
			continue
		}

		shouldDeny := !out.verdict.Valid
		if out.rec.Deny == shouldDeny {
			if shouldDeny {
				r.Logger.Info("deployment invalid, deny flag already set",
					zap.String("deployment", out.rec.IPFSHash()),
					zap.String("reason", out.verdict.Reason.String()),
					zap.String("detail", out.verdict.Detail))
			}
			continue
		}

		if shouldDeny {
			r.Logger.Info("deployment invalid, flipping deny flag on",
				zap.String("deployment", out.rec.IPFSHash()),
				zap.String("reason", out.verdict.Reason.String()),
				zap.String("detail", out.verdict.Detail))
		} else {
			r.Logger.Info("deployment valid again, flipping deny flag off",
				zap.String("deployment", out.rec.IPFSHash()))
		}
		flips = append(flips, Flip{DeploymentID: out.rec.ID, Deny: shouldDeny})
	}

	if pagerErr != nil {
		r.Metrics.RunsErr()
		return nil, pagerErr
	}

	r.Metrics.RunsOK()
	r.Logger.Info("reconcile pass finished",
		zap.Int("flips", len(flips)), zap.Duration("elapsed", time.Since(start)))
	return flips, nil
}
