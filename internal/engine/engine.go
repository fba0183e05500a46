// Package engine coordinates the atomic upsert path: duplicate
// detection, regression detection against the previous current
// snapshot, the transactional write, and the audit trail.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/claimlens/benchvault/internal/api"
	"github.com/claimlens/benchvault/internal/audit"
	"github.com/claimlens/benchvault/internal/dedup"
	"github.com/claimlens/benchvault/internal/environment"
	"github.com/claimlens/benchvault/internal/metrics"
	"github.com/claimlens/benchvault/internal/policy"
	"github.com/claimlens/benchvault/internal/regression"
	"github.com/claimlens/benchvault/internal/store"
)

// guardTTL bounds how long the fast-path reservation outlives its run.
// The database constraint takes over once the transaction is durable.
const guardTTL = 24 * time.Hour

// UpsertResult is the outcome of one run submission.
type UpsertResult struct {
	Transaction *api.Transaction `json:"transaction"`
	Snapshot    *api.Snapshot    `json:"snapshot"`

	// Deduplicated is true when the run was already stored with
	// matching content and the call resolved as a no-op success.
	Deduplicated bool `json:"deduplicated"`
}

// Alert returns the embedded regression alert, if any.
func (r *UpsertResult) Alert() *api.RegressionAlert {
	if r.Transaction == nil {
		return nil
	}
	return r.Transaction.Alert
}

// Engine is the upsert coordinator.
type Engine struct {
	store      store.Store
	guard      dedup.Guard
	detector   *regression.Detector
	policy     *policy.Policy
	policyHash string
	envs       *environment.Registry
	trail      *audit.Trail
	metrics    *metrics.Metrics
}

// Options configures New. Store is required; nil optional fields fall
// back to no-op or default implementations.
type Options struct {
	Store   store.Store
	Guard   dedup.Guard
	Policy  *policy.Policy
	Envs    *environment.Registry
	Trail   *audit.Trail
	Metrics *metrics.Metrics
}

func New(opts Options) *Engine {
	pol := opts.Policy
	if pol == nil {
		pol = policy.DefaultPolicy()
	}
	guard := opts.Guard
	if guard == nil {
		guard = dedup.NopGuard{}
	}
	envs := opts.Envs
	if envs == nil {
		envs = environment.NewDefaultRegistry()
	}

	hash, err := pol.Hash()
	if err != nil {
		log.Printf("failed to hash policy %s: %v", pol.Version, err)
	}

	return &Engine{
		store:      opts.Store,
		guard:      guard,
		detector:   regression.NewDetector(pol.PrimaryMetric, pol.WarnThreshold, pol.CriticalMultiplier),
		policy:     pol,
		policyHash: hash,
		envs:       envs,
		trail:      opts.Trail,
		metrics:    opts.Metrics,
	}
}

// Upsert runs the full atomic pipeline for one benchmark run:
// validate, deduplicate, detect regression against the previous
// current snapshot, append the transaction and promote the snapshot in
// one atomic step, then audit. Duplicate submissions with matching
// content resolve as no-op successes; conflicting content returns
// api.ErrDuplicateRun.
func (e *Engine) Upsert(ctx context.Context, tx *api.Transaction) (*UpsertResult, error) {
	start := time.Now()

	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if err := tx.Validate(); err != nil {
		e.countRejected()
		return nil, err
	}
	if err := e.envs.Validate(tx.Environment); err != nil {
		e.countRejected()
		return nil, err
	}
	tx.PolicyHash = e.policyHash

	idemKey := tx.IdempotencyKey()
	first, err := e.guard.Reserve(ctx, idemKey, guardTTL)
	if err != nil {
		// The guard is advisory; the store constraint still holds.
		log.Printf("dedup guard unavailable, falling through to store: %v", err)
		first = true
	}
	if !first {
		return e.resolveDuplicate(ctx, tx, idemKey)
	}

	snap, err := e.store.Commit(ctx, tx, func(prev *api.Snapshot) {
		var baseline *api.EvaluationResult
		if prev != nil {
			baseline = &prev.Metrics
		}
		tx.Alert = e.detector.Detect(baseline, tx.Metrics)
	})
	if err != nil {
		if errors.Is(err, api.ErrDuplicateRun) {
			return e.resolveDuplicate(ctx, tx, idemKey)
		}
		// Release the reservation so the caller can retry the run.
		if rerr := e.guard.Release(ctx, idemKey); rerr != nil {
			log.Printf("failed to release dedup reservation %s: %v", idemKey, rerr)
		}
		if api.IsRetryable(err) {
			e.countPersistenceErr()
		} else {
			e.countRejected()
		}
		return nil, err
	}

	e.audit(audit.Entry{
		Event:           audit.EventRunCommitted,
		TransactionID:   tx.ID.String(),
		RunID:           tx.RunID,
		ModelVersion:    tx.ModelVersion,
		DatasetVersion:  tx.DatasetVersion,
		Environment:     tx.Environment,
		SnapshotVersion: snap.SnapshotVersion,
		TriggeredBy:     tx.TriggeredBy,
		PolicyHash:      tx.PolicyHash,
		Alert:           tx.Alert,
	})

	if e.metrics != nil {
		e.metrics.RunsIngested.Inc()
		e.metrics.RunsByModel.WithLabelValues(tx.ModelVersion, tx.Environment).Inc()
		if tx.Alert != nil {
			e.metrics.RegressionAlerts.WithLabelValues(string(tx.Alert.Severity)).Inc()
		}
		e.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	}

	return &UpsertResult{Transaction: tx, Snapshot: snap}, nil
}

// resolveDuplicate applies the duplicate-submission contract: matching
// content is a no-op success returning the stored state, conflicting
// content is a hard failure.
func (e *Engine) resolveDuplicate(ctx context.Context, tx *api.Transaction, idemKey string) (*UpsertResult, error) {
	if e.metrics != nil {
		e.metrics.DedupHits.Inc()
	}

	stored, err := e.store.FindByIdempotencyKey(ctx, idemKey)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		// Reservation exists but the durable write has not landed yet;
		// another worker is mid-commit. The caller should retry.
		return nil, &api.PersistenceError{Op: "dedup.resolve", Err: api.ErrDuplicateRun}
	}

	if !tx.ContentEquals(stored) {
		if e.metrics != nil {
			e.metrics.DedupConflicts.Inc()
		}
		e.audit(audit.Entry{
			Event:          audit.EventDuplicateConflict,
			TransactionID:  stored.ID.String(),
			RunID:          tx.RunID,
			ModelVersion:   tx.ModelVersion,
			DatasetVersion: tx.DatasetVersion,
			Environment:    tx.Environment,
			TriggeredBy:    tx.TriggeredBy,
		})
		return nil, api.ErrDuplicateRun
	}

	if e.metrics != nil {
		e.metrics.DedupNoops.Inc()
	}
	e.audit(audit.Entry{
		Event:          audit.EventDuplicateNoop,
		TransactionID:  stored.ID.String(),
		RunID:          tx.RunID,
		ModelVersion:   tx.ModelVersion,
		DatasetVersion: tx.DatasetVersion,
		Environment:    tx.Environment,
		TriggeredBy:    tx.TriggeredBy,
	})

	snap, err := e.store.Current(ctx, stored.Key())
	if err != nil {
		return nil, err
	}
	return &UpsertResult{Transaction: stored, Snapshot: snap, Deduplicated: true}, nil
}

// Checkout promotes a historical snapshot version as the new current
// one. Protected environments refuse anonymous rollbacks.
func (e *Engine) Checkout(ctx context.Context, key api.SnapshotKey, targetVersion int, actor string) (*api.Snapshot, error) {
	env, err := e.envs.Get(key.Environment)
	if err != nil {
		return nil, &api.ValidationError{Field: "environment", Message: "unknown environment: " + key.Environment}
	}
	if env.Protected && actor == "" {
		return nil, &api.ValidationError{
			Field:   "actor",
			Message: "checkout in a protected environment requires an explicit actor",
		}
	}

	snap, err := e.store.Checkout(ctx, key, targetVersion)
	if err != nil {
		if api.IsRetryable(err) {
			e.countPersistenceErr()
		}
		return nil, err
	}

	e.audit(audit.Entry{
		Event:           audit.EventCheckout,
		ModelVersion:    key.ModelVersion,
		DatasetVersion:  key.DatasetVersion,
		Environment:     key.Environment,
		SnapshotVersion: snap.SnapshotVersion,
		TargetVersion:   targetVersion,
		TriggeredBy:     actor,
	})
	if e.metrics != nil {
		e.metrics.Checkouts.Inc()
	}

	return snap, nil
}

func (e *Engine) audit(entry audit.Entry) {
	if e.trail == nil {
		return
	}
	if err := e.trail.Append(entry); err != nil {
		// The write already committed; an audit failure is surfaced in
		// metrics and logs, never propagated back to the submitter.
		log.Printf("audit append failed: %v", err)
		if e.metrics != nil {
			e.metrics.AuditErrors.Inc()
		}
	}
}

func (e *Engine) countRejected() {
	if e.metrics != nil {
		e.metrics.RunsRejected.Inc()
	}
}

func (e *Engine) countPersistenceErr() {
	if e.metrics != nil {
		e.metrics.PersistenceErr.Inc()
	}
}
