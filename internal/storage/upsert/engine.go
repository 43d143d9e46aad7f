// Package upsert applies batches of records to a series under a conflict
// policy. A batch is all-or-nothing: it is validated, resolved against the
// stored rows and committed as a single log entry.
package upsert

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/partition"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/validation"
)

// Gate admits or rejects writes, e.g. under backpressure.
type Gate interface {
	Admit(ctx context.Context) error
}

// Engine runs upserts against a partition manager.
type Engine struct {
	parts *partition.Manager
	gate  Gate
	log   *slog.Logger

	// onCommit is called after every committed batch.
	onCommit func(id types.SeriesID, walBytes int64)
}

// Option configures an Engine.
type Option func(*Engine)

// WithGate installs an admission gate consulted before each batch.
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithCommitHook registers a callback run after each committed batch.
func WithCommitHook(fn func(id types.SeriesID, walBytes int64)) Option {
	return func(e *Engine) { e.onCommit = fn }
}

// New creates an upsert engine.
func New(parts *partition.Manager, opts ...Option) *Engine {
	e := &Engine{
		parts: parts,
		log:   logging.Component("upsert"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Upsert writes batch to series id.
//
// Overwrite replaces stored rows, Skip leaves them and reports their keys in
// Rejections, Fail rejects the batch with ErrConstraintViolation naming
// every conflicting key. An invalid record rejects the whole batch. When
// ctx ends before commit, storage is left unchanged.
func (e *Engine) Upsert(ctx context.Context, id types.SeriesID, batch []types.Record, policy types.ConflictPolicy) (types.UpsertResult, error) {
	res := types.UpsertResult{BatchID: uuid.NewString(), Series: id}

	entry, err := registry.Resolve(id)
	if err != nil {
		return res, err
	}
	id, res.Series = entry.ID, entry.ID
	if err := validation.ValidateRecords(batch, entry); err != nil {
		return res, err
	}
	if len(batch) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if e.gate != nil {
		if err := e.gate.Admit(ctx); err != nil {
			return res, err
		}
	}

	start := time.Now()
	keys := make([]int64, len(batch))
	for i, r := range batch {
		keys[i] = r.TimestampMs
	}

	tx, err := e.parts.Begin(ctx, id, keys)
	if err != nil {
		return res, err
	}
	defer tx.Release()

	apply, err := resolve(entry, tx, batch, policy, &res)
	if err != nil {
		return res, err
	}

	n, err := tx.Commit(ctx, res.BatchID, apply)
	if err != nil {
		return types.UpsertResult{BatchID: res.BatchID, Series: id}, err
	}

	if e.onCommit != nil && n > 0 {
		e.onCommit(id, n)
	}

	ctx = logging.ContextWithBatchID(logging.ContextWithSeries(ctx, string(id)), res.BatchID)
	logging.Enrich(e.log, ctx).Debug("batch committed",
		"policy", policy,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"rejected", res.Rejected,
		"duration", time.Since(start))

	return res, nil
}

// resolve classifies each record against the stored rows and returns the
// records to apply.
func resolve(entry registry.Entry, tx *partition.Tx, batch []types.Record, policy types.ConflictPolicy, res *types.UpsertResult) ([]types.Record, error) {
	apply := make([]types.Record, 0, len(batch))
	conflicts := &errs.BatchError{Series: string(entry.ID)}

	for _, r := range batch {
		_, exists := tx.Lookup(r.TimestampMs)
		if !exists {
			res.Inserted++
			apply = append(apply, r)
			continue
		}
		switch policy {
		case types.Skip:
			res.Rejected++
			res.Rejections = append(res.Rejections, &errs.KeyError{
				Key: entry.Granularity.FormatKey(r.TimestampMs),
				Err: errs.ErrKeyExists,
			})
		case types.Fail:
			conflicts.Add(entry.Granularity.FormatKey(r.TimestampMs), "", errs.ErrKeyExists)
		default:
			res.Updated++
			apply = append(apply, r)
		}
	}

	if err := conflicts.Err(); err != nil {
		res.Inserted, res.Updated, res.Rejected = 0, 0, 0
		return nil, err
	}
	return apply, nil
}
