package storage

import (
	"context"
	"iter"
	"time"

	"github.com/xtxerr/barstore/internal/storage/partition"
	"github.com/xtxerr/barstore/internal/storage/query"
	"github.com/xtxerr/barstore/internal/storage/timescale"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/storage/upsert"
)

// Backend is a series store.
type Backend interface {
	Upsert(ctx context.Context, id types.SeriesID, batch []types.Record, policy types.ConflictPolicy) (types.UpsertResult, error)
	Scan(ctx context.Context, id types.SeriesID, from, to time.Time) (iter.Seq2[types.Record, error], error)
	Latest(ctx context.Context, id types.SeriesID) (types.Record, bool, error)
	EnsurePartition(ctx context.Context, id types.SeriesID, key time.Time) (types.PartitionHandle, error)
	EvictBefore(ctx context.Context, id types.SeriesID, cutoff time.Time) (types.EvictResult, error)
	Close() error
}

// SQLRunner runs ad-hoc SQL.
type SQLRunner interface {
	Execute(ctx context.Context, q string) (query.SQLResult, error)
}

// localBackend keeps series in chunk files with a write-ahead log.
type localBackend struct {
	*partition.Manager
	engine *upsert.Engine
}

func (b *localBackend) Upsert(ctx context.Context, id types.SeriesID, batch []types.Record, policy types.ConflictPolicy) (types.UpsertResult, error) {
	return b.engine.Upsert(ctx, id, batch, policy)
}

var (
	_ Backend   = (*localBackend)(nil)
	_ Backend   = (*timescale.Store)(nil)
	_ SQLRunner = (*timescale.Store)(nil)
	_ SQLRunner = (*query.SQL)(nil)
)
