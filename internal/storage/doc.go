// Package storage stores OHLC price bars, per-asset trading metadata and
// scalar economic series, and serves range queries over them.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│   Upsert    │────▶│  Partition  │
//	│  (CSV/JSON) │     │   Engine    │     │ (WAL+chunk) │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                                               │
//	                    ┌─────────────┐     ┌──────▼──────┐
//	                    │    Query    │◀────│   Parquet   │
//	                    │ (bucket/SQL)│     │  Checkpoint │
//	                    └─────────────┘     └─────────────┘
//
// The storage system provides:
//   - Per-series atomic upserts with overwrite, skip and fail policies
//   - One Parquet chunk per day (intraday) or year (daily) per series
//   - Lazy range queries with OHLC and last-value bucketing
//   - DuckDB views for ad-hoc SQL over checkpointed chunks
//   - DDSketch percentiles in series descriptions
//   - Retention by age and backpressure on un-checkpointed writes
//   - An optional TimescaleDB backend and Redis latest-record cache
package storage
