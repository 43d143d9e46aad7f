// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - SeriesID: identifier of a registered series
//   - Granularity: Intraday (timestamp key) or Daily (date key)
//   - Schema: OHLC, Metadata or Scalar value columns
//   - Record: one validated row, keyed by TimestampMs
//   - RawRecord: an unvalidated row as it arrives from a feed
//   - ConflictPolicy / UpsertResult: upsert inputs and outcome
//   - PartitionHandle / EvictResult: chunk management results
package types
