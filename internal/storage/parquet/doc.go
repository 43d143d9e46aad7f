// Package parquet stores partition chunks as Parquet files.
//
// The package provides:
//   - RecordRow, the on-disk row shared by every series schema
//   - WriteChunk, an atomic temp-file-and-rename writer
//   - ReadChunk / ListChunks for loading a series directory
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
package parquet
