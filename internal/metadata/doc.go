// Package metadata provides the SQLite-backed metadata store for retaind.
//
// Each stored vector has one row in vector_metadata keyed by
// (shard_date, vector_id), carrying its owner, source document, page and
// chunk text. index_shards is the shard registry: one row per date with the
// committed vector count.
//
// Reads filter by user_id in SQL, so a caller can never resolve another
// user's chunk. Writes for an ingest happen inside one transaction obtained
// from Begin so they can be committed only after the vectors are durable.
package metadata
