// Package documents owns every write to the vector index and metadata store.
//
// Manager serializes ingestion, purge and startup reconciliation behind one
// mutex. Ingest is two-phase: metadata rows are inserted in an open
// transaction, vectors are appended and persisted, and only then is the
// transaction committed. Any failure after the append truncates the shard
// back to its previous length, so for every date the committed ordinals are
// exactly [0, shard length).
//
// Embedding happens before the lock is taken. A slow provider delays only
// its own request.
package documents
