package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/fyrsmithlabs/retaind/internal/metadata/migrations"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

// resolveChunk bounds the number of ids per Resolve query.
const resolveChunk = 250

// Record is the metadata for one stored vector.
type Record struct {
	ID           shard.ID
	UserID       string
	DocumentName string
	PageNumber   int
	ChunkIndex   int
	Text         string
	CreatedAt    time.Time
}

// Stats summarizes one user's stored content.
type Stats struct {
	DocumentCount int
	ChunkCount    int
	ShardDates    []shard.Date
}

// ShardInfo is a shard registry entry.
type ShardInfo struct {
	Date        shard.Date
	VectorCount int64
	CreatedAt   time.Time
}

// Store is the SQLite metadata store.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if needed) the metadata database at path and applies migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errs.Store("creating data directory", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errs.Store("opening database", err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, errs.Store("running migrations", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate applies embedded NNN_name.up.sql files newer than the recorded version.
func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
		s.logger.Info("migration applied", zap.String("file", name), zap.Int("version", version))
	}

	return nil
}

// Tx is an open metadata write transaction. Its rows are invisible to
// readers until Commit.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a write transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Store("beginning transaction", err)
	}
	return &Tx{tx: tx}, nil
}

// InsertBatch inserts rows and bumps the registry counts of their dates.
// A duplicate (shard_date, vector_id) fails the statement.
func (t *Tx) InsertBatch(ctx context.Context, rows []Record) error {
	if len(rows) == 0 {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO vector_metadata
			(shard_date, vector_id, user_id, document_name, page_number, chunk_index, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errs.Store("preparing insert", err)
	}
	defer stmt.Close()

	perDate := make(map[shard.Date]int64)
	firstCreated := make(map[shard.Date]time.Time)
	for _, r := range rows {
		if r.UserID == "" {
			return errs.Validation("record %s has no user", r.ID)
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		_, err := stmt.ExecContext(ctx,
			string(r.ID.Date), r.ID.Ordinal, r.UserID, r.DocumentName,
			r.PageNumber, r.ChunkIndex, r.Text, created.UnixMilli())
		if err != nil {
			return errs.Store(fmt.Sprintf("inserting %s", r.ID), err)
		}
		perDate[r.ID.Date]++
		if _, ok := firstCreated[r.ID.Date]; !ok {
			firstCreated[r.ID.Date] = created
		}
	}

	for date, n := range perDate {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO index_shards (shard_date, vector_count, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (shard_date) DO UPDATE SET vector_count = vector_count + excluded.vector_count
		`, string(date), n, firstCreated[date].UnixMilli())
		if err != nil {
			return errs.Store("updating shard registry", err)
		}
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errs.Store("committing transaction", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errs.Store("rolling back transaction", err)
	}
	return nil
}

// InsertBatch inserts rows atomically in a transaction of its own.
func (s *Store) InsertBatch(ctx context.Context, rows []Record) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.InsertBatch(ctx, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Resolve returns the records for ids that belong to userID, in input order.
// Ids owned by other users, or unknown ids, are omitted without error.
func (s *Store) Resolve(ctx context.Context, ids []shard.ID, userID string) ([]Record, error) {
	if userID == "" || len(ids) == 0 {
		return nil, nil
	}

	found := make(map[shard.ID]Record, len(ids))
	for start := 0; start < len(ids); start += resolveChunk {
		chunk := ids[start:min(start+resolveChunk, len(ids))]

		var sb strings.Builder
		args := make([]any, 0, 1+2*len(chunk))
		args = append(args, userID)
		sb.WriteString(`
			SELECT shard_date, vector_id, user_id, document_name, page_number, chunk_index, text, created_at
			FROM vector_metadata
			WHERE user_id = ? AND (`)
		for i, id := range chunk {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("(shard_date = ? AND vector_id = ?)")
			args = append(args, string(id.Date), id.Ordinal)
		}
		sb.WriteString(")")

		if err := s.queryRecords(ctx, sb.String(), args, func(r Record) {
			found[r.ID] = r
		}); err != nil {
			return nil, errs.Store("resolving ids", err)
		}
	}

	out := make([]Record, 0, len(found))
	seen := make(map[shard.ID]bool, len(found))
	for _, id := range ids {
		if r, ok := found[id]; ok && !seen[id] {
			out = append(out, r)
			seen[id] = true
		}
	}
	return out, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args []any, fn func(Record)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       Record
			date    string
			created int64
		)
		if err := rows.Scan(&date, &r.ID.Ordinal, &r.UserID, &r.DocumentName,
			&r.PageNumber, &r.ChunkIndex, &r.Text, &created); err != nil {
			return err
		}
		r.ID.Date = shard.Date(date)
		r.CreatedAt = time.UnixMilli(created)
		fn(r)
	}
	return rows.Err()
}

// StatsFor summarizes userID's stored documents.
func (s *Store) StatsFor(ctx context.Context, userID string) (Stats, error) {
	stats := Stats{ShardDates: []shard.Date{}}
	if userID == "" {
		return stats, nil
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT document_name), COUNT(*)
		FROM vector_metadata
		WHERE user_id = ?
	`, userID).Scan(&stats.DocumentCount, &stats.ChunkCount)
	if err != nil {
		return Stats{}, errs.Store("counting user chunks", err)
	}

	dates, err := s.queryDates(ctx, `
		SELECT DISTINCT shard_date FROM vector_metadata
		WHERE user_id = ?
		ORDER BY shard_date
	`, userID)
	if err != nil {
		return Stats{}, errs.Store("listing user shard dates", err)
	}
	stats.ShardDates = append(stats.ShardDates, dates...)
	return stats, nil
}

// DeleteBefore deletes rows and registry entries dated before cutoff and
// returns the number of rows deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff shard.Date) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Store("beginning delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM vector_metadata WHERE shard_date < ?", string(cutoff))
	if err != nil {
		return 0, errs.Store("deleting expired rows", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Store("counting deleted rows", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM index_shards WHERE shard_date < ?", string(cutoff)); err != nil {
		return 0, errs.Store("deleting expired registry entries", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Store("committing delete", err)
	}
	return deleted, nil
}

// ShardDates lists every date that has rows or a registry entry, ascending.
func (s *Store) ShardDates(ctx context.Context) ([]shard.Date, error) {
	dates, err := s.queryDates(ctx, `
		SELECT shard_date FROM vector_metadata
		UNION
		SELECT shard_date FROM index_shards
		ORDER BY shard_date
	`)
	if err != nil {
		return nil, errs.Store("listing shard dates", err)
	}
	return dates, nil
}

// Shards returns the shard registry, ascending by date.
func (s *Store) Shards(ctx context.Context) ([]ShardInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shard_date, vector_count, created_at FROM index_shards ORDER BY shard_date
	`)
	if err != nil {
		return nil, errs.Store("listing shard registry", err)
	}
	defer rows.Close()

	var out []ShardInfo
	for rows.Next() {
		var (
			info    ShardInfo
			date    string
			created int64
		)
		if err := rows.Scan(&date, &info.VectorCount, &created); err != nil {
			return nil, errs.Store("scanning shard registry", err)
		}
		info.Date = shard.Date(date)
		info.CreatedAt = time.UnixMilli(created)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("listing shard registry", err)
	}
	return out, nil
}

// MaxOrdinal returns the highest vector_id stored for date, or -1 if none.
func (s *Store) MaxOrdinal(ctx context.Context, date shard.Date) (int64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(vector_id) FROM vector_metadata WHERE shard_date = ?", string(date)).Scan(&maxID)
	if err != nil {
		return 0, errs.Store("reading max ordinal", err)
	}
	if !maxID.Valid {
		return -1, nil
	}
	return maxID.Int64, nil
}

// CountFor returns the number of rows stored for date.
func (s *Store) CountFor(ctx context.Context, date shard.Date) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_metadata WHERE shard_date = ?", string(date)).Scan(&n)
	if err != nil {
		return 0, errs.Store("counting rows", err)
	}
	return n, nil
}

// DeleteFrom deletes rows of date with vector_id >= ordinal and resyncs the
// registry count. A date left with no rows loses its registry entry.
func (s *Store) DeleteFrom(ctx context.Context, date shard.Date, ordinal int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Store("beginning delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM vector_metadata WHERE shard_date = ? AND vector_id >= ?", string(date), ordinal)
	if err != nil {
		return 0, errs.Store("deleting rows", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Store("counting deleted rows", err)
	}

	var remaining int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_metadata WHERE shard_date = ?", string(date)).Scan(&remaining); err != nil {
		return 0, errs.Store("counting remaining rows", err)
	}
	if remaining == 0 {
		_, err = tx.ExecContext(ctx, "DELETE FROM index_shards WHERE shard_date = ?", string(date))
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE index_shards SET vector_count = ? WHERE shard_date = ?", remaining, string(date))
	}
	if err != nil {
		return 0, errs.Store("resyncing shard registry", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Store("committing delete", err)
	}
	return deleted, nil
}

func (s *Store) queryDates(ctx context.Context, query string, args ...any) ([]shard.Date, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []shard.Date
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, shard.Date(d))
	}
	return dates, rows.Err()
}
