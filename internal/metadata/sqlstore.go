package metadata

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/types"
)

// dialect abstracts the one syntactic difference between the two
// supported engines that matters here: placeholder style ("?" vs "$N").
// Everything else (types, IF NOT EXISTS) is written against the lowest
// common denominator the schema uses. Lock acquisition is a plain
// INSERT: a primary-key violation is what reports a held lock.
type dialect struct {
	name      string
	rebind    func(query string) string
	upsertLockSQL string
}

var sqliteDialect = dialect{
	name:   "sqlite",
	rebind: func(q string) string { return q },
	upsertLockSQL: `INSERT INTO locks (scope, name, owner, acquired_at, reason) VALUES (?, ?, ?, ?, ?)`,
}

var postgresDialect = dialect{
	name: "postgres",
	rebind: func(q string) string {
		var b strings.Builder
		n := 0
		for _, r := range q {
			if r == '?' {
				n++
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(n))
				continue
			}
			b.WriteRune(r)
		}
		return b.String()
	},
	upsertLockSQL: `INSERT INTO locks (scope, name, owner, acquired_at, reason) VALUES ($1, $2, $3, $4, $5)`,
}

// SQLStore implements Store over database/sql. Transactional bulk insert
// (InsertBlocks) and iterator-backed queries (StreamBlocks, ListVersions)
// are its two load-bearing capabilities, implemented directly against
// database/sql rather than through an ORM.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open parses a databaseEngine connection URL ("sqlite:///path/to.db" or
// "postgres://...") and returns a ready Store with schema applied.
func Open(ctx context.Context, databaseEngine string) (*SQLStore, error) {
	var driverName, dsn string
	var d dialect
	switch {
	case strings.HasPrefix(databaseEngine, "sqlite://"):
		driverName, d = "sqlite", sqliteDialect
		dsn = strings.TrimPrefix(databaseEngine, "sqlite://")
	case strings.HasPrefix(databaseEngine, "postgres://"), strings.HasPrefix(databaseEngine, "postgresql://"):
		driverName, d = "pgx", postgresDialect
		dsn = databaseEngine
	default:
		return nil, fmt.Errorf("%w: unsupported databaseEngine %q (expected sqlite:// or postgres://)", berrors.ErrConfig, databaseEngine)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", berrors.ErrConfig, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: connecting to database: %v", berrors.ErrConfig, err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, s.dialect.rebind(stmt)); err != nil {
			return fmt.Errorf("%w: applying schema: %v", berrors.ErrConfig, err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) Close() error { return s.db.Close() }

// --- Versions ---

func encodeLabels(labels map[string]string) (string, error) {
	if labels == nil {
		labels = map[string]string{}
	}
	b, err := json.Marshal(labels)
	return string(b), err
}

func decodeLabels(raw string) map[string]string {
	labels := map[string]string{}
	_ = json.Unmarshal([]byte(raw), &labels)
	return labels
}

func (s *SQLStore) CreateVersion(ctx context.Context, v types.Version) error {
	labels, err := encodeLabels(v.Labels)
	if err != nil {
		return fmt.Errorf("%w: encoding labels: %v", berrors.ErrStorage, err)
	}
	_, err = s.exec(ctx, `INSERT INTO versions
		(uid, date, volume, snapshot, size, block_size, status, protected, storage, labels,
		 bytes_read, bytes_written, bytes_deduplicated, bytes_sparse, duration_ns)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.UID, v.Date.UTC().Format(time.RFC3339Nano), v.Volume, v.Snapshot, v.Size, v.BlockSize,
		string(v.Status), boolToInt(v.Protected), v.Storage, labels,
		v.BytesRead, v.BytesWritten, v.BytesDeduplicated, v.BytesSparse, v.Duration.Nanoseconds())
	if err != nil {
		return fmt.Errorf("%w: inserting version %s: %v", berrors.ErrStorage, v.UID, err)
	}
	return nil
}

func (s *SQLStore) scanVersion(row interface{ Scan(...any) error }) (types.Version, error) {
	var v types.Version
	var date string
	var protected int
	var labels string
	var durationNs int64
	err := row.Scan(&v.UID, &date, &v.Volume, &v.Snapshot, &v.Size, &v.BlockSize, &v.Status,
		&protected, &v.Storage, &labels, &v.BytesRead, &v.BytesWritten, &v.BytesDeduplicated,
		&v.BytesSparse, &durationNs)
	if err != nil {
		return types.Version{}, err
	}
	v.Date, _ = time.Parse(time.RFC3339Nano, date)
	v.Protected = protected != 0
	v.Labels = decodeLabels(labels)
	v.Duration = time.Duration(durationNs)
	return v, nil
}

const versionColumns = `uid, date, volume, snapshot, size, block_size, status, protected, storage, labels,
	bytes_read, bytes_written, bytes_deduplicated, bytes_sparse, duration_ns`

func (s *SQLStore) GetVersion(ctx context.Context, uid string) (types.Version, error) {
	row := s.queryRow(ctx, `SELECT `+versionColumns+` FROM versions WHERE uid = ?`, uid)
	v, err := s.scanVersion(row)
	if err == sql.ErrNoRows {
		return types.Version{}, fmt.Errorf("%w: version %s", berrors.ErrNotFound, uid)
	}
	if err != nil {
		return types.Version{}, fmt.Errorf("%w: loading version %s: %v", berrors.ErrStorage, uid, err)
	}
	return v, nil
}

func (s *SQLStore) UpdateVersion(ctx context.Context, v types.Version) error {
	labels, err := encodeLabels(v.Labels)
	if err != nil {
		return fmt.Errorf("%w: encoding labels: %v", berrors.ErrStorage, err)
	}
	res, err := s.exec(ctx, `UPDATE versions SET status=?, protected=?, labels=?,
		bytes_read=?, bytes_written=?, bytes_deduplicated=?, bytes_sparse=?, duration_ns=?
		WHERE uid=?`,
		string(v.Status), boolToInt(v.Protected), labels,
		v.BytesRead, v.BytesWritten, v.BytesDeduplicated, v.BytesSparse, v.Duration.Nanoseconds(), v.UID)
	if err != nil {
		return fmt.Errorf("%w: updating version %s: %v", berrors.ErrStorage, v.UID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: version %s", berrors.ErrNotFound, v.UID)
	}
	return nil
}

func (s *SQLStore) DeleteVersion(ctx context.Context, uid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM blocks WHERE version_uid = ?`), uid); err != nil {
		return fmt.Errorf("%w: deleting blocks for %s: %v", berrors.ErrStorage, uid, err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM versions WHERE uid = ?`), uid); err != nil {
		return fmt.Errorf("%w: deleting version %s: %v", berrors.ErrStorage, uid, err)
	}
	return tx.Commit()
}

func (s *SQLStore) NextVersionUID(ctx context.Context) (string, error) {
	var maxNum int64
	row := s.queryRow(ctx, `SELECT uid FROM versions ORDER BY uid DESC LIMIT 1`)
	var last string
	if err := row.Scan(&last); err == nil && len(last) > 1 {
		if n, parseErr := strconv.ParseInt(strings.TrimPrefix(last, "V"), 10, 64); parseErr == nil {
			maxNum = n
		}
	}
	return fmt.Sprintf("V%010d", maxNum+1), nil
}

type sqlVersionIterator struct {
	rows *sql.Rows
	s    *SQLStore
}

func (it *sqlVersionIterator) Next(ctx context.Context) (types.Version, bool, error) {
	if !it.rows.Next() {
		return types.Version{}, false, it.rows.Err()
	}
	v, err := it.s.scanVersion(it.rows)
	return v, true, err
}

func (it *sqlVersionIterator) Close() error { return it.rows.Close() }

func (s *SQLStore) ListVersions(ctx context.Context, filter VersionFilter) (VersionIterator, error) {
	query := `SELECT ` + versionColumns + ` FROM versions`
	var args []any
	if filter.Volume != "" {
		query += ` WHERE volume = ?`
		args = append(args, filter.Volume)
	}
	query += ` ORDER BY date DESC`
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing versions: %v", berrors.ErrStorage, err)
	}
	return applyExpression(&sqlVersionIterator{rows: rows, s: s}, filter)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Blocks ---

func (s *SQLStore) InsertBlocks(ctx context.Context, storage string, blocks []types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(
		`INSERT INTO blocks (version_uid, idx, size, checksum, uid_left, uid_right, valid, storage)
		 VALUES (?,?,?,?,?,?,?,?)`))
	if err != nil {
		return fmt.Errorf("%w: preparing block insert: %v", berrors.ErrStorage, err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		var checksum any
		if b.Checksum != nil {
			checksum = hex.EncodeToString(b.Checksum)
		}
		if _, err := stmt.ExecContext(ctx, b.VersionUID, b.Idx, b.Size, checksum,
			nullableInt(b.UID.Left, b.Sparse()), nullableInt(b.UID.Right, b.Sparse()),
			boolToInt(b.Valid), storage); err != nil {
			return fmt.Errorf("%w: inserting block %s/%d: %v", berrors.ErrStorage, b.VersionUID, b.Idx, err)
		}
	}
	return tx.Commit()
}

func nullableInt(v int64, isNil bool) any {
	if isNil {
		return nil
	}
	return v
}

type sqlBlockIterator struct {
	rows *sql.Rows
}

func (it *sqlBlockIterator) Next(ctx context.Context) (types.Block, bool, error) {
	if !it.rows.Next() {
		return types.Block{}, false, it.rows.Err()
	}
	var b types.Block
	var checksum sql.NullString
	var left, right sql.NullInt64
	var valid int
	var storage string
	if err := it.rows.Scan(&b.VersionUID, &b.Idx, &b.Size, &checksum, &left, &right, &valid, &storage); err != nil {
		return types.Block{}, false, err
	}
	if checksum.Valid {
		sum, err := hex.DecodeString(checksum.String)
		if err != nil {
			return types.Block{}, false, err
		}
		b.Checksum = sum
		b.UID = types.BlockUID{Left: left.Int64, Right: right.Int64}
	}
	b.Valid = valid != 0
	return b, true, nil
}

func (it *sqlBlockIterator) Close() error { return it.rows.Close() }

func (s *SQLStore) StreamBlocks(ctx context.Context, versionUID string) (BlockIterator, error) {
	rows, err := s.query(ctx, `SELECT version_uid, idx, size, checksum, uid_left, uid_right, valid, storage
		FROM blocks WHERE version_uid = ? ORDER BY idx ASC`, versionUID)
	if err != nil {
		return nil, fmt.Errorf("%w: streaming blocks for %s: %v", berrors.ErrStorage, versionUID, err)
	}
	return &sqlBlockIterator{rows: rows}, nil
}

func (s *SQLStore) GetBlock(ctx context.Context, versionUID string, idx int64) (types.Block, error) {
	row := s.queryRow(ctx, `SELECT version_uid, idx, size, checksum, uid_left, uid_right, valid, storage
		FROM blocks WHERE version_uid = ? AND idx = ?`, versionUID, idx)
	var b types.Block
	var checksum sql.NullString
	var left, right sql.NullInt64
	var valid int
	var storage string
	err := row.Scan(&b.VersionUID, &b.Idx, &b.Size, &checksum, &left, &right, &valid, &storage)
	if err == sql.ErrNoRows {
		return types.Block{}, fmt.Errorf("%w: block %s/%d", berrors.ErrNotFound, versionUID, idx)
	}
	if err != nil {
		return types.Block{}, fmt.Errorf("%w: loading block %s/%d: %v", berrors.ErrStorage, versionUID, idx, err)
	}
	if checksum.Valid {
		sum, derr := hex.DecodeString(checksum.String)
		if derr != nil {
			return types.Block{}, derr
		}
		b.Checksum = sum
		b.UID = types.BlockUID{Left: left.Int64, Right: right.Int64}
	}
	b.Valid = valid != 0
	return b, nil
}

// MarkBlockInvalid marks the block and every Version referencing it
// invalid in a single transaction, so a crash can never leave an invalid
// block inside a still-valid Version.
func (s *SQLStore) MarkBlockInvalid(ctx context.Context, uid types.BlockUID) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.dialect.rebind(`SELECT DISTINCT version_uid FROM blocks WHERE uid_left=? AND uid_right=?`), uid.Left, uid.Right)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	var versionUIDs []string
	for rows.Next() {
		var uidStr string
		if err := rows.Scan(&uidStr); err != nil {
			rows.Close()
			return nil, err
		}
		versionUIDs = append(versionUIDs, uidStr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE blocks SET valid=0 WHERE uid_left=? AND uid_right=?`), uid.Left, uid.Right); err != nil {
		return nil, fmt.Errorf("%w: marking block invalid: %v", berrors.ErrStorage, err)
	}
	for _, vuid := range versionUIDs {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE versions SET status=? WHERE uid=?`), string(types.VersionInvalid), vuid); err != nil {
			return nil, fmt.Errorf("%w: marking version %s invalid: %v", berrors.ErrStorage, vuid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	return versionUIDs, nil
}

func (s *SQLStore) MarkBlockValid(ctx context.Context, uid types.BlockUID) error {
	if _, err := s.exec(ctx, `UPDATE blocks SET valid=1 WHERE uid_left=? AND uid_right=?`, uid.Left, uid.Right); err != nil {
		return fmt.Errorf("%w: marking block valid: %v", berrors.ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) FindBlockByChecksum(ctx context.Context, storage string, checksum []byte) (types.Block, bool, error) {
	row := s.queryRow(ctx, `SELECT version_uid, idx, size, checksum, uid_left, uid_right, valid, storage
		FROM blocks WHERE storage=? AND checksum=? AND valid=1 LIMIT 1`, storage, hex.EncodeToString(checksum))
	var b types.Block
	var sum string
	var left, right int64
	var valid int
	var st string
	err := row.Scan(&b.VersionUID, &b.Idx, &b.Size, &sum, &left, &right, &valid, &st)
	if err == sql.ErrNoRows {
		return types.Block{}, false, nil
	}
	if err != nil {
		return types.Block{}, false, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	b.Checksum, _ = hex.DecodeString(sum)
	b.UID = types.BlockUID{Left: left, Right: right}
	b.Valid = valid != 0
	return b, true, nil
}

func (s *SQLStore) CountReferences(ctx context.Context, uid types.BlockUID) (int64, error) {
	var n int64
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM blocks WHERE uid_left=? AND uid_right=?`, uid.Left, uid.Right)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting references: %v", berrors.ErrStorage, err)
	}
	return n, nil
}

func (s *SQLStore) NextBlockUID(ctx context.Context, storage string) (types.BlockUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.BlockUID{}, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	defer tx.Rollback()

	var left, right int64
	row := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT left_value, right_value FROM block_uid_sequence WHERE storage=?`), storage)
	err = row.Scan(&left, &right)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO block_uid_sequence (storage, left_value, right_value) VALUES (?,0,0)`), storage); err != nil {
			return types.BlockUID{}, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
		}
	} else if err != nil {
		return types.BlockUID{}, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}

	right++
	if right > 1_000_000 {
		left++
		right = 1
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE block_uid_sequence SET left_value=?, right_value=? WHERE storage=?`), left, right, storage); err != nil {
		return types.BlockUID{}, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return types.BlockUID{}, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	return types.BlockUID{Left: left, Right: right}, nil
}

// --- Storages ---

func (s *SQLStore) EnsureStorage(ctx context.Context, name string) (types.Storage, error) {
	if st, err := s.GetStorage(ctx, name); err == nil {
		return st, nil
	}
	if _, err := s.exec(ctx, `INSERT INTO storages (name) VALUES (?)`, name); err != nil {
		return types.Storage{}, fmt.Errorf("%w: creating storage %s: %v", berrors.ErrStorage, name, err)
	}
	return s.GetStorage(ctx, name)
}

func (s *SQLStore) GetStorage(ctx context.Context, name string) (types.Storage, error) {
	var st types.Storage
	row := s.queryRow(ctx, `SELECT id, name FROM storages WHERE name=?`, name)
	if err := row.Scan(&st.ID, &st.Name); err != nil {
		if err == sql.ErrNoRows {
			return types.Storage{}, fmt.Errorf("%w: storage %s", berrors.ErrNotFound, name)
		}
		return types.Storage{}, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	return st, nil
}

// --- Deletion candidates ---

func (s *SQLStore) EnqueueDeletionCandidate(ctx context.Context, storage string, uid types.BlockUID, proposedAt time.Time) error {
	_, err := s.exec(ctx, `INSERT INTO deletion_candidates (storage, uid_left, uid_right, proposed_at) VALUES (?,?,?,?)`,
		storage, uid.Left, uid.Right, proposedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: enqueuing deletion candidate: %v", berrors.ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) DeletionCandidatesOlderThan(ctx context.Context, storage string, cutoff time.Time) ([]types.DeletionCandidate, error) {
	rows, err := s.query(ctx, `SELECT uid_left, uid_right, proposed_at FROM deletion_candidates
		WHERE storage=? AND proposed_at < ?`, storage, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	defer rows.Close()
	var out []types.DeletionCandidate
	for rows.Next() {
		var left, right int64
		var proposedAt string
		if err := rows.Scan(&left, &right, &proposedAt); err != nil {
			return nil, err
		}
		t, _ := time.Parse(time.RFC3339Nano, proposedAt)
		out = append(out, types.DeletionCandidate{BlockUID: types.BlockUID{Left: left, Right: right}, ProposedAt: t})
	}
	return out, rows.Err()
}

func (s *SQLStore) RemoveDeletionCandidate(ctx context.Context, storage string, uid types.BlockUID) error {
	_, err := s.exec(ctx, `DELETE FROM deletion_candidates WHERE storage=? AND uid_left=? AND uid_right=?`,
		storage, uid.Left, uid.Right)
	if err != nil {
		return fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	return nil
}

// --- Locks ---

func (s *SQLStore) AcquireLock(ctx context.Context, scope types.LockScope, name, owner, reason string) error {
	_, err := s.exec(ctx, s.dialect.upsertLockSQL, string(scope), name, owner, time.Now().UTC().Format(time.RFC3339Nano), reason)
	if err != nil {
		return fmt.Errorf("%w: lock %s:%s held: %v", berrors.ErrLockConflict, scope, name, err)
	}
	return nil
}

func (s *SQLStore) ReleaseLock(ctx context.Context, scope types.LockScope, name, owner string) error {
	res, err := s.exec(ctx, `DELETE FROM locks WHERE scope=? AND name=? AND owner=?`, string(scope), name, owner)
	if err != nil {
		return fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: lock %s:%s not held by %s", berrors.ErrNotFound, scope, name, owner)
	}
	return nil
}

func (s *SQLStore) CountLocksWithPrefix(ctx context.Context, scope types.LockScope, namePrefix string) (int64, error) {
	var n int64
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM locks WHERE scope=? AND name LIKE ?`,
		string(scope), namePrefix+"%")
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", berrors.ErrStorage, err)
	}
	return n, nil
}

func (s *SQLStore) OverrideLock(ctx context.Context, scope types.LockScope, name string) error {
	_, err := s.exec(ctx, `DELETE FROM locks WHERE scope=? AND name=?`, string(scope), name)
	if err != nil {
		return fmt.Errorf("%w: overriding lock %s:%s: %v", berrors.ErrStorage, scope, name, err)
	}
	return nil
}
