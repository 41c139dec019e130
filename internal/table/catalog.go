package table

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"silt/internal/partition"
	"silt/internal/schema"
)

// Watermark is the highest broker offset durably represented in the table
// for one source partition.
type Watermark struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Catalog is the table's transactional metadata store: segment registry,
// per-broker-partition watermarks, and the schema-change audit log, all in
// one SQLite database. The catalog transaction is the system's only
// atomicity boundary.
type Catalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // single writer
}

// NewCatalog opens (creating if needed) the catalog database.
func NewCatalog(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: initialize schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			segment_id      TEXT PRIMARY KEY,
			event_type      TEXT NOT NULL,
			event_date      TEXT NOT NULL,
			object_path     TEXT NOT NULL,
			row_count       INTEGER NOT NULL,
			size_bytes      INTEGER NOT NULL,
			min_event_time  INTEGER NOT NULL,
			max_event_time  INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_segments_key
			ON segments(event_type, event_date);

		CREATE TABLE IF NOT EXISTS watermarks (
			topic            TEXT NOT NULL,
			partition        INTEGER NOT NULL,
			committed_offset INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			PRIMARY KEY (topic, partition)
		);

		CREATE TABLE IF NOT EXISTS schema_changes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			field_name TEXT NOT NULL,
			field_type TEXT NOT NULL,
			required   INTEGER NOT NULL,
			version    INTEGER NOT NULL,
			widened    INTEGER NOT NULL,
			changed_at INTEGER NOT NULL
		);
	`)
	return err
}

// CommitSegments registers a set of segments and advances watermarks in one
// transaction. Replaying a batch whose idempotency key is already present
// inserts nothing; watermarks still advance (monotonically) so a replayed
// consumer converges. No reader ever observes a segment without its
// watermarks or vice versa.
func (c *Catalog) CommitSegments(ctx context.Context, segs []SegmentInfo, marks []Watermark) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, seg := range segs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO segments (
				segment_id, event_type, event_date, object_path,
				row_count, size_bytes, min_event_time, max_event_time,
				idempotency_key, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(idempotency_key) DO NOTHING`,
			seg.SegmentID, seg.Key.EventType, seg.Key.EventDate, seg.ObjectPath,
			seg.RowCount, seg.SizeBytes,
			seg.MinEventTime.UTC().UnixNano(), seg.MaxEventTime.UTC().UnixNano(),
			seg.IdempotencyKey, time.Now().UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("catalog: insert segment: %w", err)
		}
	}

	for _, m := range marks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO watermarks (topic, partition, committed_offset, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(topic, partition) DO UPDATE SET
				committed_offset = excluded.committed_offset,
				updated_at = excluded.updated_at
			WHERE excluded.committed_offset > watermarks.committed_offset`,
			m.Topic, m.Partition, m.Offset, time.Now().UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("catalog: advance watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}
	return nil
}

// Watermark returns the committed offset for one broker partition, or
// ok=false when nothing has been committed yet.
func (c *Catalog) Watermark(ctx context.Context, topic string, part int32) (int64, bool, error) {
	var off int64
	err := c.db.QueryRowContext(ctx,
		`SELECT committed_offset FROM watermarks WHERE topic = ? AND partition = ?`,
		topic, part).Scan(&off)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("catalog: read watermark: %w", err)
	}
	return off, true, nil
}

// Watermarks returns all committed offsets for a topic keyed by partition.
func (c *Catalog) Watermarks(ctx context.Context, topic string) (map[int32]int64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT partition, committed_offset FROM watermarks WHERE topic = ?`, topic)
	if err != nil {
		return nil, fmt.Errorf("catalog: read watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[int32]int64)
	for rows.Next() {
		var part int32
		var off int64
		if err := rows.Scan(&part, &off); err != nil {
			return nil, err
		}
		out[part] = off
	}
	return out, rows.Err()
}

// Segments lists registered segments for one partition key, oldest first.
func (c *Catalog) Segments(ctx context.Context, key partition.Key) ([]SegmentInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT segment_id, event_type, event_date, object_path,
		       row_count, size_bytes, min_event_time, max_event_time,
		       idempotency_key, created_at
		FROM segments
		WHERE event_type = ? AND event_date = ?
		ORDER BY created_at`,
		key.EventType, key.EventDate)
	if err != nil {
		return nil, fmt.Errorf("catalog: list segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentInfo
	for rows.Next() {
		var s SegmentInfo
		var minNS, maxNS, createdNS int64
		if err := rows.Scan(&s.SegmentID, &s.Key.EventType, &s.Key.EventDate, &s.ObjectPath,
			&s.RowCount, &s.SizeBytes, &minNS, &maxNS, &s.IdempotencyKey, &createdNS); err != nil {
			return nil, err
		}
		s.MinEventTime = time.Unix(0, minNS).UTC()
		s.MaxEventTime = time.Unix(0, maxNS).UTC()
		s.CreatedAt = time.Unix(0, createdNS).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// HasSegment reports whether a batch fingerprint has already been committed.
func (c *Catalog) HasSegment(ctx context.Context, idempotencyKey string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM segments WHERE idempotency_key = ?`, idempotencyKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordSchemaChange appends one evolution step to the audit log.
func (c *Catalog) RecordSchemaChange(ctx context.Context, ch schema.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO schema_changes (event_type, field_name, field_type, required, widened, version, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.EventType, ch.Field.Name, string(ch.Field.Type),
		boolInt(ch.Field.Required), boolInt(ch.Widened), ch.Version, ch.At.UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: record schema change: %w", err)
	}
	return nil
}

// SchemaChanges returns the audit log for one event type, oldest first.
func (c *Catalog) SchemaChanges(ctx context.Context, eventType string) ([]schema.Change, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT event_type, field_name, field_type, required, widened, version, changed_at
		FROM schema_changes WHERE event_type = ? ORDER BY id`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Change
	for rows.Next() {
		var ch schema.Change
		var req, wid int
		var atNS int64
		var ftype string
		if err := rows.Scan(&ch.EventType, &ch.Field.Name, &ftype, &req, &wid, &ch.Version, &atNS); err != nil {
			return nil, err
		}
		ch.Field.Type = schema.FieldType(ftype)
		ch.Field.Required = req != 0
		ch.Widened = wid != 0
		ch.At = time.Unix(0, atNS).UTC()
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
