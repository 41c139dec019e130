package table

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silt/internal/batch"
	"silt/internal/event"
	"silt/internal/partition"
	"silt/internal/storage"
)

func newTestTable(t *testing.T) (*Table, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	catalog, err := NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	return New(store, catalog), dir
}

func loginEvent(id string, off int64) (*event.Event, event.Raw) {
	ev := &event.Event{
		ID:        id,
		Type:      "login",
		UserID:    1,
		SessionID: "s1",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	raw := event.Raw{Topic: "ecommerce_events", Partition: 0, Offset: off}
	return ev, raw
}

func batchOf(t *testing.T, events ...func() (*event.Event, event.Raw)) *batch.Batch {
	t.Helper()
	asm := batch.NewAssembler(1<<30, time.Hour)
	for _, mk := range events {
		ev, raw := mk()
		asm.Add(ev, raw)
	}
	all := asm.FlushAll()
	require.Len(t, all, 1)
	return all[0]
}

func TestCommitBatches_RoundTrip(t *testing.T) {
	tbl, _ := newTestTable(t)
	ctx := context.Background()

	b := batchOf(t,
		func() (*event.Event, event.Raw) { return loginEvent("e1", 10) },
		func() (*event.Event, event.Raw) { return loginEvent("e2", 11) },
	)
	segs, err := tbl.CommitBatches(ctx, []*batch.Batch{b})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(2), segs[0].RowCount)

	rows, err := tbl.ReadSegment(ctx, segs[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "e1", rows[0]["event_id"])
	assert.Equal(t, "login", rows[0]["event_type"])
	assert.Equal(t, "2024-01-01", rows[0]["event_date"])

	off, ok, err := tbl.Catalog().Watermark(ctx, "ecommerce_events", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(11), off)

	listed, err := tbl.Catalog().Segments(ctx, partition.Key{EventType: "login", EventDate: "2024-01-01"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

// Redelivering the exact same offset range must converge to the same table
// state: one segment, one row per event, watermark unchanged.
func TestCommitBatches_ReplayIsExactlyOnce(t *testing.T) {
	tbl, _ := newTestTable(t)
	ctx := context.Background()

	mk := func() *batch.Batch {
		return batchOf(t, func() (*event.Event, event.Raw) { return loginEvent("e1", 10) })
	}

	segs, err := tbl.CommitBatches(ctx, []*batch.Batch{mk()})
	require.NoError(t, err)
	require.Len(t, segs, 1)

	// replay of offset 10, identical content
	segs, err = tbl.CommitBatches(ctx, []*batch.Batch{mk()})
	require.NoError(t, err)
	assert.Empty(t, segs, "replayed batch must not produce a new segment")

	listed, err := tbl.Catalog().Segments(ctx, partition.Key{EventType: "login", EventDate: "2024-01-01"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	rows, err := tbl.ReadSegment(ctx, listed[0])
	require.NoError(t, err)
	assert.Len(t, rows, 1, "table must contain exactly one row for e1")
}

func TestWatermark_NeverDecreases(t *testing.T) {
	tbl, dir := newTestTable(t)
	ctx := context.Background()

	high := batchOf(t,
		func() (*event.Event, event.Raw) { return loginEvent("e1", 20) },
	)
	_, err := tbl.CommitBatches(ctx, []*batch.Batch{high})
	require.NoError(t, err)

	// a straggler commit covering older offsets must not move it back
	low := batchOf(t,
		func() (*event.Event, event.Raw) { return loginEvent("e0", 5) },
	)
	_, err = tbl.CommitBatches(ctx, []*batch.Batch{low})
	require.NoError(t, err)

	off, ok, err := tbl.Catalog().Watermark(ctx, "ecommerce_events", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), off)

	// survives a restart
	require.NoError(t, tbl.Catalog().Close())
	reopened, err := NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer reopened.Close()
	off, ok, err = reopened.Watermark(ctx, "ecommerce_events", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), off)
}

type failingStorage struct{ err error }

func (f *failingStorage) Put(context.Context, string, []byte) error { return f.err }
func (f *failingStorage) Get(context.Context, string) ([]byte, error) {
	return nil, storage.ErrObjectNotFound
}
func (f *failingStorage) Exists(context.Context, string) (bool, error) { return false, nil }
func (f *failingStorage) Delete(context.Context, string) error         { return nil }
func (f *failingStorage) List(context.Context, string) ([]string, error) {
	return nil, nil
}

func TestCommitBatches_StorageFailureLeavesTableUnchanged(t *testing.T) {
	dir := t.TempDir()
	catalog, err := NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer catalog.Close()
	tbl := New(&failingStorage{err: errors.New("storage down")}, catalog)
	ctx := context.Background()

	b := batchOf(t, func() (*event.Event, event.Raw) { return loginEvent("e1", 10) })
	_, err = tbl.CommitBatches(ctx, []*batch.Batch{b})
	require.Error(t, err)

	_, ok, err := catalog.Watermark(ctx, "ecommerce_events", 0)
	require.NoError(t, err)
	assert.False(t, ok, "failed commit must not advance the watermark")
	listed, err := catalog.Segments(ctx, partition.Key{EventType: "login", EventDate: "2024-01-01"})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

// A crash between segment upload and the catalog transaction must leave the
// visible table state untouched; the whole attempt is then retried.
func TestCommitBatches_CrashBetweenUploadAndPublish(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	ctx := context.Background()

	catalog, err := NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	// closing the catalog makes the publish transaction fail after the
	// object upload has already happened
	require.NoError(t, catalog.Close())

	b := batchOf(t, func() (*event.Event, event.Raw) { return loginEvent("e1", 10) })
	_, err = New(store, catalog).CommitBatches(ctx, []*batch.Batch{b})
	require.Error(t, err)

	reopened, err := NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer reopened.Close()

	listed, err := reopened.Segments(ctx, partition.Key{EventType: "login", EventDate: "2024-01-01"})
	require.NoError(t, err)
	assert.Empty(t, listed, "uploaded but unpublished segment must stay invisible")
	_, ok, err := reopened.Watermark(ctx, "ecommerce_events", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// the retried attempt converges: same fingerprint, same object path,
	// exactly one visible segment
	b2 := batchOf(t, func() (*event.Event, event.Raw) { return loginEvent("e1", 10) })
	segs, err := New(store, reopened).CommitBatches(ctx, []*batch.Batch{b2})
	require.NoError(t, err)
	require.Len(t, segs, 1)
}

func TestCommitBatches_MultiKeyFlushIsOneTransaction(t *testing.T) {
	tbl, _ := newTestTable(t)
	ctx := context.Background()

	day1 := batchOf(t, func() (*event.Event, event.Raw) {
		ev := &event.Event{ID: "c1", Type: "checkout", UserID: 1,
			Timestamp: time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)}
		return ev, event.Raw{Topic: "ecommerce_events", Partition: 0, Offset: 30}
	})
	day2 := batchOf(t, func() (*event.Event, event.Raw) {
		ev := &event.Event{ID: "c2", Type: "checkout", UserID: 2,
			Timestamp: time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)}
		return ev, event.Raw{Topic: "ecommerce_events", Partition: 0, Offset: 31}
	})

	segs, err := tbl.CommitBatches(ctx, []*batch.Batch{day1, day2})
	require.NoError(t, err)
	require.Len(t, segs, 2)

	for _, date := range []string{"2024-01-01", "2024-01-02"} {
		listed, err := tbl.Catalog().Segments(ctx, partition.Key{EventType: "checkout", EventDate: date})
		require.NoError(t, err)
		assert.Len(t, listed, 1, "each date forms its own partition")
	}

	off, ok, err := tbl.Catalog().Watermark(ctx, "ecommerce_events", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(31), off, "watermark covers the whole flush")
}

func TestFingerprint_TracksOffsetsAndKey(t *testing.T) {
	b1 := batchOf(t, func() (*event.Event, event.Raw) { return loginEvent("e1", 10) })
	b2 := batchOf(t, func() (*event.Event, event.Raw) { return loginEvent("e1", 10) })
	b3 := batchOf(t, func() (*event.Event, event.Raw) { return loginEvent("e1", 11) })

	assert.Equal(t, Fingerprint(b1), Fingerprint(b2), "same key and offsets hash identically")
	assert.NotEqual(t, Fingerprint(b1), Fingerprint(b3), "different offsets hash differently")
}
