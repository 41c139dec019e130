// Package table materializes micro-batches as immutable snappy-compressed
// segment objects registered in a SQLite catalog. One catalog transaction
// publishes a whole set of segments and the offset watermarks they imply,
// so readers never observe data without its watermark or vice versa.
package table

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"

	"silt/internal/batch"
	"silt/internal/storage"
)

type Table struct {
	store   storage.ObjectStorage
	catalog *Catalog
}

func New(store storage.ObjectStorage, catalog *Catalog) *Table {
	return &Table{store: store, catalog: catalog}
}

func (t *Table) Catalog() *Catalog { return t.catalog }

// CommitBatches appends a set of micro-batches atomically. Segment objects
// are uploaded first under fingerprint-derived paths (a retry overwrites,
// never duplicates), then every segment row plus the combined watermarks are
// published in one catalog transaction. An uploaded object without a catalog
// row is invisible, so a crash between upload and transaction leaves the
// table's visible state exactly as it was.
//
// Batches whose fingerprint is already in the catalog are skipped: a full
// redelivery of the same offset ranges converges to the same table state.
func (t *Table) CommitBatches(ctx context.Context, batches []*batch.Batch) ([]SegmentInfo, error) {
	var segs []SegmentInfo
	for _, b := range batches {
		if len(b.Events) == 0 {
			continue
		}
		fp := Fingerprint(b)
		done, err := t.catalog.HasSegment(ctx, fp)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		seg, data, err := buildSegment(b, fp)
		if err != nil {
			return nil, err
		}
		if err := t.store.Put(ctx, seg.ObjectPath, data); err != nil {
			return nil, fmt.Errorf("table: upload segment %s: %w", seg.SegmentID, err)
		}
		segs = append(segs, seg)
	}

	marks := marksOf(batches)
	if len(segs) == 0 && len(marks) == 0 {
		return nil, nil
	}
	if err := t.catalog.CommitSegments(ctx, segs, marks); err != nil {
		return nil, err
	}
	return segs, nil
}

func buildSegment(b *batch.Batch, fp string) (SegmentInfo, []byte, error) {
	rows := make([]map[string]any, len(b.Events))
	minTS, maxTS := b.Events[0].Timestamp, b.Events[0].Timestamp
	for i, ev := range b.Events {
		rows[i] = ev.Row()
		if ev.Timestamp.Before(minTS) {
			minTS = ev.Timestamp
		}
		if ev.Timestamp.After(maxTS) {
			maxTS = ev.Timestamp
		}
	}
	data, err := EncodeSegment(rows)
	if err != nil {
		return SegmentInfo{}, nil, err
	}
	return SegmentInfo{
		SegmentID:      fp,
		Key:            b.Key,
		ObjectPath:     segmentPath(b.Key, fp),
		RowCount:       int64(len(rows)),
		SizeBytes:      int64(len(data)),
		MinEventTime:   minTS.UTC(),
		MaxEventTime:   maxTS.UTC(),
		IdempotencyKey: fp,
	}, data, nil
}

// ReadSegment fetches and decodes one committed segment.
func (t *Table) ReadSegment(ctx context.Context, seg SegmentInfo) ([]map[string]any, error) {
	data, err := t.store.Get(ctx, seg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("table: fetch segment %s: %w", seg.SegmentID, err)
	}
	return DecodeSegment(data)
}

// Fingerprint hashes the batch's identity — partition key plus the exact
// offset ranges it covers — into the idempotency key used for commit
// dedupe. A redelivered batch covering the same offsets hashes identically.
func Fingerprint(b *batch.Batch) string {
	h := murmur3.New128()
	fmt.Fprintf(h, "%s|%s", b.Key.EventType, b.Key.EventDate)
	parts := make([]int32, 0, len(b.Offsets))
	for p := range b.Offsets {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	for _, p := range parts {
		r := b.Offsets[p]
		fmt.Fprintf(h, "|%s:%d:%d:%d", r.Topic, r.Partition, r.First, r.Last)
	}
	h1, h2 := h.Sum128()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (56 - 8*i))
		buf[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// marksOf folds the batches' offset ranges into one watermark per broker
// partition: the maximum offset the set covers.
func marksOf(batches []*batch.Batch) []Watermark {
	type pk struct {
		topic string
		part  int32
	}
	max := make(map[pk]int64)
	for _, b := range batches {
		for _, r := range b.Offsets {
			k := pk{r.Topic, r.Partition}
			if cur, ok := max[k]; !ok || r.Last > cur {
				max[k] = r.Last
			}
		}
	}
	marks := make([]Watermark, 0, len(max))
	for k, off := range max {
		marks = append(marks, Watermark{Topic: k.topic, Partition: k.part, Offset: off})
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].Partition < marks[j].Partition })
	return marks
}

func (t *Table) Close() error {
	return t.catalog.Close()
}
