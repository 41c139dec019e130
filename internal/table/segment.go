package table

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"silt/internal/partition"
)

// SegmentInfo is the catalog's view of one immutable segment object.
type SegmentInfo struct {
	SegmentID      string
	Key            partition.Key
	ObjectPath     string
	RowCount       int64
	SizeBytes      int64
	MinEventTime   time.Time
	MaxEventTime   time.Time
	IdempotencyKey string
	CreatedAt      time.Time
}

// EncodeSegment renders rows as snappy-compressed JSON lines. encoding/json
// sorts map keys, so identical rows always produce identical bytes; commit
// retries overwrite the object with the same content.
func EncodeSegment(rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode segment row: %w", err)
		}
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// DecodeSegment is the inverse of EncodeSegment.
func DecodeSegment(data []byte) ([]map[string]any, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress segment: %w", err)
	}
	var rows []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("decode segment row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// segmentPath places segments under Hive-style partition directories.
func segmentPath(key partition.Key, segmentID string) string {
	return "segments/" + key.Path() + "/" + segmentID + ".jsonl.sz"
}
