// Package deadletter stores records that failed validation, with enough
// provenance to replay or inspect them. The sink is best-effort: its own
// failures are logged, never propagated, and never block the main pipeline.
package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"silt/internal/event"
	"silt/internal/logging"
	"silt/internal/telemetry"
)

// Entry is one rejected record. Append-only, never mutated.
type Entry struct {
	Topic      string    `json:"topic"`
	Partition  int32     `json:"partition"`
	Offset     int64     `json:"offset"`
	Key        string    `json:"key,omitempty"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	IngestedAt time.Time `json:"ingested_at"`
}

type Sink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewSink opens (appending) one JSONL file per process under dir.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("deadletter: create dir: %w", err)
	}
	path := filepath.Join(dir, time.Now().UTC().Format("20060102T150405")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %s: %w", path, err)
	}
	return &Sink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Record appends one entry. Fire and forget: losing a diagnostic entry is
// acceptable degradation, so errors only reach the log.
func (s *Sink) Record(raw event.Raw, reason string) {
	entry := Entry{
		Topic:      raw.Topic,
		Partition:  raw.Partition,
		Offset:     raw.Offset,
		Key:        raw.Key,
		Payload:    raw.Value,
		Reason:     reason,
		IngestedAt: time.Now().UTC(),
	}
	telemetry.EventsInvalid.WithLabelValues(reasonClass(reason)).Inc()

	s.mu.Lock()
	err := s.enc.Encode(entry)
	s.mu.Unlock()
	if err != nil {
		logging.L().Error("deadletter: append failed",
			"path", s.path, "reason", reason, "err", err)
		return
	}
	logging.L().Debug("deadletter: recorded",
		"partition", raw.Partition, "offset", raw.Offset, "reason", reason)
}

// Path returns the sink file, mainly for inspection tooling and tests.
func (s *Sink) Path() string { return s.path }

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// reasonClass strips the per-record suffix so metric cardinality stays
// bounded (missing_required_field:user_id -> missing_required_field).
func reasonClass(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return reason
}
