package deadletter

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"silt/internal/event"
	"silt/internal/schema"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open sink file: %v", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode entry: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecord_PreservesProvenance(t *testing.T) {
	sink, err := NewSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	payload := []byte(`{"event_type":"login"}`)
	sink.Record(event.Raw{
		Topic:     "ecommerce_events",
		Partition: 3,
		Offset:    77,
		Key:       "sess-1",
		Value:     payload,
	}, "missing_required_field:user_id")

	entries := readEntries(t, sink.Path())
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Topic != "ecommerce_events" || e.Partition != 3 || e.Offset != 77 {
		t.Fatalf("provenance lost: %+v", e)
	}
	if e.Reason != "missing_required_field:user_id" {
		t.Fatalf("want reason with field suffix, got %q", e.Reason)
	}
	if string(e.Payload) != string(payload) {
		t.Fatalf("payload altered: %q", e.Payload)
	}
	if e.IngestedAt.IsZero() {
		t.Fatal("ingested_at not set")
	}
}

func TestRecord_ValidatorRejectionsLandInSink(t *testing.T) {
	sink, err := NewSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	reg := schema.NewRegistry(schema.ModeStrict)
	raw := event.Raw{
		Topic: "ecommerce_events", Partition: 0, Offset: 5,
		Value: []byte(`{"event_id":"e1","event_type":"login","timestamp":"2024-01-01T00:00:00Z"}`),
	}
	_, verr := reg.Validate(raw)
	if verr == nil {
		t.Fatal("want validation failure for missing user_id")
	}
	sink.Record(raw, verr.Reason)

	entries := readEntries(t, sink.Path())
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != "missing_required_field:user_id" {
		t.Fatalf("want missing_required_field:user_id, got %q", entries[0].Reason)
	}
}

func TestRecord_AppendsInOrder(t *testing.T) {
	sink, err := NewSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	for off := int64(0); off < 3; off++ {
		sink.Record(event.Raw{Topic: "t", Offset: off, Value: []byte("x")}, "malformed_payload")
	}
	entries := readEntries(t, sink.Path())
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Offset != int64(i) {
			t.Fatalf("entry %d has offset %d", i, e.Offset)
		}
	}
}

func TestReasonClass(t *testing.T) {
	cases := map[string]string{
		"malformed_payload":              "malformed_payload",
		"missing_required_field:user_id": "missing_required_field",
		"type_mismatch:timestamp":        "type_mismatch",
		"bad_timestamp:31-12-2024 10:00": "bad_timestamp",
	}
	for in, want := range cases {
		if got := reasonClass(in); got != want {
			t.Errorf("reasonClass(%q) = %q, want %q", in, got, want)
		}
	}
}
