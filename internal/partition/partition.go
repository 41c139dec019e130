// Package partition derives the storage partition key for validated events.
package partition

import (
	"path"

	"silt/internal/event"
)

// Key buckets events for storage: one partition per event type per UTC
// calendar date, mirroring the table's PARTITIONED BY (event_type, event_date).
type Key struct {
	EventType string
	EventDate string // YYYY-MM-DD
}

// KeyOf is a pure function of the event; identical events always map to the
// same key. Timestamp parsing happened during validation, so no failure
// path exists here.
func KeyOf(ev *event.Event) Key {
	return Key{EventType: ev.Type, EventDate: ev.Date()}
}

// Path renders the key as a Hive-style object path fragment.
func (k Key) Path() string {
	return path.Join("event_type="+k.EventType, "event_date="+k.EventDate)
}

func (k Key) String() string {
	return k.EventType + "/" + k.EventDate
}
