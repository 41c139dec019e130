// Package event defines the normalized event shape produced by validation
// and the raw broker record it is decoded from.
package event

import (
	"time"
)

// Raw is a single record as pulled from the broker. Immutable once read.
type Raw struct {
	Key        string
	Value      []byte
	Topic      string
	Partition  int32
	Offset     int64
	ReceivedAt time.Time
}

// Event is the validated, normalized form of a Raw record.
// ID, Type, UserID and Timestamp are guaranteed present and well-typed;
// everything type-specific or unknown lives in Extra, preserved verbatim.
type Event struct {
	ID        string
	Type      string
	UserID    int64
	SessionID string
	Timestamp time.Time
	Location  string
	Device    string
	Extra     map[string]any
}

// Date returns the UTC calendar date of the event timestamp, YYYY-MM-DD.
func (e *Event) Date() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// Row flattens the event into a column map for segment encoding. Base
// columns mirror the table schema; Extra fields ride alongside under their
// own names and never shadow a base column.
func (e *Event) Row() map[string]any {
	row := make(map[string]any, len(e.Extra)+8)
	for k, v := range e.Extra {
		row[k] = v
	}
	row["event_id"] = e.ID
	row["event_type"] = e.Type
	row["user_id"] = e.UserID
	row["session_id"] = e.SessionID
	row["location"] = e.Location
	row["device"] = e.Device
	row["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	row["event_date"] = e.Date()
	return row
}
