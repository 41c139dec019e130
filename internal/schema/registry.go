// Package schema holds the per-event-type schema registry and the payload
// validator. Evolution is strictly additive: a schema version may gain
// optional fields or widen a field's type, never lose or narrow one.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"silt/internal/event"
)

type Mode string

const (
	ModeStrict     Mode = "strict"
	ModePermissive Mode = "permissive"
)

type FieldType string

const (
	TypeString    FieldType = "string"
	TypeLong      FieldType = "long"
	TypeDouble    FieldType = "double"
	TypeBool      FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeObject    FieldType = "object"
	TypeArray     FieldType = "array"
)

type FieldDef struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
}

// Schema is a snapshot of one event type's accepted shape.
type Schema struct {
	EventType string
	Version   int
	Fields    map[string]FieldDef
}

// Change describes one additive evolution step, emitted to notifiers so
// every schema mutation is auditable.
type Change struct {
	EventType string
	Field     FieldDef
	Version   int
	Widened   bool
	At        time.Time
}

// ValidationError explains why a raw record could not become an Event.
// Reason is machine-readable: malformed_payload, missing_required_field:<f>,
// type_mismatch:<f>, bad_timestamp:<value>.
type ValidationError struct {
	Reason string
	Raw    event.Raw
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s (partition=%d offset=%d)", e.Reason, e.Raw.Partition, e.Raw.Offset)
}

// baseFields are enforced for every event type, known or not.
var baseFields = map[string]FieldDef{
	"event_id":   {Name: "event_id", Type: TypeString, Required: true},
	"event_type": {Name: "event_type", Type: TypeString, Required: true},
	"user_id":    {Name: "user_id", Type: TypeLong, Required: true},
	"timestamp":  {Name: "timestamp", Type: TypeTimestamp, Required: true},
	"session_id": {Name: "session_id", Type: TypeString},
	"location":   {Name: "location", Type: TypeString},
	"device":     {Name: "device", Type: TypeString},
}

type Registry struct {
	mode Mode

	mu      sync.RWMutex
	schemas map[string]*Schema
	notify  []func(Change)
}

func NewRegistry(mode Mode) *Registry {
	return &Registry{mode: mode, schemas: make(map[string]*Schema)}
}

// Notify registers a callback invoked on every schema change. Callbacks run
// inline under the registry lock; keep them cheap.
func (r *Registry) Notify(fn func(Change)) {
	r.mu.Lock()
	r.notify = append(r.notify, fn)
	r.mu.Unlock()
}

// seedFile is the YAML shape of the optional seed-schema file.
type seedFile struct {
	EventTypes []struct {
		Name   string     `yaml:"name"`
		Fields []FieldDef `yaml:"fields"`
	} `yaml:"event_types"`
}

// LoadSeedFile pre-registers event types from a YAML file. Seed fields are
// optional like any other extension; only the base fields are required.
func (r *Registry) LoadSeedFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("schema seed %s: %w", path, err)
	}
	for _, et := range seed.EventTypes {
		for _, f := range et.Fields {
			if _, ok := baseFields[f.Name]; ok {
				continue
			}
			if _, err := r.Evolve(et.Name, f); err != nil {
				return fmt.Errorf("schema seed %s: event type %s: %w", path, et.Name, err)
			}
		}
		// register the type even when it carries no extra fields
		r.mu.Lock()
		r.ensureLocked(et.Name)
		r.mu.Unlock()
	}
	return nil
}

// Schema returns a copy of the registered schema for an event type.
func (r *Registry) Schema(eventType string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	if !ok {
		return Schema{}, false
	}
	cp := Schema{EventType: s.EventType, Version: s.Version, Fields: make(map[string]FieldDef, len(s.Fields))}
	for k, v := range s.Fields {
		cp.Fields[k] = v
	}
	return cp, true
}

// Evolve registers a field for an event type, creating the type on first
// use. Returns whether anything changed. Narrowing a type, removing a
// field, or promoting optional to required is refused.
func (r *Registry) Evolve(eventType string, def FieldDef) (bool, error) {
	if def.Name == "" {
		return false, fmt.Errorf("field name must not be empty")
	}
	if def.Required {
		return false, fmt.Errorf("field %s: only the base fields are required; registered fields must be optional", def.Name)
	}
	if def.Type == "" {
		def.Type = TypeString
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.ensureLocked(eventType)
	old, exists := s.Fields[def.Name]
	if !exists {
		s.Fields[def.Name] = def
		s.Version++
		r.emitLocked(Change{EventType: eventType, Field: def, Version: s.Version, At: time.Now().UTC()})
		return true, nil
	}
	switch {
	case old.Type == def.Type:
		return false, nil
	case widens(old.Type, def.Type):
		s.Fields[def.Name] = def
		s.Version++
		r.emitLocked(Change{EventType: eventType, Field: def, Version: s.Version, Widened: true, At: time.Now().UTC()})
		return true, nil
	case widens(def.Type, old.Type):
		// incoming value is narrower than registered; nothing to change
		return false, nil
	default:
		return false, fmt.Errorf("field %s: cannot change type %s to %s", def.Name, old.Type, def.Type)
	}
}

func (r *Registry) ensureLocked(eventType string) *Schema {
	s, ok := r.schemas[eventType]
	if !ok {
		s = &Schema{EventType: eventType, Version: 1, Fields: make(map[string]FieldDef)}
		r.schemas[eventType] = s
	}
	return s
}

func (r *Registry) emitLocked(c Change) {
	for _, fn := range r.notify {
		fn(c)
	}
}

// widens reports whether from may be promoted to to without losing data.
func widens(from, to FieldType) bool {
	return from == TypeLong && to == TypeDouble
}

// timestamp layouts accepted on the wire; the generator emits bare ISO8601
// without a zone, collaborators emit RFC3339.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a source-supplied timestamp string. Zone-less
// layouts are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Validate decodes a raw payload under the active schema for its event type
// and returns the normalized Event, or a ValidationError naming the first
// failing field. Unknown event types pass under the permissive base schema;
// unknown fields are preserved and, in permissive mode, registered as
// optional fields.
func (r *Registry) Validate(raw event.Raw) (*event.Event, *ValidationError) {
	dec := json.NewDecoder(bytes.NewReader(raw.Value))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, &ValidationError{Reason: "malformed_payload", Raw: raw}
	}

	for _, name := range []string{"event_id", "event_type", "user_id", "timestamp"} {
		v, ok := fields[name]
		if !ok || v == nil {
			return nil, &ValidationError{Reason: "missing_required_field:" + name, Raw: raw}
		}
	}

	id, ok := fields["event_id"].(string)
	if !ok || id == "" {
		return nil, &ValidationError{Reason: "type_mismatch:event_id", Raw: raw}
	}
	etype, ok := fields["event_type"].(string)
	if !ok || etype == "" {
		return nil, &ValidationError{Reason: "type_mismatch:event_type", Raw: raw}
	}
	userID, ok := asLong(fields["user_id"])
	if !ok {
		return nil, &ValidationError{Reason: "type_mismatch:user_id", Raw: raw}
	}
	tsRaw, ok := fields["timestamp"].(string)
	if !ok {
		return nil, &ValidationError{Reason: "type_mismatch:timestamp", Raw: raw}
	}
	ts, ok := ParseTimestamp(tsRaw)
	if !ok {
		return nil, &ValidationError{Reason: "bad_timestamp:" + tsRaw, Raw: raw}
	}

	ev := &event.Event{
		ID:        id,
		Type:      etype,
		UserID:    userID,
		SessionID: asString(fields["session_id"]),
		Timestamp: ts,
		Location:  asString(fields["location"]),
		Device:    asString(fields["device"]),
		Extra:     make(map[string]any),
	}

	for name, v := range fields {
		if _, isBase := baseFields[name]; isBase {
			continue
		}
		ev.Extra[name] = normalize(v)
	}

	if r.mode == ModePermissive {
		r.evolveFromExtra(etype, ev.Extra)
	}
	return ev, nil
}

// evolveFromExtra auto-registers unseen optional fields. Failures here never
// reject the record; the value still passes through verbatim.
func (r *Registry) evolveFromExtra(eventType string, extra map[string]any) {
	for name, v := range extra {
		def := FieldDef{Name: name, Type: inferType(v)}
		_, _ = r.Evolve(eventType, def)
	}
}

func inferType(v any) FieldType {
	switch t := v.(type) {
	case string:
		if _, ok := ParseTimestamp(t); ok {
			return TypeTimestamp
		}
		return TypeString
	case bool:
		return TypeBool
	case int64:
		return TypeLong
	case float64:
		return TypeDouble
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return TypeLong
		}
		return TypeDouble
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	default:
		return TypeString
	}
}

func asLong(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case int64:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// normalize converts json.Number values into int64/float64 so downstream
// encoding does not depend on decoder settings.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	default:
		return v
	}
}
