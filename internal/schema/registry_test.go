package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silt/internal/event"
)

func rawJSON(s string) event.Raw {
	return event.Raw{Value: []byte(s), Topic: "ecommerce_events", Partition: 0, Offset: 10}
}

const validLogin = `{
	"event_id": "e1", "event_type": "login", "user_id": 42,
	"timestamp": "2024-01-01T00:00:00Z", "session_id": "s1",
	"location": "Berlin", "device": "mobile",
	"ip_address": "10.0.0.1", "success": true
}`

func TestValidate_AcceptsWellFormedEvent(t *testing.T) {
	r := NewRegistry(ModePermissive)
	ev, verr := r.Validate(rawJSON(validLogin))
	require.Nil(t, verr)

	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "login", ev.Type)
	assert.Equal(t, int64(42), ev.UserID)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, "10.0.0.1", ev.Extra["ip_address"])
	assert.Equal(t, true, ev.Extra["success"])
}

func TestValidate_MissingRequiredField(t *testing.T) {
	r := NewRegistry(ModePermissive)
	_, verr := r.Validate(rawJSON(`{"event_id":"e1","event_type":"login","timestamp":"2024-01-01T00:00:00Z"}`))
	require.NotNil(t, verr)
	assert.Equal(t, "missing_required_field:user_id", verr.Reason)
}

func TestValidate_NullRequiredFieldIsMissing(t *testing.T) {
	r := NewRegistry(ModePermissive)
	_, verr := r.Validate(rawJSON(`{"event_id":"e1","event_type":"login","user_id":null,"timestamp":"2024-01-01T00:00:00Z"}`))
	require.NotNil(t, verr)
	assert.Equal(t, "missing_required_field:user_id", verr.Reason)
}

func TestValidate_TypeMismatchOnRequiredField(t *testing.T) {
	r := NewRegistry(ModePermissive)
	_, verr := r.Validate(rawJSON(`{"event_id":"e1","event_type":"login","user_id":"not-a-number","timestamp":"2024-01-01T00:00:00Z"}`))
	require.NotNil(t, verr)
	assert.Equal(t, "type_mismatch:user_id", verr.Reason)
}

func TestValidate_UnparseableTimestampIsValidationFailure(t *testing.T) {
	r := NewRegistry(ModePermissive)
	_, verr := r.Validate(rawJSON(`{"event_id":"e1","event_type":"login","user_id":1,"timestamp":"not-a-date"}`))
	require.NotNil(t, verr)
	assert.Equal(t, "bad_timestamp:not-a-date", verr.Reason)
}

func TestValidate_MalformedPayload(t *testing.T) {
	r := NewRegistry(ModePermissive)
	_, verr := r.Validate(rawJSON(`{"event_id": `))
	require.NotNil(t, verr)
	assert.Equal(t, "malformed_payload", verr.Reason)
}

func TestValidate_ZonelessTimestampTreatedAsUTC(t *testing.T) {
	r := NewRegistry(ModePermissive)
	ev, verr := r.Validate(rawJSON(`{"event_id":"e1","event_type":"login","user_id":1,"timestamp":"2024-06-15T13:30:00"}`))
	require.Nil(t, verr)
	assert.Equal(t, "2024-06-15", ev.Date())
}

func TestValidate_UnknownEventTypeAcceptedUnderBaseSchema(t *testing.T) {
	r := NewRegistry(ModeStrict)
	ev, verr := r.Validate(rawJSON(`{"event_id":"e1","event_type":"wishlist_add","user_id":1,"timestamp":"2024-01-01T00:00:00Z","wish_count":3}`))
	require.Nil(t, verr)
	assert.Equal(t, "wishlist_add", ev.Type)
	assert.Equal(t, int64(3), ev.Extra["wish_count"])
}

func TestValidate_PermissiveModeRegistersUnknownFields(t *testing.T) {
	r := NewRegistry(ModePermissive)
	var changes []Change
	r.Notify(func(c Change) { changes = append(changes, c) })

	_, verr := r.Validate(rawJSON(validLogin))
	require.Nil(t, verr)

	s, ok := r.Schema("login")
	require.True(t, ok)
	assert.Contains(t, s.Fields, "ip_address")
	assert.Contains(t, s.Fields, "success")
	assert.False(t, s.Fields["ip_address"].Required, "auto-registered fields must be optional")
	assert.NotEmpty(t, changes, "evolution must emit notifications")
}

func TestValidate_StrictModePreservesButDoesNotRegister(t *testing.T) {
	r := NewRegistry(ModeStrict)
	ev, verr := r.Validate(rawJSON(validLogin))
	require.Nil(t, verr)
	assert.Equal(t, "10.0.0.1", ev.Extra["ip_address"], "unknown fields are never rejected")

	_, ok := r.Schema("login")
	assert.False(t, ok, "strict mode must not evolve the registry")
}

func TestEvolve_IsAdditiveOnly(t *testing.T) {
	r := NewRegistry(ModePermissive)

	changed, err := r.Evolve("checkout", FieldDef{Name: "total_value", Type: TypeDouble})
	require.NoError(t, err)
	assert.True(t, changed)

	// same field again is a no-op
	changed, err = r.Evolve("checkout", FieldDef{Name: "total_value", Type: TypeDouble})
	require.NoError(t, err)
	assert.False(t, changed)

	// narrowing is refused
	_, err = r.Evolve("checkout", FieldDef{Name: "total_value", Type: TypeString})
	assert.Error(t, err)

	// optional may never become required
	_, err = r.Evolve("checkout", FieldDef{Name: "total_value", Type: TypeDouble, Required: true})
	assert.Error(t, err)
}

func TestEvolve_WideningLongToDouble(t *testing.T) {
	r := NewRegistry(ModePermissive)

	_, err := r.Evolve("add_to_cart", FieldDef{Name: "price", Type: TypeLong})
	require.NoError(t, err)
	s, _ := r.Schema("add_to_cart")
	v1 := s.Version

	changed, err := r.Evolve("add_to_cart", FieldDef{Name: "price", Type: TypeDouble})
	require.NoError(t, err)
	assert.True(t, changed)

	s, _ = r.Schema("add_to_cart")
	assert.Equal(t, TypeDouble, s.Fields["price"].Type)
	assert.Greater(t, s.Version, v1)

	// the reverse direction is a no-op, never a narrowing
	changed, err = r.Evolve("add_to_cart", FieldDef{Name: "price", Type: TypeLong})
	require.NoError(t, err)
	assert.False(t, changed)
	s, _ = r.Schema("add_to_cart")
	assert.Equal(t, TypeDouble, s.Fields["price"].Type)
}

func TestVersion_IncrementsPerAddedField(t *testing.T) {
	r := NewRegistry(ModePermissive)
	_, verr := r.Validate(rawJSON(validLogin))
	require.Nil(t, verr)
	s1, _ := r.Schema("login")

	// a later record carrying one new field bumps exactly once more
	_, verr = r.Validate(rawJSON(`{"event_id":"e2","event_type":"login","user_id":7,"timestamp":"2024-01-02T00:00:00Z","mfa_used":true}`))
	require.Nil(t, verr)
	s2, _ := r.Schema("login")
	assert.Equal(t, s1.Version+1, s2.Version)
	assert.Contains(t, s2.Fields, "mfa_used")
	// previously registered optional fields survive records missing them
	assert.Contains(t, s2.Fields, "ip_address")
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	seed := []byte(`event_types:
  - name: add_to_cart
    fields:
      - {name: product_id, type: string}
      - {name: quantity, type: long}
      - {name: price, type: double}
  - name: login
    fields: []
`)
	path := filepath.Join(dir, "schemas.yml")
	require.NoError(t, os.WriteFile(path, seed, 0o644))

	r := NewRegistry(ModeStrict)
	require.NoError(t, r.LoadSeedFile(path))

	s, ok := r.Schema("add_to_cart")
	require.True(t, ok)
	assert.Equal(t, TypeLong, s.Fields["quantity"].Type)
	_, ok = r.Schema("login")
	assert.True(t, ok)
}
