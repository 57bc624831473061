package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec()
	require.NoError(t, err)
	return c
}

func TestCanonical_SortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := Canonical([]byte(`{ "b": 2,
		"a": {"z": true, "y": [3, 1.50]} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[3,1.50],"z":true},"b":2}`, string(got))
}

func TestCanonical_Errors(t *testing.T) {
	for _, in := range []string{"", "   ", "{", `{"a":1} {"b":2}`, "not json"} {
		_, err := Canonical([]byte(in))
		require.Error(t, err, "input %q", in)
		assert.True(t, apperrors.Is(err, apperrors.ErrSerialization), "input %q", in)
	}
}

func TestChecksum_IgnoresFormatting(t *testing.T) {
	c := newCodec(t)

	a, err := c.Normalize(models.EntityMedication, []byte(`{"name":"Metformin","dosage":"10mg"}`))
	require.NoError(t, err)
	b, err := c.Normalize(models.EntityMedication, []byte(`{ "dosage" : "10mg", "name" : "Metformin" }`))
	require.NoError(t, err)

	assert.Equal(t, a.Checksum(), b.Checksum())
	assert.Len(t, a.Checksum(), 64)

	changed, err := c.Normalize(models.EntityMedication, []byte(`{"name":"Metformin","dosage":"12mg"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Checksum(), changed.Checksum())
}

func TestCodec_ValidatesKnownTypes(t *testing.T) {
	c := newCodec(t)

	tests := []struct {
		name       string
		entityType models.EntityType
		body       string
		wantErr    bool
	}{
		{"medication ok", models.EntityMedication, `{"name":"Aspirin","dosage":"81mg","route":"oral"}`, false},
		{"medication missing dosage", models.EntityMedication, `{"name":"Aspirin"}`, true},
		{"medication not object", models.EntityMedication, `["Aspirin"]`, true},
		{"warning bad severity", models.EntityInteractionWarning, `{"severity":"mild"}`, true},
		{"warning ok", models.EntityInteractionWarning, `{"severity":"high","interacting_medication_id":"med-2"}`, false},
		{"adherence ok", models.EntityAdherenceRecord, `{"medication_id":"med-1","scheduled_at":"2026-01-01T08:00:00Z","status":"taken"}`, false},
		{"appointment missing time", models.EntityAppointment, `{"title":"GP"}`, true},
		{"settings ok", models.EntityUserSettings, `{"locale":"en-GB"}`, false},
		{"opaque array", models.EntityType("lab_result"), `[1,2,3]`, false},
		{"opaque scalar", models.EntityType("lab_result"), `"hello"`, false},
		{"opaque malformed", models.EntityType("lab_result"), `{"x":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.entityType, []byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrSerialization))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPayload_FieldsAreLazyAndTyped(t *testing.T) {
	p := New(models.EntityMedication, []byte(`{"dosage":"10mg","count":3}`))
	assert.False(t, p.Opaque())

	fields, ok := p.Fields()
	require.True(t, ok)
	assert.Equal(t, "10mg", fields["dosage"])
	assert.Equal(t, "3", fields["count"].(interface{ String() string }).String())

	arr := New("lab_result", []byte(`[1]`))
	assert.True(t, arr.Opaque())
	_, ok = arr.Fields()
	assert.False(t, ok)

	tomb := New(models.EntityMedication, nil)
	_, ok = tomb.Fields()
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte(`{"a":1,"b":2}`), []byte(`{"b":2, "a":1}`)))
	assert.False(t, Equal([]byte(`{"a":1}`), []byte(`{"a":2}`)))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, []byte(`{}`)))
}
