// Package payload encodes entity bodies for sync. Known entity types are JSON
// objects validated against an embedded schema; any other type is carried as
// opaque canonical JSON. Checksums are always taken over the canonical form.
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
)

// Payload is one canonicalized entity body.
type Payload struct {
	entityType models.EntityType
	raw        []byte

	once   sync.Once
	fields map[string]interface{}
	isObj  bool
}

// New wraps an already canonical body. Use Codec.Normalize for untrusted input.
func New(entityType models.EntityType, raw []byte) *Payload {
	return &Payload{entityType: entityType, raw: raw}
}

func (p *Payload) Type() models.EntityType { return p.entityType }

// Raw returns the canonical bytes.
func (p *Payload) Raw() []byte { return p.raw }

// Opaque reports whether the body has no registered schema.
func (p *Payload) Opaque() bool { return !p.entityType.IsKnown() }

// Checksum returns the content checksum of the canonical bytes.
func (p *Payload) Checksum() string { return Checksum(p.raw) }

// Fields decodes the body as a JSON object on first use. ok is false when the
// body is not an object (arrays, scalars, tombstones).
func (p *Payload) Fields() (fields map[string]interface{}, ok bool) {
	p.once.Do(func() {
		if len(p.raw) == 0 {
			return
		}
		var m map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(p.raw))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil || m == nil {
			return
		}
		p.fields = m
		p.isObj = true
	})
	return p.fields, p.isObj
}

// Canonical re-encodes raw with sorted object keys, no insignificant
// whitespace and numbers preserved verbatim.
func Canonical(raw []byte) ([]byte, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

// Encode marshals a decoded value in canonical form.
func Encode(v interface{}) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Serialization("failed to encode payload", err)
	}
	return out, nil
}

func decodeValue(raw []byte) (interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperrors.New(apperrors.ErrSerialization, "payload is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, apperrors.Serialization("payload is not valid JSON", err)
	}
	var extra interface{}
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, apperrors.New(apperrors.ErrSerialization, "payload has trailing data")
	}
	return v, nil
}

// Checksum returns the hex SHA-256 of b. A tombstone (nil body) hashes the empty input.
func Checksum(b []byte) string {
	h := sha256.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether two bodies are the same document.
func Equal(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}
