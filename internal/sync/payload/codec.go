package payload

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://medisync.local/schemas/"

// Codec validates and canonicalizes payloads. It is safe for concurrent use
// once constructed.
type Codec struct {
	schemas map[models.EntityType]*jsonschema.Schema
}

// NewCodec compiles the embedded schema of every known entity type.
func NewCodec() (*Codec, error) {
	c := jsonschema.NewCompiler()
	for _, et := range models.KnownEntityTypes {
		name := string(et) + ".json"
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, apperrors.InvalidConfig(fmt.Sprintf("missing schema for %s", et), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, apperrors.InvalidConfig(fmt.Sprintf("malformed schema for %s", et), err)
		}
		if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, apperrors.InvalidConfig(fmt.Sprintf("register schema for %s", et), err)
		}
	}

	schemas := make(map[models.EntityType]*jsonschema.Schema, len(models.KnownEntityTypes))
	for _, et := range models.KnownEntityTypes {
		sch, err := c.Compile(schemaBaseURL + string(et) + ".json")
		if err != nil {
			return nil, apperrors.InvalidConfig(fmt.Sprintf("compile schema for %s", et), err)
		}
		schemas[et] = sch
	}
	return &Codec{schemas: schemas}, nil
}

// Normalize validates raw for entityType and returns its canonical form.
// Failures are SERIALIZATION_ERROR.
func (c *Codec) Normalize(entityType models.EntityType, raw []byte) (*Payload, error) {
	canonical, err := Canonical(raw)
	if err != nil {
		return nil, err
	}

	if sch, ok := c.schemas[entityType]; ok {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(canonical))
		if err != nil {
			return nil, apperrors.Serialization("payload is not valid JSON", err)
		}
		if err := sch.Validate(inst); err != nil {
			return nil, apperrors.Serialization(fmt.Sprintf("invalid %s payload", entityType), err)
		}
	}

	return New(entityType, canonical), nil
}

// Validate checks a body without keeping the canonical form.
func (c *Codec) Validate(entityType models.EntityType, raw []byte) error {
	_, err := c.Normalize(entityType, raw)
	return err
}
