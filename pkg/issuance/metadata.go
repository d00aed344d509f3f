package issuance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/canonical"
)

// MetadataSchemaVersion is written into every credential document.
const MetadataSchemaVersion = "1.0.0"

// MetadataFormat tags credential documents and anchor memos.
const MetadataFormat = "ACAD@1.0"

const metadataSchemaURL = "https://academicchain.schemas.local/credential/1.0.0.schema.json"

const metadataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "format", "name", "content_hash", "asset_id", "issuer", "subject", "issued_at"],
  "properties": {
    "schema_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "format": {"const": "ACAD@1.0"},
    "name": {"type": "string", "minLength": 1},
    "content_hash": {"type": "string", "minLength": 1},
    "asset_id": {"type": "string", "minLength": 1},
    "request_id": {"type": "string"},
    "issuer": {
      "type": "object",
      "required": ["id", "name"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "did": {"type": "string"}
      }
    },
    "subject": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "account": {"type": "string"}
      }
    },
    "attributes": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "issued_at": {"type": "string", "format": "date-time"}
  }
}`

// Metadata is the off-chain credential document referenced by the NFT.
type Metadata struct {
	SchemaVersion string            `json:"schema_version"`
	Format        string            `json:"format"`
	Name          string            `json:"name"`
	ContentHash   string            `json:"content_hash"`
	AssetID       string            `json:"asset_id"`
	RequestID     string            `json:"request_id,omitempty"`
	Issuer        MetadataIssuer    `json:"issuer"`
	Subject       MetadataSubject   `json:"subject"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	IssuedAt      string            `json:"issued_at"`
}

type MetadataIssuer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	DID  string `json:"did,omitempty"`
}

type MetadataSubject struct {
	Name    string `json:"name"`
	Account string `json:"account,omitempty"`
}

// MetadataCodec builds and validates credential documents.
type MetadataCodec struct {
	schema *jsonschema.Schema
}

func NewMetadataCodec() (*MetadataCodec, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(metadataSchemaURL, strings.NewReader(metadataSchema)); err != nil {
		return nil, fmt.Errorf("metadata schema load failed: %w", err)
	}
	compiled, err := c.Compile(metadataSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("metadata schema compile failed: %w", err)
	}
	return &MetadataCodec{schema: compiled}, nil
}

// Build normalizes the intent's request into a metadata document.
func (m *MetadataCodec) Build(in *Intent, issuedAt time.Time) Metadata {
	req := in.Request
	name := canonical.Text(req.Title)
	if name == "" {
		name = "Academic Credential"
	}
	return Metadata{
		SchemaVersion: MetadataSchemaVersion,
		Format:        MetadataFormat,
		Name:          name,
		ContentHash:   strings.TrimSpace(req.ContentHash),
		AssetID:       req.AssetID,
		RequestID:     req.RequestID,
		Issuer: MetadataIssuer{
			ID:   req.InstitutionID,
			Name: canonical.Text(in.IssuerName),
			DID:  in.IssuerDID,
		},
		Subject: MetadataSubject{
			Name:    canonical.Text(req.SubjectName),
			Account: req.SubjectAccount,
		},
		Attributes: canonical.Attributes(req.Attributes),
		IssuedAt:   issuedAt.UTC().Format(time.RFC3339),
	}
}

// Encode validates doc against the credential schema and returns its
// canonical bytes.
func (m *MetadataCodec) Encode(doc Metadata) ([]byte, error) {
	data, err := canonical.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize metadata: %w", err)
	}
	if err := m.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Validate checks raw document bytes against the credential schema.
func (m *MetadataCodec) Validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if err := m.schema.Validate(v); err != nil {
		return fmt.Errorf("metadata schema validation failed: %w", err)
	}
	return nil
}

// DecodeMetadata parses a stored credential document.
func DecodeMetadata(data []byte) (Metadata, error) {
	var doc Metadata
	if err := json.Unmarshal(data, &doc); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return doc, nil
}
