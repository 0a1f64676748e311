// Package payloadschema validates bib payloads handed to the clustering
// engine by the ingest pipeline.
package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed bib.schema.json
var bibSchemaJSON string

type Identifier struct {
	Namespace  string `json:"namespace"`
	Value      string `json:"value"`
	Confidence *int   `json:"confidence,omitempty"`
}

type BibPayload struct {
	PayloadVersion    string       `json:"payload_version"`
	ID                *string      `json:"id,omitempty"`
	Title             string       `json:"title"`
	BlockingTitle     *string      `json:"blocking_title,omitempty"`
	DerivedType       string       `json:"derived_type"`
	ProcessingVersion *int         `json:"processing_version,omitempty"`
	MetadataScore     int          `json:"metadata_score"`
	SourceSystemID    string       `json:"source_system_id"`
	SourceRecordID    string       `json:"source_record_id"`
	Identifiers       []Identifier `json:"identifiers"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidateBibPayload(payload json.RawMessage) (*BibPayload, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var bib BibPayload
	if err := json.Unmarshal(normalized, &bib); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&bib); err != nil {
		return nil, err
	}

	return &bib, nil
}

// BibID returns the payload id, or an id derived from the source system and
// record so that re-ingesting the same record updates the same bib.
func (p *BibPayload) BibID() uuid.UUID {
	if p.ID != nil {
		if id, err := uuid.Parse(strings.TrimSpace(*p.ID)); err == nil {
			return id
		}
	}
	return uuid.NewSHA1(p.SourceSystem(), []byte(strings.TrimSpace(p.SourceRecordID)))
}

// SourceSystem returns the parsed source system id. Validation guarantees it
// is well formed.
func (p *BibPayload) SourceSystem() uuid.UUID {
	id, _ := uuid.Parse(strings.TrimSpace(p.SourceSystemID))
	return id
}

// NormalizedBlockingTitle returns blocking_title when given, otherwise a
// folded form of the title: lower case, punctuation dropped, runs of
// whitespace collapsed.
func (p *BibPayload) NormalizedBlockingTitle() string {
	if p.BlockingTitle != nil && strings.TrimSpace(*p.BlockingTitle) != "" {
		return strings.TrimSpace(*p.BlockingTitle)
	}
	return BlockingTitle(p.Title)
}

func BlockingTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			space = true
		}
	}
	return b.String()
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("bib.schema.json", strings.NewReader(bibSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("bib.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

// validateSemantics covers what the schema cannot express. Blank identifier
// namespaces or values are allowed: match point generation skips them.
func validateSemantics(bib *BibPayload) error {
	if bib == nil {
		return fmt.Errorf("payload is nil")
	}

	if strings.TrimSpace(bib.Title) == "" {
		return fmt.Errorf("title must not be empty")
	}
	if strings.TrimSpace(bib.DerivedType) == "" {
		return fmt.Errorf("derived_type must not be empty")
	}
	if strings.TrimSpace(bib.SourceRecordID) == "" {
		return fmt.Errorf("source_record_id must not be empty")
	}
	if _, err := uuid.Parse(strings.TrimSpace(bib.SourceSystemID)); err != nil {
		return fmt.Errorf("source_system_id must be a uuid: %w", err)
	}
	if bib.ID != nil {
		if _, err := uuid.Parse(strings.TrimSpace(*bib.ID)); err != nil {
			return fmt.Errorf("id must be a uuid: %w", err)
		}
	}
	if bib.SourceSystem() == uuid.Nil {
		return fmt.Errorf("source_system_id must not be the nil uuid")
	}

	return nil
}
