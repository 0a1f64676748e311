package payloadschema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const validBib = `{
	"payload_version":"v1",
	"title":"The Hobbit, or There and Back Again",
	"derived_type":"BOOKS",
	"metadata_score":12,
	"source_system_id":"6f1c3c1e-4b7c-4f55-9d3a-3c8f0e1a2b10",
	"source_record_id":"b1234567",
	"identifiers":[
		{"namespace":"ISBN","value":"978-0-261-10221-7"},
		{"namespace":"OCLC","value":"12345","confidence":null},
		{"namespace":"LOCAL","value":"x","confidence":2}
	]
}`

func TestValidateBibPayload_Valid(t *testing.T) {
	t.Parallel()

	bib, err := ValidateBibPayload(json.RawMessage(validBib))
	if err != nil {
		t.Fatalf("expected payload to be valid, got error: %v", err)
	}

	if bib.DerivedType != "BOOKS" {
		t.Fatalf("expected derived_type=BOOKS, got %q", bib.DerivedType)
	}
	if len(bib.Identifiers) != 3 {
		t.Fatalf("expected 3 identifiers, got %d", len(bib.Identifiers))
	}
	if bib.Identifiers[1].Confidence != nil {
		t.Fatalf("expected null confidence to decode as nil")
	}
	if bib.Identifiers[2].Confidence == nil || *bib.Identifiers[2].Confidence != 2 {
		t.Fatalf("expected confidence 2, got %v", bib.Identifiers[2].Confidence)
	}
	if bib.MetadataScore != 12 {
		t.Fatalf("expected metadata_score=12, got %d", bib.MetadataScore)
	}
	if bib.ProcessingVersion != nil {
		t.Fatalf("expected processing_version to be unset")
	}
	if got := bib.NormalizedBlockingTitle(); got != "the hobbit or there and back again" {
		t.Fatalf("unexpected blocking title %q", got)
	}
}

func TestBibPayload_BibIDIsStablePerSourceRecord(t *testing.T) {
	t.Parallel()

	first, err := ValidateBibPayload(json.RawMessage(validBib))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	second, err := ValidateBibPayload(json.RawMessage(validBib))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if first.BibID() != second.BibID() {
		t.Fatalf("derived bib ids differ: %s vs %s", first.BibID(), second.BibID())
	}

	explicit := uuid.New()
	withID := strings.Replace(validBib, `"payload_version":"v1",`, `"payload_version":"v1","id":"`+explicit.String()+`",`, 1)
	bib, err := ValidateBibPayload(json.RawMessage(withID))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if bib.BibID() != explicit {
		t.Fatalf("expected explicit id %s, got %s", explicit, bib.BibID())
	}
}

func TestValidateBibPayload_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing source record": strings.Replace(validBib, `"source_record_id":"b1234567",`, ``, 1),
		"whitespace title":      strings.Replace(validBib, `"The Hobbit, or There and Back Again"`, `"   "`, 1),
		"bad source system":     strings.Replace(validBib, `6f1c3c1e-4b7c-4f55-9d3a-3c8f0e1a2b10`, `not-a-uuid`, 1),
		"nil source system":     strings.Replace(validBib, `6f1c3c1e-4b7c-4f55-9d3a-3c8f0e1a2b10`, `00000000-0000-0000-0000-000000000000`, 1),
		"wrong version":         strings.Replace(validBib, `"v1"`, `"v2"`, 1),
		"unknown field":         strings.Replace(validBib, `"metadata_score":12,`, `"metadata_score":12,"colour":"red",`, 1),
		"negative score":        strings.Replace(validBib, `"metadata_score":12`, `"metadata_score":-1`, 1),
		"identifier shape":      strings.Replace(validBib, `{"namespace":"ISBN","value":"978-0-261-10221-7"}`, `{"namespace":"ISBN"}`, 1),
		"trailing content":      validBib + `{}`,
		"empty":                 ``,
	}

	for name, payload := range cases {
		if _, err := ValidateBibPayload(json.RawMessage(payload)); err == nil {
			t.Fatalf("%s: expected validation to fail", name)
		}
	}
}

func TestValidateBibPayload_WhitespaceTitleMessage(t *testing.T) {
	t.Parallel()

	payload := strings.Replace(validBib, `"The Hobbit, or There and Back Again"`, `"   "`, 1)
	_, err := ValidateBibPayload(json.RawMessage(payload))
	if err == nil || !strings.Contains(err.Error(), "title must not be empty") {
		t.Fatalf("expected title semantic error, got: %v", err)
	}
}

func TestBlockingTitle(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  Dune: Messiah!  ":     "dune messiah",
		"L'Étranger":             "l étranger",
		"War   and\tPeace (1869)": "war and peace 1869",
		"":                       "",
	}
	for in, want := range cases {
		if got := BlockingTitle(in); got != want {
			t.Fatalf("BlockingTitle(%q) = %q, want %q", in, got, want)
		}
	}
}
