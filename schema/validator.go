package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

//go:embed structured_article.schema.json
var structuredArticleSchemaJSON string

//go:embed arbitration_response.schema.json
var arbitrationResponseSchemaJSON string

// StructuredArticle is the payload emitted by the structuring service.
type StructuredArticle struct {
	ID              string             `json:"id"`
	PublicationDate string             `json:"publication_date"`
	Title           *string            `json:"title,omitempty"`
	Summary         string             `json:"summary"`
	FullText        *string            `json:"full_text,omitempty"`
	CVEs            []StructuredCVE    `json:"cves,omitempty"`
	Entities        []StructuredEntity `json:"entities,omitempty"`
	Sources         []StructuredSource `json:"sources,omitempty"`
}

type StructuredCVE struct {
	CVEID            string   `json:"cve_id"`
	CVSSScore        *float64 `json:"cvss_score,omitempty"`
	Severity         *string  `json:"severity,omitempty"`
	IsKnownExploited *bool    `json:"is_known_exploited,omitempty"`
}

type StructuredEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type StructuredSource struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ArbitrationResponse is the strict reply contract of the arbitration service.
type ArbitrationResponse struct {
	Decision  string             `json:"decision"`
	Reasoning string             `json:"reasoning"`
	Update    *ArbitrationUpdate `json:"update,omitempty"`
}

type ArbitrationUpdate struct {
	Summary        string             `json:"summary"`
	Detail         string             `json:"detail"`
	Sources        []StructuredSource `json:"sources"`
	SeverityChange string             `json:"severity_change"`
}

type compiledSchema struct {
	name   string
	source string
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

var (
	structuredArticleSchema = &compiledSchema{
		name:   "structured_article.schema.json",
		source: structuredArticleSchemaJSON,
	}
	arbitrationResponseSchema = &compiledSchema{
		name:   "arbitration_response.schema.json",
		source: arbitrationResponseSchemaJSON,
	}
)

var publicationDateLayouts = []string{"2006-01-02", time.RFC3339}

// ValidateStructuredArticle decodes and validates one structured article payload.
func ValidateStructuredArticle(payload json.RawMessage) (*StructuredArticle, error) {
	var item StructuredArticle
	if err := validateInto(structuredArticleSchema, payload, &item); err != nil {
		return nil, err
	}
	if err := validateArticleSemantics(&item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ValidateArbitrationResponse decodes an arbitration reply without coercing any field.
func ValidateArbitrationResponse(payload json.RawMessage) (*ArbitrationResponse, error) {
	var resp ArbitrationResponse
	if err := validateInto(arbitrationResponseSchema, payload, &resp); err != nil {
		return nil, err
	}
	if err := validateArbitrationSemantics(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ParsePublicationDate accepts a calendar date or an RFC3339 timestamp and returns the UTC day.
func ParsePublicationDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range publicationDateLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return article.Date(ts), nil
		}
	}
	return time.Time{}, fmt.Errorf("publication_date %q is neither YYYY-MM-DD nor RFC3339", raw)
}

func validateInto(cs *compiledSchema, payload json.RawMessage, out any) error {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return &article.ValidationError{Reason: fmt.Sprintf("decode payload JSON: %v", err)}
	}

	schema, err := cs.load()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return &article.ValidationError{Reason: fmt.Sprintf("schema validation failed: %v", err)}
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("normalize payload JSON: %w", err)
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return &article.ValidationError{Reason: fmt.Sprintf("unmarshal payload: %v", err)}
	}
	return nil
}

func (c *compiledSchema) load() (*jsonschema.Schema, error) {
	c.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource(c.name, strings.NewReader(c.source)); err != nil {
			c.err = fmt.Errorf("add schema resource %s: %w", c.name, err)
			return
		}

		schema, err := compiler.Compile(c.name)
		if err != nil {
			c.err = fmt.Errorf("compile schema %s: %w", c.name, err)
			return
		}
		c.schema = schema
	})

	if c.err != nil {
		return nil, c.err
	}
	if c.schema == nil {
		return nil, fmt.Errorf("schema %s not initialized", c.name)
	}
	return c.schema, nil
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

func validateArticleSemantics(item *StructuredArticle) error {
	if item == nil {
		return &article.ValidationError{Reason: "payload is nil"}
	}
	if strings.TrimSpace(item.ID) == "" {
		return &article.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if _, err := ParsePublicationDate(item.PublicationDate); err != nil {
		return &article.ValidationError{Field: "publication_date", Reason: err.Error()}
	}
	for i, entity := range item.Entities {
		if strings.TrimSpace(entity.Name) == "" {
			return &article.ValidationError{Field: fmt.Sprintf("entities[%d].name", i), Reason: "must not be empty"}
		}
	}
	for i, source := range item.Sources {
		if err := validateURI(fmt.Sprintf("sources[%d].url", i), source.URL); err != nil {
			return err
		}
	}
	return nil
}

func validateArbitrationSemantics(resp *ArbitrationResponse) error {
	if resp == nil {
		return &article.ValidationError{Reason: "response is nil"}
	}
	switch resp.Decision {
	case "UPDATE":
		if resp.Update == nil {
			return &article.ValidationError{Field: "update", Reason: "is required when decision is UPDATE"}
		}
	case "NEW", "SKIP":
		if resp.Update != nil {
			return &article.ValidationError{Field: "update", Reason: fmt.Sprintf("must be absent when decision is %s", resp.Decision)}
		}
	default:
		return &article.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", resp.Decision)}
	}
	return nil
}

func validateURI(fieldName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return &article.ValidationError{Field: fieldName, Reason: "must not be empty"}
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return &article.ValidationError{Field: fieldName, Reason: "is not a valid URI"}
	}
	return nil
}
