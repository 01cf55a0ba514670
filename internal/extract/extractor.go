package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	payloadschema "github.com/jaybodecode/netsecops.dev-sub001/schema"
)

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// Upstream categories that are renamed or discarded before indexing.
var entityTypeAliases = map[string]article.EntityType{
	"vendor": article.EntityCompany,
}

type Options struct {
	DetectLanguage bool
}

// Extractor turns structured payloads into normalized articles. It never fails.
type Extractor struct {
	logger zerolog.Logger
	opts   Options
}

func New(logger zerolog.Logger, opts Options) *Extractor {
	return &Extractor{
		logger: logger,
		opts:   opts,
	}
}

// Extract validates the payload and falls back to lenient decoding when it does not conform.
func (e *Extractor) Extract(raw json.RawMessage) article.Article {
	item, err := payloadschema.ValidateStructuredArticle(raw)
	if err != nil {
		e.logger.Warn().
			Err(err).
			Msg("structured article failed schema validation; falling back to lenient extraction")
		item = decodeLenient(raw)
	}
	return e.FromStructured(item)
}

// FromStructured normalizes an already-decoded payload.
func (e *Extractor) FromStructured(item *payloadschema.StructuredArticle) article.Article {
	if item == nil {
		return article.Article{}
	}

	out := article.Article{
		ID:       strings.TrimSpace(item.ID),
		Summary:  plainText(item.Summary),
		CVEs:     normalizeCVEs(item.CVEs),
		Entities: normalizeEntities(item.Entities),
		Sources:  normalizeSources(item.Sources),
		Updates:  []article.UpdateRecord{},
	}
	if item.Title != nil {
		out.Title = plainText(*item.Title)
	}
	if item.FullText != nil {
		out.FullText = plainText(*item.FullText)
	}
	if date, err := payloadschema.ParsePublicationDate(item.PublicationDate); err == nil {
		out.PublicationDate = date
	}
	if e != nil && e.opts.DetectLanguage {
		out.Language = DetectISO6391(out.Text())
	}
	return out
}

// NormalizeEntityType maps an upstream entity type to a retained category.
func NormalizeEntityType(raw string) (article.EntityType, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := entityTypeAliases[key]; ok {
		return alias, true
	}
	t := article.EntityType(key)
	return t, t.Valid()
}

// NormalizeCVEID upper-cases an identifier and reports whether it is well formed.
func NormalizeCVEID(raw string) (string, bool) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	return id, cvePattern.MatchString(id)
}

func normalizeCVEs(items []payloadschema.StructuredCVE) []article.CVE {
	out := make([]article.CVE, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id, ok := NormalizeCVEID(item.CVEID)
		if !ok {
			continue
		}
		if _, exists := seen[id]; exists {
			continue
		}
		seen[id] = struct{}{}

		cve := article.CVE{ID: id, CVSSScore: item.CVSSScore}
		if item.Severity != nil {
			cve.Severity = strings.ToLower(strings.TrimSpace(*item.Severity))
		}
		if item.IsKnownExploited != nil {
			cve.IsKnownExploited = *item.IsKnownExploited
		}
		out = append(out, cve)
	}
	return out
}

func normalizeEntities(items []payloadschema.StructuredEntity) []article.Entity {
	out := make([]article.Entity, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		entityType, ok := NormalizeEntityType(item.Type)
		if !ok {
			continue
		}
		name := strings.Join(strings.Fields(item.Name), " ")
		key := article.NameKey(name)
		if key == "" {
			continue
		}
		setKey := string(entityType) + "\x00" + key
		if _, exists := seen[setKey]; exists {
			continue
		}
		seen[setKey] = struct{}{}
		out = append(out, article.Entity{Name: name, Type: entityType})
	}
	return out
}

func normalizeSources(items []payloadschema.StructuredSource) []article.Source {
	out := make([]article.Source, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		if _, exists := seen[u]; exists {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, article.Source{URL: u, Title: strings.TrimSpace(item.Title)})
	}
	return out
}

// plainText strips markup when present and collapses whitespace.
func plainText(input string) string {
	text := input
	if strings.ContainsAny(text, "<>") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
			doc.Find("script, style, noscript").Remove()
			doc.Find("br, p, div, li, tr, h1, h2, h3, h4, h5, h6, blockquote, pre").AppendHtml(" ")
			text = doc.Text()
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

func decodeLenient(raw json.RawMessage) *payloadschema.StructuredArticle {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &payloadschema.StructuredArticle{}
	}

	item := &payloadschema.StructuredArticle{
		ID:              stringField(fields, "id"),
		PublicationDate: stringField(fields, "publication_date"),
		Summary:         stringField(fields, "summary"),
	}
	if title := stringField(fields, "title"); title != "" {
		item.Title = &title
	}
	if body := stringField(fields, "full_text"); body != "" {
		item.FullText = &body
	}
	if item.PublicationDate == "" {
		if ts, ok := fields["publication_date"].(float64); ok {
			item.PublicationDate = time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
		}
	}

	for _, entry := range objectList(fields, "cves") {
		cve := payloadschema.StructuredCVE{CVEID: stringField(entry, "cve_id")}
		if score, ok := entry["cvss_score"].(float64); ok {
			cve.CVSSScore = &score
		}
		if severity := stringField(entry, "severity"); severity != "" {
			cve.Severity = &severity
		}
		if kev, ok := entry["is_known_exploited"].(bool); ok {
			cve.IsKnownExploited = &kev
		}
		item.CVEs = append(item.CVEs, cve)
	}
	for _, entry := range objectList(fields, "entities") {
		item.Entities = append(item.Entities, payloadschema.StructuredEntity{
			Name: stringField(entry, "name"),
			Type: stringField(entry, "type"),
		})
	}
	for _, entry := range objectList(fields, "sources") {
		item.Sources = append(item.Sources, payloadschema.StructuredSource{
			URL:   stringField(entry, "url"),
			Title: stringField(entry, "title"),
		})
	}
	return item
}

func stringField(fields map[string]any, key string) string {
	value, ok := fields[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func objectList(fields map[string]any, key string) []map[string]any {
	list, ok := fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if obj, ok := entry.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}
