package publish

import (
	"time"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

// Document is the published shape of an article: one record per id with its update history inline.
type Document struct {
	ID              string           `bson:"_id" json:"id"`
	PublicationDate string           `bson:"publication_date" json:"publication_date"`
	Title           string           `bson:"title,omitempty" json:"title,omitempty"`
	Summary         string           `bson:"summary" json:"summary"`
	FullText        string           `bson:"full_text,omitempty" json:"full_text,omitempty"`
	Language        string           `bson:"language,omitempty" json:"language,omitempty"`
	CVEs            []CVEDocument    `bson:"cves" json:"cves"`
	Entities        []EntityDocument `bson:"entities" json:"entities"`
	Sources         []SourceDocument `bson:"sources" json:"sources"`
	Updates         []UpdateDocument `bson:"updates" json:"updates"`
	RevisionCount   int              `bson:"revision_count" json:"revision_count"`
	PublishedAt     time.Time        `bson:"published_at" json:"published_at"`
}

type CVEDocument struct {
	CVEID            string   `bson:"cve_id" json:"cve_id"`
	CVSSScore        *float64 `bson:"cvss_score,omitempty" json:"cvss_score,omitempty"`
	Severity         string   `bson:"severity,omitempty" json:"severity,omitempty"`
	IsKnownExploited bool     `bson:"is_known_exploited" json:"is_known_exploited"`
}

type EntityDocument struct {
	Name string `bson:"name" json:"name"`
	Type string `bson:"type" json:"type"`
}

type SourceDocument struct {
	URL   string `bson:"url" json:"url"`
	Title string `bson:"title,omitempty" json:"title,omitempty"`
}

type UpdateDocument struct {
	Timestamp      time.Time        `bson:"timestamp" json:"timestamp"`
	Summary        string           `bson:"summary" json:"summary"`
	Detail         string           `bson:"detail" json:"detail"`
	Sources        []SourceDocument `bson:"sources" json:"sources"`
	SeverityChange string           `bson:"severity_change" json:"severity_change"`
}

// NewDocument converts a stored article. Slices are never nil so readers always see arrays.
func NewDocument(a article.Article, publishedAt time.Time) Document {
	doc := Document{
		ID:              a.ID,
		PublicationDate: article.Date(a.PublicationDate).Format(time.DateOnly),
		Title:           a.Title,
		Summary:         a.Summary,
		FullText:        a.FullText,
		Language:        a.Language,
		CVEs:            make([]CVEDocument, 0, len(a.CVEs)),
		Entities:        make([]EntityDocument, 0, len(a.Entities)),
		Sources:         sourceDocuments(a.Sources),
		Updates:         make([]UpdateDocument, 0, len(a.Updates)),
		RevisionCount:   a.RevisionCount,
		PublishedAt:     publishedAt.UTC(),
	}
	for _, cve := range a.CVEs {
		doc.CVEs = append(doc.CVEs, CVEDocument{
			CVEID:            cve.ID,
			CVSSScore:        cve.CVSSScore,
			Severity:         cve.Severity,
			IsKnownExploited: cve.IsKnownExploited,
		})
	}
	for _, entity := range a.Entities {
		doc.Entities = append(doc.Entities, EntityDocument{Name: entity.Name, Type: string(entity.Type)})
	}
	for _, update := range a.Updates {
		doc.Updates = append(doc.Updates, UpdateDocument{
			Timestamp:      update.Timestamp.UTC(),
			Summary:        update.Summary,
			Detail:         update.Detail,
			Sources:        sourceDocuments(update.Sources),
			SeverityChange: string(update.SeverityChange),
		})
	}
	return doc
}

func sourceDocuments(sources []article.Source) []SourceDocument {
	out := make([]SourceDocument, 0, len(sources))
	for _, src := range sources {
		out = append(out, SourceDocument{URL: src.URL, Title: src.Title})
	}
	return out
}
