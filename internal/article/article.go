package article

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// EntityType is one of the entity categories kept after extraction.
type EntityType string

const (
	EntityThreatActor      EntityType = "threat_actor"
	EntityMalware          EntityType = "malware"
	EntityProduct          EntityType = "product"
	EntityCompany          EntityType = "company"
	EntityGovernmentAgency EntityType = "government_agency"
)

// EntityTypes lists the retained categories in a stable order.
var EntityTypes = []EntityType{
	EntityThreatActor,
	EntityMalware,
	EntityProduct,
	EntityCompany,
	EntityGovernmentAgency,
}

func (t EntityType) Valid() bool {
	switch t {
	case EntityThreatActor, EntityMalware, EntityProduct, EntityCompany, EntityGovernmentAgency:
		return true
	default:
		return false
	}
}

// SeverityChange describes how an update moved the severity of an incident.
type SeverityChange string

const (
	SeverityIncreased SeverityChange = "increased"
	SeverityDecreased SeverityChange = "decreased"
	SeverityUnchanged SeverityChange = "unchanged"
)

func (s SeverityChange) Valid() bool {
	switch s {
	case SeverityIncreased, SeverityDecreased, SeverityUnchanged:
		return true
	default:
		return false
	}
}

type CVE struct {
	ID               string   `json:"cve_id"`
	CVSSScore        *float64 `json:"cvss_score,omitempty"`
	Severity         string   `json:"severity,omitempty"`
	IsKnownExploited bool     `json:"is_known_exploited"`
}

type Entity struct {
	Name string     `json:"name"`
	Type EntityType `json:"type"`
}

// Key is the comparison key used for set semantics and the inverted index.
func (e Entity) Key() string {
	return NameKey(e.Name)
}

type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// UpdateRecord is one appended entry in an article's update history.
type UpdateRecord struct {
	Timestamp      time.Time      `json:"timestamp"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail"`
	Sources        []Source       `json:"sources"`
	SeverityChange SeverityChange `json:"severity_change"`
}

// UpdateDraft is an UpdateRecord before the merger assigns its timestamp.
type UpdateDraft struct {
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail"`
	Sources        []Source       `json:"sources"`
	SeverityChange SeverityChange `json:"severity_change"`
}

type Article struct {
	ID              string         `json:"id"`
	PublicationDate time.Time      `json:"publication_date"`
	Title           string         `json:"title,omitempty"`
	Summary         string         `json:"summary"`
	FullText        string         `json:"full_text,omitempty"`
	Language        string         `json:"language,omitempty"`
	CVEs            []CVE          `json:"cves"`
	Entities        []Entity       `json:"entities"`
	Sources         []Source       `json:"sources"`
	Updates         []UpdateRecord `json:"updates"`
	RevisionCount   int            `json:"revision_count"`
}

// Text returns the body used for text similarity, falling back to the summary.
func (a Article) Text() string {
	if strings.TrimSpace(a.FullText) != "" {
		return a.FullText
	}
	return a.Summary
}

// CVEIDs returns the sorted set of CVE identifiers.
func (a Article) CVEIDs() []string {
	ids := make([]string, 0, len(a.CVEs))
	seen := make(map[string]struct{}, len(a.CVEs))
	for _, cve := range a.CVEs {
		if _, ok := seen[cve.ID]; ok || cve.ID == "" {
			continue
		}
		seen[cve.ID] = struct{}{}
		ids = append(ids, cve.ID)
	}
	sort.Strings(ids)
	return ids
}

// EntityKeys returns the name keys of all entities of the given type.
func (a Article) EntityKeys(t EntityType) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, entity := range a.Entities {
		if entity.Type != t {
			continue
		}
		if key := entity.Key(); key != "" {
			keys[key] = struct{}{}
		}
	}
	return keys
}

// Date truncates a timestamp to a UTC calendar day.
func Date(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// NameKey case-folds a name and collapses internal whitespace.
func NameKey(name string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(name), unicode.IsSpace), " ")
}
