package publish

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

func TestNewDocument_KeepsUpdateHistoryInOrder(t *testing.T) {
	t.Parallel()

	score := 9.8
	published := time.Date(2025, 10, 12, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	a := article.Article{
		ID:              "orig-1",
		PublicationDate: time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC),
		Summary:         "Cl0p exploits Oracle EBS.",
		CVEs:            []article.CVE{{ID: "CVE-2025-61882", CVSSScore: &score, IsKnownExploited: true}},
		Entities:        []article.Entity{{Name: "Cl0p", Type: article.EntityThreatActor}},
		Updates: []article.UpdateRecord{
			{Summary: "first", SeverityChange: article.SeverityIncreased, Sources: []article.Source{{URL: "https://a.example.com"}}},
			{Summary: "second", SeverityChange: article.SeverityUnchanged},
		},
		RevisionCount: 2,
	}

	doc := NewDocument(a, published)
	if doc.ID != "orig-1" || doc.PublicationDate != "2025-10-02" {
		t.Fatalf("unexpected identity fields: %#v", doc)
	}
	if !doc.PublishedAt.Equal(published) || doc.PublishedAt.Location() != time.UTC {
		t.Fatalf("published_at not normalized to UTC: %v", doc.PublishedAt)
	}
	if len(doc.Updates) != 2 || doc.Updates[0].Summary != "first" || doc.Updates[1].Summary != "second" {
		t.Fatalf("unexpected updates: %#v", doc.Updates)
	}
	if doc.Updates[1].Sources == nil || doc.Sources == nil {
		t.Fatalf("source arrays must not be nil")
	}
	if doc.CVEs[0].CVEID != "CVE-2025-61882" || doc.Entities[0].Type != "threat_actor" {
		t.Fatalf("unexpected sets: %#v %#v", doc.CVEs, doc.Entities)
	}
}

func TestDocument_BSONUsesArticleIDAsKey(t *testing.T) {
	t.Parallel()

	raw, err := bson.Marshal(NewDocument(article.Article{ID: "a1"}, time.Now()))
	if err != nil {
		t.Fatalf("bson.Marshal() error = %v", err)
	}
	var fields bson.M
	if err := bson.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("bson.Unmarshal() error = %v", err)
	}
	if fields["_id"] != "a1" {
		t.Fatalf("_id = %#v, want a1", fields["_id"])
	}
	if _, ok := fields["updates"]; !ok {
		t.Fatalf("updates array missing from document")
	}
}

func TestNewMongoMirror_RejectsEmptyURI(t *testing.T) {
	t.Parallel()

	if _, err := NewMongoMirror(context.Background(), MongoOptions{}); err == nil {
		t.Fatalf("expected error for empty uri")
	}
}

func TestPublish_NilMirror(t *testing.T) {
	t.Parallel()

	var m *MongoMirror
	if err := m.Publish(context.Background(), article.Article{ID: "a1"}); err == nil {
		t.Fatalf("expected error for nil mirror")
	}
}
