package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/globaltime"
)

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

// MongoOptions selects the mirror collection.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
}

// MongoMirror keeps one document per article id, replaced whole on every publish.
type MongoMirror struct {
	client   *mongo.Client
	articles *mongo.Collection
}

func NewMongoMirror(ctx context.Context, opts MongoOptions) (*MongoMirror, error) {
	if strings.TrimSpace(opts.URI) == "" {
		return nil, fmt.Errorf("mongo uri is empty")
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	m := &MongoMirror{
		client:   client,
		articles: client.Database(opts.Database).Collection(opts.Collection),
	}
	if err := m.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *MongoMirror) createIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "publication_date", Value: -1}}},
		{Keys: bson.D{{Key: "cves.cve_id", Value: 1}}},
	}
	if _, err := m.articles.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create mongo indexes: %w", err)
	}
	return nil
}

// Publish upserts the article document keyed by article id.
func (m *MongoMirror) Publish(ctx context.Context, a article.Article) error {
	if m == nil || m.articles == nil {
		return fmt.Errorf("mongo mirror is not initialized")
	}
	if a.ID == "" {
		return &article.ValidationError{Field: "id", Reason: "must not be empty"}
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	doc := NewDocument(a, globaltime.UTC())
	_, err := m.articles.ReplaceOne(writeCtx, bson.M{"_id": a.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace mirror document article_id=%s: %w", a.ID, err)
	}
	return nil
}

// Get reads back one mirrored document.
func (m *MongoMirror) Get(ctx context.Context, id string) (Document, error) {
	if m == nil || m.articles == nil {
		return Document{}, fmt.Errorf("mongo mirror is not initialized")
	}
	var doc Document
	err := m.articles.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, &article.NotFoundError{ID: id}
	}
	if err != nil {
		return Document{}, fmt.Errorf("find mirror document article_id=%s: %w", id, err)
	}
	return doc, nil
}

func (m *MongoMirror) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return m.client.Disconnect(closeCtx)
}
