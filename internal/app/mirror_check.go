package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/config"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/publish"
)

const (
	mirrorInSync  = "in_sync"
	mirrorStale   = "stale"
	mirrorMissing = "missing"
	mirrorError   = "error"
)

type mirrorReader interface {
	Get(ctx context.Context, id string) (publish.Document, error)
}

// mirrorCheck compares the mirrored copy of an article with the stored revision.
type mirrorCheck struct {
	Status           string     `json:"status"`
	StoredRevision   int        `json:"stored_revision"`
	MirroredRevision int        `json:"mirrored_revision,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	Error            string     `json:"error,omitempty"`
}

func checkMirror(ctx context.Context, reader mirrorReader, item article.Article) mirrorCheck {
	check := mirrorCheck{StoredRevision: item.RevisionCount}

	doc, err := reader.Get(ctx, item.ID)
	switch {
	case article.IsNotFound(err):
		check.Status = mirrorMissing
		return check
	case err != nil:
		check.Status = mirrorError
		check.Error = err.Error()
		return check
	}

	check.MirroredRevision = doc.RevisionCount
	if !doc.PublishedAt.IsZero() {
		publishedAt := doc.PublishedAt.UTC()
		check.PublishedAt = &publishedAt
	}
	check.Status = mirrorInSync
	if doc.RevisionCount < item.RevisionCount || len(doc.Updates) != len(item.Updates) {
		check.Status = mirrorStale
	}
	return check
}

// loadMirrorCheck connects to the configured mirror. It returns nil when no mirror is configured.
func loadMirrorCheck(ctx context.Context, item article.Article) (*mirrorCheck, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.MongoURI) == "" {
		fmt.Fprintln(os.Stderr, "Warning: MONGO_URI is not set; skipping mirror check")
		return nil, nil
	}

	mirror, err := publish.NewMongoMirror(ctx, publish.MongoOptions{
		URI:        cfg.MongoURI,
		Database:   cfg.MongoDatabase,
		Collection: cfg.MongoCollection,
	})
	if err != nil {
		return nil, err
	}
	defer mirror.Close(context.Background())

	check := checkMirror(ctx, mirror, item)
	return &check, nil
}
