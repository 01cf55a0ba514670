package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/globaltime"
)

// ArticleListOptions controls article listing by publication date.
type ArticleListOptions struct {
	From  time.Time
	To    time.Time
	Limit int
}

// InsertArticle upserts an article by id together with its CVE and entity rows.
// Update history and revision count of an existing row are left untouched.
func (p *Pool) InsertArticle(ctx context.Context, a article.Article) (bool, error) {
	if a.ID == "" {
		return false, &article.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if a.PublicationDate.IsZero() {
		return false, &article.ValidationError{Field: "publication_date", Reason: "must be set"}
	}

	sourcesJSON, err := json.Marshal(nonNilSources(a.Sources))
	if err != nil {
		return false, fmt.Errorf("marshal sources article_id=%s: %w", a.ID, err)
	}

	now := globaltime.UTC()
	row := ArticleRow{
		ID:              a.ID,
		PublicationDate: article.Date(a.PublicationDate),
		Title:           a.Title,
		Summary:         a.Summary,
		FullText:        a.FullText,
		Language:        a.Language,
		SourcesJSON:     string(sourcesJSON),
		UpdatesJSON:     "[]",
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted := false
	err = p.transaction(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&ArticleRow{}).Where("id = ?", a.ID).Count(&existing).Error; err != nil {
			return fmt.Errorf("check article article_id=%s: %w", a.ID, err)
		}
		inserted = existing == 0

		upsert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"publication_date",
				"title",
				"summary",
				"full_text",
				"language",
				"sources_json",
				"updated_at",
			}),
		})
		if err := upsert.Create(&row).Error; err != nil {
			return fmt.Errorf("upsert article article_id=%s: %w", a.ID, err)
		}

		if err := tx.Where("article_id = ?", a.ID).Delete(&ArticleCVE{}).Error; err != nil {
			return fmt.Errorf("clear cves article_id=%s: %w", a.ID, err)
		}
		if err := tx.Where("article_id = ?", a.ID).Delete(&ArticleEntity{}).Error; err != nil {
			return fmt.Errorf("clear entities article_id=%s: %w", a.ID, err)
		}

		if cves := cveRows(a); len(cves) > 0 {
			if err := tx.Create(&cves).Error; err != nil {
				return fmt.Errorf("insert cves article_id=%s: %w", a.ID, err)
			}
		}
		if entities := entityRows(a); len(entities) > 0 {
			if err := tx.Create(&entities).Error; err != nil {
				return fmt.Errorf("insert entities article_id=%s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetArticle loads one article with its CVEs, entities and update history.
func (p *Pool) GetArticle(ctx context.Context, id string) (article.Article, error) {
	if p == nil || p.gdb == nil {
		return article.Article{}, fmt.Errorf("database pool is not initialized")
	}

	var row ArticleRow
	err := p.gdb.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return article.Article{}, &article.NotFoundError{ID: id}
	}
	if err != nil {
		return article.Article{}, fmt.Errorf("get article article_id=%s: %w", id, err)
	}

	articles, err := p.hydrate(ctx, p.gdb, []ArticleRow{row})
	if err != nil {
		return article.Article{}, err
	}
	return articles[0], nil
}

// ListArticles lists articles published in [From, To), newest first.
func (p *Pool) ListArticles(ctx context.Context, opts ArticleListOptions) ([]article.Article, error) {
	if p == nil || p.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	from := article.Date(opts.From)
	to := article.Date(opts.To)
	if !from.Before(to) {
		return nil, fmt.Errorf("from must be before to")
	}

	var rows []ArticleRow
	err := p.gdb.WithContext(ctx).
		Where("publication_date >= ? AND publication_date < ?", from, to).
		Order("publication_date DESC").
		Order("id ASC").
		Limit(opts.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return p.hydrate(ctx, p.gdb, rows)
}

// FindCandidates returns prior articles inside the lookback window that share at least one
// CVE or entity with the target. Storage failures surface as IndexUnavailableError.
func (p *Pool) FindCandidates(ctx context.Context, target article.Article, windowDays int) ([]article.Article, error) {
	if p == nil || p.gdb == nil {
		return nil, &article.IndexUnavailableError{Err: fmt.Errorf("database pool is not initialized")}
	}
	if windowDays < 1 {
		return nil, fmt.Errorf("window days must be >= 1")
	}

	query, args, ok, err := buildCandidateQuery(target, windowDays)
	if err != nil {
		return nil, fmt.Errorf("build candidate query: %w", err)
	}
	if !ok {
		return []article.Article{}, nil
	}

	ids, err := p.queryIDs(ctx, query, args...)
	if err != nil {
		return nil, &article.IndexUnavailableError{Err: fmt.Errorf("query candidates article_id=%s: %w", target.ID, err)}
	}
	if len(ids) == 0 {
		return []article.Article{}, nil
	}

	var candidateRows []ArticleRow
	if err := p.gdb.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&candidateRows).Error; err != nil {
		return nil, &article.IndexUnavailableError{Err: fmt.Errorf("load candidates: %w", err)}
	}
	candidates, err := p.hydrate(ctx, p.gdb, candidateRows)
	if err != nil {
		return nil, &article.IndexUnavailableError{Err: err}
	}
	return candidates, nil
}

// queryIDs drains the result set before returning so the connection is free for follow-up queries.
func (p *Pool) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// buildCandidateQuery joins the inverted CVE and entity tables for the window
// [target.date - windowDays, target.date). ok is false when the target has no keys.
func buildCandidateQuery(target article.Article, windowDays int) (string, []any, bool, error) {
	to := article.Date(target.PublicationDate)
	from := to.AddDate(0, 0, -windowDays)

	var matches sq.Or
	if cveIDs := target.CVEIDs(); len(cveIDs) > 0 {
		sub, subArgs, err := sq.Select("article_id").
			From("article_cves").
			Where(sq.Eq{"cve_id": cveIDs}).
			ToSql()
		if err != nil {
			return "", nil, false, err
		}
		matches = append(matches, sq.Expr("a.id IN ("+sub+")", subArgs...))
	}

	var entityMatches sq.Or
	for _, entityType := range article.EntityTypes {
		keys := sortedKeys(target.EntityKeys(entityType))
		if len(keys) == 0 {
			continue
		}
		entityMatches = append(entityMatches, sq.Eq{
			"entity_type": string(entityType),
			"name_key":    keys,
		})
	}
	if len(entityMatches) > 0 {
		sub, subArgs, err := sq.Select("article_id").
			From("article_entities").
			Where(entityMatches).
			ToSql()
		if err != nil {
			return "", nil, false, err
		}
		matches = append(matches, sq.Expr("a.id IN ("+sub+")", subArgs...))
	}

	if len(matches) == 0 {
		return "", nil, false, nil
	}

	query, args, err := sq.Select("a.id").
		From("articles a").
		Where(sq.GtOrEq{"a.publication_date": from}).
		Where(sq.Lt{"a.publication_date": to}).
		Where(sq.NotEq{"a.id": target.ID}).
		Where(matches).
		OrderBy("a.id").
		ToSql()
	if err != nil {
		return "", nil, false, err
	}
	return query, args, true, nil
}

func (p *Pool) hydrate(ctx context.Context, gdb *gorm.DB, rows []ArticleRow) ([]article.Article, error) {
	if len(rows) == 0 {
		return []article.Article{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var cves []ArticleCVE
	if err := gdb.WithContext(ctx).Where("article_id IN ?", ids).Order("cve_id ASC").Find(&cves).Error; err != nil {
		return nil, fmt.Errorf("load article cves: %w", err)
	}
	var entities []ArticleEntity
	if err := gdb.WithContext(ctx).Where("article_id IN ?", ids).Order("entity_type ASC").Order("name_key ASC").Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("load article entities: %w", err)
	}

	cvesByArticle := make(map[string][]article.CVE, len(rows))
	for _, cve := range cves {
		cvesByArticle[cve.ArticleID] = append(cvesByArticle[cve.ArticleID], article.CVE{
			ID:               cve.CVEID,
			CVSSScore:        cve.CVSSScore,
			Severity:         cve.Severity,
			IsKnownExploited: cve.IsKnownExploited,
		})
	}
	entitiesByArticle := make(map[string][]article.Entity, len(rows))
	for _, entity := range entities {
		entitiesByArticle[entity.ArticleID] = append(entitiesByArticle[entity.ArticleID], article.Entity{
			Name: entity.Name,
			Type: article.EntityType(entity.EntityType),
		})
	}

	out := make([]article.Article, 0, len(rows))
	for _, row := range rows {
		a, err := articleFromRow(row)
		if err != nil {
			return nil, err
		}
		a.CVEs = nonNilCVEs(cvesByArticle[row.ID])
		a.Entities = nonNilEntities(entitiesByArticle[row.ID])
		out = append(out, a)
	}
	return out, nil
}

func articleFromRow(row ArticleRow) (article.Article, error) {
	a := article.Article{
		ID:              row.ID,
		PublicationDate: article.Date(row.PublicationDate),
		Title:           row.Title,
		Summary:         row.Summary,
		FullText:        row.FullText,
		Language:        row.Language,
		RevisionCount:   row.RevisionCount,
	}
	if err := decodeJSONColumn(row.SourcesJSON, &a.Sources); err != nil {
		return article.Article{}, fmt.Errorf("decode sources article_id=%s: %w", row.ID, err)
	}
	if err := decodeJSONColumn(row.UpdatesJSON, &a.Updates); err != nil {
		return article.Article{}, fmt.Errorf("decode updates article_id=%s: %w", row.ID, err)
	}
	a.Sources = nonNilSources(a.Sources)
	if a.Updates == nil {
		a.Updates = []article.UpdateRecord{}
	}
	return a, nil
}

func cveRows(a article.Article) []ArticleCVE {
	rows := make([]ArticleCVE, 0, len(a.CVEs))
	seen := make(map[string]struct{}, len(a.CVEs))
	for _, cve := range a.CVEs {
		if cve.ID == "" {
			continue
		}
		if _, ok := seen[cve.ID]; ok {
			continue
		}
		seen[cve.ID] = struct{}{}
		rows = append(rows, ArticleCVE{
			ArticleID:        a.ID,
			CVEID:            cve.ID,
			CVSSScore:        cve.CVSSScore,
			Severity:         cve.Severity,
			IsKnownExploited: cve.IsKnownExploited,
		})
	}
	return rows
}

func entityRows(a article.Article) []ArticleEntity {
	rows := make([]ArticleEntity, 0, len(a.Entities))
	seen := make(map[string]struct{}, len(a.Entities))
	for _, entity := range a.Entities {
		key := entity.Key()
		if key == "" || !entity.Type.Valid() {
			continue
		}
		setKey := string(entity.Type) + "\x00" + key
		if _, ok := seen[setKey]; ok {
			continue
		}
		seen[setKey] = struct{}{}
		rows = append(rows, ArticleEntity{
			ArticleID:  a.ID,
			EntityType: string(entity.Type),
			NameKey:    key,
			Name:       entity.Name,
		})
	}
	return rows
}

func decodeJSONColumn(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func nonNilSources(sources []article.Source) []article.Source {
	if sources == nil {
		return []article.Source{}
	}
	return sources
}

func nonNilCVEs(cves []article.CVE) []article.CVE {
	if cves == nil {
		return []article.CVE{}
	}
	return cves
}

func nonNilEntities(entities []article.Entity) []article.Entity {
	if entities == nil {
		return []article.Entity{}
	}
	return entities
}
