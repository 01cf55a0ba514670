package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/globaltime"
)

// ErrUpdateAlreadyApplied is returned when the source article was merged into the target before.
var ErrUpdateAlreadyApplied = errors.New("update from source article already applied")

// ApplyUpdateParams describes one merge of new information into an existing article.
type ApplyUpdateParams struct {
	ArticleID string
	Draft     article.UpdateDraft
	// ExpectedRevision, when set, rejects the merge if the article changed since it was read.
	ExpectedRevision *int
	// SourceArticleID records which incoming article produced the update.
	SourceArticleID string
}

// ApplyUpdate appends an update record and increments revision_count in one transaction.
// The structured history row and the denormalized updates_json column change together or not at all.
func (p *Pool) ApplyUpdate(ctx context.Context, params ApplyUpdateParams) (article.UpdateRecord, error) {
	if err := params.Draft.Validate(); err != nil {
		return article.UpdateRecord{}, err
	}

	record := params.Draft.Record(globaltime.UTC())
	sourcesJSON, err := json.Marshal(nonNilSources(record.Sources))
	if err != nil {
		return article.UpdateRecord{}, fmt.Errorf("marshal update sources: %w", err)
	}

	err = p.transaction(ctx, func(tx *gorm.DB) error {
		locked := tx
		if p.supportsRowLocks() {
			locked = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var row ArticleRow
		err := locked.Where("id = ?", params.ArticleID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &article.NotFoundError{ID: params.ArticleID}
		}
		if err != nil {
			return fmt.Errorf("lock article article_id=%s: %w", params.ArticleID, err)
		}
		if params.ExpectedRevision != nil && *params.ExpectedRevision != row.RevisionCount {
			return fmt.Errorf("article_id=%s expected revision %d, found %d: %w",
				params.ArticleID, *params.ExpectedRevision, row.RevisionCount, article.ErrRevisionConflict)
		}

		if params.SourceArticleID != "" {
			var applied int64
			err := tx.Model(&ArticleUpdate{}).
				Where("article_id = ? AND source_article_id = ?", params.ArticleID, params.SourceArticleID).
				Count(&applied).Error
			if err != nil {
				return fmt.Errorf("check applied updates article_id=%s: %w", params.ArticleID, err)
			}
			if applied > 0 {
				return fmt.Errorf("article_id=%s source_article_id=%s: %w", params.ArticleID, params.SourceArticleID, ErrUpdateAlreadyApplied)
			}
		}

		var history []article.UpdateRecord
		if err := decodeJSONColumn(row.UpdatesJSON, &history); err != nil {
			return fmt.Errorf("decode updates article_id=%s: %w", params.ArticleID, err)
		}
		history = append(history, record)
		updatesJSON, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("marshal updates article_id=%s: %w", params.ArticleID, err)
		}

		updateRow := ArticleUpdate{
			ArticleUpdateUUID: uuid.NewString(),
			ArticleID:         params.ArticleID,
			Sequence:          row.RevisionCount + 1,
			RecordedAt:        record.Timestamp,
			Summary:           record.Summary,
			Detail:            record.Detail,
			SourcesJSON:       string(sourcesJSON),
			SeverityChange:    string(record.SeverityChange),
			SourceArticleID:   stringPtrOrNil(params.SourceArticleID),
			CreatedAt:         record.Timestamp,
		}
		if err := tx.Create(&updateRow).Error; err != nil {
			return fmt.Errorf("insert article_update article_id=%s: %w", params.ArticleID, err)
		}

		res := tx.Model(&ArticleRow{}).
			Where("id = ? AND revision_count = ?", params.ArticleID, row.RevisionCount).
			Updates(map[string]any{
				"updates_json":   string(updatesJSON),
				"revision_count": gorm.Expr("revision_count + 1"),
				"updated_at":     record.Timestamp,
			})
		if res.Error != nil {
			return fmt.Errorf("bump revision article_id=%s: %w", params.ArticleID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("article_id=%s revision %d: %w", params.ArticleID, row.RevisionCount, article.ErrRevisionConflict)
		}
		return nil
	})
	if err != nil {
		return article.UpdateRecord{}, err
	}
	return record, nil
}

// ListUpdateHistory returns the structured update rows of one article in append order.
func (p *Pool) ListUpdateHistory(ctx context.Context, articleID string) ([]ArticleUpdate, error) {
	if p == nil || p.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	var rows []ArticleUpdate
	if err := p.gdb.WithContext(ctx).Where("article_id = ?", articleID).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list updates article_id=%s: %w", articleID, err)
	}
	return rows, nil
}

func stringPtrOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
