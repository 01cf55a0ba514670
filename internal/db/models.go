package db

import (
	"time"
)

// ArticleRow maps articles. updates_json mirrors article_updates for single-read consumers.
type ArticleRow struct {
	ID              string    `gorm:"column:id;type:text;primaryKey"`
	PublicationDate time.Time `gorm:"column:publication_date;not null"`
	Title           string    `gorm:"column:title;type:text;not null;default:''"`
	Summary         string    `gorm:"column:summary;type:text;not null;default:''"`
	FullText        string    `gorm:"column:full_text;type:text;not null;default:''"`
	Language        string    `gorm:"column:language;type:text;not null;default:''"`
	SourcesJSON     string    `gorm:"column:sources_json;type:text;not null;default:'[]'"`
	UpdatesJSON     string    `gorm:"column:updates_json;type:text;not null;default:'[]'"`
	RevisionCount   int       `gorm:"column:revision_count;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
}

func (ArticleRow) TableName() string { return "articles" }

// ArticleCVE maps article_cves.
type ArticleCVE struct {
	ArticleID        string   `gorm:"column:article_id;type:text;primaryKey"`
	CVEID            string   `gorm:"column:cve_id;type:text;primaryKey"`
	CVSSScore        *float64 `gorm:"column:cvss_score"`
	Severity         string   `gorm:"column:severity;type:text;not null;default:''"`
	IsKnownExploited bool     `gorm:"column:is_known_exploited;not null;default:false"`
}

func (ArticleCVE) TableName() string { return "article_cves" }

// ArticleEntity maps article_entities. name_key is the case-folded comparison key.
type ArticleEntity struct {
	ArticleID  string `gorm:"column:article_id;type:text;primaryKey"`
	EntityType string `gorm:"column:entity_type;type:text;primaryKey"`
	NameKey    string `gorm:"column:name_key;type:text;primaryKey"`
	Name       string `gorm:"column:name;type:text;not null"`
}

func (ArticleEntity) TableName() string { return "article_entities" }

// ArticleUpdate maps article_updates, the structured update history.
type ArticleUpdate struct {
	ArticleUpdateID   int64     `gorm:"column:article_update_id;primaryKey;autoIncrement"`
	ArticleUpdateUUID string    `gorm:"column:article_update_uuid;type:text;not null;unique"`
	ArticleID         string    `gorm:"column:article_id;type:text;not null"`
	Sequence          int       `gorm:"column:sequence;not null"`
	RecordedAt        time.Time `gorm:"column:recorded_at;not null"`
	Summary           string    `gorm:"column:summary;type:text;not null"`
	Detail            string    `gorm:"column:detail;type:text;not null"`
	SourcesJSON       string    `gorm:"column:sources_json;type:text;not null;default:'[]'"`
	SeverityChange    string    `gorm:"column:severity_change;type:text;not null"`
	SourceArticleID   *string   `gorm:"column:source_article_id;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
}

func (ArticleUpdate) TableName() string { return "article_updates" }

// DedupEvent maps dedup_events, the append-only classification audit log.
type DedupEvent struct {
	DedupEventID         int64      `gorm:"column:dedup_event_id;primaryKey;autoIncrement"`
	DedupEventUUID       string     `gorm:"column:dedup_event_uuid;type:text;not null;unique"`
	RunID                *int64     `gorm:"column:run_id"`
	ArticleID            string     `gorm:"column:article_id;type:text;not null"`
	Decision             string     `gorm:"column:decision;type:text;not null"`
	BestCandidateID      *string    `gorm:"column:best_candidate_id;type:text"`
	BestScore            float64    `gorm:"column:best_score;not null;default:0"`
	BreakdownJSON        string     `gorm:"column:breakdown_json;type:text;not null;default:'{}'"`
	CandidatesScored     int        `gorm:"column:candidates_scored;not null;default:0"`
	ArbitrationDecision  *string    `gorm:"column:arbitration_decision;type:text"`
	ArbitrationReasoning *string    `gorm:"column:arbitration_reasoning;type:text"`
	Resolution           string     `gorm:"column:resolution;type:text;not null"`
	ErrorMessage         *string    `gorm:"column:error_message;type:text"`
	TargetJSON           string     `gorm:"column:target_json;type:text;not null;default:'{}'"`
	ReviewedAt           *time.Time `gorm:"column:reviewed_at"`
	ReviewResolution     *string    `gorm:"column:review_resolution;type:text"`
	CreatedAt            time.Time  `gorm:"column:created_at;not null"`
}

func (DedupEvent) TableName() string { return "dedup_events" }

// PipelineRun maps pipeline_runs.
type PipelineRun struct {
	RunID        int64      `gorm:"column:run_id;primaryKey;autoIncrement"`
	RunUUID      string     `gorm:"column:run_uuid;type:text;not null;unique"`
	Source       string     `gorm:"column:source;type:text;not null;default:''"`
	DryRun       bool       `gorm:"column:dry_run;not null;default:false"`
	Status       string     `gorm:"column:status;type:text;not null"`
	StartedAt    time.Time  `gorm:"column:started_at;not null"`
	FinishedAt   *time.Time `gorm:"column:finished_at"`
	Targets      int        `gorm:"column:targets;not null;default:0"`
	Classified   int        `gorm:"column:classified;not null;default:0"`
	Held         int        `gorm:"column:held;not null;default:0"`
	Errored      int        `gorm:"column:errored;not null;default:0"`
	Inserted     int        `gorm:"column:inserted;not null;default:0"`
	Updated      int        `gorm:"column:updated;not null;default:0"`
	Skipped      int        `gorm:"column:skipped;not null;default:0"`
	ErrorMessage *string    `gorm:"column:error_message;type:text"`
}

func (PipelineRun) TableName() string { return "pipeline_runs" }

func autoMigrateModels() []any {
	return []any{
		&ArticleRow{},
		&ArticleCVE{},
		&ArticleEntity{},
		&ArticleUpdate{},
		&DedupEvent{},
		&PipelineRun{},
	}
}
