package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/posts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPublishHeadRevisions = "2026-10-01_publish_head_revisions"
	migrationRepairEditVersions   = "2026-10-01_repair_edit_versions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationPublishHeadRevisions, apply: publishHeadRevisions},
	{name: migrationRepairEditVersions, apply: repairEditVersions},
}

// applyMigrations runs each pending migration in its own transaction together
// with its db_migrations record, so a failed migration is retried on next start.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// publishHeadRevisions marks every revision that some post points at as
// published. Rows written before the state column existed default to draft.
func publishHeadRevisions(db *gorm.DB) error {
	heads := db.Model(&posts.Post{}).Select("head_revision_id")
	return db.Model(&posts.Revision{}).
		Where("id IN (?)", heads).
		Where("state <> ?", posts.RevisionStatePublished).
		Update("state", posts.RevisionStatePublished).Error
}

func repairEditVersions(db *gorm.DB) error {
	return db.Model(&posts.Revision{}).
		Where("edit_version < ?", 1).
		Update("edit_version", 1).Error
}
