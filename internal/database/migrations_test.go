package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/quire/internal/posts"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&posts.Post{}, &posts.Revision{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsPublishesHeadRevisions(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	parent := "rev-head"
	rows := []posts.Revision{
		{ID: "rev-head", PostID: "post-1", CreatedBy: "u1", CreatedAtNanos: 1, State: posts.RevisionStateDraft, EditVersion: 1},
		{ID: "rev-draft", PostID: "post-1", ParentRevisionID: &parent, CreatedBy: "u1", CreatedAtNanos: 2, State: posts.RevisionStateDraft, EditVersion: 0},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert revisions: %v", err)
	}
	// GORM substitutes the column default for a zero value on insert.
	if err := database.Model(&posts.Revision{}).Where("id = ?", "rev-draft").Update("edit_version", 0).Error; err != nil {
		testContext.Fatalf("failed to zero edit version: %v", err)
	}
	post := posts.Post{ID: "post-1", HeadRevisionID: "rev-head", AuthorID: "u1", CreatedAtNanos: 1, UpdatedAtNanos: 1}
	if err := database.Create(&post).Error; err != nil {
		testContext.Fatalf("failed to insert post: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var head posts.Revision
	if err := database.Where("id = ?", "rev-head").Take(&head).Error; err != nil {
		testContext.Fatalf("failed to reload head: %v", err)
	}
	if head.State != posts.RevisionStatePublished {
		testContext.Fatalf("expected head to be published, got %q", head.State)
	}

	var draft posts.Revision
	if err := database.Where("id = ?", "rev-draft").Take(&draft).Error; err != nil {
		testContext.Fatalf("failed to reload draft: %v", err)
	}
	if draft.State != posts.RevisionStateDraft {
		testContext.Fatalf("expected draft to stay a draft, got %q", draft.State)
	}
	if draft.EditVersion != 1 {
		testContext.Fatalf("expected edit version to be repaired, got %d", draft.EditVersion)
	}

	for _, name := range []string{migrationPublishHeadRevisions, migrationRepairEditVersions} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", name)
		}
	}
}

func TestApplyMigrationsSkipsRecordedMigrations(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count records: %v", err)
	}
	if count != int64(len(migrations)) {
		testContext.Fatalf("expected %d migration records, got %d", len(migrations), count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "quire.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"posts", "revisions", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if !database.Migrator().HasIndex(&posts.Revision{}, "idx_revisions_parent") {
		testContext.Fatalf("expected parent index on revisions")
	}

	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
