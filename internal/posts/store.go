package posts

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store helpers accept either the root handle or an open transaction so that
// the same queries serve both single-row and transactional operations.

const (
	columnID               = "id"
	columnPostID           = "post_id"
	columnHeadRevisionID   = "head_revision_id"
	columnPublishedAtNanos = "published_at_ns"
	columnUpdatedAtNanos   = "updated_at_ns"
	columnParentRevision   = "parent_revision_id"
	columnState            = "state"
	columnEditVersion      = "edit_version"
	queryByID              = columnID + " = ?"
	queryByPostID          = columnPostID + " = ?"
	queryPostHead          = columnID + " = ? AND " + columnHeadRevisionID + " = ?"
	queryNonHead           = columnPostID + " = ? AND " + columnID + " <> ?"
	queryNonHeadInState    = queryNonHead + " AND " + columnState + " = ?"
	queryRevisionVersion   = columnID + " = ? AND " + columnEditVersion + " = ?"
	queryRevisionInState   = columnID + " = ? AND " + columnState + " = ?"
	orderNewestFirst       = "created_at_ns DESC, id DESC"
)

func findPost(db *gorm.DB, postID string) (*Post, error) {
	var post Post
	err := db.Where(queryByID, postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func lockPost(tx *gorm.DB, postID string) (*Post, error) {
	return findPost(tx.Clauses(clause.Locking{Strength: "UPDATE"}), postID)
}

func findRevision(db *gorm.DB, revisionID string) (*Revision, error) {
	var revision Revision
	err := db.Where(queryByID, revisionID).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &revision, nil
}

func latestEditableDraft(db *gorm.DB, post *Post) (*Revision, error) {
	var revision Revision
	err := db.Where(queryNonHeadInState, post.ID, post.HeadRevisionID, RevisionStateDraft).
		Order(orderNewestFirst).
		Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &revision, nil
}

func nonHeadRevisions(db *gorm.DB, post *Post) ([]Revision, error) {
	var revisions []Revision
	if err := db.Where(queryNonHead, post.ID, post.HeadRevisionID).
		Order(orderNewestFirst).
		Find(&revisions).Error; err != nil {
		return nil, err
	}
	return revisions, nil
}

func countRevisions(db *gorm.DB, postID string) (int64, error) {
	var count int64
	if err := db.Model(&Revision{}).Where(queryByPostID, postID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func hasDescendants(db *gorm.DB, revisionID string) (bool, error) {
	var count int64
	if err := db.Model(&Revision{}).Where(columnParentRevision+" = ?", revisionID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func insertOne(db *gorm.DB, value any) error {
	result := db.Create(value)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return errUnexpectedRows
	}
	return nil
}

// moveHead swings the head pointer only if it still equals expectedHead and
// reports the number of rows changed.
func moveHead(db *gorm.DB, postID, expectedHead, newHead string, atNanos int64) (int64, error) {
	result := db.Model(&Post{}).
		Where(queryPostHead, postID, expectedHead).
		Updates(map[string]any{
			columnHeadRevisionID:   newHead,
			columnPublishedAtNanos: atNanos,
			columnUpdatedAtNanos:   atNanos,
		})
	return result.RowsAffected, result.Error
}

func markPublished(db *gorm.DB, revisionID string) error {
	return db.Model(&Revision{}).
		Where(queryRevisionInState, revisionID, RevisionStateDraft).
		Update(columnState, RevisionStatePublished).Error
}

// applyDraftEdit writes the supplied columns to a draft row. When
// expectedVersion is non-nil the write is guarded by the edit version.
func applyDraftEdit(db *gorm.DB, revisionID string, expectedVersion *int64, fields map[string]any) (int64, error) {
	query := db.Model(&Revision{})
	if expectedVersion != nil {
		query = query.Where(queryRevisionVersion, revisionID, *expectedVersion)
	} else {
		query = query.Where(queryByID, revisionID)
	}
	result := query.Where(columnState+" = ?", RevisionStateDraft).Updates(fields)
	return result.RowsAffected, result.Error
}

func deleteRevisionRow(db *gorm.DB, revisionID string) error {
	return db.Where(queryByID, revisionID).Delete(&Revision{}).Error
}

// deletePostCascade removes every revision of the post before the post row
// itself so that no orphan revision survives, whatever the foreign-key setup.
func deletePostCascade(tx *gorm.DB, postID string) error {
	if err := tx.Where(queryByPostID, postID).Delete(&Revision{}).Error; err != nil {
		return err
	}
	return tx.Where(queryByID, postID).Delete(&Post{}).Error
}
