package posts

import "time"

// RevisionState distinguishes editable drafts from revisions that have been published.
type RevisionState string

const (
	// RevisionStateDraft marks a revision that has never been the head and may be edited in place.
	RevisionStateDraft RevisionState = "draft"
	// RevisionStatePublished marks a revision that has been the head at least once; it is immutable.
	RevisionStatePublished RevisionState = "published"
)

const (
	changeNoteInitialRevision = "Initial revision"
	changeNoteDraftFromHead   = "Draft created from published version"
)

// Post owns exactly one mutable pointer: the current head revision.
type Post struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	HeadRevisionID   string `gorm:"column:head_revision_id;size:190;not null;default:'';index:idx_posts_head_revision"`
	AuthorID         string `gorm:"column:author_id;size:190;not null;index:idx_posts_author"`
	PublishedAtNanos *int64 `gorm:"column:published_at_ns;index:idx_posts_published"`
	CreatedAtNanos   int64  `gorm:"column:created_at_ns;not null"`
	UpdatedAtNanos   int64  `gorm:"column:updated_at_ns;not null"`
	DeletedAtNanos   *int64 `gorm:"column:deleted_at_ns;index:idx_posts_deleted"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// PublishedAt returns the time of the most recent head change, or nil inside the creation window.
func (p Post) PublishedAt() *time.Time {
	return nanosToTimePointer(p.PublishedAtNanos)
}

// CreatedAt returns the post creation time.
func (p Post) CreatedAt() time.Time {
	return time.Unix(0, p.CreatedAtNanos).UTC()
}

// UpdatedAt returns the last time the post row changed.
func (p Post) UpdatedAt() time.Time {
	return time.Unix(0, p.UpdatedAtNanos).UTC()
}

// Revision is a snapshot of post content linked to the revision it branched from.
type Revision struct {
	ID               string        `gorm:"column:id;primaryKey;size:190;not null"`
	PostID           string        `gorm:"column:post_id;size:190;not null;index:idx_revisions_post;index:idx_revisions_post_created,priority:1"`
	ParentRevisionID *string       `gorm:"column:parent_revision_id;size:190;index:idx_revisions_parent"`
	Title            *string       `gorm:"column:title;type:text"`
	Content          *string       `gorm:"column:content;type:text"`
	Cover            *string       `gorm:"column:cover;type:text"`
	ChangeNote       *string       `gorm:"column:change_note;type:text"`
	CreatedBy        string        `gorm:"column:created_by;size:190;not null"`
	CreatedAtNanos   int64         `gorm:"column:created_at_ns;not null;index:idx_revisions_post_created,priority:2"`
	State            RevisionState `gorm:"column:state;size:16;not null;default:'draft'"`
	EditVersion      int64         `gorm:"column:edit_version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "revisions"
}

// CreatedAt returns the revision creation time.
func (r Revision) CreatedAt() time.Time {
	return time.Unix(0, r.CreatedAtNanos).UTC()
}

// IsRoot reports whether the revision starts its post's lineage.
func (r Revision) IsRoot() bool {
	return r.ParentRevisionID == nil
}

// Parent returns the parent revision identifier or the empty string for a root.
func (r Revision) Parent() string {
	if r.ParentRevisionID == nil {
		return ""
	}
	return *r.ParentRevisionID
}

// IsStale reports whether the revision was branched from something other than headRevisionID.
// Roots have no parent and are therefore stale once another revision is head.
func (r Revision) IsStale(headRevisionID string) bool {
	if r.ParentRevisionID == nil {
		return true
	}
	return *r.ParentRevisionID != headRevisionID
}

// Editable reports whether the revision may be changed in place.
func (r Revision) Editable() bool {
	return r.State == RevisionStateDraft
}

// DraftSummary annotates a non-head revision with its derived staleness.
type DraftSummary struct {
	ID        string
	Title     *string
	CreatedBy string
	CreatedAt time.Time
	IsStale   bool
	State     RevisionState
}

func summarizeDraft(revision Revision, headRevisionID string) DraftSummary {
	return DraftSummary{
		ID:        revision.ID,
		Title:     revision.Title,
		CreatedBy: revision.CreatedBy,
		CreatedAt: revision.CreatedAt(),
		IsStale:   revision.IsStale(headRevisionID),
		State:     revision.State,
	}
}

func nanosToTimePointer(value *int64) *time.Time {
	if value == nil {
		return nil
	}
	converted := time.Unix(0, *value).UTC()
	return &converted
}

func stringPointer(value string) *string {
	return &value
}
