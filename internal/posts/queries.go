package posts

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// WorkingSource tells which revision a working version was taken from.
type WorkingSource string

const (
	// WorkingSourceDraft means the latest editable draft was returned.
	WorkingSourceDraft WorkingSource = "draft"
	// WorkingSourcePublished means the post had no editable draft and the head was returned.
	WorkingSourcePublished WorkingSource = "published"
)

// WorkingVersion is the revision an editor should open.
type WorkingVersion struct {
	Revision Revision
	Source   WorkingSource
}

// PostDetails bundles a post with its head revision and draft summaries.
type PostDetails struct {
	Post            Post
	CurrentRevision Revision
	Drafts          []DraftSummary
}

// PostOverview is the listing projection of a post.
type PostOverview struct {
	ID          string
	Title       *string
	PublishedAt *time.Time
	AuthorID    string
	Drafts      []DraftSummary
}

// GetPost returns the post or nil when it does not exist.
func (s *Service) GetPost(ctx context.Context, postID PostID) (*Post, error) {
	if err := s.ensureDatabase(opGetPost); err != nil {
		return nil, err
	}
	post, err := findPost(s.db.WithContext(ctx), postID.String())
	if err != nil {
		s.logError(opGetPost, reasonPostLookupFailed, err, zap.String(fieldPostID, postID.String()))
		return nil, newServiceError(opGetPost, reasonPostLookupFailed, err)
	}
	return post, nil
}

// GetRevision returns the revision or nil when it does not exist.
func (s *Service) GetRevision(ctx context.Context, revisionID RevisionID) (*Revision, error) {
	if err := s.ensureDatabase(opGetRevision); err != nil {
		return nil, err
	}
	revision, err := findRevision(s.db.WithContext(ctx), revisionID.String())
	if err != nil {
		s.logError(opGetRevision, reasonRevisionLookupFailed, err, zap.String(fieldRevisionID, revisionID.String()))
		return nil, newServiceError(opGetRevision, reasonRevisionLookupFailed, err)
	}
	return revision, nil
}

// LatestDraft returns the most recently created editable draft, the row UpdateDraft
// would change, or nil when the post or the draft does not exist. Only
// draft-state revisions qualify: a former head is published and is never
// returned here, even when it is the newest non-head revision.
func (s *Service) LatestDraft(ctx context.Context, postID PostID) (*Revision, error) {
	if err := s.ensureDatabase(opLatestDraft); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	post, err := findPost(db, postID.String())
	if err != nil {
		s.logError(opLatestDraft, reasonPostLookupFailed, err, zap.String(fieldPostID, postID.String()))
		return nil, newServiceError(opLatestDraft, reasonPostLookupFailed, err)
	}
	if post == nil {
		return nil, nil
	}
	draft, err := latestEditableDraft(db, post)
	if err != nil {
		s.logError(opLatestDraft, reasonRevisionLookupFailed, err, zap.String(fieldPostID, post.ID))
		return nil, newServiceError(opLatestDraft, reasonRevisionLookupFailed, err)
	}
	return draft, nil
}

// PublishedVersion returns the head revision, or nil when the post does not exist.
func (s *Service) PublishedVersion(ctx context.Context, postID PostID) (*Revision, error) {
	if err := s.ensureDatabase(opPublishedVersion); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	post, err := findPost(db, postID.String())
	if err != nil {
		s.logError(opPublishedVersion, reasonPostLookupFailed, err, zap.String(fieldPostID, postID.String()))
		return nil, newServiceError(opPublishedVersion, reasonPostLookupFailed, err)
	}
	if post == nil {
		return nil, nil
	}
	return s.loadHead(db, opPublishedVersion, post)
}

// WorkingVersion returns the latest editable draft when one exists, otherwise the head.
// Former heads count as published, so after a head change with no open drafts
// the working version is the new head rather than the replaced one.
func (s *Service) WorkingVersion(ctx context.Context, postID PostID) (*WorkingVersion, error) {
	draft, err := s.LatestDraft(ctx, postID)
	if err != nil {
		return nil, err
	}
	if draft != nil {
		return &WorkingVersion{Revision: *draft, Source: WorkingSourceDraft}, nil
	}

	head, err := s.PublishedVersion(ctx, postID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}
	return &WorkingVersion{Revision: *head, Source: WorkingSourcePublished}, nil
}

// PostDetails returns the post with its head and drafts, or nil when the post does not exist.
func (s *Service) PostDetails(ctx context.Context, postID PostID) (*PostDetails, error) {
	if err := s.ensureDatabase(opPostDetails); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	post, err := findPost(db, postID.String())
	if err != nil {
		s.logError(opPostDetails, reasonPostLookupFailed, err, zap.String(fieldPostID, postID.String()))
		return nil, newServiceError(opPostDetails, reasonPostLookupFailed, err)
	}
	if post == nil {
		return nil, nil
	}
	head, err := s.loadHead(db, opPostDetails, post)
	if err != nil {
		return nil, err
	}
	drafts, err := s.summariesFor(db, opPostDetails, post)
	if err != nil {
		return nil, err
	}
	return &PostDetails{Post: *post, CurrentRevision: *head, Drafts: drafts}, nil
}

// ListPosts returns every post with its head title and draft summaries.
// Posts whose head pointer does not resolve are skipped.
func (s *Service) ListPosts(ctx context.Context) ([]PostOverview, error) {
	if err := s.ensureDatabase(opListPosts); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var stored []Post
	if err := db.Order("created_at_ns DESC, id DESC").Find(&stored).Error; err != nil {
		s.logError(opListPosts, reasonQueryFailed, err)
		return nil, newServiceError(opListPosts, reasonQueryFailed, err)
	}

	overviews := make([]PostOverview, 0, len(stored))
	for index := range stored {
		post := &stored[index]
		head, err := findRevision(db, post.HeadRevisionID)
		if err != nil {
			s.logError(opListPosts, reasonRevisionLookupFailed, err, zap.String(fieldPostID, post.ID))
			return nil, newServiceError(opListPosts, reasonRevisionLookupFailed, err)
		}
		if head == nil {
			s.loggerOrDefault().Warn("skipping post with dangling head",
				zap.String(fieldPostID, post.ID),
				zap.String(fieldHeadRevisionID, post.HeadRevisionID))
			continue
		}
		drafts, err := s.summariesFor(db, opListPosts, post)
		if err != nil {
			return nil, err
		}
		overviews = append(overviews, PostOverview{
			ID:          post.ID,
			Title:       head.Title,
			PublishedAt: post.PublishedAt(),
			AuthorID:    post.AuthorID,
			Drafts:      drafts,
		})
	}
	return overviews, nil
}
