package posts

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew        = "posts.service.new"
	opCreatePost        = "posts.create_post"
	opDeletePost        = "posts.delete_post"
	opCreateDraft       = "posts.create_draft"
	opUpdateDraft       = "posts.update_draft"
	opAcceptDraft       = "posts.accept_draft"
	opDeleteDraft       = "posts.delete_draft"
	opDraftSummaries    = "posts.draft_summaries"
	opHistory           = "posts.history"
	opGetPost           = "posts.get_post"
	opGetRevision       = "posts.get_revision"
	opLatestDraft       = "posts.latest_draft"
	opPublishedVersion  = "posts.published_version"
	opWorkingVersion    = "posts.working_version"
	opPostDetails       = "posts.post_details"
	opListPosts         = "posts.list_posts"
	fieldPostID         = "post_id"
	fieldRevisionID     = "revision_id"
	fieldHeadRevisionID = "head_revision_id"
)

const (
	reasonMissingDatabase       = "missing_database"
	reasonMissingIDProvider     = "missing_id_provider"
	reasonIDGenerationFailed    = "id_generation_failed"
	reasonPostInsertFailed      = "post_insert_failed"
	reasonRevisionInsertFailed  = "revision_insert_failed"
	reasonHeadUpdateFailed      = "head_update_failed"
	reasonPostLookupFailed      = "post_lookup_failed"
	reasonRevisionLookupFailed  = "revision_lookup_failed"
	reasonPostNotFound          = "post_not_found"
	reasonRevisionNotFound      = "revision_not_found"
	reasonOwnershipMismatch     = "revision_ownership_mismatch"
	reasonHeadRevisionMissing   = "head_revision_missing"
	reasonNoDraftFound          = "no_draft_found"
	reasonDraftUpdateFailed     = "draft_update_failed"
	reasonEditVersionConflict   = "edit_version_conflict"
	reasonHeadMoved             = "head_moved"
	reasonCannotDeleteHead      = "cannot_delete_head_revision"
	reasonHasDescendants        = "revision_has_descendants"
	reasonRevisionDeleteFailed  = "revision_delete_failed"
	reasonPostDeleteFailed      = "post_delete_failed"
	reasonQueryFailed           = "query_failed"
	reasonBrokenLineage         = "broken_lineage"
	reasonTransactionFailed     = "transaction_failed"
	reasonRevisionPublishFailed = "revision_publish_failed"
)

// ServiceConfig describes the dependencies of the revision engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the revision engine: it owns every write to the post and revision stores.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the revision engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreatePostInput carries the content of a post's root revision.
type CreatePostInput struct {
	Title     *string
	Content   *string
	Cover     *string
	AuthorID  PrincipalID
	CreatedBy PrincipalID
}

// CreatePostResult holds the created post, already pointing at its root revision.
type CreatePostResult struct {
	Post     Post
	Revision Revision
}

// CreatePost inserts a post together with its root revision in one transaction.
// The post becomes visible only with a resolvable head pointer.
func (s *Service) CreatePost(ctx context.Context, input CreatePostInput) (CreatePostResult, error) {
	if err := s.ensureDatabase(opCreatePost); err != nil {
		return CreatePostResult{}, err
	}

	var result CreatePostResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		postID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreatePost, reasonIDGenerationFailed, err)
			return newServiceError(opCreatePost, reasonIDGenerationFailed, err)
		}
		revisionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreatePost, reasonIDGenerationFailed, err, zap.String(fieldPostID, postID))
			return newServiceError(opCreatePost, reasonIDGenerationFailed, err)
		}

		createdAt := s.now()
		post := Post{
			ID:             postID,
			HeadRevisionID: "",
			AuthorID:       input.AuthorID.String(),
			CreatedAtNanos: createdAt,
			UpdatedAtNanos: createdAt,
		}
		if err := insertOne(tx, &post); err != nil {
			s.logError(opCreatePost, reasonPostInsertFailed, err, zap.String(fieldPostID, postID))
			return newServiceError(opCreatePost, reasonPostInsertFailed, errors.Join(ErrCreationFailed, err))
		}

		root := Revision{
			ID:               revisionID,
			PostID:           postID,
			ParentRevisionID: nil,
			Title:            input.Title,
			Content:          input.Content,
			Cover:            input.Cover,
			ChangeNote:       stringPointer(changeNoteInitialRevision),
			CreatedBy:        input.CreatedBy.String(),
			CreatedAtNanos:   createdAt,
			State:            RevisionStatePublished,
			EditVersion:      1,
		}
		if err := insertOne(tx, &root); err != nil {
			s.logError(opCreatePost, reasonRevisionInsertFailed, err, zap.String(fieldPostID, postID))
			return newServiceError(opCreatePost, reasonRevisionInsertFailed, errors.Join(ErrCreationFailed, err))
		}

		publishedAt := s.now()
		affected, err := moveHead(tx, postID, "", revisionID, publishedAt)
		if err == nil && affected != 1 {
			err = errUnexpectedRows
		}
		if err != nil {
			s.logError(opCreatePost, reasonHeadUpdateFailed, err,
				zap.String(fieldPostID, postID),
				zap.String(fieldRevisionID, revisionID))
			return newServiceError(opCreatePost, reasonHeadUpdateFailed, errors.Join(ErrCreationFailed, err))
		}

		post.HeadRevisionID = revisionID
		post.PublishedAtNanos = &publishedAt
		post.UpdatedAtNanos = publishedAt
		result = CreatePostResult{Post: post, Revision: root}
		return nil
	})
	if txErr != nil {
		return CreatePostResult{}, s.wrapTransactionError(opCreatePost, txErr)
	}

	s.loggerOrDefault().Debug("post created",
		zap.String(fieldPostID, result.Post.ID),
		zap.String(fieldHeadRevisionID, result.Revision.ID))
	return result, nil
}

// DeletePost removes the post and every revision it owns. Deleting an absent post succeeds.
func (s *Service) DeletePost(ctx context.Context, postID PostID) error {
	if err := s.ensureDatabase(opDeletePost); err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deletePostCascade(tx, postID.String()); err != nil {
			s.logError(opDeletePost, reasonPostDeleteFailed, err, zap.String(fieldPostID, postID.String()))
			return newServiceError(opDeletePost, reasonPostDeleteFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return s.wrapTransactionError(opDeletePost, txErr)
	}
	return nil
}

// loadPost resolves the post or reports ErrPostNotFound under the given operation code.
func (s *Service) loadPost(db *gorm.DB, operation string, postID string) (*Post, error) {
	post, err := findPost(db, postID)
	if err != nil {
		s.logError(operation, reasonPostLookupFailed, err, zap.String(fieldPostID, postID))
		return nil, newServiceError(operation, reasonPostLookupFailed, err)
	}
	if post == nil {
		return nil, newServiceError(operation, reasonPostNotFound, ErrPostNotFound)
	}
	return post, nil
}

// loadHead resolves the post's head revision; a dangling pointer is a consistency fault.
func (s *Service) loadHead(db *gorm.DB, operation string, post *Post) (*Revision, error) {
	head, err := findRevision(db, post.HeadRevisionID)
	if err != nil {
		s.logError(operation, reasonRevisionLookupFailed, err,
			zap.String(fieldPostID, post.ID),
			zap.String(fieldHeadRevisionID, post.HeadRevisionID))
		return nil, newServiceError(operation, reasonRevisionLookupFailed, err)
	}
	if head == nil || head.PostID != post.ID {
		s.logError(operation, reasonHeadRevisionMissing, ErrHeadRevisionMissing,
			zap.String(fieldPostID, post.ID),
			zap.String(fieldHeadRevisionID, post.HeadRevisionID))
		return nil, newServiceError(operation, reasonHeadRevisionMissing, ErrHeadRevisionMissing)
	}
	return head, nil
}

// loadOwnedRevision resolves a revision and checks it belongs to postID.
func (s *Service) loadOwnedRevision(db *gorm.DB, operation string, postID PostID, revisionID RevisionID) (*Revision, error) {
	revision, err := findRevision(db, revisionID.String())
	if err != nil {
		s.logError(operation, reasonRevisionLookupFailed, err, zap.String(fieldRevisionID, revisionID.String()))
		return nil, newServiceError(operation, reasonRevisionLookupFailed, err)
	}
	if revision == nil {
		return nil, newServiceError(operation, reasonRevisionNotFound, ErrRevisionNotFound)
	}
	if revision.PostID != postID.String() {
		return nil, newServiceError(operation, reasonOwnershipMismatch, ErrRevisionOwnershipMismatch)
	}
	return revision, nil
}

func (s *Service) ensureDatabase(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	return nil
}

func (s *Service) wrapTransactionError(operation string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	s.logError(operation, reasonTransactionFailed, err)
	return newServiceError(operation, reasonTransactionFailed, err)
}

func (s *Service) now() int64 {
	return s.clock().UTC().UnixNano()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("posts service error", attrs...)
}
