package posts

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateDraftResult reports the new draft and the head it was branched from.
type CreateDraftResult struct {
	Revision       Revision
	BaseRevisionID string
}

// CreateDraft branches a new draft from the current head, copying its content.
// The head pointer does not move. Concurrent callers each get their own sibling draft.
func (s *Service) CreateDraft(ctx context.Context, postID PostID, createdBy PrincipalID) (CreateDraftResult, error) {
	if err := s.ensureDatabase(opCreateDraft); err != nil {
		return CreateDraftResult{}, err
	}
	db := s.db.WithContext(ctx)

	post, err := s.loadPost(db, opCreateDraft, postID.String())
	if err != nil {
		return CreateDraftResult{}, err
	}
	head, err := s.loadHead(db, opCreateDraft, post)
	if err != nil {
		return CreateDraftResult{}, err
	}

	revisionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDraft, reasonIDGenerationFailed, err, zap.String(fieldPostID, post.ID))
		return CreateDraftResult{}, newServiceError(opCreateDraft, reasonIDGenerationFailed, err)
	}

	parentID := head.ID
	draft := Revision{
		ID:               revisionID,
		PostID:           post.ID,
		ParentRevisionID: &parentID,
		Title:            head.Title,
		Content:          head.Content,
		Cover:            head.Cover,
		ChangeNote:       stringPointer(changeNoteDraftFromHead),
		CreatedBy:        createdBy.String(),
		CreatedAtNanos:   s.now(),
		State:            RevisionStateDraft,
		EditVersion:      1,
	}
	if err := insertOne(db, &draft); err != nil {
		s.logError(opCreateDraft, reasonRevisionInsertFailed, err,
			zap.String(fieldPostID, post.ID),
			zap.String(fieldRevisionID, revisionID))
		return CreateDraftResult{}, newServiceError(opCreateDraft, reasonRevisionInsertFailed, err)
	}

	return CreateDraftResult{Revision: draft, BaseRevisionID: head.ID}, nil
}

// UpdateDraftInput lists the draft fields to overwrite; nil fields are left untouched.
// ExpectedEditVersion opts into conflict detection against concurrent editors.
type UpdateDraftInput struct {
	Title               *string
	Content             *string
	Cover               *string
	ChangeNote          *string
	ExpectedEditVersion *int64
}

func (input UpdateDraftInput) columns() map[string]any {
	fields := make(map[string]any, 5)
	if input.Title != nil {
		fields["title"] = *input.Title
	}
	if input.Content != nil {
		fields["content"] = *input.Content
	}
	if input.Cover != nil {
		fields["cover"] = *input.Cover
	}
	if input.ChangeNote != nil {
		fields["change_note"] = *input.ChangeNote
	}
	return fields
}

// UpdateDraft edits the post's latest draft in place. Without ExpectedEditVersion
// two concurrent editors race and the last write wins.
func (s *Service) UpdateDraft(ctx context.Context, postID PostID, input UpdateDraftInput) (Revision, error) {
	if err := s.ensureDatabase(opUpdateDraft); err != nil {
		return Revision{}, err
	}
	db := s.db.WithContext(ctx)

	post, err := findPost(db, postID.String())
	if err != nil {
		s.logError(opUpdateDraft, reasonPostLookupFailed, err, zap.String(fieldPostID, postID.String()))
		return Revision{}, newServiceError(opUpdateDraft, reasonPostLookupFailed, err)
	}
	if post == nil {
		return Revision{}, newServiceError(opUpdateDraft, reasonNoDraftFound, ErrNoDraftFound)
	}

	draft, err := latestEditableDraft(db, post)
	if err != nil {
		s.logError(opUpdateDraft, reasonRevisionLookupFailed, err, zap.String(fieldPostID, post.ID))
		return Revision{}, newServiceError(opUpdateDraft, reasonRevisionLookupFailed, err)
	}
	if draft == nil {
		return Revision{}, newServiceError(opUpdateDraft, reasonNoDraftFound, ErrNoDraftFound)
	}
	if input.ExpectedEditVersion != nil && *input.ExpectedEditVersion != draft.EditVersion {
		return Revision{}, newServiceError(opUpdateDraft, reasonEditVersionConflict, ErrConflict)
	}

	fields := input.columns()
	if len(fields) == 0 {
		return *draft, nil
	}
	fields[columnEditVersion] = gorm.Expr(columnEditVersion + " + 1")

	affected, err := applyDraftEdit(db, draft.ID, input.ExpectedEditVersion, fields)
	if err != nil {
		s.logError(opUpdateDraft, reasonDraftUpdateFailed, err,
			zap.String(fieldPostID, post.ID),
			zap.String(fieldRevisionID, draft.ID))
		return Revision{}, newServiceError(opUpdateDraft, reasonDraftUpdateFailed, err)
	}
	if affected == 0 {
		if input.ExpectedEditVersion != nil {
			return Revision{}, newServiceError(opUpdateDraft, reasonEditVersionConflict, ErrConflict)
		}
		// Published or deleted between lookup and write.
		return Revision{}, newServiceError(opUpdateDraft, reasonNoDraftFound, ErrNoDraftFound)
	}

	updated, err := findRevision(db, draft.ID)
	if err != nil {
		s.logError(opUpdateDraft, reasonRevisionLookupFailed, err, zap.String(fieldRevisionID, draft.ID))
		return Revision{}, newServiceError(opUpdateDraft, reasonRevisionLookupFailed, err)
	}
	if updated == nil {
		return Revision{}, newServiceError(opUpdateDraft, reasonNoDraftFound, ErrNoDraftFound)
	}
	return *updated, nil
}

// AcceptDraftResult reports the published revision and whether it was branched from an older head.
type AcceptDraftResult struct {
	Revision Revision
	WasStale bool
}

// AcceptDraft makes revisionID the post's head. Publishing a stale draft is allowed;
// WasStale tells the caller that it replaced a head it was not based on.
func (s *Service) AcceptDraft(ctx context.Context, postID PostID, revisionID RevisionID) (AcceptDraftResult, error) {
	if err := s.ensureDatabase(opAcceptDraft); err != nil {
		return AcceptDraftResult{}, err
	}

	var result AcceptDraftResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		revision, err := s.loadOwnedRevision(tx, opAcceptDraft, postID, revisionID)
		if err != nil {
			return err
		}

		post, err := lockPost(tx, postID.String())
		if err != nil {
			s.logError(opAcceptDraft, reasonPostLookupFailed, err, zap.String(fieldPostID, postID.String()))
			return newServiceError(opAcceptDraft, reasonPostLookupFailed, err)
		}
		if post == nil {
			return newServiceError(opAcceptDraft, reasonPostNotFound, ErrPostNotFound)
		}

		wasStale := revision.IsStale(post.HeadRevisionID)

		affected, err := moveHead(tx, post.ID, post.HeadRevisionID, revision.ID, s.now())
		if err != nil {
			s.logError(opAcceptDraft, reasonHeadUpdateFailed, err,
				zap.String(fieldPostID, post.ID),
				zap.String(fieldRevisionID, revision.ID))
			return newServiceError(opAcceptDraft, reasonHeadUpdateFailed, err)
		}
		if affected != 1 {
			return newServiceError(opAcceptDraft, reasonHeadMoved, ErrConflict)
		}

		if err := markPublished(tx, revision.ID); err != nil {
			s.logError(opAcceptDraft, reasonRevisionPublishFailed, err, zap.String(fieldRevisionID, revision.ID))
			return newServiceError(opAcceptDraft, reasonRevisionPublishFailed, err)
		}
		revision.State = RevisionStatePublished

		result = AcceptDraftResult{Revision: *revision, WasStale: wasStale}
		return nil
	})
	if txErr != nil {
		return AcceptDraftResult{}, s.wrapTransactionError(opAcceptDraft, txErr)
	}

	if result.WasStale {
		s.loggerOrDefault().Info("stale draft published",
			zap.String(fieldPostID, postID.String()),
			zap.String(fieldRevisionID, revisionID.String()))
	}
	return result, nil
}

// DeleteDraft removes a non-head revision of the post. It also refuses any
// revision that other revisions branch from, returning ErrRevisionHasDescendants,
// so every parent pointer keeps resolving. A plain non-head check alone would
// let an interior draft be removed and orphan its children.
func (s *Service) DeleteDraft(ctx context.Context, postID PostID, revisionID RevisionID) error {
	if err := s.ensureDatabase(opDeleteDraft); err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		revision, err := s.loadOwnedRevision(tx, opDeleteDraft, postID, revisionID)
		if err != nil {
			return err
		}

		post, err := lockPost(tx, postID.String())
		if err != nil {
			s.logError(opDeleteDraft, reasonPostLookupFailed, err, zap.String(fieldPostID, postID.String()))
			return newServiceError(opDeleteDraft, reasonPostLookupFailed, err)
		}
		if post == nil {
			return newServiceError(opDeleteDraft, reasonPostNotFound, ErrPostNotFound)
		}
		if revision.ID == post.HeadRevisionID {
			return newServiceError(opDeleteDraft, reasonCannotDeleteHead, ErrCannotDeleteHeadRevision)
		}

		branched, err := hasDescendants(tx, revision.ID)
		if err != nil {
			s.logError(opDeleteDraft, reasonQueryFailed, err, zap.String(fieldRevisionID, revision.ID))
			return newServiceError(opDeleteDraft, reasonQueryFailed, err)
		}
		if branched {
			return newServiceError(opDeleteDraft, reasonHasDescendants, ErrRevisionHasDescendants)
		}

		if err := deleteRevisionRow(tx, revision.ID); err != nil {
			s.logError(opDeleteDraft, reasonRevisionDeleteFailed, err,
				zap.String(fieldPostID, post.ID),
				zap.String(fieldRevisionID, revision.ID))
			return newServiceError(opDeleteDraft, reasonRevisionDeleteFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return s.wrapTransactionError(opDeleteDraft, txErr)
	}
	return nil
}

// DraftSummaries lists every non-head revision of the post, newest first, with staleness.
func (s *Service) DraftSummaries(ctx context.Context, postID PostID) ([]DraftSummary, error) {
	if err := s.ensureDatabase(opDraftSummaries); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	post, err := s.loadPost(db, opDraftSummaries, postID.String())
	if err != nil {
		return nil, err
	}
	return s.summariesFor(db, opDraftSummaries, post)
}

func (s *Service) summariesFor(db *gorm.DB, operation string, post *Post) ([]DraftSummary, error) {
	revisions, err := nonHeadRevisions(db, post)
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldPostID, post.ID))
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}
	summaries := make([]DraftSummary, 0, len(revisions))
	for _, revision := range revisions {
		summaries = append(summaries, summarizeDraft(revision, post.HeadRevisionID))
	}
	return summaries, nil
}
