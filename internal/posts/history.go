package posts

import (
	"context"

	"go.uber.org/zap"
)

// HistoryEntry is one step of the published lineage; depth 0 is the head.
type HistoryEntry struct {
	Revision Revision
	Depth    int
}

// History returns the lineage of the post from its head back to the root revision.
func (s *Service) History(ctx context.Context, postID PostID) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.WalkHistory(ctx, postID, func(entry HistoryEntry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// WalkHistory visits the lineage head-first, one fetch per step, without
// materializing the chain. The walk is bounded by the post's revision count,
// so a cyclic or foreign parent pointer ends in ErrBrokenLineage rather than
// looping. A non-nil error from visit stops the walk and is returned as is.
func (s *Service) WalkHistory(ctx context.Context, postID PostID, visit func(HistoryEntry) error) error {
	if err := s.ensureDatabase(opHistory); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)

	post, err := s.loadPost(db, opHistory, postID.String())
	if err != nil {
		return err
	}
	head, err := s.loadHead(db, opHistory, post)
	if err != nil {
		return err
	}
	bound, err := countRevisions(db, post.ID)
	if err != nil {
		s.logError(opHistory, reasonQueryFailed, err, zap.String(fieldPostID, post.ID))
		return newServiceError(opHistory, reasonQueryFailed, err)
	}

	current := head
	for depth := 0; ; depth++ {
		if int64(depth) >= bound {
			s.logError(opHistory, reasonBrokenLineage, ErrBrokenLineage,
				zap.String(fieldPostID, post.ID),
				zap.Int64("revision_count", bound))
			return newServiceError(opHistory, reasonBrokenLineage, ErrBrokenLineage)
		}
		if err := visit(HistoryEntry{Revision: *current, Depth: depth}); err != nil {
			return err
		}
		if current.IsRoot() {
			return nil
		}

		parentID := current.Parent()
		parent, err := findRevision(db, parentID)
		if err != nil {
			s.logError(opHistory, reasonRevisionLookupFailed, err, zap.String(fieldRevisionID, parentID))
			return newServiceError(opHistory, reasonRevisionLookupFailed, err)
		}
		if parent == nil || parent.PostID != post.ID {
			s.logError(opHistory, reasonBrokenLineage, ErrBrokenLineage,
				zap.String(fieldPostID, post.ID),
				zap.String(fieldRevisionID, current.ID),
				zap.String("parent_revision_id", parentID))
			return newServiceError(opHistory, reasonBrokenLineage, ErrBrokenLineage)
		}
		current = parent
	}
}
