package posts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRevisionLifecycleScenario(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	r0 := created.Revision
	require.Nil(t, r0.ParentRevisionID)

	draft, err := service.CreateDraft(ctx, postID, mustPrincipal(t, "u1"))
	require.NoError(t, err)
	r1 := draft.Revision
	require.Equal(t, r0.ID, draft.BaseRevisionID)
	require.Equal(t, r0.ID, r1.Parent())
	require.Equal(t, "A", *r1.Title)
	require.Equal(t, RevisionStateDraft, r1.State)
	require.Equal(t, r0.ID, reloadPost(t, db, created.Post.ID).HeadRevisionID, "createDraft must not move head")

	summaries, err := service.DraftSummaries(ctx, postID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, r1.ID, summaries[0].ID)
	require.False(t, summaries[0].IsStale)
	require.Equal(t, "u1", summaries[0].CreatedBy)

	accepted := mustAccept(t, service, postID, r1.ID)
	require.False(t, accepted.WasStale)
	require.Equal(t, RevisionStatePublished, accepted.Revision.State)
	require.Equal(t, r1.ID, reloadPost(t, db, created.Post.ID).HeadRevisionID)

	r2 := mustCreateDraft(t, service, postID, "u2")
	require.Equal(t, r1.ID, r2.Parent())

	require.NoError(t, service.DeleteDraft(ctx, postID, mustRevisionID(t, r2.ID)))
	gone, err := service.GetRevision(ctx, mustRevisionID(t, r2.ID))
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestStalenessAfterSiblingIsAccepted(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	d := mustCreateDraft(t, service, postID, "u1")
	d2 := mustCreateDraft(t, service, postID, "u2")

	mustAccept(t, service, postID, d2.ID)

	summaries, err := service.DraftSummaries(ctx, postID)
	require.NoError(t, err)
	staleness := make(map[string]bool, len(summaries))
	for _, summary := range summaries {
		staleness[summary.ID] = summary.IsStale
	}
	require.NotContains(t, staleness, d2.ID, "head is not a draft")
	require.True(t, staleness[d.ID])
	require.True(t, staleness[created.Revision.ID])
	require.Len(t, summaries, 2)

	late := mustAccept(t, service, postID, d.ID)
	require.True(t, late.WasStale)
}

func TestDeleteDraftProtectsHead(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	mustCreateDraft(t, service, postID, "u1")
	before := countRows(t, db, &Revision{})

	err := service.DeleteDraft(ctx, postID, mustRevisionID(t, created.Revision.ID))
	require.ErrorIs(t, err, ErrCannotDeleteHeadRevision)
	require.False(t, IsNotFound(err))

	require.Equal(t, before, countRows(t, db, &Revision{}))
	require.Equal(t, created.Revision.ID, reloadPost(t, db, created.Post.ID).HeadRevisionID)
}

func TestDeleteDraftKeepsRevisionsOthersBranchFrom(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	r1 := mustCreateDraft(t, service, postID, "u1")
	mustAccept(t, service, postID, r1.ID)

	err := service.DeleteDraft(ctx, postID, mustRevisionID(t, created.Revision.ID))
	require.ErrorIs(t, err, ErrRevisionHasDescendants)

	history, err := service.History(ctx, postID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestDeleteDraftValidatesOwnership(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	first := mustCreatePost(t, service, "first")
	second := mustCreatePost(t, service, "second")
	foreign := mustCreateDraft(t, service, mustPostID(t, second.Post.ID), "u1")

	err := service.DeleteDraft(ctx, mustPostID(t, first.Post.ID), mustRevisionID(t, foreign.ID))
	require.ErrorIs(t, err, ErrRevisionOwnershipMismatch)
	require.True(t, IsNotFound(err))

	err = service.DeleteDraft(ctx, mustPostID(t, first.Post.ID), mustRevisionID(t, "missing"))
	require.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestAcceptDraftErrors(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	first := mustCreatePost(t, service, "first")
	second := mustCreatePost(t, service, "second")
	foreign := mustCreateDraft(t, service, mustPostID(t, second.Post.ID), "u1")

	_, err := service.AcceptDraft(ctx, mustPostID(t, first.Post.ID), mustRevisionID(t, "missing"))
	require.ErrorIs(t, err, ErrRevisionNotFound)

	_, err = service.AcceptDraft(ctx, mustPostID(t, first.Post.ID), mustRevisionID(t, foreign.ID))
	require.ErrorIs(t, err, ErrRevisionOwnershipMismatch)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "posts.accept_draft.revision_ownership_mismatch", serviceErr.Code())

	require.Equal(t, first.Revision.ID, reloadPost(t, db, first.Post.ID).HeadRevisionID)
	require.Equal(t, second.Revision.ID, reloadPost(t, db, second.Post.ID).HeadRevisionID)
}

func TestCreateDraftErrors(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.CreateDraft(ctx, mustPostID(t, "missing"), mustPrincipal(t, "u1"))
	require.ErrorIs(t, err, ErrPostNotFound)

	created := mustCreatePost(t, service, "A")
	require.NoError(t, db.Model(&Post{}).Where("id = ?", created.Post.ID).Update("head_revision_id", "dangling").Error)

	_, err = service.CreateDraft(ctx, mustPostID(t, created.Post.ID), mustPrincipal(t, "u1"))
	require.ErrorIs(t, err, ErrHeadRevisionMissing)
	require.True(t, IsConsistencyFault(err))
}

func TestConcurrentCreateDraftProducesSiblings(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)

	const editors = 4
	var wg sync.WaitGroup
	results := make([]CreateDraftResult, editors)
	errs := make([]error, editors)
	for index := 0; index < editors; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results[index], errs[index] = service.CreateDraft(ctx, postID, PrincipalID("editor"))
		}(index)
	}
	wg.Wait()

	seen := make(map[string]struct{}, editors)
	for index := 0; index < editors; index++ {
		require.NoError(t, errs[index])
		require.Equal(t, created.Revision.ID, results[index].Revision.Parent())
		seen[results[index].Revision.ID] = struct{}{}
	}
	require.Len(t, seen, editors)

	summaries, err := service.DraftSummaries(ctx, postID)
	require.NoError(t, err)
	require.Len(t, summaries, editors)
	for _, summary := range summaries {
		require.False(t, summary.IsStale)
	}
}

func TestUpdateDraftAppliesOnlySuppliedFields(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	author := mustPrincipal(t, "u1")
	created, err := service.CreatePost(ctx, CreatePostInput{
		Title:     stringPointer("A"),
		Content:   stringPointer("body"),
		Cover:     stringPointer("cover.png"),
		AuthorID:  author,
		CreatedBy: author,
	})
	require.NoError(t, err)
	postID := mustPostID(t, created.Post.ID)
	draft := mustCreateDraft(t, service, postID, "u1")

	updated, err := service.UpdateDraft(ctx, postID, UpdateDraftInput{
		Title:      stringPointer("B"),
		ChangeNote: stringPointer("retitled"),
	})
	require.NoError(t, err)
	require.Equal(t, draft.ID, updated.ID)
	require.Equal(t, "B", *updated.Title)
	require.Equal(t, "body", *updated.Content)
	require.Equal(t, "cover.png", *updated.Cover)
	require.Equal(t, "retitled", *updated.ChangeNote)
	require.Equal(t, int64(2), updated.EditVersion)

	head, err := service.PublishedVersion(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, "A", *head.Title, "head content must not change")
}

func TestUpdateDraftTargetsLatestDraft(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	older := mustCreateDraft(t, service, postID, "u1")
	newer := mustCreateDraft(t, service, postID, "u2")

	updated, err := service.UpdateDraft(ctx, postID, UpdateDraftInput{Content: stringPointer("edited")})
	require.NoError(t, err)
	require.Equal(t, newer.ID, updated.ID)

	untouched, err := service.GetRevision(ctx, mustRevisionID(t, older.ID))
	require.NoError(t, err)
	require.Nil(t, untouched.Content)
}

func TestUpdateDraftNeverRewritesPublishedRevisions(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)

	_, err := service.UpdateDraft(ctx, postID, UpdateDraftInput{Title: stringPointer("x")})
	require.ErrorIs(t, err, ErrNoDraftFound)

	r1 := mustCreateDraft(t, service, postID, "u1")
	mustAccept(t, service, postID, r1.ID)

	// The former head is now a non-head revision but it was published.
	_, err = service.UpdateDraft(ctx, postID, UpdateDraftInput{Title: stringPointer("x")})
	require.ErrorIs(t, err, ErrNoDraftFound)

	root, err := service.GetRevision(ctx, mustRevisionID(t, created.Revision.ID))
	require.NoError(t, err)
	require.Equal(t, "A", *root.Title)

	_, err = service.UpdateDraft(ctx, mustPostID(t, "missing"), UpdateDraftInput{Title: stringPointer("x")})
	require.ErrorIs(t, err, ErrNoDraftFound)
}

func TestUpdateDraftLastWriterWinsWithoutVersion(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	mustCreateDraft(t, service, postID, "u1")

	_, err := service.UpdateDraft(ctx, postID, UpdateDraftInput{Title: stringPointer("first")})
	require.NoError(t, err)
	second, err := service.UpdateDraft(ctx, postID, UpdateDraftInput{Title: stringPointer("second")})
	require.NoError(t, err)
	require.Equal(t, "second", *second.Title)
	require.Equal(t, int64(3), second.EditVersion)
}

func TestUpdateDraftDetectsConflictWithExpectedVersion(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	draft := mustCreateDraft(t, service, postID, "u1")
	observed := draft.EditVersion

	_, err := service.UpdateDraft(ctx, postID, UpdateDraftInput{Title: stringPointer("first"), ExpectedEditVersion: &observed})
	require.NoError(t, err)

	_, err = service.UpdateDraft(ctx, postID, UpdateDraftInput{Title: stringPointer("clobber"), ExpectedEditVersion: &observed})
	require.ErrorIs(t, err, ErrConflict)

	latest, err := service.LatestDraft(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, "first", *latest.Title)
}

func TestUpdateDraftWithoutFieldsReturnsDraftUnchanged(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreatePost(t, service, "A")
	postID := mustPostID(t, created.Post.ID)
	draft := mustCreateDraft(t, service, postID, "u1")

	unchanged, err := service.UpdateDraft(ctx, postID, UpdateDraftInput{})
	require.NoError(t, err)
	require.Equal(t, draft.ID, unchanged.ID)
	require.Equal(t, int64(1), unchanged.EditVersion)
}
