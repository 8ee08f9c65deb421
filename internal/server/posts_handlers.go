package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/posts"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest    = "invalid_request"
	errorCodeInvalidPostID     = "invalid_post_id"
	errorCodeInvalidRevisionID = "invalid_revision_id"
	errorCodeNotFound          = "not_found"
	errorCodeInternal          = "internal_error"
)

type postPayload struct {
	ID             string  `json:"id"`
	HeadRevisionID string  `json:"headRevisionId"`
	AuthorID       string  `json:"authorId"`
	PublishedAt    *string `json:"publishedAt"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

type revisionPayload struct {
	ID               string  `json:"id"`
	PostID           string  `json:"postId"`
	ParentRevisionID *string `json:"parentRevisionId"`
	Title            *string `json:"title"`
	Content          *string `json:"content"`
	Cover            *string `json:"cover"`
	ChangeNote       *string `json:"changeNote"`
	CreatedBy        string  `json:"createdBy"`
	CreatedAt        string  `json:"createdAt"`
	State            string  `json:"state"`
	EditVersion      int64   `json:"editVersion"`
}

type draftSummaryPayload struct {
	ID        string  `json:"id"`
	Title     *string `json:"title"`
	CreatedBy string  `json:"createdBy"`
	CreatedAt string  `json:"createdAt"`
	IsStale   bool    `json:"isStale"`
	State     string  `json:"state"`
}

type postDetailsPayload struct {
	Post            postPayload           `json:"post"`
	CurrentRevision revisionPayload       `json:"currentRevision"`
	Drafts          []draftSummaryPayload `json:"drafts"`
}

type postOverviewPayload struct {
	ID          string                `json:"id"`
	Title       *string               `json:"title"`
	PublishedAt *string               `json:"publishedAt"`
	AuthorID    string                `json:"authorId"`
	Drafts      []draftSummaryPayload `json:"drafts"`
}

type historyEntryPayload struct {
	Depth    int             `json:"depth"`
	Revision revisionPayload `json:"revision"`
}

type createPostRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Cover   *string `json:"cover"`
}

type updateDraftRequest struct {
	Title               *string `json:"title"`
	Content             *string `json:"content"`
	Cover               *string `json:"cover"`
	ChangeNote          *string `json:"changeNote"`
	ExpectedEditVersion *int64  `json:"expectedEditVersion"`
}

func (h *httpHandler) handleListPosts(c *gin.Context) {
	overviews, err := h.posts.ListPosts(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": newPostOverviewPayloads(overviews)})
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	details, err := h.posts.PostDetails(c.Request.Context(), postID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if details == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return
	}
	c.JSON(http.StatusOK, newPostDetailsPayload(*details))
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	principal, ok := h.requirePrincipal(c)
	if !ok {
		return
	}
	var request createPostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	result, err := h.posts.CreatePost(c.Request.Context(), posts.CreatePostInput{
		Title:     sanitizePlainText(request.Title),
		Content:   request.Content,
		Cover:     request.Cover,
		AuthorID:  principal,
		CreatedBy: principal,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.metrics.observeEvent(ChangeKindPostCreated)
	h.publish(RealtimeMessage{
		PostID:         result.Post.ID,
		Kind:           ChangeKindPostCreated,
		RevisionID:     result.Revision.ID,
		HeadRevisionID: result.Post.HeadRevisionID,
	})
	c.JSON(http.StatusCreated, gin.H{
		"post":     newPostPayload(result.Post),
		"revision": newRevisionPayload(result.Revision),
	})
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	if err := h.posts.DeletePost(c.Request.Context(), postID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.metrics.observeEvent(ChangeKindPostDeleted)
	h.publish(RealtimeMessage{PostID: postID.String(), Kind: ChangeKindPostDeleted})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	entries, err := h.posts.History(c.Request.Context(), postID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"postId": postID.String(), "entries": newHistoryPayloads(entries)})
}

func (h *httpHandler) handleWorkingVersion(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	working, err := h.posts.WorkingVersion(c.Request.Context(), postID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if working == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"source":   string(working.Source),
		"revision": newRevisionPayload(working.Revision),
	})
}

func (h *httpHandler) handleDraftSummaries(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	summaries, err := h.posts.DraftSummaries(c.Request.Context(), postID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drafts": newDraftSummaryPayloads(summaries)})
}

func (h *httpHandler) handleCreateDraft(c *gin.Context) {
	principal, ok := h.requirePrincipal(c)
	if !ok {
		return
	}
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	result, err := h.posts.CreateDraft(c.Request.Context(), postID, principal)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.metrics.observeEvent(ChangeKindDraftCreated)
	h.publish(RealtimeMessage{
		PostID:         postID.String(),
		Kind:           ChangeKindDraftCreated,
		RevisionID:     result.Revision.ID,
		HeadRevisionID: result.BaseRevisionID,
	})
	c.JSON(http.StatusCreated, gin.H{
		"revision":       newRevisionPayload(result.Revision),
		"baseRevisionId": result.BaseRevisionID,
	})
}

func (h *httpHandler) handleUpdateDraft(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	var request updateDraftRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	updated, err := h.posts.UpdateDraft(c.Request.Context(), postID, posts.UpdateDraftInput{
		Title:               sanitizePlainText(request.Title),
		Content:             request.Content,
		Cover:               request.Cover,
		ChangeNote:          sanitizePlainText(request.ChangeNote),
		ExpectedEditVersion: request.ExpectedEditVersion,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.metrics.observeEvent(ChangeKindDraftUpdated)
	h.publish(RealtimeMessage{PostID: postID.String(), Kind: ChangeKindDraftUpdated, RevisionID: updated.ID})
	c.JSON(http.StatusOK, gin.H{"revision": newRevisionPayload(updated)})
}

func (h *httpHandler) handleAcceptDraft(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	revisionID, ok := h.revisionIDParam(c)
	if !ok {
		return
	}
	result, err := h.posts.AcceptDraft(c.Request.Context(), postID, revisionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.metrics.observeEvent(ChangeKindDraftAccepted)
	h.metrics.observeAccept(result.WasStale)
	h.publish(RealtimeMessage{
		PostID:         postID.String(),
		Kind:           ChangeKindDraftAccepted,
		RevisionID:     result.Revision.ID,
		HeadRevisionID: result.Revision.ID,
		WasStale:       result.WasStale,
	})
	c.JSON(http.StatusOK, gin.H{
		"revision": newRevisionPayload(result.Revision),
		"wasStale": result.WasStale,
	})
}

func (h *httpHandler) handleDeleteDraft(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}
	revisionID, ok := h.revisionIDParam(c)
	if !ok {
		return
	}
	if err := h.posts.DeleteDraft(c.Request.Context(), postID, revisionID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.metrics.observeEvent(ChangeKindDraftDeleted)
	h.publish(RealtimeMessage{PostID: postID.String(), Kind: ChangeKindDraftDeleted, RevisionID: revisionID.String()})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requirePrincipal(c *gin.Context) (posts.PrincipalID, bool) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return principal, true
}

func (h *httpHandler) postIDParam(c *gin.Context) (posts.PostID, bool) {
	postID, err := posts.NewPostID(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidPostID})
		return "", false
	}
	return postID, true
}

func (h *httpHandler) revisionIDParam(c *gin.Context) (posts.RevisionID, bool) {
	revisionID, err := posts.NewRevisionID(c.Param("revisionId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRevisionID})
		return "", false
	}
	return revisionID, true
}

// respondServiceError maps engine errors onto HTTP statuses: caller-side
// misses are 404, refused state changes are 409, everything else is 500.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status := statusForError(err)
	code := errorCodeInternal
	var serviceErr *posts.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case posts.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, posts.ErrCannotDeleteHeadRevision),
		errors.Is(err, posts.ErrRevisionHasDescendants),
		errors.Is(err, posts.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func newPostPayload(post posts.Post) postPayload {
	return postPayload{
		ID:             post.ID,
		HeadRevisionID: post.HeadRevisionID,
		AuthorID:       post.AuthorID,
		PublishedAt:    formatTimePointer(post.PublishedAt()),
		CreatedAt:      formatTime(post.CreatedAt()),
		UpdatedAt:      formatTime(post.UpdatedAt()),
	}
}

func newRevisionPayload(revision posts.Revision) revisionPayload {
	return revisionPayload{
		ID:               revision.ID,
		PostID:           revision.PostID,
		ParentRevisionID: revision.ParentRevisionID,
		Title:            revision.Title,
		Content:          revision.Content,
		Cover:            revision.Cover,
		ChangeNote:       revision.ChangeNote,
		CreatedBy:        revision.CreatedBy,
		CreatedAt:        formatTime(revision.CreatedAt()),
		State:            string(revision.State),
		EditVersion:      revision.EditVersion,
	}
}

func newPostDetailsPayload(details posts.PostDetails) postDetailsPayload {
	return postDetailsPayload{
		Post:            newPostPayload(details.Post),
		CurrentRevision: newRevisionPayload(details.CurrentRevision),
		Drafts:          newDraftSummaryPayloads(details.Drafts),
	}
}

func newPostOverviewPayloads(overviews []posts.PostOverview) []postOverviewPayload {
	payloads := make([]postOverviewPayload, 0, len(overviews))
	for _, overview := range overviews {
		payloads = append(payloads, postOverviewPayload{
			ID:          overview.ID,
			Title:       overview.Title,
			PublishedAt: formatTimePointer(overview.PublishedAt),
			AuthorID:    overview.AuthorID,
			Drafts:      newDraftSummaryPayloads(overview.Drafts),
		})
	}
	return payloads
}

func newHistoryPayloads(entries []posts.HistoryEntry) []historyEntryPayload {
	payloads := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, historyEntryPayload{Depth: entry.Depth, Revision: newRevisionPayload(entry.Revision)})
	}
	return payloads
}

func newDraftSummaryPayloads(summaries []posts.DraftSummary) []draftSummaryPayload {
	payloads := make([]draftSummaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		payloads = append(payloads, draftSummaryPayload{
			ID:        summary.ID,
			Title:     summary.Title,
			CreatedBy: summary.CreatedBy,
			CreatedAt: formatTime(summary.CreatedAt),
			IsStale:   summary.IsStale,
			State:     string(summary.State),
		})
	}
	return payloads
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func formatTimePointer(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := formatTime(*value)
	return &formatted
}
