package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/posts"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testBearerPrefix = "Bearer "

// stubSessionValidator accepts "Bearer <user>" and treats the user as the subject.
type stubSessionValidator struct {
	err error
}

func (s stubSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, testBearerPrefix) {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	claims := auth.SessionClaims{UserID: strings.TrimPrefix(header, testBearerPrefix)}
	claims.Subject = claims.UserID
	return claims, nil
}

type stubPrincipalResolver struct {
	err error
}

func (s stubPrincipalResolver) ResolvePrincipal(_ context.Context, claims auth.SessionClaims) (posts.PrincipalID, error) {
	if s.err != nil {
		return "", s.err
	}
	return posts.NewPrincipalID(claims.UserID)
}

type testServer struct {
	handler  http.Handler
	service  *posts.Service
	db       *gorm.DB
	realtime *RealtimeDispatcher
	metrics  *Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:quire_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&posts.Post{}, &posts.Revision{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := posts.NewService(posts.ServiceConfig{
		Database:   db,
		IDProvider: posts.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build posts service: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	metrics := NewMetrics()
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  stubSessionValidator{},
		Principals:        stubPrincipalResolver{},
		PostsService:      service,
		Realtime:          dispatcher,
		Metrics:           metrics,
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, service: service, db: db, realtime: dispatcher, metrics: metrics}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if user != "" {
		request.Header.Set("Authorization", testBearerPrefix+user)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

type createdPostResponse struct {
	Post     postPayload     `json:"post"`
	Revision revisionPayload `json:"revision"`
}

type draftResponse struct {
	Revision       revisionPayload `json:"revision"`
	BaseRevisionID string          `json:"baseRevisionId"`
}

type acceptResponse struct {
	Revision revisionPayload `json:"revision"`
	WasStale bool            `json:"wasStale"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *testServer) mustCreatePost(t *testing.T, user, title string) createdPostResponse {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/posts", user, map[string]any{"title": title, "content": "body"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create post: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	return decodeBody[createdPostResponse](t, recorder)
}

func (s *testServer) mustCreateDraft(t *testing.T, user, postID string) draftResponse {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/posts/"+postID+"/drafts", user, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create draft: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	return decodeBody[draftResponse](t, recorder)
}

var errStubRejected = errors.New("stub rejected")
