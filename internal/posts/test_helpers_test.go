package posts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	mu     sync.Mutex
	next   int
	failAt int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	if g.failAt > 0 && g.next == g.failAt {
		return "", fmt.Errorf("id generator exhausted at %d", g.next)
	}
	return fmt.Sprintf("id-%04d", g.next), nil
}

// steppingClock advances one second per call so creation order is total.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Unix(1700000000, 0).UTC()}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:quire_posts_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Post{}, &Revision{}), "migrate schema")
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWithIDs(t, &sequentialIDGenerator{})
}

func newTestServiceWithIDs(t *testing.T, ids IDProvider) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	clock := newSteppingClock()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: ids,
	})
	require.NoError(t, err)
	return service, db
}

func mustPostID(t *testing.T, value string) PostID {
	t.Helper()
	id, err := NewPostID(value)
	require.NoError(t, err)
	return id
}

func mustRevisionID(t *testing.T, value string) RevisionID {
	t.Helper()
	id, err := NewRevisionID(value)
	require.NoError(t, err)
	return id
}

func mustPrincipal(t *testing.T, value string) PrincipalID {
	t.Helper()
	id, err := NewPrincipalID(value)
	require.NoError(t, err)
	return id
}

func mustCreatePost(t *testing.T, service *Service, title string) CreatePostResult {
	t.Helper()
	author := mustPrincipal(t, "u1")
	result, err := service.CreatePost(context.Background(), CreatePostInput{
		Title:     stringPointer(title),
		AuthorID:  author,
		CreatedBy: author,
	})
	require.NoError(t, err)
	return result
}

func mustCreateDraft(t *testing.T, service *Service, postID PostID, createdBy string) Revision {
	t.Helper()
	result, err := service.CreateDraft(context.Background(), postID, mustPrincipal(t, createdBy))
	require.NoError(t, err)
	return result.Revision
}

func mustAccept(t *testing.T, service *Service, postID PostID, revisionID string) AcceptDraftResult {
	t.Helper()
	result, err := service.AcceptDraft(context.Background(), postID, mustRevisionID(t, revisionID))
	require.NoError(t, err)
	return result
}

func reloadPost(t *testing.T, db *gorm.DB, postID string) Post {
	t.Helper()
	var post Post
	require.NoError(t, db.Where("id = ?", postID).Take(&post).Error)
	return post
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(model).Count(&count).Error)
	return count
}
