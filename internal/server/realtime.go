package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// RealtimeEventRevisionChanged is the SSE event name for every change to a post's revisions.
	RealtimeEventRevisionChanged = "revision-change"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "quire-api"
	realtimeBufferSize           = 16
	defaultHeartbeatInterval     = 25 * time.Second
)

// Revision change kinds carried by RealtimeMessage.Kind.
const (
	ChangeKindPostCreated   = "post_created"
	ChangeKindPostDeleted   = "post_deleted"
	ChangeKindDraftCreated  = "draft_created"
	ChangeKindDraftUpdated  = "draft_updated"
	ChangeKindDraftAccepted = "draft_accepted"
	ChangeKindDraftDeleted  = "draft_deleted"
)

// RealtimeMessage announces a change to one post.
type RealtimeMessage struct {
	PostID         string
	Kind           string
	RevisionID     string
	HeadRevisionID string
	WasStale       bool
	Timestamp      time.Time
}

// RealtimeDispatcher fans post events out to the SSE streams watching that post.
// Slow subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher returns an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a stream for postID until ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, postID string) (<-chan RealtimeMessage, func()) {
	if postID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(postID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(postID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every current subscriber of its post.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if d == nil || message.PostID == "" || message.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.PostID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams currently watch postID.
func (d *RealtimeDispatcher) SubscriberCount(postID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[postID])
}

func (d *RealtimeDispatcher) registerSubscriber(postID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[postID]; !ok {
		d.subscribers[postID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[postID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(postID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[postID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, postID)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	PostID         string `json:"postId"`
	Kind           string `json:"kind"`
	RevisionID     string `json:"revisionId,omitempty"`
	HeadRevisionID string `json:"headRevisionId,omitempty"`
	WasStale       bool   `json:"wasStale,omitempty"`
	Timestamp      string `json:"timestamp"`
	Source         string `json:"source"`
}

func (h *httpHandler) handlePostEvents(c *gin.Context) {
	postID, ok := h.postIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, postID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Debug("realtime stream opened", zap.String("post_id", postID.String()))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(RealtimeEventRevisionChanged, realtimeEventPayload{
				PostID:         message.PostID,
				Kind:           message.Kind,
				RevisionID:     message.RevisionID,
				HeadRevisionID: message.HeadRevisionID,
				WasStale:       message.WasStale,
				Timestamp:      message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:         realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
	h.logger.Debug("realtime stream closed", zap.String("post_id", postID.String()))
}

func (h *httpHandler) publish(message RealtimeMessage) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	h.publisher.Publish(message)
}
