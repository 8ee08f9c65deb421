package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRelayChannel is the pub/sub channel shared by every API instance.
const DefaultRelayChannel = "quire:revision-events"

const relayPublishTimeout = 2 * time.Second

var errMissingRelayClient = errors.New("redis client required for realtime relay")

// RealtimePublisher accepts revision events produced by the HTTP handlers.
type RealtimePublisher interface {
	Publish(message RealtimeMessage)
}

// RedisRelay forwards revision events between API instances so that an SSE
// stream on one instance observes changes accepted on another.
type RedisRelay struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	local      *RealtimeDispatcher
	logger     *zap.Logger
}

// RedisRelayConfig configures NewRedisRelay.
type RedisRelayConfig struct {
	Client     redis.UniversalClient
	Channel    string
	Dispatcher *RealtimeDispatcher
	Logger     *zap.Logger
}

type relayEnvelope struct {
	Origin         string    `json:"origin"`
	PostID         string    `json:"post_id"`
	Kind           string    `json:"kind"`
	RevisionID     string    `json:"revision_id,omitempty"`
	HeadRevisionID string    `json:"head_revision_id,omitempty"`
	WasStale       bool      `json:"was_stale,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewRedisRelay wraps dispatcher with a redis pub/sub fan-out.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRelayClient
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultRelayChannel
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     cfg.Client,
		channel:    channel,
		instanceID: uuid.NewString(),
		local:      dispatcher,
		logger:     logger,
	}, nil
}

// Dispatcher returns the local dispatcher that SSE streams subscribe to.
func (r *RedisRelay) Dispatcher() *RealtimeDispatcher {
	return r.local
}

// Publish delivers message to local subscribers and announces it to peers.
// Redis failures are logged; local delivery never waits on them.
func (r *RedisRelay) Publish(message RealtimeMessage) {
	r.local.Publish(message)

	data, err := encodeRelayEnvelope(r.instanceID, message)
	if err != nil {
		r.logger.Warn("encode relay message", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("publish relay message", zap.String("post_id", message.PostID), zap.Error(err))
	}
}

// Run consumes peer events until ctx is done. Messages this instance
// published are skipped since they were already delivered locally.
func (r *RedisRelay) Run(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(payload string) {
	origin, message, err := decodeRelayEnvelope([]byte(payload))
	if err != nil {
		r.logger.Warn("decode relay message", zap.Error(err))
		return
	}
	if origin == r.instanceID {
		return
	}
	r.local.Publish(message)
}

func encodeRelayEnvelope(origin string, message RealtimeMessage) ([]byte, error) {
	return json.Marshal(relayEnvelope{
		Origin:         origin,
		PostID:         message.PostID,
		Kind:           message.Kind,
		RevisionID:     message.RevisionID,
		HeadRevisionID: message.HeadRevisionID,
		WasStale:       message.WasStale,
		Timestamp:      message.Timestamp.UTC(),
	})
}

func decodeRelayEnvelope(data []byte) (string, RealtimeMessage, error) {
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", RealtimeMessage{}, err
	}
	if envelope.PostID == "" || envelope.Kind == "" {
		return "", RealtimeMessage{}, errors.New("relay message missing post id or kind")
	}
	return envelope.Origin, RealtimeMessage{
		PostID:         envelope.PostID,
		Kind:           envelope.Kind,
		RevisionID:     envelope.RevisionID,
		HeadRevisionID: envelope.HeadRevisionID,
		WasStale:       envelope.WasStale,
		Timestamp:      envelope.Timestamp,
	}, nil
}
