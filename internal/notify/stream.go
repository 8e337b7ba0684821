package notify

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream notifications are published to.
const DefaultStream = "download_notifications"

const payloadField = "payload"

// StreamNotifier publishes notifications to a Redis stream for cmd/worker.
type StreamNotifier struct {
	rdb    *redis.Client
	stream string
	log    logr.Logger
}

func NewStreamNotifier(rdb *redis.Client, stream string, log logr.Logger) *StreamNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamNotifier{rdb: rdb, stream: stream, log: log}
}

func (s *StreamNotifier) Notify(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Error(err, "failed to encode notification", "id", n.JobID)
		return
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
	if err != nil {
		s.log.Error(err, "failed to publish notification", "id", n.JobID, "stream", s.stream)
		return
	}
	s.log.V(1).Info("notification published", "id", n.JobID, "stream", s.stream)
}
