// internal/notify/consumer.go
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// DefaultGroup is the consumer group used by cmd/worker.
const DefaultGroup = "notify-group"

const (
	readBlock  = 5 * time.Second
	retryDelay = 5 * time.Second
)

// Consumer reads notifications from a Redis stream through a consumer group and
// hands each one to a delivery Notifier.
type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	name     string
	delivery Notifier
	log      logr.Logger
}

func NewConsumer(rdb *redis.Client, stream, group, name string, delivery Notifier, log logr.Logger) *Consumer {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	return &Consumer{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		name:     name,
		delivery: delivery,
		log:      log,
	}
}

// EnsureGroup creates the consumer group and the stream if they do not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			c.log.V(1).Info("consumer group already exists", "group", c.group)
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s", c.group)
	}
	c.log.Info("created consumer group", "group", c.group, "stream", c.stream)
	return nil
}

// Run consumes until ctx is cancelled. Read errors are retried after a delay.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("listening for notifications", "consumer", c.name, "stream", c.stream)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    10,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error(err, "failed to read notification stream, retrying", "delay", retryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	n, err := decode(msg)
	if err != nil {
		c.log.Error(err, "skipping undecodable notification", "entry", msg.ID)
	} else {
		c.delivery.Notify(ctx, n)
	}

	if err := c.rdb.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		c.log.Error(err, "failed to ack notification", "entry", msg.ID)
	}
}

func decode(msg redis.XMessage) (Notification, error) {
	var n Notification
	payload, ok := msg.Values[payloadField].(string)
	if !ok {
		return n, errors.Newf("entry %s has no %s field", msg.ID, payloadField)
	}
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, errors.Wrapf(err, "decode entry %s", msg.ID)
	}
	return n, nil
}
