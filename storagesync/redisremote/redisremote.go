// Package redisremote implements storagesync.Remote on Redis, so the
// devices of one account can exchange identity records through a shared
// Redis instance.
//
// Pushed records are appended to one list per account; each device keeps
// its read position in its own cursor key, moved only by Ack.
package redisremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/storagesync"
)

// DefaultPrefix namespaces keys when none is given.
const DefaultPrefix = "trustcore:sync"

// ackScript sets the cursor to ARGV[1] unless it is already further on.
var ackScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local next = tonumber(ARGV[1])
if next > cur then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

type envelope struct {
	Device string                     `json:"device"`
	Record storagesync.RemoteIdentity `json:"record"`
}

// Remote is a storagesync.Remote backed by a Redis list.
type Remote struct {
	client *redis.Client
	prefix string
}

var _ storagesync.Remote = (*Remote)(nil)

// Open connects to the Redis server at url.
func Open(ctx context.Context, url, prefix string) (*Remote, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Remote {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Remote{client: client, prefix: prefix}
}

func (r *Remote) logKey() string { return r.prefix + ":log" }

func (r *Remote) cursorKey(device string) string { return r.prefix + ":cursor:" + device }

// Push appends records to the shared log.
func (r *Remote) Push(ctx context.Context, device string, records []storagesync.RemoteIdentity) error {
	if device == "" {
		return storagesync.ErrUnknownDevice
	}
	if len(records) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(envelope{Device: device, Record: rec})
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		values = append(values, data)
	}
	if err := r.client.RPush(ctx, r.logKey(), values...).Err(); err != nil {
		return fmt.Errorf("push records: %w", err)
	}
	return nil
}

// Pull returns records other devices appended after the device's cursor.
func (r *Remote) Pull(ctx context.Context, device string) (storagesync.Batch, error) {
	if device == "" {
		return storagesync.Batch{}, storagesync.ErrUnknownDevice
	}

	cursor, err := r.client.Get(ctx, r.cursorKey(device)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return storagesync.Batch{}, fmt.Errorf("read cursor: %w", err)
	}

	raw, err := r.client.LRange(ctx, r.logKey(), cursor, -1).Result()
	if err != nil {
		return storagesync.Batch{}, fmt.Errorf("read log: %w", err)
	}

	batch := storagesync.Batch{Next: cursor + int64(len(raw))}
	for i, item := range raw {
		seq := cursor + int64(i)
		var e envelope
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Pull",
				"device":   device,
				"seq":      seq,
				"error":    err.Error(),
			}).Warn("Skipping undecodable sync entry")
			continue
		}
		if e.Device == device {
			continue
		}
		batch.Records = append(batch.Records, storagesync.PulledIdentity{RemoteIdentity: e.Record, Seq: seq})
	}
	return batch, nil
}

// Ack advances the device's cursor to next.
func (r *Remote) Ack(ctx context.Context, device string, next int64) error {
	if device == "" {
		return storagesync.ErrUnknownDevice
	}
	if err := ackScript.Run(ctx, r.client, []string{r.cursorKey(device)}, next).Err(); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *Remote) Close() error {
	return r.client.Close()
}
